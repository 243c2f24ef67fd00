package synchandler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/jarrod-lowe/cqrs-command-log/internal/command"
)

// Up runs Up on every handler of the table (or only the named ones)
// concurrently. Each handler gets its own copy of data and is retried with
// backoff before it counts as failed. previous is the projection data
// replaces, nil for a first version.
//
// Under the abort policy the first failure cancels the remaining handlers,
// Down is called on those that already succeeded so they return to previous,
// and a *HandlerFailureError is returned. Under the skip policy every handler runs to completion and
// failures are only reported in the Result.
func (r *Registry) Up(ctx context.Context, table string, data, previous *command.DataRecord, only ...string) (*Result, error) {
	handlers, err := r.selectHandlers(table, only)
	if err != nil {
		return nil, err
	}
	result := &Result{}
	if len(handlers) == 0 {
		return result, nil
	}

	policy := r.Policy(table)
	var (
		mu       sync.Mutex
		firstErr *HandlerFailureError
	)

	g, gctx := errgroup.WithContext(ctx)
	if policy.Concurrency > 0 {
		g.SetLimit(policy.Concurrency)
	}
	for _, h := range handlers {
		g.Go(func() error {
			err := r.callUp(gctx, policy, table, h, data)

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				result.Succeeded = append(result.Succeeded, h.Name())
				return nil
			}

			failure := &HandlerFailureError{Table: table, Handler: h.Name(), Err: err}
			result.Failed = append(result.Failed, failure)
			r.logger.ErrorContext(ctx, "Sync handler failed",
				slog.String("table", table),
				slog.String("handler", h.Name()),
				slog.String("pk", data.PK),
				slog.String("sk", data.SK),
				slog.Int("version", data.Version),
				slog.Bool("skip_error", policy.SkipError),
				slog.String("error", err.Error()))
			if policy.SkipError {
				return nil
			}
			if firstErr == nil {
				firstErr = failure
			}
			return failure
		})
	}
	_ = g.Wait()

	sort.Strings(result.Succeeded)
	sort.Slice(result.Failed, func(i, j int) bool { return result.Failed[i].Handler < result.Failed[j].Handler })

	if firstErr != nil {
		r.compensate(ctx, table, data, previous, result.Succeeded)
		return result, firstErr
	}
	return result, nil
}

// Down runs Down on the handlers of a table (or only the named ones) one
// after another and joins their errors.
func (r *Registry) Down(ctx context.Context, table string, data, previous *command.DataRecord, only ...string) error {
	handlers, err := r.selectHandlers(table, only)
	if err != nil {
		return err
	}
	var errs []error
	for _, h := range handlers {
		if err := h.Down(ctx, data.Clone(), previous.Clone()); err != nil {
			errs = append(errs, &HandlerFailureError{Table: table, Handler: h.Name(), Err: err})
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) compensate(ctx context.Context, table string, data, previous *command.DataRecord, succeeded []string) {
	if len(succeeded) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := r.Down(ctx, table, data, previous, succeeded...); err != nil {
		r.logger.WarnContext(ctx, "Sync handler compensation failed",
			slog.String("table", table),
			slog.String("pk", data.PK),
			slog.String("sk", data.SK),
			slog.Int("version", data.Version),
			slog.String("error", err.Error()))
	}
}

func (r *Registry) callUp(ctx context.Context, policy Policy, table string, h Handler, data *command.DataRecord) error {
	b := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		b.InitialInterval = policy.InitialInterval
	}
	if policy.MaxInterval > 0 {
		b.MaxInterval = policy.MaxInterval
	}
	attempts := policy.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := ctx.Err(); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		err := h.Up(ctx, data.Clone())
		if errors.Is(err, ErrPermanent) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(attempts),
		backoff.WithNotify(func(err error, d time.Duration) {
			r.logger.WarnContext(ctx, "Retrying sync handler",
				slog.String("table", table),
				slog.String("handler", h.Name()),
				slog.String("error", err.Error()),
				slog.Duration("delay", d))
		}),
	)
	return err
}
