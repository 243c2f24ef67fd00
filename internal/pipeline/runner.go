package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/jarrod-lowe/cqrs-command-log/internal/command"
	"github.com/jarrod-lowe/cqrs-command-log/internal/gate"
	"github.com/jarrod-lowe/cqrs-command-log/internal/synchandler"
)

// Outcome is where a run of the state machine stopped.
type Outcome int

const (
	OutcomeFinished Outcome = iota
	OutcomeFailed
	// OutcomeSuspended means the execution is parked behind a wait token
	// and continues through Resume.
	OutcomeSuspended
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFinished:
		return "finished"
	case OutcomeFailed:
		return "failed"
	case OutcomeSuspended:
		return "suspended"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Suspender persists the continuation of a waiting execution and returns
// the token that resumes it.
type Suspender interface {
	Suspend(ctx context.Context, in Input) (string, error)
}

// RetryPolicy bounds the retries of a single state.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is three attempts from 200ms up to 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// Runner drives a Pipeline through its states in-process. It never blocks
// on a predecessor: a waiting execution is suspended and Run returns.
type Runner struct {
	pipeline  *Pipeline
	suspender Suspender
	retry     RetryPolicy
	logger    *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(p *Pipeline, suspender Suspender, retry RetryPolicy, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{pipeline: p, suspender: suspender, retry: retry, logger: logger}
}

// Run starts the state machine for in at check_version.
func (r *Runner) Run(ctx context.Context, in Input) (Outcome, error) {
	var res CheckResult
	err := r.step(ctx, StateCheckVersion, in, func(ctx context.Context) error {
		var err error
		res, err = r.pipeline.CheckVersion(ctx, in)
		return err
	})
	if err != nil {
		return r.fail(ctx, in, command.Failure{Stage: string(StateCheckVersion), Reason: err.Error()})
	}

	switch res.Branch {
	case BranchFail:
		return r.fail(ctx, in, command.Failure{Stage: string(StateCheckVersion), Reason: res.Reason})
	case BranchWait:
		token, err := r.suspender.Suspend(ctx, in)
		if err != nil {
			return r.fail(ctx, in, command.Failure{Stage: string(StateWaitPrevCommand), Reason: err.Error()})
		}
		err = r.step(ctx, StateWaitPrevCommand, in, func(ctx context.Context) error {
			return r.pipeline.WaitPrevCommand(ctx, in, token)
		})
		if err != nil {
			return r.fail(ctx, in, command.Failure{Stage: string(StateWaitPrevCommand), Reason: err.Error()})
		}
		return OutcomeSuspended, nil
	}
	return r.proceed(ctx, in)
}

// Resume continues a suspended execution with the result delivered to its
// wait token.
func (r *Runner) Resume(ctx context.Context, in Input, result gate.WaitResult) (Outcome, error) {
	if !result.Success {
		reason := result.Error
		if result.Cause != "" {
			reason += ": " + result.Cause
		}
		return r.fail(ctx, in, command.Failure{Stage: string(StateWaitPrevCommand), Reason: reason})
	}
	return r.proceed(ctx, in)
}

func (r *Runner) proceed(ctx context.Context, in Input) (Outcome, error) {
	p := r.pipeline
	var data *command.DataRecord

	steps := []struct {
		state State
		run   func(ctx context.Context) error
	}{
		{StateSetTTLCommand, func(ctx context.Context) error { return p.SetTTLCommand(ctx, in) }},
		{StateHistoryCopy, func(ctx context.Context) error { return p.HistoryCopy(ctx, in) }},
		{StateTransformData, func(ctx context.Context) error {
			var err error
			data, err = p.TransformData(ctx, in)
			return err
		}},
		{StateSyncDataAll, func(ctx context.Context) error { return p.SyncDataAll(ctx, in, data) }},
		{StateFinish, func(ctx context.Context) error { return p.Finish(ctx, in, data) }},
	}

	for _, s := range steps {
		if err := r.step(ctx, s.state, in, s.run); err != nil {
			return r.fail(ctx, in, command.Failure{Stage: string(s.state), Reason: err.Error()})
		}
	}
	return OutcomeFinished, nil
}

func (r *Runner) fail(ctx context.Context, in Input, failure command.Failure) (Outcome, error) {
	// The fail state must run even when the caller's context is done.
	ctx = context.WithoutCancel(ctx)
	err := r.step(ctx, StateFail, in, func(ctx context.Context) error {
		return r.pipeline.Fail(ctx, in, failure)
	})
	if err != nil {
		return OutcomeFailed, fmt.Errorf("fail state for %s v%d: %w", in.Key(), in.Version, err)
	}
	return OutcomeFailed, nil
}

// step runs one state with bounded exponential backoff. Handler failures
// have already been retried by the registry and are not retried again.
func (r *Runner) step(ctx context.Context, state State, in Input, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retry.InitialInterval
	b.MaxInterval = r.retry.MaxInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn(ctx)
		if err != nil && errors.Is(err, synchandler.ErrHandlerFailure) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.retry.MaxAttempts),
		backoff.WithNotify(func(err error, d time.Duration) {
			r.logger.WarnContext(ctx, "Retrying pipeline state",
				slog.String("state", string(state)),
				slog.String("table", in.Table),
				slog.String("pk", in.PK),
				slog.String("sk", in.SK),
				slog.Int("version", in.Version),
				slog.String("error", err.Error()),
				slog.Duration("delay", d))
		}),
	)
	return err
}
