package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/jarrod-lowe/cqrs-command-log/internal/command"
	"github.com/jarrod-lowe/cqrs-command-log/internal/notification"
	"github.com/jarrod-lowe/cqrs-command-log/internal/pipeline"
)

// wait blocks until the pipeline of rec settles. It polls the command with
// backoff, and wakes early on a terminal notification when a Broker is set.
func (s *Service) wait(ctx context.Context, table string, rec *command.CommandRecord, timeout time.Duration) (*command.CommandRecord, error) {
	if timeout <= 0 {
		timeout = s.syncTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	key := rec.Key()
	var events <-chan notification.Message
	if s.broker != nil {
		ch, unsubscribe := s.broker.Subscribe(func(m notification.Message) bool {
			return m.Table == table && m.PK == rec.PK && m.SK == rec.SK && m.IsTerminal()
		})
		defer unsubscribe()
		events = ch
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.pollInterval
	b.MaxInterval = 10 * s.pollInterval
	b.Reset()

	for {
		cur, err := s.store.GetCommand(ctx, table, key, rec.Version)
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return rec, fmt.Errorf("failed to read command status: %w", err)
		}
		if err == nil {
			switch cur.Status {
			case command.StatusFinished:
				return cur, nil
			case command.StatusFailed:
				return cur, &PipelineFailedError{
					Key:     key,
					Version: cur.Version,
					Stage:   cur.FailedStage,
					Reason:  cur.FailureReason,
				}
			}
		}

		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.WarnContext(ctx, "Synchronous publish timed out",
				slog.String("table", table),
				slog.String("pk", key.PK),
				slog.String("sk", key.SK),
				slog.Int("version", rec.Version),
				slog.Duration("timeout", timeout))
			return rec, fmt.Errorf("%w after %s", ErrSyncTimeout, timeout)
		case <-events:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Resync replays the handlers of table against current projections without
// running the pipeline. With a key only that entity is replayed; otherwise
// every projection of the table is. It returns the number of projections
// replayed.
func (s *Service) Resync(ctx context.Context, table string, key *command.Key, handlers ...string) (int, error) {
	if s.syncer == nil {
		return 0, errors.New("no sync handlers configured")
	}

	if key != nil {
		data, err := s.store.GetData(ctx, table, *key)
		if err != nil {
			return 0, fmt.Errorf("failed to read projection %s: %w", key, err)
		}
		if _, err := s.syncer.Up(ctx, table, data, data, handlers...); err != nil {
			return 0, err
		}
		return 1, nil
	}

	count := 0
	var errs []error
	err := s.store.ScanData(ctx, table, func(data *command.DataRecord) error {
		if _, err := s.syncer.Up(ctx, table, data, data, handlers...); err != nil {
			errs = append(errs, err)
			return nil
		}
		count++
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("failed to scan projections: %w", err)
	}
	s.logger.InfoContext(ctx, "Resync complete",
		slog.String("table", table),
		slog.Int("replayed", count),
		slog.Int("failed", len(errs)))
	return count, errors.Join(errs...)
}

// Redrive restarts the pipeline of a failed command. Versions after it
// that failed because of it need redriving in turn once it finishes.
func (s *Service) Redrive(ctx context.Context, table string, key command.Key, version int, opts Options) (*command.CommandRecord, error) {
	if s.starter == nil {
		return nil, ErrNoStarter
	}
	rec, err := s.store.GetCommand(ctx, table, key, version)
	if err != nil {
		return nil, fmt.Errorf("failed to read command %s v%d: %w", key, version, err)
	}
	if rec.Status != command.StatusFailed {
		return rec, fmt.Errorf("%s v%d has status %s: %w", key, rec.Version, rec.Status, ErrNotRedrivable)
	}

	if err := s.store.UpdateCommandStatus(ctx, table, key, rec.Version, command.StatusAccepted, nil); err != nil {
		return nil, fmt.Errorf("failed to reset status: %w", err)
	}
	rec.Status = command.StatusAccepted

	source := opts.Source
	if source == "" {
		source = SourceRedrive
	}
	s.logger.InfoContext(ctx, "Redriving command",
		slog.String("table", table),
		slog.String("pk", key.PK),
		slog.String("sk", key.SK),
		slog.Int("version", rec.Version),
		slog.String("source", source),
		slog.String("failed_stage", rec.FailedStage))

	in := pipeline.InputFor(table, rec)
	in.Attempt = int(s.now().Unix())
	if err := s.start(ctx, in); err != nil {
		return rec, err
	}
	if opts.Synchronous {
		return s.wait(ctx, table, rec, opts.Timeout)
	}
	return rec, nil
}
