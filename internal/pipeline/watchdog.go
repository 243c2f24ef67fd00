package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jarrod-lowe/cqrs-command-log/internal/command"
	"github.com/jarrod-lowe/cqrs-command-log/internal/gate"
	"github.com/jarrod-lowe/cqrs-command-log/internal/notification"
)

// ErrOrchestrationTimeout is the failure given to a waiter that outlived
// the watchdog threshold.
var ErrOrchestrationTimeout = errors.New("timed out waiting for previous version")

// StatusWaitTimeout is emitted as an alarm when a waiter is timed out.
var StatusWaitTimeout = command.NewStatus(string(StateWaitPrevCommand), command.PhaseTimeout)

// Watchdog fails executions that have waited on their predecessor for
// longer than the threshold, so a chain can never stay stuck.
type Watchdog struct {
	store     command.Store
	resolver  gate.Resolver
	emitter   *notification.Emitter
	logger    *slog.Logger
	threshold time.Duration
	now       func() time.Time
}

// NewWatchdog creates a Watchdog.
func NewWatchdog(store command.Store, resolver gate.Resolver, emitter *notification.Emitter, logger *slog.Logger, threshold time.Duration) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	if emitter == nil {
		emitter = notification.NewEmitter(nil, logger)
	}
	return &Watchdog{
		store:     store,
		resolver:  resolver,
		emitter:   emitter,
		logger:    logger,
		threshold: threshold,
		now:       time.Now,
	}
}

// Sweep resolves every stale waiter of table with a timeout failure and
// returns how many it resolved.
func (w *Watchdog) Sweep(ctx context.Context, table string) (int, error) {
	waiting, err := w.store.ListWaiting(ctx, table, w.now().Add(-w.threshold))
	if err != nil {
		return 0, fmt.Errorf("failed to list waiting commands: %w", err)
	}

	resolved := 0
	var errs []error
	for _, rec := range waiting {
		key := rec.Key()
		token, err := w.store.TakeWaitToken(ctx, table, key, rec.Version)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s v%d: %w", key, rec.Version, err))
			continue
		}
		if token == "" {
			// Released since the scan.
			continue
		}

		w.logger.ErrorContext(ctx, "Command waited too long for previous version",
			slog.String("table", table),
			slog.String("pk", key.PK),
			slog.String("sk", key.SK),
			slog.Int("version", rec.Version),
			slog.Int64("waiting_since", rec.WaitingSince))
		w.emitter.Status(ctx, table, rec, StatusWaitTimeout)

		result := gate.WaitResult{
			Error: ErrorOrchestrationTimeout,
			Cause: fmt.Sprintf("%s after %s", ErrOrchestrationTimeout, w.threshold),
		}
		if err := w.resolver.ResolveWaitToken(ctx, token, result); err != nil {
			errs = append(errs, fmt.Errorf("%s v%d: %w", key, rec.Version, err))
			continue
		}
		resolved++
	}
	return resolved, errors.Join(errs...)
}
