// Package gate serialises pipeline admission per entity. A version is admitted
// once its predecessor has settled; until then it is parked behind a
// pending-wait token stored on its own command record.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/jarrod-lowe/cqrs-command-log/internal/command"
)

// Decision is the outcome of a version check.
type Decision int

const (
	// Admit means the version may proceed through the pipeline now.
	Admit Decision = iota
	// Wait means the previous version is still in flight.
	Wait
	// Reject means the version can never be applied.
	Reject
)

func (d Decision) String() string {
	switch d {
	case Admit:
		return "admit"
	case Wait:
		return "wait"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Reject reasons.
var (
	ErrStaleVersion       = errors.New("version is not newer than the latest projection")
	ErrPredecessorFailed  = errors.New("previous version failed")
	ErrPredecessorMissing = errors.New("previous version does not exist")
	ErrSuspendContention  = errors.New("could not register wait token")
)

// maxSuspendAttempts bounds the register/re-check loop in Suspend.
const maxSuspendAttempts = 3

// Result is a gate decision with the reason for a rejection.
type Result struct {
	Decision Decision
	Reason   error
}

// WaitResult is the signal delivered to a suspended pipeline.
type WaitResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Cause   string `json:"cause,omitempty"`
}

// Resolver delivers a WaitResult to the holder of a pending-wait token.
type Resolver interface {
	ResolveWaitToken(ctx context.Context, token string, result WaitResult) error
}

// Store is the subset of the command store the gate needs.
type Store interface {
	GetData(ctx context.Context, table string, key command.Key) (*command.DataRecord, error)
	GetCommand(ctx context.Context, table string, key command.Key, version int) (*command.CommandRecord, error)
	RegisterWaitToken(ctx context.Context, table string, key command.Key, version int, token string) error
	TakeWaitToken(ctx context.Context, table string, key command.Key, version int) (string, error)
}

// Gate decides whether a command version may enter the pipeline.
type Gate struct {
	store    Store
	resolver Resolver
	logger   *slog.Logger

	resolveAttempts uint
	resolveInterval time.Duration
}

// Option configures a Gate.
type Option func(*Gate)

// WithResolveRetry sets how often Release retries a failed resolve.
func WithResolveRetry(attempts uint, initial time.Duration) Option {
	return func(g *Gate) {
		g.resolveAttempts = attempts
		g.resolveInterval = initial
	}
}

// New creates a Gate.
func New(store Store, resolver Resolver, logger *slog.Logger, opts ...Option) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		store:           store,
		resolver:        resolver,
		logger:          logger,
		resolveAttempts: 3,
		resolveInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check decides what to do with version of key, based on the latest
// projection and the status of the previous version.
func (g *Gate) Check(ctx context.Context, table string, key command.Key, version int) (Result, error) {
	projected := 0
	data, err := g.store.GetData(ctx, table, key)
	switch {
	case err == nil:
		projected = data.Version
	case errors.Is(err, command.ErrNotFound):
	default:
		return Result{}, fmt.Errorf("failed to read projection: %w", err)
	}

	if version <= projected {
		return Result{Decision: Reject, Reason: ErrStaleVersion}, nil
	}
	if version == projected+1 {
		return Result{Decision: Admit}, nil
	}

	prev, err := g.store.GetCommand(ctx, table, key, version-1)
	if err != nil {
		if errors.Is(err, command.ErrNotFound) {
			return Result{Decision: Reject, Reason: ErrPredecessorMissing}, nil
		}
		return Result{}, fmt.Errorf("failed to read previous version: %w", err)
	}

	switch prev.Status {
	case command.StatusFailed:
		return Result{Decision: Reject, Reason: ErrPredecessorFailed}, nil
	case command.StatusFinished:
		return Result{Decision: Admit}, nil
	default:
		return Result{Decision: Wait}, nil
	}
}

// Suspend stores token as the pending-wait token of version. When the
// previous version settled in the meantime the gate re-checks and returns
// Admit or Reject; the caller then owns the token and must resolve it.
// Wait is only returned once the token is stored.
func (g *Gate) Suspend(ctx context.Context, table string, key command.Key, version int, token string) (Result, error) {
	for range maxSuspendAttempts {
		err := g.store.RegisterWaitToken(ctx, table, key, version, token)
		if err == nil {
			return Result{Decision: Wait}, nil
		}
		if !errors.Is(err, command.ErrPredecessorSettled) {
			return Result{}, fmt.Errorf("failed to register wait token: %w", err)
		}

		res, err := g.Check(ctx, table, key, version)
		if err != nil {
			return Result{}, err
		}
		if res.Decision != Wait {
			return res, nil
		}
	}
	return Result{}, ErrSuspendContention
}

// Release resolves the waiter of the version after version, if one is
// registered. It reports whether a waiter was found.
func (g *Gate) Release(ctx context.Context, table string, key command.Key, version int, result WaitResult) (bool, error) {
	token, err := g.store.TakeWaitToken(ctx, table, key, version+1)
	if err != nil {
		return false, fmt.Errorf("failed to take wait token: %w", err)
	}
	if token == "" {
		return false, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.resolveInterval
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, g.resolver.ResolveWaitToken(ctx, token, result)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(g.resolveAttempts),
		backoff.WithNotify(func(err error, d time.Duration) {
			g.logger.WarnContext(ctx, "Retrying wait token resolve",
				slog.String("table", table),
				slog.String("pk", key.PK),
				slog.String("sk", key.SK),
				slog.Int("version", version+1),
				slog.String("error", err.Error()),
				slog.Duration("delay", d))
		}),
	)
	if err != nil {
		g.logger.ErrorContext(ctx, "Failed to resolve wait token",
			slog.String("table", table),
			slog.String("pk", key.PK),
			slog.String("sk", key.SK),
			slog.Int("version", version+1),
			slog.String("error", err.Error()))
		return true, fmt.Errorf("failed to resolve wait token: %w", err)
	}
	return true, nil
}
