// Package synchandler projects committed commands into secondary stores.
// Handlers are registered per logical table and run concurrently during the
// sync_data_all pipeline state, or individually through a resync.
package synchandler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jarrod-lowe/cqrs-command-log/internal/command"
)

// Handler projects a command into one secondary store. Up must be
// idempotent: it may be replayed for the same version any number of times.
// Down is a best-effort compensation of Up(data). previous is the projection
// the store held before, or nil when there was none; a store that still
// holds data must end up holding previous.
type Handler interface {
	Name() string
	Up(ctx context.Context, data *command.DataRecord) error
	Down(ctx context.Context, data, previous *command.DataRecord) error
}

var (
	ErrDuplicateHandler = errors.New("duplicate handler name")
	ErrUnknownHandler   = errors.New("unknown handler")
	ErrHandlerFailure   = errors.New("sync handler failed")
	// ErrPermanent marks a handler error that retrying cannot fix.
	ErrPermanent = errors.New("permanent handler failure")
)

// Policy controls how a table's handlers are run.
type Policy struct {
	// Concurrency limits parallel handlers; 0 means unbounded.
	Concurrency int
	// SkipError keeps the remaining handlers running after a failure and
	// reports success. When false the first failure aborts the fan-out.
	SkipError bool

	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy is unbounded concurrency, abort on failure, three attempts.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// HandlerFailureError reports a handler that still failed after its retries.
type HandlerFailureError struct {
	Table   string
	Handler string
	Err     error
}

func (e *HandlerFailureError) Error() string {
	return fmt.Sprintf("handler %s for table %s: %v", e.Handler, e.Table, e.Err)
}

func (e *HandlerFailureError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrHandlerFailure) match.
func (e *HandlerFailureError) Is(target error) bool {
	return target == ErrHandlerFailure
}

// Result lists the outcome of a fan-out by handler name.
type Result struct {
	Succeeded []string
	Failed    []*HandlerFailureError
}

// Registry maps logical table names to their handlers.
type Registry struct {
	mu            sync.RWMutex
	handlers      map[string][]Handler
	policies      map[string]Policy
	defaultPolicy Policy
	logger        *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(defaultPolicy Policy, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers:      make(map[string][]Handler),
		policies:      make(map[string]Policy),
		defaultPolicy: defaultPolicy,
		logger:        logger,
	}
}

// Register appends handlers to a table, keeping registration order.
func (r *Registry) Register(table string, handlers ...Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.handlers[table]
	seen := make(map[string]bool, len(existing)+len(handlers))
	for _, h := range existing {
		seen[h.Name()] = true
	}
	for _, h := range handlers {
		if seen[h.Name()] {
			return fmt.Errorf("%w: %s for table %s", ErrDuplicateHandler, h.Name(), table)
		}
		seen[h.Name()] = true
	}
	r.handlers[table] = append(existing, handlers...)
	return nil
}

// Handlers returns the handlers of a table in registration order.
func (r *Registry) Handlers(table string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Handler(nil), r.handlers[table]...)
}

// Handler returns one handler of a table by name.
func (r *Registry) Handler(table, name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.handlers[table] {
		if h.Name() == name {
			return h, nil
		}
	}
	return nil, fmt.Errorf("%w: %s for table %s", ErrUnknownHandler, name, table)
}

// Tables returns every table with at least one handler, sorted.
func (r *Registry) Tables() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tables := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	return tables
}

// SetPolicy overrides the policy of one table.
func (r *Registry) SetPolicy(table string, p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[table] = p
}

// Policy returns the policy of a table.
func (r *Registry) Policy(table string) Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.policies[table]; ok {
		return p
	}
	return r.defaultPolicy
}

func (r *Registry) selectHandlers(table string, only []string) ([]Handler, error) {
	if len(only) == 0 {
		return r.Handlers(table), nil
	}
	selected := make([]Handler, 0, len(only))
	for _, name := range only {
		h, err := r.Handler(table, name)
		if err != nil {
			return nil, err
		}
		selected = append(selected, h)
	}
	return selected, nil
}
