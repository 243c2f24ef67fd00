package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jarrod-lowe/cqrs-command-log/internal/gate"
	"github.com/jarrod-lowe/cqrs-command-log/internal/pipeline"
)

// Local runs executions on goroutines in the current process. Wait tokens
// are continuation handles: resolving one spawns the rest of the execution.
type Local struct {
	logger      *slog.Logger
	waitTimeout time.Duration

	mu         sync.Mutex
	runner     *pipeline.Runner
	executions map[string]*localExecution
	waits      map[string]*localWait
	// resolved maps consumed tokens to their execution.
	resolved map[string]string
	wg       sync.WaitGroup
}

type localExecution struct {
	in     pipeline.Input
	status ExecutionStatus
}

type localWait struct {
	execution string
	in        pipeline.Input
	timer     *time.Timer
}

// LocalOption configures a Local orchestrator.
type LocalOption func(*Local)

// WithWaitTimeout fails a suspended execution that is not resumed in time.
func WithWaitTimeout(d time.Duration) LocalOption {
	return func(l *Local) {
		l.waitTimeout = d
	}
}

// NewLocal creates a Local orchestrator. SetRunner must be called before
// the first execution is started.
func NewLocal(logger *slog.Logger, opts ...LocalOption) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Local{
		logger:      logger,
		waitTimeout: time.Hour,
		executions:  make(map[string]*localExecution),
		waits:       make(map[string]*localWait),
		resolved:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetRunner sets the runner executions are driven by. The runner is built
// with the orchestrator as its Suspender, hence the two-step wiring.
func (l *Local) SetRunner(r *pipeline.Runner) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runner = r
}

// StartExecution starts in on a new goroutine. Starting the same version
// twice returns the existing execution.
func (l *Local) StartExecution(_ context.Context, in pipeline.Input) (string, error) {
	id := ExecutionName(in)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.runner == nil {
		return "", errors.New("local orchestrator has no runner")
	}
	if _, ok := l.executions[id]; ok {
		return id, nil
	}
	l.executions[id] = &localExecution{in: in, status: ExecutionRunning}

	runner := l.runner
	l.spawn(id, func(ctx context.Context) (pipeline.Outcome, error) {
		return runner.Run(ctx, in)
	})
	return id, nil
}

// ExecutionID returns the id of the execution that processes in.
func (l *Local) ExecutionID(in pipeline.Input) string {
	return ExecutionName(in)
}

// Suspend registers a continuation for in and returns its token.
func (l *Local) Suspend(_ context.Context, in pipeline.Input) (string, error) {
	token := uuid.NewString()

	l.mu.Lock()
	defer l.mu.Unlock()
	w := &localWait{execution: ExecutionName(in), in: in}
	if l.waitTimeout > 0 {
		w.timer = time.AfterFunc(l.waitTimeout, func() {
			err := l.ResolveWaitToken(context.Background(), token, gate.WaitResult{
				Error: pipeline.ErrorOrchestrationTimeout,
				Cause: fmt.Sprintf("not resumed within %s", l.waitTimeout),
			})
			if err != nil && !errors.Is(err, ErrUnknownToken) {
				l.logger.Error("Failed to time out wait token", slog.String("error", err.Error()))
			}
		})
	}
	l.waits[token] = w
	return token, nil
}

// ResolveWaitToken resumes the execution holding token. A token is
// accepted once; resolving it again is a no-op, like a closed task on Step
// Functions. A token that was never issued returns ErrUnknownToken.
func (l *Local) ResolveWaitToken(_ context.Context, token string, result gate.WaitResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.waits[token]
	if !ok {
		if id, done := l.resolved[token]; done {
			l.logger.Warn("Wait token already resolved",
				slog.String("execution", id))
			return nil
		}
		return ErrUnknownToken
	}
	delete(l.waits, token)
	l.resolved[token] = w.execution
	if w.timer != nil {
		w.timer.Stop()
	}

	exec, ok := l.executions[w.execution]
	if ok && exec.status.IsTerminal() {
		l.logger.Warn("Dropping wait result for a stopped execution",
			slog.String("execution", w.execution))
		return nil
	}
	if !ok {
		l.executions[w.execution] = &localExecution{in: w.in, status: ExecutionRunning}
	}

	runner := l.runner
	in := w.in
	l.spawn(w.execution, func(ctx context.Context) (pipeline.Outcome, error) {
		return runner.Resume(ctx, in, result)
	})
	return nil
}

// GetExecutionStatus returns the status of execution id.
func (l *Local) GetExecutionStatus(_ context.Context, id string) (ExecutionStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	exec, ok := l.executions[id]
	if !ok {
		return "", ErrExecutionNotFound
	}
	return exec.status, nil
}

// Wait blocks until no execution goroutine is running. Suspended
// executions do not hold a goroutine.
func (l *Local) Wait() {
	l.wg.Wait()
}

// Close stops all pending wait timers.
func (l *Local) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for token, w := range l.waits {
		if w.timer != nil {
			w.timer.Stop()
		}
		delete(l.waits, token)
	}
}

// spawn must be called with l.mu held.
func (l *Local) spawn(id string, fn func(ctx context.Context) (pipeline.Outcome, error)) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		outcome, err := fn(context.Background())
		if err != nil {
			l.logger.Error("Execution error",
				slog.String("execution", id),
				slog.String("error", err.Error()))
		}

		l.mu.Lock()
		defer l.mu.Unlock()
		exec := l.executions[id]
		if exec == nil {
			return
		}
		switch outcome {
		case pipeline.OutcomeFinished:
			exec.status = ExecutionSucceeded
		case pipeline.OutcomeFailed:
			exec.status = ExecutionFailed
		}
	}()
}
