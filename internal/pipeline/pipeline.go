package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jarrod-lowe/cqrs-command-log/internal/command"
	"github.com/jarrod-lowe/cqrs-command-log/internal/gate"
	"github.com/jarrod-lowe/cqrs-command-log/internal/notification"
	"github.com/jarrod-lowe/cqrs-command-log/internal/synchandler"
)

// Syncer fans a projection out to the handlers of a table. previous is the
// projection being replaced, restored on the handlers if the fan-out aborts.
type Syncer interface {
	Up(ctx context.Context, table string, data, previous *command.DataRecord, only ...string) (*synchandler.Result, error)
}

// Hooks lets tests interfere with state execution.
type Hooks struct {
	// BeforeState runs before each state; an error fails that attempt.
	BeforeState func(ctx context.Context, state State, in Input) error
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Store     command.Store
	Gate      *gate.Gate
	Resolver  gate.Resolver
	Syncer    Syncer
	Emitter   *notification.Emitter
	Logger    *slog.Logger
	Retention time.Duration
	Hooks     Hooks
}

// Pipeline implements each state as an idempotent method. Every state
// records <state>:STARTED and <state>:FINISHED on the command record and
// emits a status notification.
type Pipeline struct {
	store     command.Store
	gate      *gate.Gate
	resolver  gate.Resolver
	syncer    Syncer
	emitter   *notification.Emitter
	logger    *slog.Logger
	retention time.Duration
	hooks     Hooks
	now       func() time.Time
	tracer    trace.Tracer
}

// New creates a Pipeline.
func New(d Deps) *Pipeline {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	emitter := d.Emitter
	if emitter == nil {
		emitter = notification.NewEmitter(nil, logger)
	}
	retention := d.Retention
	if retention <= 0 {
		retention = command.DefaultRetentionDays * 24 * time.Hour
	}
	return &Pipeline{
		store:     d.Store,
		gate:      d.Gate,
		resolver:  d.Resolver,
		syncer:    d.Syncer,
		emitter:   emitter,
		logger:    logger,
		retention: retention,
		hooks:     d.Hooks,
		now:       time.Now,
		tracer:    otel.Tracer("cqrs-pipeline"),
	}
}

func (p *Pipeline) startSpan(ctx context.Context, state State, in Input) (context.Context, trace.Span) {
	ctx, span := p.tracer.Start(ctx, string(state))
	span.SetAttributes(
		attribute.String("table", in.Table),
		attribute.String("pk", in.PK),
		attribute.String("sk", in.SK),
		attribute.Int("version", in.Version),
	)
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// load runs the test hook and loads the command.
func (p *Pipeline) load(ctx context.Context, state State, in Input) (*command.CommandRecord, error) {
	if p.hooks.BeforeState != nil {
		if err := p.hooks.BeforeState(ctx, state, in); err != nil {
			return nil, err
		}
	}
	rec, err := p.store.GetCommand(ctx, in.Table, in.Key(), in.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to load command: %w", err)
	}
	return rec, nil
}

// begin loads the command and records the STARTED status.
func (p *Pipeline) begin(ctx context.Context, state State, in Input) (*command.CommandRecord, error) {
	rec, err := p.load(ctx, state, in)
	if err != nil {
		return nil, err
	}
	if err := p.setStatus(ctx, in, rec, command.NewStatus(string(state), command.PhaseStarted)); err != nil {
		return nil, err
	}
	return rec, nil
}

func (p *Pipeline) end(ctx context.Context, state State, in Input, rec *command.CommandRecord) error {
	return p.setStatus(ctx, in, rec, command.NewStatus(string(state), command.PhaseFinished))
}

func (p *Pipeline) setStatus(ctx context.Context, in Input, rec *command.CommandRecord, status command.Status) error {
	if err := p.store.UpdateCommandStatus(ctx, in.Table, in.Key(), in.Version, status, nil); err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	rec.Status = status
	p.emitter.Status(ctx, in.Table, rec, status)
	return nil
}

// CheckVersion decides whether the version continues, waits for its
// predecessor or fails.
func (p *Pipeline) CheckVersion(ctx context.Context, in Input) (res CheckResult, err error) {
	ctx, span := p.startSpan(ctx, StateCheckVersion, in)
	defer func() { endSpan(span, err) }()

	rec, err := p.begin(ctx, StateCheckVersion, in)
	if err != nil {
		return CheckResult{}, err
	}

	decision, err := p.gate.Check(ctx, in.Table, in.Key(), in.Version)
	if err != nil {
		return CheckResult{}, err
	}
	span.SetAttributes(attribute.String("decision", decision.Decision.String()))

	if err := p.end(ctx, StateCheckVersion, in, rec); err != nil {
		return CheckResult{}, err
	}

	switch decision.Decision {
	case gate.Admit:
		return CheckResult{Branch: BranchContinue}, nil
	case gate.Wait:
		return CheckResult{Branch: BranchWait}, nil
	default:
		p.logger.WarnContext(ctx, "Version rejected",
			slog.String("table", in.Table),
			slog.String("pk", in.PK),
			slog.String("sk", in.SK),
			slog.Int("version", in.Version),
			slog.String("reason", decision.Reason.Error()))
		return CheckResult{Branch: BranchFail, Reason: decision.Reason.Error()}, nil
	}
}

// WaitPrevCommand parks the execution behind token until the previous
// version settles. If it already has, the token is resolved here so the
// execution resumes straight away.
func (p *Pipeline) WaitPrevCommand(ctx context.Context, in Input, token string) (err error) {
	ctx, span := p.startSpan(ctx, StateWaitPrevCommand, in)
	defer func() { endSpan(span, err) }()

	if p.hooks.BeforeState != nil {
		if err := p.hooks.BeforeState(ctx, StateWaitPrevCommand, in); err != nil {
			return err
		}
	}

	res, err := p.gate.Suspend(ctx, in.Table, in.Key(), in.Version, token)
	if err != nil {
		return err
	}

	switch res.Decision {
	case gate.Wait:
		rec, err := p.store.GetCommand(ctx, in.Table, in.Key(), in.Version)
		if err != nil {
			return fmt.Errorf("failed to load command: %w", err)
		}
		p.emitter.Status(ctx, in.Table, rec, command.StatusWaiting)
		p.logger.InfoContext(ctx, "Waiting for previous version",
			slog.String("table", in.Table),
			slog.String("pk", in.PK),
			slog.String("sk", in.SK),
			slog.Int("version", in.Version))
		return nil
	case gate.Admit:
		return p.resolver.ResolveWaitToken(ctx, token, gate.WaitResult{Success: true})
	default:
		return p.resolver.ResolveWaitToken(ctx, token, gate.WaitResult{
			Error: ErrorPredecessorFailed,
			Cause: res.Reason.Error(),
		})
	}
}

// SetTTLCommand marks the previous command version for expiry.
func (p *Pipeline) SetTTLCommand(ctx context.Context, in Input) (err error) {
	ctx, span := p.startSpan(ctx, StateSetTTLCommand, in)
	defer func() { endSpan(span, err) }()

	rec, err := p.begin(ctx, StateSetTTLCommand, in)
	if err != nil {
		return err
	}
	if in.Version > 1 {
		ttl := p.now().Add(p.retention).Unix()
		if err := p.store.SetCommandTTL(ctx, in.Table, in.Key(), in.Version-1, ttl); err != nil {
			return fmt.Errorf("failed to set ttl: %w", err)
		}
	}
	return p.end(ctx, StateSetTTLCommand, in, rec)
}

// HistoryCopy writes the immutable history record of the version.
func (p *Pipeline) HistoryCopy(ctx context.Context, in Input) (err error) {
	ctx, span := p.startSpan(ctx, StateHistoryCopy, in)
	defer func() { endSpan(span, err) }()

	rec, err := p.begin(ctx, StateHistoryCopy, in)
	if err != nil {
		return err
	}
	if err := p.store.PutHistory(ctx, in.Table, rec.ToHistory()); err != nil {
		return fmt.Errorf("failed to write history: %w", err)
	}
	return p.end(ctx, StateHistoryCopy, in, rec)
}

// TransformData builds the projection handed to sync handlers.
func (p *Pipeline) TransformData(ctx context.Context, in Input) (data *command.DataRecord, err error) {
	ctx, span := p.startSpan(ctx, StateTransformData, in)
	defer func() { endSpan(span, err) }()

	rec, err := p.begin(ctx, StateTransformData, in)
	if err != nil {
		return nil, err
	}
	data = rec.ToData()
	if err := p.end(ctx, StateTransformData, in, rec); err != nil {
		return nil, err
	}
	return data, nil
}

// SyncDataAll runs every sync handler of the table against data.
func (p *Pipeline) SyncDataAll(ctx context.Context, in Input, data *command.DataRecord) (err error) {
	ctx, span := p.startSpan(ctx, StateSyncDataAll, in)
	defer func() { endSpan(span, err) }()

	rec, err := p.begin(ctx, StateSyncDataAll, in)
	if err != nil {
		return err
	}
	if data == nil {
		data = rec.ToData()
	}
	previous, err := p.store.GetData(ctx, in.Table, in.Key())
	if err != nil {
		if !errors.Is(err, command.ErrNotFound) {
			return fmt.Errorf("failed to read projection: %w", err)
		}
		previous = nil
	}
	res, err := p.syncer.Up(ctx, in.Table, data, previous)
	if err != nil {
		return err
	}
	span.SetAttributes(
		attribute.Int("handlers_succeeded", len(res.Succeeded)),
		attribute.Int("handlers_failed", len(res.Failed)),
	)
	return p.end(ctx, StateSyncDataAll, in, rec)
}

// Finish publishes the projection, marks the command finished and releases
// the next version. A retry after the command was marked finished only
// redoes the release and the notification.
func (p *Pipeline) Finish(ctx context.Context, in Input, data *command.DataRecord) (err error) {
	ctx, span := p.startSpan(ctx, StateFinish, in)
	defer func() { endSpan(span, err) }()

	rec, err := p.load(ctx, StateFinish, in)
	if err != nil {
		return err
	}
	if rec.Status != command.StatusFinished {
		if err := p.commit(ctx, in, rec, data); err != nil {
			return err
		}
	}

	if err := p.release(ctx, in, gate.WaitResult{Success: true}); err != nil {
		return err
	}
	if err := p.emitter.Terminal(ctx, in.Table, rec, command.StatusFinished, nil); err != nil {
		return fmt.Errorf("failed to publish finish notification: %w", err)
	}
	p.logger.InfoContext(ctx, "Command finished",
		slog.String("table", in.Table),
		slog.String("pk", in.PK),
		slog.String("sk", in.SK),
		slog.Int("version", in.Version))
	return nil
}

// commit writes the projection and marks the command finished.
func (p *Pipeline) commit(ctx context.Context, in Input, rec *command.CommandRecord, data *command.DataRecord) error {
	if err := p.setStatus(ctx, in, rec, command.NewStatus(string(StateFinish), command.PhaseStarted)); err != nil {
		return err
	}
	if data == nil {
		data = rec.ToData()
	}
	if err := p.store.PutData(ctx, in.Table, data); err != nil {
		return fmt.Errorf("failed to write projection: %w", err)
	}

	// The status must be terminal before the release: a successor that
	// registers its token after this point is rejected by the store and
	// re-checks instead.
	if err := p.store.UpdateCommandStatus(ctx, in.Table, in.Key(), in.Version, command.StatusFinished, nil); err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	rec.Status = command.StatusFinished
	return nil
}

// Fail marks the command failed, passes the failure on to the next version's
// waiter and emits the failure notification.
func (p *Pipeline) Fail(ctx context.Context, in Input, failure command.Failure) (err error) {
	ctx, span := p.startSpan(ctx, StateFail, in)
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("failed_stage", failure.Stage))

	p.logger.ErrorContext(ctx, "Command failed",
		slog.String("table", in.Table),
		slog.String("pk", in.PK),
		slog.String("sk", in.SK),
		slog.Int("version", in.Version),
		slog.String("stage", failure.Stage),
		slog.String("error", failure.Reason))

	rec, err := p.store.GetCommand(ctx, in.Table, in.Key(), in.Version)
	switch {
	case err == nil && rec.Status == command.StatusFinished:
		// The projection already holds this version and the successor has
		// been released; only the finish notification was lost.
		p.logger.WarnContext(ctx, "Command already finished, leaving status",
			slog.String("table", in.Table),
			slog.String("pk", in.PK),
			slog.String("sk", in.SK),
			slog.Int("version", in.Version))
		return nil
	case err == nil:
		if err := p.store.UpdateCommandStatus(ctx, in.Table, in.Key(), in.Version, command.StatusFailed, &failure); err != nil {
			return fmt.Errorf("failed to update status: %w", err)
		}
		rec.Status = command.StatusFailed
		// A stale token on a failed version would only resume a dead execution.
		if _, err := p.store.TakeWaitToken(ctx, in.Table, in.Key(), in.Version); err != nil {
			return fmt.Errorf("failed to clear wait token: %w", err)
		}
	case errors.Is(err, command.ErrNotFound):
		rec = &command.CommandRecord{Entity: command.Entity{PK: in.PK, SK: in.Key().CommandSK(in.Version), Version: in.Version}}
	default:
		return fmt.Errorf("failed to load command: %w", err)
	}

	result := gate.WaitResult{
		Error: ErrorPredecessorFailed,
		Cause: fmt.Sprintf("version %d failed at %s: %s", in.Version, failure.Stage, failure.Reason),
	}
	if err := p.release(ctx, in, result); err != nil {
		return err
	}
	if err := p.emitter.Terminal(ctx, in.Table, rec, command.StatusFailed, &failure); err != nil {
		return fmt.Errorf("failed to publish failure notification: %w", err)
	}
	return nil
}

// release hands result to the next version's waiter. Once the token has
// been taken a resolve failure is not retried by the step: the waiter's own
// wait timeout takes over.
func (p *Pipeline) release(ctx context.Context, in Input, result gate.WaitResult) error {
	taken, err := p.gate.Release(ctx, in.Table, in.Key(), in.Version, result)
	if err != nil && !taken {
		return err
	}
	return nil
}
