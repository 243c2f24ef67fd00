// Package service exposes the command log operations used by controllers,
// the CLI and bulk importers.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jarrod-lowe/cqrs-command-log/internal/command"
	"github.com/jarrod-lowe/cqrs-command-log/internal/notification"
	"github.com/jarrod-lowe/cqrs-command-log/internal/pipeline"
	"github.com/jarrod-lowe/cqrs-command-log/internal/synchandler"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotRedrivable  = errors.New("only failed commands can be redriven")
	ErrNoStarter      = errors.New("no execution starter configured")
	ErrPipelineFailed = errors.New("pipeline failed")
	ErrSyncTimeout    = errors.New("timed out waiting for pipeline")
)

// Default sources recorded on commands.
const (
	SourcePublish   = "publish"
	SourceDuplicate = "duplicate"
	SourceRedrive   = "redrive"
)

// PipelineFailedError is returned by a synchronous publish whose pipeline
// reached fail.
type PipelineFailedError struct {
	Key     command.Key
	Version int
	Stage   string
	Reason  string
}

func (e *PipelineFailedError) Error() string {
	return fmt.Sprintf("pipeline for %s v%d failed at %s: %s", e.Key, e.Version, e.Stage, e.Reason)
}

// Is makes errors.Is(err, ErrPipelineFailed) match.
func (e *PipelineFailedError) Is(target error) bool {
	return target == ErrPipelineFailed
}

// Options control how a command is recorded and whether the caller waits
// for its pipeline.
type Options struct {
	Source    string
	RequestID string
	InvokedBy string
	InvokedIP string
	// Synchronous blocks until the pipeline reaches finish or fail.
	Synchronous bool
	Timeout     time.Duration
}

// CommandInput is a full command.
type CommandInput struct {
	PK         string
	SK         string
	Code       string
	Name       string
	Version    int
	TenantCode string
	Type       string
	IsDeleted  bool
	Seq        int64
	Attributes map[string]any
}

// PartialInput updates selected fields of the latest command. Empty fields
// keep their current value; Attributes are deep-merged.
type PartialInput struct {
	PK string
	SK string
	// Version <= 0 means the next version after the current head.
	Version    int
	Code       string
	Name       string
	Type       string
	IsDeleted  *bool
	Attributes map[string]any
}

// Starter starts the pipeline for a committed command. On AWS the command
// table stream does this instead.
type Starter interface {
	StartExecution(ctx context.Context, in pipeline.Input) (string, error)
}

// Syncer replays handlers against a projection.
type Syncer interface {
	Up(ctx context.Context, table string, data, previous *command.DataRecord, only ...string) (*synchandler.Result, error)
}

// Deps are the collaborators of a Service. Starter, Syncer and Broker are
// optional.
type Deps struct {
	Store        command.Store
	Starter      Starter
	Syncer       Syncer
	Broker       *notification.Broker
	Logger       *slog.Logger
	PollInterval time.Duration
	SyncTimeout  time.Duration
}

// Service implements the command operations.
type Service struct {
	store        command.Store
	starter      Starter
	syncer       Syncer
	broker       *notification.Broker
	logger       *slog.Logger
	pollInterval time.Duration
	syncTimeout  time.Duration
	now          func() time.Time
}

// New creates a Service.
func New(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poll := d.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	timeout := d.SyncTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Service{
		store:        d.Store,
		starter:      d.Starter,
		syncer:       d.Syncer,
		broker:       d.Broker,
		logger:       logger,
		pollInterval: poll,
		syncTimeout:  timeout,
		now:          time.Now,
	}
}

func validateKey(key command.Key) error {
	if key.PK == "" || key.SK == "" {
		return fmt.Errorf("%w: pk and sk are required", ErrInvalidInput)
	}
	if strings.Contains(key.SK, "@") {
		return fmt.Errorf("%w: sk must not contain @", ErrInvalidInput)
	}
	return nil
}

// head returns the latest command of key, or nil when there is none.
func (s *Service) head(ctx context.Context, table string, key command.Key) (*command.CommandRecord, error) {
	rec, err := s.store.GetCommand(ctx, table, key, 0)
	if errors.Is(err, command.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read head command: %w", err)
	}
	return rec, nil
}

// Publish appends a full command. Its version must be the next version of
// the entity. A command identical to the head is not appended; the head is
// returned instead.
func (s *Service) Publish(ctx context.Context, table string, in CommandInput, opts Options) (*command.CommandRecord, error) {
	key := command.Key{PK: in.PK, SK: in.SK}
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if in.Version < 1 {
		return nil, fmt.Errorf("%w: version must be at least 1", ErrInvalidInput)
	}

	head, err := s.head(ctx, table, key)
	if err != nil {
		return nil, err
	}
	current := 0
	if head != nil {
		current = head.Version
	}
	if in.Version != current+1 {
		return nil, &command.VersionConflictError{Key: key, Proposed: in.Version, Current: current}
	}

	entity := command.Entity{
		PK:         in.PK,
		SK:         in.SK,
		Code:       in.Code,
		Name:       in.Name,
		Version:    in.Version,
		TenantCode: in.TenantCode,
		Type:       in.Type,
		IsDeleted:  in.IsDeleted,
		Seq:        in.Seq,
		Attributes: in.Attributes,
	}
	if head != nil && command.SamePayload(&head.Entity, &entity) {
		s.logger.InfoContext(ctx, "Command unchanged, not appended",
			slog.String("table", table),
			slog.String("pk", key.PK),
			slog.String("sk", key.SK),
			slog.Int("version", head.Version))
		return head, nil
	}

	return s.commit(ctx, table, head, entity, opts, SourcePublish)
}

// PublishPartial merges in over the head command and appends the result.
// The entity must already exist.
func (s *Service) PublishPartial(ctx context.Context, table string, in PartialInput, opts Options) (*command.CommandRecord, error) {
	key := command.Key{PK: in.PK, SK: in.SK}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	// With the latest marker a concurrent append is retried against the new head.
	attempts := 1
	if in.Version <= 0 {
		attempts = 3
	}

	var err error
	for range attempts {
		var rec *command.CommandRecord
		rec, err = s.publishPartial(ctx, table, key, in, opts)
		if err == nil || in.Version > 0 || !errors.Is(err, command.ErrVersionConflict) {
			return rec, err
		}
	}
	return nil, err
}

func (s *Service) publishPartial(ctx context.Context, table string, key command.Key, in PartialInput, opts Options) (*command.CommandRecord, error) {
	head, err := s.head(ctx, table, key)
	if err != nil {
		return nil, err
	}
	if head == nil {
		return nil, fmt.Errorf("%s: %w", key, command.ErrNotFound)
	}

	version := in.Version
	if version <= 0 {
		version = head.Version + 1
	}
	if version != head.Version+1 {
		return nil, &command.VersionConflictError{Key: key, Proposed: version, Current: head.Version}
	}

	entity := head.Entity
	entity.SK = key.SK
	entity.Version = version
	if in.Code != "" {
		entity.Code = in.Code
	}
	if in.Name != "" {
		entity.Name = in.Name
	}
	if in.Type != "" {
		entity.Type = in.Type
	}
	if in.IsDeleted != nil {
		entity.IsDeleted = *in.IsDeleted
	}
	entity.Attributes = command.MergeAttributes(head.Attributes, in.Attributes)

	return s.commit(ctx, table, head, entity, opts, SourcePublish)
}

// Duplicate appends a copy of version's payload as the next version.
func (s *Service) Duplicate(ctx context.Context, table string, key command.Key, version int, opts Options) (*command.CommandRecord, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	src, err := s.store.GetCommand(ctx, table, key, version)
	if err != nil {
		return nil, fmt.Errorf("failed to read command %s v%d: %w", key, version, err)
	}
	head, err := s.head(ctx, table, key)
	if err != nil {
		return nil, err
	}

	entity := src.Entity
	entity.SK = key.SK
	entity.Version = head.Version + 1
	entity.TTL = 0
	return s.commit(ctx, table, head, entity, opts, SourceDuplicate)
}

// commit appends entity as a new command and, when configured, starts and
// waits for its pipeline.
func (s *Service) commit(ctx context.Context, table string, head *command.CommandRecord, entity command.Entity, opts Options, defaultSource string) (*command.CommandRecord, error) {
	key := command.Key{PK: entity.PK, SK: entity.SK}
	now := s.now().UTC()

	source := opts.Source
	if source == "" {
		source = defaultSource
	}
	requestID := opts.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	entity.SK = key.CommandSK(entity.Version)
	entity.ID = key.ID()
	entity.TTL = 0
	entity.UpdatedAt = now
	entity.UpdatedBy = opts.InvokedBy
	entity.UpdatedIP = opts.InvokedIP
	if head != nil {
		entity.CreatedAt = head.CreatedAt
		entity.CreatedBy = head.CreatedBy
		entity.CreatedIP = head.CreatedIP
	} else {
		entity.CreatedAt = now
		entity.CreatedBy = opts.InvokedBy
		entity.CreatedIP = opts.InvokedIP
	}

	rec := &command.CommandRecord{
		Entity:    entity,
		Source:    source,
		RequestID: requestID,
		Status:    command.StatusAccepted,
	}
	if err := s.store.AppendCommand(ctx, table, rec); err != nil {
		if errors.Is(err, command.ErrVersionOutOfRange) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return nil, err
	}
	s.logger.InfoContext(ctx, "Command accepted",
		slog.String("table", table),
		slog.String("pk", key.PK),
		slog.String("sk", key.SK),
		slog.Int("version", rec.Version),
		slog.String("source", source),
		slog.String("request_id", requestID))

	if err := s.start(ctx, pipeline.InputFor(table, rec)); err != nil {
		return rec, err
	}
	if opts.Synchronous {
		return s.wait(ctx, table, rec, opts.Timeout)
	}
	return rec, nil
}

func (s *Service) start(ctx context.Context, in pipeline.Input) error {
	if s.starter == nil {
		return nil
	}
	id, err := s.starter.StartExecution(ctx, in)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to start pipeline",
			slog.String("table", in.Table),
			slog.String("pk", in.PK),
			slog.String("sk", in.SK),
			slog.Int("version", in.Version),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	s.logger.DebugContext(ctx, "Pipeline started", slog.String("execution", id))
	return nil
}

// GetLatest returns the latest projection of key.
func (s *Service) GetLatest(ctx context.Context, table string, key command.Key) (*command.DataRecord, error) {
	return s.store.GetData(ctx, table, key)
}

// GetAtVersion returns the history record of version.
func (s *Service) GetAtVersion(ctx context.Context, table string, key command.Key, version int) (*command.HistoryRecord, error) {
	return s.store.GetHistory(ctx, table, key, version)
}

// GetCommand returns a command; version <= 0 returns the head, which may
// still be in its pipeline.
func (s *Service) GetCommand(ctx context.Context, table string, key command.Key, version int) (*command.CommandRecord, error) {
	return s.store.GetCommand(ctx, table, key, version)
}
