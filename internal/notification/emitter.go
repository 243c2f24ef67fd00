package notification

import (
	"context"
	"log/slog"

	"github.com/jarrod-lowe/cqrs-command-log/internal/command"
)

// Emitter publishes pipeline status changes.
type Emitter struct {
	publisher Publisher
	logger    *slog.Logger
}

// NewEmitter creates an Emitter. A nil publisher discards events.
func NewEmitter(publisher Publisher, logger *slog.Logger) *Emitter {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{publisher: publisher, logger: logger}
}

// Status publishes an intermediate status. Failures are logged, not returned.
func (e *Emitter) Status(ctx context.Context, table string, rec *command.CommandRecord, status command.Status) {
	msg := NewMessage(table, rec, status, nil)
	if err := e.publisher.Publish(ctx, msg); err != nil {
		e.logger.WarnContext(ctx, "Failed to publish status notification",
			slog.String("table", table),
			slog.String("pk", msg.PK),
			slog.String("sk", msg.SK),
			slog.String("status", msg.Content.Status),
			slog.String("error", err.Error()))
	}
}

// Terminal publishes a finished or failed status. The error is returned so the
// calling step is retried and the event delivered at least once.
func (e *Emitter) Terminal(ctx context.Context, table string, rec *command.CommandRecord, status command.Status, failure *command.Failure) error {
	return e.publisher.Publish(ctx, NewMessage(table, rec, status, failure))
}
