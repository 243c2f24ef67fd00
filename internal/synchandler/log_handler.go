package synchandler

import (
	"context"
	"log/slog"

	"github.com/jarrod-lowe/cqrs-command-log/internal/command"
)

// LogHandler logs every projection. It is the default handler of a table
// with nothing else to sync to.
type LogHandler struct {
	logger *slog.Logger
}

// NewLogHandler creates a LogHandler.
func NewLogHandler(logger *slog.Logger) *LogHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogHandler{logger: logger}
}

func (h *LogHandler) Name() string { return "log" }

func (h *LogHandler) Up(ctx context.Context, data *command.DataRecord) error {
	h.logger.InfoContext(ctx, "Sync up",
		slog.String("id", data.ID),
		slog.String("pk", data.PK),
		slog.String("sk", data.SK),
		slog.Int("version", data.Version),
		slog.Bool("is_deleted", data.IsDeleted))
	return nil
}

func (h *LogHandler) Down(ctx context.Context, data, previous *command.DataRecord) error {
	previousVersion := 0
	if previous != nil {
		previousVersion = previous.Version
	}
	h.logger.InfoContext(ctx, "Sync down",
		slog.String("id", data.ID),
		slog.String("pk", data.PK),
		slog.String("sk", data.SK),
		slog.Int("version", data.Version),
		slog.Int("previous_version", previousVersion))
	return nil
}
