package synchandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jarrod-lowe/cqrs-command-log/internal/command"
)

// OpenPostgres opens a gorm connection and verifies it with a ping.
func OpenPostgres(ctx context.Context, dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open gorm postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("resolve postgres sql db handle: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

type projectionModel struct {
	ID          string    `gorm:"column:id;primaryKey"`
	SourceTable string    `gorm:"column:source_table"`
	PK          string    `gorm:"column:pk"`
	SK          string    `gorm:"column:sk"`
	Version     int       `gorm:"column:version"`
	Code        string    `gorm:"column:code"`
	Name        string    `gorm:"column:name"`
	TenantCode  string    `gorm:"column:tenant_code"`
	Type        string    `gorm:"column:type"`
	IsDeleted   bool      `gorm:"column:is_deleted"`
	Attributes  string    `gorm:"column:attributes;type:jsonb"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

func toProjectionModel(table string, data *command.DataRecord) (projectionModel, error) {
	attributes := "{}"
	if len(data.Attributes) > 0 {
		b, err := json.Marshal(data.Attributes)
		if err != nil {
			return projectionModel{}, err
		}
		attributes = string(b)
	}
	return projectionModel{
		ID:          data.ID,
		SourceTable: table,
		PK:          data.PK,
		SK:          data.SK,
		Version:     data.Version,
		Code:        data.Code,
		Name:        data.Name,
		TenantCode:  data.TenantCode,
		Type:        data.Type,
		IsDeleted:   data.IsDeleted,
		Attributes:  attributes,
		UpdatedAt:   data.UpdatedAt.UTC(),
	}, nil
}

// PostgresHandler upserts projections into a relational table keyed by id.
// An update only applies when it does not move the row to an older version.
type PostgresHandler struct {
	db          *gorm.DB
	sourceTable string
	table       string
	logger      *slog.Logger
}

// NewPostgresHandler creates a PostgresHandler projecting sourceTable into table.
func NewPostgresHandler(db *gorm.DB, sourceTable, table string, logger *slog.Logger) *PostgresHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresHandler{db: db, sourceTable: sourceTable, table: table, logger: logger}
}

func (h *PostgresHandler) Name() string { return "postgres" }

// Migrate creates the projection table.
func (h *PostgresHandler) Migrate(ctx context.Context) error {
	return h.db.WithContext(ctx).Table(h.table).AutoMigrate(&projectionModel{})
}

func (h *PostgresHandler) upsert(db *gorm.DB, row *projectionModel) *gorm.DB {
	return db.Table(h.table).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "?.version <= excluded.version", Vars: []any{clause.Table{Name: h.table}}},
		}},
		DoUpdates: clause.AssignmentColumns([]string{
			"source_table", "pk", "sk", "version", "code", "name",
			"tenant_code", "type", "is_deleted", "attributes", "updated_at",
		}),
	}).Create(row)
}

func (h *PostgresHandler) Up(ctx context.Context, data *command.DataRecord) error {
	row, err := toProjectionModel(h.sourceTable, data)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal attributes: %v", ErrPermanent, err)
	}

	res := h.upsert(h.db.WithContext(ctx), &row)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return h.logError(ctx, "postgres_projection_conflict", fmt.Errorf("%w: %v", ErrPermanent, res.Error), data)
		}
		return h.logError(ctx, "postgres_projection_upsert_failed", res.Error, data)
	}
	return nil
}

// Down puts previous back if the row still holds data's version. Without a
// previous projection the row is removed.
func (h *PostgresHandler) Down(ctx context.Context, data, previous *command.DataRecord) error {
	if previous != nil && previous.Version >= data.Version {
		return nil
	}

	err := h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Table(h.table).
			Where("id = ? AND version = ?", data.ID, data.Version).
			Delete(&projectionModel{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 || previous == nil {
			return nil
		}
		row, err := toProjectionModel(h.sourceTable, previous)
		if err != nil {
			return err
		}
		return h.upsert(tx, &row).Error
	})
	if err != nil {
		return h.logError(ctx, "postgres_projection_compensation_failed", err, data)
	}
	return nil
}

func (h *PostgresHandler) logError(ctx context.Context, event string, err error, data *command.DataRecord) error {
	h.logger.ErrorContext(ctx, "postgres projection failed",
		slog.String("event", event),
		slog.String("module", "synchandler"),
		slog.String("layer", "adapter"),
		slog.String("table", h.table),
		slog.String("id", data.ID),
		slog.Int("version", data.Version),
		slog.String("error", err.Error()))
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
