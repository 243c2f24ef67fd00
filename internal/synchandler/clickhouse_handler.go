package synchandler

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/jarrod-lowe/cqrs-command-log/internal/command"
)

// ClickHouseOptions configures the ClickHouse connection.
type ClickHouseOptions struct {
	Addr         string
	Database     string
	User         string
	Password     string
	UseTLS       bool
	MaxOpenConns int
	MaxIdleConns int
}

// OpenClickHouse opens and pings a ClickHouse connection.
func OpenClickHouse(ctx context.Context, opts ClickHouseOptions, log *zap.Logger) (driver.Conn, error) {
	log.Info("Connecting to ClickHouse",
		zap.String("addr", opts.Addr),
		zap.String("database", opts.Database),
		zap.Bool("useTLS", opts.UseTLS))

	var tlsConfig *tls.Config
	if opts.UseTLS {
		tlsConfig = &tls.Config{}
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.User,
			Password: opts.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		TLS:              tlsConfig,
		DialTimeout:      5 * time.Second,
		MaxOpenConns:     opts.MaxOpenConns,
		MaxIdleConns:     opts.MaxIdleConns,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	})
	if err != nil {
		log.Error("Failed to connect to ClickHouse", zap.Error(err))
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		log.Error("Failed to ping ClickHouse", zap.Error(err))
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	return conn, nil
}

// ClickHouseExecer is the part of driver.Conn the handler uses.
type ClickHouseExecer interface {
	Exec(ctx context.Context, query string, args ...any) error
}

// ClickHouseHandler projects commands into a ReplacingMergeTree table keyed
// by id and versioned by version, so a replayed row collapses into the
// existing one and an older version never wins.
type ClickHouseHandler struct {
	conn  ClickHouseExecer
	table string
	log   *zap.Logger
}

// NewClickHouseHandler creates a ClickHouseHandler writing to table.
func NewClickHouseHandler(conn ClickHouseExecer, table string, log *zap.Logger) *ClickHouseHandler {
	return &ClickHouseHandler{conn: conn, table: table, log: log}
}

func (h *ClickHouseHandler) Name() string { return "clickhouse" }

// InitSchema creates the projection table if it does not exist.
func (h *ClickHouseHandler) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		id String,
		pk String,
		sk String,
		version UInt64,
		code String,
		name String,
		tenant_code LowCardinality(String),
		type LowCardinality(String),
		is_deleted UInt8,
		attributes String,
		updated_at DateTime64(3)
	) ENGINE = ReplacingMergeTree(version)
	ORDER BY (id)
	`, h.table)

	if err := h.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create %s table: %w", h.table, err)
	}
	h.log.Info("ClickHouse projection table ready", zap.String("table", h.table))
	return nil
}

func (h *ClickHouseHandler) Up(ctx context.Context, data *command.DataRecord) error {
	attributes := "{}"
	if len(data.Attributes) > 0 {
		b, err := json.Marshal(data.Attributes)
		if err != nil {
			return fmt.Errorf("%w: failed to marshal attributes: %v", ErrPermanent, err)
		}
		attributes = string(b)
	}

	var isDeleted uint8
	if data.IsDeleted {
		isDeleted = 1
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, pk, sk, version, code, name, tenant_code, type, is_deleted, attributes, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, h.table)
	err := h.conn.Exec(ctx, query,
		data.ID,
		data.PK,
		data.SK,
		uint64(data.Version),
		data.Code,
		data.Name,
		data.TenantCode,
		data.Type,
		isDeleted,
		attributes,
		data.UpdatedAt,
	)
	if err != nil {
		h.log.Error("Failed to insert projection",
			zap.String("table", h.table),
			zap.String("id", data.ID),
			zap.Int("version", data.Version),
			zap.Error(err))
		return fmt.Errorf("failed to insert projection: %w", err)
	}

	h.log.Debug("Projection inserted",
		zap.String("table", h.table),
		zap.String("id", data.ID),
		zap.Int("version", data.Version))
	return nil
}

// Down only logs; rows are superseded by the next version rather than removed.
func (h *ClickHouseHandler) Down(_ context.Context, data, previous *command.DataRecord) error {
	fields := []zap.Field{
		zap.String("table", h.table),
		zap.String("id", data.ID),
		zap.Int("version", data.Version),
	}
	if previous != nil {
		fields = append(fields, zap.Int("previousVersion", previous.Version))
	}
	h.log.Warn("ClickHouse projection left in place for compensation", fields...)
	return nil
}
