// Package app assembles the command log components for the Lambdas, the
// operator CLI and the in-process runtime.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/jarrod-lowe/cqrs-command-log/internal/config"
	"github.com/jarrod-lowe/cqrs-command-log/internal/synchandler"
)

// Handlers builds sync handlers on demand and owns the connections they use.
type Handlers struct {
	cfg    *config.Config
	logger *slog.Logger
	zap    *zap.Logger

	mu         sync.Mutex
	postgres   *gorm.DB
	clickhouse driver.Conn
	closers    []io.Closer
}

// NewHandlers creates the handler factories for cfg.
func NewHandlers(cfg *config.Config, logger *slog.Logger, zapLogger *zap.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	if zapLogger == nil {
		zapLogger = zap.NewNop()
	}
	return &Handlers{cfg: cfg, logger: logger, zap: zapLogger}
}

// Factories returns the handler factories by name.
func (h *Handlers) Factories(ctx context.Context) map[string]synchandler.Factory {
	return map[string]synchandler.Factory{
		"log": func(string) (synchandler.Handler, error) {
			return synchandler.NewLogHandler(h.logger), nil
		},
		"sqlite": func(table string) (synchandler.Handler, error) {
			if h.cfg.SQLitePath == "" {
				return nil, errors.New("SQLITE_PATH is not set")
			}
			handler, err := synchandler.OpenSQLiteHandler(h.cfg.SQLitePath, table)
			if err != nil {
				return nil, err
			}
			h.addCloser(handler)
			return handler, nil
		},
		"postgres": func(table string) (synchandler.Handler, error) {
			db, err := h.postgresDB(ctx)
			if err != nil {
				return nil, err
			}
			handler := synchandler.NewPostgresHandler(db, table, table+"_projection", h.logger)
			if err := handler.Migrate(ctx); err != nil {
				return nil, err
			}
			return handler, nil
		},
		"clickhouse": func(table string) (synchandler.Handler, error) {
			conn, err := h.clickHouseConn(ctx)
			if err != nil {
				return nil, err
			}
			handler := synchandler.NewClickHouseHandler(conn, table+"_projection", h.zap)
			if err := handler.InitSchema(ctx); err != nil {
				return nil, err
			}
			return handler, nil
		},
	}
}

// Registry builds the handler registry. Without a handler config file every
// configured table gets the log handler.
func (h *Handlers) Registry(ctx context.Context) (*synchandler.Registry, error) {
	defaults := h.cfg.HandlerPolicy()
	if h.cfg.HandlerConfigPath == "" {
		reg := synchandler.NewRegistry(defaults, h.logger)
		for _, table := range h.cfg.Tables {
			if err := reg.Register(table, synchandler.NewLogHandler(h.logger)); err != nil {
				return nil, err
			}
		}
		return reg, nil
	}

	file, err := synchandler.LoadConfig(h.cfg.HandlerConfigPath)
	if err != nil {
		return nil, err
	}
	return synchandler.BuildRegistry(file, defaults, h.Factories(ctx), h.logger)
}

func (h *Handlers) postgresDB(ctx context.Context) (*gorm.DB, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.postgres != nil {
		return h.postgres, nil
	}
	if h.cfg.PostgresDSN == "" {
		return nil, errors.New("POSTGRES_DSN is not set")
	}
	db, err := synchandler.OpenPostgres(ctx, h.cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	h.closers = append(h.closers, sqlDB)
	h.postgres = db
	return db, nil
}

func (h *Handlers) clickHouseConn(ctx context.Context) (driver.Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clickhouse != nil {
		return h.clickhouse, nil
	}
	if h.cfg.ClickHouseAddr == "" {
		return nil, errors.New("CLICKHOUSE_ADDR is not set")
	}
	conn, err := synchandler.OpenClickHouse(ctx, synchandler.ClickHouseOptions{
		Addr:         h.cfg.ClickHouseAddr,
		Database:     h.cfg.ClickHouseDatabase,
		User:         h.cfg.ClickHouseUsername,
		Password:     h.cfg.ClickHousePassword,
		UseTLS:       h.cfg.ClickHouseTLS,
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	}, h.zap)
	if err != nil {
		return nil, err
	}
	h.closers = append(h.closers, conn)
	h.clickhouse = conn
	return conn, nil
}

func (h *Handlers) addCloser(c io.Closer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closers = append(h.closers, c)
}

// Close releases every connection opened by the factories.
func (h *Handlers) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var errs []error
	for _, c := range h.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	h.closers = nil
	return errors.Join(errs...)
}
