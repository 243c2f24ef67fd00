package synchandler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jarrod-lowe/cqrs-command-log/internal/command"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLiteHandler keeps a local read model in a SQLite file. It is meant for
// development and the local runtime.
type SQLiteHandler struct {
	db    *sql.DB
	table string
}

// OpenSQLiteHandler opens (or creates) the database at path and prepares the
// projection table.
func OpenSQLiteHandler(path, table string) (*SQLiteHandler, error) {
	if !identifierPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid sqlite table name %q", table)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply pragma %q: %w", p, err)
		}
	}

	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		pk TEXT NOT NULL,
		sk TEXT NOT NULL,
		version INTEGER NOT NULL,
		code TEXT,
		name TEXT,
		tenant_code TEXT,
		type TEXT,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		attributes TEXT,
		updated_at TEXT
	)`, table)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteHandler{db: db, table: table}, nil
}

// Close closes the database.
func (h *SQLiteHandler) Close() error {
	return h.db.Close()
}

func (h *SQLiteHandler) Name() string { return "sqlite" }

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (h *SQLiteHandler) Up(ctx context.Context, data *command.DataRecord) error {
	return h.upsert(ctx, h.db, data)
}

func (h *SQLiteHandler) upsert(ctx context.Context, db execer, data *command.DataRecord) error {
	attributes := "{}"
	if len(data.Attributes) > 0 {
		b, err := json.Marshal(data.Attributes)
		if err != nil {
			return fmt.Errorf("%w: failed to marshal attributes: %v", ErrPermanent, err)
		}
		attributes = string(b)
	}

	query := fmt.Sprintf(`INSERT INTO %[1]s (id, pk, sk, version, code, name, tenant_code, type, is_deleted, attributes, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		pk = excluded.pk,
		sk = excluded.sk,
		version = excluded.version,
		code = excluded.code,
		name = excluded.name,
		tenant_code = excluded.tenant_code,
		type = excluded.type,
		is_deleted = excluded.is_deleted,
		attributes = excluded.attributes,
		updated_at = excluded.updated_at
	WHERE excluded.version >= %[1]s.version`, h.table)

	_, err := db.ExecContext(ctx, query,
		data.ID, data.PK, data.SK, data.Version, data.Code, data.Name,
		data.TenantCode, data.Type, data.IsDeleted, attributes,
		data.UpdatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
	if err != nil {
		return fmt.Errorf("failed to upsert projection: %w", err)
	}
	return nil
}

// Down puts previous back if the row still holds data's version. Without a
// previous projection the row is removed.
func (h *SQLiteHandler) Down(ctx context.Context, data, previous *command.DataRecord) error {
	if previous != nil && previous.Version >= data.Version {
		return nil
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ? AND version = ?`, h.table)
	res, err := tx.ExecContext(ctx, query, data.ID, data.Version)
	if err != nil {
		return fmt.Errorf("failed to delete projection: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to count deleted rows: %w", err)
	}
	if n > 0 && previous != nil {
		if err := h.upsert(ctx, tx, previous); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit compensation: %w", err)
	}
	return nil
}

// Row is one projection as stored by the SQLiteHandler.
type Row struct {
	ID         string
	Version    int
	Name       string
	IsDeleted  bool
	Attributes map[string]any
}

// Get reads one projection by id.
func (h *SQLiteHandler) Get(ctx context.Context, id string) (*Row, error) {
	query := fmt.Sprintf(`SELECT id, version, name, is_deleted, attributes FROM %s WHERE id = ?`, h.table)
	var (
		row   Row
		attrs string
	)
	err := h.db.QueryRowContext(ctx, query, id).Scan(&row.ID, &row.Version, &row.Name, &row.IsDeleted, &attrs)
	if err == sql.ErrNoRows {
		return nil, command.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read projection: %w", err)
	}
	if err := json.Unmarshal([]byte(attrs), &row.Attributes); err != nil {
		return nil, fmt.Errorf("failed to decode attributes: %w", err)
	}
	return &row, nil
}

// Count returns the number of rows in the projection table.
func (h *SQLiteHandler) Count(ctx context.Context) (int, error) {
	var n int
	err := h.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, h.table)).Scan(&n)
	return n, err
}
