package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jarrod-lowe/cqrs-command-log/internal/dynamo"
)

// Error types for repository operations.
var (
	ErrNotFound           = errors.New("entity not found")
	ErrVersionConflict    = errors.New("version conflict")
	ErrPredecessorSettled = errors.New("previous version already settled")
	ErrTransactionFailed  = errors.New("transaction failed")
	ErrVersionOutOfRange  = errors.New("version out of range")
)

// checkVersion rejects versions a history sort key cannot order.
func checkVersion(version int) error {
	if version < 1 || version > dynamo.MaxVersion {
		return fmt.Errorf("%w: %d not in 1..%d", ErrVersionOutOfRange, version, dynamo.MaxVersion)
	}
	return nil
}

// VersionConflictError reports a proposed version that is not the next
// version of the entity. Current is the head version at the time of the check.
type VersionConflictError struct {
	Key      Key
	Proposed int
	Current  int
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict for %s: proposed %d, current %d, expected %d",
		e.Key, e.Proposed, e.Current, e.Current+1)
}

// Is makes errors.Is(err, ErrVersionConflict) match.
func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// CommandRepository stores the command log and its per-entity head version.
type CommandRepository interface {
	HeadVersion(ctx context.Context, table string, key Key) (int, error)
	AppendCommand(ctx context.Context, table string, rec *CommandRecord) error
	GetCommand(ctx context.Context, table string, key Key, version int) (*CommandRecord, error)
	UpdateCommandStatus(ctx context.Context, table string, key Key, version int, status Status, failure *Failure) error
	SetCommandTTL(ctx context.Context, table string, key Key, version int, ttl int64) error
	RegisterWaitToken(ctx context.Context, table string, key Key, version int, token string) error
	TakeWaitToken(ctx context.Context, table string, key Key, version int) (string, error)
	ListWaiting(ctx context.Context, table string, before time.Time) ([]*CommandRecord, error)
}

// DataRepository stores the latest projection of each entity.
type DataRepository interface {
	GetData(ctx context.Context, table string, key Key) (*DataRecord, error)
	PutData(ctx context.Context, table string, rec *DataRecord) error
	ScanData(ctx context.Context, table string, fn func(*DataRecord) error) error
}

// HistoryRepository stores one immutable record per entity version.
type HistoryRepository interface {
	GetHistory(ctx context.Context, table string, key Key, version int) (*HistoryRecord, error)
	PutHistory(ctx context.Context, table string, rec *HistoryRecord) error
}

// Store is the full command store.
type Store interface {
	CommandRepository
	DataRepository
	HistoryRepository
}
