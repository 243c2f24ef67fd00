package command

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

type tableKey struct {
	table string
	key   Key
}

type versionKey struct {
	tableKey
	version int
}

// MemoryRepository is an in-process Store with the same conditional
// semantics as DynamoDBRepository. It backs local runs and tests.
type MemoryRepository struct {
	mu       sync.Mutex
	heads    map[tableKey]int
	commands map[versionKey]*CommandRecord
	data     map[tableKey]*DataRecord
	history  map[versionKey]*HistoryRecord
	now      func() time.Time
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		heads:    make(map[tableKey]int),
		commands: make(map[versionKey]*CommandRecord),
		data:     make(map[tableKey]*DataRecord),
		history:  make(map[versionKey]*HistoryRecord),
		now:      time.Now,
	}
}

// Records are copied on the way in and out so callers never share mutable
// state with the store.
func copyCommand(c *CommandRecord) *CommandRecord {
	out := *c
	out.Attributes = cloneMap(c.Attributes)
	return &out
}

func copyHistory(h *HistoryRecord) *HistoryRecord {
	out := *h
	out.Attributes = cloneMap(h.Attributes)
	return &out
}

// normaliseAttributes gives stored attributes the shape they would have after
// a round trip through a real store.
func normaliseAttributes(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// HeadVersion returns the highest accepted version of an entity, or 0.
func (r *MemoryRepository) HeadVersion(_ context.Context, table string, key Key) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.heads[tableKey{table, key}], nil
}

// AppendCommand stores rec if its version is exactly one past the head.
func (r *MemoryRepository) AppendCommand(_ context.Context, table string, rec *CommandRecord) error {
	if err := checkVersion(rec.Version); err != nil {
		return err
	}
	attrs, err := normaliseAttributes(rec.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tk := tableKey{table, rec.Key()}
	current := r.heads[tk]
	vk := versionKey{tk, rec.Version}
	if _, exists := r.commands[vk]; exists || rec.Version != current+1 {
		return &VersionConflictError{Key: tk.key, Proposed: rec.Version, Current: current}
	}

	stored := copyCommand(rec)
	stored.Attributes = attrs
	r.commands[vk] = stored
	r.heads[tk] = rec.Version
	return nil
}

// GetCommand returns a copy of one command version. A version <= 0 means the head.
func (r *MemoryRepository) GetCommand(_ context.Context, table string, key Key, version int) (*CommandRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tk := tableKey{table, key}
	if version <= 0 {
		version = r.heads[tk]
	}
	rec, ok := r.commands[versionKey{tk, version}]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCommand(rec), nil
}

// UpdateCommandStatus records pipeline progress on a command.
func (r *MemoryRepository) UpdateCommandStatus(_ context.Context, table string, key Key, version int, status Status, failure *Failure) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.commands[versionKey{tableKey{table, key}, version}]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.UpdatedAt = r.now().UTC()
	if failure != nil {
		rec.FailedStage = failure.Stage
		rec.FailureReason = failure.Reason
	}
	return nil
}

// SetCommandTTL marks a command for expiry. A missing command is not an error.
func (r *MemoryRepository) SetCommandTTL(_ context.Context, table string, key Key, version int, ttl int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.commands[versionKey{tableKey{table, key}, version}]; ok {
		rec.TTL = ttl
	}
	return nil
}

// RegisterWaitToken stores token on a command while its predecessor is in
// flight, and fails with ErrPredecessorSettled otherwise.
func (r *MemoryRepository) RegisterWaitToken(_ context.Context, table string, key Key, version int, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tk := tableKey{table, key}
	prev, ok := r.commands[versionKey{tk, version - 1}]
	if !ok || prev.Status.IsTerminal() {
		return ErrPredecessorSettled
	}
	rec, ok := r.commands[versionKey{tk, version}]
	if !ok {
		return ErrNotFound
	}
	rec.TaskToken = token
	rec.WaitingSince = r.now().Unix()
	rec.Status = StatusWaiting
	return nil
}

// TakeWaitToken removes and returns the token of a command, or "".
func (r *MemoryRepository) TakeWaitToken(_ context.Context, table string, key Key, version int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.commands[versionKey{tableKey{table, key}, version}]
	if !ok || rec.TaskToken == "" {
		return "", nil
	}
	token := rec.TaskToken
	rec.TaskToken = ""
	rec.WaitingSince = 0
	return token, nil
}

// ListWaiting returns commands holding a token since before the given time.
func (r *MemoryRepository) ListWaiting(_ context.Context, table string, before time.Time) ([]*CommandRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var records []*CommandRecord
	for vk, rec := range r.commands {
		if vk.table != table || rec.TaskToken == "" {
			continue
		}
		if rec.WaitingSince < before.Unix() {
			records = append(records, copyCommand(rec))
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].SK != records[j].SK {
			return records[i].SK < records[j].SK
		}
		return records[i].Version < records[j].Version
	})
	return records, nil
}

func (r *MemoryRepository) GetData(_ context.Context, table string, key Key) (*DataRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.data[tableKey{table, key}]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// PutData stores the projection unless a newer version is already stored.
func (r *MemoryRepository) PutData(_ context.Context, table string, rec *DataRecord) error {
	attrs, err := normaliseAttributes(rec.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tk := tableKey{table, rec.Key()}
	if existing, ok := r.data[tk]; ok && existing.Version > rec.Version {
		return nil
	}
	stored := rec.Clone()
	stored.Attributes = attrs
	r.data[tk] = stored
	return nil
}

// ScanData calls fn for every projection of table in key order.
func (r *MemoryRepository) ScanData(_ context.Context, table string, fn func(*DataRecord) error) error {
	r.mu.Lock()
	var records []*DataRecord
	for tk, rec := range r.data {
		if tk.table == table {
			records = append(records, rec.Clone())
		}
	}
	r.mu.Unlock()

	sort.Slice(records, func(i, j int) bool {
		if records[i].PK != records[j].PK {
			return records[i].PK < records[j].PK
		}
		return records[i].SK < records[j].SK
	})
	for _, rec := range records {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (r *MemoryRepository) GetHistory(_ context.Context, table string, key Key, version int) (*HistoryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.history[versionKey{tableKey{table, key}, version}]
	if !ok {
		return nil, ErrNotFound
	}
	return copyHistory(rec), nil
}

// PutHistory archives a version once; later copies are ignored.
func (r *MemoryRepository) PutHistory(_ context.Context, table string, rec *HistoryRecord) error {
	attrs, err := normaliseAttributes(rec.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	vk := versionKey{tableKey{table, rec.Key()}, rec.Version}
	if _, ok := r.history[vk]; ok {
		return nil
	}
	stored := copyHistory(rec)
	stored.Attributes = attrs
	r.history[vk] = stored
	return nil
}
