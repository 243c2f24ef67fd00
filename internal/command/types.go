// Package command provides the versioned command log: command records, the
// latest projection and the immutable history, and their storage.
package command

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"

	"github.com/jarrod-lowe/cqrs-command-log/internal/dynamo"
)

// Key is the identity of an entity across all its versions.
// SK is the base sort key, without any version suffix.
type Key struct {
	PK string `json:"pk"`
	SK string `json:"sk"`
}

// ID returns the idempotency key used by secondary stores.
func (k Key) ID() string {
	return dynamo.GenerateID(k.PK, k.SK)
}

// CommandSK returns the command sort key for the given version.
func (k Key) CommandSK(version int) string {
	return dynamo.AddSortKeyVersion(k.SK, version)
}

// HistorySK returns the history sort key for the given version.
func (k Key) HistorySK(version int) string {
	return dynamo.HistorySortKey(k.SK, version)
}

func (k Key) String() string {
	return k.PK + " " + k.SK
}

// Entity holds the attributes shared by command, projection and history records.
type Entity struct {
	PK         string         `dynamodbav:"pk" json:"pk"`
	SK         string         `dynamodbav:"sk" json:"sk"`
	ID         string         `dynamodbav:"id" json:"id"`
	Code       string         `dynamodbav:"code" json:"code"`
	Name       string         `dynamodbav:"name" json:"name"`
	Version    int            `dynamodbav:"version" json:"version"`
	TenantCode string         `dynamodbav:"tenantCode" json:"tenantCode"`
	Type       string         `dynamodbav:"type" json:"type"`
	IsDeleted  bool           `dynamodbav:"isDeleted" json:"isDeleted"`
	Seq        int64          `dynamodbav:"seq,omitempty" json:"seq,omitempty"`
	TTL        int64          `dynamodbav:"ttl,omitempty" json:"ttl,omitempty"`
	Attributes map[string]any `dynamodbav:"attributes,omitempty" json:"attributes,omitempty"`
	CreatedAt  time.Time      `dynamodbav:"createdAt" json:"createdAt"`
	CreatedBy  string         `dynamodbav:"createdBy,omitempty" json:"createdBy,omitempty"`
	CreatedIP  string         `dynamodbav:"createdIp,omitempty" json:"createdIp,omitempty"`
	UpdatedAt  time.Time      `dynamodbav:"updatedAt" json:"updatedAt"`
	UpdatedBy  string         `dynamodbav:"updatedBy,omitempty" json:"updatedBy,omitempty"`
	UpdatedIP  string         `dynamodbav:"updatedIp,omitempty" json:"updatedIp,omitempty"`
}

// CommandRecord is one accepted version of an entity.
// PK: {pk}
// SK: {baseSk}@{version}
type CommandRecord struct {
	Entity
	Source        string `dynamodbav:"source,omitempty" json:"source,omitempty"`
	RequestID     string `dynamodbav:"requestId,omitempty" json:"requestId,omitempty"`
	Status        Status `dynamodbav:"status,omitempty" json:"status,omitempty"`
	TaskToken     string `dynamodbav:"taskToken,omitempty" json:"-"`
	WaitingSince  int64  `dynamodbav:"waitingSince,omitempty" json:"waitingSince,omitempty"`
	FailedStage   string `dynamodbav:"failedStage,omitempty" json:"failedStage,omitempty"`
	FailureReason string `dynamodbav:"failureReason,omitempty" json:"failureReason,omitempty"`
}

// Key returns the entity identity of the command.
func (c *CommandRecord) Key() Key {
	return Key{PK: c.PK, SK: dynamo.RemoveSortKeyVersion(c.SK)}
}

// DataRecord is the latest projection of an entity.
// PK: {pk}
// SK: {baseSk}
type DataRecord struct {
	Entity
	Source    string `dynamodbav:"source,omitempty" json:"source,omitempty"`
	RequestID string `dynamodbav:"requestId,omitempty" json:"requestId,omitempty"`
}

// Key returns the entity identity of the projection.
func (d *DataRecord) Key() Key {
	return Key{PK: d.PK, SK: d.SK}
}

// Clone returns a deep copy, so concurrent consumers can never share state.
// A nil record clones to nil.
func (d *DataRecord) Clone() *DataRecord {
	if d == nil {
		return nil
	}
	c := *d
	c.Attributes = cloneMap(d.Attributes)
	return &c
}

// HistoryRecord is the immutable archive of one version.
// PK: {pk}
// SK: {baseSk}@v{version:010d}
type HistoryRecord struct {
	Entity
	Source    string `dynamodbav:"source,omitempty" json:"source,omitempty"`
	RequestID string `dynamodbav:"requestId,omitempty" json:"requestId,omitempty"`
}

// Key returns the entity identity of the history record.
func (h *HistoryRecord) Key() Key {
	return Key{PK: h.PK, SK: dynamo.RemoveSortKeyVersion(h.SK)}
}

// ToData strips the version suffix from the command, giving the record that
// projection consumers and sync handlers see.
func (c *CommandRecord) ToData() *DataRecord {
	d := &DataRecord{
		Entity:    c.Entity,
		Source:    c.Source,
		RequestID: c.RequestID,
	}
	d.SK = dynamo.RemoveSortKeyVersion(c.SK)
	d.TTL = 0
	d.Attributes = cloneMap(c.Attributes)
	return d
}

// ToHistory returns the history copy of the command.
func (c *CommandRecord) ToHistory() *HistoryRecord {
	h := &HistoryRecord{
		Entity:    c.Entity,
		Source:    c.Source,
		RequestID: c.RequestID,
	}
	h.SK = dynamo.HistorySortKey(dynamo.RemoveSortKeyVersion(c.SK), c.Version)
	h.TTL = 0
	h.Attributes = cloneMap(c.Attributes)
	return h
}

// SamePayload reports whether two records carry the same business payload,
// ignoring keys, versions, audit fields and pipeline bookkeeping.
func SamePayload(a, b *Entity) bool {
	if a.Code != b.Code || a.Name != b.Name || a.TenantCode != b.TenantCode ||
		a.Type != b.Type || a.IsDeleted != b.IsDeleted || a.Seq != b.Seq {
		return false
	}
	return reflect.DeepEqual(normalise(a.Attributes), normalise(b.Attributes))
}

// normalise round-trips attributes through JSON so numeric types compare equal
// regardless of whether they came from the store or from a caller.
func normalise(m map[string]any) any {
	if len(m) == 0 {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return m
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

// MergeAttributes deep-merges patch over base. Nested maps merge recursively;
// any other value in patch replaces the base value. Neither input is modified.
func MergeAttributes(base, patch map[string]any) map[string]any {
	out := cloneMap(base)
	if out == nil {
		out = map[string]any{}
	}
	for k, v := range patch {
		pm, pok := v.(map[string]any)
		bm, bok := out[k].(map[string]any)
		if pok && bok {
			out[k] = MergeAttributes(bm, pm)
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}

// Failure describes where and why a command's pipeline failed.
type Failure struct {
	Stage  string `json:"stage"`
	Reason string `json:"reason"`
}

// Status is the pipeline status of a command: "<stage>:<PHASE>".
type Status string

// Pipeline phases.
const (
	PhaseStarted  = "STARTED"
	PhaseFinished = "FINISHED"
	PhaseFailed   = "FAILED"
	PhaseWaiting  = "WAITING"
	PhaseTimeout  = "TIMEOUT"
)

// Well-known statuses.
const (
	StatusAccepted Status = "command:ACCEPTED"
	StatusFinished Status = "finish:FINISHED"
	StatusFailed   Status = "fail:FAILED"
	StatusWaiting  Status = "wait_prev_command:WAITING"
)

// NewStatus builds a status from a stage name and phase.
func NewStatus(stage, phase string) Status {
	return Status(stage + ":" + phase)
}

// Stage returns the stage part of the status.
func (s Status) Stage() string {
	stage, _, _ := strings.Cut(string(s), ":")
	return stage
}

// IsTerminal reports whether the pipeline for the command has settled.
func (s Status) IsTerminal() bool {
	return s == StatusFinished || s == StatusFailed
}
