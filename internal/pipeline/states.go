// Package pipeline implements the synchronisation state machine that takes an
// accepted command version through history, projection and fan-out.
package pipeline

import (
	"github.com/jarrod-lowe/cqrs-command-log/internal/command"
)

// State names one step of the pipeline.
type State string

// Pipeline states in execution order. StateFail is reachable from any state.
const (
	StateCheckVersion    State = "check_version"
	StateWaitPrevCommand State = "wait_prev_command"
	StateSetTTLCommand   State = "set_ttl_command"
	StateHistoryCopy     State = "history_copy"
	StateTransformData   State = "transform_data"
	StateSyncDataAll     State = "sync_data_all"
	StateFinish          State = "finish"
	StateFail            State = "fail"
)

// Branch is the outcome of check_version.
type Branch string

const (
	BranchContinue Branch = "continue"
	BranchWait     Branch = "wait"
	BranchFail     Branch = "fail"
)

// Error names delivered with a failed wait result.
const (
	ErrorPredecessorFailed    = "PredecessorFailed"
	ErrorOrchestrationTimeout = "OrchestrationTimeout"
	ErrorVersionRejected      = "VersionRejected"
)

// Input identifies the command version an execution is processing.
type Input struct {
	Table   string `json:"table"`
	PK      string `json:"pk"`
	SK      string `json:"sk"`
	Version int    `json:"version"`
	// Attempt distinguishes a redrive from the original execution.
	Attempt int `json:"attempt,omitempty"`
}

// Key returns the entity identity of the input.
func (in Input) Key() command.Key {
	return command.Key{PK: in.PK, SK: in.SK}
}

// InputFor builds the pipeline input for a command record.
func InputFor(table string, rec *command.CommandRecord) Input {
	key := rec.Key()
	return Input{Table: table, PK: key.PK, SK: key.SK, Version: rec.Version}
}

// CheckResult is the branch chosen by check_version, with the rejection
// reason when the branch is fail.
type CheckResult struct {
	Branch Branch `json:"branch"`
	Reason string `json:"reason,omitempty"`
}
