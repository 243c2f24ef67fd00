// Package orchestrator runs pipeline executions, either on AWS Step
// Functions or in-process for local use and tests.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/jarrod-lowe/cqrs-command-log/internal/gate"
	"github.com/jarrod-lowe/cqrs-command-log/internal/pipeline"
)

// ExecutionStatus mirrors the Step Functions execution statuses.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionSucceeded ExecutionStatus = "SUCCEEDED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionTimedOut  ExecutionStatus = "TIMED_OUT"
	ExecutionAborted   ExecutionStatus = "ABORTED"
)

// IsTerminal reports whether the execution has stopped.
func (s ExecutionStatus) IsTerminal() bool {
	return s != ExecutionRunning && s != ""
}

var (
	ErrExecutionNotFound = errors.New("execution not found")
	ErrUnknownToken      = errors.New("unknown wait token")
)

// Orchestrator starts pipeline executions and resumes suspended ones.
type Orchestrator interface {
	StartExecution(ctx context.Context, in pipeline.Input) (string, error)
	ResolveWaitToken(ctx context.Context, token string, result gate.WaitResult) error
	GetExecutionStatus(ctx context.Context, id string) (ExecutionStatus, error)
}

// maxExecutionName is the Step Functions limit on execution names.
const maxExecutionName = 80

// ExecutionName derives a deterministic execution name for in, so a
// duplicate start of the same version is recognised.
func ExecutionName(in pipeline.Input) string {
	name := fmt.Sprintf("%s-%s-v%d", in.Table, in.Key().ID(), in.Version)
	if in.Attempt > 0 {
		name += fmt.Sprintf("-r%d", in.Attempt)
	}
	name = sanitise(name)
	if len(name) <= maxExecutionName {
		return name
	}

	sum := sha256.Sum256([]byte(name))
	suffix := "-" + hex.EncodeToString(sum[:8])
	return name[:maxExecutionName-len(suffix)] + suffix
}

func sanitise(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
