package orchestrator

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/jarrod-lowe/cqrs-command-log/internal/pipeline"
)

// DefinitionOptions tune the generated state machine.
type DefinitionOptions struct {
	WaitTimeout time.Duration
	Retry       pipeline.RetryPolicy
}

// DefaultDefinitionOptions matches the runtime defaults.
func DefaultDefinitionOptions() DefinitionOptions {
	return DefinitionOptions{
		WaitTimeout: time.Hour,
		Retry:       pipeline.DefaultRetryPolicy(),
	}
}

type stateMachine struct {
	Comment string           `json:"Comment"`
	StartAt string           `json:"StartAt"`
	States  map[string]state `json:"States"`
}

type state struct {
	Type           string         `json:"Type"`
	Resource       string         `json:"Resource,omitempty"`
	Parameters     map[string]any `json:"Parameters,omitempty"`
	ResultPath     string         `json:"ResultPath,omitempty"`
	TimeoutSeconds int            `json:"TimeoutSeconds,omitempty"`
	Retry          []retrier      `json:"Retry,omitempty"`
	Catch          []catcher      `json:"Catch,omitempty"`
	Choices        []choice       `json:"Choices,omitempty"`
	Default        string         `json:"Default,omitempty"`
	Next           string         `json:"Next,omitempty"`
	Error          string         `json:"Error,omitempty"`
	Cause          string         `json:"Cause,omitempty"`
}

type retrier struct {
	ErrorEquals     []string `json:"ErrorEquals"`
	IntervalSeconds int      `json:"IntervalSeconds,omitempty"`
	MaxAttempts     int      `json:"MaxAttempts"`
	BackoffRate     float64  `json:"BackoffRate,omitempty"`
	MaxDelaySeconds int      `json:"MaxDelaySeconds,omitempty"`
}

type catcher struct {
	ErrorEquals []string `json:"ErrorEquals"`
	ResultPath  string   `json:"ResultPath"`
	Next        string   `json:"Next"`
}

type choice struct {
	Variable     string `json:"Variable"`
	StringEquals string `json:"StringEquals"`
	Next         string `json:"Next"`
}

const (
	stateChooseBranch = "choose_branch"
	stateRejected     = "check_version_rejected"
	stateFailed       = "failed"
	stateSucceeded    = "succeeded"

	// handlerFailureErrorType is the Lambda error type of a sync handler
	// that exhausted its own retries.
	handlerFailureErrorType = "HandlerFailureError"
)

func failedState(s pipeline.State) string {
	return string(s) + "_failed"
}

func seconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

// Definition renders the Amazon States Language document of the pipeline,
// with every task state invoking taskFunctionARN.
func Definition(taskFunctionARN string, opts DefinitionOptions) ([]byte, error) {
	if taskFunctionARN == "" {
		return nil, fmt.Errorf("task function ARN is required")
	}

	interval := max(seconds(opts.Retry.InitialInterval), 1)
	retries := 0
	if opts.Retry.MaxAttempts > 1 {
		retries = int(opts.Retry.MaxAttempts) - 1
	}
	stepRetry := retrier{
		ErrorEquals:     []string{"States.ALL"},
		IntervalSeconds: interval,
		MaxAttempts:     retries,
		BackoffRate:     2,
		MaxDelaySeconds: seconds(opts.Retry.MaxInterval),
	}

	task := func(s pipeline.State, next string, extra map[string]any) state {
		params := map[string]any{
			"state":   string(s),
			"input.$": "$.input",
		}
		for k, v := range extra {
			params[k] = v
		}
		return state{
			Type:       "Task",
			Resource:   taskFunctionARN,
			Parameters: params,
			Retry:      []retrier{stepRetry},
			Catch: []catcher{{
				ErrorEquals: []string{"States.ALL"},
				ResultPath:  "$.error",
				Next:        failedState(s),
			}},
			Next: next,
		}
	}
	caught := func(s pipeline.State) state {
		return state{
			Type: "Pass",
			Parameters: map[string]any{
				"input.$": "$.input",
				"stage":   string(s),
				"error.$": "$.error",
			},
			Next: string(pipeline.StateFail),
		}
	}

	states := map[string]state{}

	states[string(pipeline.StateCheckVersion)] = task(pipeline.StateCheckVersion, stateChooseBranch, nil)
	states[stateChooseBranch] = state{
		Type: "Choice",
		Choices: []choice{
			{Variable: "$.next", StringEquals: string(pipeline.BranchContinue), Next: string(pipeline.StateSetTTLCommand)},
			{Variable: "$.next", StringEquals: string(pipeline.BranchWait), Next: string(pipeline.StateWaitPrevCommand)},
		},
		Default: stateRejected,
	}
	states[stateRejected] = state{
		Type: "Pass",
		Parameters: map[string]any{
			"input.$": "$.input",
			"stage":   string(pipeline.StateCheckVersion),
			"error": map[string]any{
				"Error":   pipeline.ErrorVersionRejected,
				"Cause.$": "$.reason",
			},
		},
		Next: string(pipeline.StateFail),
	}

	states[string(pipeline.StateWaitPrevCommand)] = state{
		Type:     "Task",
		Resource: "arn:aws:states:::lambda:invoke.waitForTaskToken",
		Parameters: map[string]any{
			"FunctionName": taskFunctionARN,
			"Payload": map[string]any{
				"state":       string(pipeline.StateWaitPrevCommand),
				"input.$":     "$.input",
				"taskToken.$": "$$.Task.Token",
			},
		},
		ResultPath:     "$.wait",
		TimeoutSeconds: seconds(opts.WaitTimeout),
		Catch: []catcher{{
			ErrorEquals: []string{"States.ALL"},
			ResultPath:  "$.error",
			Next:        failedState(pipeline.StateWaitPrevCommand),
		}},
		Next: string(pipeline.StateSetTTLCommand),
	}

	states[string(pipeline.StateSetTTLCommand)] = task(pipeline.StateSetTTLCommand, string(pipeline.StateHistoryCopy), nil)
	states[string(pipeline.StateHistoryCopy)] = task(pipeline.StateHistoryCopy, string(pipeline.StateTransformData), nil)
	states[string(pipeline.StateTransformData)] = task(pipeline.StateTransformData, string(pipeline.StateSyncDataAll), nil)

	sync := task(pipeline.StateSyncDataAll, string(pipeline.StateFinish), map[string]any{"data.$": "$.data"})
	sync.Retry = []retrier{{ErrorEquals: []string{handlerFailureErrorType}, MaxAttempts: 0}, stepRetry}
	states[string(pipeline.StateSyncDataAll)] = sync

	states[string(pipeline.StateFinish)] = task(pipeline.StateFinish, stateSucceeded, map[string]any{"data.$": "$.data"})

	for _, s := range []pipeline.State{
		pipeline.StateCheckVersion,
		pipeline.StateWaitPrevCommand,
		pipeline.StateSetTTLCommand,
		pipeline.StateHistoryCopy,
		pipeline.StateTransformData,
		pipeline.StateSyncDataAll,
		pipeline.StateFinish,
	} {
		states[failedState(s)] = caught(s)
	}

	states[string(pipeline.StateFail)] = state{
		Type:     "Task",
		Resource: taskFunctionARN,
		Parameters: map[string]any{
			"state":   string(pipeline.StateFail),
			"input.$": "$.input",
			"stage.$": "$.stage",
			"error.$": "$.error",
		},
		Retry: []retrier{stepRetry},
		Next:  stateFailed,
	}
	states[stateFailed] = state{
		Type:  "Fail",
		Error: "PipelineFailed",
		Cause: "command pipeline failed",
	}
	states[stateSucceeded] = state{Type: "Succeed"}

	return json.MarshalIndent(stateMachine{
		Comment: "Command synchronisation pipeline",
		StartAt: string(pipeline.StateCheckVersion),
		States:  states,
	}, "", "  ")
}
