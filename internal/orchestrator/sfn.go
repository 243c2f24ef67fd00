package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/sfn/types"

	"github.com/jarrod-lowe/cqrs-command-log/internal/gate"
	"github.com/jarrod-lowe/cqrs-command-log/internal/pipeline"
)

// SFNClient is the subset of the Step Functions API the orchestrator uses.
type SFNClient interface {
	StartExecution(ctx context.Context, params *sfn.StartExecutionInput, optFns ...func(*sfn.Options)) (*sfn.StartExecutionOutput, error)
	SendTaskSuccess(ctx context.Context, params *sfn.SendTaskSuccessInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskSuccessOutput, error)
	SendTaskFailure(ctx context.Context, params *sfn.SendTaskFailureInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskFailureOutput, error)
	DescribeExecution(ctx context.Context, params *sfn.DescribeExecutionInput, optFns ...func(*sfn.Options)) (*sfn.DescribeExecutionOutput, error)
}

// ExecutionInput is the document an execution starts with.
type ExecutionInput struct {
	Input pipeline.Input `json:"input"`
}

// SFN runs executions on an AWS Step Functions state machine.
type SFN struct {
	client          SFNClient
	stateMachineARN string
	logger          *slog.Logger
}

// NewSFN creates an SFN orchestrator for the given state machine.
func NewSFN(client SFNClient, stateMachineARN string, logger *slog.Logger) *SFN {
	if logger == nil {
		logger = slog.Default()
	}
	return &SFN{client: client, stateMachineARN: stateMachineARN, logger: logger}
}

// StartExecution starts the execution for in. Starting the same version
// twice is not an error and returns the existing execution.
func (s *SFN) StartExecution(ctx context.Context, in pipeline.Input) (string, error) {
	body, err := json.Marshal(ExecutionInput{Input: in})
	if err != nil {
		return "", fmt.Errorf("failed to marshal execution input: %w", err)
	}

	name := ExecutionName(in)
	out, err := s.client.StartExecution(ctx, &sfn.StartExecutionInput{
		StateMachineArn: aws.String(s.stateMachineARN),
		Name:            aws.String(name),
		Input:           aws.String(string(body)),
	})
	if err != nil {
		var exists *types.ExecutionAlreadyExists
		if errors.As(err, &exists) {
			s.logger.InfoContext(ctx, "Execution already started",
				slog.String("execution", name))
			return s.executionARN(name), nil
		}
		return "", fmt.Errorf("failed to start execution: %w", err)
	}
	return aws.ToString(out.ExecutionArn), nil
}

// ExecutionID returns the ARN of the execution that processes in.
func (s *SFN) ExecutionID(in pipeline.Input) string {
	return s.executionARN(ExecutionName(in))
}

// executionARN derives the ARN of a named execution of the state machine.
func (s *SFN) executionARN(name string) string {
	return strings.Replace(s.stateMachineARN, ":stateMachine:", ":execution:", 1) + ":" + name
}

// ResolveWaitToken completes a waitForTaskToken task. A token whose task
// has already gone away is ignored.
func (s *SFN) ResolveWaitToken(ctx context.Context, token string, result gate.WaitResult) error {
	var err error
	if result.Success {
		var body []byte
		body, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal task output: %w", err)
		}
		_, err = s.client.SendTaskSuccess(ctx, &sfn.SendTaskSuccessInput{
			TaskToken: aws.String(token),
			Output:    aws.String(string(body)),
		})
	} else {
		_, err = s.client.SendTaskFailure(ctx, &sfn.SendTaskFailureInput{
			TaskToken: aws.String(token),
			Error:     aws.String(result.Error),
			Cause:     aws.String(result.Cause),
		})
	}
	if err == nil {
		return nil
	}

	var timedOut *types.TaskTimedOut
	var missing *types.TaskDoesNotExist
	if errors.As(err, &timedOut) || errors.As(err, &missing) {
		s.logger.WarnContext(ctx, "Wait token no longer valid",
			slog.String("error", err.Error()))
		return nil
	}
	return fmt.Errorf("failed to resolve wait token: %w", err)
}

// GetExecutionStatus returns the status of the execution with ARN id.
func (s *SFN) GetExecutionStatus(ctx context.Context, id string) (ExecutionStatus, error) {
	out, err := s.client.DescribeExecution(ctx, &sfn.DescribeExecutionInput{
		ExecutionArn: aws.String(id),
	})
	if err != nil {
		var missing *types.ExecutionDoesNotExist
		if errors.As(err, &missing) {
			return "", ErrExecutionNotFound
		}
		return "", fmt.Errorf("failed to describe execution: %w", err)
	}
	return ExecutionStatus(out.Status), nil
}
