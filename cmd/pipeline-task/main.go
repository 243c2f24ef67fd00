// Package main implements the pipeline task Lambda handler. The state
// machine invokes it once per pipeline state; the state name in the request
// selects the step to run.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jarrod-lowe/jmap-service-libs/logging"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda/xrayconfig"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
	"go.opentelemetry.io/contrib/propagators/aws/xray"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"github.com/jarrod-lowe/cqrs-command-log/internal/app"
	"github.com/jarrod-lowe/cqrs-command-log/internal/command"
	"github.com/jarrod-lowe/cqrs-command-log/internal/config"
	"github.com/jarrod-lowe/cqrs-command-log/internal/gate"
	zaplogger "github.com/jarrod-lowe/cqrs-command-log/internal/logger"
	"github.com/jarrod-lowe/cqrs-command-log/internal/notification"
	"github.com/jarrod-lowe/cqrs-command-log/internal/orchestrator"
	"github.com/jarrod-lowe/cqrs-command-log/internal/pipeline"
	"github.com/jarrod-lowe/cqrs-command-log/internal/synchandler"
)

var logger = logging.New()

// ErrUnknownState is returned for a request naming no pipeline state.
var ErrUnknownState = errors.New("unknown pipeline state")

// Stages runs the individual pipeline states.
type Stages interface {
	CheckVersion(ctx context.Context, in pipeline.Input) (pipeline.CheckResult, error)
	WaitPrevCommand(ctx context.Context, in pipeline.Input, token string) error
	SetTTLCommand(ctx context.Context, in pipeline.Input) error
	HistoryCopy(ctx context.Context, in pipeline.Input) error
	TransformData(ctx context.Context, in pipeline.Input) (*command.DataRecord, error)
	SyncDataAll(ctx context.Context, in pipeline.Input, data *command.DataRecord) error
	Finish(ctx context.Context, in pipeline.Input, data *command.DataRecord) error
	Fail(ctx context.Context, in pipeline.Input, failure command.Failure) error
}

// TaskError is the error document the state machine catches into $.error.
type TaskError struct {
	Error string `json:"Error"`
	Cause string `json:"Cause"`
}

// Request is the task payload built by the state machine.
type Request struct {
	State     pipeline.State      `json:"state"`
	Input     pipeline.Input      `json:"input"`
	TaskToken string              `json:"taskToken,omitempty"`
	Stage     string              `json:"stage,omitempty"`
	Error     *TaskError          `json:"error,omitempty"`
	Data      *command.DataRecord `json:"data,omitempty"`
}

// Response becomes the state output. Input is always carried forward.
type Response struct {
	Input  pipeline.Input      `json:"input"`
	Next   pipeline.Branch     `json:"next,omitempty"`
	Reason string              `json:"reason,omitempty"`
	Data   *command.DataRecord `json:"data,omitempty"`
}

type handler struct {
	stages Stages
}

func newHandler(stages Stages) *handler {
	return &handler{stages: stages}
}

func (h *handler) handle(ctx context.Context, req Request) (Response, error) {
	tracer := tracing.Tracer("cqrs-pipeline-task")
	ctx, span := tracer.Start(ctx, "PipelineTaskHandler")
	defer span.End()

	span.SetAttributes(
		attribute.String("state", string(req.State)),
		attribute.String("table", req.Input.Table),
		attribute.Int("version", req.Input.Version),
	)

	resp, err := h.dispatch(ctx, req)
	if err != nil {
		logger.ErrorContext(ctx, "Pipeline state failed",
			slog.String("state", string(req.State)),
			slog.String("table", req.Input.Table),
			slog.String("pk", req.Input.PK),
			slog.String("sk", req.Input.SK),
			slog.Int("version", req.Input.Version),
			slog.String("error", err.Error()),
		)
		// The state machine does not retry handler failures; their Lambda
		// error type is taken from the concrete error.
		var hf *synchandler.HandlerFailureError
		if errors.As(err, &hf) {
			return Response{}, hf
		}
		return Response{}, err
	}
	return resp, nil
}

func (h *handler) dispatch(ctx context.Context, req Request) (Response, error) {
	in := req.Input
	resp := Response{Input: in}

	switch req.State {
	case pipeline.StateCheckVersion:
		res, err := h.stages.CheckVersion(ctx, in)
		if err != nil {
			return Response{}, err
		}
		resp.Next = res.Branch
		resp.Reason = res.Reason
	case pipeline.StateWaitPrevCommand:
		if req.TaskToken == "" {
			return Response{}, fmt.Errorf("%s requires a task token", req.State)
		}
		if err := h.stages.WaitPrevCommand(ctx, in, req.TaskToken); err != nil {
			return Response{}, err
		}
	case pipeline.StateSetTTLCommand:
		if err := h.stages.SetTTLCommand(ctx, in); err != nil {
			return Response{}, err
		}
	case pipeline.StateHistoryCopy:
		if err := h.stages.HistoryCopy(ctx, in); err != nil {
			return Response{}, err
		}
	case pipeline.StateTransformData:
		data, err := h.stages.TransformData(ctx, in)
		if err != nil {
			return Response{}, err
		}
		resp.Data = data
	case pipeline.StateSyncDataAll:
		if err := h.stages.SyncDataAll(ctx, in, req.Data); err != nil {
			return Response{}, err
		}
		resp.Data = req.Data
	case pipeline.StateFinish:
		if err := h.stages.Finish(ctx, in, req.Data); err != nil {
			return Response{}, err
		}
	case pipeline.StateFail:
		if err := h.stages.Fail(ctx, in, failureFromRequest(req)); err != nil {
			return Response{}, err
		}
	default:
		return Response{}, fmt.Errorf("%w: %q", ErrUnknownState, req.State)
	}
	return resp, nil
}

func failureFromRequest(req Request) command.Failure {
	failure := command.Failure{Stage: req.Stage}
	if req.Error != nil {
		failure.Reason = req.Error.Error
		if req.Error.Cause != "" {
			failure.Reason = req.Error.Error + ": " + req.Error.Cause
		}
	}
	if failure.Stage == "" {
		failure.Stage = string(pipeline.StateFail)
	}
	if failure.Reason == "" {
		failure.Reason = "unknown error"
	}
	return failure
}

func main() {
	ctx := context.Background()

	tp, err := tracing.Init(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to initialize tracer provider", slog.String("error", err.Error()))
		panic(err)
	}
	otel.SetTracerProvider(tp)

	// Propagate X-Ray trace headers through Step Functions
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		xray.Propagator{},
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("FATAL: Failed to load config", slog.String("error", err.Error()))
		panic(err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to load AWS config", slog.String("error", err.Error()))
		panic(err)
	}

	// Instrument AWS SDK clients with OTel tracing
	otelaws.AppendMiddlewares(&awsCfg.APIOptions)

	zapLog, err := zaplogger.New(cfg.Environment, false)
	if err != nil {
		logger.Error("FATAL: Failed to create logger", slog.String("error", err.Error()))
		panic(err)
	}

	handlers := app.NewHandlers(cfg, logger, zapLog)
	registry, err := handlers.Registry(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to build sync handlers", slog.String("error", err.Error()))
		panic(err)
	}

	var publishers notification.MultiPublisher
	if cfg.NotificationTopicARN != "" {
		publishers = append(publishers, notification.NewSNSPublisher(sns.NewFromConfig(awsCfg), cfg.NotificationTopicARN))
	}
	if cfg.NotificationQueueURL != "" {
		publishers = append(publishers, notification.NewSQSPublisher(sqs.NewFromConfig(awsCfg), cfg.NotificationQueueURL))
	}

	store := command.NewDynamoDBRepository(dynamodb.NewFromConfig(awsCfg), cfg.TablePrefix)
	resolver := orchestrator.NewSFN(sfn.NewFromConfig(awsCfg), cfg.StateMachineARN, logger)

	p := pipeline.New(pipeline.Deps{
		Store:     store,
		Gate:      gate.New(store, resolver, logger, gate.WithResolveRetry(cfg.StepMaxAttempts, cfg.StepInitialInterval)),
		Resolver:  resolver,
		Syncer:    registry,
		Emitter:   notification.NewEmitter(publishers, logger),
		Logger:    logger,
		Retention: cfg.CommandRetention,
	})

	h := newHandler(p)
	lambda.Start(otellambda.InstrumentHandler(h.handle, xrayconfig.WithRecommendedOptions(tp)...))
}
