// Package main implements the command stream Lambda handler. It starts one
// pipeline execution for every command version inserted into a command table.
package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/jarrod-lowe/jmap-service-libs/logging"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda/xrayconfig"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
	"go.opentelemetry.io/contrib/propagators/aws/xray"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/jarrod-lowe/cqrs-command-log/internal/config"
	"github.com/jarrod-lowe/cqrs-command-log/internal/dynamo"
	"github.com/jarrod-lowe/cqrs-command-log/internal/orchestrator"
	"github.com/jarrod-lowe/cqrs-command-log/internal/pipeline"
)

var logger = logging.New()

// ExecutionStarter starts a pipeline execution.
type ExecutionStarter interface {
	StartExecution(ctx context.Context, in pipeline.Input) (string, error)
}

type handler struct {
	starter     ExecutionStarter
	tablePrefix string
}

func newHandler(starter ExecutionStarter, tablePrefix string) *handler {
	return &handler{
		starter:     starter,
		tablePrefix: tablePrefix,
	}
}

// handle processes a batch of command table stream records. Records that
// fail to start are reported as batch item failures so only they are retried.
func (h *handler) handle(ctx context.Context, event events.DynamoDBEvent) (events.DynamoDBEventResponse, error) {
	tracer := tracing.Tracer("cqrs-command-stream")
	ctx, span := tracer.Start(ctx, "CommandStreamHandler")
	defer span.End()

	var failures []events.DynamoDBBatchItemFailure

	for _, record := range event.Records {
		if record.EventName != string(events.DynamoDBOperationTypeInsert) {
			continue
		}

		in, ok, err := h.inputFromRecord(record)
		if err != nil {
			// Malformed records can never succeed; retrying would block the shard.
			logger.ErrorContext(ctx, "Skipping malformed command record",
				slog.String("event_id", record.EventID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !ok {
			continue
		}

		id, err := h.starter.StartExecution(ctx, in)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to start pipeline execution",
				slog.String("table", in.Table),
				slog.String("pk", in.PK),
				slog.String("sk", in.SK),
				slog.Int("version", in.Version),
				slog.String("error", err.Error()),
			)
			failures = append(failures, events.DynamoDBBatchItemFailure{
				ItemIdentifier: record.Change.SequenceNumber,
			})
			continue
		}

		logger.InfoContext(ctx, "Started pipeline execution",
			slog.String("table", in.Table),
			slog.String("pk", in.PK),
			slog.String("sk", in.SK),
			slog.Int("version", in.Version),
			slog.String("execution", id),
		)
	}

	return events.DynamoDBEventResponse{BatchItemFailures: failures}, nil
}

// inputFromRecord builds the pipeline input for a stream record. It reports
// false for items that are not command versions.
func (h *handler) inputFromRecord(record events.DynamoDBEventRecord) (pipeline.Input, bool, error) {
	image := record.Change.NewImage
	pk := getStringAttr(image, dynamo.AttrPK)
	sk := getStringAttr(image, dynamo.AttrSK)
	if pk == "" || sk == "" {
		return pipeline.Input{}, false, fmt.Errorf("record has no key")
	}
	base, version, err := dynamo.ParseSortKeyVersion(sk)
	if err != nil {
		// Head items live in the same table but carry no version.
		return pipeline.Input{}, false, nil
	}
	table, err := dynamo.LogicalTableFromARN(record.EventSourceArn, h.tablePrefix)
	if err != nil {
		return pipeline.Input{}, false, err
	}

	return pipeline.Input{Table: table, PK: pk, SK: base, Version: version}, true, nil
}

func getStringAttr(image map[string]events.DynamoDBAttributeValue, name string) string {
	v, ok := image[name]
	if !ok || v.DataType() != events.DataTypeString {
		return ""
	}
	return v.String()
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
	if cfg.StateMachineARN == "" {
		logger.Error("FATAL: STATE_MACHINE_ARN is required")
		panic("STATE_MACHINE_ARN is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to load AWS config", slog.String("error", err.Error()))
		panic(err)
	}

	// Instrument AWS SDK clients with OTel tracing
	otelaws.AppendMiddlewares(&awsCfg.APIOptions)

	starter := orchestrator.NewSFN(sfn.NewFromConfig(awsCfg), cfg.StateMachineARN, logger)

	h := newHandler(starter, cfg.TablePrefix)
	lambda.Start(otellambda.InstrumentHandler(h.handle, xrayconfig.WithRecommendedOptions(tp)...))
}
