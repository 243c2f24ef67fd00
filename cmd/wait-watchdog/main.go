// Package main implements the wait watchdog Lambda handler. It runs on a
// schedule and fails executions that have waited on their previous version
// for longer than the configured threshold.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/jarrod-lowe/jmap-service-libs/logging"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda/xrayconfig"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
	"go.opentelemetry.io/otel"

	"github.com/jarrod-lowe/cqrs-command-log/internal/command"
	"github.com/jarrod-lowe/cqrs-command-log/internal/config"
	"github.com/jarrod-lowe/cqrs-command-log/internal/notification"
	"github.com/jarrod-lowe/cqrs-command-log/internal/orchestrator"
	"github.com/jarrod-lowe/cqrs-command-log/internal/pipeline"
)

var logger = logging.New()

// Sweeper resolves stale waiters of one table.
type Sweeper interface {
	Sweep(ctx context.Context, table string) (int, error)
}

type handler struct {
	sweeper Sweeper
	tables  []string
}

func newHandler(sweeper Sweeper, tables []string) *handler {
	return &handler{sweeper: sweeper, tables: tables}
}

func (h *handler) handle(ctx context.Context, _ events.CloudWatchEvent) error {
	tracer := tracing.Tracer("cqrs-wait-watchdog")
	ctx, span := tracer.Start(ctx, "WaitWatchdogHandler")
	defer span.End()

	var errs []error
	total := 0
	for _, table := range h.tables {
		n, err := h.sweeper.Sweep(ctx, table)
		total += n
		if err != nil {
			logger.ErrorContext(ctx, "Failed to sweep table",
				slog.String("table", table),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", table, err))
		}
	}

	logger.InfoContext(ctx, "Wait watchdog finished",
		slog.Int("tables", len(h.tables)),
		slog.Int("resolved", total),
	)
	return errors.Join(errs...)
}

func main() {
	ctx := context.Background()

	tp, err := tracing.Init(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to initialize tracer provider", slog.String("error", err.Error()))
		panic(err)
	}
	otel.SetTracerProvider(tp)

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

	var publisher notification.Publisher
	if cfg.NotificationTopicARN != "" {
		publisher = notification.NewSNSPublisher(sns.NewFromConfig(awsCfg), cfg.NotificationTopicARN)
	}

	store := command.NewDynamoDBRepository(dynamodb.NewFromConfig(awsCfg), cfg.TablePrefix)
	resolver := orchestrator.NewSFN(sfn.NewFromConfig(awsCfg), cfg.StateMachineARN, logger)
	watchdog := pipeline.NewWatchdog(store, resolver, notification.NewEmitter(publisher, logger), logger, cfg.WatchdogThreshold)

	h := newHandler(watchdog, cfg.Tables)
	lambda.Start(otellambda.InstrumentHandler(h.handle, xrayconfig.WithRecommendedOptions(tp)...))
}
