package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"go.uber.org/zap"

	"github.com/jarrod-lowe/cqrs-command-log/internal/app"
	"github.com/jarrod-lowe/cqrs-command-log/internal/command"
	"github.com/jarrod-lowe/cqrs-command-log/internal/logger"
	"github.com/jarrod-lowe/cqrs-command-log/internal/orchestrator"
	"github.com/jarrod-lowe/cqrs-command-log/internal/pipeline"
	"github.com/jarrod-lowe/cqrs-command-log/internal/service"
)

// Executions reports the orchestrator status of pipeline executions.
type Executions interface {
	ExecutionID(in pipeline.Input) string
	GetExecutionStatus(ctx context.Context, id string) (orchestrator.ExecutionStatus, error)
}

// Backend is what the commands operate on.
type Backend struct {
	Service    *service.Service
	Executions Executions
	Logger     *zap.Logger
	close      func()
}

// NewBackend creates a Backend; closeFn runs on Close.
func NewBackend(svc *service.Service, executions Executions, log *zap.Logger, closeFn func()) *Backend {
	if log == nil {
		log = zap.NewNop()
	}
	return &Backend{Service: svc, Executions: executions, Logger: log, close: closeFn}
}

// Close waits for local executions and releases connections.
func (b *Backend) Close() {
	if b.close != nil {
		b.close()
	}
	_ = b.Logger.Sync()
}

// BackendFactory opens the backend for a command invocation.
type BackendFactory func(ctx context.Context, opts *RootOptions) (*Backend, error)

// DefaultBackend opens an in-process runtime with --local and the AWS
// deployment otherwise.
func DefaultBackend(ctx context.Context, opts *RootOptions) (*Backend, error) {
	cfg := opts.Config

	zapLog, err := logger.New(cfg.Environment, opts.Verbose)
	if err != nil {
		return nil, err
	}
	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	slogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	handlers := app.NewHandlers(cfg, slogger, zapLog)
	registry, err := handlers.Registry(ctx)
	if err != nil {
		_ = handlers.Close()
		return nil, err
	}

	if opts.Local {
		rt := app.NewRuntime(cfg, registry, app.RuntimeOptions{Logger: slogger})
		zapLog.Debug("Using local runtime", zap.Strings("tables", registry.Tables()))
		return NewBackend(rt.Service, rt.Orchestrator, zapLog, func() {
			rt.Close()
			_ = handlers.Close()
		}), nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		_ = handlers.Close()
		return nil, err
	}
	store := command.NewDynamoDBRepository(dynamodb.NewFromConfig(awsCfg), cfg.TablePrefix)

	deps := service.Deps{
		Store:        store,
		Syncer:       registry,
		Logger:       slogger,
		PollInterval: cfg.SyncPollInterval,
		SyncTimeout:  cfg.SyncTimeout,
	}
	var executions Executions
	if cfg.StateMachineARN != "" {
		// The command stream starts executions too; a second start of the
		// same version is a no-op.
		sfnOrch := orchestrator.NewSFN(sfn.NewFromConfig(awsCfg), cfg.StateMachineARN, slogger)
		deps.Starter = sfnOrch
		executions = sfnOrch
	}
	zapLog.Debug("Using AWS deployment",
		zap.String("table_prefix", cfg.TablePrefix),
		zap.String("state_machine", cfg.StateMachineARN))

	return NewBackend(service.New(deps), executions, zapLog, func() {
		_ = handlers.Close()
	}), nil
}

// open opens the backend, reporting failures as command errors.
func (o *RootOptions) open(ctx context.Context) (*Backend, error) {
	if o.backend == nil {
		return nil, WrapExitError(ExitCommandError, "no backend", errors.New("backend factory not set"))
	}
	b, err := o.backend(ctx, o)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open backend", err)
	}
	return b, nil
}
