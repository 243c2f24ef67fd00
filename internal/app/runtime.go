package app

import (
	"log/slog"

	"github.com/jarrod-lowe/cqrs-command-log/internal/command"
	"github.com/jarrod-lowe/cqrs-command-log/internal/config"
	"github.com/jarrod-lowe/cqrs-command-log/internal/gate"
	"github.com/jarrod-lowe/cqrs-command-log/internal/notification"
	"github.com/jarrod-lowe/cqrs-command-log/internal/orchestrator"
	"github.com/jarrod-lowe/cqrs-command-log/internal/pipeline"
	"github.com/jarrod-lowe/cqrs-command-log/internal/service"
	"github.com/jarrod-lowe/cqrs-command-log/internal/synchandler"
)

// Runtime is the whole command log running in one process: an in-memory
// store and the local orchestrator.
type Runtime struct {
	Store        *command.MemoryRepository
	Broker       *notification.Broker
	Orchestrator *orchestrator.Local
	Pipeline     *pipeline.Pipeline
	Service      *service.Service
	Watchdog     *pipeline.Watchdog
	Registry     *synchandler.Registry
}

// RuntimeOptions customise a Runtime.
type RuntimeOptions struct {
	Logger *slog.Logger
	// Publisher receives notifications in addition to the in-process broker.
	Publisher notification.Publisher
	Hooks     pipeline.Hooks
}

// NewRuntime wires a Runtime for cfg around registry.
func NewRuntime(cfg *config.Config, registry *synchandler.Registry, opts RuntimeOptions) *Runtime {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store := command.NewMemoryRepository()
	broker := notification.NewBroker()
	publishers := notification.MultiPublisher{broker}
	if opts.Publisher != nil {
		publishers = append(publishers, opts.Publisher)
	}
	emitter := notification.NewEmitter(publishers, logger)

	local := orchestrator.NewLocal(logger, orchestrator.WithWaitTimeout(cfg.WaitTimeout))
	p := pipeline.New(pipeline.Deps{
		Store:     store,
		Gate:      gate.New(store, local, logger, gate.WithResolveRetry(cfg.StepMaxAttempts, cfg.StepInitialInterval)),
		Resolver:  local,
		Syncer:    registry,
		Emitter:   emitter,
		Logger:    logger,
		Retention: cfg.CommandRetention,
		Hooks:     opts.Hooks,
	})
	local.SetRunner(pipeline.NewRunner(p, local, cfg.StepRetry(), logger))

	return &Runtime{
		Store:        store,
		Broker:       broker,
		Orchestrator: local,
		Pipeline:     p,
		Registry:     registry,
		Service: service.New(service.Deps{
			Store:        store,
			Starter:      local,
			Syncer:       registry,
			Broker:       broker,
			Logger:       logger,
			PollInterval: cfg.SyncPollInterval,
			SyncTimeout:  cfg.SyncTimeout,
		}),
		Watchdog: pipeline.NewWatchdog(store, local, emitter, logger, cfg.WatchdogThreshold),
	}
}

// Close waits for running executions and stops pending wait timers.
func (r *Runtime) Close() {
	r.Orchestrator.Wait()
	r.Orchestrator.Close()
}
