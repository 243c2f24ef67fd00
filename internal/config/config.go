// Package config loads runtime settings from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/jarrod-lowe/cqrs-command-log/internal/orchestrator"
	"github.com/jarrod-lowe/cqrs-command-log/internal/pipeline"
	"github.com/jarrod-lowe/cqrs-command-log/internal/synchandler"
)

type Config struct {
	Environment string   `envconfig:"ENVIRONMENT" default:"development"`
	TablePrefix string   `envconfig:"TABLE_PREFIX"`
	Tables      []string `envconfig:"TABLES"`

	StateMachineARN      string `envconfig:"STATE_MACHINE_ARN"`
	TaskFunctionARN      string `envconfig:"TASK_FUNCTION_ARN"`
	NotificationTopicARN string `envconfig:"NOTIFICATION_TOPIC_ARN"`
	NotificationQueueURL string `envconfig:"NOTIFICATION_QUEUE_URL"`
	HandlerConfigPath    string `envconfig:"HANDLER_CONFIG_PATH"`

	StepMaxAttempts     uint          `envconfig:"STEP_MAX_ATTEMPTS" default:"3"`
	StepInitialInterval time.Duration `envconfig:"STEP_INITIAL_INTERVAL" default:"200ms"`
	StepMaxInterval     time.Duration `envconfig:"STEP_MAX_INTERVAL" default:"5s"`

	HandlerMaxAttempts     uint          `envconfig:"HANDLER_MAX_ATTEMPTS" default:"3"`
	HandlerInitialInterval time.Duration `envconfig:"HANDLER_INITIAL_INTERVAL" default:"100ms"`
	HandlerMaxInterval     time.Duration `envconfig:"HANDLER_MAX_INTERVAL" default:"2s"`
	SyncConcurrency        int           `envconfig:"SYNC_CONCURRENCY" default:"0"`
	SyncSkipError          bool          `envconfig:"SYNC_SKIP_ERROR" default:"false"`

	WaitTimeout       time.Duration `envconfig:"WAIT_TIMEOUT" default:"1h"`
	WatchdogThreshold time.Duration `envconfig:"WATCHDOG_THRESHOLD" default:"2h"`
	CommandRetention  time.Duration `envconfig:"COMMAND_RETENTION" default:"168h"`
	SyncPollInterval  time.Duration `envconfig:"SYNC_POLL_INTERVAL" default:"500ms"`
	SyncTimeout       time.Duration `envconfig:"SYNC_TIMEOUT" default:"5m"`

	SQLitePath  string `envconfig:"SQLITE_PATH"`
	PostgresDSN string `envconfig:"POSTGRES_DSN"`

	ClickHouseAddr     string `envconfig:"CLICKHOUSE_ADDR"`
	ClickHouseDatabase string `envconfig:"CLICKHOUSE_DATABASE" default:"default"`
	ClickHouseUsername string `envconfig:"CLICKHOUSE_USERNAME" default:"default"`
	ClickHousePassword string `envconfig:"CLICKHOUSE_PASSWORD" default:""`
	ClickHouseTLS      bool   `envconfig:"CLICKHOUSE_TLS" default:"false"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.StepMaxAttempts == 0 {
		errs = append(errs, errors.New("STEP_MAX_ATTEMPTS must be at least 1"))
	}
	if c.HandlerMaxAttempts == 0 {
		errs = append(errs, errors.New("HANDLER_MAX_ATTEMPTS must be at least 1"))
	}
	if c.SyncConcurrency < 0 {
		errs = append(errs, errors.New("SYNC_CONCURRENCY must not be negative"))
	}
	if c.WaitTimeout <= 0 {
		errs = append(errs, errors.New("WAIT_TIMEOUT must be positive"))
	}
	if c.WatchdogThreshold < c.WaitTimeout {
		errs = append(errs, errors.New("WATCHDOG_THRESHOLD must not be shorter than WAIT_TIMEOUT"))
	}
	return errors.Join(errs...)
}

// StepRetry is the retry policy of each pipeline state.
func (c *Config) StepRetry() pipeline.RetryPolicy {
	return pipeline.RetryPolicy{
		MaxAttempts:     c.StepMaxAttempts,
		InitialInterval: c.StepInitialInterval,
		MaxInterval:     c.StepMaxInterval,
	}
}

// HandlerPolicy is the default fan-out policy for tables without their own.
func (c *Config) HandlerPolicy() synchandler.Policy {
	return synchandler.Policy{
		Concurrency:     c.SyncConcurrency,
		SkipError:       c.SyncSkipError,
		MaxAttempts:     c.HandlerMaxAttempts,
		InitialInterval: c.HandlerInitialInterval,
		MaxInterval:     c.HandlerMaxInterval,
	}
}

// DefinitionOptions are the state machine settings matching this config.
func (c *Config) DefinitionOptions() orchestrator.DefinitionOptions {
	return orchestrator.DefinitionOptions{
		WaitTimeout: c.WaitTimeout,
		Retry:       c.StepRetry(),
	}
}
