package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TABLES", "orders,invoices")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Tables) != 2 || cfg.Tables[1] != "invoices" {
		t.Errorf("Tables = %v", cfg.Tables)
	}
	if cfg.StepMaxAttempts != 3 || cfg.StepInitialInterval != 200*time.Millisecond || cfg.StepMaxInterval != 5*time.Second {
		t.Errorf("step retry = %+v", cfg.StepRetry())
	}
	if cfg.WaitTimeout != time.Hour || cfg.WatchdogThreshold != 2*time.Hour {
		t.Errorf("WaitTimeout = %s, WatchdogThreshold = %s", cfg.WaitTimeout, cfg.WatchdogThreshold)
	}
	if cfg.CommandRetention != 7*24*time.Hour {
		t.Errorf("CommandRetention = %s", cfg.CommandRetention)
	}

	p := cfg.HandlerPolicy()
	if p.Concurrency != 0 || p.SkipError || p.MaxAttempts != 3 {
		t.Errorf("handler policy = %+v", p)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SYNC_SKIP_ERROR", "true")
	t.Setenv("SYNC_CONCURRENCY", "4")
	t.Setenv("WAIT_TIMEOUT", "10m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.SyncSkipError || cfg.SyncConcurrency != 4 {
		t.Errorf("policy = %+v", cfg.HandlerPolicy())
	}
	if got := cfg.DefinitionOptions().WaitTimeout; got != 10*time.Minute {
		t.Errorf("WaitTimeout = %s", got)
	}
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("STEP_MAX_ATTEMPTS", "0")
	t.Setenv("WATCHDOG_THRESHOLD", "1m")

	if _, err := Load(); err == nil {
		t.Fatal("expected validation error")
	}
}
