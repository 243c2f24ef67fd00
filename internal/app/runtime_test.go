package app

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jarrod-lowe/cqrs-command-log/internal/command"
	"github.com/jarrod-lowe/cqrs-command-log/internal/config"
	"github.com/jarrod-lowe/cqrs-command-log/internal/notification"
	"github.com/jarrod-lowe/cqrs-command-log/internal/pipeline"
	"github.com/jarrod-lowe/cqrs-command-log/internal/service"
	"github.com/jarrod-lowe/cqrs-command-log/internal/synchandler"
)

const testTable = "T"

var entity = command.Key{PK: "TENANT#acme", SK: "ITEM#E"}

func testConfig() *config.Config {
	return &config.Config{
		Tables:              []string{testTable},
		StepMaxAttempts:     3,
		StepInitialInterval: time.Millisecond,
		StepMaxInterval:     5 * time.Millisecond,
		WaitTimeout:         5 * time.Second,
		WatchdogThreshold:   10 * time.Second,
		CommandRetention:    7 * 24 * time.Hour,
		SyncPollInterval:    5 * time.Millisecond,
		SyncTimeout:         5 * time.Second,
	}
}

// recordingHandler records every projection it is given.
type recordingHandler struct {
	name string
	// before runs at the start of Up; an error fails the call.
	before func(data *command.DataRecord) error

	mu    sync.Mutex
	calls []*command.DataRecord
}

func (h *recordingHandler) Name() string { return h.name }

func (h *recordingHandler) Up(_ context.Context, data *command.DataRecord) error {
	h.mu.Lock()
	h.calls = append(h.calls, data.Clone())
	h.mu.Unlock()
	if h.before != nil {
		return h.before(data)
	}
	return nil
}

func (h *recordingHandler) Down(context.Context, *command.DataRecord, *command.DataRecord) error {
	return nil
}

func (h *recordingHandler) versions() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int, len(h.calls))
	for i, c := range h.calls {
		out[i] = c.Version
	}
	return out
}

func newTestRuntime(t *testing.T, hooks pipeline.Hooks, handlers ...synchandler.Handler) *Runtime {
	t.Helper()
	reg := synchandler.NewRegistry(synchandler.DefaultPolicy(), nil)
	if len(handlers) > 0 {
		require.NoError(t, reg.Register(testTable, handlers...))
	}
	rt := NewRuntime(testConfig(), reg, RuntimeOptions{Hooks: hooks})
	t.Cleanup(rt.Close)
	return rt
}

func publish(version int, colour string) service.CommandInput {
	return service.CommandInput{
		PK:         entity.PK,
		SK:         entity.SK,
		Name:       "Entity",
		TenantCode: "acme",
		Version:    version,
		Attributes: map[string]any{"colour": colour},
	}
}

var syncOpts = service.Options{Synchronous: true, Timeout: 5 * time.Second}

func TestScenario_PublishFirstVersion(t *testing.T) {
	ctx := context.Background()
	rt := newTestRuntime(t, pipeline.Hooks{}, synchandler.NewLogHandler(nil))

	rec, err := rt.Service.Publish(ctx, testTable, publish(1, "red"), syncOpts)
	require.NoError(t, err)
	assert.Equal(t, command.StatusFinished, rec.Status)

	latest, err := rt.Service.GetLatest(ctx, testTable, entity)
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Version)
	assert.Equal(t, entity.SK, latest.SK)
	assert.Equal(t, "red", latest.Attributes["colour"])
}

func TestScenario_ConcurrentVersionsApplyInOrder(t *testing.T) {
	ctx := context.Background()
	slow := &recordingHandler{name: "slow", before: func(data *command.DataRecord) error {
		if data.Version == 2 {
			time.Sleep(50 * time.Millisecond)
		}
		return nil
	}}
	rt := newTestRuntime(t, pipeline.Hooks{}, slow)

	_, err := rt.Service.Publish(ctx, testTable, publish(1, "red"), syncOpts)
	require.NoError(t, err)

	waited, unsubscribe := rt.Broker.Subscribe(func(m notification.Message) bool {
		return m.Version() == 3 && m.Content.Status == string(command.StatusWaiting)
	})
	defer unsubscribe()

	_, err = rt.Service.Publish(ctx, testTable, publish(2, "green"), service.Options{})
	require.NoError(t, err)
	rec3, err := rt.Service.Publish(ctx, testTable, publish(3, "blue"), syncOpts)
	require.NoError(t, err)
	assert.Equal(t, command.StatusFinished, rec3.Status)

	select {
	case <-waited:
	default:
		t.Error("version 3 should have waited for version 2")
	}

	rec2, err := rt.Service.GetCommand(ctx, testTable, entity, 2)
	require.NoError(t, err)
	assert.Equal(t, command.StatusFinished, rec2.Status)
	assert.Equal(t, []int{1, 2, 3}, slow.versions())

	latest, err := rt.Service.GetLatest(ctx, testTable, entity)
	require.NoError(t, err)
	assert.Equal(t, 3, latest.Version)
	assert.Equal(t, "blue", latest.Attributes["colour"])

	hist, err := rt.Service.GetAtVersion(ctx, testTable, entity, 2)
	require.NoError(t, err)
	assert.Equal(t, "green", hist.Attributes["colour"])
}

func TestScenario_ConcurrentPublishersKeepEntityOrder(t *testing.T) {
	ctx := context.Background()
	var inFlight, peak atomic.Int32
	handler := &recordingHandler{name: "ordered", before: func(*command.DataRecord) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		return nil
	}}
	rt := newTestRuntime(t, pipeline.Hooks{}, handler)

	_, err := rt.Service.Publish(ctx, testTable, publish(1, "red"), syncOpts)
	require.NoError(t, err)

	const publishers, perPublisher = 8, 3
	var wg sync.WaitGroup
	errs := make(chan error, publishers*perPublisher)
	for p := range publishers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perPublisher {
				in := service.PartialInput{
					PK:         entity.PK,
					SK:         entity.SK,
					Attributes: map[string]any{"writer": p, "write": i},
				}
				for {
					_, err := rt.Service.PublishPartial(ctx, testTable, in, service.Options{})
					if errors.Is(err, command.ErrVersionConflict) {
						continue
					}
					errs <- err
					break
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	rt.Orchestrator.Wait()

	total := 1 + publishers*perPublisher
	head, err := rt.Store.HeadVersion(ctx, testTable, entity)
	require.NoError(t, err)
	assert.Equal(t, total, head)

	for v := 1; v <= total; v++ {
		rec, err := rt.Service.GetCommand(ctx, testTable, entity, v)
		require.NoError(t, err, "version %d", v)
		assert.Equal(t, command.StatusFinished, rec.Status, "version %d", v)
	}

	want := make([]int, total)
	for i := range want {
		want[i] = i + 1
	}
	assert.Equal(t, want, handler.versions(), "handlers must see every version once, in order")
	assert.Equal(t, int32(1), peak.Load(), "at most one handler call in flight per entity")

	latest, err := rt.Service.GetLatest(ctx, testTable, entity)
	require.NoError(t, err)
	assert.Equal(t, head, latest.Version)
}

func TestScenario_StalePublishConflicts(t *testing.T) {
	ctx := context.Background()
	rt := newTestRuntime(t, pipeline.Hooks{}, synchandler.NewLogHandler(nil))
	colours := []string{"a", "b", "c", "d", "e"}
	for i, c := range colours {
		_, err := rt.Service.Publish(ctx, testTable, publish(i+1, c), syncOpts)
		require.NoError(t, err)
	}

	_, err := rt.Service.Publish(ctx, testTable, publish(2, "stale"), syncOpts)
	var conflict *command.VersionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 5, conflict.Current)

	head, err := rt.Store.HeadVersion(ctx, testTable, entity)
	require.NoError(t, err)
	assert.Equal(t, 5, head)
	_, err = rt.Service.GetCommand(ctx, testTable, entity, 6)
	assert.ErrorIs(t, err, command.ErrNotFound)
}

func TestScenario_AllHandlersRunOnceBeforeFinish(t *testing.T) {
	ctx := context.Background()
	var rt *Runtime
	var statusAtSync sync.Map
	check := func(name string) func(*command.DataRecord) error {
		return func(data *command.DataRecord) error {
			rec, err := rt.Store.GetCommand(ctx, testTable, data.Key(), data.Version)
			if err != nil {
				return err
			}
			statusAtSync.Store(name, rec.Status)
			return nil
		}
	}
	a := &recordingHandler{name: "a"}
	b := &recordingHandler{name: "b"}
	a.before = check("a")
	b.before = check("b")
	rt = newTestRuntime(t, pipeline.Hooks{}, a, b)

	_, err := rt.Service.Publish(ctx, testTable, publish(1, "red"), syncOpts)
	require.NoError(t, err)

	require.Len(t, a.calls, 1)
	require.Len(t, b.calls, 1)
	assert.Equal(t, a.calls[0], b.calls[0])
	assert.Equal(t, entity.SK, a.calls[0].SK)

	for _, name := range []string{"a", "b"} {
		status, ok := statusAtSync.Load(name)
		require.True(t, ok)
		assert.Equal(t, command.NewStatus(string(pipeline.StateSyncDataAll), command.PhaseStarted), status)
	}
}

func TestScenario_HandlerRetryAbsorbsFailures(t *testing.T) {
	ctx := context.Background()
	var attempts atomic.Int32
	flaky := &recordingHandler{name: "a", before: func(*command.DataRecord) error {
		if attempts.Add(1) <= 2 {
			return errors.New("transient")
		}
		return nil
	}}
	rt := newTestRuntime(t, pipeline.Hooks{}, flaky)

	rec, err := rt.Service.Publish(ctx, testTable, publish(1, "red"), syncOpts)
	require.NoError(t, err)
	assert.Equal(t, command.StatusFinished, rec.Status)
	assert.EqualValues(t, 3, attempts.Load())
}

func TestScenario_FailureResolvesWaiter(t *testing.T) {
	ctx := context.Background()
	var inject atomic.Bool
	inject.Store(true)
	rt := newTestRuntime(t, pipeline.Hooks{
		BeforeState: func(_ context.Context, state pipeline.State, in pipeline.Input) error {
			if inject.Load() && state == pipeline.StateHistoryCopy && in.Version == 2 {
				return errors.New("injected history failure")
			}
			return nil
		},
	}, synchandler.NewLogHandler(nil))

	_, err := rt.Service.Publish(ctx, testTable, publish(1, "red"), syncOpts)
	require.NoError(t, err)
	_, err = rt.Service.Publish(ctx, testTable, publish(2, "green"), service.Options{})
	require.NoError(t, err)

	_, err = rt.Service.Publish(ctx, testTable, publish(3, "blue"), syncOpts)
	var failed *service.PipelineFailedError
	require.ErrorAs(t, err, &failed, "version 3 must be released with a failure, not left waiting")
	assert.Equal(t, 3, failed.Version)

	rec2, err := rt.Service.GetCommand(ctx, testTable, entity, 2)
	require.NoError(t, err)
	assert.Equal(t, command.StatusFailed, rec2.Status)
	assert.Equal(t, string(pipeline.StateHistoryCopy), rec2.FailedStage)

	latest, err := rt.Service.GetLatest(ctx, testTable, entity)
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Version)

	// Once the cause is fixed the chain is recovered by redriving in order.
	inject.Store(false)
	_, err = rt.Service.Redrive(ctx, testTable, entity, 2, syncOpts)
	require.NoError(t, err)
	_, err = rt.Service.Redrive(ctx, testTable, entity, 3, syncOpts)
	require.NoError(t, err)

	latest, err = rt.Service.GetLatest(ctx, testTable, entity)
	require.NoError(t, err)
	assert.Equal(t, 3, latest.Version)
}

func TestRuntime_WatchdogUnsticksChain(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.WatchdogThreshold = -time.Second
	reg := synchandler.NewRegistry(synchandler.DefaultPolicy(), nil)
	rt := NewRuntime(cfg, reg, RuntimeOptions{})
	t.Cleanup(rt.Close)

	// Version 1 is recorded but its pipeline never runs.
	require.NoError(t, rt.Store.AppendCommand(ctx, testTable, &command.CommandRecord{
		Entity: command.Entity{PK: entity.PK, SK: entity.CommandSK(1), Version: 1},
		Status: command.StatusAccepted,
	}))
	_, err := rt.Service.Publish(ctx, testTable, publish(2, "green"), service.Options{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := rt.Service.GetCommand(ctx, testTable, entity, 2)
		return err == nil && rec.TaskToken != ""
	}, 5*time.Second, 5*time.Millisecond)

	n, err := rt.Watchdog.Sweep(ctx, testTable)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Eventually(t, func() bool {
		rec, err := rt.Service.GetCommand(ctx, testTable, entity, 2)
		return err == nil && rec.Status == command.StatusFailed
	}, 5*time.Second, 5*time.Millisecond)
	rec, _ := rt.Service.GetCommand(ctx, testTable, entity, 2)
	assert.Contains(t, rec.FailureReason, pipeline.ErrorOrchestrationTimeout)
}

func TestHandlers_RegistryDefaultsToLog(t *testing.T) {
	cfg := testConfig()
	cfg.Tables = []string{"orders", "invoices"}
	h := NewHandlers(cfg, nil, nil)
	defer h.Close()

	reg, err := h.Registry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"invoices", "orders"}, reg.Tables())
	handler, err := reg.Handler("orders", "log")
	require.NoError(t, err)
	assert.Equal(t, "log", handler.Name())
}

func TestHandlers_RegistryFromFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/handlers.yaml"
	require.NoError(t, os.WriteFile(path, []byte("tables:\n  orders:\n    handlers: [log, sqlite]\n    skipError: true\n"), 0o600))

	cfg := testConfig()
	cfg.HandlerConfigPath = path
	cfg.SQLitePath = dir + "/projection.db"
	h := NewHandlers(cfg, nil, nil)
	defer h.Close()

	reg, err := h.Registry(context.Background())
	require.NoError(t, err)
	assert.Len(t, reg.Handlers("orders"), 2)
	assert.True(t, reg.Policy("orders").SkipError)

	cfg.HandlerConfigPath = dir + "/missing.yaml"
	_, err = h.Registry(context.Background())
	assert.Error(t, err)
}
