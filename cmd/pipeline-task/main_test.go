package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"reflect"
	"testing"

	"github.com/jarrod-lowe/cqrs-command-log/internal/command"
	"github.com/jarrod-lowe/cqrs-command-log/internal/gate"
	"github.com/jarrod-lowe/cqrs-command-log/internal/pipeline"
	"github.com/jarrod-lowe/cqrs-command-log/internal/synchandler"
)

// mockStages implements Stages for testing.
type mockStages struct {
	checkVersionFunc    func(ctx context.Context, in pipeline.Input) (pipeline.CheckResult, error)
	waitPrevCommandFunc func(ctx context.Context, in pipeline.Input, token string) error
	transformDataFunc   func(ctx context.Context, in pipeline.Input) (*command.DataRecord, error)
	syncDataAllFunc     func(ctx context.Context, in pipeline.Input, data *command.DataRecord) error
	failFunc            func(ctx context.Context, in pipeline.Input, failure command.Failure) error
	called              []pipeline.State
}

func (m *mockStages) CheckVersion(ctx context.Context, in pipeline.Input) (pipeline.CheckResult, error) {
	m.called = append(m.called, pipeline.StateCheckVersion)
	if m.checkVersionFunc != nil {
		return m.checkVersionFunc(ctx, in)
	}
	return pipeline.CheckResult{Branch: pipeline.BranchContinue}, nil
}

func (m *mockStages) WaitPrevCommand(ctx context.Context, in pipeline.Input, token string) error {
	m.called = append(m.called, pipeline.StateWaitPrevCommand)
	if m.waitPrevCommandFunc != nil {
		return m.waitPrevCommandFunc(ctx, in, token)
	}
	return nil
}

func (m *mockStages) SetTTLCommand(ctx context.Context, in pipeline.Input) error {
	m.called = append(m.called, pipeline.StateSetTTLCommand)
	return nil
}

func (m *mockStages) HistoryCopy(ctx context.Context, in pipeline.Input) error {
	m.called = append(m.called, pipeline.StateHistoryCopy)
	return nil
}

func (m *mockStages) TransformData(ctx context.Context, in pipeline.Input) (*command.DataRecord, error) {
	m.called = append(m.called, pipeline.StateTransformData)
	if m.transformDataFunc != nil {
		return m.transformDataFunc(ctx, in)
	}
	return nil, nil
}

func (m *mockStages) SyncDataAll(ctx context.Context, in pipeline.Input, data *command.DataRecord) error {
	m.called = append(m.called, pipeline.StateSyncDataAll)
	if m.syncDataAllFunc != nil {
		return m.syncDataAllFunc(ctx, in, data)
	}
	return nil
}

func (m *mockStages) Finish(ctx context.Context, in pipeline.Input, data *command.DataRecord) error {
	m.called = append(m.called, pipeline.StateFinish)
	return nil
}

func (m *mockStages) Fail(ctx context.Context, in pipeline.Input, failure command.Failure) error {
	m.called = append(m.called, pipeline.StateFail)
	if m.failFunc != nil {
		return m.failFunc(ctx, in, failure)
	}
	return nil
}

var testInput = pipeline.Input{Table: "orders", PK: "TENANT#acme", SK: "ITEM#001", Version: 2}

func TestHandler_CheckVersionReturnsBranch(t *testing.T) {
	stages := &mockStages{
		checkVersionFunc: func(ctx context.Context, in pipeline.Input) (pipeline.CheckResult, error) {
			return pipeline.CheckResult{Branch: pipeline.BranchFail, Reason: "stale"}, nil
		},
	}
	h := newHandler(stages)

	resp, err := h.handle(context.Background(), Request{State: pipeline.StateCheckVersion, Input: testInput})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Next != pipeline.BranchFail || resp.Reason != "stale" {
		t.Errorf("response = %+v, want fail/stale", resp)
	}
	if resp.Input != testInput {
		t.Errorf("input not carried forward: %+v", resp.Input)
	}
}

func TestHandler_WaitRequiresToken(t *testing.T) {
	h := newHandler(&mockStages{})

	_, err := h.handle(context.Background(), Request{State: pipeline.StateWaitPrevCommand, Input: testInput})
	if err == nil {
		t.Fatal("expected error for missing task token")
	}

	var token string
	stages := &mockStages{
		waitPrevCommandFunc: func(ctx context.Context, in pipeline.Input, tok string) error {
			token = tok
			return nil
		},
	}
	h = newHandler(stages)
	if _, err := h.handle(context.Background(), Request{State: pipeline.StateWaitPrevCommand, Input: testInput, TaskToken: "tok"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "tok" {
		t.Errorf("token = %q, want tok", token)
	}
}

func TestHandler_DataFlowsThroughSync(t *testing.T) {
	data := &command.DataRecord{Entity: command.Entity{PK: "TENANT#acme", SK: "ITEM#001", Version: 2}}
	var synced *command.DataRecord
	stages := &mockStages{
		transformDataFunc: func(ctx context.Context, in pipeline.Input) (*command.DataRecord, error) {
			return data, nil
		},
		syncDataAllFunc: func(ctx context.Context, in pipeline.Input, d *command.DataRecord) error {
			synced = d
			return nil
		},
	}
	h := newHandler(stages)

	resp, err := h.handle(context.Background(), Request{State: pipeline.StateTransformData, Input: testInput})
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	if resp.Data != data {
		t.Fatal("transform_data must return the projection")
	}

	resp, err = h.handle(context.Background(), Request{State: pipeline.StateSyncDataAll, Input: testInput, Data: resp.Data})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if synced != data || resp.Data != data {
		t.Error("sync_data_all must receive and carry forward the projection")
	}
}

func TestHandler_HandlerFailureKeepsErrorType(t *testing.T) {
	failure := &synchandler.HandlerFailureError{Table: "orders", Handler: "postgres", Err: errors.New("down")}
	stages := &mockStages{
		syncDataAllFunc: func(ctx context.Context, in pipeline.Input, d *command.DataRecord) error {
			return failure
		},
	}
	h := newHandler(stages)

	_, err := h.handle(context.Background(), Request{State: pipeline.StateSyncDataAll, Input: testInput})
	if err != failure {
		t.Fatalf("err = %v, want the handler failure itself", err)
	}
	if name := reflect.TypeOf(err).Elem().Name(); name != "HandlerFailureError" {
		t.Errorf("error type = %q, want HandlerFailureError", name)
	}
}

func TestHandler_FailBuildsFailure(t *testing.T) {
	var got command.Failure
	stages := &mockStages{
		failFunc: func(ctx context.Context, in pipeline.Input, failure command.Failure) error {
			got = failure
			return nil
		},
	}
	h := newHandler(stages)

	_, err := h.handle(context.Background(), Request{
		State: pipeline.StateFail,
		Input: testInput,
		Stage: string(pipeline.StateHistoryCopy),
		Error: &TaskError{Error: "States.Timeout", Cause: "task timed out"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := command.Failure{Stage: "history_copy", Reason: "States.Timeout: task timed out"}
	if got != want {
		t.Errorf("failure = %+v, want %+v", got, want)
	}
}

func TestHandler_UnknownState(t *testing.T) {
	h := newHandler(&mockStages{})
	_, err := h.handle(context.Background(), Request{State: "bogus", Input: testInput})
	if !errors.Is(err, ErrUnknownState) {
		t.Errorf("err = %v, want ErrUnknownState", err)
	}
}

func TestRequest_DecodesStateMachinePayload(t *testing.T) {
	payload := `{"state":"fail","input":{"table":"orders","pk":"TENANT#acme","sk":"ITEM#001","version":2},` +
		`"stage":"sync_data_all","error":{"Error":"HandlerFailureError","Cause":"{\"errorMessage\":\"boom\"}"}}`

	var req Request
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.State != pipeline.StateFail || req.Input != testInput {
		t.Errorf("request = %+v", req)
	}
	if req.Error == nil || req.Error.Error != "HandlerFailureError" {
		t.Errorf("error = %+v", req.Error)
	}
}

// noopResolver accepts every wait result.
type noopResolver struct{}

func (noopResolver) ResolveWaitToken(context.Context, string, gate.WaitResult) error { return nil }

func TestHandler_RunsStatesAgainstPipeline(t *testing.T) {
	ctx := context.Background()
	store := command.NewMemoryRepository()
	in := pipeline.Input{Table: "orders", PK: "TENANT#acme", SK: "ITEM#001", Version: 1}
	err := store.AppendCommand(ctx, "orders", &command.CommandRecord{
		Entity: command.Entity{PK: in.PK, SK: in.Key().CommandSK(1), Version: 1, Name: "Widget"},
		Status: command.StatusAccepted,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	registry := synchandler.NewRegistry(synchandler.DefaultPolicy(), slog.Default())
	if err := registry.Register("orders", synchandler.NewLogHandler(slog.Default())); err != nil {
		t.Fatalf("register: %v", err)
	}
	p := pipeline.New(pipeline.Deps{
		Store:    store,
		Gate:     gate.New(store, noopResolver{}, nil),
		Resolver: noopResolver{},
		Syncer:   registry,
	})
	h := newHandler(p)

	resp, err := h.handle(ctx, Request{State: pipeline.StateCheckVersion, Input: in})
	if err != nil || resp.Next != pipeline.BranchContinue {
		t.Fatalf("check_version = %+v, %v", resp, err)
	}
	var data *command.DataRecord
	for _, s := range []pipeline.State{
		pipeline.StateSetTTLCommand,
		pipeline.StateHistoryCopy,
		pipeline.StateTransformData,
		pipeline.StateSyncDataAll,
		pipeline.StateFinish,
	} {
		resp, err = h.handle(ctx, Request{State: s, Input: in, Data: data})
		if err != nil {
			t.Fatalf("%s: %v", s, err)
		}
		data = resp.Data
	}

	got, err := store.GetData(ctx, "orders", in.Key())
	if err != nil {
		t.Fatalf("GetData: %v", err)
	}
	if got.Version != 1 || got.Name != "Widget" {
		t.Errorf("projection = %+v", got)
	}
	rec, _ := store.GetCommand(ctx, "orders", in.Key(), 1)
	if rec.Status != command.StatusFinished {
		t.Errorf("status = %q, want %q", rec.Status, command.StatusFinished)
	}
}
