package notification

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/jarrod-lowe/cqrs-command-log/internal/command"
)

// mockSQSSender implements SQSSender for testing.
type mockSQSSender struct {
	sendFunc func(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

func (m *mockSQSSender) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if m.sendFunc != nil {
		return m.sendFunc(ctx, params, optFns...)
	}
	return &sqs.SendMessageOutput{}, nil
}

// mockSNSClient implements SNSClient for testing.
type mockSNSClient struct {
	publishFunc func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

func (m *mockSNSClient) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	if m.publishFunc != nil {
		return m.publishFunc(ctx, params, optFns...)
	}
	return &sns.PublishOutput{}, nil
}

func testRecord() *command.CommandRecord {
	return &command.CommandRecord{
		Entity: command.Entity{
			PK:         "TENANT#acme",
			SK:         "ITEM#001@2",
			ID:         "TENANT#acme#ITEM#001",
			TenantCode: "acme",
			Version:    2,
		},
		Source: "api",
	}
}

func TestNewMessage_WireFormat(t *testing.T) {
	msg := NewMessage("orders", testRecord(), command.NewStatus("sync_data_all", command.PhaseFailed), &command.Failure{Stage: "sync_data_all", Reason: "handler down"})

	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"action":"command-status","pk":"TENANT#acme","sk":"ITEM#001@2","table":"orders","tenantCode":"acme","id":"TENANT#acme#ITEM#001","content":{"status":"sync_data_all:FAILED","source":"api","stage":"sync_data_all","error":"handler down"}}`
	if string(body) != want {
		t.Errorf("body =\n%s\nwant\n%s", body, want)
	}
	if msg.Version() != 2 {
		t.Errorf("Version() = %d, want 2", msg.Version())
	}
}

func TestNewMessage_OmitsEmptyDetail(t *testing.T) {
	msg := NewMessage("orders", testRecord(), command.StatusFinished, nil)
	body, _ := json.Marshal(msg.Content)
	if string(body) != `{"status":"finish:FINISHED","source":"api"}` {
		t.Errorf("content = %s", body)
	}
	if !msg.IsTerminal() {
		t.Error("finished message should be terminal")
	}
}

func TestSQSPublisher_Publish(t *testing.T) {
	var capturedBody, capturedURL string
	mock := &mockSQSSender{
		sendFunc: func(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
			capturedBody = *params.MessageBody
			capturedURL = *params.QueueUrl
			return &sqs.SendMessageOutput{}, nil
		},
	}

	pub := NewSQSPublisher(mock, "https://sqs.example.com/queue")
	if err := pub.Publish(context.Background(), NewMessage("orders", testRecord(), command.StatusAccepted, nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if capturedURL != "https://sqs.example.com/queue" {
		t.Errorf("QueueUrl = %q", capturedURL)
	}
	var msg Message
	if err := json.Unmarshal([]byte(capturedBody), &msg); err != nil {
		t.Fatalf("failed to parse message body: %v", err)
	}
	if msg.Content.Status != "command:ACCEPTED" {
		t.Errorf("status = %q", msg.Content.Status)
	}
}

func TestSQSPublisher_Publish_Error(t *testing.T) {
	mock := &mockSQSSender{
		sendFunc: func(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
			return nil, errors.New("sqs unavailable")
		},
	}

	pub := NewSQSPublisher(mock, "https://sqs.example.com/queue")
	if err := pub.Publish(context.Background(), Message{}); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestSNSPublisher_Publish(t *testing.T) {
	var captured *sns.PublishInput
	mock := &mockSNSClient{
		publishFunc: func(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
			captured = params
			return &sns.PublishOutput{}, nil
		},
	}

	pub := NewSNSPublisher(mock, "arn:aws:sns:ap-southeast-2:123456789012:status")
	if err := pub.Publish(context.Background(), NewMessage("orders", testRecord(), command.StatusFinished, nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if *captured.TopicArn != "arn:aws:sns:ap-southeast-2:123456789012:status" {
		t.Errorf("TopicArn = %q", *captured.TopicArn)
	}
	if got := *captured.MessageAttributes["status"].StringValue; got != "finish:FINISHED" {
		t.Errorf("status attribute = %q", got)
	}
	if got := *captured.MessageAttributes["action"].StringValue; got != ActionCommandStatus {
		t.Errorf("action attribute = %q", got)
	}
}

type recordingPublisher struct {
	messages []Message
	err      error
}

func (r *recordingPublisher) Publish(_ context.Context, msg Message) error {
	r.messages = append(r.messages, msg)
	return r.err
}

func TestMultiPublisher(t *testing.T) {
	ok := &recordingPublisher{}
	failing := &recordingPublisher{err: errors.New("down")}

	err := MultiPublisher{failing, ok}.Publish(context.Background(), Message{Action: ActionCommandStatus})
	if err == nil {
		t.Fatal("expected joined error")
	}
	if len(ok.messages) != 1 {
		t.Errorf("healthy publisher got %d messages, want 1", len(ok.messages))
	}
}

func TestEmitter_StatusIsBestEffort(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("down")}
	e := NewEmitter(pub, nil)

	e.Status(context.Background(), "orders", testRecord(), command.NewStatus("history_copy", command.PhaseStarted))
	if len(pub.messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(pub.messages))
	}
}

func TestEmitter_TerminalReturnsError(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("down")}
	e := NewEmitter(pub, nil)

	if err := e.Terminal(context.Background(), "orders", testRecord(), command.StatusFailed, &command.Failure{Stage: "history_copy", Reason: "boom"}); err == nil {
		t.Fatal("expected error, got nil")
	}
	if pub.messages[0].Content.Error != "boom" || pub.messages[0].Content.Stage != "history_copy" {
		t.Errorf("content = %+v", pub.messages[0].Content)
	}
}
