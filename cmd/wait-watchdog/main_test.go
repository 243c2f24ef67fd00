package main

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-lambda-go/events"
)

// mockSweeper implements Sweeper for testing.
type mockSweeper struct {
	sweepFunc func(ctx context.Context, table string) (int, error)
	swept     []string
}

func (m *mockSweeper) Sweep(ctx context.Context, table string) (int, error) {
	m.swept = append(m.swept, table)
	if m.sweepFunc != nil {
		return m.sweepFunc(ctx, table)
	}
	return 0, nil
}

func TestHandler_SweepsEveryTable(t *testing.T) {
	sweeper := &mockSweeper{}
	h := newHandler(sweeper, []string{"orders", "invoices"})

	if err := h.handle(context.Background(), events.CloudWatchEvent{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sweeper.swept) != 2 || sweeper.swept[0] != "orders" || sweeper.swept[1] != "invoices" {
		t.Errorf("swept = %v, want [orders invoices]", sweeper.swept)
	}
}

func TestHandler_ContinuesAfterFailedTable(t *testing.T) {
	boom := errors.New("throttled")
	sweeper := &mockSweeper{
		sweepFunc: func(ctx context.Context, table string) (int, error) {
			if table == "orders" {
				return 0, boom
			}
			return 1, nil
		},
	}
	h := newHandler(sweeper, []string{"orders", "invoices"})

	err := h.handle(context.Background(), events.CloudWatchEvent{})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if len(sweeper.swept) != 2 {
		t.Errorf("swept = %v, want both tables", sweeper.swept)
	}
}
