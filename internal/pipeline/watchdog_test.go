package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jarrod-lowe/cqrs-command-log/internal/command"
	"github.com/jarrod-lowe/cqrs-command-log/internal/notification"
)

func TestWatchdog_Sweep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, Hooks{})
	f.append(t, 1, "red")
	in2 := f.append(t, 2, "blue")
	require.NoError(t, f.pipeline.WaitPrevCommand(ctx, in2, "tok-2"))

	w := NewWatchdog(f.repo, f.resolver, notification.NewEmitter(f.publisher, nil), nil, 2*time.Hour)

	n, err := w.Sweep(ctx, testTable)
	require.NoError(t, err)
	assert.Zero(t, n, "a fresh waiter is left alone")

	w.now = func() time.Time { return time.Now().Add(3 * time.Hour) }
	n, err = w.Sweep(ctx, testTable)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, ok := f.resolver.result("tok-2")
	require.True(t, ok)
	assert.False(t, res.Success)
	assert.Equal(t, ErrorOrchestrationTimeout, res.Error)
	assert.Empty(t, f.command(t, 2).TaskToken)
	assert.Contains(t, f.publisher.statuses(2), string(StatusWaitTimeout))

	n, err = w.Sweep(ctx, testTable)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// releasingStore releases every waiter right after it is listed, as a
// predecessor finishing between the scan and the take would.
type releasingStore struct {
	*command.MemoryRepository
}

func (s releasingStore) ListWaiting(ctx context.Context, table string, before time.Time) ([]*command.CommandRecord, error) {
	waiting, err := s.MemoryRepository.ListWaiting(ctx, table, before)
	if err != nil {
		return nil, err
	}
	for _, rec := range waiting {
		if _, err := s.TakeWaitToken(ctx, table, rec.Key(), rec.Version); err != nil {
			return nil, err
		}
	}
	return waiting, nil
}

func TestWatchdog_SweepSkipsWaiterReleasedSinceScan(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, Hooks{})
	f.append(t, 1, "red")
	in2 := f.append(t, 2, "blue")
	require.NoError(t, f.pipeline.WaitPrevCommand(ctx, in2, "tok-2"))

	w := NewWatchdog(releasingStore{f.repo}, f.resolver, notification.NewEmitter(f.publisher, nil), nil, 2*time.Hour)
	w.now = func() time.Time { return time.Now().Add(3 * time.Hour) }

	n, err := w.Sweep(ctx, testTable)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, resolved := f.resolver.result("tok-2")
	assert.False(t, resolved)
	assert.NotContains(t, f.publisher.statuses(2), string(StatusWaitTimeout))
}
