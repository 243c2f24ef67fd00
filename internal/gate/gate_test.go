package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jarrod-lowe/cqrs-command-log/internal/command"
)

type mockResolver struct {
	mock.Mock
}

func (m *mockResolver) ResolveWaitToken(ctx context.Context, token string, result WaitResult) error {
	args := m.Called(ctx, token, result)
	return args.Error(0)
}

// settledStore makes RegisterWaitToken report a settled predecessor, as if
// the previous version finished between Check and Suspend.
type settledStore struct {
	*command.MemoryRepository
	onRegister func()
}

func (s *settledStore) RegisterWaitToken(ctx context.Context, table string, key command.Key, version int, token string) error {
	if s.onRegister != nil {
		s.onRegister()
	}
	return s.MemoryRepository.RegisterWaitToken(ctx, table, key, version, token)
}

var testKey = command.Key{PK: "TENANT#acme", SK: "ITEM#001"}

func appendVersions(t *testing.T, repo *command.MemoryRepository, n int) {
	t.Helper()
	for v := 1; v <= n; v++ {
		err := repo.AppendCommand(context.Background(), "orders", &command.CommandRecord{
			Entity: command.Entity{PK: testKey.PK, SK: testKey.CommandSK(v), Version: v},
			Status: command.StatusAccepted,
		})
		require.NoError(t, err)
	}
}

func project(t *testing.T, repo *command.MemoryRepository, v int) {
	t.Helper()
	rec, err := repo.GetCommand(context.Background(), "orders", testKey, v)
	require.NoError(t, err)
	require.NoError(t, repo.PutData(context.Background(), "orders", rec.ToData()))
	require.NoError(t, repo.UpdateCommandStatus(context.Background(), "orders", testKey, v, command.StatusFinished, nil))
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name       string
		versions   int
		projected  int
		prevStatus command.Status
		check      int
		want       Decision
		wantReason error
	}{
		{name: "first version", versions: 1, check: 1, want: Admit},
		{name: "next after projection", versions: 3, projected: 2, check: 3, want: Admit},
		{name: "stale", versions: 3, projected: 3, check: 2, want: Reject, wantReason: ErrStaleVersion},
		{name: "replayed current", versions: 3, projected: 3, check: 3, want: Reject, wantReason: ErrStaleVersion},
		{name: "predecessor in flight", versions: 3, projected: 1, check: 3, want: Wait},
		{name: "predecessor failed", versions: 3, projected: 1, prevStatus: command.StatusFailed, check: 3, want: Reject, wantReason: ErrPredecessorFailed},
		{name: "predecessor finished", versions: 3, projected: 1, prevStatus: command.StatusFinished, check: 3, want: Admit},
		{name: "predecessor missing", versions: 1, check: 3, want: Reject, wantReason: ErrPredecessorMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			repo := command.NewMemoryRepository()
			appendVersions(t, repo, tt.versions)
			if tt.projected > 0 {
				project(t, repo, tt.projected)
			}
			if tt.prevStatus != "" {
				require.NoError(t, repo.UpdateCommandStatus(ctx, "orders", testKey, tt.check-1, tt.prevStatus, nil))
			}

			g := New(repo, &mockResolver{}, nil)
			res, err := g.Check(ctx, "orders", testKey, tt.check)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Decision)
			if tt.wantReason != nil {
				assert.ErrorIs(t, res.Reason, tt.wantReason)
			} else {
				assert.NoError(t, res.Reason)
			}
		})
	}
}

func TestSuspend_StoresToken(t *testing.T) {
	ctx := context.Background()
	repo := command.NewMemoryRepository()
	appendVersions(t, repo, 3)
	project(t, repo, 1)

	g := New(repo, &mockResolver{}, nil)
	res, err := g.Suspend(ctx, "orders", testKey, 3, "tok-3")
	require.NoError(t, err)
	assert.Equal(t, Wait, res.Decision)

	rec, err := repo.GetCommand(ctx, "orders", testKey, 3)
	require.NoError(t, err)
	assert.Equal(t, "tok-3", rec.TaskToken)
}

func TestSuspend_PredecessorSettledConcurrently(t *testing.T) {
	ctx := context.Background()
	repo := command.NewMemoryRepository()
	appendVersions(t, repo, 3)
	project(t, repo, 1)

	store := &settledStore{MemoryRepository: repo}
	store.onRegister = func() {
		store.onRegister = nil
		project(t, repo, 2)
	}

	g := New(store, &mockResolver{}, nil)
	res, err := g.Suspend(ctx, "orders", testKey, 3, "tok-3")
	require.NoError(t, err)
	assert.Equal(t, Admit, res.Decision)

	rec, err := repo.GetCommand(ctx, "orders", testKey, 3)
	require.NoError(t, err)
	assert.Empty(t, rec.TaskToken, "token must not be stored when the gate admits")
}

func TestSuspend_PredecessorFailedConcurrently(t *testing.T) {
	ctx := context.Background()
	repo := command.NewMemoryRepository()
	appendVersions(t, repo, 3)
	project(t, repo, 1)
	require.NoError(t, repo.UpdateCommandStatus(ctx, "orders", testKey, 2, command.StatusFailed, &command.Failure{Stage: "sync_data_all", Reason: "boom"}))

	g := New(repo, &mockResolver{}, nil)
	res, err := g.Suspend(ctx, "orders", testKey, 3, "tok-3")
	require.NoError(t, err)
	assert.Equal(t, Reject, res.Decision)
	assert.ErrorIs(t, res.Reason, ErrPredecessorFailed)
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	repo := command.NewMemoryRepository()
	appendVersions(t, repo, 3)
	project(t, repo, 1)
	require.NoError(t, repo.RegisterWaitToken(ctx, "orders", testKey, 3, "tok-3"))

	resolver := &mockResolver{}
	result := WaitResult{Success: true}
	resolver.On("ResolveWaitToken", mock.Anything, "tok-3", result).Return(nil).Once()

	g := New(repo, resolver, nil)
	found, err := g.Release(ctx, "orders", testKey, 2, result)
	require.NoError(t, err)
	assert.True(t, found)

	// The token is consumed exactly once.
	found, err = g.Release(ctx, "orders", testKey, 2, result)
	require.NoError(t, err)
	assert.False(t, found)
	resolver.AssertExpectations(t)
}

func TestRelease_RetriesResolve(t *testing.T) {
	ctx := context.Background()
	repo := command.NewMemoryRepository()
	appendVersions(t, repo, 3)
	project(t, repo, 1)
	require.NoError(t, repo.RegisterWaitToken(ctx, "orders", testKey, 3, "tok-3"))

	result := WaitResult{Success: false, Error: "PipelineFailed", Cause: "boom"}
	resolver := &mockResolver{}
	resolver.On("ResolveWaitToken", mock.Anything, "tok-3", result).Return(errors.New("throttled")).Once()
	resolver.On("ResolveWaitToken", mock.Anything, "tok-3", result).Return(nil).Once()

	g := New(repo, resolver, nil, WithResolveRetry(3, time.Millisecond))
	found, err := g.Release(ctx, "orders", testKey, 2, result)
	require.NoError(t, err)
	assert.True(t, found)
	resolver.AssertNumberOfCalls(t, "ResolveWaitToken", 2)
}

func TestDecision_String(t *testing.T) {
	assert.Equal(t, "admit", Admit.String())
	assert.Equal(t, "wait", Wait.String())
	assert.Equal(t, "reject", Reject.String())
}
