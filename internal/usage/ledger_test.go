package usage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"monsaas/internal/types"
)

// --- Mock Clock ---

type mockClock struct {
	now time.Time
}

func (c *mockClock) Now() time.Time { return c.now }

func newTestLedger(t *testing.T) (*Ledger, *MemoryStore, *mockClock) {
	t.Helper()
	store := NewMemoryStore()
	clock := &mockClock{now: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)}
	return NewLedger(store, clock, nil), store, clock
}

const day = 24 * time.Hour

func TestTryCommit_SequentialAccumulation(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()

	// N sequential commits of cost c each must report consumed = N*c.
	const cost, limit, n = 2, 100, 7
	for i := 1; i <= n; i++ {
		total, err := ledger.TryCommit(ctx, "u1", types.ToolChatMessage, cost, limit, day)
		require.NoError(t, err)
		assert.Equal(t, i*cost, total)
	}

	rec, err := ledger.CurrentUsage(ctx, "u1", types.ToolChatMessage, day)
	require.NoError(t, err)
	assert.Equal(t, n*cost, rec.Consumed)
}

func TestTryCommit_DeniesAtLimitWithoutMutation(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()

	const limit = 5
	for i := 0; i < limit; i++ {
		_, err := ledger.TryCommit(ctx, "u1", types.ToolImageGeneration, 1, limit, day)
		require.NoError(t, err)
	}

	total, err := ledger.TryCommit(ctx, "u1", types.ToolImageGeneration, 1, limit, day)
	require.Error(t, err)
	assert.Equal(t, limit, total)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeQuotaExceeded, appErr.Code)

	// The denied commit must not have mutated state.
	rec, err := ledger.CurrentUsage(ctx, "u1", types.ToolImageGeneration, day)
	require.NoError(t, err)
	assert.Equal(t, limit, rec.Consumed)
}

func TestTryCommit_ZeroLimitIsUnlimited(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()

	for i := 1; i <= 1000; i++ {
		total, err := ledger.TryCommit(ctx, "ent", types.ToolVideoGeneration, 5, 0, day)
		require.NoError(t, err)
		assert.Equal(t, i*5, total)
	}
}

func TestTryCommit_CostLargerThanRemaining(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()

	// limit 10, consumed 8: a cost-5 commit must be denied even though
	// the counter is below the limit.
	_, err := ledger.TryCommit(ctx, "u1", types.ToolAgentInvocation, 8, 10, day)
	require.NoError(t, err)

	total, err := ledger.TryCommit(ctx, "u1", types.ToolAgentInvocation, 5, 10, day)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeQuotaExceeded))
	assert.Equal(t, 8, total)
}

func TestCurrentUsage_CreatesZeroRecordWithoutPersisting(t *testing.T) {
	ledger, store, clock := newTestLedger(t)
	ctx := context.Background()

	rec, err := ledger.CurrentUsage(ctx, "newuser", types.ToolChatMessage, day)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Consumed)
	assert.Equal(t, clock.now.Truncate(day), rec.PeriodStart)

	// Read-only: nothing was written to the store.
	assert.Equal(t, 0, store.Len())
}

func TestCurrentUsage_Idempotent(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.TryCommit(ctx, "u1", types.ToolChatMessage, 3, 50, day)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		rec, err := ledger.CurrentUsage(ctx, "u1", types.ToolChatMessage, day)
		require.NoError(t, err)
		assert.Equal(t, 3, rec.Consumed)
	}
}

func TestRollover_ResetsOncePerBoundary(t *testing.T) {
	ledger, _, clock := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.TryCommit(ctx, "u1", types.ToolImageGeneration, 4, 5, day)
	require.NoError(t, err)

	// Advance past the period boundary: the view resets to zero.
	clock.now = clock.now.Add(day)
	rec, err := ledger.CurrentUsage(ctx, "u1", types.ToolImageGeneration, day)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Consumed)
	assert.Equal(t, clock.now.Truncate(day), rec.PeriodStart)

	// A commit immediately after rollover succeeds with a fresh counter.
	total, err := ledger.TryCommit(ctx, "u1", types.ToolImageGeneration, 1, 5, day)
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	// Reading again within the same period must not reset a second time.
	rec, err = ledger.CurrentUsage(ctx, "u1", types.ToolImageGeneration, day)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Consumed)
}

func TestRollover_SkipsMultipleElapsedPeriods(t *testing.T) {
	ledger, _, clock := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.TryCommit(ctx, "u1", types.ToolChatMessage, 10, 50, day)
	require.NoError(t, err)

	// Three full periods elapse while the user is away; the record lands
	// in the current period, not an intermediate one.
	clock.now = clock.now.Add(3*day + 2*time.Hour)
	rec, err := ledger.CurrentUsage(ctx, "u1", types.ToolChatMessage, day)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Consumed)
	assert.Equal(t, clock.now.Truncate(day), rec.PeriodStart)
}

func TestTryCommit_RetriesOnVersionConflict(t *testing.T) {
	store := &conflictOnceStore{Store: NewMemoryStore()}
	clock := &mockClock{now: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)}
	ledger := NewLedger(store, clock, nil)
	ctx := context.Background()

	total, err := ledger.TryCommit(ctx, "u1", types.ToolChatMessage, 1, 10, day)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, 2, store.putCalls)
}

func TestTryCommit_SurfacesRepeatedConflict(t *testing.T) {
	store := &alwaysConflictStore{}
	ledger := NewLedger(store, &mockClock{now: time.Now().UTC()}, nil)

	_, err := ledger.TryCommit(context.Background(), "u1", types.ToolChatMessage, 1, 10, day)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeConflictConcurrent))
}

// --- Store test doubles ---

// conflictOnceStore fails the first Put with a version conflict to
// simulate another instance winning the race, then delegates.
type conflictOnceStore struct {
	Store
	putCalls int
}

func (s *conflictOnceStore) Put(ctx context.Context, rec *types.UsageRecord, expectedVersion int64) error {
	s.putCalls++
	if s.putCalls == 1 {
		return types.NewAppError(types.ErrCodeConflictConcurrent, "simulated conflict", nil)
	}
	return s.Store.Put(ctx, rec, expectedVersion)
}

type alwaysConflictStore struct{}

func (s *alwaysConflictStore) Get(context.Context, string, types.ToolType) (*types.UsageRecord, error) {
	return nil, nil
}

func (s *alwaysConflictStore) Put(context.Context, *types.UsageRecord, int64) error {
	return types.NewAppError(types.ErrCodeConflictConcurrent, "simulated conflict", nil)
}
