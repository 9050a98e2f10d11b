package entitlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"monsaas/internal/billing"
	"monsaas/internal/lock"
	"monsaas/internal/monitor"
	"monsaas/internal/types"
	"monsaas/internal/usage"
)

func newMemoryLedger(clock types.Clock) Ledger {
	return usage.NewLedger(usage.NewMemoryStore(), clock, nil)
}

// --- Test doubles ---

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingObserver counts observations so tests can assert the
// one-observation-per-call contract.
type recordingObserver struct {
	mu           sync.Mutex
	observations []monitor.Observation
	lockTimeouts int
}

func (o *recordingObserver) Observe(_ context.Context, obs monitor.Observation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observations = append(o.observations, obs)
}

func (o *recordingObserver) RecordLockTimeout(context.Context, string, types.ToolType) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lockTimeouts++
}

func (o *recordingObserver) total() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.observations) + o.lockTimeouts
}

func (o *recordingObserver) denials(reason types.DecisionReason) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, obs := range o.observations {
		if !obs.Decision.Allowed && obs.Decision.Reason == reason {
			n++
		}
	}
	return n
}

type fakeEventRepo struct {
	mu     sync.Mutex
	events []*types.SecurityEvent
}

func (r *fakeEventRepo) Append(_ context.Context, event *types.SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *fakeEventRepo) CountRecentByType(context.Context, string, types.SecurityEventType, time.Time) (int, error) {
	return 0, nil
}

func (r *fakeEventRepo) byType(t types.SecurityEventType) []*types.SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.SecurityEvent
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// failingLedger simulates a persistence outage.
type failingLedger struct{}

func (failingLedger) TryCommit(context.Context, string, types.ToolType, int, int, time.Duration) (int, error) {
	return 0, types.NewAppError(types.ErrCodeInternalDB, "database unreachable", errors.New("dial tcp: connection refused"))
}

func (failingLedger) CurrentUsage(context.Context, string, types.ToolType, time.Duration) (*types.UsageRecord, error) {
	return nil, types.NewAppError(types.ErrCodeInternalDB, "database unreachable", nil)
}

// timeoutOnceGuard fails the first acquisition with a lock timeout,
// then delegates to a real guard.
type timeoutOnceGuard struct {
	inner lock.Guard
	mu    sync.Mutex
	calls int
}

func (g *timeoutOnceGuard) WithExclusive(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	g.mu.Lock()
	g.calls++
	first := g.calls == 1
	g.mu.Unlock()
	if first {
		return types.NewAppError(types.ErrCodeLockTimeout, "timed out waiting for exclusive access", nil)
	}
	return g.inner.WithExclusive(ctx, key, fn)
}

type alwaysTimeoutGuard struct{}

func (alwaysTimeoutGuard) WithExclusive(context.Context, string, func(ctx context.Context) error) error {
	return types.NewAppError(types.ErrCodeLockTimeout, "timed out waiting for exclusive access", nil)
}

// limitCatalog builds a single-tier catalog with one chat limit for
// property tests.
func limitCatalog(limit int) billing.Catalog {
	return billing.NewCatalog(
		map[types.PlanTier]types.PlanDefinition{
			types.PlanFree: {
				Tier:   types.PlanFree,
				Period: 24 * time.Hour,
				Quotas: map[types.ToolType]int{types.ToolChatMessage: limit},
			},
		},
		map[types.ToolType]int{types.ToolChatMessage: 1},
	)
}

func newTestChecker(t *testing.T, catalog billing.Catalog) (*Checker, *recordingObserver, *mockClock) {
	t.Helper()
	return newTestCheckerWithLedger(t, catalog, nil)
}

func newTestCheckerWithLedger(t *testing.T, catalog billing.Catalog, ledger Ledger) (*Checker, *recordingObserver, *mockClock) {
	t.Helper()
	clock := &mockClock{now: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)}
	if ledger == nil {
		ledger = newMemoryLedger(clock)
	}
	obs := &recordingObserver{}
	guard := lock.NewKeyedGuard(time.Second, nil)
	checker := NewChecker(catalog, ledger, guard, obs, nil, WithClock(clock))
	return checker, obs, clock
}

// --- Authorize ---

func TestAuthorize_AllowsAndDebits(t *testing.T) {
	checker, obs, _ := newTestChecker(t, billing.NewStaticCatalog())
	ctx := context.Background()

	d, err := checker.Authorize(ctx, "u1", types.PlanFree, types.ToolChatMessage, RequestMeta{})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.NewTotal)
	assert.Equal(t, types.ReasonAllowed, d.Reason)
	require.Equal(t, 1, obs.total())

	// The observation carries the plan quota so the monitor can measure
	// request rates against the plan allowance.
	got := obs.observations[0]
	assert.Equal(t, 50, got.Limit)
	assert.Equal(t, 24*time.Hour, got.Period)
}

func TestAuthorize_ExpensiveToolDebitsItsCost(t *testing.T) {
	checker, _, _ := newTestChecker(t, billing.NewStaticCatalog())
	ctx := context.Background()

	// Video costs 5 units per use.
	d, err := checker.Authorize(ctx, "u1", types.PlanStarter, types.ToolVideoGeneration, RequestMeta{})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 5, d.NewTotal)
}

func TestAuthorize_FreeTierImageLimit(t *testing.T) {
	// Free plan allows 5 image generations per day: five succeed, the
	// sixth is denied, and the next day the counter resets.
	checker, obs, clock := newTestChecker(t, billing.NewStaticCatalog())
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		d, err := checker.Authorize(ctx, "u1", types.PlanFree, types.ToolImageGeneration, RequestMeta{})
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, i, d.NewTotal)
	}

	d, err := checker.Authorize(ctx, "u1", types.PlanFree, types.ToolImageGeneration, RequestMeta{})
	require.NoError(t, err, "quota denial is a decision, not an error")
	assert.False(t, d.Allowed)
	assert.Equal(t, types.ReasonLimitExceeded, d.Reason)
	assert.Equal(t, 1, obs.denials(types.ReasonLimitExceeded))

	clock.Advance(24 * time.Hour)
	d, err = checker.Authorize(ctx, "u1", types.PlanFree, types.ToolImageGeneration, RequestMeta{})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.NewTotal)
}

func TestAuthorize_EnterpriseUnlimited(t *testing.T) {
	checker, _, _ := newTestChecker(t, billing.NewStaticCatalog())
	ctx := context.Background()

	for i := 1; i <= 200; i++ {
		d, err := checker.Authorize(ctx, "ent", types.PlanEnterprise, types.ToolImageGeneration, RequestMeta{})
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
}

func TestAuthorize_UnknownToolFailsClosed(t *testing.T) {
	checker, obs, _ := newTestChecker(t, billing.NewStaticCatalog())

	d, err := checker.Authorize(context.Background(), "u1", types.PlanPro, types.ToolType("3d_render"), RequestMeta{})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeToolUnknown))
	assert.False(t, d.Allowed)
	assert.Equal(t, types.ReasonSystemUnavailable, d.Reason)
	assert.Equal(t, 1, obs.total())
}

func TestAuthorize_UnknownTierGetsFreeLimits(t *testing.T) {
	checker, _, _ := newTestChecker(t, billing.NewStaticCatalog())
	ctx := context.Background()

	// A corrupt tier string enforces the most restrictive plan.
	for i := 1; i <= 5; i++ {
		d, err := checker.Authorize(ctx, "u1", types.PlanTier("platinum"), types.ToolImageGeneration, RequestMeta{})
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := checker.Authorize(ctx, "u1", types.PlanTier("platinum"), types.ToolImageGeneration, RequestMeta{})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestAuthorize_PersistenceFailureFailsClosed(t *testing.T) {
	checker, obs, _ := newTestCheckerWithLedger(t, billing.NewStaticCatalog(), failingLedger{})

	d, err := checker.Authorize(context.Background(), "u1", types.PlanPro, types.ToolChatMessage, RequestMeta{})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))
	assert.False(t, d.Allowed)
	assert.Equal(t, types.ReasonSystemUnavailable, d.Reason)
	assert.Equal(t, 1, obs.denials(types.ReasonSystemUnavailable))
}

func TestAuthorize_LockTimeoutRetriesOnceThenSucceeds(t *testing.T) {
	clock := &mockClock{now: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)}
	obs := &recordingObserver{}
	guard := &timeoutOnceGuard{inner: lock.NewKeyedGuard(time.Second, nil)}
	checker := NewChecker(billing.NewStaticCatalog(), newMemoryLedger(clock), guard, obs, nil,
		WithClock(clock), WithLockRetryBackoff(0))

	d, err := checker.Authorize(context.Background(), "u1", types.PlanFree, types.ToolChatMessage, RequestMeta{})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, guard.calls)
	assert.Equal(t, 1, obs.total())
}

func TestAuthorize_LockTimeoutExhaustedDenies(t *testing.T) {
	clock := &mockClock{now: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)}
	obs := &recordingObserver{}
	checker := NewChecker(billing.NewStaticCatalog(), newMemoryLedger(clock), alwaysTimeoutGuard{}, obs, nil,
		WithClock(clock), WithLockRetryBackoff(0))

	d, err := checker.Authorize(context.Background(), "u1", types.PlanFree, types.ToolChatMessage, RequestMeta{})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeLockTimeout))
	assert.False(t, d.Allowed)
	assert.Equal(t, types.ReasonSystemUnavailable, d.Reason)
	assert.Equal(t, 1, obs.lockTimeouts)
	assert.Equal(t, 1, obs.total())
}

// --- Concurrency properties ---

func TestAuthorize_ConcurrentCommitsNeverOversell(t *testing.T) {
	// 100 concurrent cost-1 attempts against a limit of 10 must produce
	// exactly 10 allowed and 90 denied decisions, and the final counter
	// must equal the limit.
	checker, obs, _ := newTestChecker(t, limitCatalog(10))
	ctx := context.Background()

	const attempts = 100
	var wg sync.WaitGroup
	wg.Add(attempts)
	var mu sync.Mutex
	allowed, denied := 0, 0

	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			d, err := checker.Authorize(ctx, "u1", types.PlanFree, types.ToolChatMessage, RequestMeta{})
			mu.Lock()
			defer mu.Unlock()
			if err == nil && d.Allowed {
				allowed++
			} else if d.Reason == types.ReasonLimitExceeded {
				denied++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, allowed)
	assert.Equal(t, 90, denied)
	assert.Equal(t, attempts, obs.total())

	snap, err := checker.Snapshot(ctx, "u1", types.PlanFree, types.ToolChatMessage)
	require.NoError(t, err)
	assert.Equal(t, 10, snap.Consumed)
}

func TestAuthorize_ConcurrentBurstFlagsRaceCondition(t *testing.T) {
	// Wire a real monitor behind the checker: a 2-way race is benign, a
	// 6-way burst on one tool crosses the detection threshold.
	run := func(t *testing.T, parallel int) []*types.SecurityEvent {
		t.Helper()
		clock := &mockClock{now: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)}
		repo := &fakeEventRepo{}
		mon := monitor.New(repo, nil, nil, monitor.DefaultConfig(), clock, nil)
		checker := NewChecker(billing.NewStaticCatalog(), newMemoryLedger(clock), lock.NewKeyedGuard(time.Second, nil), mon, nil, WithClock(clock))

		var wg sync.WaitGroup
		wg.Add(parallel)
		for i := 0; i < parallel; i++ {
			go func() {
				defer wg.Done()
				_, _ = checker.Authorize(context.Background(), "u1", types.PlanPro, types.ToolChatMessage, RequestMeta{})
			}()
		}
		wg.Wait()
		return repo.byType(types.EventRaceConditionDetected)
	}

	t.Run("double click is benign", func(t *testing.T) {
		assert.Empty(t, run(t, 2))
	})
	t.Run("six-way burst is flagged", func(t *testing.T) {
		assert.NotEmpty(t, run(t, 6))
	})
}

// --- Snapshot ---

func TestSnapshot_ReportsConsumptionAndReset(t *testing.T) {
	checker, _, clock := newTestChecker(t, billing.NewStaticCatalog())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := checker.Authorize(ctx, "u1", types.PlanFree, types.ToolImageGeneration, RequestMeta{})
		require.NoError(t, err)
	}

	snap, err := checker.Snapshot(ctx, "u1", types.PlanFree, types.ToolImageGeneration)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Consumed)
	assert.Equal(t, 5, snap.Limit)
	assert.False(t, snap.Unlimited)
	assert.Equal(t, clock.Now().Truncate(24*time.Hour), snap.PeriodStart)
	assert.Equal(t, snap.PeriodStart.Add(24*time.Hour), snap.ResetsAt)
}

func TestSnapshot_UnlimitedPlan(t *testing.T) {
	checker, _, _ := newTestChecker(t, billing.NewStaticCatalog())

	snap, err := checker.Snapshot(context.Background(), "ent", types.PlanEnterprise, types.ToolChatMessage)
	require.NoError(t, err)
	assert.True(t, snap.Unlimited)
	assert.Equal(t, 0, snap.Limit)
}

func TestSnapshot_UnknownToolRejected(t *testing.T) {
	checker, _, _ := newTestChecker(t, billing.NewStaticCatalog())

	_, err := checker.Snapshot(context.Background(), "u1", types.PlanFree, types.ToolType("hologram"))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeToolUnknown))
}

func TestSnapshot_DoesNotMutate(t *testing.T) {
	checker, _, _ := newTestChecker(t, billing.NewStaticCatalog())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		snap, err := checker.Snapshot(ctx, "u1", types.PlanFree, types.ToolChatMessage)
		require.NoError(t, err)
		assert.Equal(t, 0, snap.Consumed)
	}
}
