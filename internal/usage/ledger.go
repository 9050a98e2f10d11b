package usage

import (
	"context"
	"log/slog"
	"time"

	"monsaas/internal/types"
)

// putRetries is how many optimistic Put attempts TryCommit makes before
// giving up. The in-process lock guard serializes same-key callers, so a
// version conflict only happens when another instance shares the store;
// one reread-and-retry covers the common case.
const putRetries = 2

// Ledger tracks quota consumption per (user, tool) pair and enforces
// period rollover. It owns UsageRecord state exclusively: all mutation
// flows through TryCommit.
type Ledger struct {
	store  Store
	clock  types.Clock
	logger *slog.Logger
}

// NewLedger creates a Ledger backed by the given store.
func NewLedger(store Store, clock types.Clock, logger *slog.Logger) *Ledger {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  store,
		clock:  clock,
		logger: logger,
	}
}

// CurrentUsage returns the live record for the (user, tool) pair with
// rollover applied as a view: if no record exists, a zero-consumption
// record for the current period is returned; if the stored record's
// period has elapsed, the returned view shows zero consumption in the
// new period. The read never mutates stored state, so repeated calls are
// idempotent; the actual rollover write happens inside the next commit.
func (l *Ledger) CurrentUsage(ctx context.Context, userID string, tool types.ToolType, period time.Duration) (*types.UsageRecord, error) {
	now := l.clock.Now()

	rec, err := l.store.Get(ctx, userID, tool)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &types.UsageRecord{
			UserID:      userID,
			Tool:        tool,
			PeriodStart: periodStartFor(now, period),
			Consumed:    0,
		}, nil
	}

	view := *rec
	applyRollover(&view, period, now)
	return &view, nil
}

// TryCommit atomically checks and debits the quota counter: it reads
// current usage (with rollover applied), verifies consumed+cost <= limit,
// and increments. On success it returns the new consumed total. When the
// debit would exceed the limit it returns the current total and a
// quota_limit_exceeded error without mutating state. A limit of 0 means
// unlimited.
//
// The check-and-increment is atomic with respect to concurrent callers
// for the same (user, tool): in-process serialization is the caller's
// responsibility (lock guard), and the store's optimistic versioning
// rejects lost updates across instances. Rollover at a period boundary
// happens inside the same commit, so no debit is attributed to a stale
// period.
func (l *Ledger) TryCommit(ctx context.Context, userID string, tool types.ToolType, cost, limit int, period time.Duration) (int, error) {
	var lastErr error

	for attempt := 0; attempt < putRetries; attempt++ {
		now := l.clock.Now()

		rec, err := l.store.Get(ctx, userID, tool)
		if err != nil {
			return 0, err
		}

		expectedVersion := int64(0)
		if rec == nil {
			rec = &types.UsageRecord{
				UserID:      userID,
				Tool:        tool,
				PeriodStart: periodStartFor(now, period),
			}
		} else {
			expectedVersion = rec.Version
			applyRollover(rec, period, now)
		}

		if limit > 0 && rec.Consumed+cost > limit {
			return rec.Consumed, types.NewAppErrorWithDetails(
				types.ErrCodeQuotaExceeded,
				"quota limit exceeded for tool",
				nil,
				map[string]any{
					"tool":     string(tool),
					"consumed": rec.Consumed,
					"cost":     cost,
					"limit":    limit,
				},
			)
		}

		rec.Consumed += cost
		rec.UpdatedAt = now

		if err := l.store.Put(ctx, rec, expectedVersion); err != nil {
			if types.IsCode(err, types.ErrCodeConflictConcurrent) {
				// Another instance won the race; reread and retry once.
				lastErr = err
				l.logger.Warn("usage commit version conflict, retrying",
					"user_id", userID,
					"tool", string(tool),
					"attempt", attempt+1,
				)
				continue
			}
			return 0, err
		}
		return rec.Consumed, nil
	}

	return 0, lastErr
}

// periodStartFor aligns a timestamp to the start of its quota period.
// Truncation is over absolute time (Unix epoch aligned), which keeps all
// instances agreeing on period boundaries without coordination.
func periodStartFor(now time.Time, period time.Duration) time.Time {
	if period <= 0 {
		return now
	}
	return now.Truncate(period)
}

// applyRollover advances the record into the current period if its
// period has elapsed, resetting consumption exactly once per boundary.
func applyRollover(rec *types.UsageRecord, period time.Duration, now time.Time) {
	if period <= 0 {
		return
	}
	if now.Sub(rec.PeriodStart) < period {
		return
	}
	rec.PeriodStart = periodStartFor(now, period)
	rec.Consumed = 0
}
