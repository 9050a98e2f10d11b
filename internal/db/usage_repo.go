package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"monsaas/internal/types"
	"monsaas/internal/usage"
)

// UsageRepository is the PostgreSQL implementation of usage.Store,
// backed by the usage_records table. Optimistic concurrency rides on
// the version column: inserts require the row not to exist, updates
// require an exact version match, and a miss on either is reported as a
// concurrent-modification conflict for the ledger to retry.
type UsageRepository struct {
	db DBTX
}

// NewUsageRepository creates a UsageRepository backed by the given
// database connection (pool or transaction).
func NewUsageRepository(db DBTX) *UsageRepository {
	return &UsageRepository{db: db}
}

// Get returns the usage record for a (user, tool) pair, or (nil, nil)
// when no record exists yet.
func (r *UsageRepository) Get(ctx context.Context, userID string, tool types.ToolType) (*types.UsageRecord, error) {
	var rec types.UsageRecord
	err := r.db.QueryRow(ctx,
		`SELECT user_id, tool, period_start, consumed, version, updated_at
		 FROM usage_records
		 WHERE user_id = $1 AND tool = $2`,
		userID,
		string(tool),
	).Scan(&rec.UserID, &rec.Tool, &rec.PeriodStart, &rec.Consumed, &rec.Version, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load usage record", err)
	}
	return &rec, nil
}

// Put writes the record under optimistic versioning. expectedVersion 0
// inserts a fresh row; any other value updates only if the stored
// version still matches. A lost race surfaces as
// conflict_concurrent_modification either way.
func (r *UsageRepository) Put(ctx context.Context, rec *types.UsageRecord, expectedVersion int64) error {
	if expectedVersion == 0 {
		return r.insert(ctx, rec)
	}
	return r.update(ctx, rec, expectedVersion)
}

func (r *UsageRepository) insert(ctx context.Context, rec *types.UsageRecord) error {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO usage_records (user_id, tool, period_start, consumed, version, updated_at)
		 VALUES ($1, $2, $3, $4, 1, COALESCE($5, NOW()))
		 ON CONFLICT (user_id, tool) DO NOTHING`,
		rec.UserID,
		string(rec.Tool),
		rec.PeriodStart,
		rec.Consumed,
		nilIfZeroTime(rec.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictConcurrent, "usage record already exists", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert usage record", err)
	}
	if tag.RowsAffected() == 0 {
		// Another writer inserted first; the caller rereads and retries.
		return types.NewAppError(types.ErrCodeConflictConcurrent, "usage record already exists", nil)
	}
	rec.Version = 1
	return nil
}

func (r *UsageRepository) update(ctx context.Context, rec *types.UsageRecord, expectedVersion int64) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE usage_records
		 SET period_start = $3, consumed = $4, version = version + 1, updated_at = COALESCE($5, NOW())
		 WHERE user_id = $1 AND tool = $2 AND version = $6`,
		rec.UserID,
		string(rec.Tool),
		rec.PeriodStart,
		rec.Consumed,
		nilIfZeroTime(rec.UpdatedAt),
		expectedVersion,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update usage record", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictConcurrent, "usage record version mismatch", nil)
	}
	rec.Version = expectedVersion + 1
	return nil
}

// Compile-time assertion that UsageRepository implements usage.Store.
var _ usage.Store = (*UsageRepository)(nil)
