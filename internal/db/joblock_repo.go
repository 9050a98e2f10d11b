package db

import (
	"context"
	"time"

	"monsaas/internal/types"
)

// JobLockRepository provides distributed locking via the job_locks
// table so that scheduled maintenance (retention purge) runs at most
// once per window even when the Lambda fires concurrently. The locking
// mechanism uses INSERT ... ON CONFLICT DO UPDATE to atomically acquire
// a lock.
type JobLockRepository struct {
	db    DBTX
	clock types.Clock
}

// NewJobLockRepository creates a JobLockRepository backed by the given
// database connection (pool or transaction).
func NewJobLockRepository(db DBTX, clock types.Clock) *JobLockRepository {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &JobLockRepository{db: db, clock: clock}
}

// Acquire attempts to insert a lock row. Returns true if acquired,
// false if the lock already exists and has not expired. The lockID is
// typically "task_type:timestamp_hour".
//
// The locked_at and expires_at values are computed as time.Time in Go
// to avoid PostgreSQL interval parsing incompatibilities with Go's
// duration format. If the existing row has expired, the ON CONFLICT
// UPDATE reclaims it; if it is still active, zero rows are affected and
// another worker holds the lock.
func (r *JobLockRepository) Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error) {
	now := r.clock.Now()
	expiresAt := now.Add(ttl)

	tag, err := r.db.Exec(ctx,
		`INSERT INTO job_locks (id, worker_id, locked_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		   SET worker_id = EXCLUDED.worker_id,
		       locked_at = EXCLUDED.locked_at,
		       expires_at = EXCLUDED.expires_at
		   WHERE job_locks.expires_at < $3`,
		lockID,
		workerID,
		now,
		expiresAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to acquire job lock", err)
	}
	return tag.RowsAffected() > 0, nil
}
