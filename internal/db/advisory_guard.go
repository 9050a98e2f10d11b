package db

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"monsaas/internal/lock"
	"monsaas/internal/types"
)

// AdvisoryGuard implements lock.Guard with PostgreSQL advisory locks,
// giving cross-instance mutual exclusion when the service runs more
// than one replica against a shared database. The lock is transaction
// scoped (pg_advisory_xact_lock), so it releases automatically on
// commit, rollback, or connection loss; no cleanup path can leak it.
type AdvisoryGuard struct {
	pool           *pgxpool.Pool
	acquireTimeout time.Duration
}

// NewAdvisoryGuard creates an AdvisoryGuard with the given acquire
// timeout. A non-positive timeout falls back to the keyed guard
// default.
func NewAdvisoryGuard(pool *pgxpool.Pool, acquireTimeout time.Duration) *AdvisoryGuard {
	if acquireTimeout <= 0 {
		acquireTimeout = lock.DefaultAcquireTimeout
	}
	return &AdvisoryGuard{pool: pool, acquireTimeout: acquireTimeout}
}

// WithExclusive runs fn inside a transaction that holds the advisory
// lock for key. Waiters blocked past the acquire timeout fail with
// lock_timeout without running fn.
func (g *AdvisoryGuard) WithExclusive(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to begin lock transaction", err)
	}
	defer tx.Rollback(ctx)

	acquireCtx, cancel := context.WithTimeout(ctx, g.acquireTimeout)
	defer cancel()

	if _, err := tx.Exec(acquireCtx, `SELECT pg_advisory_xact_lock($1)`, advisoryKey(key)); err != nil {
		if acquireCtx.Err() != nil {
			return types.NewAppErrorWithDetails(
				types.ErrCodeLockTimeout,
				"timed out waiting for advisory lock",
				err,
				map[string]any{"key": key},
			)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to acquire advisory lock", err)
	}

	if err := fn(ctx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to commit lock transaction", err)
	}
	return nil
}

// advisoryKey maps a string key onto the signed 64-bit space Postgres
// advisory locks use. FNV-1a keeps the mapping stable across instances.
func advisoryKey(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}

// Compile-time assertion that AdvisoryGuard implements lock.Guard.
var _ lock.Guard = (*AdvisoryGuard)(nil)
