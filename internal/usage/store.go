// Package usage implements the per-user, per-tool quota ledger.
//
// The ledger tracks one live UsageRecord per (user, tool) pair per active
// period and performs period rollover lazily on access. All mutation goes
// through TryCommit, which callers must serialize per key via a lock
// guard; the backing store's optimistic versioning is the second line of
// defense when multiple instances share the store.
package usage

import (
	"context"

	"monsaas/internal/types"
)

// Store is the durable backing for usage records. Implemented by the
// in-memory store (local/dev/tests) and the Postgres repository.
type Store interface {
	// Get returns the stored record for the (user, tool) pair, or
	// (nil, nil) if no record exists yet.
	Get(ctx context.Context, userID string, tool types.ToolType) (*types.UsageRecord, error)

	// Put writes the record if the stored version still equals
	// expectedVersion. expectedVersion 0 means "insert, must not exist".
	// On success, the stored version becomes expectedVersion+1 and
	// rec.Version is updated to match. A conflicting concurrent write
	// yields a conflict_concurrent_modification error.
	Put(ctx context.Context, rec *types.UsageRecord, expectedVersion int64) error
}
