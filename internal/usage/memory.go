package usage

import (
	"context"
	"sync"

	"monsaas/internal/types"
)

// MemoryStore is a mutex-guarded in-memory Store. It is the standard
// implementation for local mode and tests, and enforces the same
// optimistic-versioning contract as the Postgres repository so that
// ledger behavior is identical across backends.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]types.UsageRecord
}

// NewMemoryStore creates an empty in-memory usage store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]types.UsageRecord),
	}
}

// Get returns a copy of the stored record, or (nil, nil) if absent.
func (s *MemoryStore) Get(_ context.Context, userID string, tool types.ToolType) (*types.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[types.UsageKey(userID, tool)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// Put stores the record under optimistic versioning. expectedVersion 0
// inserts; any other value must match the stored version exactly.
func (s *MemoryStore) Put(_ context.Context, rec *types.UsageRecord, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rec.Key()
	stored, exists := s.records[key]

	if expectedVersion == 0 {
		if exists {
			return types.NewAppError(
				types.ErrCodeConflictConcurrent,
				"usage record already exists",
				nil,
			)
		}
	} else {
		if !exists || stored.Version != expectedVersion {
			return types.NewAppError(
				types.ErrCodeConflictConcurrent,
				"usage record version mismatch",
				nil,
			)
		}
	}

	updated := *rec
	updated.Version = expectedVersion + 1
	s.records[key] = updated
	rec.Version = updated.Version
	return nil
}

// Len returns the number of stored records. For tests.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
