// Package lock provides keyed mutual exclusion for ledger commits.
//
// The guard serializes the read-check-increment sequence per (user, tool)
// key so that concurrent authorize calls cannot double-spend quota. The
// exclusive section covers only the in-memory check and the version-
// guarded write, never long-running I/O.
package lock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"monsaas/internal/types"
)

// Guard serializes function execution per key. For a given key, at most
// one fn body executes at a time; callers for different keys proceed
// independently.
type Guard interface {
	// WithExclusive runs fn while holding the exclusive section for key.
	// If the section cannot be acquired before ctx's deadline (or the
	// configured acquire timeout), it returns a lock_timeout error
	// without running fn.
	WithExclusive(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// keyEntry is one key's semaphore plus a reference count so idle entries
// can be reclaimed.
type keyEntry struct {
	sem  *semaphore.Weighted
	refs int
}

// KeyedGuard is the in-process Guard implementation. Each key gets a
// weight-1 semaphore; semaphore.Acquire honors context cancellation,
// which is what bounds the wait. Entries are reference counted and
// removed when the last waiter departs, so the map does not grow with
// the user population.
type KeyedGuard struct {
	mu             sync.Mutex
	entries        map[string]*keyEntry
	acquireTimeout time.Duration
	logger         *slog.Logger
}

// DefaultAcquireTimeout bounds how long a caller waits for the exclusive
// section before failing with lock_timeout.
const DefaultAcquireTimeout = 2 * time.Second

// NewKeyedGuard creates a KeyedGuard with the given acquire timeout.
// A non-positive timeout falls back to DefaultAcquireTimeout.
func NewKeyedGuard(acquireTimeout time.Duration, logger *slog.Logger) *KeyedGuard {
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyedGuard{
		entries:        make(map[string]*keyEntry),
		acquireTimeout: acquireTimeout,
		logger:         logger,
	}
}

// WithExclusive runs fn while holding the key's exclusive section.
// The second caller for a key observes the first caller's completed
// state before fn evaluates, which is what prevents check-then-act
// double spends.
func (g *KeyedGuard) WithExclusive(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	entry := g.retain(key)
	defer g.release(key)

	acquireCtx, cancel := context.WithTimeout(ctx, g.acquireTimeout)
	defer cancel()

	if err := entry.sem.Acquire(acquireCtx, 1); err != nil {
		g.logger.Warn("exclusive section acquisition timed out",
			"key", key,
			"timeout", g.acquireTimeout,
		)
		return types.NewAppErrorWithDetails(
			types.ErrCodeLockTimeout,
			"timed out waiting for exclusive access",
			err,
			map[string]any{"key": key},
		)
	}
	defer entry.sem.Release(1)

	return fn(ctx)
}

// retain returns the entry for key, creating it if needed, and bumps its
// reference count.
func (g *KeyedGuard) retain(key string) *keyEntry {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.entries[key]
	if !ok {
		entry = &keyEntry{sem: semaphore.NewWeighted(1)}
		g.entries[key] = entry
	}
	entry.refs++
	return entry
}

// release drops a reference and reclaims the entry when no caller holds
// or waits on it.
func (g *KeyedGuard) release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.entries[key]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(g.entries, key)
	}
}

// Len returns the number of live key entries. For tests.
func (g *KeyedGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// Compile-time assertion that KeyedGuard implements Guard.
var _ Guard = (*KeyedGuard)(nil)
