package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"monsaas/internal/types"
)

func TestWithExclusive_RunsFunction(t *testing.T) {
	guard := NewKeyedGuard(time.Second, nil)

	called := false
	err := guard.WithExclusive(context.Background(), "k1", func(ctx context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestWithExclusive_SerializesSameKey(t *testing.T) {
	guard := NewKeyedGuard(5*time.Second, nil)
	ctx := context.Background()

	// A shared counter mutated with a deliberate read-sleep-write gap:
	// without serialization the increments would interleave and lose
	// updates.
	const callers = 10
	counter := 0
	var wg sync.WaitGroup
	wg.Add(callers)

	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			_ = guard.WithExclusive(ctx, "shared", func(ctx context.Context) error {
				v := counter
				time.Sleep(time.Millisecond)
				counter = v + 1
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, callers, counter)
}

func TestWithExclusive_IndependentKeysDoNotBlock(t *testing.T) {
	guard := NewKeyedGuard(time.Second, nil)
	ctx := context.Background()

	release := make(chan struct{})
	holding := make(chan struct{})

	go func() {
		_ = guard.WithExclusive(ctx, "key-a", func(ctx context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	// A different key acquires immediately even while key-a is held.
	done := make(chan error, 1)
	go func() {
		done <- guard.WithExclusive(ctx, "key-b", func(ctx context.Context) error {
			return nil
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("independent key blocked behind an unrelated holder")
	}
	close(release)
}

func TestWithExclusive_TimeoutReturnsLockTimeout(t *testing.T) {
	guard := NewKeyedGuard(50*time.Millisecond, nil)
	ctx := context.Background()

	release := make(chan struct{})
	holding := make(chan struct{})

	go func() {
		_ = guard.WithExclusive(ctx, "contended", func(ctx context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding
	defer close(release)

	called := false
	err := guard.WithExclusive(ctx, "contended", func(ctx context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeLockTimeout))
	assert.False(t, called, "fn must not run when acquisition fails")
}

func TestWithExclusive_PropagatesFnError(t *testing.T) {
	guard := NewKeyedGuard(time.Second, nil)

	want := types.NewAppError(types.ErrCodeQuotaExceeded, "denied", nil)
	err := guard.WithExclusive(context.Background(), "k1", func(ctx context.Context) error {
		return want
	})
	assert.Equal(t, want, err)
}

func TestKeyedGuard_ReclaimsIdleEntries(t *testing.T) {
	guard := NewKeyedGuard(time.Second, nil)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		err := guard.WithExclusive(ctx, "user:tool", func(ctx context.Context) error {
			assert.Equal(t, 1, guard.Len())
			return nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 0, guard.Len())
}
