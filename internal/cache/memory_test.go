package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_GetMissingKey(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	_, err := s.Get(context.Background(), "absent")
	assert.True(t, IsKeyNotFound(err))
}

func TestMemoryStore_SetAndGet(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	require.NoError(t, s.Set(context.Background(), "k", 42, time.Minute))

	val, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, int64(42), val)
}

func TestMemoryStore_IncrementCreatesKey(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	val, err := s.IncrementWithExpiry(context.Background(), "attempts", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)

	val, err = s.IncrementWithExpiry(context.Background(), "attempts", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), val)
}

func TestMemoryStore_ExpiryResetsCount(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	_, err := s.IncrementWithExpiry(context.Background(), "k", 5, 20*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	_, getErr := s.Get(context.Background(), "k")
	assert.True(t, IsKeyNotFound(getErr))

	// A new increment after expiry starts a fresh window.
	val, err := s.IncrementWithExpiry(context.Background(), "k", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)
}

func TestMemoryStore_KeepsOriginalDeadline(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	_, err := s.IncrementWithExpiry(context.Background(), "k", 1, 40*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(25 * time.Millisecond)

	// Increment inside the window must not extend the deadline.
	_, err = s.IncrementWithExpiry(context.Background(), "k", 1, time.Minute)
	require.NoError(t, err)

	time.Sleep(25 * time.Millisecond)

	_, getErr := s.Get(context.Background(), "k")
	assert.True(t, IsKeyNotFound(getErr))
}

func TestMemoryStore_ConcurrentIncrementsLoseNoUpdates(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	const goroutines = 50
	const perGoroutine = 20

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				_, err := s.IncrementWithExpiry(context.Background(), "shared", 1, time.Minute)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	val, err := s.Get(context.Background(), "shared")
	require.NoError(t, err)
	assert.Equal(t, int64(goroutines*perGoroutine), val)
}

func TestMemoryStore_SweepEvictsBeyondBound(t *testing.T) {
	s := NewMemoryStoreWithBounds(10, time.Hour)
	defer s.Close()

	for i := 0; i < 25; i++ {
		require.NoError(t, s.Set(context.Background(), fmt.Sprintf("k%02d", i), 1, time.Hour))
	}

	s.Sweep()
	assert.Equal(t, 10, s.Size())

	// The most recently written keys survive.
	_, err := s.Get(context.Background(), "k24")
	assert.NoError(t, err)
	_, err = s.Get(context.Background(), "k00")
	assert.True(t, IsKeyNotFound(err))
}

func TestMemoryStore_BoundHoldsBetweenSweepTicks(t *testing.T) {
	// The ticker never fires here; inserts alone must keep the bound.
	s := NewMemoryStoreWithBounds(5, time.Hour)
	defer s.Close()

	for i := 0; i < 20; i++ {
		require.NoError(t, s.Set(context.Background(), fmt.Sprintf("set%02d", i), 1, time.Hour))
		assert.LessOrEqual(t, s.Size(), 5)
	}

	for i := 0; i < 20; i++ {
		_, err := s.IncrementWithExpiry(context.Background(), fmt.Sprintf("inc%02d", i), 1, time.Hour)
		require.NoError(t, err)
		assert.LessOrEqual(t, s.Size(), 5)
	}

	// The freshest key is never the eviction victim.
	_, err := s.Get(context.Background(), "inc19")
	assert.NoError(t, err)
}

func TestMemoryStore_DeleteIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	require.NoError(t, s.Set(context.Background(), "k", 1, time.Minute))
	require.NoError(t, s.Delete(context.Background(), "k"))
	require.NoError(t, s.Delete(context.Background(), "k"))
	assert.Equal(t, 0, s.Size())
}

func TestMemoryStore_CloseIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

func TestMemoryStore_ContextCancelled(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)

	_, err = s.IncrementWithExpiry(ctx, "k", 1, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}
