package throttle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/avauth/tokengate/internal/cache"
)

func newTestThrottle(t *testing.T, cfg Config) *Throttle {
	t.Helper()

	store := cache.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	return New(store, cfg, nil)
}

func TestThrottle_BlocksAfterMaxAttempts(t *testing.T) {
	th := newTestThrottle(t, Config{MaxAttempts: 3, Window: time.Minute})
	ctx := context.Background()

	assert.False(t, th.IsBlocked(ctx, "alice"))

	th.RecordFailure(ctx, "alice")
	th.RecordFailure(ctx, "alice")
	assert.False(t, th.IsBlocked(ctx, "alice"))

	th.RecordFailure(ctx, "alice")
	assert.True(t, th.IsBlocked(ctx, "alice"))
}

func TestThrottle_SuccessResetsCounter(t *testing.T) {
	th := newTestThrottle(t, Config{MaxAttempts: 2, Window: time.Minute})
	ctx := context.Background()

	th.RecordFailure(ctx, "bob")
	th.RecordFailure(ctx, "bob")
	assert.True(t, th.IsBlocked(ctx, "bob"))

	th.RecordSuccess(ctx, "bob")
	assert.False(t, th.IsBlocked(ctx, "bob"))
	assert.Equal(t, int64(0), th.Failures(ctx, "bob"))
}

func TestThrottle_WindowExpiryUnblocks(t *testing.T) {
	th := newTestThrottle(t, Config{MaxAttempts: 1, Window: 20 * time.Millisecond})
	ctx := context.Background()

	th.RecordFailure(ctx, "carol")
	assert.True(t, th.IsBlocked(ctx, "carol"))

	time.Sleep(30 * time.Millisecond)
	assert.False(t, th.IsBlocked(ctx, "carol"))
}

func TestThrottle_PrincipalsAreIndependent(t *testing.T) {
	th := newTestThrottle(t, Config{MaxAttempts: 1, Window: time.Minute})
	ctx := context.Background()

	th.RecordFailure(ctx, "dave")
	assert.True(t, th.IsBlocked(ctx, "dave"))
	assert.False(t, th.IsBlocked(ctx, "erin"))
}

func TestThrottle_ConcurrentFailuresAllCounted(t *testing.T) {
	th := newTestThrottle(t, Config{MaxAttempts: 100, Window: time.Minute})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			th.RecordFailure(ctx, "frank")
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(40), th.Failures(ctx, "frank"))
}

func TestThrottle_DefaultsApplied(t *testing.T) {
	th := newTestThrottle(t, Config{})
	assert.Equal(t, DefaultMaxAttempts, th.maxAttempts)
	assert.Equal(t, DefaultWindow, th.window)
}
