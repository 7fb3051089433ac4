package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// maxCASRetries bounds CAS retry attempts to prevent spinning under
// pathological contention.
const maxCASRetries = 100

// DefaultMaxEntries is the default size bound for the in-memory store.
const DefaultMaxEntries = 100_000

// entry is an immutable stored value. Mutation happens by swapping the
// whole entry via CompareAndSwap, which is what makes concurrent
// increments lose-free.
type entry struct {
	value      int64
	expiration time.Time
	touched    int64 // unix nanos of last access, for eviction ordering
}

// MemoryStore implements Store using in-process storage with per-entry TTL
// and a maximum entry count. Entries beyond the bound are evicted least
// recently touched first, both by the background sweep and inline when an
// insert overflows the bound.
type MemoryStore struct {
	data       sync.Map
	size       atomic.Int64
	maxEntries int
	cleanup    *time.Ticker
	done       chan struct{}
	sweeping   atomic.Bool
	mu         sync.Mutex
	closed     bool
}

// NewMemoryStore creates a new in-memory store with default bounds.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithBounds(DefaultMaxEntries, time.Minute)
}

// NewMemoryStoreWithBounds creates a new in-memory store with a custom
// entry bound and sweep interval.
func NewMemoryStoreWithBounds(maxEntries int, sweepInterval time.Duration) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}

	s := &MemoryStore{
		maxEntries: maxEntries,
		cleanup:    time.NewTicker(sweepInterval),
		done:       make(chan struct{}),
	}

	go s.sweepLoop()

	return s
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) (int64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	value, ok := s.data.Load(key)
	if !ok {
		return 0, &ErrKeyNotFound{Key: key}
	}

	e := value.(*entry)
	if e.expired(time.Now()) {
		s.remove(key)
		return 0, &ErrKeyNotFound{Key: key}
	}

	return e.value, nil
}

// Set implements Store.
func (s *MemoryStore) Set(ctx context.Context, key string, value int64, expiration time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	now := time.Now()
	var exp time.Time
	if expiration > 0 {
		exp = now.Add(expiration)
	}

	if _, loaded := s.data.Swap(key, &entry{value: value, expiration: exp, touched: now.UnixNano()}); !loaded {
		s.size.Add(1)
		s.maybeEvict()
	}

	return nil
}

// Increment implements Store.
func (s *MemoryStore) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	return s.IncrementWithExpiry(ctx, key, delta, 0)
}

// IncrementWithExpiry implements Store. The expiration applies when the key
// is created or recreated after expiry; an existing live entry keeps its
// original deadline so the throttle window does not slide on every failure.
func (s *MemoryStore) IncrementWithExpiry(ctx context.Context, key string, delta int64, expiration time.Duration) (int64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	now := time.Now()
	var exp time.Time
	if expiration > 0 {
		exp = now.Add(expiration)
	}

	for retries := 0; retries < maxCASRetries; retries++ {
		value, ok := s.data.Load(key)
		if !ok {
			fresh := &entry{value: delta, expiration: exp, touched: now.UnixNano()}
			if actual, loaded := s.data.LoadOrStore(key, fresh); loaded {
				value = actual
			} else {
				s.size.Add(1)
				s.maybeEvict()
				return delta, nil
			}
		}

		e := value.(*entry)

		if e.expired(now) {
			// Restart the window instead of resurrecting the stale count.
			fresh := &entry{value: delta, expiration: exp, touched: now.UnixNano()}
			if s.data.CompareAndSwap(key, e, fresh) {
				return delta, nil
			}
			continue
		}

		next := &entry{value: e.value + delta, expiration: e.expiration, touched: now.UnixNano()}
		if s.data.CompareAndSwap(key, e, next) {
			return next.value, nil
		}
	}

	return 0, fmt.Errorf("increment with expiry failed: max retries (%d) exceeded", maxCASRetries)
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.remove(key)
	return nil
}

// Close implements Store. Safe to call multiple times.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	s.cleanup.Stop()
	close(s.done)

	return nil
}

// Size returns the number of entries in the store.
func (s *MemoryStore) Size() int {
	return int(s.size.Load())
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiration.IsZero() && now.After(e.expiration)
}

func (s *MemoryStore) remove(key string) {
	if _, loaded := s.data.LoadAndDelete(key); loaded {
		s.size.Add(-1)
	}
}

// maybeEvict sweeps inline when the store has grown past its bound, so the
// bound holds between background ticks. The flag keeps concurrent inserts
// from stacking sweeps.
func (s *MemoryStore) maybeEvict() {
	if int(s.size.Load()) <= s.maxEntries {
		return
	}
	if !s.sweeping.CompareAndSwap(false, true) {
		return
	}
	defer s.sweeping.Store(false)
	s.Sweep()
}

func (s *MemoryStore) sweepLoop() {
	for {
		select {
		case <-s.cleanup.C:
			s.Sweep()
		case <-s.done:
			return
		}
	}
}

// Sweep removes expired entries and, if the store is still above its entry
// bound, evicts the least recently touched survivors.
func (s *MemoryStore) Sweep() {
	now := time.Now()

	type candidate struct {
		key     string
		touched int64
	}
	var live []candidate

	s.data.Range(func(key, value interface{}) bool {
		e := value.(*entry)
		if e.expired(now) {
			s.remove(key.(string))
			return true
		}
		live = append(live, candidate{key: key.(string), touched: e.touched})
		return true
	})

	overflow := len(live) - s.maxEntries
	if overflow <= 0 {
		return
	}

	sort.Slice(live, func(i, j int) bool { return live[i].touched < live[j].touched })
	for i := 0; i < overflow; i++ {
		s.remove(live[i].key)
	}
}
