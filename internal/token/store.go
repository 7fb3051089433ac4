package token

import (
	"context"
	"sync"
	"time"
)

// RefreshStore persists refresh tokens. Implementations must make
// DeleteByToken atomic: when two callers present the same token
// concurrently, exactly one observes the deletion. That is what makes
// rotation single-use.
type RefreshStore interface {
	// Save persists a refresh token.
	Save(ctx context.Context, rt RefreshToken) error

	// FindByToken returns the stored token, or false when absent.
	FindByToken(ctx context.Context, token string) (RefreshToken, bool, error)

	// DeleteByToken removes the token and returns the deleted record.
	// The boolean reports whether this caller performed the deletion.
	DeleteByToken(ctx context.Context, token string) (RefreshToken, bool, error)

	// DeleteExpired removes all tokens with expiresAt before now and
	// returns the number deleted. Idempotent.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	// Close releases store resources.
	Close() error
}

// MemoryRefreshStore is an in-process RefreshStore for tests and
// single-binary deployments.
type MemoryRefreshStore struct {
	mu     sync.Mutex
	tokens map[string]RefreshToken
}

// NewMemoryRefreshStore creates an empty in-memory refresh store.
func NewMemoryRefreshStore() *MemoryRefreshStore {
	return &MemoryRefreshStore{tokens: make(map[string]RefreshToken)}
}

// Save implements RefreshStore.
func (s *MemoryRefreshStore) Save(ctx context.Context, rt RefreshToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[rt.Token] = rt
	return nil
}

// FindByToken implements RefreshStore.
func (s *MemoryRefreshStore) FindByToken(ctx context.Context, token string) (RefreshToken, bool, error) {
	if err := ctx.Err(); err != nil {
		return RefreshToken{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.tokens[token]
	return rt, ok, nil
}

// DeleteByToken implements RefreshStore.
func (s *MemoryRefreshStore) DeleteByToken(ctx context.Context, token string) (RefreshToken, bool, error) {
	if err := ctx.Err(); err != nil {
		return RefreshToken{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.tokens[token]
	if !ok {
		return RefreshToken{}, false, nil
	}
	delete(s.tokens, token)
	return rt, true, nil
}

// DeleteExpired implements RefreshStore.
func (s *MemoryRefreshStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for key, rt := range s.tokens {
		if rt.Expired(now) {
			delete(s.tokens, key)
			deleted++
		}
	}
	return deleted, nil
}

// Close implements RefreshStore.
func (s *MemoryRefreshStore) Close() error {
	return nil
}

// Count returns the number of stored tokens.
func (s *MemoryRefreshStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}
