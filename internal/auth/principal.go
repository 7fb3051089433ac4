package auth

import (
	"context"
	"errors"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrPrincipalNotFound is returned by PrincipalStore implementations for
// unknown usernames. The service folds it into ErrInvalidCredentials
// before it reaches transport.
var ErrPrincipalNotFound = errors.New("principal not found")

// Principal is an account known to the identity store.
type Principal struct {
	ID           string
	Username     string
	Enabled      bool
	Roles        []string
	PasswordHash string
}

// PrincipalStore looks up accounts by username.
type PrincipalStore interface {
	FindByUsername(ctx context.Context, username string) (Principal, error)
}

// PasswordVerifier checks a raw password against a stored hash.
type PasswordVerifier interface {
	Matches(raw, hashed string) bool
}

// BcryptVerifier verifies bcrypt password hashes.
type BcryptVerifier struct{}

// Matches implements PasswordVerifier.
func (BcryptVerifier) Matches(raw, hashed string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(raw)) == nil
}

// HashPassword produces a bcrypt hash at the default cost.
func HashPassword(raw string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// MemoryPrincipalStore is an in-process PrincipalStore for tests and
// bootstrap accounts.
type MemoryPrincipalStore struct {
	mu         sync.RWMutex
	principals map[string]Principal
}

// NewMemoryPrincipalStore creates a store holding the given principals.
func NewMemoryPrincipalStore(principals ...Principal) *MemoryPrincipalStore {
	s := &MemoryPrincipalStore{principals: make(map[string]Principal)}
	for _, p := range principals {
		s.principals[p.Username] = p
	}
	return s
}

// Save adds or replaces a principal.
func (s *MemoryPrincipalStore) Save(p Principal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.principals[p.Username] = p
}

// FindByUsername implements PrincipalStore.
func (s *MemoryPrincipalStore) FindByUsername(ctx context.Context, username string) (Principal, error) {
	if err := ctx.Err(); err != nil {
		return Principal{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.principals[username]
	if !ok {
		return Principal{}, ErrPrincipalNotFound
	}
	return p, nil
}

// rolePrefix is prepended to role names that lack it so authorization
// checks compare one canonical form.
const rolePrefix = "ROLE_"

// NormalizeRoles returns the roles in canonical ROLE_-prefixed upper-case
// form, dropping empty entries.
func NormalizeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}

	out := make([]string, 0, len(roles))
	for _, role := range roles {
		role = strings.TrimSpace(role)
		if role == "" {
			continue
		}
		role = strings.ToUpper(role)
		if !strings.HasPrefix(role, rolePrefix) {
			role = rolePrefix + role
		}
		out = append(out, role)
	}
	return out
}
