// Package blacklist records revoked access-token identifiers (jti) until
// their natural expiry. Entries live in a bounded expiring cache: a
// revoked token can never outlive its blacklist entry because the entry
// TTL is at least the maximum access-token lifetime. With the memory
// backend the list is process-local and a restart forgets revocations;
// the redis backend shares it across instances.
package blacklist

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/avauth/tokengate/internal/cache"
	"github.com/avauth/tokengate/internal/observability"
)

var revokedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tokengate_blacklist_revoked_total",
	Help: "Total number of access tokens revoked",
})

const keyPrefix = "jti:"

// Blacklist is a best-effort revocation list keyed by jti.
type Blacklist struct {
	store  cache.Store
	ttl    time.Duration
	logger observability.Logger
}

// New creates a blacklist whose entries live for ttl. The ttl is clamped
// up to accessTTL so an entry cannot expire before the token it revokes.
func New(store cache.Store, ttl, accessTTL time.Duration, logger observability.Logger) *Blacklist {
	if ttl < accessTTL {
		ttl = accessTTL
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &Blacklist{
		store:  store,
		ttl:    ttl,
		logger: logger,
	}
}

// Revoke records the token identifier as revoked until the blacklist TTL
// elapses.
func (b *Blacklist) Revoke(ctx context.Context, tokenID string) error {
	if err := b.store.Set(ctx, keyPrefix+tokenID, 1, b.ttl); err != nil {
		return err
	}

	revokedTotal.Inc()
	b.logger.WithContext(ctx).Info("access token revoked",
		observability.String("jti", tokenID),
	)
	return nil
}

// IsRevoked reports whether the token identifier has a live blacklist
// entry. Store errors and misses both read as "not revoked": revocation
// is best-effort within a process lifetime, not a durability guarantee.
func (b *Blacklist) IsRevoked(ctx context.Context, tokenID string) bool {
	_, err := b.store.Get(ctx, keyPrefix+tokenID)
	if err != nil {
		if !cache.IsKeyNotFound(err) {
			b.logger.WithContext(ctx).Warn("blacklist lookup failed, failing open",
				observability.Error(err),
			)
		}
		return false
	}
	return true
}
