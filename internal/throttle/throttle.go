// Package throttle implements a per-principal brute-force login throttle.
// Failures accumulate in an expiring counter; once the threshold is
// reached, authentication is refused until the window elapses. Counting
// failures instead of locking accounts means an attacker cannot
// permanently lock out a victim.
package throttle

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/avauth/tokengate/internal/cache"
	"github.com/avauth/tokengate/internal/observability"
)

var throttleBlockedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tokengate_throttle_blocked_total",
	Help: "Total number of login attempts refused by the throttle",
})

// Default throttle parameters.
const (
	DefaultMaxAttempts = 5
	DefaultWindow      = 15 * time.Minute
)

const keyPrefix = "throttle:"

// Config holds throttle configuration.
type Config struct {
	// MaxAttempts is the failure count at which a principal is blocked.
	MaxAttempts int

	// Window is how long accumulated failures are remembered.
	Window time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: DefaultMaxAttempts,
		Window:      DefaultWindow,
	}
}

// Throttle decides whether a principal may attempt authentication.
type Throttle struct {
	store       cache.Store
	maxAttempts int
	window      time.Duration
	logger      observability.Logger
}

// New creates a login throttle backed by the given store.
func New(store cache.Store, cfg Config, logger observability.Logger) *Throttle {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &Throttle{
		store:       store,
		maxAttempts: cfg.MaxAttempts,
		window:      cfg.Window,
		logger:      logger,
	}
}

// IsBlocked reports whether the principal has reached the failure
// threshold. An unavailable store fails open: refusing all logins because
// the counter backend is down would be a worse outcome than briefly
// losing throttling.
func (t *Throttle) IsBlocked(ctx context.Context, principalKey string) bool {
	count, err := t.store.Get(ctx, keyPrefix+principalKey)
	if err != nil {
		if !cache.IsKeyNotFound(err) {
			t.logger.WithContext(ctx).Warn("throttle store unavailable, failing open",
				observability.Error(err),
			)
		}
		return false
	}

	blocked := count >= int64(t.maxAttempts)
	if blocked {
		throttleBlockedTotal.Inc()
	}
	return blocked
}

// RecordFailure increments the failure counter for the principal.
func (t *Throttle) RecordFailure(ctx context.Context, principalKey string) {
	count, err := t.store.IncrementWithExpiry(ctx, keyPrefix+principalKey, 1, t.window)
	if err != nil {
		t.logger.WithContext(ctx).Warn("throttle failure not recorded",
			observability.Error(err),
		)
		return
	}

	if count == int64(t.maxAttempts) {
		t.logger.WithContext(ctx).Warn("login throttle threshold reached",
			observability.String("principal", principalKey),
			observability.Int64("failures", count),
			observability.Duration("window", t.window),
		)
	}
}

// RecordSuccess clears the failure counter for the principal.
func (t *Throttle) RecordSuccess(ctx context.Context, principalKey string) {
	if err := t.store.Delete(ctx, keyPrefix+principalKey); err != nil {
		t.logger.WithContext(ctx).Warn("throttle counter not reset",
			observability.Error(err),
		)
	}
}

// Failures returns the current failure count for the principal; absence is
// reported as zero.
func (t *Throttle) Failures(ctx context.Context, principalKey string) int64 {
	count, err := t.store.Get(ctx, keyPrefix+principalKey)
	if err != nil {
		return 0
	}
	return count
}
