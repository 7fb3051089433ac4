// Package resilience wraps calls to downstream dependencies with retry,
// circuit breaking, and rate limiting so that one slow or failing
// dependency cannot take the whole gateway down with it.
package resilience

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"math"
	"time"

	"github.com/avauth/tokengate/internal/observability"
)

// RetryConfig bounds the retry loop.
type RetryConfig struct {
	Attempts    int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:    3,
		BackoffBase: 100 * time.Millisecond,
		BackoffMax:  5 * time.Second,
	}
}

// retryer runs a function up to Attempts times with exponential backoff.
// Only errors the shouldRetry classifier accepts are retried; everything
// else propagates on first occurrence.
type retryer struct {
	cfg    RetryConfig
	logger observability.Logger
}

func newRetryer(cfg RetryConfig, logger observability.Logger) *retryer {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultRetryConfig().Attempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultRetryConfig().BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultRetryConfig().BackoffMax
	}
	return &retryer{cfg: cfg, logger: logger}
}

func (r *retryer) do(ctx context.Context, operation string, fn func(ctx context.Context) error, shouldRetry func(error) bool) error {
	var lastErr error

	for attempt := 0; attempt < r.cfg.Attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !shouldRetry(lastErr) {
			return lastErr
		}

		if attempt < r.cfg.Attempts-1 {
			r.logger.Warn("retrying operation",
				observability.String("operation", operation),
				observability.Int("attempt", attempt+1),
				observability.Int("max_attempts", r.cfg.Attempts),
				observability.Error(lastErr),
			)

			select {
			case <-time.After(calculateBackoff(attempt, r.cfg.BackoffBase, r.cfg.BackoffMax)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	r.logger.Error("all retries exhausted",
		observability.String("operation", operation),
		observability.Int("attempts", r.cfg.Attempts),
		observability.Error(lastErr),
	)
	return lastErr
}

// calculateBackoff calculates exponential backoff with jitter.
func calculateBackoff(attempt int, base, maxBackoff time.Duration) time.Duration {
	backoff := float64(base) * math.Pow(2, float64(attempt))
	jitter := backoff * 0.25 * secureRandomFloat()
	backoff += jitter

	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	return time.Duration(backoff)
}

// secureRandomFloat returns a cryptographically secure random float64 between 0 and 1.
func secureRandomFloat() float64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0.5 // fallback to middle value
	}
	return float64(binary.LittleEndian.Uint64(b[:])) / float64(^uint64(0))
}
