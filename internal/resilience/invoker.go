package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/avauth/tokengate/internal/observability"
)

// Sentinel errors for rejected invocations.
var (
	// ErrCircuitOpen indicates the dependency's circuit breaker rejected
	// the call without executing it.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrRateLimited indicates the invoker's rate limiter rejected the
	// call before it reached the breaker.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// InvokerConfig configures a ResilientInvoker.
type InvokerConfig struct {
	Retry   RetryConfig
	Breaker BreakerConfig

	// AttemptTimeout bounds each individual attempt.
	AttemptTimeout time.Duration

	// RateLimit is the sustained invocation rate; Burst the burst size.
	// Zero disables rate limiting.
	RateLimit float64
	Burst     int
}

// DefaultInvokerConfig returns the default invoker configuration.
func DefaultInvokerConfig() InvokerConfig {
	return InvokerConfig{
		Retry:          DefaultRetryConfig(),
		Breaker:        DefaultBreakerConfig(),
		AttemptTimeout: 5 * time.Second,
		RateLimit:      100,
		Burst:          200,
	}
}

// InvokerOption is a functional option for configuring the invoker.
type InvokerOption func(*Invoker)

// WithInvokerLogger sets the logger for the invoker.
func WithInvokerLogger(logger observability.Logger) InvokerOption {
	return func(inv *Invoker) {
		inv.logger = logger
	}
}

// WithBusinessClassifier sets the classifier separating business errors
// (propagated untouched, never retried, never counted against the
// breaker) from infrastructure errors.
func WithBusinessClassifier(fn func(error) bool) InvokerOption {
	return func(inv *Invoker) {
		inv.isBusiness = fn
	}
}

// Invoker runs operations against downstream dependencies through a
// fixed chain: rate limiter outermost, then a per-dependency circuit
// breaker, then bounded retry innermost. Each attempt runs under its own
// timeout.
type Invoker struct {
	cfg        InvokerConfig
	limiter    *rate.Limiter
	registry   *Registry
	retryer    *retryer
	isBusiness func(error) bool
	logger     observability.Logger
}

// NewInvoker creates a ResilientInvoker.
func NewInvoker(cfg InvokerConfig, opts ...InvokerOption) *Invoker {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultInvokerConfig().AttemptTimeout
	}

	inv := &Invoker{
		cfg:        cfg,
		isBusiness: func(error) bool { return false },
		logger:     observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(inv)
	}

	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RateLimit)
		}
		inv.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	inv.registry = NewRegistry(cfg.Breaker, func(err error) bool { return inv.isBusiness(err) }, inv.logger)
	inv.retryer = newRetryer(cfg.Retry, inv.logger)
	return inv
}

// Registry exposes the breaker registry for operator actions.
func (inv *Invoker) Registry() *Registry {
	return inv.registry
}

// Do runs fn under the resilience chain for the named dependency.
//
// Business errors return immediately. An open breaker returns
// ErrCircuitOpen without running fn; an exhausted rate limiter returns
// ErrRateLimited without touching breaker state.
func (inv *Invoker) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if inv.limiter != nil && !inv.limiter.Allow() {
		inv.logger.Warn("invocation rate limited",
			observability.String("operation", operation),
		)
		return ErrRateLimited
	}

	cb := inv.registry.GetOrCreate(operation)
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, inv.retryer.do(ctx, operation, func(ctx context.Context) error {
			attemptCtx, cancel := context.WithTimeout(ctx, inv.cfg.AttemptTimeout)
			defer cancel()
			return fn(attemptCtx)
		}, inv.shouldRetry)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		inv.logger.Warn("circuit breaker rejected invocation",
			observability.String("operation", operation),
		)
		return ErrCircuitOpen
	}
	return err
}

// shouldRetry retries infrastructure errors only. Context cancellation
// from the caller ends the loop; a per-attempt deadline is retryable.
func (inv *Invoker) shouldRetry(err error) bool {
	if inv.isBusiness(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
