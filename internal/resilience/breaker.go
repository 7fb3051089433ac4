package resilience

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"

	"github.com/avauth/tokengate/internal/observability"
)

var breakerTransitions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tokengate_breaker_transitions_total",
		Help: "Total number of circuit breaker state transitions",
	},
	[]string{"name", "from", "to"},
)

// BreakerConfig configures circuit breakers created by a Registry.
type BreakerConfig struct {
	// MaxRequests is the number of probe requests allowed while half-open.
	MaxRequests uint32

	// Interval is the closed-state window after which counts reset.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration

	// MinRequests is the minimum number of requests in a window before
	// the failure ratio is consulted.
	MinRequests uint32

	// FailureRatio trips the breaker once MinRequests is reached.
	FailureRatio float64
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.5,
	}
}

// Registry holds one circuit breaker per dependency name. Reset swaps in
// a fresh breaker, which is the only way gobreaker state can be cleared
// by an operator.
type Registry struct {
	mu         sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker
	cfg        BreakerConfig
	isBusiness func(error) bool
	logger     observability.Logger
}

// NewRegistry creates a breaker registry. Errors the isBusiness
// classifier accepts count as successes and never trip a breaker.
func NewRegistry(cfg BreakerConfig, isBusiness func(error) bool, logger observability.Logger) *Registry {
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = DefaultBreakerConfig().MaxRequests
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultBreakerConfig().Timeout
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = DefaultBreakerConfig().MinRequests
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = DefaultBreakerConfig().FailureRatio
	}
	if isBusiness == nil {
		isBusiness = func(error) bool { return false }
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &Registry{
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
		cfg:        cfg,
		isBusiness: isBusiness,
		logger:     logger,
	}
}

// GetOrCreate returns the breaker for the given dependency name,
// creating it on first use.
func (r *Registry) GetOrCreate(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := r.newBreaker(name)
	r.breakers[name] = cb
	return cb
}

// Reset replaces the named breaker with a fresh closed one. Resetting a
// breaker that was never created is a no-op.
func (r *Registry) Reset(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.breakers[name]; !ok {
		return
	}
	r.breakers[name] = r.newBreaker(name)
	r.logger.Info("circuit breaker reset",
		observability.String("name", name),
	)
}

// State returns the named breaker's state and whether it exists.
func (r *Registry) State(name string) (gobreaker.State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[name]
	if !ok {
		return gobreaker.StateClosed, false
	}
	return cb.State(), true
}

// Names returns the dependency names with a live breaker.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	return names
}

func (r *Registry) newBreaker(name string) *gobreaker.CircuitBreaker {
	cfg := r.cfg
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= cfg.MinRequests && failureRatio >= cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			// Business failures are valid answers from a healthy
			// dependency; only infrastructure errors spend the budget.
			return err == nil || r.isBusiness(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Info("circuit breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
			breakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})
}
