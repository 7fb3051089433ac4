// Package janitor removes expired refresh tokens from the store so the
// rotation hot path never pays for dead rows.
package janitor

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/avauth/tokengate/internal/observability"
	"github.com/avauth/tokengate/internal/token"
)

// DefaultInterval is the default time between background sweeps.
const DefaultInterval = 24 * time.Hour

var sweptTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tokengate_janitor_swept_total",
	Help: "Total number of expired refresh tokens removed by the janitor",
})

// Janitor sweeps expired refresh tokens on a schedule and on demand.
type Janitor struct {
	store    token.RefreshStore
	interval time.Duration
	logger   observability.Logger
	now      func() time.Time
}

// New creates a Janitor over the given store.
func New(store token.RefreshStore, interval time.Duration, logger observability.Logger) *Janitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &Janitor{
		store:    store,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Sweep deletes all refresh tokens expired as of now and returns the
// number removed. Idempotent; safe to run concurrently with rotation
// because the store deletes conditionally.
func (j *Janitor) Sweep(ctx context.Context) (int64, error) {
	deleted, err := j.store.DeleteExpired(ctx, j.now())
	if err != nil {
		j.logger.Error("refresh token sweep failed",
			observability.Error(err),
		)
		return 0, err
	}

	if deleted > 0 {
		sweptTotal.Add(float64(deleted))
		j.logger.Info("expired refresh tokens removed",
			observability.Int64("deleted", deleted),
		)
	}
	return deleted, nil
}

// Start runs periodic sweeps until the context is cancelled. It blocks;
// run it on its own goroutine.
func (j *Janitor) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.logger.Info("janitor started",
		observability.Duration("interval", j.interval),
	)

	for {
		select {
		case <-ticker.C:
			_, _ = j.Sweep(ctx)
		case <-ctx.Done():
			j.logger.Info("janitor stopped")
			return
		}
	}
}
