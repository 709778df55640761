// Package worker runs background maintenance alongside the API. Today that is
// the timeout sweeper, which settles productions nobody is polling.
package worker

import (
	"context"
	"time"

	"github.com/bobarin/adreel/internal/metrics"
	"github.com/rs/zerolog/log"
)

const (
	DefaultInterval = time.Minute
	batchSize       = 100
)

// TimeoutSweeper settles processing videos that ran past the timeout.
type TimeoutSweeper interface {
	SweepTimeouts(ctx context.Context, limit int) (int, error)
}

// Sweeper calls SweepTimeouts on a fixed interval. It holds no state of its
// own, so running several replicas only repeats idempotent work.
type Sweeper struct {
	target   TimeoutSweeper
	interval time.Duration
}

func NewSweeper(target TimeoutSweeper, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{target: target, interval: interval}
}

// Start sweeps once immediately, then on every tick until ctx is done.
func (s *Sweeper) Start(ctx context.Context) error {
	log.Info().Dur("interval", s.interval).Msg("Timeout sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.RunOnce(ctx)

		select {
		case <-ctx.Done():
			log.Info().Msg("Timeout sweeper shutting down...")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs one pass, draining full batches so a backlog clears in a
// single tick. It returns the number of videos settled.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	total := 0
	for {
		settled, err := s.target.SweepTimeouts(ctx, batchSize)
		total += settled
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("Timeout sweep failed")
			}
			metrics.SweepRuns.WithLabelValues("error").Inc()
			return total
		}
		if settled < batchSize {
			break
		}
	}

	result := "idle"
	if total > 0 {
		result = "settled"
		log.Info().Int("settled", total).Msg("Timed out stale productions")
	}
	metrics.SweepRuns.WithLabelValues(result).Inc()
	return total
}
