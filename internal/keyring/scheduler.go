package keyring

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler periodically runs the rotation check. One scheduler runs per
// process; the distributed lock inside CheckAndRotateKeys makes the
// cluster-wide rotation single-writer.
type Scheduler struct {
	ring     *Ring
	interval time.Duration
	log      zerolog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewScheduler creates a rotation scheduler.
func NewScheduler(ring *Ring, interval time.Duration, log zerolog.Logger) *Scheduler {
	return &Scheduler{ring: ring, interval: interval, log: log}
}

// Start launches the check loop. An immediate check runs first so a fresh
// deployment gets a signing key without waiting a full interval.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		if err := s.ring.CheckAndRotateKeys(ctx); err != nil {
			s.log.Error().Err(err).Msg("initial rotation check failed")
		}

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.ring.CheckAndRotateKeys(ctx); err != nil {
					s.log.Error().Err(err).Msg("rotation check failed")
				}
			}
		}
	}()

	s.log.Info().Dur("interval", s.interval).Msg("key rotation scheduler started")
}

// Stop halts the loop and waits for the in-flight check to finish.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.log.Info().Msg("key rotation scheduler stopped")
}
