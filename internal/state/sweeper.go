package state

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper enforces the retention policy: terminal plans older than maxAge
// are purged in a background loop. Running plans are never touched, the
// DELETE filters on terminal statuses only.
type Sweeper struct {
	store    PlanStore
	log      *zap.Logger
	interval time.Duration
	maxAge   time.Duration
}

// NewSweeper builds a retention sweeper. maxAge <= 0 disables it.
func NewSweeper(store PlanStore, log *zap.Logger, interval, maxAge time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{store: store, log: log, interval: interval, maxAge: maxAge}
}

// Run sweeps until ctx is cancelled. Call in a goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	if s.maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce()
		}
	}
}

// SweepOnce purges once and logs the outcome.
func (s *Sweeper) SweepOnce() {
	cutoff := time.Now().Add(-s.maxAge)
	n, err := s.store.PurgeTerminalPlansBefore(cutoff)
	if err != nil {
		s.log.Error("retention sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Info("retention sweep purged terminal plans",
			zap.Int("count", n),
			zap.Time("cutoff", cutoff))
	}
}
