package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ExpiredSweeper cancels payment-pending orders whose deadline has passed.
type ExpiredSweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

type Sweeper struct {
	target   ExpiredSweeper
	interval time.Duration
	log      *zap.Logger
}

func New(target ExpiredSweeper, interval time.Duration, log *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		target:   target,
		interval: interval,
		log:      log.Named("sweeper"),
	}
}

// Start sweeps once right away and then on every tick until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.target.SweepExpired(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Error("sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Debug("sweep finished", zap.Int("cancelled", n))
	}
}
