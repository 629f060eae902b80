package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically releases reservations left past their TTL.
type Sweeper struct {
	ledger   Ledger
	interval time.Duration
	lg       *zap.Logger
	now      func() time.Time
}

// NewSweeper creates a Sweeper running every interval.
func NewSweeper(l Ledger, interval time.Duration, lg *zap.Logger) *Sweeper {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Sweeper{ledger: l, interval: interval, lg: lg, now: time.Now}
}

// Run sweeps until ctx is cancelled. Sweep failures are logged and retried
// on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single sweep and returns the number of released records.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	n, err := s.ledger.Sweep(ctx, s.now().UTC())
	if err != nil {
		s.lg.Warn("Reservation sweep failed", zap.Int("released", n), zap.Error(err))
		return n
	}
	if n > 0 {
		s.lg.Info("Expired reservations released", zap.Int("released", n))
	}
	return n
}
