package analytics

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/promotion-engine/internal/domain/promotion"
)

// Scheduler periodically rolls up the trailing lookback window of every
// promotion.
type Scheduler struct {
	agg         *Aggregator
	interval    time.Duration
	lookback    int
	concurrency int
	lg          *zap.Logger
}

// NewScheduler creates a Scheduler. lookback is in days, today included.
func NewScheduler(agg *Aggregator, interval time.Duration, lookback, concurrency int, lg *zap.Logger) *Scheduler {
	if lg == nil {
		lg = zap.NewNop()
	}
	if lookback < 1 {
		lookback = 1
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Scheduler{agg: agg, interval: interval, lookback: lookback, concurrency: concurrency, lg: lg}
}

// Run rolls up immediately and then on every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.lg.Warn("Analytics rollup failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce rolls up the lookback window for all promotions.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	promos, err := s.agg.promotions.List(ctx, promotion.Filter{})
	if err != nil {
		return err
	}

	to := Truncate(s.agg.now())
	from := to.AddDate(0, 0, -(s.lookback - 1))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, p := range promos {
		g.Go(func() error {
			if _, err := s.agg.Rollup(ctx, p.ID, from, to); err != nil {
				s.lg.Warn("Promotion rollup failed", zap.String("promotion_id", p.ID), zap.Error(err))
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.lg.Debug("Analytics rollup complete",
		zap.Int("promotions", len(promos)),
		zap.Time("from", from),
		zap.Time("to", to),
	)
	return nil
}
