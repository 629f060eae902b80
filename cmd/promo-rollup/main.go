// Command promo-rollup rebuilds daily analytics rows for one promotion or
// for the whole catalog over an inclusive date range.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/promotion-engine/internal/domain/analytics"
	"github.com/xenking/promotion-engine/internal/domain/promotion"
	"github.com/xenking/promotion-engine/internal/repository"
)

func main() {
	var (
		databaseURL string
		promotionID string
		fromFlag    string
		toFlag      string
		concurrency int
	)

	today := analytics.Truncate(time.Now()).Format(time.DateOnly)
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&promotionID, "promotion-id", "", "promotion to roll up; empty rolls up every promotion")
	flag.StringVar(&fromFlag, "from", today, "first day, YYYY-MM-DD (UTC)")
	flag.StringVar(&toFlag, "to", today, "last day, YYYY-MM-DD (UTC)")
	flag.IntVar(&concurrency, "concurrency", 4, "promotions rolled up in parallel")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	from, to, err := parseRange(fromFlag, toFlag)
	if err != nil {
		slog.Error("invalid date range", slog.String("error", err.Error()))
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, promotionID, from, to, concurrency); err != nil {
		slog.Error("rollup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func parseRange(fromStr, toStr string) (from, to time.Time, err error) {
	if from, err = time.Parse(time.DateOnly, fromStr); err != nil {
		return from, to, errors.Wrap(err, "parse from")
	}
	if to, err = time.Parse(time.DateOnly, toStr); err != nil {
		return from, to, errors.Wrap(err, "parse to")
	}
	if to.Before(from) {
		return from, to, errors.New("from must not be after to")
	}
	return from, to, nil
}

func run(ctx context.Context, databaseURL, promotionID string, from, to time.Time, concurrency int) error {
	pool, err := repository.NewPool(ctx, databaseURL, int32(max(concurrency, 1)+1))
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	promotions := repository.NewPromotionRepository(pool)
	store := repository.NewAnalyticsRepository(pool)
	agg := analytics.NewAggregator(store, store, promotions)

	ids := []string{promotionID}
	if promotionID == "" {
		all, err := promotions.List(ctx, promotion.Filter{})
		if err != nil {
			return errors.Wrap(err, "list promotions")
		}
		ids = ids[:0]
		for _, p := range all {
			ids = append(ids, p.ID)
		}
	}

	slog.Info("rolling up",
		slog.Int("promotions", len(ids)),
		slog.String("from", from.Format(time.DateOnly)),
		slog.String("to", to.Format(time.DateOnly)),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(concurrency, 1))
	for _, id := range ids {
		g.Go(func() error {
			rows, err := agg.Rollup(ctx, id, from, to)
			if err != nil {
				return errors.Wrapf(err, "rollup %s", id)
			}
			total := analytics.Day{}
			for _, d := range rows {
				total.Add(d)
			}
			slog.Info("promotion rolled up",
				slog.String("promotion_id", id),
				slog.Int("days", len(rows)),
				slog.Int("impressions", total.Impressions),
				slog.Int("conversions", total.Conversions),
				slog.String("revenue_impact", total.RevenueImpact.String()),
			)
			return nil
		})
	}
	return g.Wait()
}
