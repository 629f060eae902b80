package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/promotion-engine/internal/domain/analytics"
)

const (
	attemptsByDaySQL = `SELECT (created_at AT TIME ZONE 'UTC')::date AS day,
			COUNT(*)::integer,
			(COUNT(*) FILTER (WHERE action = 'REJECT'))::integer
		FROM promotion_audit
		WHERE promotion_id = $1 AND action IN ('APPLY', 'REJECT')
		  AND created_at >= $2 AND created_at < $3
		GROUP BY day ORDER BY day`

	redemptionsByDaySQL = `SELECT (reserved_at AT TIME ZONE 'UTC')::date AS day,
			COUNT(*)::integer,
			(COUNT(*) FILTER (WHERE status = 'CONFIRMED'))::integer,
			(COUNT(*) FILTER (WHERE status = 'RELEASED'))::integer,
			COALESCE(SUM(discount) FILTER (WHERE status = 'CONFIRMED'), 0)
		FROM redemptions
		WHERE promotion_id = $1 AND reserved_at >= $2 AND reserved_at < $3
		GROUP BY day ORDER BY day`

	upsertDaySQL = `INSERT INTO promotion_daily_analytics
		(promotion_id, date, impressions, rejections, reservations, conversions, releases, revenue_impact, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (promotion_id, date) DO UPDATE SET
			impressions = EXCLUDED.impressions,
			rejections = EXCLUDED.rejections,
			reservations = EXCLUDED.reservations,
			conversions = EXCLUDED.conversions,
			releases = EXCLUDED.releases,
			revenue_impact = EXCLUDED.revenue_impact,
			updated_at = NOW()`

	rangeDaysSQL = `SELECT promotion_id, date, impressions, rejections, reservations, conversions, releases, revenue_impact
		FROM promotion_daily_analytics
		WHERE promotion_id = $1 AND date >= $2 AND date < $3
		ORDER BY date`

	totalDaysSQL = `SELECT COALESCE(SUM(impressions), 0)::integer, COALESCE(SUM(rejections), 0)::integer,
			COALESCE(SUM(reservations), 0)::integer, COALESCE(SUM(conversions), 0)::integer,
			COALESCE(SUM(releases), 0)::integer, COALESCE(SUM(revenue_impact), 0)
		FROM promotion_daily_analytics
		WHERE date >= $1 AND date < $2`
)

var (
	_ analytics.Source = (*AnalyticsRepository)(nil)
	_ analytics.Store  = (*AnalyticsRepository)(nil)
)

// AnalyticsRepository reads raw history from the audit and redemption
// tables and stores daily rollups.
type AnalyticsRepository struct {
	pool *pgxpool.Pool
}

// NewAnalyticsRepository returns an AnalyticsRepository that uses the given pool.
func NewAnalyticsRepository(pool *pgxpool.Pool) *AnalyticsRepository {
	return &AnalyticsRepository{pool: pool}
}

// Attempts implements analytics.Source.
func (r *AnalyticsRepository) Attempts(ctx context.Context, promotionID string, from, to time.Time) ([]analytics.Day, error) {
	rows, err := r.pool.Query(ctx, attemptsByDaySQL, promotionID, from, to)
	if err != nil {
		return nil, fmt.Errorf("counting attempts of %q: %w", promotionID, err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (analytics.Day, error) {
		d := analytics.Day{PromotionID: promotionID, RevenueImpact: decimal.Zero}
		err := row.Scan(&d.Date, &d.Impressions, &d.Rejections)
		return d, err
	})
}

// Redemptions implements analytics.Source.
func (r *AnalyticsRepository) Redemptions(ctx context.Context, promotionID string, from, to time.Time) ([]analytics.Day, error) {
	rows, err := r.pool.Query(ctx, redemptionsByDaySQL, promotionID, from, to)
	if err != nil {
		return nil, fmt.Errorf("counting redemptions of %q: %w", promotionID, err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (analytics.Day, error) {
		d := analytics.Day{PromotionID: promotionID}
		err := row.Scan(&d.Date, &d.Reservations, &d.Conversions, &d.Releases, &d.RevenueImpact)
		return d, err
	})
}

// Upsert implements analytics.Store. Rows are written in one batch.
func (r *AnalyticsRepository) Upsert(ctx context.Context, days []analytics.Day) error {
	if len(days) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, d := range days {
		batch.Queue(upsertDaySQL, d.PromotionID, d.Date, d.Impressions, d.Rejections,
			d.Reservations, d.Conversions, d.Releases, d.RevenueImpact)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upserting %d rollup rows: %w", len(days), err)
	}
	return nil
}

// Range implements analytics.Store.
func (r *AnalyticsRepository) Range(ctx context.Context, promotionID string, from, to time.Time) ([]analytics.Day, error) {
	rows, err := r.pool.Query(ctx, rangeDaysSQL, promotionID, from, to)
	if err != nil {
		return nil, fmt.Errorf("reading rollup of %q: %w", promotionID, err)
	}
	return pgx.CollectRows(rows, scanDay)
}

// Totals implements analytics.Store.
func (r *AnalyticsRepository) Totals(ctx context.Context, from, to time.Time) (analytics.Day, error) {
	var d analytics.Day
	err := r.pool.QueryRow(ctx, totalDaysSQL, from, to).Scan(
		&d.Impressions, &d.Rejections, &d.Reservations, &d.Conversions, &d.Releases, &d.RevenueImpact,
	)
	if err != nil {
		return d, fmt.Errorf("summing rollups: %w", err)
	}
	return d, nil
}

func scanDay(row pgx.CollectableRow) (analytics.Day, error) {
	var d analytics.Day
	err := row.Scan(&d.PromotionID, &d.Date, &d.Impressions, &d.Rejections,
		&d.Reservations, &d.Conversions, &d.Releases, &d.RevenueImpact)
	return d, err
}
