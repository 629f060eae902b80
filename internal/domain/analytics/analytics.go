// Package analytics rolls ledger and audit history up into daily per-promotion
// metrics. Rollups are derived data: re-running one overwrites the same rows.
package analytics

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/promotion-engine/internal/domain/promotion"
)

// Day is one rollup row, keyed by (PromotionID, Date). Date is a UTC midnight.
type Day struct {
	PromotionID   string
	Date          time.Time
	Impressions   int
	Rejections    int
	Reservations  int
	Conversions   int
	Releases      int
	RevenueImpact decimal.Decimal
}

// Add accumulates o into d.
func (d *Day) Add(o Day) {
	d.Impressions += o.Impressions
	d.Rejections += o.Rejections
	d.Reservations += o.Reservations
	d.Conversions += o.Conversions
	d.Releases += o.Releases
	d.RevenueImpact = d.RevenueImpact.Add(o.RevenueImpact)
}

// Source reads raw history. Both methods return only days with activity in
// [from, to), grouped by UTC day.
type Source interface {
	// Attempts counts APPLY and REJECT audit entries; it fills Impressions
	// and Rejections.
	Attempts(ctx context.Context, promotionID string, from, to time.Time) ([]Day, error)
	// Redemptions groups ledger records by reservation day; it fills
	// Reservations, Conversions, Releases and RevenueImpact.
	Redemptions(ctx context.Context, promotionID string, from, to time.Time) ([]Day, error)
}

// Store persists rollup rows.
type Store interface {
	Upsert(ctx context.Context, days []Day) error
	Range(ctx context.Context, promotionID string, from, to time.Time) ([]Day, error)
	// Totals sums rollup rows of every promotion in [from, to).
	Totals(ctx context.Context, from, to time.Time) (Day, error)
}

// Promotions lists the catalog.
type Promotions interface {
	List(ctx context.Context, f promotion.Filter) ([]promotion.Promotion, error)
}

// Summary is the catalog-wide dashboard view.
type Summary struct {
	TotalPromotions   int
	ActivePromotions  int
	ExpiredPromotions int
	TotalUsage        int
	Totals            Day
	// ConversionRate is conversions per impression in percent, 0..100.
	ConversionRate int
}

// Aggregator computes and stores rollups.
type Aggregator struct {
	source     Source
	store      Store
	promotions Promotions
	now        func() time.Time
}

// NewAggregator creates an Aggregator.
func NewAggregator(source Source, store Store, promotions Promotions) *Aggregator {
	return &Aggregator{source: source, store: store, promotions: promotions, now: time.Now}
}

// Truncate returns the UTC midnight of t.
func Truncate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Days returns every UTC day in the inclusive range [from, to].
func Days(from, to time.Time) []time.Time {
	from, to = Truncate(from), Truncate(to)
	var out []time.Time
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}

// Rollup recomputes one row per UTC day in [from, to] for the promotion and
// upserts them. Days without activity are written as zero rows so a re-run
// overwrites anything stale.
func (a *Aggregator) Rollup(ctx context.Context, promotionID string, from, to time.Time) ([]Day, error) {
	days := Days(from, to)
	if len(days) == 0 {
		return nil, errors.Errorf("empty range %s..%s", from.Format(time.DateOnly), to.Format(time.DateOnly))
	}
	start, end := days[0], days[len(days)-1].AddDate(0, 0, 1)

	attempts, err := a.source.Attempts(ctx, promotionID, start, end)
	if err != nil {
		return nil, errors.Wrap(err, "read attempts")
	}
	redemptions, err := a.source.Redemptions(ctx, promotionID, start, end)
	if err != nil {
		return nil, errors.Wrap(err, "read redemptions")
	}

	index := make(map[time.Time]int, len(days))
	rows := make([]Day, len(days))
	for i, d := range days {
		index[d] = i
		rows[i] = Day{PromotionID: promotionID, Date: d, RevenueImpact: decimal.Zero}
	}
	for _, group := range [][]Day{attempts, redemptions} {
		for _, d := range group {
			i, ok := index[Truncate(d.Date)]
			if !ok {
				continue
			}
			rows[i].Add(d)
		}
	}

	if err := a.store.Upsert(ctx, rows); err != nil {
		return nil, errors.Wrap(err, "upsert rollup")
	}
	return rows, nil
}

// Range returns stored rows for the promotion in [from, to].
func (a *Aggregator) Range(ctx context.Context, promotionID string, from, to time.Time) ([]Day, error) {
	return a.store.Range(ctx, promotionID, Truncate(from), Truncate(to).AddDate(0, 0, 1))
}

// Summary returns catalog-wide counts plus rollup totals for [from, to].
func (a *Aggregator) Summary(ctx context.Context, from, to time.Time) (*Summary, error) {
	promos, err := a.promotions.List(ctx, promotion.Filter{})
	if err != nil {
		return nil, errors.Wrap(err, "list promotions")
	}
	totals, err := a.store.Totals(ctx, Truncate(from), Truncate(to).AddDate(0, 0, 1))
	if err != nil {
		return nil, errors.Wrap(err, "rollup totals")
	}

	now := a.now()
	s := &Summary{TotalPromotions: len(promos), Totals: totals}
	for i := range promos {
		p := &promos[i]
		s.TotalUsage += p.UsageCount
		expired := p.ExpiresAt != nil && !now.Before(*p.ExpiresAt)
		if expired {
			s.ExpiredPromotions++
		}
		started := p.StartsAt == nil || !now.Before(*p.StartsAt)
		if p.IsActive && started && !expired {
			s.ActivePromotions++
		}
	}
	if totals.Impressions > 0 {
		s.ConversionRate = min(100, totals.Conversions*100/totals.Impressions)
	}
	return s, nil
}
