package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/promotion-engine/internal/domain/analytics"
)

func (h *Handler) promotionAnalytics(w http.ResponseWriter, r *http.Request) {
	h.days(w, r, h.analytics.Range)
}

// rollupPromotion rebuilds the rollup rows of one promotion on demand.
func (h *Handler) rollupPromotion(w http.ResponseWriter, r *http.Request) {
	h.days(w, r, h.analytics.Rollup)
}

type daysFunc func(ctx context.Context, promotionID string, from, to time.Time) ([]analytics.Day, error)

func (h *Handler) days(w http.ResponseWriter, r *http.Request, fn daysFunc) {
	from, to, err := dateRange(r, h.now(), analyticsDefaultDays)
	if err != nil {
		fail(w, r, err)
		return
	}
	p, err := h.catalog.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	days, err := fn(r.Context(), p.ID, from, to)
	if err != nil {
		fail(w, r, err)
		return
	}

	total := analytics.Day{}
	for _, d := range days {
		total.Add(d)
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("promotionId", func(e *jx.Encoder) { e.Str(p.ID) })
			e.Field("from", func(e *jx.Encoder) { e.Str(from.Format(time.DateOnly)) })
			e.Field("to", func(e *jx.Encoder) { e.Str(to.Format(time.DateOnly)) })
			e.Field("days", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for _, d := range days {
						encodeDay(e, d)
					}
				})
			})
			e.Field("total", func(e *jx.Encoder) { encodeDay(e, total) })
		})
	})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	from, to, err := dateRange(r, h.now(), analyticsDefaultDays)
	if err != nil {
		fail(w, r, err)
		return
	}
	s, err := h.analytics.Summary(r.Context(), from, to)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("from", func(e *jx.Encoder) { e.Str(from.Format(time.DateOnly)) })
			e.Field("to", func(e *jx.Encoder) { e.Str(to.Format(time.DateOnly)) })
			e.Field("totalPromotions", func(e *jx.Encoder) { e.Int(s.TotalPromotions) })
			e.Field("activePromotions", func(e *jx.Encoder) { e.Int(s.ActivePromotions) })
			e.Field("expiredPromotions", func(e *jx.Encoder) { e.Int(s.ExpiredPromotions) })
			e.Field("totalUsage", func(e *jx.Encoder) { e.Int(s.TotalUsage) })
			e.Field("conversionRate", func(e *jx.Encoder) { e.Int(s.ConversionRate) })
			e.Field("totals", func(e *jx.Encoder) { encodeDay(e, s.Totals) })
		})
	})
}
