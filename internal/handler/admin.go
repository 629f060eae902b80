package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/promotion-engine/internal/domain/promotion"
)

const (
	analyticsDefaultDays = 30
	auditDefaultLimit    = 50
	auditMaxLimit        = 500
)

func (h *Handler) listPromotions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := promotion.Filter{
		Type:   promotion.DiscountType(q.Get("type")),
		Search: q.Get("search"),
	}
	if v := q.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			fail(w, r, badInput("active must be a boolean"))
			return
		}
		f.Active = &active
	}
	if f.Type != "" && !f.Type.Known() {
		fail(w, r, badInput("unknown type %q", f.Type))
		return
	}

	promos, err := h.catalog.List(r.Context(), f)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("promotions", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for i := range promos {
						promos[i].Encode(e)
					}
				})
			})
			e.Field("total", func(e *jx.Encoder) { e.Int(len(promos)) })
		})
	})
}

func (h *Handler) createPromotion(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	var p promotion.Promotion
	if err := p.Decode(jx.DecodeBytes(data)); err != nil {
		fail(w, r, badInput("malformed promotion: %v", err))
		return
	}

	created, err := h.catalog.Create(r.Context(), actor(r.Context()), &p)
	if err != nil {
		fail(w, r, err)
		return
	}
	writePromotion(w, http.StatusCreated, created)
}

func (h *Handler) getPromotion(w http.ResponseWriter, r *http.Request) {
	p, err := h.catalog.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writePromotion(w, http.StatusOK, p)
}

// updatePromotion applies a partial document: only the fields present in
// the body change.
func (h *Handler) updatePromotion(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	if len(data) == 0 {
		fail(w, r, badInput("request body is required"))
		return
	}

	p, err := h.catalog.Update(r.Context(), actor(r.Context()), chi.URLParam(r, "id"), func(p *promotion.Promotion) error {
		if err := p.Decode(jx.DecodeBytes(data)); err != nil {
			return badInput("malformed promotion: %v", err)
		}
		return nil
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writePromotion(w, http.StatusOK, p)
}

func (h *Handler) togglePromotion(w http.ResponseWriter, r *http.Request) {
	p, err := h.catalog.Toggle(r.Context(), actor(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writePromotion(w, http.StatusOK, p)
}

func (h *Handler) duplicatePromotion(w http.ResponseWriter, r *http.Request) {
	p, err := h.catalog.Duplicate(r.Context(), actor(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writePromotion(w, http.StatusCreated, p)
}

func (h *Handler) promotionAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", auditDefaultLimit, 1, auditMaxLimit)
	if err != nil {
		fail(w, r, err)
		return
	}
	p, err := h.catalog.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	entries, err := h.audit.List(r.Context(), p.ID, limit)
	if err != nil {
		fail(w, r, errors.Wrap(err, "list audit"))
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("entries", func(e *jx.Encoder) { encodeAudit(e, entries) })
		})
	})
}

func writePromotion(w http.ResponseWriter, status int, p *promotion.Promotion) {
	writeJSON(w, status, p.Encode)
}
