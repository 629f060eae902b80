// Package handler exposes the promotion engine over HTTP with a chi router
// and jx-encoded JSON bodies.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/promotion-engine/internal/domain/analytics"
	"github.com/xenking/promotion-engine/internal/domain/audit"
	"github.com/xenking/promotion-engine/internal/domain/auth"
	"github.com/xenking/promotion-engine/internal/domain/checkout"
	"github.com/xenking/promotion-engine/internal/domain/ledger"
	"github.com/xenking/promotion-engine/internal/domain/promotion"
)

// Checkout is the storefront-facing service.
type Checkout interface {
	Validate(ctx context.Context, req checkout.ValidateRequest) (*checkout.ValidateResult, error)
	Apply(ctx context.Context, req checkout.ApplyRequest) (*checkout.ApplyResult, error)
	Applicable(ctx context.Context, req checkout.ApplicableRequest) ([]checkout.Candidate, error)
	Confirm(ctx context.Context, reservationID, orderID string) (*ledger.Reservation, error)
	Release(ctx context.Context, reservationID string) (*ledger.Reservation, error)
}

// Catalog is the admin view of promotions.
type Catalog interface {
	Get(ctx context.Context, id string) (*promotion.Promotion, error)
	List(ctx context.Context, f promotion.Filter) ([]promotion.Promotion, error)
	Create(ctx context.Context, actor string, p *promotion.Promotion) (*promotion.Promotion, error)
	Update(ctx context.Context, actor, id string, mutate func(p *promotion.Promotion) error) (*promotion.Promotion, error)
	Toggle(ctx context.Context, actor, id string) (*promotion.Promotion, error)
	Duplicate(ctx context.Context, actor, id string) (*promotion.Promotion, error)
}

// AuditLog reads the audit trail.
type AuditLog interface {
	List(ctx context.Context, promotionID string, limit int) ([]audit.Entry, error)
}

// Analytics reads and rebuilds rollups.
type Analytics interface {
	Range(ctx context.Context, promotionID string, from, to time.Time) ([]analytics.Day, error)
	Rollup(ctx context.Context, promotionID string, from, to time.Time) ([]analytics.Day, error)
	Summary(ctx context.Context, from, to time.Time) (*analytics.Summary, error)
}

// Authenticator resolves raw API keys.
type Authenticator interface {
	Authenticate(ctx context.Context, key string) (*auth.APIKeyInfo, error)
}

// Deps are the services behind the handlers.
type Deps struct {
	Checkout  Checkout
	Catalog   Catalog
	Audit     AuditLog
	Analytics Analytics
	Auth      Authenticator
}

// Handler serves the /api routes.
type Handler struct {
	checkout  Checkout
	catalog   Catalog
	audit     AuditLog
	analytics Analytics
	auth      Authenticator
	now       func() time.Time
}

// New creates a Handler.
func New(d Deps) *Handler {
	return &Handler{
		checkout:  d.Checkout,
		catalog:   d.Catalog,
		audit:     d.Audit,
		analytics: d.Analytics,
		auth:      d.Auth,
		now:       time.Now,
	}
}

// Mount registers the API routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Use(h.authenticate)

		r.Post("/promotions/validate", h.validate)
		r.Post("/promotions/apply", h.apply)
		r.Post("/promotions/applicable", h.applicable)
		r.Post("/reservations/{id}/confirm", h.confirm)
		r.Post("/reservations/{id}/release", h.release)

		r.Route("/admin", func(r chi.Router) {
			r.Use(requireScope(auth.ScopeAdmin))

			r.Get("/promotions", h.listPromotions)
			r.Post("/promotions", h.createPromotion)
			r.Get("/promotions/{id}", h.getPromotion)
			r.Patch("/promotions/{id}", h.updatePromotion)
			r.Post("/promotions/{id}/toggle", h.togglePromotion)
			r.Post("/promotions/{id}/duplicate", h.duplicatePromotion)
			r.Get("/promotions/{id}/audit", h.promotionAudit)
			r.Get("/promotions/{id}/analytics", h.promotionAnalytics)
			r.Post("/promotions/{id}/rollup", h.rollupPromotion)
			r.Get("/stats", h.stats)
		})
	})
}

// Router returns a standalone router with the API mounted.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})
	h.Mount(r)
	return r
}
