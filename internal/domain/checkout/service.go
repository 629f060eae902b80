package checkout

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/promotion-engine/internal/domain/audit"
	"github.com/xenking/promotion-engine/internal/domain/ledger"
	"github.com/xenking/promotion-engine/internal/domain/product"
	"github.com/xenking/promotion-engine/internal/domain/promotion"
)

// DefaultReservationTTL is how long an unconfirmed reservation holds its slot.
const DefaultReservationTTL = 30 * time.Minute

// Service encapsulates promotion redemption for checkout callers.
type Service struct {
	catalog  Catalog
	ledger   Reservations
	audit    promotion.Auditor
	products product.Repository

	ttl         time.Duration
	concurrency int
	now         func() time.Time

	tracer   trace.Tracer
	outcomes metric.Int64Counter
	duration metric.Float64Histogram
}

// Option configures a Service.
type Option func(*options)

type options struct {
	ttl            time.Duration
	concurrency    int
	now            func() time.Time
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	products       product.Repository
}

// WithReservationTTL sets how long reservations live before the sweep.
func WithReservationTTL(d time.Duration) Option {
	return func(o *options) { o.ttl = d }
}

// WithConcurrency bounds the fan-out of Applicable.
func WithConcurrency(n int) Option {
	return func(o *options) { o.concurrency = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMeterProvider sets the meter provider for reservation metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithProducts enables category lookup for items sent without one.
func WithProducts(repo product.Repository) Option {
	return func(o *options) { o.products = repo }
}

// NewService creates a checkout Service.
func NewService(catalog Catalog, reservations Reservations, auditor promotion.Auditor, opts ...Option) (*Service, error) {
	o := options{
		ttl:            DefaultReservationTTL,
		concurrency:    8,
		now:            time.Now,
		meterProvider:  metricnoop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	meter := o.meterProvider.Meter("promotion-engine/checkout")
	outcomes, err := meter.Int64Counter("promo.reserve.outcomes",
		metric.WithDescription("Reservation attempts by outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create outcomes counter")
	}
	duration, err := meter.Float64Histogram("promo.reserve.duration",
		metric.WithDescription("Ledger reserve latency"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create duration histogram")
	}

	return &Service{
		catalog:     catalog,
		ledger:      reservations,
		audit:       auditor,
		products:    o.products,
		ttl:         o.ttl,
		concurrency: max(1, o.concurrency),
		now:         o.now,
		tracer:      o.tracerProvider.Tracer("promotion-engine/checkout"),
		outcomes:    outcomes,
		duration:    duration,
	}, nil
}

func (s *Service) lookup(ctx context.Context, code string) (*promotion.Promotion, error) {
	p, err := s.catalog.FindByCode(ctx, promotion.NormalizeCode(code))
	if errors.Is(err, promotion.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find promotion")
	}
	return p, nil
}

// resolveCategories fills CategoryID for items that arrived without one.
func (s *Service) resolveCategories(ctx context.Context, items []promotion.Item) ([]promotion.Item, error) {
	if s.products == nil {
		return items, nil
	}
	var missing []string
	for _, it := range items {
		if it.CategoryID == "" {
			missing = append(missing, it.ProductID)
		}
	}
	if len(missing) == 0 {
		return items, nil
	}

	categories, err := product.Categories(ctx, s.products, missing)
	if err != nil {
		return nil, errors.Wrap(err, "resolve categories")
	}
	out := make([]promotion.Item, len(items))
	for i, it := range items {
		if it.CategoryID == "" {
			it.CategoryID = categories[it.ProductID]
		}
		out[i] = it
	}
	return out, nil
}

// usage returns the live counts needed for checks 3-4, skipping the ledger
// when the promotion has no limits.
func (s *Service) usage(ctx context.Context, p *promotion.Promotion, customerID string) (promotion.Usage, error) {
	if _, limited := p.CustomerLimit(); p.UsageLimit == nil && !limited {
		return promotion.Usage{}, nil
	}
	return s.ledger.Usage(ctx, p.ID, customerID)
}

// Validate previews a code against a cart without reserving anything.
func (s *Service) Validate(ctx context.Context, req ValidateRequest) (*ValidateResult, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.Validate")
	defer span.End()

	p, err := s.lookup(ctx, req.Code)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return &ValidateResult{Reason: promotion.ReasonCodeNotFound}, nil
	}

	items, err := s.resolveCategories(ctx, req.Items)
	if err != nil {
		return nil, err
	}
	u, err := s.usage(ctx, p, req.Customer.ID)
	if err != nil {
		if r, ok := ledger.Reason(err); ok {
			return &ValidateResult{Reason: r, Promotion: p}, nil
		}
		return nil, errors.Wrap(err, "usage snapshot")
	}

	cart := promotion.Cart{Items: items, Subtotal: req.CartSubtotal, Facts: req.Facts}
	v := promotion.Evaluate(p, cart, req.Customer, u, s.now())
	if !v.Eligible() {
		return &ValidateResult{Reason: v.Reason, Promotion: p}, nil
	}

	d, err := promotion.Compute(p, v.Scope)
	if err != nil {
		return nil, err
	}
	return &ValidateResult{
		Valid:      true,
		Promotion:  p,
		Discount:   d,
		Percentage: percentageOf(p, d.Amount, v.Scope.Subtotal),
	}, nil
}

// Apply evaluates the code, computes the discount and reserves a redemption
// slot. Business refusals are returned as results; errors are infrastructure
// failures. Every attempt is audited.
func (s *Service) Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.Apply",
		trace.WithAttributes(attribute.String("promo.code", promotion.NormalizeCode(req.Code))),
	)
	defer span.End()

	res, err := s.apply(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if !res.Valid {
		span.SetAttributes(attribute.String("promo.reason", string(res.Reason)))
	}
	return res, nil
}

func (s *Service) apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	lg := zctx.From(ctx)
	code := promotion.NormalizeCode(req.Code)

	p, err := s.lookup(ctx, code)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return s.reject(ctx, nil, code, req, promotion.ReasonCodeNotFound), nil
	}

	items, err := s.resolveCategories(ctx, req.Items)
	if err != nil {
		return nil, err
	}
	// A retry of a cart that already holds a slot would otherwise be
	// counted against the limits by its own reservation.
	if req.IdempotencyKey != "" {
		_, err := s.ledger.LiveByKey(ctx, p.ID, req.IdempotencyKey)
		switch {
		case err == nil:
			return s.reject(ctx, p, code, req, promotion.ReasonAlreadyRedeemed), nil
		case errors.Is(err, ledger.ErrReservationNotFound):
		default:
			if r, ok := ledger.Reason(err); ok {
				return s.reject(ctx, p, code, req, r), nil
			}
			return nil, errors.Wrap(err, "idempotency lookup")
		}
	}
	u, err := s.usage(ctx, p, req.Customer.ID)
	if err != nil {
		if r, ok := ledger.Reason(err); ok {
			return s.reject(ctx, p, code, req, r), nil
		}
		return nil, errors.Wrap(err, "usage snapshot")
	}

	cart := promotion.Cart{Items: items, Subtotal: req.Subtotal, Facts: req.Facts}
	v := promotion.Evaluate(p, cart, req.Customer, u, s.now())
	if !v.Eligible() {
		return s.reject(ctx, p, code, req, v.Reason), nil
	}

	d, err := promotion.Compute(p, v.Scope)
	if err != nil {
		return nil, errors.Wrap(err, "compute discount")
	}

	start := time.Now()
	r, err := s.ledger.Reserve(ctx, ledger.Request{
		PromotionID:    p.ID,
		CustomerID:     req.Customer.ID,
		IdempotencyKey: req.IdempotencyKey,
		Discount:       d.Amount,
		Limits:         ledger.LimitsOf(p),
		TTL:            s.ttl,
	})
	s.duration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		if reason, ok := ledger.Reason(err); ok {
			s.outcome(ctx, string(reason))
			return s.reject(ctx, p, code, req, reason), nil
		}
		s.outcome(ctx, "error")
		return nil, errors.Wrap(err, "reserve")
	}
	s.outcome(ctx, "reserved")

	s.audit.Record(ctx, audit.Entry{
		PromotionID:   p.ID,
		Code:          p.Code,
		Action:        audit.ActionApply,
		NewValues:     applyValues(d, r),
		Actor:         req.Actor,
		CustomerID:    req.Customer.ID,
		ReservationID: r.ID,
	})
	lg.Debug("Promotion applied",
		zap.String("code", p.Code),
		zap.String("reservation_id", r.ID),
		zap.Stringer("discount", d.Amount),
	)

	return &ApplyResult{
		Valid:              true,
		Message:            "promotion applied",
		PromotionID:        p.ID,
		Code:               p.Code,
		DiscountAmount:     d.Amount,
		DiscountPercentage: percentageOf(p, d.Amount, v.Scope.Subtotal),
		ApplicableItemIDs:  scopedIDs(v.Scope),
		ShippingWaived:     d.ShippingWaived,
		Breakdown:          d.Lines,
		ReservationID:      r.ID,
		ExpiresAt:          r.ExpiresAt,
	}, nil
}

func (s *Service) outcome(ctx context.Context, outcome string) {
	s.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (s *Service) reject(ctx context.Context, p *promotion.Promotion, code string, req ApplyRequest, r promotion.Reason) *ApplyResult {
	e := audit.Entry{
		Code:       code,
		Action:     audit.ActionReject,
		Reason:     string(r),
		Actor:      req.Actor,
		CustomerID: req.Customer.ID,
	}
	if p != nil {
		e.PromotionID = p.ID
		e.Code = p.Code
	}
	s.audit.Record(ctx, e)
	zctx.From(ctx).Debug("Promotion rejected", zap.String("code", code), zap.String("reason", string(r)))
	return refusal(p, code, r)
}

func applyValues(d promotion.Discount, r *ledger.Reservation) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("discountAmount")
	promotion.EncodeDecimal(&e, d.Amount)
	e.FieldStart("shippingWaived")
	e.Bool(d.ShippingWaived)
	e.FieldStart("expiresAt")
	e.Str(r.ExpiresAt.UTC().Format(time.RFC3339))
	e.ObjEnd()
	return e.Bytes()
}

func scopedIDs(scope promotion.Scope) []string {
	ids := make([]string, 0, len(scope.Lines))
	for _, l := range scope.Lines {
		if !slices.Contains(ids, l.ProductID) {
			ids = append(ids, l.ProductID)
		}
	}
	return ids
}

// Confirm finalises a reservation for an order. Repeated calls are no-ops.
func (s *Service) Confirm(ctx context.Context, reservationID, orderID string) (*ledger.Reservation, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.Confirm")
	defer span.End()

	r, err := s.ledger.Confirm(ctx, reservationID, orderID)
	if err != nil {
		return nil, err
	}
	s.outcome(ctx, "confirm")
	return r, nil
}

// Release frees a reservation's slot. Repeated calls are no-ops.
func (s *Service) Release(ctx context.Context, reservationID string) (*ledger.Reservation, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.Release")
	defer span.End()

	r, err := s.ledger.Release(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	s.outcome(ctx, "release")
	return r, nil
}

// Applicable evaluates every active promotion against the cart and returns
// the eligible ones, largest discount first. Nothing is reserved or audited.
func (s *Service) Applicable(ctx context.Context, req ApplicableRequest) ([]Candidate, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.Applicable")
	defer span.End()

	active := true
	promos, err := s.catalog.List(ctx, promotion.Filter{Active: &active})
	if err != nil {
		return nil, errors.Wrap(err, "list promotions")
	}
	items, err := s.resolveCategories(ctx, req.Items)
	if err != nil {
		return nil, err
	}
	cart := promotion.Cart{Items: items, Subtotal: req.Subtotal, Facts: req.Facts}
	now := s.now()

	found := make([]*Candidate, len(promos))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i := range promos {
		p := &promos[i]
		g.Go(func() error {
			u, err := s.usage(gctx, p, req.Customer.ID)
			if err != nil {
				if _, ok := ledger.Reason(err); ok {
					return nil
				}
				return errors.Wrapf(err, "usage of %s", p.Code)
			}
			v := promotion.Evaluate(p, cart, req.Customer, u, now)
			if !v.Eligible() {
				return nil
			}
			d, err := promotion.Compute(p, v.Scope)
			if err != nil {
				return errors.Wrapf(err, "compute %s", p.Code)
			}
			found[i] = &Candidate{Promotion: p, Discount: d}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(found))
	for _, c := range found {
		if c != nil {
			out = append(out, *c)
		}
	}
	slices.SortStableFunc(out, func(a, b Candidate) int {
		if c := b.Discount.Amount.Cmp(a.Discount.Amount); c != 0 {
			return c
		}
		return strings.Compare(a.Promotion.Code, b.Promotion.Code)
	})
	return out, nil
}

// Totals is a convenience for callers that want the cart total after the
// discount.
func Totals(subtotal decimal.Decimal, res *ApplyResult) decimal.Decimal {
	if res == nil || !res.Valid {
		return subtotal
	}
	return decimal.Max(decimal.Zero, subtotal.Sub(res.DiscountAmount))
}
