package promotion

import (
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Reason is the structured refusal code surfaced to callers.
type Reason string

const (
	ReasonCodeNotFound     Reason = "CODE_NOT_FOUND"
	ReasonInactive         Reason = "INACTIVE"
	ReasonOutOfWindow      Reason = "OUT_OF_WINDOW"
	ReasonBelowThreshold   Reason = "BELOW_THRESHOLD"
	ReasonNoEligibleItems  Reason = "NO_ELIGIBLE_ITEMS"
	ReasonSegmentMismatch  Reason = "SEGMENT_MISMATCH"
	ReasonNotFirstPurchase Reason = "NOT_FIRST_PURCHASE"
	ReasonTierMismatch     Reason = "TIER_MISMATCH"
	ReasonConditionFailed  Reason = "CONDITION_FAILED"
	ReasonExhausted        Reason = "EXHAUSTED"
	ReasonAlreadyRedeemed  Reason = "ALREADY_REDEEMED"
	ReasonServiceBusy      Reason = "SERVICE_BUSY"
)

var reasonMessages = map[Reason]string{
	ReasonCodeNotFound:     "promotion code does not exist",
	ReasonInactive:         "promotion is disabled",
	ReasonOutOfWindow:      "promotion is not valid at this time",
	ReasonBelowThreshold:   "order amount is below the promotion minimum",
	ReasonNoEligibleItems:  "no items in the cart qualify for this promotion",
	ReasonSegmentMismatch:  "promotion is not available for this customer segment",
	ReasonNotFirstPurchase: "promotion is only valid on a first purchase",
	ReasonTierMismatch:     "promotion is not available for this loyalty tier",
	ReasonConditionFailed:  "promotion conditions are not met",
	ReasonExhausted:        "promotion usage limit reached",
	ReasonAlreadyRedeemed:  "promotion already applied to this cart",
	ReasonServiceBusy:      "promotion service is busy, retry shortly",
}

// Message returns a human-readable description of the reason.
func (r Reason) Message() string {
	if m, ok := reasonMessages[r]; ok {
		return m
	}
	return string(r)
}

// Item is a cart line. Price is the unit price in minor units.
type Item struct {
	ProductID  string
	CategoryID string
	Price      decimal.Decimal
	Quantity   int
}

// Total returns Price * Quantity.
func (i Item) Total() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Cart is the cart context of a request.
type Cart struct {
	Items []Item
	// Subtotal is the caller-declared cart subtotal. It stands in for the
	// item sum when the request carries no priced items.
	Subtotal decimal.Decimal
	// Facts are caller-supplied facts for the generic rule tree.
	Facts Facts
}

// Customer is the customer context of a request. An empty ID is a guest.
type Customer struct {
	ID              string
	Segments        []string
	Tier            string
	ConfirmedOrders int
}

// Guest reports whether the customer is anonymous.
func (c Customer) Guest() bool { return c.ID == "" }

// Usage is a point-in-time view of live (non-released) redemptions.
type Usage struct {
	Live         int
	CustomerLive int
}

// Scope is the concrete set of lines a discount acts on.
type Scope struct {
	Lines    []Item
	Subtotal decimal.Decimal
	Quantity int
}

// Verdict is the outcome of Evaluate. A zero Reason means eligible.
type Verdict struct {
	Reason Reason
	Scope  Scope
}

// Eligible reports whether the promotion may be applied.
func (v Verdict) Eligible() bool { return v.Reason == "" }

func reject(r Reason) Verdict { return Verdict{Reason: r} }

// Evaluate judges whether p applies to the cart and customer at now. It has
// no side effects; the checks run in a fixed order and the first failure
// decides the reason.
func Evaluate(p *Promotion, cart Cart, customer Customer, usage Usage, now time.Time) Verdict {
	if !p.IsActive {
		return reject(ReasonInactive)
	}
	if p.StartsAt != nil && now.Before(*p.StartsAt) {
		return reject(ReasonOutOfWindow)
	}
	if p.ExpiresAt != nil && !now.Before(*p.ExpiresAt) {
		return reject(ReasonOutOfWindow)
	}
	if p.UsageLimit != nil && usage.Live >= *p.UsageLimit {
		return reject(ReasonExhausted)
	}
	if limit, ok := p.CustomerLimit(); ok && !customer.Guest() && usage.CustomerLive >= limit {
		return reject(ReasonExhausted)
	}
	if p.IsFirstPurchaseOnly && customer.ConfirmedOrders > 0 {
		return reject(ReasonNotFirstPurchase)
	}
	if p.CustomerSegment != "" && !containsFold(customer.Segments, p.CustomerSegment) {
		return reject(ReasonSegmentMismatch)
	}
	if p.TierBased && !tierQualifies(p, customer) {
		return reject(ReasonTierMismatch)
	}

	scope := SelectScope(p, cart)
	if scope.Subtotal.IsZero() && p.Type != DiscountFreeShipping {
		return reject(ReasonNoEligibleItems)
	}
	if p.MinOrderAmount != nil && scope.Subtotal.LessThan(*p.MinOrderAmount) {
		return reject(ReasonBelowThreshold)
	}

	if p.Conditions.Rule != nil && !p.Conditions.Rule.Eval(BuildFacts(cart, customer, scope)) {
		return reject(ReasonConditionFailed)
	}

	return Verdict{Scope: scope}
}

func tierQualifies(p *Promotion, c Customer) bool {
	if c.Tier == "" {
		return false
	}
	return len(p.Tiers) == 0 || containsFold(p.Tiers, c.Tier)
}

func containsFold(list []string, v string) bool {
	return slices.ContainsFunc(list, func(s string) bool { return strings.EqualFold(s, v) })
}

// SelectScope returns the lines matching the promotion's allow-lists (all
// lines when both lists are empty) and their subtotal.
//
// A cart without priced lines is a preview: its declared subtotal is used
// when at least one line (or, unscoped, the cart itself) is in scope.
func SelectScope(p *Promotion, cart Cart) Scope {
	var s Scope
	s.Subtotal = decimal.Zero
	priced := false
	for _, it := range cart.Items {
		if it.Price.IsPositive() {
			priced = true
		}
		if !inScope(p, it) {
			continue
		}
		s.Lines = append(s.Lines, it)
		s.Subtotal = s.Subtotal.Add(it.Total())
		s.Quantity += it.Quantity
	}
	if !priced {
		if len(s.Lines) > 0 || (len(cart.Items) == 0 && !p.Scoped()) {
			s.Subtotal = cart.Subtotal
		}
	}
	return s
}

func inScope(p *Promotion, it Item) bool {
	if !p.Scoped() {
		return true
	}
	if slices.Contains(p.ScopeProducts, it.ProductID) {
		return true
	}
	return it.CategoryID != "" && slices.Contains(p.ScopeCategories, it.CategoryID)
}

// BuildFacts merges caller facts with facts derived from the request. Derived
// facts win on name clashes.
func BuildFacts(cart Cart, customer Customer, scope Scope) Facts {
	facts := make(Facts, len(cart.Facts)+10)
	for k, v := range cart.Facts {
		facts[k] = v
	}

	subtotal := cart.Subtotal
	quantity := 0
	products := make([]string, 0, len(cart.Items))
	categories := make([]string, 0, len(cart.Items))
	itemSum := decimal.Zero
	for _, it := range cart.Items {
		itemSum = itemSum.Add(it.Total())
		quantity += it.Quantity
		products = append(products, it.ProductID)
		if it.CategoryID != "" && !slices.Contains(categories, it.CategoryID) {
			categories = append(categories, it.CategoryID)
		}
	}
	if itemSum.IsPositive() {
		subtotal = itemSum
	}

	facts["cart.subtotal"] = Number(subtotal)
	facts["cart.scopedSubtotal"] = Number(scope.Subtotal)
	facts["cart.items"] = Int(int64(len(cart.Items)))
	facts["cart.quantity"] = Int(int64(quantity))
	facts["cart.products"] = List(products...)
	facts["cart.categories"] = List(categories...)
	facts["customer.guest"] = Bool(customer.Guest())
	facts["customer.orders"] = Int(int64(customer.ConfirmedOrders))
	facts["customer.segments"] = List(customer.Segments...)
	if customer.Tier != "" {
		facts["customer.tier"] = String(customer.Tier)
	}
	return facts
}
