// Package promotion holds the promotion catalog model together with the pure
// rule machinery: the eligibility evaluator and the discount calculator.
package promotion

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// DiscountType enumerates the supported promotion discount strategies.
type DiscountType string

const (
	// DiscountPercentage takes a percentage of the scoped subtotal, capped by MaxDiscount.
	DiscountPercentage DiscountType = "PERCENTAGE"
	// DiscountFixedAmount takes a fixed amount of minor units, capped at the scoped subtotal.
	DiscountFixedAmount DiscountType = "FIXED_AMOUNT"
	// DiscountFreeShipping waives shipping and leaves item pricing untouched.
	DiscountFreeShipping DiscountType = "FREE_SHIPPING"
	// DiscountBuyXGetY makes the cheapest Y units free for every X+Y scoped units.
	DiscountBuyXGetY DiscountType = "BUY_X_GET_Y"
)

// DiscountTypes lists every known discount type.
var DiscountTypes = []DiscountType{
	DiscountPercentage,
	DiscountFixedAmount,
	DiscountFreeShipping,
	DiscountBuyXGetY,
}

// Known reports whether t is one of DiscountTypes.
func (t DiscountType) Known() bool {
	for _, k := range DiscountTypes {
		if t == k {
			return true
		}
	}
	return false
}

var (
	// ErrNotFound is returned when no promotion matches the lookup.
	ErrNotFound = errors.New("promotion not found")
	// ErrCodeTaken is returned when creating or renaming onto an existing code.
	ErrCodeTaken = errors.New("promotion code already exists")
	// ErrUnknownDiscountType is the data-integrity defect raised at save time.
	ErrUnknownDiscountType = errors.New("unknown discount type")
)

// Promotion is a named, ruled discount offer identified by its code.
//
// Money fields are decimal amounts of currency minor units.
type Promotion struct {
	ID          string
	Code        string
	Name        string
	Description string

	Type  DiscountType
	Value decimal.Decimal

	MinOrderAmount *decimal.Decimal
	MaxDiscount    *decimal.Decimal

	UsageLimit       *int
	PerCustomerLimit *int
	// UsageCount counts confirmed redemptions. Only the ledger moves it.
	UsageCount int
	// ReservedCount counts live (reserved or confirmed) slots. Only the ledger moves it.
	ReservedCount int

	IsActive  bool
	StartsAt  *time.Time
	ExpiresAt *time.Time

	ScopeCategories []string
	ScopeProducts   []string

	CustomerSegment     string
	IsFirstPurchaseOnly bool
	TierBased           bool
	Tiers               []string

	Conditions Conditions

	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NormalizeCode returns the canonical (upper case, trimmed) form of a code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// CustomerLimit returns the effective per-customer limit, applying the
// first-purchase default of one.
func (p *Promotion) CustomerLimit() (int, bool) {
	if p.PerCustomerLimit != nil {
		return *p.PerCustomerLimit, true
	}
	if p.IsFirstPurchaseOnly {
		return 1, true
	}
	return 0, false
}

// Scoped reports whether the promotion restricts the items it acts on.
func (p *Promotion) Scoped() bool {
	return len(p.ScopeCategories) > 0 || len(p.ScopeProducts) > 0
}

// Clone returns a deep copy of the promotion.
func (p *Promotion) Clone() *Promotion {
	c := *p
	c.MinOrderAmount = clonePtr(p.MinOrderAmount)
	c.MaxDiscount = clonePtr(p.MaxDiscount)
	c.UsageLimit = clonePtr(p.UsageLimit)
	c.PerCustomerLimit = clonePtr(p.PerCustomerLimit)
	c.StartsAt = clonePtr(p.StartsAt)
	c.ExpiresAt = clonePtr(p.ExpiresAt)
	c.ScopeCategories = append([]string(nil), p.ScopeCategories...)
	c.ScopeProducts = append([]string(nil), p.ScopeProducts...)
	c.Tiers = append([]string(nil), p.Tiers...)
	c.Conditions = p.Conditions.clone()
	return &c
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Filter narrows catalog listings. Zero values mean "any".
type Filter struct {
	Active *bool
	Type   DiscountType
	Search string
}

// Repository is the durable store of promotion definitions.
type Repository interface {
	FindByCode(ctx context.Context, code string) (*Promotion, error)
	FindByID(ctx context.Context, id string) (*Promotion, error)
	List(ctx context.Context, f Filter) ([]Promotion, error)
	Create(ctx context.Context, p *Promotion) error
	Update(ctx context.Context, p *Promotion) error
}
