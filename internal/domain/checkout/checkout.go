// Package checkout orchestrates promotion redemption: preview, apply with a
// ledger reservation, and the confirm/release callbacks of order finalisation.
package checkout

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/promotion-engine/internal/domain/ledger"
	"github.com/xenking/promotion-engine/internal/domain/promotion"
)

// ValidateRequest is a read-only preview request. Items may be unpriced
// (product ids only), in which case CartSubtotal stands in for the scoped
// subtotal.
type ValidateRequest struct {
	Code         string
	CartSubtotal decimal.Decimal
	Customer     promotion.Customer
	Items        []promotion.Item
	Facts        promotion.Facts
}

// ValidateResult is the outcome of a preview.
type ValidateResult struct {
	Valid      bool
	Reason     promotion.Reason
	Promotion  *promotion.Promotion
	Discount   promotion.Discount
	Percentage decimal.Decimal
}

// ApplyRequest applies a code to a priced cart and reserves a redemption.
type ApplyRequest struct {
	Code     string
	Items    []promotion.Item
	Subtotal decimal.Decimal
	Customer promotion.Customer
	Facts    promotion.Facts
	// IdempotencyKey identifies the cart or order; a second apply with the
	// same key while the first is live is refused as ALREADY_REDEEMED.
	IdempotencyKey string
	// Actor is the authenticated caller, recorded in the audit trail.
	Actor string
}

// ApplyResult is the outcome of Apply. Refusals have Valid=false and a Reason.
type ApplyResult struct {
	Valid              bool
	Reason             promotion.Reason
	Message            string
	PromotionID        string
	Code               string
	DiscountAmount     decimal.Decimal
	DiscountPercentage decimal.Decimal
	ApplicableItemIDs  []string
	ShippingWaived     bool
	Breakdown          []promotion.LineDiscount
	ReservationID      string
	ExpiresAt          time.Time
}

// ApplicableRequest asks which active promotions a cart qualifies for.
type ApplicableRequest struct {
	Items    []promotion.Item
	Subtotal decimal.Decimal
	Customer promotion.Customer
	Facts    promotion.Facts
}

// Candidate is a promotion the cart qualifies for, with its discount.
type Candidate struct {
	Promotion *promotion.Promotion
	Discount  promotion.Discount
}

// Catalog is the promotion lookup used by checkout.
type Catalog interface {
	FindByCode(ctx context.Context, code string) (*promotion.Promotion, error)
	List(ctx context.Context, f promotion.Filter) ([]promotion.Promotion, error)
}

// Reservations is the subset of ledger.Ledger used by checkout.
type Reservations interface {
	Reserve(ctx context.Context, req ledger.Request) (*ledger.Reservation, error)
	Confirm(ctx context.Context, id, orderID string) (*ledger.Reservation, error)
	Release(ctx context.Context, id string) (*ledger.Reservation, error)
	LiveByKey(ctx context.Context, promotionID, key string) (*ledger.Reservation, error)
	Usage(ctx context.Context, promotionID, customerID string) (promotion.Usage, error)
}

func refusal(p *promotion.Promotion, code string, r promotion.Reason) *ApplyResult {
	res := &ApplyResult{
		Valid:          false,
		Reason:         r,
		Message:        r.Message(),
		Code:           code,
		DiscountAmount: decimal.Zero,
	}
	if p != nil {
		res.PromotionID = p.ID
		res.Code = p.Code
	}
	return res
}

// percentageOf reports the discount as percentage points: the configured value
// for PERCENTAGE promotions, otherwise the effective share of the subtotal.
func percentageOf(p *promotion.Promotion, amount, subtotal decimal.Decimal) decimal.Decimal {
	if p.Type == promotion.DiscountPercentage {
		return p.Value
	}
	if !subtotal.IsPositive() {
		return decimal.Zero
	}
	return amount.Mul(decimal.NewFromInt(100)).Div(subtotal).Round(2)
}
