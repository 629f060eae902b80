// Package ledger counts redemptions. It is the only component that mutates
// promotion usage and the single synchronisation point of checkout traffic.
package ledger

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/promotion-engine/internal/domain/promotion"
)

// Status is the lifecycle state of a reservation.
type Status string

const (
	StatusReserved  Status = "RESERVED"
	StatusConfirmed Status = "CONFIRMED"
	StatusReleased  Status = "RELEASED"
)

// Live reports whether the status counts towards usage limits.
func (s Status) Live() bool {
	return s == StatusReserved || s == StatusConfirmed
}

var (
	// ErrExhausted means the global or per-customer limit is reached.
	ErrExhausted = errors.New("usage limit reached")
	// ErrAlreadyRedeemed means a live reservation exists for the idempotency key.
	ErrAlreadyRedeemed = errors.New("already redeemed")
	// ErrServiceBusy means the reservation could not be decided within the
	// bounded wait.
	ErrServiceBusy = errors.New("ledger busy")
	// ErrReservationNotFound means no reservation has the given id.
	ErrReservationNotFound = errors.New("reservation not found")
)

// Reason maps a ledger error to the refusal reason surfaced to callers. ok is
// false for infrastructure failures.
func Reason(err error) (promotion.Reason, bool) {
	switch {
	case errors.Is(err, ErrExhausted):
		return promotion.ReasonExhausted, true
	case errors.Is(err, ErrAlreadyRedeemed):
		return promotion.ReasonAlreadyRedeemed, true
	case errors.Is(err, ErrServiceBusy):
		return promotion.ReasonServiceBusy, true
	default:
		return "", false
	}
}

// Reservation is a redemption record.
type Reservation struct {
	ID             string
	PromotionID    string
	CustomerID     string
	OrderID        string
	IdempotencyKey string
	Discount       decimal.Decimal
	Status         Status
	ReservedAt     time.Time
	ExpiresAt      time.Time
	ConfirmedAt    *time.Time
	ReleasedAt     *time.Time
}

// Limits are the caps enforced on a reservation. Nil means unlimited.
type Limits struct {
	Usage    *int
	Customer *int
}

// LimitsOf returns the caps configured on p.
func LimitsOf(p *promotion.Promotion) Limits {
	l := Limits{Usage: p.UsageLimit}
	if n, ok := p.CustomerLimit(); ok {
		l.Customer = &n
	}
	return l
}

// Request asks for one redemption slot.
type Request struct {
	PromotionID string
	// CustomerID is empty for guests, who are bound only by the global cap.
	CustomerID string
	// IdempotencyKey is usually the cart id. Empty disables duplicate detection.
	IdempotencyKey string
	Discount       decimal.Decimal
	Limits         Limits
	TTL            time.Duration
}

// Ledger reserves, confirms and releases redemption slots.
//
// Reserve is atomic: concurrent calls never let the live count exceed a
// limit. A live idempotency key is checked before the limits, so a retry
// of the same cart gets ErrAlreadyRedeemed rather than ErrExhausted.
// Confirm and Release are idempotent; a call against a reservation that
// already left RESERVED returns it unchanged.
type Ledger interface {
	Reserve(ctx context.Context, req Request) (*Reservation, error)
	Confirm(ctx context.Context, id, orderID string) (*Reservation, error)
	Release(ctx context.Context, id string) (*Reservation, error)
	// LiveByKey returns the live reservation of the promotion holding the
	// idempotency key, or ErrReservationNotFound.
	LiveByKey(ctx context.Context, promotionID, key string) (*Reservation, error)
	// Usage returns the live redemption counts for a promotion and customer.
	Usage(ctx context.Context, promotionID, customerID string) (promotion.Usage, error)
	// Sweep releases RESERVED records whose ExpiresAt is at or before now.
	Sweep(ctx context.Context, now time.Time) (int, error)
}
