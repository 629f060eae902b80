package promotion

import (
	"fmt"

	"github.com/go-faster/errors"
)

// ValidationError reports a promotion definition that cannot be saved.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Validate checks a definition before it is written. An unknown discount type
// wraps ErrUnknownDiscountType; every other defect is a *ValidationError.
func Validate(p *Promotion) error {
	if p.Code == "" {
		return invalid("code", "required")
	}
	if p.Name == "" {
		return invalid("name", "required")
	}
	if !p.Type.Known() {
		return errors.Wrapf(ErrUnknownDiscountType, "%q", p.Type)
	}

	switch p.Type {
	case DiscountFreeShipping:
		if p.Value.IsNegative() {
			return invalid("value", "must not be negative")
		}
	default:
		if !p.Value.IsPositive() {
			return invalid("value", "must be greater than zero")
		}
	}
	if p.Type == DiscountPercentage && p.Value.GreaterThan(hundred) {
		return invalid("value", "percentage must not exceed 100")
	}
	if p.Type == DiscountBuyXGetY {
		if p.Conditions.BuyQuantity < 1 {
			return invalid("conditions.x", "must be at least 1")
		}
		if p.Conditions.GetQuantity < 1 {
			return invalid("conditions.y", "must be at least 1")
		}
	}

	if p.MinOrderAmount != nil && p.MinOrderAmount.IsNegative() {
		return invalid("minOrderAmount", "must not be negative")
	}
	if p.MaxDiscount != nil && p.MaxDiscount.IsNegative() {
		return invalid("maxDiscount", "must not be negative")
	}
	if p.UsageLimit != nil && *p.UsageLimit < 0 {
		return invalid("usageLimit", "must not be negative")
	}
	if p.PerCustomerLimit != nil && *p.PerCustomerLimit < 0 {
		return invalid("perCustomerLimit", "must not be negative")
	}
	if p.StartsAt != nil && p.ExpiresAt != nil && !p.StartsAt.Before(*p.ExpiresAt) {
		return invalid("expiresAt", "must be after startsAt")
	}

	if p.Conditions.Rule != nil {
		if err := p.Conditions.Rule.Validate(); err != nil {
			return invalid("conditions.rule", err.Error())
		}
	}
	return nil
}

// normalize applies the canonical forms and defaults used on write.
func normalize(p *Promotion) {
	p.Code = NormalizeCode(p.Code)
	if p.IsFirstPurchaseOnly && p.PerCustomerLimit == nil {
		one := 1
		p.PerCustomerLimit = &one
	}
}
