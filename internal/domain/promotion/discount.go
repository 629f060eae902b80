package promotion

import (
	"sort"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// LineDiscount is the share of a discount attributed to one cart line.
type LineDiscount struct {
	ProductID string
	Quantity  int
	Amount    decimal.Decimal
}

// Discount is the result of Compute.
type Discount struct {
	Amount         decimal.Decimal
	Lines          []LineDiscount
	ShippingWaived bool
}

// ProductIDs returns the products that received a share of the discount.
func (d Discount) ProductIDs() []string {
	ids := make([]string, 0, len(d.Lines))
	for _, l := range d.Lines {
		ids = append(ids, l.ProductID)
	}
	return ids
}

// Compute calculates the discount p grants over scope. It is pure: identical
// inputs always produce identical output.
func Compute(p *Promotion, scope Scope) (Discount, error) {
	switch p.Type {
	case DiscountPercentage:
		return computePercentage(p, scope), nil
	case DiscountFixedAmount:
		return computeFixed(p, scope), nil
	case DiscountFreeShipping:
		return Discount{Amount: decimal.Zero, ShippingWaived: true}, nil
	case DiscountBuyXGetY:
		return computeBuyXGetY(p, scope)
	default:
		return Discount{}, errors.Wrapf(ErrUnknownDiscountType, "promotion %s: %q", p.Code, p.Type)
	}
}

// computePercentage rounds half-up once on the total, then caps it.
func computePercentage(p *Promotion, scope Scope) Discount {
	amount := scope.Subtotal.Mul(p.Value).Div(hundred).Round(0)
	ceiling := scope.Subtotal
	if p.MaxDiscount != nil && p.MaxDiscount.LessThan(ceiling) {
		ceiling = *p.MaxDiscount
	}
	amount = clamp(amount, ceiling)
	return Discount{Amount: amount, Lines: allocate(amount, scope)}
}

func computeFixed(p *Promotion, scope Scope) Discount {
	amount := clamp(p.Value.Round(0), scope.Subtotal)
	return Discount{Amount: amount, Lines: allocate(amount, scope)}
}

// computeBuyXGetY frees the cheapest units: every complete group of X+Y
// scoped units frees Y units, taken in ascending unit price order.
func computeBuyXGetY(p *Promotion, scope Scope) (Discount, error) {
	x, y := p.Conditions.BuyQuantity, p.Conditions.GetQuantity
	if x < 1 || y < 1 {
		return Discount{}, errors.Errorf("promotion %s: buy-x-get-y requires x and y >= 1", p.Code)
	}

	free := (scope.Quantity / (x + y)) * y
	d := Discount{Amount: decimal.Zero}
	if free == 0 {
		return d, nil
	}

	lines := make([]Item, len(scope.Lines))
	copy(lines, scope.Lines)
	sort.SliceStable(lines, func(i, j int) bool {
		if c := lines[i].Price.Cmp(lines[j].Price); c != 0 {
			return c < 0
		}
		return lines[i].ProductID < lines[j].ProductID
	})

	for _, l := range lines {
		if free == 0 {
			break
		}
		take := min(l.Quantity, free)
		if take <= 0 {
			continue
		}
		amount := l.Price.Mul(decimal.NewFromInt(int64(take)))
		d.Amount = d.Amount.Add(amount)
		d.Lines = append(d.Lines, LineDiscount{ProductID: l.ProductID, Quantity: take, Amount: amount})
		free -= take
	}
	return d, nil
}

// allocate spreads amount across the scoped lines in proportion to their
// totals using the largest-remainder method, so the shares sum to amount.
func allocate(amount decimal.Decimal, scope Scope) []LineDiscount {
	if !amount.IsPositive() || !scope.Subtotal.IsPositive() || len(scope.Lines) == 0 {
		return nil
	}

	type share struct {
		idx  int
		rem  decimal.Decimal
		part decimal.Decimal
	}
	shares := make([]share, 0, len(scope.Lines))
	allocated := decimal.Zero
	lineSum := decimal.Zero
	for i, l := range scope.Lines {
		lineSum = lineSum.Add(l.Total())
		exact := amount.Mul(l.Total()).Div(scope.Subtotal)
		part := exact.Floor()
		allocated = allocated.Add(part)
		shares = append(shares, share{idx: i, rem: exact.Sub(part), part: part})
	}
	if !lineSum.IsPositive() {
		return nil
	}

	leftover := amount.Sub(allocated).IntPart()
	order := make([]share, len(shares))
	copy(order, shares)
	sort.SliceStable(order, func(i, j int) bool {
		return order[i].rem.GreaterThan(order[j].rem)
	})
	for i := 0; leftover > 0 && i < len(order); i++ {
		shares[order[i].idx].part = shares[order[i].idx].part.Add(decimal.NewFromInt(1))
		leftover--
	}

	out := make([]LineDiscount, 0, len(shares))
	for _, s := range shares {
		if s.part.IsZero() {
			continue
		}
		l := scope.Lines[s.idx]
		out = append(out, LineDiscount{ProductID: l.ProductID, Quantity: l.Quantity, Amount: s.part})
	}
	return out
}

// clamp bounds v to [0, ceiling].
func clamp(v, ceiling decimal.Decimal) decimal.Decimal {
	if v.IsNegative() || ceiling.IsNegative() {
		return decimal.Zero
	}
	return decimal.Min(v, ceiling)
}
