// Package product is a read-only view of the external product catalog. The
// promotion engine only needs it to resolve item categories for scoping.
package product

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested product does not exist.
var ErrNotFound = errors.New("product not found")

// Product is a catalog item as seen by promotion scoping.
type Product struct {
	ID       string
	Name     string
	Price    decimal.Decimal
	Category string
}

// Repository defines read operations for the product catalog.
type Repository interface {
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)
}

// Categories returns the category of every known product in ids.
func Categories(ctx context.Context, repo Repository, ids []string) (map[string]string, error) {
	if len(ids) == 0 {
		return map[string]string{}, nil
	}
	products, err := repo.GetByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	out := make(map[string]string, len(products))
	for _, p := range products {
		out[p.ID] = p.Category
	}
	return out, nil
}
