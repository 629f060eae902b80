package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/promotion-engine/internal/domain/promotion"
)

const promotionColumns = `id, code, name, description, discount_type, value,
	min_order_amount, max_discount, usage_limit, per_customer_limit, usage_count, reserved_count,
	is_active, starts_at, expires_at, scope_categories, scope_products,
	customer_segment, is_first_purchase_only, tier_based, tiers, conditions,
	created_by, created_at, updated_at`

const (
	findPromotionByCodeSQL = `SELECT ` + promotionColumns + ` FROM promotions WHERE UPPER(code) = UPPER($1)`

	findPromotionByIDSQL = `SELECT ` + promotionColumns + ` FROM promotions WHERE id = $1`

	listPromotionsSQL = `SELECT ` + promotionColumns + ` FROM promotions
		WHERE ($1::boolean IS NULL OR is_active = $1)
		  AND ($2 = '' OR discount_type = $2)
		  AND ($3 = '' OR strpos(lower(code), lower($3)) > 0 OR strpos(lower(name), lower($3)) > 0)
		ORDER BY created_at DESC, id`

	createPromotionSQL = `INSERT INTO promotions (id, code, name, description, discount_type, value,
		min_order_amount, max_discount, usage_limit, per_customer_limit,
		is_active, starts_at, expires_at, scope_categories, scope_products,
		customer_segment, is_first_purchase_only, tier_based, tiers, conditions,
		created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`

	// Counters are owned by the ledger and never written here.
	updatePromotionSQL = `UPDATE promotions SET code = $2, name = $3, description = $4,
		discount_type = $5, value = $6, min_order_amount = $7, max_discount = $8,
		usage_limit = $9, per_customer_limit = $10, is_active = $11, starts_at = $12, expires_at = $13,
		scope_categories = $14, scope_products = $15, customer_segment = $16,
		is_first_purchase_only = $17, tier_based = $18, tiers = $19, conditions = $20,
		updated_at = $21
		WHERE id = $1`
)

var _ promotion.Repository = (*PromotionRepository)(nil)

// PromotionRepository implements promotion.Repository backed by PostgreSQL.
type PromotionRepository struct {
	pool *pgxpool.Pool
}

// NewPromotionRepository returns a PromotionRepository that uses the given pool.
func NewPromotionRepository(pool *pgxpool.Pool) *PromotionRepository {
	return &PromotionRepository{pool: pool}
}

// FindByCode looks up a promotion by code, case-insensitively.
func (r *PromotionRepository) FindByCode(ctx context.Context, code string) (*promotion.Promotion, error) {
	return r.one(ctx, findPromotionByCodeSQL, code)
}

// FindByID looks up a promotion by id.
func (r *PromotionRepository) FindByID(ctx context.Context, id string) (*promotion.Promotion, error) {
	return r.one(ctx, findPromotionByIDSQL, id)
}

func (r *PromotionRepository) one(ctx context.Context, sql, arg string) (*promotion.Promotion, error) {
	rows, err := r.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("finding promotion %q: %w", arg, err)
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanPromotion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, promotion.ErrNotFound
		}
		return nil, fmt.Errorf("finding promotion %q: %w", arg, err)
	}
	return &p, nil
}

// List returns promotions matching f, newest first.
func (r *PromotionRepository) List(ctx context.Context, f promotion.Filter) ([]promotion.Promotion, error) {
	rows, err := r.pool.Query(ctx, listPromotionsSQL, f.Active, string(f.Type), f.Search)
	if err != nil {
		return nil, fmt.Errorf("listing promotions: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanPromotion)
	if err != nil {
		return nil, fmt.Errorf("listing promotions: %w", err)
	}
	return out, nil
}

// Create inserts p. Counters start at zero regardless of p.
func (r *PromotionRepository) Create(ctx context.Context, p *promotion.Promotion) error {
	_, err := r.pool.Exec(ctx, createPromotionSQL,
		p.ID, p.Code, p.Name, p.Description, string(p.Type), p.Value,
		p.MinOrderAmount, p.MaxDiscount, p.UsageLimit, p.PerCustomerLimit,
		p.IsActive, p.StartsAt, p.ExpiresAt, nonNil(p.ScopeCategories), nonNil(p.ScopeProducts),
		p.CustomerSegment, p.IsFirstPurchaseOnly, p.TierBased, nonNil(p.Tiers), encodeConditions(p.Conditions),
		p.CreatedBy, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if pgCode(err) == codeUniqueViolation {
			return promotion.ErrCodeTaken
		}
		return fmt.Errorf("creating promotion %q: %w", p.Code, err)
	}
	return nil
}

// Update overwrites the definition of p. Usage counters are left alone.
func (r *PromotionRepository) Update(ctx context.Context, p *promotion.Promotion) error {
	tag, err := r.pool.Exec(ctx, updatePromotionSQL,
		p.ID, p.Code, p.Name, p.Description, string(p.Type), p.Value,
		p.MinOrderAmount, p.MaxDiscount, p.UsageLimit, p.PerCustomerLimit,
		p.IsActive, p.StartsAt, p.ExpiresAt, nonNil(p.ScopeCategories), nonNil(p.ScopeProducts),
		p.CustomerSegment, p.IsFirstPurchaseOnly, p.TierBased, nonNil(p.Tiers), encodeConditions(p.Conditions),
		p.UpdatedAt,
	)
	if err != nil {
		if pgCode(err) == codeUniqueViolation {
			return promotion.ErrCodeTaken
		}
		return fmt.Errorf("updating promotion %q: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return promotion.ErrNotFound
	}
	return nil
}

func scanPromotion(row pgx.CollectableRow) (promotion.Promotion, error) {
	var (
		p            promotion.Promotion
		discountType string
		conditions   []byte
	)
	err := row.Scan(
		&p.ID, &p.Code, &p.Name, &p.Description, &discountType, &p.Value,
		&p.MinOrderAmount, &p.MaxDiscount, &p.UsageLimit, &p.PerCustomerLimit, &p.UsageCount, &p.ReservedCount,
		&p.IsActive, &p.StartsAt, &p.ExpiresAt, &p.ScopeCategories, &p.ScopeProducts,
		&p.CustomerSegment, &p.IsFirstPurchaseOnly, &p.TierBased, &p.Tiers, &conditions,
		&p.CreatedBy, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return p, err
	}
	p.Type = promotion.DiscountType(discountType)
	if len(conditions) > 0 {
		if err := p.Conditions.Decode(jx.DecodeBytes(conditions)); err != nil {
			return p, fmt.Errorf("decoding conditions of %q: %w", p.ID, err)
		}
	}
	return p, nil
}

func encodeConditions(c promotion.Conditions) []byte {
	var e jx.Encoder
	c.Encode(&e)
	return e.Bytes()
}

// nonNil keeps NOT NULL array columns from receiving NULL.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
