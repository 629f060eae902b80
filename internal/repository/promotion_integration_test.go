//go:build integration

package repository

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/promotion-engine/internal/domain/promotion"
)

func TestPromotionRepository_RoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewPromotionRepository(testPool)

	rule := promotion.All(
		promotion.Compare("cart.subtotal", promotion.OpGte, promotion.Int(100)),
		promotion.Not(promotion.Compare("customer.tier", promotion.OpEq, promotion.String("bronze"))),
	)
	maxDiscount := decimal.NewFromInt(5000)
	starts := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)
	p := newPromotion(t, func(p *promotion.Promotion) {
		p.Code = "rt" + uuid.New().String()[:6]
		p.MaxDiscount = &maxDiscount
		p.UsageLimit = intPtr(10)
		p.StartsAt = &starts
		p.ScopeCategories = []string{"coffee"}
		p.TierBased = true
		p.Tiers = []string{"gold"}
		p.Conditions = promotion.Conditions{Rule: &rule}
	})

	got, err := repo.FindByCode(ctx, strings.ToLower(p.Code))
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.True(t, maxDiscount.Equal(*got.MaxDiscount))
	assert.Equal(t, 10, *got.UsageLimit)
	assert.Nil(t, got.PerCustomerLimit)
	assert.True(t, starts.Equal(*got.StartsAt))
	assert.Equal(t, []string{"coffee"}, got.ScopeCategories)
	assert.Empty(t, got.ScopeProducts)
	require.NotNil(t, got.Conditions.Rule)
	assert.True(t, got.Conditions.Rule.Eval(promotion.Facts{
		"cart.subtotal": promotion.Int(150),
		"customer.tier": promotion.String("gold"),
	}))

	_, err = repo.FindByID(ctx, uuid.New().String())
	assert.ErrorIs(t, err, promotion.ErrNotFound)
}

func TestPromotionRepository_CodeTaken(t *testing.T) {
	p := newPromotion(t, nil)
	dup := p.Clone()
	dup.ID = uuid.New().String()
	dup.Code = strings.ToLower(p.Code)

	err := NewPromotionRepository(testPool).Create(context.Background(), dup)
	assert.ErrorIs(t, err, promotion.ErrCodeTaken)
}

func TestPromotionRepository_Update(t *testing.T) {
	ctx := context.Background()
	repo := NewPromotionRepository(testPool)
	p := newPromotion(t, nil)

	p.Name = "Renamed"
	p.UsageCount = 99
	p.IsActive = false
	require.NoError(t, repo.Update(ctx, p))

	got, err := repo.FindByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.False(t, got.IsActive)
	assert.Zero(t, got.UsageCount, "counters are not written by Update")

	missing := p.Clone()
	missing.ID = uuid.New().String()
	missing.Code = "MISSING" + uuid.New().String()[:6]
	assert.ErrorIs(t, repo.Update(ctx, missing), promotion.ErrNotFound)
}

func TestPromotionRepository_List(t *testing.T) {
	ctx := context.Background()
	repo := NewPromotionRepository(testPool)
	tag := "LST" + strings.ToUpper(uuid.New().String()[:5])

	newPromotion(t, func(p *promotion.Promotion) { p.Code = tag + "A" })
	newPromotion(t, func(p *promotion.Promotion) {
		p.Code = tag + "B"
		p.Type = promotion.DiscountFreeShipping
		p.Value = decimal.Zero
		p.IsActive = false
	})

	all, err := repo.List(ctx, promotion.Filter{Search: strings.ToLower(tag)})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	inactive := false
	off, err := repo.List(ctx, promotion.Filter{Search: tag, Active: &inactive})
	require.NoError(t, err)
	require.Len(t, off, 1)
	assert.Equal(t, tag+"B", off[0].Code)

	ship, err := repo.List(ctx, promotion.Filter{Search: tag, Type: promotion.DiscountFreeShipping})
	require.NoError(t, err)
	assert.Len(t, ship, 1)
}

func TestPromotionRepository_ListSearchIsLiteral(t *testing.T) {
	ctx := context.Background()
	repo := NewPromotionRepository(testPool)
	tag := "LIT" + strings.ToUpper(uuid.New().String()[:5])

	pct := newPromotion(t, func(p *promotion.Promotion) { p.Code = tag + "PCT"; p.Name = "Flash 50% off " + tag })
	newPromotion(t, func(p *promotion.Promotion) { p.Code = tag + "X5"; p.Name = "Flash 50 off " + tag })

	got, err := repo.List(ctx, promotion.Filter{Search: "50% off " + tag})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, pct.ID, got[0].ID)

	got, err = repo.List(ctx, promotion.Filter{Search: tag + "_"})
	require.NoError(t, err)
	assert.Empty(t, got, "underscore is not a wildcard")

	got, err = repo.List(ctx, promotion.Filter{Search: "%" + tag})
	require.NoError(t, err)
	assert.Empty(t, got, "percent is not a wildcard")
}
