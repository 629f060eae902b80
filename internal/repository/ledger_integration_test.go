//go:build integration

package repository

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/promotion-engine/internal/domain/ledger"
	"github.com/xenking/promotion-engine/internal/domain/promotion"
)

func reserveReq(p *promotion.Promotion, customer, key string) ledger.Request {
	return ledger.Request{
		PromotionID:    p.ID,
		CustomerID:     customer,
		IdempotencyKey: key,
		Discount:       decimal.NewFromInt(500),
		TTL:            30 * time.Minute,
	}
}

func reloadPromotion(t *testing.T, id string) *promotion.Promotion {
	t.Helper()
	p, err := NewPromotionRepository(testPool).FindByID(context.Background(), id)
	require.NoError(t, err)
	return p
}

func TestLedgerRepository_ConcurrentCap(t *testing.T) {
	const (
		limit   = 10
		callers = 40
	)
	p := newPromotion(t, func(p *promotion.Promotion) { p.UsageLimit = intPtr(limit) })
	led := NewLedgerRepository(testPool, 5*time.Second)

	var (
		wg        sync.WaitGroup
		ok        atomic.Int32
		exhausted atomic.Int32
		other     atomic.Int32
	)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := led.Reserve(context.Background(), reserveReq(p, "", "cart-"+strconv.Itoa(i)))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ledger.ErrExhausted):
				exhausted.Add(1)
			default:
				t.Errorf("reserve: %v", err)
				other.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, limit, ok.Load())
	assert.EqualValues(t, callers-limit, exhausted.Load())
	assert.Zero(t, other.Load())
	assert.Equal(t, limit, reloadPromotion(t, p.ID).ReservedCount)
}

func TestLedgerRepository_CustomerLimit(t *testing.T) {
	ctx := context.Background()
	p := newPromotion(t, func(p *promotion.Promotion) { p.IsFirstPurchaseOnly = true })
	led := NewLedgerRepository(testPool, time.Second)

	first, err := led.Reserve(ctx, reserveReq(p, "cust-1", "a"))
	require.NoError(t, err)

	_, err = led.Reserve(ctx, reserveReq(p, "cust-1", "b"))
	assert.ErrorIs(t, err, ledger.ErrExhausted)

	// Guests are bound only by the global cap.
	_, err = led.Reserve(ctx, reserveReq(p, "", "c"))
	require.NoError(t, err)

	_, err = led.Release(ctx, first.ID)
	require.NoError(t, err)
	_, err = led.Reserve(ctx, reserveReq(p, "cust-1", "d"))
	assert.NoError(t, err, "released slot frees the customer")
}

func TestLedgerRepository_Idempotency(t *testing.T) {
	ctx := context.Background()
	p := newPromotion(t, nil)
	led := NewLedgerRepository(testPool, time.Second)

	res, err := led.Reserve(ctx, reserveReq(p, "", "cart-1"))
	require.NoError(t, err)

	_, err = led.Reserve(ctx, reserveReq(p, "", "cart-1"))
	assert.ErrorIs(t, err, ledger.ErrAlreadyRedeemed)
	assert.Equal(t, 1, reloadPromotion(t, p.ID).ReservedCount, "refused reserve rolls back its slot")

	_, err = led.Release(ctx, res.ID)
	require.NoError(t, err)
	_, err = led.Reserve(ctx, reserveReq(p, "", "cart-1"))
	assert.NoError(t, err, "key is reusable after release")

	_, err = led.Reserve(ctx, ledger.Request{PromotionID: uuid.New().String(), TTL: time.Minute})
	assert.ErrorIs(t, err, promotion.ErrNotFound)
}

func TestLedgerRepository_ConfirmRelease(t *testing.T) {
	ctx := context.Background()
	p := newPromotion(t, func(p *promotion.Promotion) { p.UsageLimit = intPtr(5) })
	led := NewLedgerRepository(testPool, time.Second)

	res, err := led.Reserve(ctx, reserveReq(p, "cust-1", "cart-1"))
	require.NoError(t, err)

	confirmed, err := led.Confirm(ctx, res.ID, "order-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusConfirmed, confirmed.Status)
	assert.Equal(t, "order-1", confirmed.OrderID)
	require.NotNil(t, confirmed.ConfirmedAt)

	again, err := led.Confirm(ctx, res.ID, "order-2")
	require.NoError(t, err)
	assert.Equal(t, "order-1", again.OrderID)

	released, err := led.Release(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusConfirmed, released.Status, "confirmed records are terminal")

	stored := reloadPromotion(t, p.ID)
	assert.Equal(t, 1, stored.UsageCount)
	assert.Equal(t, 1, stored.ReservedCount)

	other, err := led.Reserve(ctx, reserveReq(p, "cust-2", "cart-2"))
	require.NoError(t, err)
	_, err = led.Release(ctx, other.ID)
	require.NoError(t, err)
	_, err = led.Release(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reloadPromotion(t, p.ID).ReservedCount)

	u, err := led.Usage(ctx, p.ID, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, promotion.Usage{Live: 1, CustomerLive: 1}, u)

	_, err = led.Confirm(ctx, uuid.New().String(), "order-x")
	assert.ErrorIs(t, err, ledger.ErrReservationNotFound)
}

func TestLedgerRepository_Sweep(t *testing.T) {
	ctx := context.Background()
	p := newPromotion(t, func(p *promotion.Promotion) { p.UsageLimit = intPtr(1) })
	led := NewLedgerRepository(testPool, time.Second)
	past := time.Now().Add(-2 * time.Hour)
	led.now = func() time.Time { return past }

	res, err := led.Reserve(ctx, reserveReq(p, "", "cart-1"))
	require.NoError(t, err)

	_, err = led.Reserve(ctx, reserveReq(p, "", "cart-2"))
	require.ErrorIs(t, err, ledger.ErrExhausted)

	n, err := led.Sweep(ctx, time.Now())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	led.now = time.Now
	swept, err := led.Confirm(ctx, res.ID, "late-order")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusReleased, swept.Status, "late confirm of a swept reservation is a no-op")

	_, err = led.Reserve(ctx, reserveReq(p, "", "cart-2"))
	assert.NoError(t, err)
}

func TestLedgerRepository_KeyCheckedBeforeLimits(t *testing.T) {
	ctx := context.Background()
	led := NewLedgerRepository(testPool, time.Second)

	for name, mutate := range map[string]func(p *promotion.Promotion){
		"usage limit":    func(p *promotion.Promotion) { p.UsageLimit = intPtr(1) },
		"customer limit": func(p *promotion.Promotion) { p.PerCustomerLimit = intPtr(1) },
		"first purchase": func(p *promotion.Promotion) { p.IsFirstPurchaseOnly = true },
	} {
		t.Run(name, func(t *testing.T) {
			p := newPromotion(t, mutate)

			res, err := led.Reserve(ctx, reserveReq(p, "cust-1", "cart-1"))
			require.NoError(t, err)

			_, err = led.Reserve(ctx, reserveReq(p, "cust-1", "cart-1"))
			require.ErrorIs(t, err, ledger.ErrAlreadyRedeemed)

			live, err := led.LiveByKey(ctx, p.ID, "cart-1")
			require.NoError(t, err)
			assert.Equal(t, res.ID, live.ID)
			assert.Equal(t, 1, reloadPromotion(t, p.ID).ReservedCount)

			_, err = led.Reserve(ctx, reserveReq(p, "cust-1", "cart-2"))
			require.ErrorIs(t, err, ledger.ErrExhausted, "a different cart still hits the limit")

			_, err = led.Release(ctx, res.ID)
			require.NoError(t, err)
			_, err = led.LiveByKey(ctx, p.ID, "cart-1")
			require.ErrorIs(t, err, ledger.ErrReservationNotFound)
		})
	}
}
