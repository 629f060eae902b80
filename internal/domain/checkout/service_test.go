package checkout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/promotion-engine/internal/domain/audit"
	"github.com/xenking/promotion-engine/internal/domain/ledger"
	"github.com/xenking/promotion-engine/internal/domain/product"
	"github.com/xenking/promotion-engine/internal/domain/promotion"
)

type mockCatalog struct {
	promos []promotion.Promotion
	err    error
}

func (m *mockCatalog) FindByCode(_ context.Context, code string) (*promotion.Promotion, error) {
	if m.err != nil {
		return nil, m.err
	}
	for i := range m.promos {
		if m.promos[i].Code == code {
			return m.promos[i].Clone(), nil
		}
	}
	return nil, promotion.ErrNotFound
}

func (m *mockCatalog) List(_ context.Context, f promotion.Filter) ([]promotion.Promotion, error) {
	var out []promotion.Promotion
	for _, p := range m.promos {
		if f.Active != nil && p.IsActive != *f.Active {
			continue
		}
		out = append(out, *p.Clone())
	}
	return out, nil
}

type mockAuditor struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *mockAuditor) Record(_ context.Context, e audit.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
}

func (m *mockAuditor) actions() []audit.Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]audit.Action, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.Action
	}
	return out
}

type mockProducts map[string]product.Product

func (m mockProducts) GetByIDs(_ context.Context, ids []string) ([]product.Product, error) {
	var out []product.Product
	for _, id := range ids {
		if p, ok := m[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

type failingLedger struct {
	ledger.Ledger
	err error
}

func (f failingLedger) Reserve(context.Context, ledger.Request) (*ledger.Reservation, error) {
	return nil, f.err
}

func (f failingLedger) LiveByKey(context.Context, string, string) (*ledger.Reservation, error) {
	return nil, f.err
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func intPtr(v int) *int { return &v }

var fixedNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, promos []promotion.Promotion, opts ...Option) (*Service, *ledger.Memory, *mockAuditor) {
	t.Helper()
	l := ledger.NewMemory(ledger.WithLockWait(5 * time.Second))
	aud := &mockAuditor{}
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	s, err := NewService(&mockCatalog{promos: promos}, l, aud, opts...)
	require.NoError(t, err)
	return s, l, aud
}

func cartOf(price int64, qty int) []promotion.Item {
	return []promotion.Item{{ProductID: "p1", CategoryID: "c1", Price: dec(price), Quantity: qty}}
}

func TestService_Apply(t *testing.T) {
	maxDiscount := dec(50000)
	promos := []promotion.Promotion{
		{ID: "1", Code: "SAVE10", Type: promotion.DiscountPercentage, Value: dec(10), MaxDiscount: &maxDiscount, IsActive: true},
	}
	s, l, aud := newTestService(t, promos)
	ctx := context.Background()

	res, err := s.Apply(ctx, ApplyRequest{
		Code:     "save10",
		Items:    cartOf(800000, 1),
		Customer: promotion.Customer{ID: "alice"},
		Actor:    "storefront",
	})
	require.NoError(t, err)
	require.True(t, res.Valid)
	assert.Equal(t, "1", res.PromotionID)
	assert.Equal(t, "SAVE10", res.Code)
	assert.True(t, dec(50000).Equal(res.DiscountAmount))
	assert.True(t, dec(10).Equal(res.DiscountPercentage))
	assert.Equal(t, []string{"p1"}, res.ApplicableItemIDs)
	assert.NotEmpty(t, res.ReservationID)
	assert.WithinDuration(t, time.Now().Add(DefaultReservationTTL), res.ExpiresAt, time.Minute)
	assert.True(t, dec(750000).Equal(Totals(dec(800000), res)))

	require.Eventually(t, func() bool { return len(aud.actions()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, audit.ActionApply, aud.entries[0].Action)
	assert.Equal(t, res.ReservationID, aud.entries[0].ReservationID)
	assert.Equal(t, "storefront", aud.entries[0].Actor)

	u, err := l.Usage(ctx, "1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, u.Live)
}

func TestService_ApplyRefusals(t *testing.T) {
	expired := fixedNow.Add(-time.Hour)
	minOrder := dec(500000)
	promos := []promotion.Promotion{
		{ID: "1", Code: "OFF", Type: promotion.DiscountFixedAmount, Value: dec(100), IsActive: false},
		{ID: "2", Code: "OLD", Type: promotion.DiscountFixedAmount, Value: dec(100), IsActive: true, ExpiresAt: &expired},
		{ID: "3", Code: "BIG", Type: promotion.DiscountFixedAmount, Value: dec(100), IsActive: true, MinOrderAmount: &minOrder},
	}

	tests := []struct {
		code string
		want promotion.Reason
	}{
		{"NOPE", promotion.ReasonCodeNotFound},
		{"OFF", promotion.ReasonInactive},
		{"OLD", promotion.ReasonOutOfWindow},
		{"BIG", promotion.ReasonBelowThreshold},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			s, _, aud := newTestService(t, promos)
			res, err := s.Apply(context.Background(), ApplyRequest{Code: tt.code, Items: cartOf(499999, 1)})
			require.NoError(t, err)
			assert.False(t, res.Valid)
			assert.Equal(t, tt.want, res.Reason)
			assert.Equal(t, tt.want.Message(), res.Message)
			assert.True(t, res.DiscountAmount.IsZero())
			assert.Empty(t, res.ReservationID)

			require.Len(t, aud.entries, 1)
			e := aud.entries[0]
			assert.Equal(t, audit.ActionReject, e.Action)
			assert.Equal(t, string(tt.want), e.Reason)
			if tt.want == promotion.ReasonCodeNotFound {
				assert.Empty(t, e.PromotionID)
				assert.Equal(t, "NOPE", e.Code)
			}
		})
	}
}

func TestService_ApplyConcurrentLastSlot(t *testing.T) {
	promos := []promotion.Promotion{
		{ID: "1", Code: "ONCE", Type: promotion.DiscountFixedAmount, Value: dec(100), IsActive: true, UsageLimit: intPtr(1)},
	}
	s, _, _ := newTestService(t, promos)

	var (
		wg      sync.WaitGroup
		results = make([]*ApplyResult, 2)
		errs    = make([]error, 2)
		start   = make(chan struct{})
	)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results[i], errs[i] = s.Apply(context.Background(), ApplyRequest{
				Code:     "ONCE",
				Items:    cartOf(1000, 1),
				Customer: promotion.Customer{ID: "c" + string(rune('a'+i))},
			})
		}()
	}
	close(start)
	wg.Wait()

	valid := 0
	for i := range 2 {
		require.NoError(t, errs[i])
		if results[i].Valid {
			valid++
		} else {
			assert.Equal(t, promotion.ReasonExhausted, results[i].Reason)
		}
	}
	assert.Equal(t, 1, valid)
}

func TestService_ApplyIdempotencyKey(t *testing.T) {
	promos := []promotion.Promotion{
		{ID: "1", Code: "SHIP", Type: promotion.DiscountFreeShipping, IsActive: true},
	}
	s, _, _ := newTestService(t, promos)
	ctx := context.Background()
	req := ApplyRequest{Code: "SHIP", Items: cartOf(1000, 1), IdempotencyKey: "cart-42"}

	first, err := s.Apply(ctx, req)
	require.NoError(t, err)
	require.True(t, first.Valid)
	assert.True(t, first.ShippingWaived)
	assert.True(t, first.DiscountAmount.IsZero())

	second, err := s.Apply(ctx, req)
	require.NoError(t, err)
	assert.False(t, second.Valid)
	assert.Equal(t, promotion.ReasonAlreadyRedeemed, second.Reason)

	_, err = s.Release(ctx, first.ReservationID)
	require.NoError(t, err)

	third, err := s.Apply(ctx, req)
	require.NoError(t, err)
	assert.True(t, third.Valid)
}

func TestService_ApplyIdempotencyKeyOnLimitedPromotion(t *testing.T) {
	tests := map[string]func(p *promotion.Promotion){
		"usage limit":    func(p *promotion.Promotion) { p.UsageLimit = intPtr(1) },
		"customer limit": func(p *promotion.Promotion) { p.PerCustomerLimit = intPtr(1) },
		"first purchase": func(p *promotion.Promotion) { p.IsFirstPurchaseOnly = true },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			p := promotion.Promotion{ID: "1", Code: "ONCE", Type: promotion.DiscountFixedAmount, Value: dec(100), IsActive: true}
			mutate(&p)
			s, l, aud := newTestService(t, []promotion.Promotion{p})
			ctx := context.Background()
			req := ApplyRequest{
				Code:           "ONCE",
				Customer:       promotion.Customer{ID: "alice"},
				Items:          cartOf(1000, 1),
				IdempotencyKey: "cart-7",
			}

			first, err := s.Apply(ctx, req)
			require.NoError(t, err)
			require.True(t, first.Valid)

			retry, err := s.Apply(ctx, req)
			require.NoError(t, err)
			assert.False(t, retry.Valid)
			assert.Equal(t, promotion.ReasonAlreadyRedeemed, retry.Reason)

			other := req
			other.IdempotencyKey = "cart-8"
			res, err := s.Apply(ctx, other)
			require.NoError(t, err)
			assert.False(t, res.Valid)
			assert.Equal(t, promotion.ReasonExhausted, res.Reason)

			u, err := l.Usage(ctx, "1", "alice")
			require.NoError(t, err)
			assert.Equal(t, 1, u.Live)
			assert.Equal(t, []audit.Action{audit.ActionApply, audit.ActionReject, audit.ActionReject}, aud.actions())
		})
	}
}

func TestService_ApplyIdempotencyLookupBusy(t *testing.T) {
	promos := []promotion.Promotion{
		{ID: "1", Code: "SHIP", Type: promotion.DiscountFreeShipping, IsActive: true},
	}
	aud := &mockAuditor{}
	s, err := NewService(&mockCatalog{promos: promos}, failingLedger{err: ledger.ErrServiceBusy}, aud)
	require.NoError(t, err)

	res, err := s.Apply(context.Background(), ApplyRequest{Code: "SHIP", Items: cartOf(1000, 1), IdempotencyKey: "cart-1"})
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, promotion.ReasonServiceBusy, res.Reason)
}

func TestService_ApplyLedgerErrors(t *testing.T) {
	promos := []promotion.Promotion{
		{ID: "1", Code: "X", Type: promotion.DiscountFixedAmount, Value: dec(1), IsActive: true},
	}
	aud := &mockAuditor{}

	busy, err := NewService(&mockCatalog{promos: promos}, failingLedger{err: ledger.ErrServiceBusy}, aud)
	require.NoError(t, err)
	res, err := busy.Apply(context.Background(), ApplyRequest{Code: "X", Items: cartOf(10, 1)})
	require.NoError(t, err)
	assert.Equal(t, promotion.ReasonServiceBusy, res.Reason)

	broken, err := NewService(&mockCatalog{promos: promos}, failingLedger{err: errors.New("connection reset")}, aud)
	require.NoError(t, err)
	_, err = broken.Apply(context.Background(), ApplyRequest{Code: "X", Items: cartOf(10, 1)})
	require.Error(t, err)
}

func TestService_ApplyResolvesCategories(t *testing.T) {
	promos := []promotion.Promotion{
		{ID: "1", Code: "SHOES", Type: promotion.DiscountPercentage, Value: dec(50), IsActive: true, ScopeCategories: []string{"shoes"}},
	}
	products := mockProducts{"boot": {ID: "boot", Category: "shoes"}}
	s, _, _ := newTestService(t, promos, WithProducts(products))

	res, err := s.Apply(context.Background(), ApplyRequest{
		Code: "SHOES",
		Items: []promotion.Item{
			{ProductID: "boot", Price: dec(1000), Quantity: 1},
			{ProductID: "hat", Price: dec(500), Quantity: 1},
		},
	})
	require.NoError(t, err)
	require.True(t, res.Valid)
	assert.True(t, dec(500).Equal(res.DiscountAmount))
	assert.Equal(t, []string{"boot"}, res.ApplicableItemIDs)
}

func TestService_Validate(t *testing.T) {
	promos := []promotion.Promotion{
		{ID: "1", Code: "TEN", Type: promotion.DiscountPercentage, Value: dec(10), IsActive: true, UsageLimit: intPtr(1)},
	}
	s, l, aud := newTestService(t, promos)
	ctx := context.Background()

	res, err := s.Validate(ctx, ValidateRequest{Code: "ten", CartSubtotal: dec(2000)})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.True(t, dec(200).Equal(res.Discount.Amount))

	u, err := l.Usage(ctx, "1", "")
	require.NoError(t, err)
	assert.Zero(t, u.Live, "validate must not reserve")
	assert.Empty(t, aud.entries, "validate must not audit")

	_, err = s.Apply(ctx, ApplyRequest{Code: "TEN", Items: cartOf(100, 1)})
	require.NoError(t, err)

	res, err = s.Validate(ctx, ValidateRequest{Code: "TEN", CartSubtotal: dec(2000)})
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, promotion.ReasonExhausted, res.Reason)

	res, err = s.Validate(ctx, ValidateRequest{Code: "MISSING"})
	require.NoError(t, err)
	assert.Equal(t, promotion.ReasonCodeNotFound, res.Reason)
}

func TestService_ConfirmRelease(t *testing.T) {
	promos := []promotion.Promotion{
		{ID: "1", Code: "X", Type: promotion.DiscountFixedAmount, Value: dec(5), IsActive: true},
	}
	s, _, _ := newTestService(t, promos)
	ctx := context.Background()

	res, err := s.Apply(ctx, ApplyRequest{Code: "X", Items: cartOf(100, 1)})
	require.NoError(t, err)

	for range 2 {
		r, err := s.Confirm(ctx, res.ReservationID, "order-1")
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusConfirmed, r.Status)
	}
	r, err := s.Release(ctx, res.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusConfirmed, r.Status)

	_, err = s.Confirm(ctx, "missing", "order")
	require.ErrorIs(t, err, ledger.ErrReservationNotFound)
}

func TestService_Applicable(t *testing.T) {
	promos := []promotion.Promotion{
		{ID: "1", Code: "FIVE", Type: promotion.DiscountFixedAmount, Value: dec(500), IsActive: true},
		{ID: "2", Code: "TEN", Type: promotion.DiscountPercentage, Value: dec(10), IsActive: true},
		{ID: "3", Code: "OFF", Type: promotion.DiscountPercentage, Value: dec(90), IsActive: false},
		{ID: "4", Code: "SHIP", Type: promotion.DiscountFreeShipping, IsActive: true},
		{ID: "5", Code: "VIP", Type: promotion.DiscountPercentage, Value: dec(50), IsActive: true, CustomerSegment: "vip"},
	}
	s, _, aud := newTestService(t, promos, WithConcurrency(2))

	got, err := s.Applicable(context.Background(), ApplicableRequest{Items: cartOf(10000, 1)})
	require.NoError(t, err)

	codes := make([]string, len(got))
	for i, c := range got {
		codes[i] = c.Promotion.Code
	}
	assert.Equal(t, []string{"TEN", "FIVE", "SHIP"}, codes)
	assert.Empty(t, aud.entries)
}
