package promotion

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/promotion-engine/internal/domain/audit"
)

type mockRepo struct {
	mu     sync.Mutex
	byID   map[string]*Promotion
	writes int
}

func newMockRepo() *mockRepo {
	return &mockRepo{byID: map[string]*Promotion{}}
}

func (m *mockRepo) FindByCode(_ context.Context, code string) (*Promotion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.byID {
		if p.Code == code {
			return p.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepo) FindByID(_ context.Context, id string) (*Promotion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (m *mockRepo) List(_ context.Context, _ Filter) ([]Promotion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Promotion, 0, len(m.byID))
	for _, p := range m.byID {
		out = append(out, *p.Clone())
	}
	return out, nil
}

func (m *mockRepo) Create(_ context.Context, p *Promotion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.byID {
		if existing.Code == p.Code {
			return ErrCodeTaken
		}
	}
	m.byID[p.ID] = p.Clone()
	m.writes++
	return nil
}

func (m *mockRepo) Update(_ context.Context, p *Promotion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[p.ID]; !ok {
		return ErrNotFound
	}
	m.byID[p.ID] = p.Clone()
	m.writes++
	return nil
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

func newTestCatalog() (*Catalog, *mockRepo, *mockAuditor) {
	repo := newMockRepo()
	aud := &mockAuditor{}
	c := NewCatalog(repo, aud)
	c.now = func() time.Time { return time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC) }
	return c, repo, aud
}

func TestCatalog_Create(t *testing.T) {
	ctx := context.Background()
	c, _, aud := newTestCatalog()

	p, err := c.Create(ctx, "admin", &Promotion{
		Code: " welcome ", Name: "Welcome", Type: DiscountFixedAmount, Value: dec(500),
		IsFirstPurchaseOnly: true, UsageCount: 99,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "WELCOME", p.Code)
	assert.Zero(t, p.UsageCount)
	require.NotNil(t, p.PerCustomerLimit)
	assert.Equal(t, 1, *p.PerCustomerLimit)
	assert.Equal(t, "admin", p.CreatedBy)

	require.Len(t, aud.entries, 1)
	assert.Equal(t, audit.ActionCreate, aud.entries[0].Action)
	assert.Equal(t, p.ID, aud.entries[0].PromotionID)
	assert.Equal(t, "admin", aud.entries[0].Actor)
	assert.NotEmpty(t, aud.entries[0].NewValues)

	found, err := c.FindByCode(ctx, "Welcome")
	require.NoError(t, err)
	assert.Equal(t, p.ID, found.ID)

	_, err = c.Create(ctx, "admin", &Promotion{Code: "WELCOME", Name: "Again", Type: DiscountFixedAmount, Value: dec(1)})
	require.ErrorIs(t, err, ErrCodeTaken)
}

func TestCatalog_CreateValidation(t *testing.T) {
	ctx := context.Background()
	past := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		promo *Promotion
		field string
		fatal bool
	}{
		{
			name:  "unknown type",
			promo: &Promotion{Code: "X", Name: "X", Type: "MYSTERY", Value: dec(1)},
			fatal: true,
		},
		{
			name:  "zero value",
			promo: &Promotion{Code: "X", Name: "X", Type: DiscountFixedAmount},
			field: "value",
		},
		{
			name:  "percentage above 100",
			promo: &Promotion{Code: "X", Name: "X", Type: DiscountPercentage, Value: dec(101)},
			field: "value",
		},
		{
			name:  "buy x get y without quantities",
			promo: &Promotion{Code: "X", Name: "X", Type: DiscountBuyXGetY, Value: dec(1)},
			field: "conditions.x",
		},
		{
			name: "inverted window",
			promo: &Promotion{
				Code: "X", Name: "X", Type: DiscountPercentage, Value: dec(5),
				StartsAt: &past, ExpiresAt: &past,
			},
			field: "expiresAt",
		},
		{
			name: "malformed rule",
			promo: &Promotion{
				Code: "X", Name: "X", Type: DiscountPercentage, Value: dec(5),
				Conditions: Conditions{Rule: &Node{Kind: NodeAll}},
			},
			field: "conditions.rule",
		},
		{
			name:  "missing code",
			promo: &Promotion{Name: "X", Type: DiscountPercentage, Value: dec(5)},
			field: "code",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, repo, aud := newTestCatalog()
			_, err := c.Create(ctx, "admin", tt.promo)
			require.Error(t, err)
			if tt.fatal {
				require.ErrorIs(t, err, ErrUnknownDiscountType)
			} else {
				var verr *ValidationError
				require.True(t, errors.As(err, &verr))
				assert.Equal(t, tt.field, verr.Field)
			}
			assert.Zero(t, repo.writes)
			assert.Empty(t, aud.entries)
		})
	}
}

func TestCatalog_FreeShippingAllowsZeroValue(t *testing.T) {
	c, _, _ := newTestCatalog()
	_, err := c.Create(context.Background(), "admin", &Promotion{Code: "SHIP", Name: "Ship", Type: DiscountFreeShipping})
	require.NoError(t, err)
}

func TestCatalog_Update(t *testing.T) {
	ctx := context.Background()
	c, repo, aud := newTestCatalog()

	p, err := c.Create(ctx, "admin", &Promotion{Code: "SAVE", Name: "Save", Type: DiscountPercentage, Value: dec(10), IsActive: true})
	require.NoError(t, err)

	updated, err := c.Update(ctx, "editor", p.ID, func(p *Promotion) error {
		p.Value = dec(15)
		p.UsageCount = 1000
		p.ID = "hijack"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, p.ID, updated.ID)
	assert.Zero(t, updated.UsageCount)
	assert.True(t, dec(15).Equal(updated.Value))
	assert.Equal(t, "admin", updated.CreatedBy)

	require.Len(t, aud.entries, 2)
	e := aud.entries[1]
	assert.Equal(t, audit.ActionUpdate, e.Action)
	assert.Equal(t, "editor", e.Actor)
	assert.JSONEq(t, `{"value":10}`, string(e.OldValues))
	assert.JSONEq(t, `{"value":15}`, string(e.NewValues))

	writes := repo.writes
	_, err = c.Update(ctx, "editor", p.ID, func(*Promotion) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, writes, repo.writes, "no-op update must not write")
	assert.Len(t, aud.entries, 2)

	_, err = c.Update(ctx, "editor", "missing", func(*Promotion) error { return nil })
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCatalog_Toggle(t *testing.T) {
	ctx := context.Background()
	c, _, aud := newTestCatalog()

	p, err := c.Create(ctx, "admin", &Promotion{Code: "T", Name: "T", Type: DiscountFreeShipping, IsActive: true})
	require.NoError(t, err)

	off, err := c.Toggle(ctx, "admin", p.ID)
	require.NoError(t, err)
	assert.False(t, off.IsActive)

	on, err := c.SetActive(ctx, "admin", p.ID, true)
	require.NoError(t, err)
	assert.True(t, on.IsActive)

	assert.Len(t, aud.entries, 3)
}

func TestCatalog_Duplicate(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCatalog()

	src, err := c.Create(ctx, "admin", &Promotion{
		Code: "B2G1", Name: "Bundle", Type: DiscountBuyXGetY, Value: dec(1), IsActive: true,
		Conditions: Conditions{BuyQuantity: 2, GetQuantity: 1},
	})
	require.NoError(t, err)

	first, err := c.Duplicate(ctx, "ops", src.ID)
	require.NoError(t, err)
	assert.Equal(t, "B2G1_COPY_1", first.Code)
	assert.Equal(t, "Bundle (Copy)", first.Name)
	assert.Equal(t, 2, first.Conditions.BuyQuantity)
	require.NotNil(t, first.StartsAt)
	require.NotNil(t, first.ExpiresAt)
	assert.Equal(t, duplicateWindow, first.ExpiresAt.Sub(*first.StartsAt))
	assert.Equal(t, "ops", first.CreatedBy)

	second, err := c.Duplicate(ctx, "ops", src.ID)
	require.NoError(t, err)
	assert.Equal(t, "B2G1_COPY_2", second.Code)
}
