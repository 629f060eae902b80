//go:build integration

package cache

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/promotion-engine/internal/domain/audit"
	"github.com/xenking/promotion-engine/internal/domain/promotion"
)

var testURL string

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start redis: %v", err)
	}
	defer func() {
		if err := ctr.Terminate(context.Background()); err != nil {
			log.Printf("terminate redis: %v", err)
		}
	}()

	endpoint, err := ctr.Endpoint(ctx, "")
	if err != nil {
		log.Fatalf("redis endpoint: %v", err)
	}
	testURL = fmt.Sprintf("redis://%s/0", endpoint)
	return m.Run()
}

func newClient(t *testing.T) *redis.Client {
	t.Helper()
	client, err := NewClient(context.Background(), testURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.FlushDB(context.Background()).Err())
	return client
}

type countingRepo struct {
	promotion.Repository
	byCode map[string]*promotion.Promotion
	hits   int
}

func (r *countingRepo) FindByCode(_ context.Context, code string) (*promotion.Promotion, error) {
	r.hits++
	p, ok := r.byCode[promotion.NormalizeCode(code)]
	if !ok {
		return nil, promotion.ErrNotFound
	}
	return p.Clone(), nil
}

func (r *countingRepo) FindByID(_ context.Context, id string) (*promotion.Promotion, error) {
	for _, p := range r.byCode {
		if p.ID == id {
			return p.Clone(), nil
		}
	}
	return nil, promotion.ErrNotFound
}

func (r *countingRepo) Update(_ context.Context, p *promotion.Promotion) error {
	for code, old := range r.byCode {
		if old.ID == p.ID {
			delete(r.byCode, code)
		}
	}
	r.byCode[p.Code] = p.Clone()
	return nil
}

func TestPromotions_ReadThrough(t *testing.T) {
	ctx := context.Background()
	limit := 5
	repo := &countingRepo{byCode: map[string]*promotion.Promotion{
		"SAVE10": {ID: "p1", Code: "SAVE10", Type: promotion.DiscountPercentage, Value: decimal.NewFromInt(10), UsageLimit: &limit, IsActive: true},
	}}
	c := NewPromotions(repo, newClient(t), time.Minute)

	for range 3 {
		p, err := c.FindByCode(ctx, "save10")
		require.NoError(t, err)
		assert.Equal(t, "p1", p.ID)
		assert.Equal(t, 5, *p.UsageLimit)
		assert.True(t, decimal.NewFromInt(10).Equal(p.Value))
	}
	assert.Equal(t, 1, repo.hits)

	_, err := c.FindByCode(ctx, "missing")
	assert.ErrorIs(t, err, promotion.ErrNotFound)

	// Renaming evicts the old code.
	renamed, err := repo.FindByID(ctx, "p1")
	require.NoError(t, err)
	renamed.Code = "SAVE11"
	require.NoError(t, c.Update(ctx, renamed))

	_, err = c.FindByCode(ctx, "SAVE10")
	assert.ErrorIs(t, err, promotion.ErrNotFound)
	p, err := c.FindByCode(ctx, "SAVE11")
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)
}

func TestPromotions_CorruptEntry(t *testing.T) {
	ctx := context.Background()
	client := newClient(t)
	repo := &countingRepo{byCode: map[string]*promotion.Promotion{
		"FREESHIP": {ID: "p2", Code: "FREESHIP", Type: promotion.DiscountFreeShipping, Value: decimal.Zero},
	}}
	require.NoError(t, client.Set(ctx, codeKey("FREESHIP"), "{broken", time.Minute).Err())

	p, err := NewPromotions(repo, client, time.Minute).FindByCode(ctx, "freeship")
	require.NoError(t, err)
	assert.Equal(t, "p2", p.ID)
	assert.Equal(t, 1, repo.hits)
}

// racingRepo runs onLoad between reading the store and returning, the window
// in which an admin update can land.
type racingRepo struct {
	*countingRepo
	onLoad func()
}

func (r *racingRepo) FindByCode(ctx context.Context, code string) (*promotion.Promotion, error) {
	p, err := r.countingRepo.FindByCode(ctx, code)
	if r.onLoad != nil {
		hook := r.onLoad
		r.onLoad = nil
		hook()
	}
	return p, err
}

func TestPromotions_InvalidationDuringLoad(t *testing.T) {
	ctx := context.Background()
	client := newClient(t)
	base := &countingRepo{byCode: map[string]*promotion.Promotion{
		"SAVE10": {ID: "p1", Code: "SAVE10", Type: promotion.DiscountPercentage, Value: decimal.NewFromInt(10), IsActive: true},
	}}
	repo := &racingRepo{countingRepo: base}
	c := NewPromotions(repo, client, time.Minute)

	repo.onLoad = func() {
		updated, err := base.FindByID(ctx, "p1")
		require.NoError(t, err)
		updated.IsActive = false
		require.NoError(t, c.Update(ctx, updated))
	}

	stale, err := c.FindByCode(ctx, "SAVE10")
	require.NoError(t, err)
	assert.True(t, stale.IsActive, "the racing read returns what it loaded")

	n, err := client.Exists(ctx, codeKey("SAVE10")).Result()
	require.NoError(t, err)
	assert.Zero(t, n, "stale value must not be cached")

	fresh, err := c.FindByCode(ctx, "SAVE10")
	require.NoError(t, err)
	assert.False(t, fresh.IsActive)

	n, err = client.Exists(ctx, codeKey("SAVE10")).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestDeadLetter_FIFO(t *testing.T) {
	ctx := context.Background()
	dl := NewDeadLetter(newClient(t), "")

	e, err := dl.Pop(ctx)
	require.NoError(t, err)
	assert.Nil(t, e)

	now := time.Now().UTC().Truncate(time.Millisecond)
	for _, id := range []string{"a1", "a2"} {
		require.NoError(t, dl.Push(ctx, audit.Entry{ID: id, PromotionID: "p1", Action: audit.ActionApply, Actor: "ops", CreatedAt: now}))
	}
	n, err := dl.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	first, err := dl.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "a1", first.ID)
	assert.Equal(t, audit.ActionApply, first.Action)
	assert.True(t, now.Equal(first.CreatedAt))
}
