package cache

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/promotion-engine/internal/domain/promotion"
)

// DefaultPromotionTTL bounds how stale a cached definition can be.
const DefaultPromotionTTL = 30 * time.Second

// versionTTL keeps invalidation counters around long enough to outlive any
// in-flight read-through.
const versionTTL = time.Hour

var errStaleLoad = errors.New("promotion changed during load")

var _ promotion.Repository = (*Promotions)(nil)

// Promotions is a read-through cache in front of a promotion.Repository for
// code lookups, the checkout hot path. Lookups by id and listings always go
// to the underlying store so the admin surface sees live counters. Redis
// failures degrade to the store.
type Promotions struct {
	next   promotion.Repository
	client redis.UniversalClient
	ttl    time.Duration
}

// NewPromotions wraps next with a Redis cache.
func NewPromotions(next promotion.Repository, client redis.UniversalClient, ttl time.Duration) *Promotions {
	if ttl <= 0 {
		ttl = DefaultPromotionTTL
	}
	return &Promotions{next: next, client: client, ttl: ttl}
}

func codeKey(code string) string {
	return "promo:code:" + promotion.NormalizeCode(code)
}

func versionKey(code string) string {
	return "promo:ver:" + promotion.NormalizeCode(code)
}

// FindByCode implements promotion.Repository.
func (c *Promotions) FindByCode(ctx context.Context, code string) (*promotion.Promotion, error) {
	key := codeKey(code)
	lg := zctx.From(ctx)

	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var p promotion.Promotion
		if err := p.Decode(jx.DecodeBytes(data)); err == nil {
			return &p, nil
		}
		lg.Warn("Dropping corrupt cached promotion", zap.String("key", key))
		_ = c.client.Del(ctx, key).Err()
	case !errors.Is(err, redis.Nil):
		lg.Warn("Promotion cache read failed", zap.String("key", key), zap.Error(err))
	}

	// The version is read before the store so that an invalidation racing
	// the load prevents the stale value from being written back.
	ver, verErr := c.version(ctx, c.client, code)

	p, err := c.next.FindByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if verErr != nil {
		lg.Warn("Promotion cache version read failed", zap.String("key", key), zap.Error(verErr))
		return p, nil
	}

	var e jx.Encoder
	p.Encode(&e)
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := c.version(ctx, tx, code)
		if err != nil {
			return err
		}
		if cur != ver {
			return errStaleLoad
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, e.Bytes(), c.ttl)
			return nil
		})
		return err
	}, versionKey(code))
	switch {
	case err == nil:
	case errors.Is(err, errStaleLoad), errors.Is(err, redis.TxFailedErr):
		lg.Debug("Skipping cache write for invalidated promotion", zap.String("key", key))
	default:
		lg.Warn("Promotion cache write failed", zap.String("key", key), zap.Error(err))
	}
	return p, nil
}

func (c *Promotions) version(ctx context.Context, cmd redis.Cmdable, code string) (int64, error) {
	v, err := cmd.Get(ctx, versionKey(code)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

// FindByID implements promotion.Repository.
func (c *Promotions) FindByID(ctx context.Context, id string) (*promotion.Promotion, error) {
	return c.next.FindByID(ctx, id)
}

// List implements promotion.Repository.
func (c *Promotions) List(ctx context.Context, f promotion.Filter) ([]promotion.Promotion, error) {
	return c.next.List(ctx, f)
}

// Create implements promotion.Repository.
func (c *Promotions) Create(ctx context.Context, p *promotion.Promotion) error {
	if err := c.next.Create(ctx, p); err != nil {
		return err
	}
	c.invalidate(ctx, p.Code)
	return nil
}

// Update implements promotion.Repository. Both the previous and the new code
// are evicted.
func (c *Promotions) Update(ctx context.Context, p *promotion.Promotion) error {
	var codes []string
	if prev, err := c.next.FindByID(ctx, p.ID); err == nil {
		codes = append(codes, prev.Code)
	}
	if err := c.next.Update(ctx, p); err != nil {
		return err
	}
	c.invalidate(ctx, append(codes, p.Code)...)
	return nil
}

// invalidate bumps each code's version before deleting its entry, so a
// read-through that loaded the old row cannot write it back afterwards.
func (c *Promotions) invalidate(ctx context.Context, codes ...string) {
	keys := make([]string, 0, len(codes))
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, code := range codes {
			pipe.Incr(ctx, versionKey(code))
			pipe.Expire(ctx, versionKey(code), versionTTL)
			pipe.Del(ctx, codeKey(code))
			keys = append(keys, codeKey(code))
		}
		return nil
	})
	if err != nil {
		zctx.From(ctx).Warn("Promotion cache invalidation failed", zap.Strings("keys", keys), zap.Error(err))
	}
}
