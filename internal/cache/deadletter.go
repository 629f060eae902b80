package cache

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/promotion-engine/internal/domain/audit"
)

// DefaultDeadLetterKey is the Redis list holding unwritten audit entries.
const DefaultDeadLetterKey = "promo:audit:dead"

var _ audit.DeadLetter = (*DeadLetter)(nil)

// DeadLetter is a FIFO of audit entries on a Redis list.
type DeadLetter struct {
	client redis.UniversalClient
	key    string
}

// NewDeadLetter returns a DeadLetter on key, or DefaultDeadLetterKey if empty.
func NewDeadLetter(client redis.UniversalClient, key string) *DeadLetter {
	if key == "" {
		key = DefaultDeadLetterKey
	}
	return &DeadLetter{client: client, key: key}
}

// Push implements audit.DeadLetter.
func (d *DeadLetter) Push(ctx context.Context, e audit.Entry) error {
	var enc jx.Encoder
	e.Encode(&enc)
	if err := d.client.LPush(ctx, d.key, enc.Bytes()).Err(); err != nil {
		return fmt.Errorf("pushing audit entry %q: %w", e.ID, err)
	}
	return nil
}

// Pop implements audit.DeadLetter.
func (d *DeadLetter) Pop(ctx context.Context) (*audit.Entry, error) {
	data, err := d.client.RPop(ctx, d.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("popping audit entry: %w", err)
	}
	var e audit.Entry
	if err := e.Decode(jx.DecodeBytes(data)); err != nil {
		return nil, fmt.Errorf("decoding dead letter: %w", err)
	}
	return &e, nil
}

// Len returns the number of parked entries.
func (d *DeadLetter) Len(ctx context.Context) (int64, error) {
	return d.client.LLen(ctx, d.key).Result()
}
