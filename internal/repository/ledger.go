package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/promotion-engine/internal/domain/ledger"
	"github.com/xenking/promotion-engine/internal/domain/promotion"
)

const (
	setLockTimeoutSQL = `SELECT set_config('lock_timeout', $1, true)`

	// The row lock taken here serialises every reservation of one promotion
	// until the transaction ends. Limits are read from the locked row.
	lockPromotionSQL = `SELECT per_customer_limit, is_first_purchase_only
		FROM promotions WHERE id = $1 FOR UPDATE`

	liveKeySQL = `SELECT EXISTS (SELECT 1 FROM redemptions
		WHERE promotion_id = $1 AND idempotency_key = $2 AND status <> 'RELEASED')`

	claimSlotSQL = `UPDATE promotions SET reserved_count = reserved_count + 1
		WHERE id = $1 AND (usage_limit IS NULL OR reserved_count < usage_limit)`

	customerLiveSQL = `SELECT COUNT(*) FROM redemptions
		WHERE promotion_id = $1 AND customer_id = $2 AND status <> 'RELEASED'`

	insertRedemptionSQL = `INSERT INTO redemptions
		(id, promotion_id, customer_id, idempotency_key, discount, status, reserved_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, 'RESERVED', $6, $7)`

	redemptionColumns = `id, promotion_id, customer_id, order_id, idempotency_key, discount,
		status, reserved_at, expires_at, confirmed_at, released_at`

	getRedemptionSQL = `SELECT ` + redemptionColumns + ` FROM redemptions WHERE id = $1`

	getLiveByKeySQL = `SELECT ` + redemptionColumns + ` FROM redemptions
		WHERE promotion_id = $1 AND idempotency_key = $2 AND status <> 'RELEASED'`

	confirmRedemptionSQL = `WITH r AS (
			UPDATE redemptions SET status = 'CONFIRMED', order_id = $2, confirmed_at = $3
			WHERE id = $1 AND status = 'RESERVED'
			RETURNING promotion_id
		)
		UPDATE promotions p SET usage_count = p.usage_count + 1 FROM r WHERE p.id = r.promotion_id`

	releaseRedemptionSQL = `WITH r AS (
			UPDATE redemptions SET status = 'RELEASED', released_at = $2
			WHERE id = $1 AND status = 'RESERVED'
			RETURNING promotion_id
		)
		UPDATE promotions p SET reserved_count = p.reserved_count - 1 FROM r WHERE p.id = r.promotion_id`

	sweepRedemptionsSQL = `WITH r AS (
			UPDATE redemptions SET status = 'RELEASED', released_at = $1
			WHERE status = 'RESERVED' AND expires_at <= $1
			RETURNING promotion_id
		), c AS (
			SELECT promotion_id, COUNT(*)::integer AS n FROM r GROUP BY promotion_id
		), u AS (
			UPDATE promotions p SET reserved_count = p.reserved_count - c.n
			FROM c WHERE p.id = c.promotion_id
			RETURNING c.n
		)
		SELECT COALESCE(SUM(n), 0)::integer FROM u`

	usageSQL = `SELECT p.reserved_count,
			(SELECT COUNT(*) FROM redemptions
			 WHERE promotion_id = p.id AND customer_id = $2 AND $2 <> '' AND status <> 'RELEASED')
		FROM promotions p WHERE p.id = $1`
)

var _ ledger.Ledger = (*LedgerRepository)(nil)

// LedgerRepository is the durable ledger. Reservations for one promotion are
// serialised by the promotion row lock, so the cap holds across any number
// of service instances. Request.Limits is ignored: the stored limits of the
// promotion are authoritative.
type LedgerRepository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
	now         func() time.Time
}

// NewLedgerRepository returns a LedgerRepository. lockTimeout bounds the wait
// for a contended promotion row before the call fails with
// ledger.ErrServiceBusy.
func NewLedgerRepository(pool *pgxpool.Pool, lockTimeout time.Duration) *LedgerRepository {
	if lockTimeout <= 0 {
		lockTimeout = ledger.DefaultLockWait
	}
	return &LedgerRepository{pool: pool, lockTimeout: lockTimeout, now: time.Now}
}

// Reserve implements ledger.Ledger.
func (r *LedgerRepository) Reserve(ctx context.Context, req ledger.Request) (*ledger.Reservation, error) {
	now := r.now().UTC()
	res := &ledger.Reservation{
		ID:             uuid.New().String(),
		PromotionID:    req.PromotionID,
		CustomerID:     req.CustomerID,
		IdempotencyKey: req.IdempotencyKey,
		Discount:       req.Discount,
		Status:         ledger.StatusReserved,
		ReservedAt:     now,
		ExpiresAt:      now.Add(req.TTL),
	}

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		timeout := strconv.FormatInt(r.lockTimeout.Milliseconds(), 10) + "ms"
		if _, err := tx.Exec(ctx, setLockTimeoutSQL, timeout); err != nil {
			return fmt.Errorf("setting lock timeout: %w", err)
		}

		var (
			customerLimit *int
			firstPurchase bool
		)
		err := tx.QueryRow(ctx, lockPromotionSQL, req.PromotionID).Scan(&customerLimit, &firstPurchase)
		if errors.Is(err, pgx.ErrNoRows) {
			return promotion.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("locking promotion %q: %w", req.PromotionID, err)
		}

		if req.IdempotencyKey != "" {
			var held bool
			if err := tx.QueryRow(ctx, liveKeySQL, req.PromotionID, req.IdempotencyKey).Scan(&held); err != nil {
				return fmt.Errorf("checking idempotency key: %w", err)
			}
			if held {
				return ledger.ErrAlreadyRedeemed
			}
		}

		tag, err := tx.Exec(ctx, claimSlotSQL, req.PromotionID)
		if err != nil {
			return fmt.Errorf("claiming slot of %q: %w", req.PromotionID, err)
		}
		if tag.RowsAffected() == 0 {
			return ledger.ErrExhausted
		}

		if customerLimit == nil && firstPurchase {
			one := 1
			customerLimit = &one
		}
		if req.CustomerID != "" && customerLimit != nil {
			var n int
			if err := tx.QueryRow(ctx, customerLiveSQL, req.PromotionID, req.CustomerID).Scan(&n); err != nil {
				return fmt.Errorf("counting customer redemptions: %w", err)
			}
			if n >= *customerLimit {
				return ledger.ErrExhausted
			}
		}

		_, err = tx.Exec(ctx, insertRedemptionSQL,
			res.ID, res.PromotionID, res.CustomerID, res.IdempotencyKey, res.Discount,
			res.ReservedAt, res.ExpiresAt,
		)
		if err != nil {
			if pgCode(err) == codeUniqueViolation {
				return ledger.ErrAlreadyRedeemed
			}
			return fmt.Errorf("inserting redemption: %w", err)
		}
		return nil
	})
	if err != nil {
		if pgCode(err) == codeLockNotAvailable {
			return nil, ledger.ErrServiceBusy
		}
		return nil, err
	}
	return res, nil
}

// Confirm implements ledger.Ledger.
func (r *LedgerRepository) Confirm(ctx context.Context, id, orderID string) (*ledger.Reservation, error) {
	if _, err := r.pool.Exec(ctx, confirmRedemptionSQL, id, orderID, r.now().UTC()); err != nil {
		return nil, fmt.Errorf("confirming redemption %q: %w", id, err)
	}
	return r.get(ctx, id)
}

// Release implements ledger.Ledger.
func (r *LedgerRepository) Release(ctx context.Context, id string) (*ledger.Reservation, error) {
	if _, err := r.pool.Exec(ctx, releaseRedemptionSQL, id, r.now().UTC()); err != nil {
		return nil, fmt.Errorf("releasing redemption %q: %w", id, err)
	}
	return r.get(ctx, id)
}

func (r *LedgerRepository) get(ctx context.Context, id string) (*ledger.Reservation, error) {
	rows, err := r.pool.Query(ctx, getRedemptionSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting redemption %q: %w", id, err)
	}
	res, err := pgx.CollectExactlyOneRow(rows, scanReservation)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.Wrap(ledger.ErrReservationNotFound, id)
		}
		return nil, fmt.Errorf("getting redemption %q: %w", id, err)
	}
	return &res, nil
}

// LiveByKey implements ledger.Ledger.
func (r *LedgerRepository) LiveByKey(ctx context.Context, promotionID, key string) (*ledger.Reservation, error) {
	if key == "" {
		return nil, ledger.ErrReservationNotFound
	}
	rows, err := r.pool.Query(ctx, getLiveByKeySQL, promotionID, key)
	if err != nil {
		return nil, fmt.Errorf("finding live redemption by key: %w", err)
	}
	res, err := pgx.CollectExactlyOneRow(rows, scanReservation)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ledger.ErrReservationNotFound
		}
		return nil, fmt.Errorf("finding live redemption by key: %w", err)
	}
	return &res, nil
}

// Usage implements ledger.Ledger. An unknown promotion has no usage.
func (r *LedgerRepository) Usage(ctx context.Context, promotionID, customerID string) (promotion.Usage, error) {
	var u promotion.Usage
	err := r.pool.QueryRow(ctx, usageSQL, promotionID, customerID).Scan(&u.Live, &u.CustomerLive)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return promotion.Usage{}, fmt.Errorf("reading usage of %q: %w", promotionID, err)
	}
	return u, nil
}

// Sweep implements ledger.Ledger in a single statement.
func (r *LedgerRepository) Sweep(ctx context.Context, now time.Time) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, sweepRedemptionsSQL, now.UTC()).Scan(&n); err != nil {
		return 0, fmt.Errorf("sweeping expired redemptions: %w", err)
	}
	return n, nil
}

func scanReservation(row pgx.CollectableRow) (ledger.Reservation, error) {
	var (
		res    ledger.Reservation
		status string
	)
	err := row.Scan(
		&res.ID, &res.PromotionID, &res.CustomerID, &res.OrderID, &res.IdempotencyKey, &res.Discount,
		&status, &res.ReservedAt, &res.ExpiresAt, &res.ConfirmedAt, &res.ReleasedAt,
	)
	res.Status = ledger.Status(status)
	return res, err
}
