package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/promotion-engine/internal/domain/audit"
)

const (
	appendAuditSQL = `INSERT INTO promotion_audit
		(id, promotion_id, code, action, old_values, new_values, reason, actor, customer_id, reservation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`

	listAuditSQL = `SELECT id, promotion_id, code, action, old_values, new_values, reason, actor,
		customer_id, reservation_id, created_at
		FROM promotion_audit WHERE promotion_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2`
)

var _ audit.Store = (*AuditRepository)(nil)

// AuditRepository implements audit.Store backed by PostgreSQL. Rows are
// never updated or deleted.
type AuditRepository struct {
	pool *pgxpool.Pool
}

// NewAuditRepository returns an AuditRepository that uses the given pool.
func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

// Append inserts e. Replaying an entry that was already written is a no-op.
func (r *AuditRepository) Append(ctx context.Context, e audit.Entry) error {
	_, err := r.pool.Exec(ctx, appendAuditSQL,
		e.ID, e.PromotionID, e.Code, string(e.Action), jsonb(e.OldValues), jsonb(e.NewValues),
		e.Reason, e.Actor, e.CustomerID, e.ReservationID, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("appending audit entry %q: %w", e.ID, err)
	}
	return nil
}

// List returns the latest entries of a promotion, newest first.
func (r *AuditRepository) List(ctx context.Context, promotionID string, limit int) ([]audit.Entry, error) {
	rows, err := r.pool.Query(ctx, listAuditSQL, promotionID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing audit of %q: %w", promotionID, err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (audit.Entry, error) {
		var (
			e      audit.Entry
			action string
		)
		err := row.Scan(&e.ID, &e.PromotionID, &e.Code, &action, &e.OldValues, &e.NewValues,
			&e.Reason, &e.Actor, &e.CustomerID, &e.ReservationID, &e.CreatedAt)
		e.Action = audit.Action(action)
		return e, err
	})
}

// jsonb maps an empty document to SQL NULL.
func jsonb(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
