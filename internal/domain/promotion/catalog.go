package promotion

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/xenking/promotion-engine/internal/domain/audit"
)

// duplicateWindow is the validity window given to duplicated promotions.
const duplicateWindow = 30 * 24 * time.Hour

// Auditor receives audit entries. Implementations must not block.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry)
}

// Catalog is the administrative surface over the promotion repository. Every
// mutation is validated and audited.
type Catalog struct {
	repo  Repository
	audit Auditor
	now   func() time.Time
}

// NewCatalog creates a Catalog.
func NewCatalog(repo Repository, auditor Auditor) *Catalog {
	return &Catalog{repo: repo, audit: auditor, now: time.Now}
}

// Get returns a promotion by id.
func (c *Catalog) Get(ctx context.Context, id string) (*Promotion, error) {
	return c.repo.FindByID(ctx, id)
}

// FindByCode returns a promotion by code, ignoring case.
func (c *Catalog) FindByCode(ctx context.Context, code string) (*Promotion, error) {
	return c.repo.FindByCode(ctx, NormalizeCode(code))
}

// List returns promotions matching f.
func (c *Catalog) List(ctx context.Context, f Filter) ([]Promotion, error) {
	return c.repo.List(ctx, f)
}

// Create validates and stores a new promotion. Counters and timestamps in p
// are ignored.
func (c *Catalog) Create(ctx context.Context, actor string, p *Promotion) (*Promotion, error) {
	p = p.Clone()
	normalize(p)
	if err := Validate(p); err != nil {
		return nil, err
	}

	now := c.now().UTC()
	p.ID = uuid.New().String()
	p.UsageCount = 0
	p.ReservedCount = 0
	p.CreatedBy = actor
	p.CreatedAt = now
	p.UpdatedAt = now

	if err := c.repo.Create(ctx, p); err != nil {
		return nil, errors.Wrap(err, "create promotion")
	}

	c.audit.Record(ctx, audit.Entry{
		PromotionID: p.ID,
		Code:        p.Code,
		Action:      audit.ActionCreate,
		NewValues:   p.Snapshot(),
		Actor:       actor,
	})
	return p, nil
}

// Update loads the promotion, lets mutate change it, then validates and stores
// the result. Identity and counters cannot be changed by mutate. Nothing is
// written or audited when mutate leaves every audited field unchanged.
func (c *Catalog) Update(ctx context.Context, actor, id string, mutate func(p *Promotion) error) (*Promotion, error) {
	before, err := c.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	after := before.Clone()
	if err := mutate(after); err != nil {
		return nil, err
	}
	after.ID = before.ID
	after.UsageCount = before.UsageCount
	after.ReservedCount = before.ReservedCount
	after.CreatedBy = before.CreatedBy
	after.CreatedAt = before.CreatedAt
	normalize(after)
	if err := Validate(after); err != nil {
		return nil, err
	}

	oldValues, newValues := Diff(before, after)
	if oldValues == nil {
		return before, nil
	}

	after.UpdatedAt = c.now().UTC()
	if err := c.repo.Update(ctx, after); err != nil {
		return nil, errors.Wrap(err, "update promotion")
	}

	c.audit.Record(ctx, audit.Entry{
		PromotionID: after.ID,
		Code:        after.Code,
		Action:      audit.ActionUpdate,
		OldValues:   oldValues,
		NewValues:   newValues,
		Actor:       actor,
	})
	return after, nil
}

// SetActive soft-enables or soft-disables a promotion.
func (c *Catalog) SetActive(ctx context.Context, actor, id string, active bool) (*Promotion, error) {
	return c.Update(ctx, actor, id, func(p *Promotion) error {
		p.IsActive = active
		return nil
	})
}

// Toggle flips IsActive.
func (c *Catalog) Toggle(ctx context.Context, actor, id string) (*Promotion, error) {
	return c.Update(ctx, actor, id, func(p *Promotion) error {
		p.IsActive = !p.IsActive
		return nil
	})
}

// Duplicate copies the rules of a promotion under the first free code of the
// form <CODE>_COPY_<n>, with a fresh validity window and zeroed counters.
func (c *Catalog) Duplicate(ctx context.Context, actor, id string) (*Promotion, error) {
	src, err := c.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	code, err := c.freeCode(ctx, src.Code)
	if err != nil {
		return nil, err
	}

	dup := src.Clone()
	dup.Code = code
	dup.Name = src.Name + " (Copy)"
	now := c.now().UTC()
	expires := now.Add(duplicateWindow)
	dup.StartsAt = &now
	dup.ExpiresAt = &expires
	return c.Create(ctx, actor, dup)
}

func (c *Catalog) freeCode(ctx context.Context, base string) (string, error) {
	for n := 1; n <= 1000; n++ {
		code := fmt.Sprintf("%s_COPY_%d", base, n)
		_, err := c.repo.FindByCode(ctx, code)
		switch {
		case errors.Is(err, ErrNotFound):
			return code, nil
		case err != nil:
			return "", errors.Wrap(err, "check code availability")
		}
	}
	return "", errors.Wrapf(ErrCodeTaken, "no free copy code for %s", base)
}
