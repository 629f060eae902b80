package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/xenking/promotion-engine/internal/domain/promotion"
)

// DefaultLockWait bounds how long a call waits for a promotion's lock.
const DefaultLockWait = 250 * time.Millisecond

// DefaultRetention is how long released records stay readable after they
// expire.
const DefaultRetention = 24 * time.Hour

// promotionState is guarded by its sem: a one-slot channel acting as a
// lock that can be acquired with a deadline.
type promotionState struct {
	sem       chan struct{}
	live      int
	customers map[string]int
	keys      map[string]string
}

// Memory is an in-process Ledger. Decisions for one promotion are serialised
// by a per-promotion lock acquired with a bounded wait. It is only correct
// for a single service instance.
type Memory struct {
	mu         sync.Mutex
	promotions map[string]*promotionState
	records    map[string]*Reservation

	wait      time.Duration
	retention time.Duration
	now       func() time.Time
}

var _ Ledger = (*Memory)(nil)

// MemoryOption configures a Memory ledger.
type MemoryOption func(*Memory)

// WithLockWait sets the bounded wait for a promotion lock.
func WithLockWait(d time.Duration) MemoryOption {
	return func(m *Memory) { m.wait = d }
}

// WithRetention sets how long terminal records are kept past their
// expiry before Sweep evicts them.
func WithRetention(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			m.retention = d
		}
	}
}

// WithMemoryClock overrides the time source.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates an empty in-process ledger.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		promotions: make(map[string]*promotionState),
		records:    make(map[string]*Reservation),
		wait:       DefaultLockWait,
		retention:  DefaultRetention,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) state(promotionID string) *promotionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.promotions[promotionID]
	if !ok {
		s = &promotionState{
			sem:       make(chan struct{}, 1),
			customers: make(map[string]int),
			keys:      make(map[string]string),
		}
		m.promotions[promotionID] = s
	}
	return s
}

func (m *Memory) lock(ctx context.Context, s *promotionState) (func(), error) {
	timer := time.NewTimer(m.wait)
	defer timer.Stop()
	select {
	case s.sem <- struct{}{}:
		return func() { <-s.sem }, nil
	case <-timer.C:
		return nil, ErrServiceBusy
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reserve implements Ledger.
func (m *Memory) Reserve(ctx context.Context, req Request) (*Reservation, error) {
	s := m.state(req.PromotionID)
	unlock, err := m.lock(ctx, s)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if req.IdempotencyKey != "" {
		if _, ok := s.keys[req.IdempotencyKey]; ok {
			return nil, ErrAlreadyRedeemed
		}
	}
	if req.Limits.Usage != nil && s.live >= *req.Limits.Usage {
		return nil, ErrExhausted
	}
	if req.CustomerID != "" && req.Limits.Customer != nil && s.customers[req.CustomerID] >= *req.Limits.Customer {
		return nil, ErrExhausted
	}

	now := m.now().UTC()
	r := &Reservation{
		ID:             uuid.New().String(),
		PromotionID:    req.PromotionID,
		CustomerID:     req.CustomerID,
		IdempotencyKey: req.IdempotencyKey,
		Discount:       req.Discount,
		Status:         StatusReserved,
		ReservedAt:     now,
		ExpiresAt:      now.Add(req.TTL),
	}

	s.live++
	if r.CustomerID != "" {
		s.customers[r.CustomerID]++
	}
	if r.IdempotencyKey != "" {
		s.keys[r.IdempotencyKey] = r.ID
	}

	m.mu.Lock()
	m.records[r.ID] = r
	m.mu.Unlock()

	out := *r
	return &out, nil
}

func (m *Memory) record(id string) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, errors.Wrap(ErrReservationNotFound, id)
	}
	return r, nil
}

// transition applies a state change to a RESERVED record under the
// promotion lock. Records in any other state are returned unchanged.
func (m *Memory) transition(ctx context.Context, id string, apply func(r *Reservation, s *promotionState, now time.Time)) (*Reservation, bool, error) {
	r, err := m.record(id)
	if err != nil {
		return nil, false, err
	}
	s := m.state(r.PromotionID)
	unlock, err := m.lock(ctx, s)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	changed := r.Status == StatusReserved
	if changed {
		apply(r, s, m.now().UTC())
	}
	out := *r
	return &out, changed, nil
}

// Confirm implements Ledger.
func (m *Memory) Confirm(ctx context.Context, id, orderID string) (*Reservation, error) {
	r, _, err := m.transition(ctx, id, func(r *Reservation, _ *promotionState, now time.Time) {
		r.Status = StatusConfirmed
		r.OrderID = orderID
		r.ConfirmedAt = &now
	})
	return r, err
}

// Release implements Ledger.
func (m *Memory) Release(ctx context.Context, id string) (*Reservation, error) {
	r, _, err := m.release(ctx, id)
	return r, err
}

func (m *Memory) release(ctx context.Context, id string) (*Reservation, bool, error) {
	return m.transition(ctx, id, func(r *Reservation, s *promotionState, now time.Time) {
		r.Status = StatusReleased
		r.ReleasedAt = &now
		s.live--
		if r.CustomerID != "" {
			s.customers[r.CustomerID]--
		}
		if r.IdempotencyKey != "" {
			delete(s.keys, r.IdempotencyKey)
		}
	})
}

// LiveByKey implements Ledger.
func (m *Memory) LiveByKey(ctx context.Context, promotionID, key string) (*Reservation, error) {
	s := m.state(promotionID)
	unlock, err := m.lock(ctx, s)
	if err != nil {
		return nil, err
	}
	defer unlock()

	id, ok := s.keys[key]
	if key == "" || !ok {
		return nil, ErrReservationNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	out := *r
	return &out, nil
}

// Usage implements Ledger.
func (m *Memory) Usage(ctx context.Context, promotionID, customerID string) (promotion.Usage, error) {
	s := m.state(promotionID)
	unlock, err := m.lock(ctx, s)
	if err != nil {
		return promotion.Usage{}, err
	}
	defer unlock()

	u := promotion.Usage{Live: s.live}
	if customerID != "" {
		u.CustomerLive = s.customers[customerID]
	}
	return u, nil
}

// Sweep implements Ledger. A release that fails, for example on a busy
// promotion, does not stop the others; the failures are returned together.
// Released records older than the retention window are evicted; confirmed
// ones still hold a slot and an idempotency key, so they stay.
func (m *Memory) Sweep(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	var expired []string
	for id, r := range m.records {
		switch {
		case r.Status == StatusReserved && !r.ExpiresAt.After(now):
			expired = append(expired, id)
		case r.Status == StatusReleased && !r.ExpiresAt.Add(m.retention).After(now):
			delete(m.records, id)
		}
	}
	m.mu.Unlock()

	var (
		released int
		errs     error
	)
	for _, id := range expired {
		_, changed, err := m.release(ctx, id)
		if err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "release %s", id))
			continue
		}
		if changed {
			released++
		}
	}
	return released, errs
}
