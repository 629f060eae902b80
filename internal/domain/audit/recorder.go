package audit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Recorder appends entries asynchronously. Record never blocks and never
// reports failure to the caller: entries are queued, written by Run with
// retries, and parked in the dead letter when every attempt fails.
type Recorder struct {
	store      Store
	dead       DeadLetter
	queue      chan Entry
	overflow   chan Entry
	dropped    atomic.Int64
	lg         *zap.Logger
	now        func() time.Time
	maxRetries uint64
	initial    time.Duration
	maxBackoff time.Duration
	drainWait  time.Duration
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the logger used for write failures.
func WithLogger(lg *zap.Logger) Option {
	return func(r *Recorder) { r.lg = lg }
}

// WithDeadLetter sets where exhausted entries are parked.
func WithDeadLetter(dl DeadLetter) Option {
	return func(r *Recorder) { r.dead = dl }
}

// WithQueueSize sets the capacity of the in-memory queue and of the
// overflow buffer feeding the dead letter.
func WithQueueSize(n int) Option {
	return func(r *Recorder) {
		r.queue = make(chan Entry, n)
		r.overflow = make(chan Entry, n)
	}
}

// WithRetry sets the number of retries and the backoff bounds.
func WithRetry(maxRetries int, initial, maxBackoff time.Duration) Option {
	return func(r *Recorder) {
		r.maxRetries = uint64(maxRetries)
		r.initial = initial
		r.maxBackoff = maxBackoff
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder creates a Recorder writing to store.
func NewRecorder(store Store, opts ...Option) *Recorder {
	r := &Recorder{
		store:      store,
		queue:      make(chan Entry, 1024),
		overflow:   make(chan Entry, 1024),
		lg:         zap.NewNop(),
		now:        time.Now,
		maxRetries: 5,
		initial:    100 * time.Millisecond,
		maxBackoff: 5 * time.Second,
		drainWait:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record stamps and enqueues e. When the queue is full the entry is handed to
// the overflow buffer that Run parks in the dead letter; when that is full
// too the entry is dropped and counted.
func (r *Recorder) Record(_ context.Context, e Entry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}

	select {
	case r.queue <- e:
		return
	default:
	}
	select {
	case r.overflow <- e:
		r.lg.Warn("Audit queue full, parking entry",
			zap.String("audit_id", e.ID),
			zap.String("action", string(e.Action)),
		)
	default:
		r.dropped.Add(1)
		r.lg.Error("Audit entry dropped: queue and overflow full",
			zap.String("audit_id", e.ID),
			zap.String("promotion_id", e.PromotionID),
			zap.String("action", string(e.Action)),
		)
	}
}

// Dropped reports how many entries were lost because both buffers were full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// List returns the most recent entries for a promotion.
func (r *Recorder) List(ctx context.Context, promotionID string, limit int) ([]Entry, error) {
	return r.store.List(ctx, promotionID, limit)
}

// Run writes queued entries until ctx is cancelled, then drains what is left
// with a bounded grace period.
func (r *Recorder) Run(ctx context.Context) error {
	parked := make(chan struct{})
	go func() {
		defer close(parked)
		r.parkOverflow(ctx)
	}()
	for {
		select {
		case e := <-r.queue:
			r.write(ctx, e)
		case <-ctx.Done():
			r.drain()
			<-parked
			return nil
		}
	}
}

func (r *Recorder) parkOverflow(ctx context.Context) {
	for {
		select {
		case e := <-r.overflow:
			r.park(context.WithoutCancel(ctx), e)
		case <-ctx.Done():
			dctx, cancel := context.WithTimeout(context.Background(), r.drainWait)
			defer cancel()
			for {
				select {
				case e := <-r.overflow:
					r.park(dctx, e)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), r.drainWait)
	defer cancel()
	for {
		select {
		case e := <-r.queue:
			r.write(ctx, e)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, e Entry) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initial
	b.MaxInterval = r.maxBackoff
	b.MaxElapsedTime = 0

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		return r.store.Append(ctx, e)
	}, backoff.WithContext(backoff.WithMaxRetries(b, r.maxRetries), ctx))
	if err == nil {
		return
	}

	r.lg.Error("Audit write failed",
		zap.String("audit_id", e.ID),
		zap.String("action", string(e.Action)),
		zap.Int("attempts", attempt),
		zap.Error(err),
	)
	r.park(context.WithoutCancel(ctx), e)
}

func (r *Recorder) park(ctx context.Context, e Entry) {
	if r.dead == nil {
		r.lg.Error("Audit entry dropped: no dead letter configured",
			zap.String("audit_id", e.ID),
			zap.String("promotion_id", e.PromotionID),
			zap.String("action", string(e.Action)),
		)
		return
	}
	if err := r.dead.Push(ctx, e); err != nil {
		r.lg.Error("Audit dead letter push failed",
			zap.String("audit_id", e.ID),
			zap.Error(err),
		)
	}
}

// Replay moves parked entries back into the store. It stops at the first
// store failure, returning the entry to the dead letter.
func (r *Recorder) Replay(ctx context.Context) (int, error) {
	if r.dead == nil {
		return 0, nil
	}
	n := 0
	for {
		e, err := r.dead.Pop(ctx)
		if err != nil {
			return n, err
		}
		if e == nil {
			return n, nil
		}
		if err := r.store.Append(ctx, *e); err != nil {
			if pushErr := r.dead.Push(context.WithoutCancel(ctx), *e); pushErr != nil {
				r.lg.Error("Audit dead letter re-push failed", zap.String("audit_id", e.ID), zap.Error(pushErr))
			}
			return n, err
		}
		n++
	}
}

// RunReplay calls Replay every interval until ctx is cancelled.
func (r *Recorder) RunReplay(ctx context.Context, interval time.Duration) error {
	if r.dead == nil {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := r.Replay(ctx)
			if err != nil {
				r.lg.Warn("Audit replay interrupted", zap.Int("replayed", n), zap.Error(err))
				continue
			}
			if n > 0 {
				r.lg.Info("Audit entries replayed", zap.Int("replayed", n))
			}
		}
	}
}
