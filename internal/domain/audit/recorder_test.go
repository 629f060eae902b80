package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	mu       sync.Mutex
	entries  []Entry
	failures int
	calls    int
}

func (m *mockStore) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failures > 0 {
		m.failures--
		return errors.New("database unavailable")
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *mockStore) List(_ context.Context, promotionID string, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if e.PromotionID == promotionID {
			out = append(out, e)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockStore) stored() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

type mockDeadLetter struct {
	mu      sync.Mutex
	entries []Entry
}

func (m *mockDeadLetter) Push(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *mockDeadLetter) Pop(_ context.Context) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return nil, nil
	}
	e := m.entries[0]
	m.entries = m.entries[1:]
	return &e, nil
}

func (m *mockDeadLetter) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func runRecorder(t *testing.T, r *Recorder) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestRecorder_WritesAsynchronously(t *testing.T) {
	store := &mockStore{}
	r := NewRecorder(store)
	stop := runRecorder(t, r)

	r.Record(context.Background(), Entry{PromotionID: "p1", Action: ActionApply, Actor: "checkout"})
	r.Record(context.Background(), Entry{PromotionID: "p1", Action: ActionReject, Reason: "EXHAUSTED"})

	require.Eventually(t, func() bool { return len(store.stored()) == 2 }, time.Second, 5*time.Millisecond)
	stop()

	entries := store.stored()
	assert.NotEmpty(t, entries[0].ID)
	assert.False(t, entries[0].CreatedAt.IsZero())
	assert.Equal(t, "EXHAUSTED", entries[1].Reason)
}

func TestRecorder_RetriesThenSucceeds(t *testing.T) {
	store := &mockStore{failures: 2}
	dead := &mockDeadLetter{}
	r := NewRecorder(store, WithDeadLetter(dead), WithRetry(3, time.Millisecond, 2*time.Millisecond))
	stop := runRecorder(t, r)

	r.Record(context.Background(), Entry{PromotionID: "p1", Action: ActionCreate})

	require.Eventually(t, func() bool { return len(store.stored()) == 1 }, time.Second, 5*time.Millisecond)
	stop()
	assert.Zero(t, dead.len())
}

func TestRecorder_ParksAfterRetriesAndReplays(t *testing.T) {
	store := &mockStore{failures: 100}
	dead := &mockDeadLetter{}
	r := NewRecorder(store, WithDeadLetter(dead), WithRetry(2, time.Millisecond, time.Millisecond))
	stop := runRecorder(t, r)

	r.Record(context.Background(), Entry{PromotionID: "p1", Action: ActionUpdate})

	require.Eventually(t, func() bool { return dead.len() == 1 }, time.Second, 5*time.Millisecond)
	stop()

	store.mu.Lock()
	assert.Equal(t, 3, store.calls)
	store.mu.Unlock()

	n, err := r.Replay(context.Background())
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, dead.len(), "failed replay returns the entry")

	store.mu.Lock()
	store.failures = 0
	store.mu.Unlock()

	n, err = r.Replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, dead.len())
	assert.Len(t, store.stored(), 1)
}

func TestRecorder_QueueFullParks(t *testing.T) {
	store := &mockStore{}
	dead := &mockDeadLetter{}
	r := NewRecorder(store, WithDeadLetter(dead), WithQueueSize(1))

	// No Run loop: the first entry fills the queue, the second overflows,
	// the third has nowhere to go.
	for range 3 {
		r.Record(context.Background(), Entry{PromotionID: "p1", Action: ActionApply})
	}
	assert.Zero(t, dead.len(), "parking happens on the Run loop")
	assert.EqualValues(t, 1, r.Dropped())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Run(ctx))

	assert.Len(t, store.stored(), 1)
	assert.Equal(t, 1, dead.len())
}

type blockingDeadLetter struct {
	mockDeadLetter
	release chan struct{}
}

func (b *blockingDeadLetter) Push(ctx context.Context, e Entry) error {
	<-b.release
	return b.mockDeadLetter.Push(ctx, e)
}

func TestRecorder_SlowDeadLetterDoesNotBlockRecord(t *testing.T) {
	store := &mockStore{}
	dead := &blockingDeadLetter{release: make(chan struct{})}
	r := NewRecorder(store, WithDeadLetter(dead), WithQueueSize(1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	for range 3 {
		r.Record(ctx, Entry{PromotionID: "p1", Action: ActionApply})
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	stop := runRecorder(t, r)
	require.Eventually(t, func() bool { return len(store.stored()) == 1 }, time.Second, 5*time.Millisecond)

	// The overflow goroutine is stuck in Push; Record still returns at once.
	start = time.Now()
	r.Record(context.Background(), Entry{PromotionID: "p2", Action: ActionApply})
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	close(dead.release)
	require.Eventually(t, func() bool { return dead.len() == 1 }, time.Second, 5*time.Millisecond)
	stop()
	assert.EqualValues(t, 1, r.Dropped())
}

func TestRecorder_DrainsOnShutdown(t *testing.T) {
	store := &mockStore{}
	r := NewRecorder(store, WithQueueSize(16))
	for range 10 {
		r.Record(context.Background(), Entry{PromotionID: "p1", Action: ActionApply})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Run(ctx))

	assert.Len(t, store.stored(), 10)
}

func TestEntry_EncodeDecode(t *testing.T) {
	in := Entry{
		ID:          "a1",
		PromotionID: "p1",
		Code:        "SAVE10",
		Action:      ActionUpdate,
		OldValues:   []byte(`{"value":10}`),
		NewValues:   []byte(`{"value":15}`),
		Actor:       "admin",
		CreatedAt:   time.Date(2025, 6, 1, 0, 0, 0, 123, time.UTC),
	}

	var e jx.Encoder
	in.Encode(&e)

	var out Entry
	require.NoError(t, out.Decode(jx.DecodeBytes(e.Bytes())))
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.Action, out.Action)
	assert.JSONEq(t, string(in.OldValues), string(out.OldValues))
	assert.JSONEq(t, string(in.NewValues), string(out.NewValues))
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))
	assert.Empty(t, out.Reason)
}
