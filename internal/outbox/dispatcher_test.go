package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/ssd-technologies/prism/internal/events"
	"github.com/ssd-technologies/prism/internal/metrics"
	"github.com/ssd-technologies/prism/internal/storage"
)

// memStore is an in-memory Store.
type memStore struct {
	mu     sync.Mutex
	events []storage.OutboxEvent
	failed map[int64]bool
}

func newMemStore(evs ...storage.OutboxEvent) *memStore {
	return &memStore{events: evs, failed: map[int64]bool{}}
}

func (s *memStore) Pending(_ context.Context, nowMs int64, limit int) ([]storage.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.OutboxEvent
	for _, e := range s.events {
		if e.DeliveredAt == 0 && !s.failed[e.ID] && e.NextAttemptAt <= nowMs && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStore) MarkDelivered(_ context.Context, id, nowMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].ID == id {
			s.events[i].DeliveredAt = nowMs
			s.events[i].Attempts++
		}
	}
	return nil
}

func (s *memStore) MarkFailed(_ context.Context, id, next int64, lastErr string, giveUp bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].ID == id {
			s.events[i].Attempts++
			s.events[i].NextAttemptAt = next
			s.events[i].LastError = lastErr
		}
	}
	if giveUp {
		s.failed[id] = true
	}
	return nil
}

func (s *memStore) get(id int64) storage.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.ID == id {
			return e
		}
	}
	return storage.OutboxEvent{}
}

// recorder is a RewardService, ChainCommitter and Publisher that records
// calls and fails while failing is set.
type recorder struct {
	mu        sync.Mutex
	calls     []string
	commits   map[string]string
	published []events.Event
	failing   bool
}

func newRecorder() *recorder {
	return &recorder{commits: map[string]string{}}
}

func (r *recorder) record(call string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failing {
		return errors.New("sink unavailable")
	}
	r.calls = append(r.calls, call)
	return nil
}

func (r *recorder) OnSlotDone(_ context.Context, ev storage.OutboxEvent) error {
	return r.record("slot:" + ev.SlotID)
}

func (r *recorder) OnLayerPass(_ context.Context, ev storage.OutboxEvent) error {
	return r.record("layer:" + ev.ClaimID)
}

func (r *recorder) OnPipelineComplete(_ context.Context, ev storage.OutboxEvent) error {
	return r.record("complete:" + ev.ClaimID)
}

func (r *recorder) CommitPipelineHash(_ context.Context, claimID, hash string) error {
	if err := r.record("commit:" + claimID); err != nil {
		return err
	}
	r.mu.Lock()
	r.commits[claimID] = hash
	r.mu.Unlock()
	return nil
}

func (r *recorder) Publish(ev events.Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, ev)
	return 1
}

func (r *recorder) setFailing(v bool) {
	r.mu.Lock()
	r.failing = v
	r.mu.Unlock()
}

func newTestDispatcher(t *testing.T, store Store, rec *recorder, cfg Config) (*Dispatcher, *metrics.Metrics, *time.Time) {
	t.Helper()
	m, err := metrics.New()
	require.NoError(t, err)
	d := New(store, rec, rec, rec, cfg, m, zap.NewNop())
	now := time.UnixMilli(1_000_000)
	d.now = func() time.Time { return now }
	return d, m, &now
}

func TestDispatchOnce_RoutesKinds(t *testing.T) {
	store := newMemStore(
		storage.OutboxEvent{ID: 1, Kind: storage.EventSlotDone, ClaimID: "c1", SlotID: "s1"},
		storage.OutboxEvent{ID: 2, Kind: storage.EventLayerPassed, ClaimID: "c1"},
		storage.OutboxEvent{ID: 3, Kind: storage.EventPipelineComplete, ClaimID: "c1"},
		storage.OutboxEvent{ID: 4, Kind: storage.EventCommitHash, ClaimID: "c1", Payload: []byte(`{"hash":"abc"}`)},
		storage.OutboxEvent{ID: 5, Kind: storage.EventPipelineFlagged, ClaimID: "c2"},
	)
	rec := newRecorder()
	d, m, _ := newTestDispatcher(t, store, rec, Config{})

	n, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	assert.Equal(t, []string{"slot:s1", "layer:c1", "complete:c1", "commit:c1"}, rec.calls)
	assert.Equal(t, "abc", rec.commits["c1"])
	assert.Len(t, rec.published, 5, "every delivered event reaches subscribers")
	for id := int64(1); id <= 5; id++ {
		assert.NotZero(t, store.get(id).DeliveredAt)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutboxDeliveries.WithLabelValues(storage.EventSlotDone, "delivered")))

	n, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatchOnce_RetriesWithBackoff(t *testing.T) {
	store := newMemStore(storage.OutboxEvent{ID: 1, Kind: storage.EventSlotDone, ClaimID: "c1", SlotID: "s1"})
	rec := newRecorder()
	rec.setFailing(true)
	d, _, now := newTestDispatcher(t, store, rec, Config{BaseBackoff: time.Second, MaxBackoff: 3 * time.Second, MaxAttempts: 10})
	ctx := context.Background()

	n, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	ev := store.get(1)
	assert.Equal(t, 1, ev.Attempts)
	assert.Equal(t, now.Add(time.Second).UnixMilli(), ev.NextAttemptAt)
	assert.Equal(t, "sink unavailable", ev.LastError)
	assert.Empty(t, rec.published, "failed events are not published")

	// Not due yet.
	n, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, store.get(1).Attempts)

	*now = now.Add(time.Second)
	_, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	ev = store.get(1)
	assert.Equal(t, 2, ev.Attempts)
	assert.Equal(t, now.Add(2*time.Second).UnixMilli(), ev.NextAttemptAt)

	rec.setFailing(false)
	*now = now.Add(2 * time.Second)
	n, err = d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"slot:s1"}, rec.calls)
}

func TestDispatchOnce_GivesUpAfterMaxAttempts(t *testing.T) {
	store := newMemStore(storage.OutboxEvent{ID: 1, Kind: storage.EventLayerPassed, ClaimID: "c1"})
	rec := newRecorder()
	rec.setFailing(true)
	d, m, now := newTestDispatcher(t, store, rec, Config{BaseBackoff: time.Millisecond, MaxAttempts: 2})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := d.DispatchOnce(ctx)
		require.NoError(t, err)
		*now = now.Add(time.Hour)
	}
	assert.Equal(t, 2, store.get(1).Attempts)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutboxDeliveries.WithLabelValues(storage.EventLayerPassed, "dropped")))
}

func TestDispatchOnce_BadCommitPayload(t *testing.T) {
	store := newMemStore(storage.OutboxEvent{ID: 1, Kind: storage.EventCommitHash, ClaimID: "c1", Payload: []byte(`nope`)})
	rec := newRecorder()
	d, _, _ := newTestDispatcher(t, store, rec, Config{})

	n, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Contains(t, store.get(1).LastError, "decode commit payload")
}

func TestBackoff(t *testing.T) {
	d := New(newMemStore(), nil, nil, nil, Config{BaseBackoff: time.Second, MaxBackoff: 10 * time.Second}, nil, zap.NewNop())
	assert.Equal(t, time.Second, d.backoff(1))
	assert.Equal(t, 2*time.Second, d.backoff(2))
	assert.Equal(t, 8*time.Second, d.backoff(4))
	assert.Equal(t, 10*time.Second, d.backoff(5))
	assert.Equal(t, 10*time.Second, d.backoff(50))
}

func TestRun_DeliversAndStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newMemStore(storage.OutboxEvent{ID: 1, Kind: storage.EventSlotDone, ClaimID: "c1", SlotID: "s1"})
	rec := newRecorder()
	d := New(store, rec, rec, nil, Config{PollInterval: 5 * time.Millisecond}, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return store.get(1).DeliveredAt != 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestDBStore_RoundTrip(t *testing.T) {
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()

	require.NoError(t, db.WithTx(ctx, func(tx *storage.Tx) error {
		return tx.EnqueueEvent(&storage.OutboxEvent{Kind: storage.EventSlotDone, ClaimID: "c1", SlotID: "s1", CreatedAt: 10})
	}))

	rec := newRecorder()
	d := New(NewDBStore(db), rec, rec, rec, Config{}, nil, zap.NewNop())
	n, err := d.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, db.WithTx(ctx, func(tx *storage.Tx) error {
		evs, err := tx.ListClaimEvents("c1")
		require.NoError(t, err)
		require.Len(t, evs, 1)
		assert.NotZero(t, evs[0].DeliveredAt)
		assert.Equal(t, 1, evs[0].Attempts)
		return nil
	}))
}
