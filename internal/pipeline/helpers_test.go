package pipeline

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ssd-technologies/prism/internal/metrics"
	"github.com/ssd-technologies/prism/internal/protocol"
	"github.com/ssd-technologies/prism/internal/storage"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// testProtocols are small protocols registered in every test engine.
func testProtocols() []protocol.Protocol {
	return []protocol.Protocol{
		{Name: "single", Stages: []protocol.Stage{
			{Layer: 1, Name: "framing", WorkRoles: []protocol.RoleCount{{Role: "contributor", Count: 1}}, ConsensusCount: 1, ConsensusThreshold: 0.5},
			{Layer: 2, Name: "review", WorkRoles: []protocol.RoleCount{{Role: "reviewer", Count: 1}}, ConsensusCount: 1, ConsensusThreshold: 0.5},
		}},
		{Name: "duo", Stages: []protocol.Stage{
			{Layer: 1, Name: "draft", WorkRoles: []protocol.RoleCount{{Role: "writer", Count: 2}}, ConsensusCount: 2, ConsensusThreshold: 0.7},
			{Layer: 2, Name: "verdict", ConsensusCount: 1, ConsensusThreshold: 0.5},
		}},
		{Name: "panel", Stages: []protocol.Stage{
			{Layer: 1, Name: "verdict", ConsensusCount: 1, ConsensusThreshold: 0.5},
		}},
	}
}

func newTestEngine(t *testing.T, configure ...func(*Options)) (*Engine, *testClock) {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	m, err := metrics.New()
	require.NoError(t, err)

	opts := Options{
		StakeAmount:     10,
		InitialGrant:    100,
		ExpireAfter:     5 * time.Minute,
		RoutingFallback: protocol.PrismV1,
	}
	for _, fn := range configure {
		fn(&opts)
	}

	catalog := protocol.NewCatalog(db, "", zap.NewNop())
	for _, p := range testProtocols() {
		_, err := catalog.Register(context.Background(), p)
		require.NoError(t, err)
	}

	e := New(db, catalog, opts, m, zap.NewNop())
	clock := &testClock{t: time.UnixMilli(1_700_000_000_000)}
	e.now = clock.Now
	return e, clock
}

func conf(v float64) *float64 { return &v }

func fund(t *testing.T, e *Engine, agents ...string) {
	t.Helper()
	for _, a := range agents {
		_, err := e.EnsureAgent(context.Background(), a)
		require.NoError(t, err)
	}
}

func balance(t *testing.T, e *Engine, agent string) int64 {
	t.Helper()
	b, err := e.Balance(context.Background(), agent)
	require.NoError(t, err)
	return b
}

func initClaim(t *testing.T, e *Engine, claimID, protocolName string) *InitResult {
	t.Helper()
	res, err := e.InitPipeline(context.Background(), ClaimInput{ID: claimID, Title: "claim " + claimID}, protocolName)
	require.NoError(t, err)
	return res
}

func view(t *testing.T, e *Engine, claimID string) *PipelineView {
	t.Helper()
	v, err := e.State(context.Background(), claimID)
	require.NoError(t, err)
	return v
}

// openSlots returns the open slots of the claim's current phase in
// insertion order.
func openSlots(t *testing.T, e *Engine, claimID string) []storage.Slot {
	t.Helper()
	v := view(t, e, claimID)
	var out []storage.Slot
	for _, s := range v.Slots {
		if s.Status == storage.SlotOpen &&
			s.Round == v.Pipeline.Round &&
			s.Layer == v.Pipeline.CurrentLayer &&
			s.SlotType == v.Pipeline.CurrentPhase {
			out = append(out, s)
		}
	}
	return out
}

func take(t *testing.T, e *Engine, slotID, agent string) *TakeResult {
	t.Helper()
	res, err := e.TakeSlot(context.Background(), slotID, agent)
	require.NoError(t, err)
	return res
}

func complete(t *testing.T, e *Engine, slotID, agent string, in CompleteInput) *CompleteResult {
	t.Helper()
	res, err := e.CompleteSlot(context.Background(), slotID, agent, in)
	require.NoError(t, err)
	return res
}

// finish takes and completes a slot in one step.
func finish(t *testing.T, e *Engine, slotID, agent string, in CompleteInput) *CompleteResult {
	t.Helper()
	take(t, e, slotID, agent)
	return complete(t, e, slotID, agent, in)
}

func claimEvents(t *testing.T, e *Engine, claimID string) []storage.OutboxEvent {
	t.Helper()
	var events []storage.OutboxEvent
	require.NoError(t, e.db.WithTx(context.Background(), func(tx *storage.Tx) error {
		var err error
		events, err = tx.ListClaimEvents(claimID)
		return err
	}))
	return events
}

func eventKinds(events []storage.OutboxEvent) []string {
	kinds := make([]string, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func countKind(events []storage.OutboxEvent, kind string) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
