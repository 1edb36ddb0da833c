package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ssd-technologies/prism/internal/pipeline"
	"github.com/ssd-technologies/prism/internal/protocol"
	"github.com/ssd-technologies/prism/internal/server"
	"github.com/ssd-technologies/prism/internal/storage"
)

var soloProtocol = protocol.Protocol{Name: "solo", Stages: []protocol.Stage{
	{Layer: 1, Name: "framing", WorkRoles: []protocol.RoleCount{{Role: "framer", Count: 1}}, ConsensusCount: 1, ConsensusThreshold: 0.5},
	{Layer: 2, Name: "verdict", ConsensusCount: 1, ConsensusThreshold: 0.5},
}}

type testEnv struct {
	url    string
	engine *pipeline.Engine
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	catalog := protocol.NewCatalog(db, protocol.RouterV1, zap.NewNop())
	_, err = catalog.Register(ctx, soloProtocol)
	require.NoError(t, err)

	engine := pipeline.New(db, catalog, pipeline.Options{StakeAmount: 10, InitialGrant: 100, ExpireAfter: time.Minute}, nil, zap.NewNop())
	_, err = engine.InitPipeline(ctx, pipeline.ClaimInput{ID: "c1", Title: "Claim"}, "solo")
	require.NoError(t, err)

	ts := httptest.NewServer(server.New(db, engine, catalog, nil, nil, server.Options{}, zap.NewNop()))
	t.Cleanup(ts.Close)
	return &testEnv{url: ts.URL, engine: engine}
}

func (e *testEnv) client(t *testing.T, agent string) *Client {
	c := New(e.url, agent, 5*time.Second)
	t.Cleanup(c.http.CloseIdleConnections)
	return c
}

func conf(v float64) *float64 { return &v }

func TestClient_SlotFlow(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	a1, a2 := env.client(t, "a1"), env.client(t, "a2")

	next, err := a1.NextSlot(ctx, pipeline.SlotFilter{SlotType: storage.PhaseWork})
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "framer", next.Slot.Role)

	taken, err := a1.Take(ctx, next.Slot.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), taken.StakeAmount)

	_, err = a2.Take(ctx, next.Slot.ID)
	assert.True(t, IsCode(err, pipeline.CodeSlotNotOpen), "got %v", err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)

	balance, err := a1.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(90), balance)

	res, err := a1.Complete(ctx, next.Slot.ID, Completion{Output: "framing"})
	require.NoError(t, err)
	assert.Equal(t, pipeline.TransitionConsensusOpened, res.Transition.Kind)

	layer := 1
	next, err = a2.NextSlot(ctx, pipeline.SlotFilter{Layer: &layer, SlotType: storage.PhaseConsensus})
	require.NoError(t, err)
	require.NotNil(t, next)
	_, err = a2.Take(ctx, next.Slot.ID)
	require.NoError(t, err)

	_, err = a2.Complete(ctx, next.Slot.ID, Completion{Output: "ok"})
	assert.True(t, IsCode(err, pipeline.CodeConfidenceRequired), "got %v", err)

	released, err := a2.Release(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, released)
}

func TestClient_NoSlot(t *testing.T) {
	env := setupTestEnv(t)
	layer := 9
	next, err := env.client(t, "a1").NextSlot(context.Background(), pipeline.SlotFilter{Layer: &layer})
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestWorker_DrivesPipelineToCompletion(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	var seen []string
	solver := SolverFunc(func(_ context.Context, slot *pipeline.NextSlot) (Completion, error) {
		seen = append(seen, slot.Slot.SlotType)
		return Completion{Output: "done by worker", Confidence: conf(0.9)}, nil
	})
	w := NewWorker(env.client(t, "a1"), solver, pipeline.SlotFilter{}, time.Millisecond, zap.NewNop())

	for i := 0; i < 3; i++ {
		worked, err := w.WorkOnce(ctx)
		require.NoError(t, err)
		require.True(t, worked, "iteration %d", i)
	}
	worked, err := w.WorkOnce(ctx)
	require.NoError(t, err)
	assert.False(t, worked)
	assert.Equal(t, []string{storage.PhaseWork, storage.PhaseConsensus, storage.PhaseConsensus}, seen)

	view, err := env.engine.State(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusComplete, view.Pipeline.Status)
}

func TestWorker_ReleasesOnSolveError(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	failing := SolverFunc(func(context.Context, *pipeline.NextSlot) (Completion, error) {
		return Completion{}, errors.New("model unavailable")
	})
	w := NewWorker(env.client(t, "a1"), failing, pipeline.SlotFilter{}, time.Millisecond, zap.NewNop())

	worked, err := w.WorkOnce(ctx)
	assert.True(t, worked)
	assert.ErrorContains(t, err, "model unavailable")

	next, err := env.client(t, "a2").NextSlot(ctx, pipeline.SlotFilter{SlotType: storage.PhaseWork})
	require.NoError(t, err)
	require.NotNil(t, next, "the slot is open again")

	balance, err := env.engine.Balance(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func TestWorker_ReleasesRejectedCompletion(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	framer := env.client(t, "a0")
	next, err := framer.NextSlot(ctx, pipeline.SlotFilter{})
	require.NoError(t, err)
	require.NotNil(t, next)
	_, err = framer.Take(ctx, next.Slot.ID)
	require.NoError(t, err)
	_, err = framer.Complete(ctx, next.Slot.ID, Completion{Output: "frame"})
	require.NoError(t, err)

	noConfidence := SolverFunc(func(context.Context, *pipeline.NextSlot) (Completion, error) {
		return Completion{Output: "looks fine"}, nil
	})
	filter := pipeline.SlotFilter{SlotType: storage.PhaseConsensus}
	w := NewWorker(env.client(t, "a1"), noConfidence, filter, time.Millisecond, zap.NewNop())

	worked, err := w.WorkOnce(ctx)
	assert.True(t, worked)
	require.Error(t, err)
	assert.True(t, IsCode(err, pipeline.CodeConfidenceRequired))

	next, err = env.client(t, "a2").NextSlot(ctx, filter)
	require.NoError(t, err)
	require.NotNil(t, next, "the consensus slot is open again")
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	env := setupTestEnv(t)
	w := NewWorker(env.client(t, "a1"), SolverFunc(func(context.Context, *pipeline.NextSlot) (Completion, error) {
		return Completion{Output: "x", Confidence: conf(0.9)}, nil
	}), pipeline.SlotFilter{}, 5*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		view, err := env.engine.State(context.Background(), "c1")
		return err == nil && view.Pipeline.Status == storage.StatusComplete
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestExecSolver(t *testing.T) {
	s := ExecSolver{Command: "sh", Args: []string{"-c", `cat >/dev/null; echo '{"output":"hi","confidence":0.5}'`}}
	c, err := s.Solve(context.Background(), &pipeline.NextSlot{Slot: storage.Slot{ID: "s1"}})
	require.NoError(t, err)
	assert.Equal(t, "hi", c.Output)
	require.NotNil(t, c.Confidence)
	assert.Equal(t, 0.5, *c.Confidence)

	_, err = ExecSolver{Command: "sh", Args: []string{"-c", "exit 3"}}.Solve(context.Background(), &pipeline.NextSlot{})
	assert.Error(t, err)
}
