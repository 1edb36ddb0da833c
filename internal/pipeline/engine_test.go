package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/prism/internal/protocol"
	"github.com/ssd-technologies/prism/internal/storage"
)

func TestInitPipeline_OpensFirstPhase(t *testing.T) {
	e, _ := newTestEngine(t)

	res := initClaim(t, e, "c1", "single")
	assert.True(t, res.Created)
	assert.Equal(t, "single", res.Protocol)
	assert.Equal(t, 1, res.Layer)
	assert.Equal(t, storage.PhaseWork, res.Phase)

	open := openSlots(t, e, "c1")
	require.Len(t, open, 1)
	assert.Equal(t, "contributor", open[0].Role)
	assert.Equal(t, storage.PhaseWork, open[0].SlotType)

	v := view(t, e, "c1")
	assert.Equal(t, "single", v.Claim.Protocol)
	assert.Equal(t, storage.StatusActive, v.Pipeline.Status)
}

func TestInitPipeline_Idempotent(t *testing.T) {
	e, _ := newTestEngine(t)

	first := initClaim(t, e, "c1", "single")
	second := initClaim(t, e, "c1", "duo")

	assert.Equal(t, first.PipelineID, second.PipelineID)
	assert.False(t, second.Created)
	assert.Equal(t, "single", second.Protocol)
	assert.Len(t, view(t, e, "c1").Slots, 1)
}

func TestInitPipeline_ProtocolResolution(t *testing.T) {
	e, _ := newTestEngine(t)

	for _, name := range []string{"", "no-such-protocol"} {
		claimID := "claim-" + name
		res := initClaim(t, e, claimID, name)
		assert.Equal(t, protocol.RouterV1, res.Protocol, "name %q", name)
		assert.Equal(t, 0, res.Layer)

		open := openSlots(t, e, claimID)
		require.Len(t, open, 3)
		for _, s := range open {
			assert.Equal(t, "classifier", s.Role)
		}
	}

	res := initClaim(t, e, "lens", " Lens-V1 ")
	assert.Equal(t, protocol.LensV1, res.Protocol)
}

func TestInitPipeline_ConsensusOnlyStage(t *testing.T) {
	e, _ := newTestEngine(t)

	res := initClaim(t, e, "c1", "panel")
	assert.Equal(t, storage.PhaseConsensus, res.Phase)

	open := openSlots(t, e, "c1")
	require.Len(t, open, 1)
	assert.Equal(t, storage.ConsensusRole, open[0].Role)
}

func TestInitPipeline_RequiresClaimID(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.InitPipeline(context.Background(), ClaimInput{}, "single")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenSlotsForPhase_CountsPerStage(t *testing.T) {
	e, _ := newTestEngine(t)

	for _, proto := range protocol.Builtins() {
		for _, stage := range proto.Stages {
			p := &storage.Pipeline{
				ClaimID:      fmt.Sprintf("%s-%d", proto.Name, stage.Layer),
				ProtocolName: proto.Name,
				Round:        1,
			}
			require.NoError(t, e.db.WithTx(context.Background(), func(tx *storage.Tx) error {
				work, err := e.OpenSlotsForPhase(tx, p, stage, storage.PhaseWork)
				require.NoError(t, err)
				assert.Len(t, work, stage.WorkSlotCount(), "%s layer %d work", proto.Name, stage.Layer)

				perRole := map[string]int{}
				for _, s := range work {
					perRole[s.Role]++
					assert.Equal(t, storage.SlotOpen, s.Status)
				}
				for _, rc := range stage.WorkRoles {
					assert.Equal(t, rc.Count, perRole[rc.Role])
				}

				consensus, err := e.OpenSlotsForPhase(tx, p, stage, storage.PhaseConsensus)
				require.NoError(t, err)
				assert.Len(t, consensus, stage.ConsensusCount, "%s layer %d consensus", proto.Name, stage.Layer)
				for _, s := range consensus {
					assert.Equal(t, storage.ConsensusRole, s.Role)
				}
				return nil
			}))
		}
	}
}

func TestEndToEnd_SingleSlotPerPhase(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	fund(t, e, "agent-a", "agent-b")

	initClaim(t, e, "c1", "single")
	open := openSlots(t, e, "c1")
	require.Len(t, open, 1)

	taken := take(t, e, open[0].ID, "agent-a")
	assert.Equal(t, int64(10), taken.StakeAmount)
	assert.Equal(t, int64(90), balance(t, e, "agent-a"))

	res := complete(t, e, open[0].ID, "agent-a", CompleteInput{Output: "framed"})
	assert.Equal(t, TransitionConsensusOpened, res.Transition.Kind)

	open = openSlots(t, e, "c1")
	require.Len(t, open, 1)
	assert.Equal(t, storage.PhaseConsensus, open[0].SlotType)

	take(t, e, open[0].ID, "agent-b")
	assert.Equal(t, int64(100), balance(t, e, "agent-b"), "consensus slots hold no stake")

	res = complete(t, e, open[0].ID, "agent-b", CompleteInput{Output: "looks right", Confidence: conf(0.8)})
	assert.Equal(t, TransitionAdvanced, res.Transition.Kind)
	assert.InDelta(t, 0.8, res.Transition.AvgConfidence, 1e-9)

	assert.Equal(t, int64(100), balance(t, e, "agent-a"), "stake released on pass")

	v := view(t, e, "c1")
	assert.Equal(t, 2, v.Pipeline.CurrentLayer)
	assert.Equal(t, storage.PhaseWork, v.Pipeline.CurrentPhase)
	open = openSlots(t, e, "c1")
	require.Len(t, open, 1)
	assert.Equal(t, "reviewer", open[0].Role)

	events := claimEvents(t, e, "c1")
	assert.Equal(t, []string{storage.EventSlotDone, storage.EventSlotDone, storage.EventLayerPassed}, eventKinds(events))

	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.LayersPassed.WithLabelValues("single")))
	assert.Equal(t, 10.0, testutil.ToFloat64(e.metrics.StakeReleased))

	_, err := e.TakeSlot(ctx, open[0].ID, "agent-a")
	require.NoError(t, err)
}

// runDuoLayer drives the "duo" protocol's first layer to its consensus
// outcome with the given confidences.
func runDuoLayer(t *testing.T, e *Engine, claimID string, confidences ...float64) *CompleteResult {
	t.Helper()
	fund(t, e, "writer-1", "writer-2")
	initClaim(t, e, claimID, "duo")

	work := openSlots(t, e, claimID)
	require.Len(t, work, 2)
	finish(t, e, work[0].ID, "writer-1", CompleteInput{Output: "draft one"})
	finish(t, e, work[1].ID, "writer-2", CompleteInput{Output: "draft two"})

	consensus := openSlots(t, e, claimID)
	require.Len(t, consensus, len(confidences))
	var res *CompleteResult
	for i, c := range confidences {
		res = finish(t, e, consensus[i].ID, fmt.Sprintf("reviewer-%d", i), CompleteInput{Confidence: conf(c)})
	}
	return res
}

func TestAdvance_ThresholdBoundaryPasses(t *testing.T) {
	e, _ := newTestEngine(t)

	res := runDuoLayer(t, e, "c1", 0.9, 0.5)
	assert.Equal(t, TransitionAdvanced, res.Transition.Kind)

	v := view(t, e, "c1")
	assert.Equal(t, storage.StatusActive, v.Pipeline.Status)
	assert.Equal(t, 2, v.Pipeline.CurrentLayer)
	assert.Equal(t, storage.PhaseConsensus, v.Pipeline.CurrentPhase, "stage without work opens in consensus")
	assert.Empty(t, v.Flags)
	assert.Equal(t, int64(100), balance(t, e, "writer-1"))
	assert.Equal(t, int64(100), balance(t, e, "writer-2"))
}

func TestAdvance_BelowThresholdFlagsAndBurns(t *testing.T) {
	e, _ := newTestEngine(t)

	res := runDuoLayer(t, e, "c1", 0.9, 0.4)
	assert.Equal(t, TransitionFlagged, res.Transition.Kind)
	assert.Equal(t, int64(20), res.Transition.Burned)

	v := view(t, e, "c1")
	assert.Equal(t, storage.StatusFlagged, v.Pipeline.Status)
	require.Len(t, v.Flags, 1)
	assert.Equal(t, 1, v.Flags[0].Layer)
	assert.InDelta(t, 0.65, v.Flags[0].AvgConfidence, 1e-9)
	assert.InDelta(t, 0.7, v.Flags[0].Threshold, 1e-9)

	for _, s := range v.Slots {
		assert.Zero(t, s.StakeAmount, "slot %s keeps no stake", s.ID)
	}
	assert.Equal(t, int64(90), balance(t, e, "writer-1"))
	assert.Equal(t, int64(90), balance(t, e, "writer-2"))

	events := claimEvents(t, e, "c1")
	assert.Equal(t, 1, countKind(events, storage.EventPipelineFlagged))
	assert.Zero(t, countKind(events, storage.EventLayerPassed))

	// A second evaluation of the flagged layer does nothing.
	require.NoError(t, e.db.WithTx(context.Background(), func(tx *storage.Tx) error {
		tr, err := e.Advance(tx, "c1", 1)
		require.NoError(t, err)
		assert.Equal(t, TransitionNone, tr.Kind)
		return nil
	}))
	v = view(t, e, "c1")
	assert.Len(t, v.Flags, 1)
	assert.Equal(t, int64(90), balance(t, e, "writer-1"))
}

func TestReleaseForLayer_Idempotent(t *testing.T) {
	e, _ := newTestEngine(t)
	runDuoLayer(t, e, "c1", 0.9, 0.9)
	assert.Equal(t, int64(100), balance(t, e, "writer-1"))

	require.NoError(t, e.db.WithTx(context.Background(), func(tx *storage.Tx) error {
		released, err := e.stake.ReleaseForLayer(tx, "c1", 1, 1)
		require.NoError(t, err)
		assert.Zero(t, released)
		return nil
	}))
	assert.Equal(t, int64(100), balance(t, e, "writer-1"))
	assert.Equal(t, int64(100), balance(t, e, "writer-2"))
}

func TestAdvance_StaleLayerIsNoop(t *testing.T) {
	e, _ := newTestEngine(t)
	runDuoLayer(t, e, "c1", 0.9, 0.9)

	require.NoError(t, e.db.WithTx(context.Background(), func(tx *storage.Tx) error {
		tr, err := e.Advance(tx, "c1", 1)
		require.NoError(t, err)
		assert.Equal(t, TransitionNone, tr.Kind)

		tr, err = e.Advance(tx, "missing", 1)
		require.NoError(t, err)
		assert.Equal(t, TransitionNone, tr.Kind)
		return nil
	}))
}

func TestAdvance_CompletesOnce(t *testing.T) {
	e, _ := newTestEngine(t)
	runDuoLayer(t, e, "c1", 0.9, 0.9)

	verdict := openSlots(t, e, "c1")
	require.Len(t, verdict, 1)
	res := finish(t, e, verdict[0].ID, "judge", CompleteInput{Output: "accepted", Confidence: conf(0.9)})
	assert.Equal(t, TransitionCompleted, res.Transition.Kind)

	v := view(t, e, "c1")
	assert.Equal(t, storage.StatusComplete, v.Pipeline.Status)

	require.NoError(t, e.db.WithTx(context.Background(), func(tx *storage.Tx) error {
		tr, err := e.Advance(tx, "c1", 2)
		require.NoError(t, err)
		assert.Equal(t, TransitionNone, tr.Kind)
		return nil
	}))

	events := claimEvents(t, e, "c1")
	assert.Equal(t, 1, countKind(events, storage.EventPipelineComplete))
	require.Equal(t, 1, countKind(events, storage.EventCommitHash))
	for _, ev := range events {
		if ev.Kind != storage.EventCommitHash {
			continue
		}
		var payload struct {
			Hash string `json:"hash"`
		}
		require.NoError(t, json.Unmarshal(ev.Payload, &payload))
		assert.Len(t, payload.Hash, 64)
	}
}

func TestReopen(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Reopen(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	runDuoLayer(t, e, "c1", 0.2, 0.2)
	p, err := e.Reopen(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusActive, p.Status)
	assert.Equal(t, 2, p.Round)
	assert.Equal(t, storage.PhaseWork, p.CurrentPhase)

	open := openSlots(t, e, "c1")
	require.Len(t, open, 2)
	// Agents from the flagged round may work the new round.
	take(t, e, open[0].ID, "writer-1")

	_, err = e.Reopen(ctx, "c1")
	assert.ErrorIs(t, err, ErrForbidden)

	assert.Equal(t, 1, countKind(claimEvents(t, e, "c1"), storage.EventPipelineReopened))
}

func TestGrantAndBalance(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	granted, err := e.EnsureAgent(ctx, "a")
	require.NoError(t, err)
	assert.True(t, granted)
	granted, err = e.EnsureAgent(ctx, "a")
	require.NoError(t, err)
	assert.False(t, granted)

	b, err := e.Grant(ctx, "a", 25)
	require.NoError(t, err)
	assert.Equal(t, int64(125), b)
	assert.Equal(t, int64(0), balance(t, e, "unknown"))
}

func TestState_NotFound(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.State(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
