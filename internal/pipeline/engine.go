// Package pipeline implements the per-claim deliberation state machine: slot
// admission, confidence-gated layer advancement, routing, and the stake
// held against work slots.
//
// Every mutating operation runs as one storage transaction. Completing a slot
// advances the pipeline inside the same transaction, and downstream
// notifications are written to the outbox rather than delivered inline.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ssd-technologies/prism/internal/metrics"
	"github.com/ssd-technologies/prism/internal/protocol"
	"github.com/ssd-technologies/prism/internal/storage"
)

// Options configures an Engine.
type Options struct {
	StakeAmount     int64
	InitialGrant    int64
	ExpireAfter     time.Duration
	RoutingFallback string
}

// Engine drives pipelines forward.
type Engine struct {
	db      *storage.DB
	catalog *protocol.Catalog
	stake   *StakeLedger
	opts    Options
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time
}

// New creates an engine. m may be nil.
func New(db *storage.DB, catalog *protocol.Catalog, opts Options, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if opts.ExpireAfter <= 0 {
		opts.ExpireAfter = 5 * time.Minute
	}
	return &Engine{
		db:      db,
		catalog: catalog,
		stake:   NewStakeLedger(opts.StakeAmount),
		opts:    opts,
		metrics: m,
		log:     logger,
		now:     time.Now,
	}
}

// Stake returns the engine's stake ledger.
func (e *Engine) Stake() *StakeLedger {
	return e.stake
}

// TransitionKind describes what a call to Advance did to a pipeline.
type TransitionKind string

const (
	TransitionNone            TransitionKind = "none"
	TransitionConsensusOpened TransitionKind = "consensus_opened"
	TransitionAdvanced        TransitionKind = "advanced"
	TransitionRerouted        TransitionKind = "rerouted"
	TransitionFlagged         TransitionKind = "flagged"
	TransitionCompleted       TransitionKind = "completed"
)

// Transition is the outcome of Advance.
type Transition struct {
	Kind          TransitionKind `json:"kind"`
	Protocol      string         `json:"protocol,omitempty"`
	Layer         int            `json:"layer"`
	AvgConfidence float64        `json:"avg_confidence,omitempty"`
	// ReroutedTo is set for TransitionRerouted.
	ReroutedTo string `json:"rerouted_to,omitempty"`
	Released   int64  `json:"-"`
	Burned     int64  `json:"-"`
}

// ClaimInput describes a claim entering the pipeline.
type ClaimInput struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	Domain string `json:"domain"`
}

// InitResult is returned by InitPipeline.
type InitResult struct {
	PipelineID string `json:"pipeline_id"`
	ClaimID    string `json:"claim_id"`
	Protocol   string `json:"protocol"`
	Layer      int    `json:"layer"`
	Phase      string `json:"phase"`
	Created    bool   `json:"created"`
}

// InitPipeline creates the pipeline for a claim and opens its first phase.
// It is idempotent: a claim that already has a pipeline gets the existing
// one back and no slots are opened.
func (e *Engine) InitPipeline(ctx context.Context, claim ClaimInput, protocolName string) (*InitResult, error) {
	if claim.ID == "" {
		return nil, errorf(CodeNotFound, "claim id required")
	}
	var res *InitResult
	err := e.db.WithTx(ctx, func(tx *storage.Tx) error {
		existing, err := tx.GetPipelineByClaim(claim.ID)
		if err == nil {
			res = initResult(existing, false)
			return nil
		}
		if !storage.IsNotFound(err) {
			return err
		}

		now := e.now()
		if err := tx.EnsureClaim(&storage.Claim{
			ID:        claim.ID,
			Title:     claim.Title,
			Body:      claim.Body,
			Domain:    normalizeVote(claim.Domain),
			CreatedAt: now.Unix(),
		}); err != nil {
			return err
		}

		proto, err := e.catalog.ResolveTx(tx, protocolName)
		if err != nil {
			return fmt.Errorf("resolve protocol: %w", err)
		}
		if err := tx.PatchClaimProtocol(claim.ID, proto.Name); err != nil {
			return err
		}

		first := proto.First()
		p := &storage.Pipeline{
			ID:           uuid.New().String(),
			ClaimID:      claim.ID,
			ProtocolName: proto.Name,
			CurrentLayer: first.Layer,
			CurrentPhase: firstPhase(first),
			Status:       storage.StatusActive,
			Round:        1,
			CreatedAt:    now.UnixMilli(),
			UpdatedAt:    now.Unix(),
		}
		if err := tx.CreatePipeline(p); err != nil {
			return err
		}
		if _, err := e.OpenSlotsForPhase(tx, p, first, p.CurrentPhase); err != nil {
			return err
		}
		res = initResult(p, true)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Created {
		e.log.Info("pipeline initialized",
			zap.String("claim", res.ClaimID),
			zap.String("protocol", res.Protocol),
			zap.Int("layer", res.Layer),
			zap.String("phase", res.Phase))
	}
	return res, nil
}

func initResult(p *storage.Pipeline, created bool) *InitResult {
	return &InitResult{
		PipelineID: p.ID,
		ClaimID:    p.ClaimID,
		Protocol:   p.ProtocolName,
		Layer:      p.CurrentLayer,
		Phase:      p.CurrentPhase,
		Created:    created,
	}
}

// firstPhase is the phase a stage opens in: consensus directly when it has
// no work roles.
func firstPhase(s protocol.Stage) string {
	if s.HasWork() {
		return storage.PhaseWork
	}
	return storage.PhaseConsensus
}

// Advance re-evaluates the pipeline of a claim after a slot of layer was
// completed. It must run in the transaction that completed the slot.
func (e *Engine) Advance(tx *storage.Tx, claimID string, layer int) (Transition, error) {
	none := Transition{Kind: TransitionNone, Layer: layer}

	p, err := tx.GetPipelineByClaim(claimID)
	if err != nil {
		if storage.IsNotFound(err) {
			return none, nil
		}
		return none, err
	}
	if p.Status != storage.StatusActive || p.CurrentLayer != layer {
		return none, nil
	}

	proto, err := e.catalog.GetByNameTx(tx, p.ProtocolName)
	if err != nil {
		return none, fmt.Errorf("load protocol %s: %w", p.ProtocolName, err)
	}
	stage, ok := proto.Stage(layer)
	if !ok {
		return none, fmt.Errorf("protocol %s has no layer %d", proto.Name, layer)
	}
	none.Protocol = proto.Name

	slots, err := tx.ListLayerSlots(claimID, layer, p.Round, p.CurrentPhase)
	if err != nil {
		return none, err
	}
	if len(slots) == 0 || !allDone(slots) {
		return none, nil
	}

	if p.CurrentPhase == storage.PhaseWork {
		p.CurrentPhase = storage.PhaseConsensus
		if err := e.savePipeline(tx, p); err != nil {
			return none, err
		}
		if _, err := e.OpenSlotsForPhase(tx, p, stage, storage.PhaseConsensus); err != nil {
			return none, err
		}
		return Transition{Kind: TransitionConsensusOpened, Protocol: proto.Name, Layer: layer}, nil
	}

	avg := averageConfidence(slots)
	if avg < stage.ConsensusThreshold {
		return e.flag(tx, p, stage, avg, fmt.Sprintf("consensus confidence %.3f below threshold %.3f", avg, stage.ConsensusThreshold), true)
	}

	outcome, err := e.applyEffect(tx, p, proto, stage, slots)
	if err != nil {
		return none, err
	}

	released, err := e.stake.ReleaseForLayer(tx, claimID, layer, outcome.round)
	if err != nil {
		return none, err
	}
	if err := e.enqueue(tx, storage.EventLayerPassed, claimID, layer, "", "", map[string]any{
		"protocol":       proto.Name,
		"stage":          stage.Name,
		"avg_confidence": avg,
		"agents":         slotAgents(slots),
	}); err != nil {
		return none, err
	}

	tr := Transition{Protocol: proto.Name, Layer: layer, AvgConfidence: avg, Released: released}
	switch outcome.kind {
	case effectRerouted:
		tr.Kind = TransitionRerouted
		tr.ReroutedTo = outcome.protocol
		return tr, nil
	case effectFlagged:
		flagged, err := e.flag(tx, p, stage, avg, outcome.reason, false)
		if err != nil {
			return none, err
		}
		flagged.Released = released
		return flagged, nil
	}

	next, ok := proto.Next(layer)
	if !ok {
		p.Status = storage.StatusComplete
		if err := e.savePipeline(tx, p); err != nil {
			return none, err
		}
		if err := e.enqueue(tx, storage.EventPipelineComplete, claimID, layer, "", "", map[string]any{
			"protocol": proto.Name,
		}); err != nil {
			return none, err
		}
		hash, err := pipelineHash(tx, p)
		if err != nil {
			return none, err
		}
		if err := e.enqueue(tx, storage.EventCommitHash, claimID, layer, "", "", map[string]any{
			"protocol": proto.Name,
			"hash":     hash,
		}); err != nil {
			return none, err
		}
		tr.Kind = TransitionCompleted
		return tr, nil
	}

	p.CurrentLayer = next.Layer
	p.CurrentPhase = firstPhase(next)
	if err := e.savePipeline(tx, p); err != nil {
		return none, err
	}
	if _, err := e.OpenSlotsForPhase(tx, p, next, p.CurrentPhase); err != nil {
		return none, err
	}
	tr.Kind = TransitionAdvanced
	return tr, nil
}

// flag marks the pipeline flagged at its current layer. burn forfeits the
// layer's work stakes.
func (e *Engine) flag(tx *storage.Tx, p *storage.Pipeline, stage protocol.Stage, avg float64, reason string, burn bool) (Transition, error) {
	tr := Transition{Kind: TransitionFlagged, Protocol: p.ProtocolName, Layer: p.CurrentLayer, AvgConfidence: avg}
	if burn {
		burned, err := e.stake.BurnForLayer(tx, p.ClaimID, p.CurrentLayer, p.Round)
		if err != nil {
			return tr, err
		}
		tr.Burned = burned
	}
	if err := tx.InsertFlag(&storage.Flag{
		ID:            uuid.New().String(),
		ClaimID:       p.ClaimID,
		Layer:         p.CurrentLayer,
		Reason:        reason,
		AvgConfidence: avg,
		Threshold:     stage.ConsensusThreshold,
		CreatedAt:     e.now().Unix(),
	}); err != nil {
		return tr, err
	}
	p.Status = storage.StatusFlagged
	if err := e.savePipeline(tx, p); err != nil {
		return tr, err
	}
	err := e.enqueue(tx, storage.EventPipelineFlagged, p.ClaimID, p.CurrentLayer, "", "", map[string]any{
		"protocol":       p.ProtocolName,
		"reason":         reason,
		"avg_confidence": avg,
		"threshold":      stage.ConsensusThreshold,
		"burned":         tr.Burned,
	})
	return tr, err
}

// Reopen gives a flagged pipeline a fresh round of its flagged layer. The
// earlier slots stay as history.
func (e *Engine) Reopen(ctx context.Context, claimID string) (*storage.Pipeline, error) {
	var p *storage.Pipeline
	err := e.db.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		p, err = tx.GetPipelineByClaim(claimID)
		if err != nil {
			if storage.IsNotFound(err) {
				return errorf(CodeNotFound, "no pipeline for claim %s", claimID)
			}
			return err
		}
		if p.Status != storage.StatusFlagged {
			return errorf(CodeForbidden, "pipeline is %s, only flagged pipelines can be reopened", p.Status)
		}
		proto, err := e.catalog.GetByNameTx(tx, p.ProtocolName)
		if err != nil {
			return fmt.Errorf("load protocol %s: %w", p.ProtocolName, err)
		}
		stage, ok := proto.Stage(p.CurrentLayer)
		if !ok {
			return fmt.Errorf("protocol %s has no layer %d", proto.Name, p.CurrentLayer)
		}

		p.Status = storage.StatusActive
		p.Round++
		p.CurrentPhase = firstPhase(stage)
		if err := e.savePipeline(tx, p); err != nil {
			return err
		}
		if _, err := e.OpenSlotsForPhase(tx, p, stage, p.CurrentPhase); err != nil {
			return err
		}
		return e.enqueue(tx, storage.EventPipelineReopened, claimID, p.CurrentLayer, "", "", map[string]any{
			"protocol": p.ProtocolName,
			"round":    p.Round,
		})
	})
	if err != nil {
		return nil, err
	}
	e.log.Warn("pipeline reopened",
		zap.String("claim", claimID),
		zap.Int("layer", p.CurrentLayer),
		zap.Int("round", p.Round))
	return p, nil
}

// PipelineView is the full state of one claim's pipeline.
type PipelineView struct {
	Claim     *storage.Claim     `json:"claim"`
	Pipeline  *storage.Pipeline  `json:"pipeline"`
	Slots     []storage.Slot     `json:"slots"`
	Flags     []storage.Flag     `json:"flags"`
	Synthesis *storage.Synthesis `json:"synthesis,omitempty"`
}

// State returns the pipeline of a claim with its slots, flags and synthesis.
func (e *Engine) State(ctx context.Context, claimID string) (*PipelineView, error) {
	v := &PipelineView{}
	err := e.db.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		v.Pipeline, err = tx.GetPipelineByClaim(claimID)
		if err != nil {
			if storage.IsNotFound(err) {
				return errorf(CodeNotFound, "no pipeline for claim %s", claimID)
			}
			return err
		}
		if v.Claim, err = tx.GetClaim(claimID); err != nil {
			return err
		}
		if v.Slots, err = tx.ListClaimSlots(claimID); err != nil {
			return err
		}
		if v.Flags, err = tx.ListFlags(claimID); err != nil {
			return err
		}
		v.Synthesis, err = tx.GetLatestSynthesis(claimID)
		if err != nil && !storage.IsNotFound(err) {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// EnsureAgent applies the initial grant to an agent seen for the first time.
func (e *Engine) EnsureAgent(ctx context.Context, agentID string) (bool, error) {
	var granted bool
	err := e.db.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		granted, err = tx.GrantInitialBalance(agentID, e.opts.InitialGrant)
		return err
	})
	if granted {
		e.log.Info("agent granted initial balance", zap.String("agent", agentID), zap.Int64("amount", e.opts.InitialGrant))
	}
	return granted, err
}

// Grant credits amount to an agent and returns the new balance.
func (e *Engine) Grant(ctx context.Context, agentID string, amount int64) (int64, error) {
	var balance int64
	err := e.db.WithTx(ctx, func(tx *storage.Tx) error {
		if err := tx.CreditBalance(agentID, amount); err != nil {
			return err
		}
		var err error
		balance, err = tx.GetBalance(agentID)
		return err
	})
	return balance, err
}

// Balance returns an agent's balance.
func (e *Engine) Balance(ctx context.Context, agentID string) (int64, error) {
	var balance int64
	err := e.db.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		balance, err = tx.GetBalance(agentID)
		return err
	})
	return balance, err
}

func (e *Engine) savePipeline(tx *storage.Tx, p *storage.Pipeline) error {
	p.UpdatedAt = e.now().Unix()
	return tx.UpdatePipeline(p)
}

func (e *Engine) enqueue(tx *storage.Tx, kind, claimID string, layer int, agentID, slotID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return tx.EnqueueEvent(&storage.OutboxEvent{
		Kind:      kind,
		ClaimID:   claimID,
		Layer:     layer,
		AgentID:   agentID,
		SlotID:    slotID,
		Payload:   data,
		CreatedAt: e.now().UnixMilli(),
	})
}

// observe records a committed transition in metrics.
func (e *Engine) observe(tr Transition) {
	if e.metrics == nil {
		return
	}
	switch tr.Kind {
	case TransitionAdvanced, TransitionCompleted, TransitionRerouted:
		e.metrics.LayersPassed.WithLabelValues(tr.Protocol).Inc()
	}
	switch tr.Kind {
	case TransitionCompleted:
		e.metrics.PipelinesCompleted.WithLabelValues(tr.Protocol).Inc()
	case TransitionRerouted:
		e.metrics.PipelinesRerouted.WithLabelValues(tr.ReroutedTo).Inc()
	case TransitionFlagged:
		e.metrics.PipelinesFlagged.WithLabelValues(tr.Protocol).Inc()
	}
	if tr.Released > 0 {
		e.metrics.StakeReleased.Add(float64(tr.Released))
	}
	if tr.Burned > 0 {
		e.metrics.StakeBurned.Add(float64(tr.Burned))
	}
}

func allDone(slots []storage.Slot) bool {
	for _, s := range slots {
		if s.Status != storage.SlotDone {
			return false
		}
	}
	return true
}

// averageConfidence is the mean of the reported confidences, 0 when none
// were reported.
func averageConfidence(slots []storage.Slot) float64 {
	var sum float64
	n := 0
	for _, s := range slots {
		if s.Confidence != nil {
			sum += *s.Confidence
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func slotAgents(slots []storage.Slot) []string {
	agents := make([]string, 0, len(slots))
	for _, s := range slots {
		if s.AgentID != "" {
			agents = append(agents, s.AgentID)
		}
	}
	return agents
}

// pipelineHash digests the finished slots of a pipeline in insertion order.
func pipelineHash(tx *storage.Tx, p *storage.Pipeline) (string, error) {
	slots, err := tx.ListClaimSlots(p.ClaimID)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00", p.ClaimID, p.ProtocolName)
	for _, s := range slots {
		if s.Status != storage.SlotDone {
			continue
		}
		fmt.Fprintf(h, "%s\x00%d\x00%s\x00%s\x00%s\x00%s\x00", s.ID, s.Layer, s.SlotType, s.AgentID, s.Output, s.StructuredOutput)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
