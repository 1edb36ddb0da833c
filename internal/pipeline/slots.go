package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ssd-technologies/prism/internal/protocol"
	"github.com/ssd-technologies/prism/internal/storage"
)

// OpenSlotsForPhase creates the slots of one phase of stage for the
// pipeline's current round: one work slot per role-count unit, or
// ConsensusCount consensus slots.
func (e *Engine) OpenSlotsForPhase(tx *storage.Tx, p *storage.Pipeline, stage protocol.Stage, phase string) ([]storage.Slot, error) {
	now := e.now().Unix()
	newSlot := func(role string) storage.Slot {
		return storage.Slot{
			ID:           uuid.New().String(),
			ClaimID:      p.ClaimID,
			ProtocolName: p.ProtocolName,
			Layer:        stage.Layer,
			Round:        p.Round,
			SlotType:     phase,
			Role:         role,
			Status:       storage.SlotOpen,
			CreatedAt:    now,
		}
	}

	var slots []storage.Slot
	switch phase {
	case storage.PhaseWork:
		for _, rc := range stage.WorkRoles {
			for i := 0; i < rc.Count; i++ {
				slots = append(slots, newSlot(rc.Role))
			}
		}
	case storage.PhaseConsensus:
		for i := 0; i < stage.ConsensusCount; i++ {
			slots = append(slots, newSlot(storage.ConsensusRole))
		}
	default:
		return nil, fmt.Errorf("unknown phase %q", phase)
	}

	if err := tx.InsertSlots(slots); err != nil {
		return nil, err
	}
	return slots, nil
}

// TakeResult describes a slot an agent now holds.
type TakeResult struct {
	SlotID      string `json:"slot_id"`
	ClaimID     string `json:"claim_id"`
	Layer       int    `json:"layer"`
	SlotType    string `json:"slot_type"`
	Role        string `json:"role"`
	StakeAmount int64  `json:"stake_amount"`
	ExpireAt    int64  `json:"expire_at"`
}

// TakeSlot binds an open slot to agentID. Work slots hold a stake from the
// agent's balance; when the balance does not cover it the take is rolled
// back. The take expires after Options.ExpireAfter unless completed.
func (e *Engine) TakeSlot(ctx context.Context, slotID, agentID string) (*TakeResult, error) {
	var res *TakeResult
	err := e.db.WithTx(ctx, func(tx *storage.Tx) error {
		slot, err := tx.GetSlot(slotID)
		if err != nil {
			if storage.IsNotFound(err) {
				return errorf(CodeNotFound, "slot %s", slotID)
			}
			return err
		}
		if slot.Status != storage.SlotOpen {
			return errorf(CodeSlotNotOpen, "slot %s is %s", slotID, slot.Status)
		}
		current, err := e.isCurrent(tx, slot)
		if err != nil {
			return err
		}
		if !current {
			return errorf(CodeSlotNotOpen, "slot %s belongs to an inactive phase", slotID)
		}

		holds, err := tx.AgentOccupies(slot.ClaimID, slot.Layer, slot.Round, slot.SlotType, agentID)
		if err != nil {
			return err
		}
		if holds {
			return errorf(CodeAgentAlreadyHoldsSlot, "agent already holds a %s slot on layer %d", slot.SlotType, slot.Layer)
		}

		now := e.now()
		takenAt := now.UnixMilli()
		expireAt := now.Add(e.opts.ExpireAfter).UnixMilli()
		ok, err := tx.TakeSlot(slotID, agentID, takenAt, expireAt)
		if err != nil {
			return err
		}
		if !ok {
			return errorf(CodeSlotNotOpen, "slot %s was taken concurrently", slotID)
		}

		var stake int64
		if slot.SlotType == storage.PhaseWork {
			if stake, err = e.stake.Deduct(tx, agentID); err != nil {
				return err
			}
			if err := tx.SetSlotStake(slotID, stake); err != nil {
				return err
			}
		}

		res = &TakeResult{
			SlotID:      slot.ID,
			ClaimID:     slot.ClaimID,
			Layer:       slot.Layer,
			SlotType:    slot.SlotType,
			Role:        slot.Role,
			StakeAmount: stake,
			ExpireAt:    expireAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.SlotsTaken.WithLabelValues(res.SlotType).Inc()
	}
	e.log.Debug("slot taken",
		zap.String("slot", slotID),
		zap.String("agent", agentID),
		zap.String("claim", res.ClaimID),
		zap.Int("layer", res.Layer))
	return res, nil
}

// isCurrent reports whether slot belongs to the phase its pipeline is on.
func (e *Engine) isCurrent(tx *storage.Tx, slot *storage.Slot) (bool, error) {
	p, err := tx.GetPipelineByClaim(slot.ClaimID)
	if err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return p.Status == storage.StatusActive &&
		p.ProtocolName == slot.ProtocolName &&
		p.Round == slot.Round &&
		p.CurrentLayer == slot.Layer &&
		p.CurrentPhase == slot.SlotType, nil
}

// CompleteInput carries an agent's result for a slot.
type CompleteInput struct {
	Output           string
	StructuredOutput []byte
	Confidence       *float64
}

// CompleteResult reports the completed slot and what it did to the pipeline.
type CompleteResult struct {
	SlotID     string     `json:"slot_id"`
	ClaimID    string     `json:"claim_id"`
	Layer      int        `json:"layer"`
	Transition Transition `json:"transition"`
}

// CompleteSlot records an agent's result for a slot it holds and advances
// the pipeline in the same transaction.
func (e *Engine) CompleteSlot(ctx context.Context, slotID, agentID string, in CompleteInput) (*CompleteResult, error) {
	var res *CompleteResult
	var slotType string
	err := e.db.WithTx(ctx, func(tx *storage.Tx) error {
		slot, err := tx.GetSlot(slotID)
		if err != nil {
			if storage.IsNotFound(err) {
				return errorf(CodeNotFound, "slot %s", slotID)
			}
			return err
		}
		if slot.AgentID != agentID {
			return errorf(CodeForbidden, "slot %s is not held by %s", slotID, agentID)
		}
		if slot.Status != storage.SlotTaken {
			return errorf(CodeNotTaken, "slot %s is %s", slotID, slot.Status)
		}
		if slot.SlotType == storage.PhaseConsensus {
			if in.Confidence == nil {
				return errorf(CodeConfidenceRequired, "consensus slots require a confidence")
			}
			c := *in.Confidence
			if math.IsNaN(c) || c < 0 || c > 1 {
				return errorf(CodeConfidenceOutOfRange, "confidence %v outside [0,1]", c)
			}
		}

		structured := bytes.TrimSpace(in.StructuredOutput)
		if len(structured) == 0 {
			structured = nil
		}
		if err := e.validatePayload(tx, slot, structured); err != nil {
			return err
		}

		if err := tx.CompleteSlot(slotID, in.Output, structured, in.Confidence, e.now().Unix()); err != nil {
			return err
		}
		if err := e.enqueue(tx, storage.EventSlotDone, slot.ClaimID, slot.Layer, agentID, slotID, map[string]any{
			"slot_type": slot.SlotType,
			"role":      slot.Role,
			"protocol":  slot.ProtocolName,
		}); err != nil {
			return err
		}

		tr, err := e.Advance(tx, slot.ClaimID, slot.Layer)
		if err != nil {
			return fmt.Errorf("advance pipeline: %w", err)
		}
		slotType = slot.SlotType
		res = &CompleteResult{SlotID: slotID, ClaimID: slot.ClaimID, Layer: slot.Layer, Transition: tr}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.SlotsCompleted.WithLabelValues(slotType).Inc()
	}
	e.observe(res.Transition)
	if res.Transition.Kind != TransitionNone {
		e.log.Info("pipeline transition",
			zap.String("claim", res.ClaimID),
			zap.String("protocol", res.Transition.Protocol),
			zap.Int("layer", res.Layer),
			zap.String("transition", string(res.Transition.Kind)),
			zap.Float64("avg_confidence", res.Transition.AvgConfidence))
	}
	return res, nil
}

// validatePayload checks structured output against the variant the slot's
// stage accepts.
func (e *Engine) validatePayload(tx *storage.Tx, slot *storage.Slot, raw []byte) error {
	proto, err := e.catalog.GetByNameTx(tx, slot.ProtocolName)
	if err != nil {
		return fmt.Errorf("load protocol %s: %w", slot.ProtocolName, err)
	}
	stage, ok := proto.Stage(slot.Layer)
	if !ok {
		return fmt.Errorf("protocol %s has no layer %d", proto.Name, slot.Layer)
	}
	if _, err := DecodePayload(stage, slot.SlotType, proto.IsTerminal(slot.Layer), raw); err != nil {
		return errorf(CodeInvalidOutput, "%v", err)
	}
	return nil
}

// Expire reopens a taken slot, but only if it is still held by the take
// that set expectedTakenAt. A held work stake goes back to the agent. It
// reports whether the slot was reopened.
func (e *Engine) Expire(ctx context.Context, slotID string, expectedTakenAt int64) (bool, error) {
	var reopened bool
	var agentID string
	err := e.db.WithTx(ctx, func(tx *storage.Tx) error {
		slot, err := tx.GetSlot(slotID)
		if err != nil {
			if storage.IsNotFound(err) {
				return nil
			}
			return err
		}
		if slot.Status != storage.SlotTaken || slot.TakenAt != expectedTakenAt {
			return nil
		}
		agentID = slot.AgentID
		reopened, err = e.reopen(tx, slot)
		return err
	})
	if err != nil {
		return false, err
	}
	if reopened {
		if e.metrics != nil {
			e.metrics.SlotsExpired.Inc()
		}
		e.log.Info("slot expired", zap.String("slot", slotID), zap.String("agent", agentID))
	}
	return reopened, nil
}

// reopen reverts a taken slot to open and returns its stake.
func (e *Engine) reopen(tx *storage.Tx, slot *storage.Slot) (bool, error) {
	ok, err := tx.ReopenSlot(slot.ID, slot.TakenAt)
	if err != nil || !ok {
		return false, err
	}
	if slot.StakeAmount > 0 {
		if err := tx.CreditBalance(slot.AgentID, slot.StakeAmount); err != nil {
			return false, fmt.Errorf("return stake of slot %s: %w", slot.ID, err)
		}
	}
	return true, nil
}

// ReleaseAllHeldBy reopens every slot the agent holds and returns the count.
func (e *Engine) ReleaseAllHeldBy(ctx context.Context, agentID string) (int, error) {
	released := 0
	err := e.db.WithTx(ctx, func(tx *storage.Tx) error {
		released = 0
		slots, err := tx.ListTakenByAgent(agentID)
		if err != nil {
			return err
		}
		for i := range slots {
			ok, err := e.reopen(tx, &slots[i])
			if err != nil {
				return err
			}
			if ok {
				released++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if released > 0 {
		if e.metrics != nil {
			e.metrics.SlotsReleased.Add(float64(released))
		}
		e.log.Info("released agent slots", zap.String("agent", agentID), zap.Int("count", released))
	}
	return released, nil
}

// ReleaseResult is returned by ReleaseStaleSlots.
type ReleaseResult struct {
	Released int `json:"released"`
}

// ReleaseStaleSlots releases everything an agent holds, for agents that
// restart without finishing their work.
func (e *Engine) ReleaseStaleSlots(ctx context.Context, agentID string) (*ReleaseResult, error) {
	n, err := e.ReleaseAllHeldBy(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return &ReleaseResult{Released: n}, nil
}

// SlotFilter narrows FindNextOpenSlot. Zero values match everything.
type SlotFilter struct {
	Layer          *int
	Role           string
	SlotType       string
	ExcludingAgent string
}

// LayerContext is the finished work of one earlier layer.
type LayerContext struct {
	Layer int            `json:"layer"`
	Name  string         `json:"name"`
	Slots []storage.Slot `json:"slots"`
}

// NextSlot is an open slot with everything an agent needs to work on it.
type NextSlot struct {
	Slot        storage.Slot   `json:"slot"`
	Stage       protocol.Stage `json:"stage"`
	Claim       storage.Claim  `json:"claim"`
	PriorLayers []LayerContext `json:"prior_layers"`
	// LayerWork holds the finished work a consensus slot is scoring.
	LayerWork []storage.Slot `json:"layer_work,omitempty"`
}

// FindNextOpenSlot returns the oldest open slot of an active pipeline's
// current phase matching f, or nil when there is none.
func (e *Engine) FindNextOpenSlot(ctx context.Context, f SlotFilter) (*NextSlot, error) {
	var next *NextSlot
	err := e.db.WithTx(ctx, func(tx *storage.Tx) error {
		found, err := tx.FindOpenSlots(storage.OpenSlotFilter{
			Layer:          f.Layer,
			Role:           f.Role,
			SlotType:       f.SlotType,
			ExcludingAgent: f.ExcludingAgent,
		}, 1)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return nil
		}
		slot := found[0]

		claim, err := tx.GetClaim(slot.ClaimID)
		if err != nil {
			return err
		}
		proto, err := e.catalog.GetByNameTx(tx, slot.ProtocolName)
		if err != nil {
			return fmt.Errorf("load protocol %s: %w", slot.ProtocolName, err)
		}
		stage, _ := proto.Stage(slot.Layer)

		prior, err := tx.ListPriorDoneSlots(slot.ClaimID, slot.ProtocolName, slot.Layer)
		if err != nil {
			return err
		}
		next = &NextSlot{
			Slot:        slot,
			Stage:       stage,
			Claim:       *claim,
			PriorLayers: groupByLayer(proto, prior),
		}

		if slot.SlotType == storage.PhaseConsensus {
			work, err := tx.ListLayerSlots(slot.ClaimID, slot.Layer, slot.Round, storage.PhaseWork)
			if err != nil {
				return err
			}
			next.LayerWork = work
		}
		return nil
	})
	return next, err
}

func groupByLayer(proto *protocol.Protocol, slots []storage.Slot) []LayerContext {
	out := []LayerContext{}
	for _, s := range slots {
		if n := len(out); n == 0 || out[n-1].Layer != s.Layer {
			lc := LayerContext{Layer: s.Layer}
			if st, ok := proto.Stage(s.Layer); ok {
				lc.Name = st.Name
			}
			out = append(out, lc)
		}
		out[len(out)-1].Slots = append(out[len(out)-1].Slots, s)
	}
	return out
}
