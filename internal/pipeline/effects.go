package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ssd-technologies/prism/internal/protocol"
	"github.com/ssd-technologies/prism/internal/storage"
)

// SummarySeparator joins per-slot summaries in a synthesis.
const SummarySeparator = "\n\n---\n\n"

// NoProtocolReason is the flag reason when routing cannot settle on a
// protocol and no fallback resolves.
const NoProtocolReason = "routing produced no protocol"

type effectKind int

const (
	effectContinue effectKind = iota
	effectRerouted
	effectFlagged
)

type effectOutcome struct {
	kind     effectKind
	protocol string
	reason   string
	// round the passed layer ran in; a reroute starts a new one.
	round int
}

// applyEffect runs the side effect of a layer whose consensus passed.
// consensus holds the layer's finished consensus slots.
func (e *Engine) applyEffect(tx *storage.Tx, p *storage.Pipeline, proto *protocol.Protocol, stage protocol.Stage, consensus []storage.Slot) (effectOutcome, error) {
	out := effectOutcome{kind: effectContinue, round: p.Round}
	terminal := proto.IsTerminal(stage.Layer)

	if stage.Effect == protocol.EffectRouting {
		return e.route(tx, p, stage, out)
	}
	if stage.Effect == protocol.EffectClassification {
		if err := e.classify(tx, p, stage, terminal, consensus); err != nil {
			return out, err
		}
	}
	if terminal {
		if err := e.synthesize(tx, p, stage, consensus); err != nil {
			return out, err
		}
	}
	return out, nil
}

// route tallies the routing ballots of the layer's work slots and moves the
// pipeline to the first stage of the winning protocol.
func (e *Engine) route(tx *storage.Tx, p *storage.Pipeline, stage protocol.Stage, out effectOutcome) (effectOutcome, error) {
	work, err := tx.ListLayerSlots(p.ClaimID, stage.Layer, p.Round, storage.PhaseWork)
	if err != nil {
		return out, err
	}
	var protocols, domains []string
	for i := range work {
		if b, ok := decodeSlotPayload(stage, false, &work[i]).(RoutingBallot); ok {
			protocols = append(protocols, b.Protocol)
			domains = append(domains, b.Domain)
		}
	}

	if domain := majority(domains); domain != "" {
		if err := tx.PatchClaimDomain(p.ClaimID, domain); err != nil {
			return out, err
		}
	}

	target, err := e.routingTarget(tx, p.ClaimID, majority(protocols))
	if err != nil {
		return out, err
	}
	if target == nil {
		out.kind = effectFlagged
		out.reason = NoProtocolReason
		return out, nil
	}

	if err := tx.PatchClaimProtocol(p.ClaimID, target.Name); err != nil {
		return out, err
	}
	from := p.ProtocolName
	first := target.First()
	p.ProtocolName = target.Name
	p.Round++
	p.CurrentLayer = first.Layer
	p.CurrentPhase = firstPhase(first)
	if err := e.savePipeline(tx, p); err != nil {
		return out, err
	}
	if _, err := e.OpenSlotsForPhase(tx, p, first, p.CurrentPhase); err != nil {
		return out, err
	}
	if err := e.enqueue(tx, storage.EventPipelineRerouted, p.ClaimID, stage.Layer, "", "", map[string]any{
		"from":     from,
		"to":       target.Name,
		"domain":   majority(domains),
		"layer":    first.Layer,
		"protocol": target.Name,
	}); err != nil {
		return out, err
	}

	out.kind = effectRerouted
	out.protocol = target.Name
	return out, nil
}

// routingTarget resolves the voted protocol, falling back to the configured
// routing fallback. A protocol that starts with another routing stage is
// not a valid target. It returns nil when nothing resolves.
func (e *Engine) routingTarget(tx *storage.Tx, claimID, voted string) (*protocol.Protocol, error) {
	candidates := []string{voted, e.opts.RoutingFallback}
	for i, name := range candidates {
		if name == "" {
			continue
		}
		target, err := e.catalog.GetByNameTx(tx, name)
		if errors.Is(err, protocol.ErrNotFound) {
			e.log.Warn("routing target not found", zap.String("claim", claimID), zap.String("protocol", name))
			continue
		}
		if err != nil {
			return nil, err
		}
		if target.First().Effect == protocol.EffectRouting {
			e.log.Warn("routing target is itself a router", zap.String("claim", claimID), zap.String("protocol", name))
			continue
		}
		if i > 0 {
			e.log.Info("routing fell back", zap.String("claim", claimID), zap.String("voted", voted), zap.String("protocol", name))
		}
		return target, nil
	}
	return nil, nil
}

// classify merges domain votes, consensus first then work, and patches the
// claim's domain when the winner differs.
func (e *Engine) classify(tx *storage.Tx, p *storage.Pipeline, stage protocol.Stage, terminal bool, consensus []storage.Slot) error {
	domain := majority(ballotDomains(stage, terminal, consensus))
	if domain == "" {
		work, err := tx.ListLayerSlots(p.ClaimID, stage.Layer, p.Round, storage.PhaseWork)
		if err != nil {
			return err
		}
		domain = majority(ballotDomains(stage, terminal, work))
	}
	if domain == "" {
		return nil
	}

	claim, err := tx.GetClaim(p.ClaimID)
	if err != nil {
		return err
	}
	if claim.Domain == domain {
		return nil
	}
	e.log.Info("claim reclassified",
		zap.String("claim", p.ClaimID),
		zap.String("from", claim.Domain),
		zap.String("to", domain))
	return tx.PatchClaimDomain(p.ClaimID, domain)
}

func ballotDomains(stage protocol.Stage, terminal bool, slots []storage.Slot) []string {
	var domains []string
	for i := range slots {
		if b, ok := decodeSlotPayload(stage, terminal, &slots[i]).(ClassificationBallot); ok {
			domains = append(domains, b.Domain)
		}
	}
	return domains
}

// synthesize aggregates the terminal layer's consensus slots into a
// synthesis record. Nothing is written when no summary text exists.
func (e *Engine) synthesize(tx *storage.Tx, p *storage.Pipeline, stage protocol.Stage, consensus []storage.Slot) error {
	var summaries, outputs, recommendations []string
	attributed := ""
	for i := range consensus {
		s := &consensus[i]
		if attributed == "" && s.AgentID != "" {
			attributed = s.AgentID
		}
		if out := strings.TrimSpace(s.Output); out != "" {
			outputs = append(outputs, out)
		}
		if f, ok := decodeSlotPayload(stage, true, s).(SynthesisFragment); ok {
			if sum := strings.TrimSpace(f.Summary); sum != "" {
				summaries = append(summaries, sum)
			}
			recommendations = append(recommendations, f.Recommendation)
		}
	}

	summary := strings.Join(summaries, SummarySeparator)
	if summary == "" {
		summary = strings.Join(outputs, SummarySeparator)
	}
	if summary == "" {
		e.log.Warn("terminal layer produced no summary", zap.String("claim", p.ClaimID))
		return nil
	}
	if outputs == nil {
		outputs = []string{}
	}

	syn := &storage.Synthesis{
		ID:              uuid.New().String(),
		ClaimID:         p.ClaimID,
		Summary:         summary,
		KeyPoints:       outputs,
		Confidence:      averageConfidence(consensus),
		Recommendation:  majority(recommendations),
		AttributedAgent: attributed,
		CreatedAt:       e.now().Unix(),
	}
	if err := tx.InsertSynthesis(syn); err != nil {
		return fmt.Errorf("emit synthesis: %w", err)
	}
	return nil
}
