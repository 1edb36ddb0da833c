package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ssd-technologies/prism/internal/protocol"
	"github.com/ssd-technologies/prism/internal/storage"
)

// PayloadKind tags the structured output variant a slot accepts.
type PayloadKind string

const (
	KindRoutingBallot        PayloadKind = "routing_ballot"
	KindClassificationBallot PayloadKind = "classification_ballot"
	KindSynthesisFragment    PayloadKind = "synthesis_fragment"
	KindFreeform             PayloadKind = "freeform"
)

// Payload is the decoded structured output of a slot.
type Payload interface {
	Kind() PayloadKind
}

// RoutingBallot is a routing-layer work vote.
type RoutingBallot struct {
	Protocol string `json:"protocol"`
	Domain   string `json:"domain"`
}

// ClassificationBallot is a domain vote cast on a classification layer.
type ClassificationBallot struct {
	Domain string `json:"domain"`
}

// SynthesisFragment is a reviewer's contribution to the final synthesis.
type SynthesisFragment struct {
	Summary        string `json:"summary"`
	Recommendation string `json:"recommendation"`
}

// Freeform is structured output on a layer that does not interpret it.
type Freeform struct {
	Raw json.RawMessage `json:"-"`
}

func (RoutingBallot) Kind() PayloadKind        { return KindRoutingBallot }
func (ClassificationBallot) Kind() PayloadKind { return KindClassificationBallot }
func (SynthesisFragment) Kind() PayloadKind    { return KindSynthesisFragment }
func (Freeform) Kind() PayloadKind             { return KindFreeform }

// PayloadKindFor returns the variant a slot of the given phase on stage
// accepts. terminal reports whether stage is the last of its protocol.
func PayloadKindFor(stage protocol.Stage, slotType string, terminal bool) PayloadKind {
	switch {
	case stage.Effect == protocol.EffectRouting && slotType == storage.PhaseWork:
		return KindRoutingBallot
	case stage.Effect == protocol.EffectClassification:
		return KindClassificationBallot
	case terminal && slotType == storage.PhaseConsensus:
		return KindSynthesisFragment
	default:
		return KindFreeform
	}
}

// DecodePayload decodes raw structured output into the variant for the slot.
// Empty input decodes to the zero value of the variant.
func DecodePayload(stage protocol.Stage, slotType string, terminal bool, raw []byte) (Payload, error) {
	kind := PayloadKindFor(stage, slotType, terminal)
	raw = bytes.TrimSpace(raw)
	empty := len(raw) == 0 || bytes.Equal(raw, []byte("null"))

	switch kind {
	case KindRoutingBallot:
		var b RoutingBallot
		if !empty {
			if err := decodeObject(raw, &b); err != nil {
				return nil, err
			}
		}
		return b, nil
	case KindClassificationBallot:
		var b ClassificationBallot
		if !empty {
			if err := decodeObject(raw, &b); err != nil {
				return nil, err
			}
		}
		return b, nil
	case KindSynthesisFragment:
		var f SynthesisFragment
		if !empty {
			if err := decodeObject(raw, &f); err != nil {
				return nil, err
			}
		}
		return f, nil
	default:
		if !empty && !json.Valid(raw) {
			return nil, fmt.Errorf("structured output is not valid JSON")
		}
		return Freeform{Raw: json.RawMessage(raw)}, nil
	}
}

func decodeObject(raw []byte, v any) error {
	if raw[0] != '{' {
		return fmt.Errorf("structured output must be a JSON object")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode structured output: %w", err)
	}
	return nil
}

// decodeSlotPayload decodes a stored slot's output, treating undecodable
// rows as carrying no vote.
func decodeSlotPayload(stage protocol.Stage, terminal bool, s *storage.Slot) Payload {
	p, err := DecodePayload(stage, s.SlotType, terminal, s.StructuredOutput)
	if err != nil {
		return nil
	}
	return p
}
