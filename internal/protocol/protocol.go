// Package protocol defines deliberation protocols: short, static, ordered
// lists of stages a claim moves through, one stage per layer.
package protocol

import (
	"fmt"
	"sort"
	"strings"
)

// StageEffect names the side effect a stage triggers once its consensus
// passes. The terminal effect is implied by a stage having no successor.
type StageEffect string

const (
	EffectNone           StageEffect = ""
	EffectRouting        StageEffect = "routing"
	EffectClassification StageEffect = "classification"
)

// RoleCount is the number of work slots opened for a role.
type RoleCount struct {
	Role  string `json:"role" yaml:"role"`
	Count int    `json:"count" yaml:"count"`
}

// Stage is the configuration of one layer.
type Stage struct {
	Layer              int         `json:"layer" yaml:"layer"`
	Name               string      `json:"name" yaml:"name"`
	WorkRoles          []RoleCount `json:"work_roles,omitempty" yaml:"work_roles"`
	ConsensusCount     int         `json:"consensus_count" yaml:"consensus_count"`
	ConsensusThreshold float64     `json:"consensus_threshold" yaml:"consensus_threshold"`
	Effect             StageEffect `json:"effect,omitempty" yaml:"effect"`
}

// HasWork reports whether the stage opens a work phase at all.
func (s Stage) HasWork() bool {
	return s.WorkSlotCount() > 0
}

// WorkSlotCount is the total number of work slots the stage opens.
func (s Stage) WorkSlotCount() int {
	n := 0
	for _, rc := range s.WorkRoles {
		n += rc.Count
	}
	return n
}

// Protocol is a named, ordered list of stages.
type Protocol struct {
	Name   string  `json:"name" yaml:"name"`
	Stages []Stage `json:"stages" yaml:"stages"`
}

// NormalizeName canonicalizes a protocol name for lookup.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Validate checks the protocol's stage table and sorts stages by layer.
func (p *Protocol) Validate() error {
	p.Name = NormalizeName(p.Name)
	if p.Name == "" {
		return fmt.Errorf("protocol name required")
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("protocol %s: no stages", p.Name)
	}
	sort.SliceStable(p.Stages, func(i, j int) bool { return p.Stages[i].Layer < p.Stages[j].Layer })

	seen := make(map[int]bool, len(p.Stages))
	for i, s := range p.Stages {
		if seen[s.Layer] {
			return fmt.Errorf("protocol %s: duplicate layer %d", p.Name, s.Layer)
		}
		seen[s.Layer] = true
		if s.ConsensusCount < 1 {
			return fmt.Errorf("protocol %s layer %d: consensus_count must be at least 1", p.Name, s.Layer)
		}
		if s.ConsensusThreshold < 0 || s.ConsensusThreshold > 1 {
			return fmt.Errorf("protocol %s layer %d: consensus_threshold %.2f outside [0,1]", p.Name, s.Layer, s.ConsensusThreshold)
		}
		for _, rc := range s.WorkRoles {
			if rc.Role == "" || rc.Count < 0 {
				return fmt.Errorf("protocol %s layer %d: invalid work role %q x%d", p.Name, s.Layer, rc.Role, rc.Count)
			}
		}
		switch s.Effect {
		case EffectNone:
		case EffectClassification:
			if i == len(p.Stages)-1 {
				return fmt.Errorf("protocol %s layer %d: classification cannot be the terminal stage", p.Name, s.Layer)
			}
		case EffectRouting:
			if !s.HasWork() {
				return fmt.Errorf("protocol %s layer %d: routing stage needs work roles to vote", p.Name, s.Layer)
			}
		default:
			return fmt.Errorf("protocol %s layer %d: unknown effect %q", p.Name, s.Layer, s.Effect)
		}
	}
	return nil
}

// First returns the stage with the lowest layer.
func (p *Protocol) First() Stage {
	return p.Stages[0]
}

// Stage returns the stage for a layer.
func (p *Protocol) Stage(layer int) (Stage, bool) {
	for _, s := range p.Stages {
		if s.Layer == layer {
			return s, true
		}
	}
	return Stage{}, false
}

// Next returns the stage following layer in layer order.
func (p *Protocol) Next(layer int) (Stage, bool) {
	for _, s := range p.Stages {
		if s.Layer > layer {
			return s, true
		}
	}
	return Stage{}, false
}

// IsTerminal reports whether layer is the last stage of the protocol.
func (p *Protocol) IsTerminal(layer int) bool {
	_, ok := p.Next(layer)
	return !ok
}
