// internal/storage/models.go
package storage

import "encoding/json"

// Pipeline phases.
const (
	PhaseWork      = "work"
	PhaseConsensus = "consensus"
)

// Pipeline statuses.
const (
	StatusActive   = "active"
	StatusFlagged  = "flagged"
	StatusComplete = "complete"
)

// Slot statuses.
const (
	SlotOpen  = "open"
	SlotTaken = "taken"
	SlotDone  = "done"
)

// ConsensusRole is the role assigned to every consensus slot.
const ConsensusRole = "consensus"

// ProtocolRecord is a registered protocol. Stages holds the JSON-encoded
// stage table owned by the protocol package.
type ProtocolRecord struct {
	Name      string `json:"name"`
	Stages    []byte `json:"-"`
	CreatedAt int64  `json:"created_at"`
}

// Claim is the unit of work flowing through a pipeline.
type Claim struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Domain    string `json:"domain"`
	Protocol  string `json:"protocol"`
	CreatedAt int64  `json:"created_at"`
}

// Pipeline is the per-claim advancement state.
type Pipeline struct {
	ID           string `json:"id"`
	ClaimID      string `json:"claim_id"`
	ProtocolName string `json:"protocol_name"`
	CurrentLayer int    `json:"current_layer"`
	CurrentPhase string `json:"current_phase"`
	Status       string `json:"status"`
	Round        int    `json:"round"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// Slot is one unit of work or review within a claim's layer. TakenAt and
// ExpireAt are unix milliseconds so that a retake within the same second is
// distinguishable from the take an expiry was scheduled for.
type Slot struct {
	ID               string          `json:"id"`
	Seq              int64           `json:"seq"`
	ClaimID          string          `json:"claim_id"`
	ProtocolName     string          `json:"protocol_name"`
	Layer            int             `json:"layer"`
	Round            int             `json:"round"`
	SlotType         string          `json:"slot_type"`
	Role             string          `json:"role"`
	Status           string          `json:"status"`
	AgentID          string          `json:"agent_id,omitempty"`
	Output           string          `json:"output,omitempty"`
	StructuredOutput json.RawMessage `json:"structured_output,omitempty"`
	Confidence       *float64        `json:"confidence,omitempty"`
	StakeAmount      int64           `json:"stake_amount"`
	TakenAt          int64           `json:"taken_at,omitempty"`
	ExpireAt         int64           `json:"expire_at,omitempty"`
	CompletedAt      int64           `json:"completed_at,omitempty"`
	CreatedAt        int64           `json:"created_at"`
}

// Flag is the audit record of a layer that failed its confidence check.
type Flag struct {
	ID            string  `json:"id"`
	ClaimID       string  `json:"claim_id"`
	Layer         int     `json:"layer"`
	Reason        string  `json:"reason"`
	AvgConfidence float64 `json:"avg_confidence"`
	Threshold     float64 `json:"threshold"`
	CreatedAt     int64   `json:"created_at"`
}

// Synthesis is the final aggregated record emitted by a terminal layer.
type Synthesis struct {
	ID              string   `json:"id"`
	ClaimID         string   `json:"claim_id"`
	Summary         string   `json:"summary"`
	KeyPoints       []string `json:"key_points"`
	Confidence      float64  `json:"confidence"`
	Recommendation  string   `json:"recommendation"`
	AttributedAgent string   `json:"attributed_agent"`
	CreatedAt       int64    `json:"created_at"`
}

// OutboxEvent is a pending downstream notification written in the same
// transaction as the state change that caused it.
type OutboxEvent struct {
	ID            int64  `json:"id"`
	Kind          string `json:"kind"`
	ClaimID       string `json:"claim_id"`
	Layer         int    `json:"layer"`
	AgentID       string `json:"agent_id,omitempty"`
	SlotID        string `json:"slot_id,omitempty"`
	Payload       []byte `json:"payload,omitempty"`
	Attempts      int    `json:"attempts"`
	NextAttemptAt int64  `json:"next_attempt_at"`
	DeliveredAt   int64  `json:"delivered_at,omitempty"`
	LastError     string `json:"last_error,omitempty"`
	CreatedAt     int64  `json:"created_at"`
}

// Outbox event kinds.
const (
	EventSlotDone         = "slot_done"
	EventLayerPassed      = "layer_passed"
	EventPipelineComplete = "pipeline_complete"
	EventCommitHash       = "commit_pipeline_hash"
	EventPipelineFlagged  = "pipeline_flagged"
	EventPipelineRerouted = "pipeline_rerouted"
	EventPipelineReopened = "pipeline_reopened"
)
