package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// --- Protocols ---

// InsertProtocol registers a protocol unless one with the same name exists.
// It reports whether a row was inserted.
func (t *Tx) InsertProtocol(p *ProtocolRecord) (bool, error) {
	res, err := t.tx.Exec(
		`INSERT INTO protocols (name, stages, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO NOTHING`,
		p.Name, string(p.Stages), p.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert protocol: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert protocol rows affected: %w", err)
	}
	return n == 1, nil
}

// GetProtocol retrieves a registered protocol by name.
func (t *Tx) GetProtocol(name string) (*ProtocolRecord, error) {
	p := &ProtocolRecord{}
	var stages string
	err := t.tx.QueryRow(
		`SELECT name, stages, created_at FROM protocols WHERE name = ?`, name,
	).Scan(&p.Name, &stages, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get protocol: %w", err)
	}
	p.Stages = []byte(stages)
	return p, nil
}

// ListProtocols returns all registered protocols ordered by name.
func (t *Tx) ListProtocols() ([]ProtocolRecord, error) {
	rows, err := t.tx.Query(`SELECT name, stages, created_at FROM protocols ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list protocols: %w", err)
	}
	defer rows.Close()

	var out []ProtocolRecord
	for rows.Next() {
		var p ProtocolRecord
		var stages string
		if err := rows.Scan(&p.Name, &stages, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan protocol: %w", err)
		}
		p.Stages = []byte(stages)
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Claims ---

// EnsureClaim inserts the claim if it does not exist yet. Existing claims are
// left untouched.
func (t *Tx) EnsureClaim(c *Claim) error {
	_, err := t.tx.Exec(
		`INSERT INTO claims (id, title, body, domain, protocol, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		c.ID, c.Title, c.Body, c.Domain, c.Protocol, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("ensure claim: %w", err)
	}
	return nil
}

// GetClaim retrieves a claim by ID.
func (t *Tx) GetClaim(id string) (*Claim, error) {
	c := &Claim{}
	err := t.tx.QueryRow(
		`SELECT id, title, body, domain, protocol, created_at FROM claims WHERE id = ?`, id,
	).Scan(&c.ID, &c.Title, &c.Body, &c.Domain, &c.Protocol, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get claim: %w", err)
	}
	return c, nil
}

// PatchClaimDomain sets the domain of a claim.
func (t *Tx) PatchClaimDomain(id, domain string) error {
	return t.patchClaim("domain", id, domain)
}

// PatchClaimProtocol sets the protocol of a claim.
func (t *Tx) PatchClaimProtocol(id, protocol string) error {
	return t.patchClaim("protocol", id, protocol)
}

func (t *Tx) patchClaim(column, id, value string) error {
	res, err := t.tx.Exec(`UPDATE claims SET `+column+` = ? WHERE id = ?`, value, id)
	if err != nil {
		return fmt.Errorf("patch claim %s: %w", column, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("patch claim %s rows affected: %w", column, err)
	}
	if n == 0 {
		return fmt.Errorf("patch claim %s: %w", column, sql.ErrNoRows)
	}
	return nil
}

// --- Pipelines ---

const pipelineColumns = `id, claim_id, protocol_name, current_layer, current_phase, status, round, created_at, updated_at`

// CreatePipeline inserts a new pipeline state.
func (t *Tx) CreatePipeline(p *Pipeline) error {
	_, err := t.tx.Exec(
		`INSERT INTO pipelines (`+pipelineColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ClaimID, p.ProtocolName, p.CurrentLayer, p.CurrentPhase, p.Status,
		p.Round, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}
	return nil
}

// GetPipelineByClaim retrieves the pipeline state of a claim.
func (t *Tx) GetPipelineByClaim(claimID string) (*Pipeline, error) {
	p := &Pipeline{}
	err := t.tx.QueryRow(
		`SELECT `+pipelineColumns+` FROM pipelines WHERE claim_id = ?`, claimID,
	).Scan(&p.ID, &p.ClaimID, &p.ProtocolName, &p.CurrentLayer, &p.CurrentPhase,
		&p.Status, &p.Round, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get pipeline: %w", err)
	}
	return p, nil
}

// UpdatePipeline writes the mutable fields of a pipeline state.
func (t *Tx) UpdatePipeline(p *Pipeline) error {
	res, err := t.tx.Exec(
		`UPDATE pipelines SET protocol_name = ?, current_layer = ?, current_phase = ?,
		 status = ?, round = ?, updated_at = ? WHERE id = ?`,
		p.ProtocolName, p.CurrentLayer, p.CurrentPhase, p.Status, p.Round, p.UpdatedAt, p.ID,
	)
	if err != nil {
		return fmt.Errorf("update pipeline: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update pipeline rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update pipeline: %w", sql.ErrNoRows)
	}
	return nil
}

// CountPipelinesByStatus returns the number of pipelines per status.
func (t *Tx) CountPipelinesByStatus() (map[string]int, error) {
	rows, err := t.tx.Query(`SELECT status, COUNT(*) FROM pipelines GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count pipelines: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan pipeline count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// --- Flags ---

// InsertFlag appends a flag record.
func (t *Tx) InsertFlag(f *Flag) error {
	_, err := t.tx.Exec(
		`INSERT INTO flags (id, claim_id, layer, reason, avg_confidence, threshold, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.ClaimID, f.Layer, f.Reason, f.AvgConfidence, f.Threshold, f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert flag: %w", err)
	}
	return nil
}

// ListFlags returns all flags recorded for a claim, oldest first.
func (t *Tx) ListFlags(claimID string) ([]Flag, error) {
	rows, err := t.tx.Query(
		`SELECT id, claim_id, layer, reason, avg_confidence, threshold, created_at
		 FROM flags WHERE claim_id = ? ORDER BY created_at, rowid`, claimID,
	)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	defer rows.Close()

	var flags []Flag
	for rows.Next() {
		var f Flag
		if err := rows.Scan(&f.ID, &f.ClaimID, &f.Layer, &f.Reason, &f.AvgConfidence,
			&f.Threshold, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}
		flags = append(flags, f)
	}
	return flags, rows.Err()
}

// --- Syntheses ---

// InsertSynthesis stores an immutable synthesis record.
func (t *Tx) InsertSynthesis(s *Synthesis) error {
	keyPoints, err := json.Marshal(s.KeyPoints)
	if err != nil {
		return fmt.Errorf("marshal key points: %w", err)
	}
	_, err = t.tx.Exec(
		`INSERT INTO syntheses (id, claim_id, summary, key_points, confidence, recommendation, attributed_agent, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.ClaimID, s.Summary, string(keyPoints), s.Confidence, s.Recommendation,
		s.AttributedAgent, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert synthesis: %w", err)
	}
	return nil
}

// GetLatestSynthesis returns the most recent synthesis for a claim.
func (t *Tx) GetLatestSynthesis(claimID string) (*Synthesis, error) {
	s := &Synthesis{}
	var keyPoints string
	err := t.tx.QueryRow(
		`SELECT id, claim_id, summary, key_points, confidence, recommendation, attributed_agent, created_at
		 FROM syntheses WHERE claim_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, claimID,
	).Scan(&s.ID, &s.ClaimID, &s.Summary, &keyPoints, &s.Confidence, &s.Recommendation,
		&s.AttributedAgent, &s.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get synthesis: %w", err)
	}
	if err := json.Unmarshal([]byte(keyPoints), &s.KeyPoints); err != nil {
		return nil, fmt.Errorf("unmarshal key points: %w", err)
	}
	return s, nil
}
