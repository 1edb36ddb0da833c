package storage

import (
	"database/sql"
	"fmt"
	"strings"
)

var slotColumnNames = []string{
	"id", "seq", "claim_id", "protocol_name", "layer", "round", "slot_type", "role", "status",
	"agent_id", "output", "structured_output", "confidence", "stake_amount",
	"taken_at", "expire_at", "completed_at", "created_at",
}

// slotColumns returns the slot column list, optionally qualified by alias.
func slotColumns(alias string) string {
	if alias == "" {
		return strings.Join(slotColumnNames, ", ")
	}
	cols := make([]string, len(slotColumnNames))
	for i, c := range slotColumnNames {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSlot(row rowScanner) (*Slot, error) {
	s := &Slot{}
	var structured sql.NullString
	var confidence sql.NullFloat64
	err := row.Scan(&s.ID, &s.Seq, &s.ClaimID, &s.ProtocolName, &s.Layer, &s.Round,
		&s.SlotType, &s.Role, &s.Status, &s.AgentID, &s.Output, &structured, &confidence,
		&s.StakeAmount, &s.TakenAt, &s.ExpireAt, &s.CompletedAt, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	if structured.Valid {
		s.StructuredOutput = []byte(structured.String)
	}
	if confidence.Valid {
		c := confidence.Float64
		s.Confidence = &c
	}
	return s, nil
}

func (t *Tx) querySlots(what, query string, args ...any) ([]Slot, error) {
	rows, err := t.tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	defer rows.Close()

	var slots []Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		slots = append(slots, *s)
	}
	return slots, rows.Err()
}

// InsertSlots appends a batch of slots. Seq is filled in from the insert.
func (t *Tx) InsertSlots(slots []Slot) error {
	for i := range slots {
		s := &slots[i]
		res, err := t.tx.Exec(
			`INSERT INTO slots (id, claim_id, protocol_name, layer, round, slot_type, role, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.ID, s.ClaimID, s.ProtocolName, s.Layer, s.Round, s.SlotType, s.Role, s.Status, s.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert slot: %w", err)
		}
		if s.Seq, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("insert slot seq: %w", err)
		}
	}
	return nil
}

// GetSlot retrieves a slot by ID.
func (t *Tx) GetSlot(id string) (*Slot, error) {
	s, err := scanSlot(t.tx.QueryRow(`SELECT `+slotColumns("")+` FROM slots WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get slot: %w", err)
	}
	return s, nil
}

// ListLayerSlots returns the slots of one phase of a layer in insertion order.
func (t *Tx) ListLayerSlots(claimID string, layer, round int, slotType string) ([]Slot, error) {
	return t.querySlots("list layer slots",
		`SELECT `+slotColumns("")+` FROM slots
		 WHERE claim_id = ? AND layer = ? AND round = ? AND slot_type = ?
		 ORDER BY seq`,
		claimID, layer, round, slotType,
	)
}

// ListClaimSlots returns every slot of a claim in insertion order.
func (t *Tx) ListClaimSlots(claimID string) ([]Slot, error) {
	return t.querySlots("list claim slots",
		`SELECT `+slotColumns("")+` FROM slots WHERE claim_id = ? ORDER BY seq`, claimID,
	)
}

// ListPriorDoneSlots returns the finished slots of a protocol's earlier layers.
func (t *Tx) ListPriorDoneSlots(claimID, protocolName string, beforeLayer int) ([]Slot, error) {
	return t.querySlots("list prior slots",
		`SELECT `+slotColumns("")+` FROM slots
		 WHERE claim_id = ? AND protocol_name = ? AND layer < ? AND status = 'done'
		 ORDER BY layer, seq`,
		claimID, protocolName, beforeLayer,
	)
}

// TakeSlot moves an open slot to taken. It reports false when the slot was
// not open, which makes concurrent takes of one slot exactly-once.
func (t *Tx) TakeSlot(id, agentID string, takenAt, expireAt int64) (bool, error) {
	res, err := t.tx.Exec(
		`UPDATE slots SET status = 'taken', agent_id = ?, taken_at = ?, expire_at = ?
		 WHERE id = ? AND status = 'open'`,
		agentID, takenAt, expireAt, id,
	)
	if err != nil {
		return false, fmt.Errorf("take slot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("take slot rows affected: %w", err)
	}
	return n == 1, nil
}

// AgentOccupies reports whether the agent holds or has finished a slot of the
// given phase of a layer.
func (t *Tx) AgentOccupies(claimID string, layer, round int, slotType, agentID string) (bool, error) {
	var n int
	err := t.tx.QueryRow(
		`SELECT COUNT(*) FROM slots
		 WHERE claim_id = ? AND layer = ? AND round = ? AND slot_type = ? AND agent_id = ?
		 AND status IN ('taken', 'done')`,
		claimID, layer, round, slotType, agentID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("agent occupies: %w", err)
	}
	return n > 0, nil
}

// SetSlotStake records the stake held against a slot.
func (t *Tx) SetSlotStake(id string, amount int64) error {
	if _, err := t.tx.Exec(`UPDATE slots SET stake_amount = ? WHERE id = ?`, amount, id); err != nil {
		return fmt.Errorf("set slot stake: %w", err)
	}
	return nil
}

// CompleteSlot moves a taken slot to done and stores its outputs.
func (t *Tx) CompleteSlot(id, output string, structured []byte, confidence *float64, completedAt int64) error {
	var structuredArg, confidenceArg any
	if structured != nil {
		structuredArg = string(structured)
	}
	if confidence != nil {
		confidenceArg = *confidence
	}
	res, err := t.tx.Exec(
		`UPDATE slots SET status = 'done', output = ?, structured_output = ?, confidence = ?,
		 completed_at = ?, expire_at = 0
		 WHERE id = ? AND status = 'taken'`,
		output, structuredArg, confidenceArg, completedAt, id,
	)
	if err != nil {
		return fmt.Errorf("complete slot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete slot rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("complete slot: %w", sql.ErrNoRows)
	}
	return nil
}

// ReopenSlot reverts a taken slot to open and clears its agent binding, but
// only while its taken_at still equals expectedTakenAt.
func (t *Tx) ReopenSlot(id string, expectedTakenAt int64) (bool, error) {
	res, err := t.tx.Exec(
		`UPDATE slots SET status = 'open', agent_id = '', taken_at = 0, expire_at = 0, stake_amount = 0
		 WHERE id = ? AND status = 'taken' AND taken_at = ?`,
		id, expectedTakenAt,
	)
	if err != nil {
		return false, fmt.Errorf("reopen slot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reopen slot rows affected: %w", err)
	}
	return n == 1, nil
}

// ListTakenByAgent returns every slot currently held by an agent.
func (t *Tx) ListTakenByAgent(agentID string) ([]Slot, error) {
	return t.querySlots("list taken by agent",
		`SELECT `+slotColumns("")+` FROM slots WHERE agent_id = ? AND status = 'taken' ORDER BY seq`,
		agentID,
	)
}

// ListDueSlots returns taken slots whose expiry is at or before nowMs.
func (t *Tx) ListDueSlots(nowMs int64, limit int) ([]Slot, error) {
	return t.querySlots("list due slots",
		`SELECT `+slotColumns("")+` FROM slots
		 WHERE status = 'taken' AND expire_at > 0 AND expire_at <= ?
		 ORDER BY expire_at LIMIT ?`,
		nowMs, limit,
	)
}

// ListStakedWorkSlots returns the work slots of a layer that still hold a
// stake. With doneOnly set, only finished slots are returned.
func (t *Tx) ListStakedWorkSlots(claimID string, layer, round int, doneOnly bool) ([]Slot, error) {
	query := `SELECT ` + slotColumns("") + ` FROM slots
		 WHERE claim_id = ? AND layer = ? AND round = ? AND slot_type = 'work' AND stake_amount > 0`
	if doneOnly {
		query += ` AND status = 'done'`
	}
	return t.querySlots("list staked slots", query+` ORDER BY seq`, claimID, layer, round)
}

// OpenSlotFilter narrows FindOpenSlots. Zero values match everything.
type OpenSlotFilter struct {
	Layer          *int
	Role           string
	SlotType       string
	ExcludingAgent string
}

// FindOpenSlots returns open slots that belong to the current phase of an
// active pipeline, oldest pipeline first. Slots left behind by an earlier
// protocol or round never match.
func (t *Tx) FindOpenSlots(f OpenSlotFilter, limit int) ([]Slot, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + slotColumns("s") + ` FROM slots s
		JOIN pipelines p ON p.claim_id = s.claim_id
		WHERE s.status = 'open' AND p.status = 'active'
		AND p.protocol_name = s.protocol_name AND p.round = s.round
		AND p.current_layer = s.layer AND p.current_phase = s.slot_type`)
	var args []any
	if f.Layer != nil {
		b.WriteString(` AND s.layer = ?`)
		args = append(args, *f.Layer)
	}
	if f.Role != "" {
		b.WriteString(` AND s.role = ?`)
		args = append(args, f.Role)
	}
	if f.SlotType != "" {
		b.WriteString(` AND s.slot_type = ?`)
		args = append(args, f.SlotType)
	}
	if f.ExcludingAgent != "" {
		b.WriteString(` AND NOT EXISTS (SELECT 1 FROM slots o
			WHERE o.claim_id = s.claim_id AND o.layer = s.layer AND o.round = s.round
			AND o.slot_type = s.slot_type AND o.agent_id = ? AND o.status IN ('taken', 'done'))`)
		args = append(args, f.ExcludingAgent)
	}
	b.WriteString(` ORDER BY p.created_at, s.seq LIMIT ?`)
	args = append(args, limit)
	return t.querySlots("find open slots", b.String(), args...)
}
