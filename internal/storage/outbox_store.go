package storage

import (
	"database/sql"
	"fmt"
)

// EnqueueEvent appends an outbox event ready for immediate delivery.
func (t *Tx) EnqueueEvent(e *OutboxEvent) error {
	payload := e.Payload
	if payload == nil {
		payload = []byte("{}")
	}
	if e.NextAttemptAt == 0 {
		e.NextAttemptAt = e.CreatedAt
	}
	res, err := t.tx.Exec(
		`INSERT INTO outbox (kind, claim_id, layer, agent_id, slot_id, payload, next_attempt_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Kind, e.ClaimID, e.Layer, e.AgentID, e.SlotID, string(payload), e.NextAttemptAt, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue event: %w", err)
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("enqueue event id: %w", err)
	}
	return nil
}

// PendingEvents returns undelivered events due at or before nowMs, oldest
// first.
func (t *Tx) PendingEvents(nowMs int64, limit int) ([]OutboxEvent, error) {
	rows, err := t.tx.Query(
		`SELECT id, kind, claim_id, layer, agent_id, slot_id, payload, attempts, next_attempt_at,
		 delivered_at, last_error, created_at
		 FROM outbox WHERE delivered_at = 0 AND failed = 0 AND next_attempt_at <= ?
		 ORDER BY id LIMIT ?`,
		nowMs, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("pending events: %w", err)
	}
	defer rows.Close()

	var events []OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		var payload string
		if err := rows.Scan(&e.ID, &e.Kind, &e.ClaimID, &e.Layer, &e.AgentID, &e.SlotID, &payload,
			&e.Attempts, &e.NextAttemptAt, &e.DeliveredAt, &e.LastError, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Payload = []byte(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// MarkEventDelivered records a successful delivery.
func (t *Tx) MarkEventDelivered(id, nowMs int64) error {
	return t.execOne("mark event delivered",
		`UPDATE outbox SET delivered_at = ?, attempts = attempts + 1, last_error = '' WHERE id = ?`,
		nowMs, id)
}

// MarkEventFailed records a failed delivery. When giveUp is set the event is
// parked and no longer returned by PendingEvents.
func (t *Tx) MarkEventFailed(id int64, nextAttemptAt int64, lastErr string, giveUp bool) error {
	return t.execOne("mark event failed",
		`UPDATE outbox SET attempts = attempts + 1, next_attempt_at = ?, last_error = ?, failed = ?
		 WHERE id = ?`,
		nextAttemptAt, lastErr, boolToInt(giveUp), id)
}

// ListClaimEvents returns every outbox event of a claim, oldest first.
func (t *Tx) ListClaimEvents(claimID string) ([]OutboxEvent, error) {
	rows, err := t.tx.Query(
		`SELECT id, kind, claim_id, layer, agent_id, slot_id, payload, attempts, next_attempt_at,
		 delivered_at, last_error, created_at
		 FROM outbox WHERE claim_id = ? ORDER BY id`, claimID,
	)
	if err != nil {
		return nil, fmt.Errorf("list claim events: %w", err)
	}
	defer rows.Close()

	var events []OutboxEvent
	for rows.Next() {
		var e OutboxEvent
		var payload string
		if err := rows.Scan(&e.ID, &e.Kind, &e.ClaimID, &e.Layer, &e.AgentID, &e.SlotID, &payload,
			&e.Attempts, &e.NextAttemptAt, &e.DeliveredAt, &e.LastError, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Payload = []byte(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (t *Tx) execOne(what, query string, args ...any) error {
	res, err := t.tx.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, sql.ErrNoRows)
	}
	return nil
}
