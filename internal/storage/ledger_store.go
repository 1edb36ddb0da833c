package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// DeductBalance subtracts amount from the agent's balance if it covers the
// amount. It reports false, leaving the balance untouched, otherwise.
func (t *Tx) DeductBalance(agentID string, amount int64) (bool, error) {
	res, err := t.tx.Exec(
		`UPDATE balances SET amount = amount - ?, updated_at = ?
		 WHERE agent_id = ? AND amount >= ?`,
		amount, time.Now().Unix(), agentID, amount,
	)
	if err != nil {
		return false, fmt.Errorf("deduct balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deduct balance rows affected: %w", err)
	}
	return n == 1, nil
}

// CreditBalance adds amount to the agent's balance, creating the row if
// needed.
func (t *Tx) CreditBalance(agentID string, amount int64) error {
	_, err := t.tx.Exec(
		`INSERT INTO balances (agent_id, amount, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET amount = amount + excluded.amount, updated_at = excluded.updated_at`,
		agentID, amount, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	return nil
}

// GrantInitialBalance seeds a balance for an agent seen for the first time.
// It reports whether the grant was applied.
func (t *Tx) GrantInitialBalance(agentID string, amount int64) (bool, error) {
	res, err := t.tx.Exec(
		`INSERT INTO balances (agent_id, amount, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(agent_id) DO NOTHING`,
		agentID, amount, time.Now().Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("grant balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("grant balance rows affected: %w", err)
	}
	return n == 1, nil
}

// GetBalance returns the agent's balance. Unknown agents have a zero balance.
func (t *Tx) GetBalance(agentID string) (int64, error) {
	var amount int64
	err := t.tx.QueryRow(`SELECT amount FROM balances WHERE agent_id = ?`, agentID).Scan(&amount)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return amount, nil
}
