package pipeline

import (
	"fmt"

	"github.com/ssd-technologies/prism/internal/storage"
)

// StakeLedger holds collateral against work slots. Deduct runs when a work
// slot is taken; the stake is returned when the layer passes and burned when
// it is flagged.
type StakeLedger struct {
	amount int64
}

// NewStakeLedger returns a ledger that holds amount per work slot.
func NewStakeLedger(amount int64) *StakeLedger {
	return &StakeLedger{amount: amount}
}

// Amount is the stake held per work slot.
func (l *StakeLedger) Amount() int64 {
	return l.amount
}

// Deduct takes the stake from the agent's balance and returns the amount held.
func (l *StakeLedger) Deduct(tx *storage.Tx, agentID string) (int64, error) {
	if l.amount <= 0 {
		return 0, nil
	}
	ok, err := tx.DeductBalance(agentID, l.amount)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errorf(CodeInsufficientStake, "balance below stake of %d", l.amount)
	}
	return l.amount, nil
}

// ReleaseForLayer credits every finished work slot's stake back to its agent
// and zeroes the slot's stake, so a second call releases nothing.
func (l *StakeLedger) ReleaseForLayer(tx *storage.Tx, claimID string, layer, round int) (int64, error) {
	slots, err := tx.ListStakedWorkSlots(claimID, layer, round, true)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, s := range slots {
		if err := tx.CreditBalance(s.AgentID, s.StakeAmount); err != nil {
			return 0, fmt.Errorf("release stake of slot %s: %w", s.ID, err)
		}
		if err := tx.SetSlotStake(s.ID, 0); err != nil {
			return 0, err
		}
		total += s.StakeAmount
	}
	return total, nil
}

// BurnForLayer zeroes the stake of every work slot of the layer without
// crediting anyone. It returns the amount burned.
func (l *StakeLedger) BurnForLayer(tx *storage.Tx, claimID string, layer, round int) (int64, error) {
	slots, err := tx.ListStakedWorkSlots(claimID, layer, round, false)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, s := range slots {
		if err := tx.SetSlotStake(s.ID, 0); err != nil {
			return 0, err
		}
		total += s.StakeAmount
	}
	return total, nil
}
