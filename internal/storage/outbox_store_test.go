package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutbox_PendingDeliveredFailed(t *testing.T) {
	db := testDB(t)

	inTx(t, db, func(tx *Tx) error {
		for _, kind := range []string{"slot_done", "layer_passed", "pipeline_complete"} {
			require.NoError(t, tx.EnqueueEvent(&OutboxEvent{Kind: kind, ClaimID: "c1", CreatedAt: 100}))
		}

		pending, err := tx.PendingEvents(100, 10)
		require.NoError(t, err)
		require.Len(t, pending, 3)
		assert.Equal(t, "slot_done", pending[0].Kind)
		assert.Equal(t, "{}", string(pending[0].Payload))

		require.NoError(t, tx.MarkEventDelivered(pending[0].ID, 150))
		require.NoError(t, tx.MarkEventFailed(pending[1].ID, 500, "connection refused", false))
		require.NoError(t, tx.MarkEventFailed(pending[2].ID, 500, "bad request", true))

		pending, err = tx.PendingEvents(200, 10)
		require.NoError(t, err)
		assert.Empty(t, pending, "retry not yet due")

		pending, err = tx.PendingEvents(600, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "layer_passed", pending[0].Kind)
		assert.Equal(t, 1, pending[0].Attempts)
		assert.Equal(t, "connection refused", pending[0].LastError)

		all, err := tx.ListClaimEvents("c1")
		require.NoError(t, err)
		assert.Len(t, all, 3)
		return nil
	})
}

func TestOutbox_MarkUnknownEvent(t *testing.T) {
	db := testDB(t)

	inTx(t, db, func(tx *Tx) error {
		err := tx.MarkEventDelivered(42, 1)
		assert.True(t, IsNotFound(err))
		return nil
	})
}
