package outbox

import (
	"context"

	"github.com/ssd-technologies/prism/internal/storage"
)

// Store is the persistence the dispatcher needs.
type Store interface {
	Pending(ctx context.Context, nowMs int64, limit int) ([]storage.OutboxEvent, error)
	MarkDelivered(ctx context.Context, id, nowMs int64) error
	MarkFailed(ctx context.Context, id, nextAttemptAt int64, lastErr string, giveUp bool) error
}

// DBStore is a Store over the pipeline database. Each call is its own
// transaction, so a slow sink never holds the database.
type DBStore struct {
	db *storage.DB
}

// NewDBStore returns a Store backed by db.
func NewDBStore(db *storage.DB) *DBStore {
	return &DBStore{db: db}
}

func (s *DBStore) Pending(ctx context.Context, nowMs int64, limit int) ([]storage.OutboxEvent, error) {
	var events []storage.OutboxEvent
	err := s.db.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		events, err = tx.PendingEvents(nowMs, limit)
		return err
	})
	return events, err
}

func (s *DBStore) MarkDelivered(ctx context.Context, id, nowMs int64) error {
	return s.db.WithTx(ctx, func(tx *storage.Tx) error {
		return tx.MarkEventDelivered(id, nowMs)
	})
}

func (s *DBStore) MarkFailed(ctx context.Context, id, nextAttemptAt int64, lastErr string, giveUp bool) error {
	return s.db.WithTx(ctx, func(tx *storage.Tx) error {
		return tx.MarkEventFailed(id, nextAttemptAt, lastErr, giveUp)
	})
}
