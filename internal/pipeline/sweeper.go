package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ssd-technologies/prism/internal/storage"
)

// Sweeper reopens taken slots whose expiry has passed.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	batch    int
	log      *zap.Logger
}

// NewSweeper creates a sweeper that checks every interval, expiring at most
// batch slots per pass.
func NewSweeper(engine *Engine, interval time.Duration, batch int, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{engine: engine, interval: interval, batch: batch, log: logger}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.SweepOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.log.Error("sweep expired slots", zap.Error(err))
				continue
			}
			if n > 0 {
				s.log.Info("expired slots reopened", zap.Int("count", n))
			}
		}
	}
}

// SweepOnce expires every due slot and returns how many were reopened. Each
// slot is expired in its own transaction, guarded by the taken_at it was
// due for.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	var due []storage.Slot
	err := s.engine.db.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		due, err = tx.ListDueSlots(s.engine.now().UnixMilli(), s.batch)
		return err
	})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, slot := range due {
		ok, err := s.engine.Expire(ctx, slot.ID, slot.TakenAt)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}
