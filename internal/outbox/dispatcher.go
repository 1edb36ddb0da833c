// Package outbox delivers pipeline notifications written to the outbox table
// to the reward service, the chain committer and websocket subscribers.
//
// Delivery is at-least-once: a failed event is retried with exponential
// backoff until it succeeds or runs out of attempts. Failures never reach the
// transaction that wrote the event.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ssd-technologies/prism/internal/events"
	"github.com/ssd-technologies/prism/internal/metrics"
	"github.com/ssd-technologies/prism/internal/storage"
)

// RewardService is notified of slot, layer and pipeline completions.
type RewardService interface {
	OnSlotDone(ctx context.Context, ev storage.OutboxEvent) error
	OnLayerPass(ctx context.Context, ev storage.OutboxEvent) error
	OnPipelineComplete(ctx context.Context, ev storage.OutboxEvent) error
}

// ChainCommitter records the hash of a completed pipeline.
type ChainCommitter interface {
	CommitPipelineHash(ctx context.Context, claimID, hash string) error
}

// Publisher fans delivered events out to live subscribers.
type Publisher interface {
	Publish(ev events.Event) int
}

// Config tunes the dispatcher.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
}

// Dispatcher polls the outbox and delivers pending events.
type Dispatcher struct {
	store     Store
	reward    RewardService
	committer ChainCommitter
	hub       Publisher
	cfg       Config
	metrics   *metrics.Metrics
	log       *zap.Logger
	now       func() time.Time
}

// New creates a dispatcher. hub and m may be nil.
func New(store Store, reward RewardService, committer ChainCommitter, hub Publisher, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	cfg.setDefaults()
	return &Dispatcher{
		store:     store,
		reward:    reward,
		committer: committer,
		hub:       hub,
		cfg:       cfg,
		metrics:   m,
		log:       logger,
		now:       time.Now,
	}
}

// Run dispatches until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := d.DispatchOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				d.log.Error("dispatch outbox", zap.Error(err))
			}
		}
	}
}

// DispatchOnce delivers one batch of due events and returns how many were
// delivered.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	pending, err := d.store.Pending(ctx, d.now().UnixMilli(), d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("load pending events: %w", err)
	}

	delivered := 0
	for _, ev := range pending {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		if err := d.deliver(ctx, ev); err != nil {
			if err := d.fail(ctx, ev, err); err != nil {
				return delivered, err
			}
			continue
		}
		if err := d.store.MarkDelivered(ctx, ev.ID, d.now().UnixMilli()); err != nil {
			return delivered, fmt.Errorf("mark event %d delivered: %w", ev.ID, err)
		}
		if d.metrics != nil {
			d.metrics.Delivered(ev.Kind)
		}
		if d.hub != nil {
			d.hub.Publish(events.FromOutbox(ev))
		}
		delivered++
	}
	return delivered, nil
}

// deliver routes an event to its sink. Kinds without an external sink only
// reach subscribers.
func (d *Dispatcher) deliver(ctx context.Context, ev storage.OutboxEvent) error {
	switch ev.Kind {
	case storage.EventSlotDone:
		return d.reward.OnSlotDone(ctx, ev)
	case storage.EventLayerPassed:
		return d.reward.OnLayerPass(ctx, ev)
	case storage.EventPipelineComplete:
		return d.reward.OnPipelineComplete(ctx, ev)
	case storage.EventCommitHash:
		var payload struct {
			Hash string `json:"hash"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return fmt.Errorf("decode commit payload: %w", err)
		}
		return d.committer.CommitPipelineHash(ctx, ev.ClaimID, payload.Hash)
	default:
		return nil
	}
}

func (d *Dispatcher) fail(ctx context.Context, ev storage.OutboxEvent, cause error) error {
	attempts := ev.Attempts + 1
	giveUp := attempts >= d.cfg.MaxAttempts
	next := d.now().Add(d.backoff(attempts)).UnixMilli()

	if err := d.store.MarkFailed(ctx, ev.ID, next, cause.Error(), giveUp); err != nil {
		return fmt.Errorf("mark event %d failed: %w", ev.ID, err)
	}
	if d.metrics != nil {
		d.metrics.DeliveryFailed(ev.Kind, giveUp)
	}

	fields := []zap.Field{
		zap.Int64("event", ev.ID),
		zap.String("kind", ev.Kind),
		zap.String("claim", ev.ClaimID),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	}
	if giveUp {
		d.log.Error("outbox event dropped after max attempts", fields...)
	} else {
		d.log.Warn("outbox delivery failed, will retry", fields...)
	}
	return nil
}

// backoff returns the delay before attempt+1: BaseBackoff doubled per
// attempt, capped at MaxBackoff.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= d.cfg.MaxBackoff {
			return d.cfg.MaxBackoff
		}
	}
	return delay
}
