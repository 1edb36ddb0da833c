package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ssd-technologies/prism/internal/events"
	"github.com/ssd-technologies/prism/internal/storage"
)

// Webhook posts JSON notifications to an HTTP endpoint. When Secret is set
// each request is signed with SignRequest.
type Webhook struct {
	URL    string
	Secret string
	Client *http.Client
}

// NewWebhook creates a webhook sink posting to url.
func NewWebhook(url, secret string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{URL: url, Secret: secret, Client: &http.Client{Timeout: timeout}}
}

// webhookBody is the JSON document posted for every notification.
type webhookBody struct {
	Type  string        `json:"type"`
	Event *events.Event `json:"event,omitempty"`
	// Set for commit notifications.
	ClaimID string `json:"claim_id,omitempty"`
	Hash    string `json:"hash,omitempty"`
}

func (w *Webhook) post(ctx context.Context, body webhookBody) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal webhook body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Secret != "" {
		SignRequest(req, w.Secret, data)
	}

	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook %s returned %d", w.URL, resp.StatusCode)
	}
	return nil
}

func (w *Webhook) notify(ctx context.Context, ev storage.OutboxEvent) error {
	e := events.FromOutbox(ev)
	return w.post(ctx, webhookBody{Type: ev.Kind, Event: &e})
}

func (w *Webhook) OnSlotDone(ctx context.Context, ev storage.OutboxEvent) error {
	return w.notify(ctx, ev)
}

func (w *Webhook) OnLayerPass(ctx context.Context, ev storage.OutboxEvent) error {
	return w.notify(ctx, ev)
}

func (w *Webhook) OnPipelineComplete(ctx context.Context, ev storage.OutboxEvent) error {
	return w.notify(ctx, ev)
}

func (w *Webhook) CommitPipelineHash(ctx context.Context, claimID, hash string) error {
	return w.post(ctx, webhookBody{Type: storage.EventCommitHash, ClaimID: claimID, Hash: hash})
}

// LogSink records notifications in the log. It stands in for the reward
// service and the chain committer when no endpoint is configured.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink creates a log-only sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{log: logger}
}

func (s *LogSink) notify(ev storage.OutboxEvent) error {
	s.log.Info("pipeline notification",
		zap.String("kind", ev.Kind),
		zap.String("claim", ev.ClaimID),
		zap.Int("layer", ev.Layer),
		zap.String("agent", ev.AgentID),
		zap.ByteString("payload", ev.Payload))
	return nil
}

func (s *LogSink) OnSlotDone(_ context.Context, ev storage.OutboxEvent) error {
	return s.notify(ev)
}

func (s *LogSink) OnLayerPass(_ context.Context, ev storage.OutboxEvent) error {
	return s.notify(ev)
}

func (s *LogSink) OnPipelineComplete(_ context.Context, ev storage.OutboxEvent) error {
	return s.notify(ev)
}

func (s *LogSink) CommitPipelineHash(_ context.Context, claimID, hash string) error {
	s.log.Info("pipeline hash commit", zap.String("claim", claimID), zap.String("hash", hash))
	return nil
}
