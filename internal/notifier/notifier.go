// Package notifier reports operation outcomes to the owner. Delivery is
// best-effort: a failed dispatch never rolls back or retries the operation.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"rebalancer/internal/config"
)

// Event types dispatched by the pipeline.
const (
	EventCompleted        = "operation.completed"
	EventFailed           = "operation.failed"
	EventPartial          = "operation.partial"
	EventCancelled        = "operation.cancelled"
	EventAwaitingApproval = "operation.awaiting_approval"
)

type Event struct {
	OperationID  uint64   `json:"operation_id"`
	OperationRef string   `json:"operation_ref"`
	Owner        string   `json:"owner"`
	EventType    string   `json:"event_type"`
	Channels     []string `json:"channels"`
}

type Dispatcher interface {
	Dispatch(ctx context.Context, event Event) error
}

// Noop swallows events; used when no webhook is configured.
type Noop struct{}

func (Noop) Dispatch(context.Context, Event) error { return nil }

// Webhook posts each event as JSON to a single configured endpoint.
type Webhook struct {
	url      string
	channels []string
	client   *http.Client
	logger   *zap.Logger
}

func NewWebhook(cfg config.NotifierConfig, logger *zap.Logger) Dispatcher {
	if cfg.WebhookURL == "" {
		return Noop{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Webhook{
		url:      cfg.WebhookURL,
		channels: cfg.Channels,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

func (w *Webhook) Dispatch(ctx context.Context, event Event) error {
	if len(event.Channels) == 0 {
		event.Channels = w.channels
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		if w.logger != nil {
			w.logger.Warn("notification dispatch failed",
				zap.Uint64("operation_id", event.OperationID),
				zap.Error(err))
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		err = fmt.Errorf("webhook returned %d", resp.StatusCode)
		if w.logger != nil {
			w.logger.Warn("notification rejected",
				zap.Uint64("operation_id", event.OperationID),
				zap.Int("status", resp.StatusCode))
		}
		return err
	}
	return nil
}
