package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxdispense/pkg/circuitbreaker"
	"github.com/drfirst/go-rxdispense/pkg/idempotency"
)

// WebhookConfig configures webhook delivery
type WebhookConfig struct {
	URL     string
	Timeout time.Duration
}

// DefaultWebhookConfig returns sensible defaults
func DefaultWebhookConfig(url string) WebhookConfig {
	return WebhookConfig{URL: url, Timeout: 10 * time.Second}
}

// WebhookDispatcher delivers events as JSON POSTs to a downstream channel
// (email/SMS gateway). It runs inside the notification service, not on the
// request path.
type WebhookDispatcher struct {
	url     string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewWebhookDispatcher creates a dispatcher behind the "notification-webhook"
// breaker
func NewWebhookDispatcher(cfg WebhookConfig, breakers *circuitbreaker.Manager, logger *zap.Logger) (*WebhookDispatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	bcfg := circuitbreaker.DefaultConfig("notification-webhook")
	bcfg.IgnoreErrors = idempotency.IsPermanent
	breaker, err := breakers.GetOrCreate(bcfg.Name, bcfg)
	if err != nil {
		return nil, fmt.Errorf("create breaker: %w", err)
	}
	return &WebhookDispatcher{
		url:     cfg.URL,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		logger:  logger,
	}, nil
}

// Dispatch posts the event. A 4xx response is permanent and will not be
// retried; 5xx and transport errors are retryable.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return idempotency.Permanent(fmt.Errorf("encode event: %w", err))
	}

	_, err = d.breaker.Execute(ctx, func(ctx context.Context) (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
		if err != nil {
			return nil, idempotency.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Event-Type", e.Type)
		req.Header.Set("Idempotency-Key", e.ID)

		resp, err := d.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("post webhook: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil, nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
			return nil, idempotency.Permanent(fmt.Errorf("webhook rejected event: status %d", resp.StatusCode))
		default:
			return nil, fmt.Errorf("webhook unavailable: status %d", resp.StatusCode)
		}
	})
	if err != nil {
		return err
	}

	d.logger.Debug("notification delivered",
		zap.String("event_id", e.ID),
		zap.String("type", e.Type))
	return nil
}
