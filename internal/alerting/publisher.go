// Package alerting delivers alert-created events to downstream consumers.
// Delivery is best effort: a failed publish is logged and dropped, it never
// rolls back the alert row that triggered it.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// CreatedChannel is the redis pub/sub channel alert-created events go to.
const CreatedChannel = "shelfwatch.alerts.created"

// Event is the wire form of an alert-created notification.
type Event struct {
	AlertID   int64            `json:"alert_id"`
	EntityID  string           `json:"entity_id"`
	Kind      string           `json:"kind"`
	Severity  string           `json:"severity"`
	AlertDate time.Time        `json:"alert_date"`
	ChangePct *decimal.Decimal `json:"change_pct,omitempty"`
	Threshold decimal.Decimal  `json:"threshold"`
	Message   string           `json:"message"`
	CreatedAt time.Time        `json:"created_at"`
}

// Publisher delivers alert-created events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NopPublisher drops everything. Used when alerting is disabled.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// RedisPublisher fans events out over redis pub/sub.
type RedisPublisher struct {
	client  *goredis.Client
	channel string
	logger  zerolog.Logger
}

// NewRedisPublisher wraps an existing client. An empty channel falls back
// to CreatedChannel.
func NewRedisPublisher(client *goredis.Client, channel string, logger zerolog.Logger) *RedisPublisher {
	if channel == "" {
		channel = CreatedChannel
	}
	return &RedisPublisher{
		client:  client,
		channel: channel,
		logger:  logger.With().Str("component", "alert_redis").Logger(),
	}
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal alert event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, body).Err(); err != nil {
		return fmt.Errorf("publish alert event: %w", err)
	}
	p.logger.Debug().
		Int64("alert_id", event.AlertID).
		Str("entity", event.EntityID).
		Str("kind", event.Kind).
		Msg("alert event published")
	return nil
}

// WebhookPublisher POSTs events as JSON to a configured endpoint.
type WebhookPublisher struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

func NewWebhookPublisher(url string, timeout time.Duration, logger zerolog.Logger) *WebhookPublisher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookPublisher{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "alert_webhook").Logger(),
	}
}

func (p *WebhookPublisher) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal alert event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	p.logger.Debug().
		Int64("alert_id", event.AlertID).
		Str("entity", event.EntityID).
		Str("kind", event.Kind).
		Msg("alert event delivered")
	return nil
}

// FanoutPublisher delivers to every sink, collecting the first error.
type FanoutPublisher struct {
	sinks []Publisher
}

func NewFanoutPublisher(sinks ...Publisher) *FanoutPublisher {
	return &FanoutPublisher{sinks: sinks}
}

func (p *FanoutPublisher) Publish(ctx context.Context, event Event) error {
	var first error
	for _, sink := range p.sinks {
		if err := sink.Publish(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var (
	_ Publisher = NopPublisher{}
	_ Publisher = (*RedisPublisher)(nil)
	_ Publisher = (*WebhookPublisher)(nil)
	_ Publisher = (*FanoutPublisher)(nil)
)
