package alerts

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"cattlesense/shared/models"
)

// Publisher hands committed alerts to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, alert *models.Alert) error
}

// NopPublisher drops every alert.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, *models.Alert) error { return nil }

// StreamPublisher appends alerts to a Redis stream. Entries carry the alert
// id, type, severity and farmer as flat fields plus the full alert as JSON.
type StreamPublisher struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

func NewStreamPublisher(client redis.UniversalClient, stream string, maxLen int64) *StreamPublisher {
	return &StreamPublisher{client: client, stream: stream, maxLen: maxLen}
}

func (p *StreamPublisher) Publish(ctx context.Context, alert *models.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to encode alert %s: %w", alert.ID, err)
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"alert_id":  alert.ID,
			"type":      string(alert.Type),
			"severity":  string(alert.Severity),
			"farmer_id": alert.FarmerID,
			"payload":   string(body),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish alert %s to %s: %w", alert.ID, p.stream, err)
	}
	return nil
}
