// Package bus provides event bus implementations for riskscore.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/riskscore/internal/domain"
)

// New creates a new event bus based on configuration.
// For Community tier: returns ChannelBus.
// For Pro tier: returns NATSBus.
func New(cfg domain.EventBusConfig, logger *slog.Logger) (domain.EventBus, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize, logger), nil

	case "nats":
		return NewNATSBus(cfg, logger)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// PublishJSON marshals v and publishes it to topic.
func PublishJSON(ctx context.Context, b domain.EventBus, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", topic, err)
	}
	return b.Publish(ctx, topic, payload)
}

// Reply answers a request message. Messages without a reply address are ignored.
func Reply(ctx context.Context, b domain.EventBus, msg *domain.Message, v any) error {
	if msg.ReplyTo == "" {
		return nil
	}
	return PublishJSON(ctx, b, msg.ReplyTo, v)
}
