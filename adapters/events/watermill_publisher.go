package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/layer-3/passkeyd/ports"
)

// DefaultTopic carries logout events between instances
const DefaultTopic = "passkeyd.logout"

// MetadataOrigin names the instance that published an event
const MetadataOrigin = "origin"

// LogoutEvent represents a revoked session
type LogoutEvent struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// WatermillPublisher implements the EventPublisher interface using Watermill
type WatermillPublisher struct {
	publisher message.Publisher
	topic     string
	origin    string
}

// NewWatermillPublisher creates a new Watermill publisher. origin, when set,
// is stamped on every message so the publishing instance can skip its own
// events when relaying.
func NewWatermillPublisher(publisher message.Publisher, topic, origin string) ports.EventPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &WatermillPublisher{
		publisher: publisher,
		topic:     topic,
		origin:    origin,
	}
}

// PublishLogout publishes a logout event
func (p *WatermillPublisher) PublishLogout(ctx context.Context, userID string, sessionID string) error {
	event := LogoutEvent{
		UserID:    userID,
		SessionID: sessionID,
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	if p.origin != "" {
		msg.Metadata.Set(MetadataOrigin, p.origin)
	}

	if err := p.publisher.Publish(p.topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}
