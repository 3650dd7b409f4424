package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/layer-3/passkeyd/ports"
)

// Relay consumes logout events from topic and hands them to target until
// ctx is done. It lets every instance notify its own realtime clients.
// Events stamped with skipOrigin were already delivered locally and are
// only acknowledged.
func Relay(ctx context.Context, sub message.Subscriber, topic, skipOrigin string, target ports.EventPublisher, logger *slog.Logger) error {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = slog.Default()
	}

	messages, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}

			if skipOrigin != "" && msg.Metadata.Get(MetadataOrigin) == skipOrigin {
				msg.Ack()
				continue
			}

			var event LogoutEvent
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				logger.Warn("dropping malformed logout event", "message_id", msg.UUID, "error", err)
				msg.Ack()
				continue
			}

			if err := target.PublishLogout(ctx, event.UserID, event.SessionID); err != nil {
				logger.Warn("failed to relay logout event", "session_id", event.SessionID, "error", err)
			}
			msg.Ack()
		}
	}
}
