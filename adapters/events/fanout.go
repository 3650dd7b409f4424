package events

import (
	"context"
	"errors"

	"github.com/layer-3/passkeyd/ports"
)

// Fanout publishes every event to all of its publishers
type Fanout []ports.EventPublisher

// PublishLogout calls every publisher and joins their errors
func (f Fanout) PublishLogout(ctx context.Context, userID string, sessionID string) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.PublishLogout(ctx, userID, sessionID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublisherFunc adapts a function to ports.EventPublisher
type PublisherFunc func(ctx context.Context, userID string, sessionID string) error

func (f PublisherFunc) PublishLogout(ctx context.Context, userID string, sessionID string) error {
	return f(ctx, userID, sessionID)
}

var (
	_ ports.EventPublisher = Fanout(nil)
	_ ports.EventPublisher = PublisherFunc(nil)
)
