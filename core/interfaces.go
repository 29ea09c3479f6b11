package core

import "context"

// Publisher is the outbound realtime transport. Delivery is fire-and-forget:
// retry, backpressure and acknowledgement are the publisher's business.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte, isPublic bool) error
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(ctx context.Context, channel string, payload []byte, isPublic bool) error

// Publish implements Publisher
func (f PublisherFunc) Publish(ctx context.Context, channel string, payload []byte, isPublic bool) error {
	return f(ctx, channel, payload, isPublic)
}
