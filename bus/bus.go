// Package bus is the topic-addressed broadcast layer between event producers
// and the per-connection subscription registries. Delivery is asynchronous,
// best-effort and at-most-once.
package bus

import (
	"context"
	"errors"
)

// Handler is invoked for every message published on a subscribed topic.
type Handler func(topic string, payload []byte)

// Bus distributes published payloads to every handler subscribed to the topic.
type Bus interface {
	// Publish sends payload to every subscriber of topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers h for topic. The returned Subscription must be
	// closed when done.
	Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription is one handler registration on a topic.
type Subscription interface {
	Topic() string

	// Close unsubscribes. Closing twice, or after the bus closed, is a no-op.
	Close() error
}

var ErrClosed = errors.New("bus closed")

const defaultBufferSize = 256
