// Package events is the producer side of the bus: application code and model
// lifecycle hooks publish through it.
package events

import (
	"context"
	"fmt"

	"subscription-service/bus"
	"subscription-service/codec"
	"subscription-service/domain"
)

// Publisher encodes values and publishes them on the bus.
type Publisher struct {
	bus   bus.Bus
	codec *codec.Codec
}

func NewPublisher(b bus.Bus, c *codec.Codec) *Publisher {
	return &Publisher{bus: b, codec: c}
}

// Trigger encodes value and publishes it under topic. Anything other than a
// domain.Event travels as a custom event.
func (p *Publisher) Trigger(ctx context.Context, topic string, value any) error {
	if topic == "" {
		return fmt.Errorf("trigger: empty topic")
	}
	ev, ok := value.(domain.Event)
	if !ok {
		ev = domain.NewCustomEvent(value)
	}
	data, err := p.codec.EncodeEvent(ev)
	if err != nil {
		return fmt.Errorf("trigger %s: %w", topic, err)
	}
	if err := p.bus.Publish(ctx, topic, data); err != nil {
		return fmt.Errorf("trigger %s: %w", topic, err)
	}
	return nil
}
