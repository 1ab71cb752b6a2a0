package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"subscription-service/domain"
)

// ErrInvalidTrigger marks a request that can never be published as sent.
var ErrInvalidTrigger = errors.New("invalid trigger")

// Request is the wire form of a trigger coming from outside the process.
// Operation is optional; without it the value travels as a custom event.
type Request struct {
	Topic     string          `json:"topic"`
	Operation string          `json:"operation,omitempty"`
	Value     json.RawMessage `json:"value"`
}

// TriggerRequest decodes req.Value with the publisher's codec and publishes it.
// Decoding problems are wrapped in ErrInvalidTrigger.
func (p *Publisher) TriggerRequest(ctx context.Context, req Request) error {
	if req.Topic == "" {
		return fmt.Errorf("%w: missing topic", ErrInvalidTrigger)
	}
	var value any
	if len(req.Value) > 0 {
		v, err := p.codec.Decode(req.Value)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
		}
		value = v
	}
	if req.Operation != "" {
		op, err := domain.ParseOperation(req.Operation)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
		}
		value = domain.Event{Operation: op, Payload: value}
	}
	return p.Trigger(ctx, req.Topic, value)
}
