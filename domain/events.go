package domain

import (
	"errors"
	"fmt"
)

// Operation tags what happened to the payload of an Event.
type Operation string

const (
	Created Operation = "created"
	Updated Operation = "updated"
	Deleted Operation = "deleted"
	Custom  Operation = "custom"
)

var ErrUnknownOperation = errors.New("unknown operation")

// ParseOperation validates a wire operation tag.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(s); op {
	case Created, Updated, Deleted, Custom:
		return op, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOperation, s)
	}
}

// Event is the unit of change notification carried over the bus.
type Event struct {
	Operation Operation
	Payload   any
}

// NewCustomEvent wraps an application value that is not a model change.
func NewCustomEvent(v any) Event {
	return Event{Operation: Custom, Payload: v}
}

// Model returns the payload as a Model when it is one.
func (e Event) Model() (Model, bool) {
	m, ok := e.Payload.(Model)
	return m, ok
}
