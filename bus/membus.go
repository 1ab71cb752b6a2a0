package bus

import (
	"context"
	"sync"
)

// MemBusConfig configures an in-memory bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the mailbox size per subscription (default: 256).
	SubscriberBufferSize int
}

// MemBus is a process-local Bus.
type MemBus struct {
	mu      sync.RWMutex
	subs    map[string][]*memSub
	bufSize int
	closed  bool
}

// NewMemBus creates an in-memory bus.
func NewMemBus(cfg MemBusConfig) *MemBus {
	return &MemBus{
		subs:    make(map[string][]*memSub),
		bufSize: cfg.SubscriberBufferSize,
	}
}

// Publish hands payload to every subscriber of topic.
func (b *MemBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	for _, sub := range b.subs[topic] {
		sub.d.send(payload)
	}
	return nil
}

// Subscribe registers h for topic.
func (b *MemBus) Subscribe(_ context.Context, topic string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	sub := &memSub{bus: b, d: newDelivery(topic, h, b.bufSize)}
	b.subs[topic] = append(b.subs[topic], sub)
	return sub, nil
}

// Subscribers reports how many subscriptions topic currently has.
func (b *MemBus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close shuts the bus down and closes every subscription.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for topic, subs := range b.subs {
		for _, sub := range subs {
			sub.d.close()
		}
		delete(b.subs, topic)
	}
	return nil
}

func (b *MemBus) remove(sub *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sub.d.topic]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, sub.d.topic)
	} else {
		b.subs[sub.d.topic] = subs
	}
}

type memSub struct {
	bus *MemBus
	d   *delivery
}

func (s *memSub) Topic() string { return s.d.topic }

func (s *memSub) Close() error {
	if s.d.close() {
		s.bus.remove(s)
	}
	return nil
}

var _ Bus = (*MemBus)(nil)
var _ Subscription = (*memSub)(nil)
