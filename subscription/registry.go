// Package subscription holds the per-connection map of topic streams. Each
// websocket session owns exactly one Registry; nothing in it is shared with
// other connections.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"subscription-service/bus"
	"subscription-service/codec"
	"subscription-service/stream"
)

var ErrClosed = errors.New("subscription registry closed")

// Registry maps topics to the streams a single connection listens on.
type Registry struct {
	id     string
	bus    bus.Bus
	codec  *codec.Codec
	logger *log.Entry

	mu     sync.RWMutex
	topics map[string]*topic
	closed bool
}

// topic is one registered topic. ready is closed once the bus registration
// finished; err is set before that when it failed.
type topic struct {
	stream *stream.Stream
	sub    bus.Subscription
	ready  chan struct{}
	err    error
}

// New creates an empty registry for one connection.
func New(b bus.Bus, c *codec.Codec, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.StandardLogger()
	}
	id := uuid.NewString()
	return &Registry{
		id:     id,
		bus:    b,
		codec:  c,
		logger: logger.WithField("connection", id),
		topics: make(map[string]*topic),
	}
}

// ID identifies the owning connection in logs.
func (r *Registry) ID() string { return r.id }

// Subscribe returns the stream for name, registering with the bus on first
// use. The bus registration is in place before Subscribe returns. It runs
// without holding the registry lock, so deliveries for other topics go on
// meanwhile; concurrent callers for the same topic wait for it.
func (r *Registry) Subscribe(ctx context.Context, name string) (*stream.Stream, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if t, ok := r.topics[name]; ok {
		r.mu.Unlock()
		select {
		case <-t.ready:
			if t.err != nil {
				return nil, t.err
			}
			return t.stream, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	t := &topic{stream: stream.New(), ready: make(chan struct{})}
	r.topics[name] = t
	r.mu.Unlock()

	sub, err := r.bus.Subscribe(ctx, name, r.Deliver)

	r.mu.Lock()
	closed := r.closed
	switch {
	case err != nil:
		t.err = fmt.Errorf("subscribe %s: %w", name, err)
		if r.topics[name] == t {
			delete(r.topics, name)
		}
	case closed:
		t.err = ErrClosed
	default:
		t.sub = sub
	}
	r.mu.Unlock()
	close(t.ready)

	if err == nil && closed {
		// Close ran while the bus registration was in flight
		_ = sub.Close()
	}
	if t.err != nil {
		return nil, t.err
	}
	r.logger.WithField("topic", name).Debug("topic registered")
	return t.stream, nil
}

// Deliver is the bus handler. Messages for topics this connection does not
// listen on are dropped, as are payloads that fail to decode.
func (r *Registry) Deliver(name string, payload []byte) {
	r.mu.RLock()
	t, ok := r.topics[name]
	r.mu.RUnlock()
	if !ok {
		return
	}
	ev, err := r.codec.DecodeEvent(payload)
	if err != nil {
		r.logger.WithError(err).WithField("topic", name).Warn("dropping undecodable event")
		return
	}
	t.stream.Push(ev)
}

// Topics lists the topics currently registered, sorted.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.topics))
	for name := range r.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close deregisters every topic from the bus. Registrations still in flight
// are undone by their Subscribe call. Calling it again is a no-op.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	topics := r.topics
	r.topics = make(map[string]*topic)
	subs := make(map[string]bus.Subscription, len(topics))
	for name, t := range topics {
		if t.sub != nil {
			subs[name] = t.sub
		}
	}
	r.mu.Unlock()

	var errs []error
	for name, sub := range subs {
		if err := sub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	r.logger.WithField("topics", len(subs)).Debug("registry closed")
	return errors.Join(errs...)
}

type ctxKey struct{}

// WithRegistry binds r to ctx so resolvers can reach it.
func WithRegistry(ctx context.Context, r *Registry) context.Context {
	return context.WithValue(ctx, ctxKey{}, r)
}

// FromContext returns the registry bound to ctx, or nil.
func FromContext(ctx context.Context) *Registry {
	r, _ := ctx.Value(ctxKey{}).(*Registry)
	return r
}
