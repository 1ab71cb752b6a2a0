package subscription

import (
	"context"
	"errors"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"subscription-service/bus"
	"subscription-service/codec"
	"subscription-service/domain"
	"subscription-service/stream"
)

func newRegistry(t *testing.T) (*Registry, *bus.MemBus, *codec.Codec) {
	t.Helper()
	b := bus.NewMemBus(bus.MemBusConfig{})
	t.Cleanup(func() { b.Close() })
	c := codec.New(func() domain.Model { return &domain.SomeModel{} })
	r := New(b, c, nil)
	t.Cleanup(func() { r.Close() })
	return r, b, c
}

func publish(t *testing.T, b bus.Bus, c *codec.Codec, topic string, ev domain.Event) {
	t.Helper()
	data, err := c.EncodeEvent(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := b.Publish(context.Background(), topic, data); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func observe(s *stream.Stream) (<-chan domain.Event, stream.Disposer) {
	ch := make(chan domain.Event, 8)
	dispose := s.Subscribe(stream.Observer{Next: func(v any) { ch <- v.(domain.Event) }})
	return ch, dispose
}

func TestSubscribeIsIdempotent(t *testing.T) {
	r, b, c := newRegistry(t)
	ctx := context.Background()

	s1, err := r.Subscribe(ctx, "someModelCreated")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	s2, err := r.Subscribe(ctx, "someModelCreated")
	if err != nil {
		t.Fatalf("subscribe again: %v", err)
	}
	if s1 != s2 {
		t.Fatalf("expected the same stream")
	}
	if n := b.Subscribers("someModelCreated"); n != 1 {
		t.Fatalf("expected one bus registration, got %d", n)
	}

	ch, _ := observe(s2)
	publish(t, b, c, "someModelCreated", domain.Event{Operation: domain.Created, Payload: &domain.SomeModel{ID: 1, Name: "a"}})

	select {
	case ev := <-ch:
		m, ok := ev.Model()
		if !ok || m.PrimaryKey() != "1" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event received")
	}
	select {
	case ev := <-ch:
		t.Fatalf("event delivered twice: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeliverUnknownTopicIsDropped(t *testing.T) {
	r, _, c := newRegistry(t)
	data, err := c.EncodeEvent(domain.NewCustomEvent("x"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// nothing registered, must not panic
	r.Deliver("nobody", data)
}

func TestDeliverUndecodablePayloadIsIsolated(t *testing.T) {
	b := bus.NewMemBus(bus.MemBusConfig{})
	defer b.Close()
	c := codec.New()
	logger, hook := test.NewNullLogger()
	r := New(b, c, logger)
	defer r.Close()

	s, err := r.Subscribe(context.Background(), "t")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ch, _ := observe(s)

	r.Deliver("t", []byte("{not json"))
	if hook.LastEntry() == nil || hook.LastEntry().Level != log.WarnLevel {
		t.Fatalf("expected a warning for the bad payload")
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}

	data, _ := c.EncodeEvent(domain.NewCustomEvent("ok"))
	r.Deliver("t", data)
	select {
	case ev := <-ch:
		if ev.Payload != "ok" {
			t.Fatalf("unexpected payload %v", ev.Payload)
		}
	default:
		t.Fatalf("event after bad payload was not delivered")
	}
}

func TestCloseDeregistersEveryTopic(t *testing.T) {
	r, b, c := newRegistry(t)
	ctx := context.Background()

	created, err := r.Subscribe(ctx, "someModelCreated")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := r.Subscribe(ctx, "someModelUpdated.1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if got := r.Topics(); len(got) != 2 || got[0] != "someModelCreated" || got[1] != "someModelUpdated.1" {
		t.Fatalf("unexpected topics %v", got)
	}
	ch, _ := observe(created)

	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	for _, topic := range []string{"someModelCreated", "someModelUpdated.1"} {
		if n := b.Subscribers(topic); n != 0 {
			t.Fatalf("topic %s still has %d subscribers", topic, n)
		}
	}
	publish(t, b, c, "someModelCreated", domain.NewCustomEvent("late"))
	select {
	case ev := <-ch:
		t.Fatalf("event after close: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	if _, err := r.Subscribe(ctx, "x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestCloseAfterBusClosed(t *testing.T) {
	r, b, _ := newRegistry(t)
	if _, err := r.Subscribe(context.Background(), "t"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	b.Close()
	if err := r.Close(); err != nil {
		t.Fatalf("close after bus closed: %v", err)
	}
}

func TestSubscribeBusError(t *testing.T) {
	r, b, _ := newRegistry(t)
	b.Close()
	if _, err := r.Subscribe(context.Background(), "t"); !errors.Is(err, bus.ErrClosed) {
		t.Fatalf("expected bus.ErrClosed, got %v", err)
	}
	if len(r.Topics()) != 0 {
		t.Fatalf("failed subscribe left a topic behind")
	}
}

func TestContextHelpers(t *testing.T) {
	r, _, _ := newRegistry(t)
	if FromContext(context.Background()) != nil {
		t.Fatalf("expected nil registry")
	}
	ctx := WithRegistry(context.Background(), r)
	if FromContext(ctx) != r {
		t.Fatalf("registry not found in context")
	}
}

// gatedBus holds Subscribe for gated topics until release is closed.
type gatedBus struct {
	*bus.MemBus
	gated   string
	entered chan struct{}
	release chan struct{}
}

func (g *gatedBus) Subscribe(ctx context.Context, topic string, h bus.Handler) (bus.Subscription, error) {
	if topic == g.gated {
		close(g.entered)
		<-g.release
	}
	return g.MemBus.Subscribe(ctx, topic, h)
}

func TestSlowBusSubscribeDoesNotBlockOtherTopics(t *testing.T) {
	mem := bus.NewMemBus(bus.MemBusConfig{})
	defer mem.Close()
	g := &gatedBus{MemBus: mem, gated: "slow", entered: make(chan struct{}), release: make(chan struct{})}
	c := codec.New()
	r := New(g, c, nil)
	defer r.Close()
	ctx := context.Background()

	fast, err := r.Subscribe(ctx, "fast")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ch, _ := observe(fast)

	slowDone := make(chan error, 2)
	go func() {
		_, err := r.Subscribe(ctx, "slow")
		slowDone <- err
	}()
	<-g.entered
	// a second caller for the same topic waits for the first registration
	go func() {
		_, err := r.Subscribe(ctx, "slow")
		slowDone <- err
	}()

	data, _ := c.EncodeEvent(domain.NewCustomEvent("meanwhile"))
	delivered := make(chan struct{})
	go func() {
		r.Deliver("fast", data)
		close(delivered)
	}()
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatalf("deliver blocked behind a pending bus subscribe")
	}
	if ev := <-ch; ev.Payload != "meanwhile" {
		t.Fatalf("unexpected payload %v", ev.Payload)
	}
	if _, err := r.Subscribe(ctx, "other"); err != nil {
		t.Fatalf("subscribe other: %v", err)
	}
	select {
	case err := <-slowDone:
		t.Fatalf("slow subscribe returned early: %v", err)
	default:
	}

	close(g.release)
	for i := 0; i < 2; i++ {
		select {
		case err := <-slowDone:
			if err != nil {
				t.Fatalf("slow subscribe: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatalf("slow subscribe did not finish")
		}
	}
	if n := mem.Subscribers("slow"); n != 1 {
		t.Fatalf("expected one bus registration for slow, got %d", n)
	}
}

func TestCloseDuringPendingSubscribe(t *testing.T) {
	mem := bus.NewMemBus(bus.MemBusConfig{})
	defer mem.Close()
	g := &gatedBus{MemBus: mem, gated: "slow", entered: make(chan struct{}), release: make(chan struct{})}
	r := New(g, codec.New(), nil)

	done := make(chan error, 1)
	go func() {
		_, err := r.Subscribe(context.Background(), "slow")
		done <- err
	}()
	<-g.entered
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	close(g.release)
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("subscribe did not finish")
	}
	if n := mem.Subscribers("slow"); n != 0 {
		t.Fatalf("registration leaked after close: %d", n)
	}
}
