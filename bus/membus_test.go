package bus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatalf("no message received")
	}
	return ""
}

func expectNone(t *testing.T, ch <-chan string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected message %q", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func collector() (Handler, <-chan string) {
	ch := make(chan string, 16)
	return func(_ string, payload []byte) { ch <- string(payload) }, ch
}

func TestMemBusFanOut(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()
	ctx := context.Background()

	h1, ch1 := collector()
	h2, ch2 := collector()
	if _, err := b.Subscribe(ctx, "someModelCreated", h1); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := b.Subscribe(ctx, "someModelCreated", h2); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	hOther, chOther := collector()
	if _, err := b.Subscribe(ctx, "someModelUpdated.1", hOther); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Publish(ctx, "someModelCreated", []byte("a")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := recv(t, ch1); got != "a" {
		t.Fatalf("subscriber 1 got %q", got)
	}
	if got := recv(t, ch2); got != "a" {
		t.Fatalf("subscriber 2 got %q", got)
	}
	expectNone(t, chOther)
}

func TestMemBusPreservesOrderPerSubscriber(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()
	ctx := context.Background()

	h, ch := collector()
	if _, err := b.Subscribe(ctx, "t", h); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for _, p := range []string{"1", "2", "3"} {
		if err := b.Publish(ctx, "t", []byte(p)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	for _, want := range []string{"1", "2", "3"} {
		if got := recv(t, ch); got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}
}

func TestMemBusSubscriptionClose(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()
	ctx := context.Background()

	h, ch := collector()
	sub, err := b.Subscribe(ctx, "t", h)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if sub.Topic() != "t" {
		t.Fatalf("unexpected topic %s", sub.Topic())
	}
	if n := b.Subscribers("t"); n != 1 {
		t.Fatalf("expected 1 subscriber, got %d", n)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if n := b.Subscribers("t"); n != 0 {
		t.Fatalf("expected 0 subscribers, got %d", n)
	}
	if err := b.Publish(ctx, "t", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expectNone(t, ch)
}

func TestMemBusDropsWhenMailboxFull(t *testing.T) {
	b := NewMemBus(MemBusConfig{SubscriberBufferSize: 1})
	defer b.Close()
	ctx := context.Background()

	release := make(chan struct{})
	got := make(chan string, 8)
	_, err := b.Subscribe(ctx, "t", func(_ string, p []byte) {
		<-release
		got <- string(p)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// first is picked up by the handler goroutine, second fills the mailbox
	_ = b.Publish(ctx, "t", []byte("1"))
	time.Sleep(20 * time.Millisecond)
	_ = b.Publish(ctx, "t", []byte("2"))
	_ = b.Publish(ctx, "t", []byte("3"))
	close(release)

	if v := recv(t, got); v != "1" {
		t.Fatalf("expected 1, got %s", v)
	}
	if v := recv(t, got); v != "2" {
		t.Fatalf("expected 2, got %s", v)
	}
	expectNone(t, got)
}

func TestMemBusClosed(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	h, _ := collector()
	sub, err := b.Subscribe(context.Background(), "t", h)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("subscription close after bus close: %v", err)
	}
	if err := b.Publish(context.Background(), "t", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := b.Subscribe(context.Background(), "t", h); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
