package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"subscription-service/bus"
	"subscription-service/codec"
	"subscription-service/domain"
	"subscription-service/events"
)

type fakeQueue struct {
	mu      sync.Mutex
	batches [][]*azqueue.DequeuedMessage
	err     error
	deleted []string
}

func (q *fakeQueue) DequeueMessages(ctx context.Context, _ *azqueue.DequeueMessagesOptions) (azqueue.DequeueMessagesResponse, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return azqueue.DequeueMessagesResponse{}, q.err
	}
	var resp azqueue.DequeueMessagesResponse
	if len(q.batches) > 0 {
		resp.Messages = q.batches[0]
		q.batches = q.batches[1:]
	}
	return resp, nil
}

func (q *fakeQueue) DeleteMessage(ctx context.Context, id, pop string, _ *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = append(q.deleted, id)
	return azqueue.DeleteMessageResponse{}, nil
}

func (q *fakeQueue) deletedIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.deleted...)
}

type published struct {
	topic string
	event domain.Event
}

func setup(t *testing.T) (*bus.MemBus, *events.Publisher, <-chan published) {
	t.Helper()
	b := bus.NewMemBus(bus.MemBusConfig{})
	t.Cleanup(func() { b.Close() })
	c := codec.New(func() domain.Model { return &domain.SomeModel{} })
	out := make(chan published, 8)
	for _, topic := range []string{"customSubscription", "modelUpdated.4", "t"} {
		_, err := b.Subscribe(context.Background(), topic, func(topic string, payload []byte) {
			ev, err := c.DecodeEvent(payload)
			if err != nil {
				t.Errorf("decode: %v", err)
				return
			}
			out <- published{topic, ev}
		})
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}
	return b, events.NewPublisher(b, c), out
}

func next(t *testing.T, ch <-chan published) published {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(time.Second):
		t.Fatalf("nothing published")
	}
	return published{}
}

func queued(id, text string, dequeued int64) *azqueue.DequeuedMessage {
	pop := "pop-" + id
	return &azqueue.DequeuedMessage{MessageID: &id, PopReceipt: &pop, MessageText: &text, DequeueCount: &dequeued}
}

func TestPollPublishesAndDeletes(t *testing.T) {
	q := &fakeQueue{batches: [][]*azqueue.DequeuedMessage{{
		queued("1", `{"topic":"customSubscription","value":"success"}`, 1),
		queued("2", `{"topic":"modelUpdated.4","operation":"updated","value":{"model":"someModel","fields":{"id":4,"name":"n"}}}`, 1),
	}}}
	_, pub, out := setup(t)
	r := New(q, pub, Config{}, nil)

	n, err := r.Poll(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("poll: %d %v", n, err)
	}
	got := map[string]domain.Event{}
	for range 2 {
		p := next(t, out)
		got[p.topic] = p.event
	}
	if ev := got["customSubscription"]; ev.Operation != domain.Custom || ev.Payload != "success" {
		t.Fatalf("unexpected custom trigger %+v", ev)
	}
	updated := got["modelUpdated.4"]
	if updated.Operation != domain.Updated {
		t.Fatalf("expected updated event, got %+v", updated)
	}
	if m, ok := updated.Payload.(*domain.SomeModel); !ok || m.ID != 4 || m.Name != "n" {
		t.Fatalf("unexpected payload %+v", updated.Payload)
	}
	if ids := q.deletedIDs(); len(ids) != 2 {
		t.Fatalf("expected both messages deleted, got %v", ids)
	}
}

func TestPollDropsPoisonMessages(t *testing.T) {
	q := &fakeQueue{batches: [][]*azqueue.DequeuedMessage{{
		queued("1", `not json`, 1),
		queued("2", `{"value":1}`, 1),
		queued("3", `{"topic":"t","operation":"renamed","value":1}`, 1),
	}}}
	_, pub, out := setup(t)
	r := New(q, pub, Config{}, nil)

	if _, err := r.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	select {
	case p := <-out:
		t.Fatalf("unexpected trigger %+v", p)
	case <-time.After(20 * time.Millisecond):
	}
	if got := q.deletedIDs(); len(got) != 3 {
		t.Fatalf("expected poison messages deleted, got %v", got)
	}
}

func TestPollRetriesPublishFailures(t *testing.T) {
	q := &fakeQueue{batches: [][]*azqueue.DequeuedMessage{{
		queued("fresh", `{"topic":"t","value":1}`, 1),
		queued("stale", `{"topic":"t","value":1}`, 5),
	}}}
	b, pub, _ := setup(t)
	b.Close()
	r := New(q, pub, Config{}, nil)

	if _, err := r.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	got := q.deletedIDs()
	if len(got) != 1 || got[0] != "stale" {
		t.Fatalf("expected only the stale message dropped, got %v", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	q := &fakeQueue{err: errors.New("unavailable")}
	_, pub, _ := setup(t)
	r := New(q, pub, Config{PollInterval: 5 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("relay did not stop")
	}
}
