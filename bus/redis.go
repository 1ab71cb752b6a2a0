package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// RedisBusConfig configures a Redis-backed bus.
type RedisBusConfig struct {
	// SubscriberBufferSize is the mailbox size per subscription (default: 256).
	SubscriberBufferSize int
	// SubscribeTimeout bounds the wait for Redis to confirm a new topic
	// subscription when the caller's context has no deadline (default: 5s).
	SubscribeTimeout time.Duration
}

// RedisBus fans out across processes with Redis PUBLISH/SUBSCRIBE. Each
// process holds one pub/sub connection; handlers are multiplexed locally.
type RedisBus struct {
	rc     *redis.Client
	ps     *redis.PubSub
	cfg    RedisBusConfig
	logger *log.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.RWMutex
	subs   map[string][]*redisSub
	closed bool

	// pending holds the confirmation channel of every SUBSCRIBE Redis has
	// not acknowledged yet. It is closed on confirmation.
	waitMu  sync.Mutex
	pending map[string]chan struct{}
}

// NewRedisBus starts the dispatcher for the process-wide pub/sub connection.
func NewRedisBus(rc *redis.Client, cfg RedisBusConfig, logger *log.Logger) *RedisBus {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBus{
		rc:      rc,
		ps:      rc.Subscribe(ctx),
		cfg:     cfg,
		logger:  logger,
		cancel:  cancel,
		done:    make(chan struct{}),
		subs:    make(map[string][]*redisSub),
		pending: make(map[string]chan struct{}),
	}
	go b.dispatch(ctx)
	return b
}

func (b *RedisBus) dispatch(ctx context.Context) {
	defer close(b.done)
	ch := b.ps.ChannelWithSubscriptions()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() == nil {
					b.logger.Error("redis pubsub channel closed")
				}
				return
			}
			switch m := msg.(type) {
			case *redis.Subscription:
				if m.Kind == "subscribe" {
					b.confirm(m.Channel)
				}
			case *redis.Message:
				b.route(m.Channel, []byte(m.Payload))
			}
		}
	}
}

func (b *RedisBus) route(topic string, payload []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[topic] {
		if !sub.d.send(payload) {
			b.logger.WithField("topic", topic).Warn("bus subscriber mailbox full, dropping message")
		}
	}
}

func (b *RedisBus) confirm(topic string) {
	b.waitMu.Lock()
	ch, ok := b.pending[topic]
	delete(b.pending, topic)
	b.waitMu.Unlock()
	if ok {
		close(ch)
	}
}

// Publish sends payload to every process subscribed to topic.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.rc.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers h for topic. The first local handler for a topic issues
// SUBSCRIBE. Every handler added before Redis confirms it waits for the
// confirmation, so events published right after Subscribe returns are not
// lost.
func (b *RedisBus) Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	var confirmed chan struct{}
	if len(b.subs[topic]) == 0 {
		confirmed = make(chan struct{})
		b.waitMu.Lock()
		b.pending[topic] = confirmed
		b.waitMu.Unlock()
		if err := b.ps.Subscribe(ctx, topic); err != nil {
			b.waitMu.Lock()
			delete(b.pending, topic)
			b.waitMu.Unlock()
			b.mu.Unlock()
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
	} else {
		b.waitMu.Lock()
		confirmed = b.pending[topic]
		b.waitMu.Unlock()
	}
	sub := &redisSub{bus: b, d: newDelivery(topic, h, b.cfg.SubscriberBufferSize)}
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	if confirmed != nil {
		b.awaitConfirmation(ctx, topic, confirmed)
	}
	return sub, nil
}

func (b *RedisBus) awaitConfirmation(ctx context.Context, topic string, confirmed <-chan struct{}) {
	timer := time.NewTimer(b.cfg.SubscribeTimeout)
	defer timer.Stop()
	select {
	case <-confirmed:
	case <-ctx.Done():
	case <-timer.C:
		b.logger.WithField("topic", topic).Warn("redis subscribe not confirmed in time")
	}
}

// Subscribers reports how many local subscriptions topic currently has.
func (b *RedisBus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

func (b *RedisBus) remove(sub *redisSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	topic := sub.d.topic
	subs := b.subs[topic]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) > 0 {
		b.subs[topic] = subs
		return
	}
	delete(b.subs, topic)
	if err := b.ps.Unsubscribe(context.Background(), topic); err != nil {
		b.logger.WithError(err).WithField("topic", topic).Error("redis unsubscribe failed")
	}
}

// Close closes every subscription and the pub/sub connection. The Redis
// client itself stays open and is owned by the caller.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for topic, subs := range b.subs {
		for _, sub := range subs {
			sub.d.close()
		}
		delete(b.subs, topic)
	}
	b.mu.Unlock()

	b.cancel()
	err := b.ps.Close()
	<-b.done
	return err
}

type redisSub struct {
	bus *RedisBus
	d   *delivery
}

func (s *redisSub) Topic() string { return s.d.topic }

func (s *redisSub) Close() error {
	if s.d.close() {
		s.bus.remove(s)
	}
	return nil
}

var _ Bus = (*RedisBus)(nil)
