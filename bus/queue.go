package bus

import "sync"

// delivery is a single subscriber's bounded mailbox. A goroutine drains it
// into the handler so publishers never block on slow subscribers.
type delivery struct {
	topic   string
	handler Handler
	ch      chan []byte
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

func newDelivery(topic string, h Handler, bufSize int) *delivery {
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	d := &delivery{
		topic:   topic,
		handler: h,
		ch:      make(chan []byte, bufSize),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *delivery) run() {
	defer close(d.done)
	for payload := range d.ch {
		d.handler(d.topic, payload)
	}
}

// send enqueues payload. It reports false when the message was dropped
// because the mailbox is full or closed.
func (d *delivery) send(payload []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false
	}
	select {
	case d.ch <- payload:
		return true
	default:
		return false
	}
}

// close stops accepting messages. It reports whether this call closed it.
func (d *delivery) close() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false
	}
	d.closed = true
	close(d.ch)
	return true
}
