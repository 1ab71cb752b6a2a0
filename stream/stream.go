// Package stream implements the push-based event sequence that backs every
// subscription field. A Stream has no buffer and no replay: values pushed
// before an observer attaches are never seen by it.
package stream

import (
	"sync"
	"sync/atomic"
)

// Observer receives pushed values. Err is optional and is called once when a
// derived stream terminates because its predicate or transform failed.
type Observer struct {
	Next func(v any)
	Err  func(err error)
}

// Predicate decides whether a value passes a Filter.
type Predicate func(v any) (bool, error)

// Transform maps a value in a Map.
type Transform func(v any) (any, error)

// Disposer detaches an observer. Calling it more than once is a no-op.
type Disposer func()

type entry struct {
	id     uint64
	obs    Observer
	active atomic.Bool
}

// Stream is a fan-out sequence of values.
type Stream struct {
	pushMu sync.Mutex

	mu        sync.Mutex
	observers []*entry
	nextID    uint64
	err       error

	// set for derived streams only
	source *Stream
	step   func(v any) (any, bool, error)
	detach Disposer
}

// New creates a source stream.
func New() *Stream {
	return &Stream{}
}

// Push delivers v to every attached observer in attach order. Concurrent
// pushes are serialized.
func (s *Stream) Push(v any) {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	snapshot := make([]*entry, len(s.observers))
	copy(snapshot, s.observers)
	s.mu.Unlock()

	for _, e := range snapshot {
		if e.active.Load() && e.obs.Next != nil {
			e.obs.Next(v)
		}
	}
}

// Subscribe attaches obs and returns its disposer.
func (s *Stream) Subscribe(obs Observer) Disposer {
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		if obs.Err != nil {
			obs.Err(err)
		}
		return func() {}
	}
	s.nextID++
	e := &entry{id: s.nextID, obs: obs}
	e.active.Store(true)
	s.observers = append(s.observers, e)
	first := len(s.observers) == 1
	s.mu.Unlock()

	if first && s.source != nil {
		s.attach()
	}

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(e) })
	}
}

// Observers reports how many observers are attached.
func (s *Stream) Observers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers)
}

func (s *Stream) remove(e *entry) {
	e.active.Store(false)

	s.mu.Lock()
	for i, o := range s.observers {
		if o == e {
			s.observers = append(s.observers[:i], s.observers[i+1:]...)
			break
		}
	}
	last := len(s.observers) == 0
	detach := s.detach
	if last {
		s.detach = nil
	}
	s.mu.Unlock()

	if last && detach != nil {
		detach()
	}
}

// Filter derives a stream that forwards only the values pred accepts.
func (s *Stream) Filter(pred Predicate) *Stream {
	return s.derive(func(v any) (any, bool, error) {
		ok, err := pred(v)
		return v, ok, err
	})
}

// Map derives a stream that forwards fn(v) for every value.
func (s *Stream) Map(fn Transform) *Stream {
	return s.derive(func(v any) (any, bool, error) {
		out, err := fn(v)
		return out, true, err
	})
}

func (s *Stream) derive(step func(v any) (any, bool, error)) *Stream {
	return &Stream{source: s, step: step}
}

// attach connects a derived stream to its source. Derived streams are only
// attached while they have observers.
func (s *Stream) attach() {
	dispose := s.source.Subscribe(Observer{
		Next: s.forward,
		Err:  s.fail,
	})
	s.mu.Lock()
	if len(s.observers) == 0 || s.err != nil {
		s.mu.Unlock()
		dispose()
		return
	}
	s.detach = dispose
	s.mu.Unlock()
}

func (s *Stream) forward(v any) {
	out, ok, err := s.step(v)
	if err != nil {
		s.fail(err)
		return
	}
	if ok {
		s.Push(out)
	}
}

// fail terminates the derived stream and tells its observers why. The source
// keeps running.
func (s *Stream) fail(err error) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	s.err = err
	observers := s.observers
	s.observers = nil
	detach := s.detach
	s.detach = nil
	s.mu.Unlock()

	if detach != nil {
		detach()
	}
	for _, e := range observers {
		if e.active.CompareAndSwap(true, false) && e.obs.Err != nil {
			e.obs.Err(err)
		}
	}
}

// Err returns the error that terminated the stream, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
