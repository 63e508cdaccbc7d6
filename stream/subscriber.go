package stream

import "sync/atomic"

// Subscriber receives events from the topics it is subscribed to over a
// buffered channel. Sends never block: when the buffer is full the event
// is dropped and counted.
type Subscriber struct {
	id      string
	ch      chan *Event
	dropped atomic.Int64
	closed  atomic.Bool
}

// NewSubscriber creates a subscriber with the given buffer size.
func NewSubscriber(id string, bufferSize int) *Subscriber {
	return &Subscriber{id: id, ch: make(chan *Event, bufferSize)}
}

// ID returns the subscriber identifier.
func (s *Subscriber) ID() string { return s.id }

// C returns the read-only event channel. It is closed when the
// subscriber is removed or the broker closes.
func (s *Subscriber) C() <-chan *Event { return s.ch }

// Dropped returns how many events were discarded for this subscriber.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

func (s *Subscriber) send(evt *Event) (ok bool) {
	if s.closed.Load() {
		return false
	}
	// A concurrent Close may win the race after the check above.
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case s.ch <- evt:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Close closes the subscriber channel. Safe to call multiple times.
func (s *Subscriber) Close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}
