// Package broker fans one session's output out to many viewers. The owning
// session reads its PTY (or container stream) exactly once and writes here;
// each subscriber gets replay of the ring buffer followed by live chunks in
// upstream order. A stalled subscriber loses its oldest queued data rather
// than slowing anyone else down.
package broker

import "sync"

// defaultQueueSize is the per-subscriber delivery queue bound.
const defaultQueueSize = 256

// Event is one delivery to a subscriber.
type Event struct {
	// Data is a chunk of session output. Empty on the terminal event.
	Data []byte
	// Missed is true when data queued before this event was dropped
	// because the subscriber fell behind.
	Missed bool
	// Closed marks the terminal event; no further events follow.
	Closed bool
	// Reason explains the close ("session ended", "server shutting down").
	Reason string
}

// Stream is the per-session broker: one ring buffer plus the live
// subscriber set.
type Stream struct {
	mu        sync.Mutex
	ring      *Ring
	subs      map[*Subscriber]struct{}
	queueSize int
	closed    bool
	reason    string
}

// Subscriber receives events on C until a Closed event is delivered and C
// is closed.
type Subscriber struct {
	C <-chan Event

	ch     chan Event
	missed bool // dropped data since the last delivered event
}

// NewStream creates a stream with the given ring bound and per-subscriber
// queue bound (zero means defaults).
func NewStream(ringSize, queueSize int) *Stream {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Stream{
		ring:      NewRing(ringSize),
		subs:      make(map[*Subscriber]struct{}),
		queueSize: queueSize,
	}
}

// Write appends a chunk of upstream output to the ring and fans it out.
// It never blocks on a slow subscriber: when a queue is full the oldest
// queued event is discarded and the subscriber is marked as having missed
// data.
func (s *Stream) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	data := make([]byte, len(p))
	copy(data, p)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.ring.Write(data)
	for sub := range s.subs {
		s.deliver(sub, Event{Data: data})
	}
}

// deliver enqueues ev for sub, dropping the subscriber's oldest queued
// event when the queue is full. Caller holds s.mu, which is what makes the
// drop-then-send below race-free: only this goroutine ever sends on ch.
func (s *Stream) deliver(sub *Subscriber, ev Event) {
	ev.Missed = ev.Missed || sub.missed
	for {
		select {
		case sub.ch <- ev:
			sub.missed = false
			return
		default:
		}
		select {
		case <-sub.ch:
			sub.missed = true
			ev.Missed = true
		default:
			// A concurrent read drained the queue between the two
			// selects; retry the send.
		}
	}
}

// Subscribe registers a new subscriber. Its first event replays the ring
// buffer contents (when non-empty); every later event is live output.
// Subscribing to a closed stream yields the replay followed immediately by
// the terminal event.
func (s *Stream) Subscribe() *Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &Subscriber{ch: make(chan Event, s.queueSize)}
	sub.C = sub.ch

	if snap := s.ring.Snapshot(); len(snap) > 0 {
		sub.ch <- Event{Data: snap}
	}
	if s.closed {
		s.deliver(sub, Event{Closed: true, Reason: s.reason})
		close(sub.ch)
		return sub
	}
	s.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe drops a subscriber. Its channel is closed without a terminal
// event: the viewer went away, the session did not.
func (s *Stream) Unsubscribe(sub *Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub]; !ok {
		return
	}
	delete(s.subs, sub)
	close(sub.ch)
}

// CloseWithReason ends the stream, delivering an explicit terminal event to
// every subscriber so clients can tell "ended" from "connection dropped".
// Closing twice is a no-op.
func (s *Stream) CloseWithReason(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.reason = reason
	for sub := range s.subs {
		s.deliver(sub, Event{Closed: true, Reason: reason})
		close(sub.ch)
		delete(s.subs, sub)
	}
}

// Closed reports whether the stream has ended.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SubscriberCount returns the number of live subscribers.
func (s *Stream) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
