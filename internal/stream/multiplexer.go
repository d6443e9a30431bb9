package stream

import (
	"context"
	"errors"
	"sync"
)

// ErrStreamEnded is returned by Subscribe once the stream has resolved.
// Transport layers treat it as "no active stream", not as a failure.
var ErrStreamEnded = errors.New("stream has ended")

// subscriberBuffer sizes each subscriber's event channel. A slow consumer
// beyond this depth backpressures the producer rather than losing events.
const subscriberBuffer = 64

// Subscriber is one listener's handle on a multiplexer.
type Subscriber struct {
	ch   chan Event
	gone chan struct{}
	once sync.Once
}

// Events returns the subscriber's ordered event feed. The channel closes
// when the stream resolves or the subscriber is unsubscribed.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

func (s *Subscriber) markGone() {
	s.once.Do(func() { close(s.gone) })
}

// Multiplexer fans one execution's event sequence out to any number of
// listeners. It is single-producer: Publish and CloseAbandoned are called
// only by the execution's pump goroutine.
type Multiplexer struct {
	mu       sync.Mutex
	subs     map[*Subscriber]struct{}
	closed   bool
	terminal *Event
	done     chan struct{}
}

// NewMultiplexer creates an open multiplexer with no subscribers.
func NewMultiplexer() *Multiplexer {
	return &Multiplexer{
		subs: make(map[*Subscriber]struct{}),
		done: make(chan struct{}),
	}
}

// Subscribe registers a new listener. Events emitted before the call are
// not replayed. Fails with ErrStreamEnded once the stream has resolved.
func (m *Multiplexer) Subscribe() (*Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStreamEnded
	}

	sub := &Subscriber{
		ch:   make(chan Event, subscriberBuffer),
		gone: make(chan struct{}),
	}
	m.subs[sub] = struct{}{}
	return sub, nil
}

// Unsubscribe detaches a listener. Idempotent and safe after the stream
// has ended. The subscriber's channel stays open but receives nothing
// further; only the producer side ever closes it, so a publish that is
// mid-send can never hit a closed channel.
func (m *Multiplexer) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	m.mu.Lock()
	delete(m.subs, sub)
	m.mu.Unlock()

	// Unblocks a producer currently parked on this subscriber's channel.
	sub.markGone()
}

// Publish delivers an event to every current subscriber in order. A
// terminal event additionally resolves the stream: each subscriber
// receives it exactly once and no further subscriptions are accepted.
func (m *Multiplexer) Publish(evt Event) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	targets := make([]*Subscriber, 0, len(m.subs))
	for sub := range m.subs {
		targets = append(targets, sub)
	}

	if evt.Terminal() {
		e := evt
		m.terminal = &e
		m.closed = true
		m.subs = nil
	}
	m.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- evt:
		case <-sub.gone:
			continue
		}
		if evt.Terminal() {
			close(sub.ch)
		}
	}

	if evt.Terminal() {
		close(m.done)
	}
}

// CloseAbandoned resolves the stream without a terminal event. Used when
// the execution is cancelled: subscribers' channels close and Wait reports
// that no terminal event occurred.
func (m *Multiplexer) CloseAbandoned() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	targets := make([]*Subscriber, 0, len(m.subs))
	for sub := range m.subs {
		targets = append(targets, sub)
	}
	m.closed = true
	m.subs = nil
	m.mu.Unlock()

	for _, sub := range targets {
		select {
		case <-sub.gone:
			continue
		default:
		}
		close(sub.ch)
	}
	close(m.done)
}

// Done is closed once the stream has resolved, with or without a terminal
// event.
func (m *Multiplexer) Done() <-chan struct{} {
	return m.done
}

// Terminal returns the terminal event, if the stream resolved with one.
func (m *Multiplexer) Terminal() (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminal == nil {
		return Event{}, false
	}
	return *m.terminal, true
}

// Wait blocks until the stream resolves and returns its terminal event.
// ok is false when the stream ended without one (cancellation). Unlike
// subscribing, Wait cannot miss a terminal emitted before the call.
func (m *Multiplexer) Wait(ctx context.Context) (evt Event, ok bool, err error) {
	select {
	case <-ctx.Done():
		return Event{}, false, ctx.Err()
	case <-m.done:
	}
	evt, ok = m.Terminal()
	return evt, ok, nil
}
