package store

import (
	"sync"
)

// DefaultStreamBuffer is the per-subscriber event buffer size.
const DefaultStreamBuffer = 64

// Broadcaster fans one change stream out to any number of independent
// subscribers. Delivery to one subscriber never blocks on another: when a
// subscriber's buffer is full its queue is dropped and replaced with a
// single resync marker, forcing that client back through a full pull.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	bufSize int
	closed  bool
}

// Subscription is one consumer's handle on the change stream. Events arrive
// on C in emission order; Unsubscribe releases the consumer.
type Subscription struct {
	C <-chan StreamEvent

	ch chan StreamEvent
	b  *Broadcaster
}

// NewBroadcaster creates a broadcaster with the given per-subscriber buffer
// size (DefaultStreamBuffer when <= 0).
func NewBroadcaster(bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = DefaultStreamBuffer
	}
	return &Broadcaster{
		subs:    make(map[*Subscription]struct{}),
		bufSize: bufSize,
	}
}

// Subscribe registers a new consumer.
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan StreamEvent, b.bufSize)
	sub := &Subscription{C: ch, ch: ch, b: b}
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish delivers an event to every subscriber without blocking.
func (b *Broadcaster) Publish(ev StreamEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			// Subscriber too slow: drop its backlog and leave a single
			// resync marker so it recovers with a full pull.
			drain(sub.ch)
			select {
			case sub.ch <- ResyncEvent():
			default:
			}
		}
	}
}

// SubscriberCount returns the number of attached subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close terminates the stream for all subscribers.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}

// Unsubscribe detaches the consumer and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if _, ok := s.b.subs[s]; !ok {
		return
	}
	delete(s.b.subs, s)
	close(s.ch)
}

func drain(ch chan StreamEvent) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
