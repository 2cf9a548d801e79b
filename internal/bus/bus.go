// Package bus carries chore lifecycle events between the engine, the
// scanner, and any in-process consumer. Publishing never blocks an
// evaluation: a subscriber that falls behind loses events, it never stalls
// the publisher. Record changes are persisted before their events go out.
package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event pairs a topic with its payload.
type Event struct {
	Topic   string
	Payload any
}

// Subscription is a live topic-prefix subscription. Read events from Ch;
// hand the subscription back to Unsubscribe when done.
type Subscription struct {
	id     int
	prefix string
	events chan Event
}

// Ch returns the subscription's receive channel. It is closed by
// Unsubscribe.
func (s *Subscription) Ch() <-chan Event {
	return s.events
}

// Bus fans events out to prefix-matched subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	lastID int
}

func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe registers interest in every topic starting with topicPrefix;
// the empty prefix matches everything. Each subscription buffers
// defaultBufferSize events.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastID++
	sub := &Subscription{
		id:     b.lastID,
		prefix: topicPrefix,
		events: make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe drops the subscription and closes its channel. Safe to call
// more than once, and with nil.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.events)
	}
}

// Publish delivers the event to every subscriber whose prefix matches the
// topic. A full subscriber buffer drops the event for that subscriber only.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.events <- Event{Topic: topic, Payload: payload}:
		default:
		}
	}
}

// SubscriberCount reports the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
