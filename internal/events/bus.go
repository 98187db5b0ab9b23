// Package events is the in-process pub/sub used to push model, image and
// credit changes to a user's realtime connections.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published on the bus.
const (
	ModelUpdated   = "model.updated"
	ImageCreated   = "image.created"
	CreditsUpdated = "credits.updated"
)

// Event is a single message on the bus. UserID routes the event and is not
// part of the wire form.
type Event struct {
	Type      string          `json:"type"`
	UserID    string          `json:"-"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Subscription receives events for one user (or every user when UserID is
// empty) on a buffered channel.
type Subscription struct {
	C       <-chan Event
	ch      chan Event
	userID  string
	filter  map[string]bool // nil = all types
	dropped atomic.Int64
}

// Dropped reports how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Bus is a fan-out pub/sub event bus. Publish never blocks: a subscriber whose
// buffer is full misses the event.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscriber for userID's events of the given types.
// No types means all types. The channel is buffered (64).
func (b *Bus) Subscribe(userID string, types ...string) *Subscription {
	ch := make(chan Event, 64)
	sub := &Subscription{C: ch, ch: ch, userID: userID}
	if len(types) > 0 {
		sub.filter = make(map[string]bool, len(types))
		for _, t := range types {
			sub.filter[t] = true
		}
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.userID != "" && sub.userID != e.UserID {
			continue
		}
		if sub.filter != nil && !sub.filter[e.Type] {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
		}
	}
}

// PublishTo marshals data and publishes it as an event for userID.
func (b *Bus) PublishTo(userID, eventType string, data any) {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	b.Publish(Event{
		Type:      eventType,
		UserID:    userID,
		Timestamp: time.Now(),
		Data:      raw,
	})
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close unsubscribes all subscribers and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}
