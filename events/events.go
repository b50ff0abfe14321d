// Package events fans client events out to application subscribers:
// received messages, node updates, connection transitions.
package events

import (
	"sync"
	"time"
)

// Type classifies a mesh event.
type Type string

const (
	TypeMessage    Type = "message"
	TypeNodeUpdate Type = "node_update"
	TypePosition   Type = "position_update"
	TypeTelemetry  Type = "telemetry"
	TypeConnection Type = "connection"
	TypeQueue      Type = "queue_status"
	TypeLog        Type = "device_log"
)

// Event is the JSON-serialisable envelope delivered to subscribers.
type Event struct {
	Type      Type        `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

type subscriber struct {
	ch chan Event
}

// Bus fans events out to all registered subscribers. Slow consumers are
// skipped once their buffer fills so the receive loop never stalls.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewBus constructs a ready Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a consumer. The returned unsubscribe function
// must be called when the consumer goes away; it closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, 64)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		close(s.ch)
	}
	return s.ch, unsub
}

// Publish sends an Event to all current subscribers.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

// PublishMessage is a convenience wrapper for TypeMessage events.
func (b *Bus) PublishMessage(data interface{}) {
	b.Publish(Event{Type: TypeMessage, Data: data})
}

// PublishNodeUpdate is a convenience wrapper for TypeNodeUpdate events.
func (b *Bus) PublishNodeUpdate(data interface{}) {
	b.Publish(Event{Type: TypeNodeUpdate, Data: data})
}

// PublishConnection is a convenience wrapper for TypeConnection events.
func (b *Bus) PublishConnection(data interface{}) {
	b.Publish(Event{Type: TypeConnection, Data: data})
}

// Len returns the current subscriber count.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
