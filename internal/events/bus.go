// Package events is the single in-process fan-out for engine events.
// Dispatch is synchronous: within one event type, subscribers see events
// in publish order, and a publisher does not return until every handler
// has run. Strategy runners rely on this to finish counter-order
// placement before the next execution report is delivered.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType names a fan-out channel.
type EventType string

const (
	EventOrder    EventType = "order"
	EventMarket   EventType = "market"
	EventKline    EventType = "kline"
	EventUser     EventType = "userEvent"
	EventBot      EventType = "bot"
	EventBotError EventType = "bot_error"
)

// Event is a published message.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Handler processes one event. A panicking handler is recovered and
// does not interrupt fan-out to the remaining subscribers.
type Handler func(Event)

// Subscription identifies one registered handler and can be cancelled.
type Subscription struct {
	bus       *Bus
	eventType EventType
	all       bool
	id        int
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[EventType][]*subEntry
	all    []*subEntry
	log    zerolog.Logger
}

type subEntry struct {
	id      int
	handler Handler
}

// NewBus creates an empty bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		subs: make(map[EventType][]*subEntry),
		log:  log.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers handler for one event type.
func (b *Bus) Subscribe(t EventType, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.subs[t] = append(b.subs[t], &subEntry{id: b.nextID, handler: handler})
	return &Subscription{bus: b, eventType: t, id: b.nextID}
}

// SubscribeAll registers handler for every event type. Used by the
// frontend broadcast.
func (b *Bus) SubscribeAll(handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.all = append(b.all, &subEntry{id: b.nextID, handler: handler})
	return &Subscription{bus: b, all: true, id: b.nextID}
}

// Cancel removes the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil || s.bus == nil {
		return
	}
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.all {
		b.all = removeEntry(b.all, s.id)
		return
	}
	b.subs[s.eventType] = removeEntry(b.subs[s.eventType], s.id)
}

func removeEntry(entries []*subEntry, id int) []*subEntry {
	for i, e := range entries {
		if e.id == id {
			return append(entries[:i], entries[i+1:]...)
		}
	}
	return entries
}

// Publish delivers event to every matching subscriber, in registration
// order, on the caller's goroutine.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	typed := make([]*subEntry, len(b.subs[event.Type]))
	copy(typed, b.subs[event.Type])
	all := make([]*subEntry, len(b.all))
	copy(all, b.all)
	b.mu.RUnlock()

	for _, e := range typed {
		b.dispatch(e, event)
	}
	for _, e := range all {
		b.dispatch(e, event)
	}
}

func (b *Bus) dispatch(e *subEntry, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str("event", string(event.Type)).Msg("subscriber panicked")
		}
	}()
	e.handler(event)
}
