// Package events implements the lifecycle event bus of the sync engine.
// External observers (typically UI projections) subscribe to be told when a
// mutation is queued, claimed for dispatch, confirmed, or terminally failed.
//
// Delivery is synchronous and at-least-once per local subscriber. Consumers
// are expected to be idempotent (re-fetch-on-event); the bus makes no
// ordering or exactly-once promises beyond calling each live subscriber once
// per published event. A panicking subscriber is isolated and never takes
// down the publisher.
package events

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/stockroomhq/go-stockroom-sync/internal/domain"
)

// Type identifies a lifecycle event variant.
type Type string

const (
	TypeQueued  Type = "queued"
	TypeSyncing Type = "syncing"
	TypeSynced  Type = "synced"
	TypeFailed  Type = "failed"
)

// Event is delivered to subscribers on every mutation lifecycle transition.
type Event struct {
	Type Type `json:"type"`

	// Mutation identity and outcome at the time of the event.
	EntityKind     string `json:"entity_kind"`
	IdempotencyKey string `json:"idempotency_key"`
	LocalID        string `json:"local_id,omitempty"`
	ServerID       string `json:"server_id,omitempty"`
	LastError      string `json:"last_error,omitempty"`

	// Terminal marks a failed event as permanent (no further retries).
	Terminal bool `json:"terminal,omitempty"`

	// Blocked lists idempotency keys of dependents left PENDING because this
	// mutation failed.
	Blocked []string `json:"blocked,omitempty"`
}

// FromMutation builds the event envelope for a mutation snapshot.
func FromMutation(t Type, m *domain.Mutation) Event {
	return Event{
		Type:           t,
		EntityKind:     m.EntityKind,
		IdempotencyKey: m.IdempotencyKey,
		LocalID:        m.LocalID,
		ServerID:       m.ServerID,
		LastError:      m.LastError,
	}
}

// Listener receives published events.
type Listener func(Event)

// Bus fans events out to subscribers. Safe for concurrent use.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs map[int]Listener
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]Listener)}
}

// Subscribe registers a listener and returns its unsubscribe function.
// Unsubscribing twice is harmless.
func (b *Bus) Subscribe(fn Listener) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish delivers the event to every current subscriber. Delivery order
// across subscribers is unspecified. Subscriber panics are recovered and
// logged.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	listeners := make([]Listener, 0, len(b.subs))
	for _, fn := range b.subs {
		listeners = append(listeners, fn)
	}
	b.mu.RUnlock()

	for _, fn := range listeners {
		deliver(fn, ev)
	}
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func deliver(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("event", string(ev.Type)).
				Str("idempotency_key", ev.IdempotencyKey).
				Msg("event subscriber panicked")
		}
	}()
	fn(ev)
}
