package subscription

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/subsync/pkg/eventbus"
)

// EventKind names a subscription lifecycle notification.
type EventKind string

const (
	EventUpgraded       EventKind = "upgraded"
	EventSynced         EventKind = "synced"
	EventCancelled      EventKind = "cancelled"
	EventResumed        EventKind = "resumed"
	EventFailed         EventKind = "failed"
	EventRecoveryFailed EventKind = "recovery-failed"
)

// EventKinds lists every kind emitted by this package.
var EventKinds = []EventKind{
	EventUpgraded,
	EventSynced,
	EventCancelled,
	EventResumed,
	EventFailed,
	EventRecoveryFailed,
}

// Event is delivered to bus listeners. It is never persisted.
type Event struct {
	Kind      EventKind
	UserID    uuid.UUID
	Payload   map[string]any
	Timestamp time.Time
}

// EventBus carries subscription events to in-process listeners.
type EventBus = eventbus.Bus[Event]

// NewEventBus creates a bus for subscription events.
func NewEventBus(opts ...eventbus.Option) *EventBus {
	return eventbus.New[Event](opts...)
}

// Subscribe registers fn for one event kind and returns its unsubscribe func.
func Subscribe(bus *EventBus, kind EventKind, fn func(ctx context.Context, e Event) error) func() {
	return bus.On(string(kind), fn)
}
