// Package events carries in-process notifications between the valuation,
// dispatch, audit and integrations modules. Publishers never import their
// subscribers; the concrete payloads live in internal/events.
package events

import (
	"context"
	"time"
)

// Event is anything published on the bus, for example a recorded conversion
// or a finished dispatch attempt.
type Event interface {
	// EventName is the subscription key, e.g. "dispatch.attempted".
	EventName() string
	OccurredAt() time.Time
}

// BaseEvent stamps an event in UTC so audit rows and logs agree on ordering.
type BaseEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

func NewBaseEvent() BaseEvent {
	return BaseEvent{Timestamp: time.Now().UTC()}
}

// Handler reacts to one event. Errors from async handlers are only logged;
// PublishSync returns them to the caller.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

type HandlerFunc func(ctx context.Context, event Event) error

func (f HandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Bus fans an event out to every handler subscribed to its name.
type Bus interface {
	// Publish runs handlers in the background. Dispatch workers use it so a
	// slow audit write never delays the next attempt.
	Publish(ctx context.Context, event Event)

	// PublishSync runs handlers inline and joins their errors.
	PublishSync(ctx context.Context, event Event) error

	Subscribe(eventName string, handler Handler)
}
