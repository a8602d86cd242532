package bus

import (
	"time"

	"github.com/google/uuid"
)

// EventContext carries request-scoped attribution for an emitted event.
type EventContext struct {
	// Source identifies the emitting component or integration.
	Source string

	// RequestID correlates the event with an external request.
	RequestID string

	// User is the acting principal, when known.
	User string
}

// Event is one dispatched occurrence on the bus. Payload keys are defined by
// the event type's registered schema.
type Event struct {
	ID        string
	Type      string
	Payload   map[string]any
	Context   EventContext
	Timestamp time.Time
}

func newEvent(eventType string, payload map[string]any, evtCtx EventContext, at time.Time) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Payload:   payload,
		Context:   evtCtx,
		Timestamp: at,
	}
}
