package bus

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrValidationFailed is returned by Emit when the payload does not
	// match the event type's registered schema.
	ErrValidationFailed = errors.New("validation_failed")

	// ErrHandlerTimeout marks a handler that exceeded its execution budget.
	ErrHandlerTimeout = errors.New("handler_timeout")

	// ErrBusClosed is returned by Emit after Shutdown.
	ErrBusClosed = errors.New("event bus is shut down")
)

// HandlerFunc processes one dispatched event.
type HandlerFunc func(ctx context.Context, event Event) error

// HandlerOptions tune one subscription.
type HandlerOptions struct {
	// Sequential handlers run one at a time, in registration order, before
	// the concurrent fan-out.
	Sequential bool

	// Timeout overrides the bus-wide handler timeout when positive.
	Timeout time.Duration

	// Owner attributes the subscription, typically to an integration name.
	Owner string
}

// Middleware transforms an event before handler dispatch. Returning false
// drops the event; remaining middleware and handlers do not run.
type Middleware func(ctx context.Context, event Event) (Event, bool)

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	EventsEmitted    int64
	EventsProcessed  int64
	EventsFailed     int64
	EventsDropped    int64
	EventsBatched    int64
	HandlersExecuted int64
	HandlersFailed   int64

	Subscriptions int
	QueuedEvents  int
}

// subscription is one compiled handler registration.
type subscription struct {
	id         string
	pattern    string
	matcher    matcher
	fn         HandlerFunc
	sequential bool
	timeout    time.Duration
	owner      string
}
