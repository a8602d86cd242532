package bus

import (
	"context"
	"time"
)

// Integration is an external collaborator that consumes events from the bus.
// A registered integration is auto-subscribed to every pattern returned by
// EventTypes, with HandleEvent as the handler.
type Integration interface {
	Name() string
	Version() string
	Enabled() bool

	// Initialize prepares the integration before it receives events.
	Initialize(ctx context.Context) error

	// Shutdown releases the integration's resources.
	Shutdown(ctx context.Context) error

	// EventTypes lists the patterns the integration answers for.
	EventTypes() []string

	// HandleEvent processes one matched event.
	HandleEvent(ctx context.Context, event Event) error
}

// IntegrationStatus is a snapshot of one registered integration.
type IntegrationStatus struct {
	Name          string
	Version       string
	Enabled       bool
	Running       bool
	Subscriptions []string
	RegisteredAt  time.Time
	LastError     string
}

type integrationEntry struct {
	integration  Integration
	subIDs       []string
	running      bool
	registeredAt time.Time
	lastError    string
}
