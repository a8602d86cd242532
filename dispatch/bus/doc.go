// Package bus implements the event bus at the center of the dispatch
// framework. Emitted events are validated against registered schemas, run
// through an ordered middleware chain, and fanned out to pattern-matched
// handlers: sequential subscriptions in registration order, concurrent ones
// under a bounded fan-out. Bulk event types are queued and flushed in
// batches. Per-event-type dispatch can be wrapped in an error boundary, and
// external integrations register once and are auto-subscribed to the
// patterns they answer for.
package bus
