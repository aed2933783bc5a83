// Package events is the append-only log sink boundary: signed event
// rows are published to a NATS subject and consumed asynchronously by
// the materializer. Delivery is at-least-once; consumers must tolerate
// duplicates.
package events

import "context"

// Subjects for the event log.
const (
	// TopicRows carries one JSON-encoded model.Row per message.
	TopicRows = "beacon.events.rows"
)

// Publisher is the interface for emitting log rows.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}
