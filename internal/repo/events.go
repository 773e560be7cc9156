package repo

import "context"

// EventKind distinguishes assignment from cancellation events on the
// repository event stream.
type EventKind string

const (
	EventAssignment   EventKind = "ASSIGNMENT"
	EventCancellation EventKind = "CANCELLATION"
)

// Event is one repository-side deployment event. ID is a stable UUID used
// as the idempotency key: at-least-once delivery may hand the same logical
// event to the dispatcher more than once, and consumers deduplicate on it.
type Event struct {
	ID           string    `json:"id"`
	Kind         EventKind `json:"kind"`
	Tenant       string    `json:"tenant"`
	ControllerID string    `json:"controllerId"`
	ActionID     int64     `json:"actionId"`
	// TargetToken is populated on assignment events published by the
	// Finished cascade so the dispatcher can push the next deployment
	// without re-reading the secret.
	TargetToken string `json:"targetSecurityToken,omitempty"`
}

// EventHandler consumes one repository event.
type EventHandler func(ctx context.Context, event Event) error

// EventStream is the subscription side of the repository event bus.
type EventStream interface {
	// Subscribe blocks, invoking handler for every event until ctx is
	// cancelled.
	Subscribe(ctx context.Context, handler EventHandler) error
}

// EventPublisher is the publish side, used by the Finished cascade.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}
