package chronicle

import (
	"context"
)

// EventHook receives async notifications after mutations commit.
// Multiple hooks may be registered via multiple WithEventHook calls; all
// registered hooks receive every event. Hook methods run in goroutines —
// they must not block indefinitely. Failures are logged but never fail the
// originating mutation.
type EventHook interface {
	// OnStateChanged fires for entity, variable and merge events.
	OnStateChanged(ctx context.Context, event Event) error
	// OnWorldTimeAdvanced fires when a campaign clock moves.
	OnWorldTimeAdvanced(ctx context.Context, event Event) error
}

// Publisher delivers committed events to an external transport. When
// provided via WithPublisher it replaces the built-in publisher (in-process
// bus, or Redis when PUBSUB_URL is set). Publish must cost no more than an
// enqueue and never fails the caller; Close drains pending events within
// the context deadline.
type Publisher interface {
	Publish(ctx context.Context, event Event)
	Close(ctx context.Context) error
}
