package port

import (
	"context"

	"github.com/rl1809/commerce-core/internal/core/domain"
)

// EventHandler reacts to one event. A returned error is retried by the bus.
type EventHandler func(ctx context.Context, event domain.Event) error

type EventDeliverer interface {
	// Deliver runs every subscriber of the event and returns once all of them
	// have finished, with an error if any of them gave up.
	Deliver(ctx context.Context, event domain.Event) error
}

type EventBus interface {
	EventDeliverer

	// Subscribe registers handler under name for events of type t
	Subscribe(t domain.EventType, name string, handler EventHandler)
}
