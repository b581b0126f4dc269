// Package history records monitor lifecycle events for later inspection.
package history

import (
	"context"
	"time"
)

// Event is one lifecycle transition of a monitor.
type Event struct {
	Type       string    `json:"type"`
	ID         string    `json:"id"`
	PID        int       `json:"pid,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Reader returns recent events, newest first. An empty id matches every process.
type Reader interface {
	Recent(ctx context.Context, id string, limit int) ([]Event, error)
}

// Store is a sink that can also be queried.
type Store interface {
	Sink
	Reader
	Close() error
}
