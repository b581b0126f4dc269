package manager

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for operations on an unregistered id.
	ErrNotFound = errors.New("unknown process")
	// ErrInvalidSpec wraps a spec rejected by validation.
	ErrInvalidSpec = errors.New("invalid process spec")
	// ErrMonitorClosed is returned when a monitor's goroutine has already exited.
	ErrMonitorClosed = errors.New("monitor closed")
)

func notFound(id string) error { return fmt.Errorf("%w %q", ErrNotFound, id) }

// DuplicateStartError is returned when starting an id whose child is alive.
type DuplicateStartError struct {
	ID string
}

func (e *DuplicateStartError) Error() string {
	return fmt.Sprintf("A process called %q is already running.", e.ID)
}
