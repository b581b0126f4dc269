package manager

import (
	"io"
	"time"

	"github.com/loykin/psy/internal/process"
)

// EventKind names a lifecycle event of a monitor.
type EventKind int

const (
	EventStart EventKind = iota
	EventStop
	EventRestart
	EventCrash
	EventSleep
	EventSpawn
	EventExit
	EventWarn
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventStop:
		return "stop"
	case EventRestart:
		return "restart"
	case EventCrash:
		return "crash"
	case EventSleep:
		return "sleep"
	case EventSpawn:
		return "spawn"
	case EventExit:
		return "exit"
	case EventWarn:
		return "warn"
	default:
		return "unknown"
	}
}

// Event is emitted by a monitor's goroutine in occurrence order.
// Detail is "PID <pid>" for spawn, "code <n>" or "signal <name>" for exit and
// the error text for warn.
type Event struct {
	Kind   EventKind
	ID     string
	PID    int
	Detail string
	At     time.Time
}

// Observer receives lifecycle events synchronously.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// OutputSink provides the destination of a monitor's merged output.
// Open is called before every spawn and may return a usable writer together
// with an error describing a degraded sink (for example an unopenable logfile).
type OutputSink interface {
	Open(spec process.Spec) (io.Writer, error)
	Close(id string)
}
