package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/psy/internal/manager"
)

const (
	recorderQueue = 1024
	sendTimeout   = 2 * time.Second
)

// Recorder forwards monitor events to a Sink from its own goroutine so a slow
// database never stalls a monitor. Events beyond the queue are dropped.
type Recorder struct {
	sink Sink
	log  *slog.Logger

	mu     sync.RWMutex
	closed bool
	ch     chan Event
	done   chan struct{}
}

func NewRecorder(sink Sink, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{
		sink: sink,
		log:  log,
		ch:   make(chan Event, recorderQueue),
		done: make(chan struct{}),
	}
	go r.run()
	return r
}

// OnEvent implements manager.Observer.
func (r *Recorder) OnEvent(e manager.Event) {
	evt := Event{Type: e.Kind.String(), ID: e.ID, PID: e.PID, Detail: e.Detail, OccurredAt: e.At.UTC()}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- evt:
	default:
		r.log.Warn("history queue full, dropping event", "id", e.ID, "event", evt.Type)
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if err := r.sink.Send(ctx, e); err != nil {
			r.log.Warn("history send failed", "id", e.ID, "event", e.Type, "error", err)
		}
		cancel()
	}
}

// Close flushes queued events and stops the goroutine. It does not close the sink.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()
	<-r.done
}
