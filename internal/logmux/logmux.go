// Package logmux fans a process's merged output out to its logfile and to live
// subscribers, interleaving lifecycle annotations at line boundaries.
package logmux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/loykin/psy/internal/manager"
	"github.com/loykin/psy/internal/metrics"
	"github.com/loykin/psy/internal/process"
)

// DefaultMaxBacklog is the per-subscriber queue limit in bytes.
const DefaultMaxBacklog int64 = 64 << 20

var (
	// ErrMissingLogfile ends a windowed request for an id without a logfile.
	ErrMissingLogfile = errors.New("process has no logfile")
	// ErrSlowConsumer ends a live subscription whose backlog grew past the limit.
	ErrSlowConsumer = errors.New("log subscriber backlog exceeded")
)

type Options struct {
	MaxBacklog int64
	Logger     *slog.Logger
}

// Mux owns one stream per id. It implements manager.OutputSink and manager.Observer.
type Mux struct {
	maxBacklog int64
	log        *slog.Logger

	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	id  string
	log *slog.Logger

	mu          sync.Mutex
	path        string
	file        *os.File
	size        int64
	atLineStart bool
	subs        map[*subscriber]struct{}
	writeErr    bool
	// opened is set between Open and Close; a monitor holds the stream as its writer
	opened bool
	// dead marks a stream pruned from the mux; holders must look it up again
	dead bool
}

func New(opts Options) *Mux {
	if opts.MaxBacklog <= 0 {
		opts.MaxBacklog = DefaultMaxBacklog
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Mux{
		maxBacklog: opts.MaxBacklog,
		log:        opts.Logger,
		streams:    make(map[string]*stream),
	}
}

func (m *Mux) stream(id string, create bool) *stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.streams[id]
	if s == nil && create {
		s = &stream{id: id, log: m.log, atLineStart: true, subs: make(map[*subscriber]struct{})}
		m.streams[id] = s
	}
	return s
}

// acquire returns the live stream of id, created if missing, with its lock held.
func (m *Mux) acquire(id string) *stream {
	for {
		s := m.stream(id, true)
		s.mu.Lock()
		if !s.dead {
			return s
		}
		s.mu.Unlock()
	}
}

// prune drops s once nothing refers to it.
func (m *Mux) prune(s *stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead || s.opened || s.path != "" || s.file != nil || len(s.subs) > 0 {
		return
	}
	if m.streams[s.id] == s {
		delete(m.streams, s.id)
	}
	s.dead = true
}

// Open prepares the stream for spec and opens its logfile for appending.
// The returned writer is usable even when the logfile could not be opened.
func (m *Mux) Open(spec process.Spec) (io.Writer, error) {
	s := m.acquire(spec.ID)
	defer s.mu.Unlock()
	s.opened = true

	if s.file != nil && s.path == spec.Logfile {
		return s, nil
	}
	s.closeFileLocked()
	s.path = spec.Logfile
	if s.path == "" {
		return s, nil
	}
	// #nosec G304
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return s, fmt.Errorf("open logfile: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return s, fmt.Errorf("stat logfile: %w", err)
	}
	s.file = f
	s.size = fi.Size()
	s.writeErr = false
	return s, nil
}

// Close closes the logfile of id. Live subscribers stay attached.
func (m *Mux) Close(id string) {
	s := m.stream(id, false)
	if s == nil {
		return
	}
	s.mu.Lock()
	s.opened = false
	s.closeFileLocked()
	s.mu.Unlock()
	m.prune(s)
}

// CloseAll closes every logfile and ends every live subscription.
func (m *Mux) CloseAll() {
	m.mu.Lock()
	streams := make([]*stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.Unlock()

	for _, s := range streams {
		s.mu.Lock()
		s.opened = false
		s.closeFileLocked()
		for sub := range s.subs {
			sub.close(nil)
			delete(s.subs, sub)
			metrics.AddSubscribers(-1)
		}
		s.mu.Unlock()
	}
}

// Logfile returns the logfile path last opened for id.
func (m *Mux) Logfile(id string) string {
	s := m.stream(id, false)
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// OnEvent renders e as an annotation line on the stream of e.ID.
func (m *Mux) OnEvent(e manager.Event) {
	s := m.stream(e.ID, false)
	if s == nil {
		return
	}
	s.annotate(FormatEvent(e))
}

// FormatEvent renders e as "!!! PROCESS KIND[: detail]\n".
func FormatEvent(e manager.Event) string {
	line := "!!! PROCESS " + strings.ToUpper(e.Kind.String())
	if e.Detail != "" {
		line += ": " + e.Detail
	}
	return line + "\n"
}

// Write appends p to the logfile and every live subscriber.
func (s *stream) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	s.emitLocked(p)
	s.atLineStart = p[len(p)-1] == '\n'
	s.mu.Unlock()
	return len(p), nil
}

func (s *stream) annotate(line string) {
	s.mu.Lock()
	if !s.atLineStart {
		line = "\n" + line
	}
	s.emitLocked([]byte(line))
	s.atLineStart = true
	s.mu.Unlock()
}

func (s *stream) emitLocked(p []byte) {
	if s.file != nil {
		n, err := s.file.Write(p)
		s.size += int64(n)
		if err != nil && !s.writeErr {
			s.writeErr = true
			s.log.Warn("logfile write failed", "id", s.id, "path", s.path, "error", err)
		}
	}
	for sub := range s.subs {
		if ok, err := sub.push(p); !ok {
			delete(s.subs, sub)
			metrics.AddSubscribers(-1)
			if errors.Is(err, ErrSlowConsumer) {
				metrics.IncDroppedSubscriber()
			}
		}
	}
}

func (s *stream) closeFileLocked() {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
}

func (s *stream) addLocked(max int64) *subscriber {
	sub := newSubscriber(max)
	s.subs[sub] = struct{}{}
	metrics.AddSubscribers(1)
	return sub
}

func (s *stream) remove(sub *subscriber) {
	s.mu.Lock()
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
		metrics.AddSubscribers(-1)
	}
	s.mu.Unlock()
	sub.close(nil)
}

// snapshotLocked returns the logfile and the byte length already written to it.
func (s *stream) snapshotLocked() (string, int64) {
	if s.path == "" {
		return "", 0
	}
	if s.file != nil {
		return s.path, s.size
	}
	fi, err := os.Stat(s.path)
	if err != nil {
		return s.path, 0
	}
	return s.path, fi.Size()
}

// Stream copies the output of id to w according to req. It returns when the
// window is exhausted without follow, when ctx ends, when the mux closes or
// when the subscriber is dropped for exceeding the backlog.
func (m *Mux) Stream(ctx context.Context, id string, req Request, w io.Writer) error {
	win, err := req.window()
	if err != nil {
		return err
	}
	if win != nil && !req.Follow {
		s := m.stream(id, false)
		if s == nil {
			return ErrMissingLogfile
		}
		s.mu.Lock()
		path, size := s.snapshotLocked()
		s.mu.Unlock()
		if path == "" {
			return ErrMissingLogfile
		}
		return writeWindow(path, size, *win, w)
	}

	s := m.acquire(id)
	if win == nil {
		sub := s.addLocked(m.maxBacklog)
		s.mu.Unlock()
		return m.drain(ctx, s, sub, w)
	}

	path, size := s.snapshotLocked()
	if path == "" {
		sub := s.addLocked(m.maxBacklog)
		s.mu.Unlock()
		m.log.Debug("log window without logfile, following live", "id", id, "error", ErrMissingLogfile)
		return m.drain(ctx, s, sub, w)
	}
	// bytes emitted after this point queue up while history is read
	sub := s.addLocked(m.maxBacklog)
	s.mu.Unlock()

	if err := writeWindow(path, size, *win, w); err != nil {
		s.remove(sub)
		m.prune(s)
		return err
	}
	return m.drain(ctx, s, sub, w)
}

func (m *Mux) drain(ctx context.Context, s *stream, sub *subscriber, w io.Writer) error {
	defer m.prune(s)
	defer s.remove(sub)
	for {
		chunks, ok, err := sub.next(ctx)
		if !ok {
			if errors.Is(err, ErrSlowConsumer) {
				m.log.Warn("dropping slow log subscriber", "id", s.id)
			}
			return err
		}
		for _, c := range chunks {
			if _, err := w.Write(c); err != nil {
				return err
			}
		}
	}
}
