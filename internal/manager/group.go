package manager

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loykin/psy/internal/checkpoint"
	"github.com/loykin/psy/internal/metrics"
	"github.com/loykin/psy/internal/process"
)

// DefaultStopTimeout is the SIGTERM to SIGKILL grace used when Options leaves it unset.
const DefaultStopTimeout = 3 * time.Second

// Checkpointer persists the registered set after each acknowledged mutation.
type Checkpointer interface {
	Save([]checkpoint.Record) error
}

type Options struct {
	Observers   []Observer
	Output      OutputSink
	EnvMerger   func(process.Spec) []string
	StopTimeout time.Duration
	Checkpoint  Checkpointer
	Logger      *slog.Logger
}

// Group is the registry of monitors and the only entry point that mutates them.
type Group struct {
	opts Options
	log  *slog.Logger

	mu       sync.RWMutex
	monitors map[string]*Monitor

	locksMu sync.Mutex
	locks   map[string]*idLock

	// cpMu orders snapshot and save so the last write is the newest set
	cpMu sync.Mutex
}

type idLock struct {
	mu   sync.Mutex
	refs int
}

func NewGroup(opts Options) *Group {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Group{
		opts:     opts,
		log:      log,
		monitors: make(map[string]*Monitor),
		locks:    make(map[string]*idLock),
	}
}

// lock serializes mutating operations on one id.
func (g *Group) lock(id string) func() {
	g.locksMu.Lock()
	l := g.locks[id]
	if l == nil {
		l = &idLock{}
		g.locks[id] = l
	}
	l.refs++
	g.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		g.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(g.locks, id)
		}
		g.locksMu.Unlock()
	}
}

func (g *Group) get(id string) *Monitor {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.monitors[id]
}

func (g *Group) put(m *Monitor) {
	g.mu.Lock()
	g.monitors[m.ID()] = m
	n := len(g.monitors)
	g.mu.Unlock()
	metrics.SetMonitors(n)
}

func (g *Group) delete(id string) {
	g.mu.Lock()
	delete(g.monitors, id)
	n := len(g.monitors)
	g.mu.Unlock()
	metrics.SetMonitors(n)
	metrics.Forget(id)
}

func (g *Group) monitorOptions() monitorOptions {
	return monitorOptions{
		observers: g.opts.Observers,
		output:    g.opts.Output,
		envMerger: g.opts.EnvMerger,
	}
}

// Start registers spec and spawns it. An id whose child is alive yields
// DuplicateStartError; any other existing monitor under the id is replaced.
func (g *Group) Start(spec process.Spec) (MonitorInfo, error) {
	if err := spec.Validate(); err != nil {
		return MonitorInfo{}, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	spec = spec.Normalized()

	unlock := g.lock(spec.ID)
	defer unlock()

	if err := g.replace(spec.ID); err != nil {
		return MonitorInfo{}, err
	}
	m := newMonitor(spec, g.monitorOptions())
	g.put(m)
	err := m.Start()
	info := m.Info()
	if cerr := g.checkpoint(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return info, err
}

// replace shuts down a non-running monitor registered under id.
func (g *Group) replace(id string) error {
	old := g.get(id)
	if old == nil {
		return nil
	}
	if old.State().hasChild() {
		return &DuplicateStartError{ID: id}
	}
	if err := old.Shutdown(g.opts.StopTimeout); err != nil && !errors.Is(err, ErrMonitorClosed) {
		g.log.Warn("replace monitor", "id", id, "error", err)
	}
	g.delete(id)
	return nil
}

// Stop stops the child of id. The monitor stays registered.
func (g *Group) Stop(id string) (MonitorInfo, error) {
	unlock := g.lock(id)
	defer unlock()

	m := g.get(id)
	if m == nil {
		return MonitorInfo{}, notFound(id)
	}
	err := m.Stop(g.opts.StopTimeout)
	info := m.Info()
	if cerr := g.checkpoint(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return info, err
}

// Restart stops then spawns id, regardless of its restart budget.
func (g *Group) Restart(id string) (MonitorInfo, error) {
	unlock := g.lock(id)
	defer unlock()

	m := g.get(id)
	if m == nil {
		return MonitorInfo{}, notFound(id)
	}
	err := m.Restart(g.opts.StopTimeout)
	info := m.Info()
	if cerr := g.checkpoint(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return info, err
}

// Remove stops id and deletes it from the group.
func (g *Group) Remove(id string) error {
	unlock := g.lock(id)
	defer unlock()

	m := g.get(id)
	if m == nil {
		return notFound(id)
	}
	err := m.Shutdown(g.opts.StopTimeout)
	if errors.Is(err, ErrMonitorClosed) {
		err = nil
	}
	g.delete(id)
	if cerr := g.checkpoint(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}

// Get returns the projection of id.
func (g *Group) Get(id string) (MonitorInfo, error) {
	m := g.get(id)
	if m == nil {
		return MonitorInfo{}, notFound(id)
	}
	return m.Info(), nil
}

// Has reports whether id is registered.
func (g *Group) Has(id string) bool { return g.get(id) != nil }

// Spec returns the spec registered under id.
func (g *Group) Spec(id string) (process.Spec, bool) {
	m := g.get(id)
	if m == nil {
		return process.Spec{}, false
	}
	return m.Spec(), true
}

func (g *Group) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.monitors)
}

func (g *Group) snapshot() []*Monitor {
	g.mu.RLock()
	ms := make([]*Monitor, 0, len(g.monitors))
	for _, m := range g.monitors {
		ms = append(ms, m)
	}
	g.mu.RUnlock()
	sort.Slice(ms, func(i, j int) bool { return ms[i].ID() < ms[j].ID() })
	return ms
}

// List returns every monitor's projection ordered by id.
func (g *Group) List() []MonitorInfo {
	ms := g.snapshot()
	out := make([]MonitorInfo, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Info())
	}
	return out
}

// PIDs maps each id to its live child's pid.
func (g *Group) PIDs() map[string]int32 {
	out := make(map[string]int32)
	for _, m := range g.snapshot() {
		if pid := m.PID(); pid > 0 {
			out[m.ID()] = int32(pid)
		}
	}
	return out
}

// Records returns the checkpoint form of the registered set.
func (g *Group) Records() []checkpoint.Record {
	ms := g.snapshot()
	out := make([]checkpoint.Record, 0, len(ms))
	for _, m := range ms {
		out = append(out, checkpoint.FromSpec(m.Spec(), m.State().String()))
	}
	return out
}

func (g *Group) checkpoint() error {
	if g.opts.Checkpoint == nil {
		return nil
	}
	g.cpMu.Lock()
	defer g.cpMu.Unlock()
	return g.opts.Checkpoint.Save(g.Records())
}

// Recover registers and starts every record. Spawn failures are collected,
// not fatal; the checkpoint is rewritten once at the end.
func (g *Group) Recover(records []checkpoint.Record) []error {
	var errs []error
	for _, r := range records {
		spec := r.Spec()
		if err := spec.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("recover %q: %w", r.ID, err))
			continue
		}
		spec = spec.Normalized()
		unlock := g.lock(spec.ID)
		if err := g.replace(spec.ID); err != nil {
			unlock()
			errs = append(errs, fmt.Errorf("recover %q: %w", r.ID, err))
			continue
		}
		m := newMonitor(spec, g.monitorOptions())
		g.put(m)
		if err := m.Start(); err != nil {
			errs = append(errs, fmt.Errorf("recover %q: %w", r.ID, err))
		}
		unlock()
	}
	if err := g.checkpoint(); err != nil {
		errs = append(errs, err)
	}
	return errs
}

// RemoveAll stops and removes every monitor without touching the checkpoint.
func (g *Group) RemoveAll() {
	var wg sync.WaitGroup
	for _, m := range g.snapshot() {
		wg.Add(1)
		go func(m *Monitor) {
			defer wg.Done()
			unlock := g.lock(m.ID())
			defer unlock()
			if err := m.Shutdown(g.opts.StopTimeout); err != nil && !errors.Is(err, ErrMonitorClosed) {
				g.log.Warn("shutdown monitor", "id", m.ID(), "error", err)
			}
			g.delete(m.ID())
		}(m)
	}
	wg.Wait()
}

// KillAll SIGKILLs every child's process group without waiting or checkpointing.
func (g *Group) KillAll() {
	for _, m := range g.snapshot() {
		_ = m.Kill()
	}
}
