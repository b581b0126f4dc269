package manager

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/loykin/psy/internal/metrics"
	"github.com/loykin/psy/internal/process"
)

// minRestartDelay floors the sleep between a crash and the next spawn.
const minRestartDelay = 50 * time.Millisecond

// Monitor supervises one spec with at most one live child.
//
// All transitions run on a single goroutine consuming cmdChan, the child's
// exit channel and the sleep timer. mu only guards the fields read by Info.
//
// State Machine:
// Stopped -> Starting -> Running -> {Stopping -> Stopped | Sleeping -> Starting | Crashed}
type Monitor struct {
	spec process.Spec
	opts monitorOptions

	mu        sync.RWMutex
	state     State
	proc      *process.Process
	restarts  int
	startedAt time.Time
	lastExit  string

	// owned by the state machine goroutine
	timer *time.Timer
	wakeC <-chan time.Time
	out   io.Writer

	cmdChan  chan command
	doneChan chan struct{}
}

type monitorOptions struct {
	observers []Observer
	output    OutputSink
	envMerger func(process.Spec) []string
}

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateSleeping
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateSleeping:
		return "sleeping"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// hasChild reports whether a monitor in s owns an OS child.
func (s State) hasChild() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

type command struct {
	action commandAction
	wait   time.Duration
	reply  chan error
}

type commandAction int

const (
	actionStart commandAction = iota
	actionStop
	actionRestart
	actionShutdown
	actionKill
)

func newMonitor(spec process.Spec, opts monitorOptions) *Monitor {
	if opts.envMerger == nil {
		opts.envMerger = func(process.Spec) []string { return nil }
	}
	m := &Monitor{
		spec:     spec.Clone(),
		opts:     opts,
		state:    StateStopped,
		cmdChan:  make(chan command, 16),
		doneChan: make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Monitor) ID() string { return m.spec.ID }

func (m *Monitor) Spec() process.Spec { return m.spec.Clone() }

func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// PID returns the live child's pid, or 0 when no child is owned.
func (m *Monitor) PID() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.state.hasChild() || m.proc == nil {
		return 0
	}
	return m.proc.PID()
}

// Info projects the monitor into its public form.
func (m *Monitor) Info() MonitorInfo {
	spec := m.spec.Clone()
	m.mu.RLock()
	defer m.mu.RUnlock()
	info := MonitorInfo{
		ID:          spec.ID,
		Status:      m.state.String(),
		Command:     spec.Command,
		Cwd:         spec.Cwd,
		Env:         spec.Env,
		Restarts:    m.restarts,
		MaxRestarts: spec.MaxRestarts,
		SleepMs:     spec.SleepMs,
		Logfile:     spec.Logfile,
		LastExit:    m.lastExit,
	}
	if m.state.hasChild() && m.proc != nil {
		info.PID = m.proc.PID()
		started := m.startedAt
		info.Started = &started
	}
	return info
}

// Start spawns the child from a stopped or crashed monitor, resetting the restart budget.
func (m *Monitor) Start() error { return m.send(command{action: actionStart}) }

// Stop terminates the child, escalating to SIGKILL after wait.
func (m *Monitor) Stop(wait time.Duration) error {
	return m.send(command{action: actionStop, wait: wait})
}

// Restart stops any live child and spawns a fresh one, bypassing the restart budget.
func (m *Monitor) Restart(wait time.Duration) error {
	return m.send(command{action: actionRestart, wait: wait})
}

// Shutdown stops the child and ends the monitor's goroutine.
func (m *Monitor) Shutdown(wait time.Duration) error {
	return m.send(command{action: actionShutdown, wait: wait})
}

// Kill SIGKILLs the child's process group and ends the monitor's goroutine
// without waiting for the child to be reaped.
func (m *Monitor) Kill() error { return m.send(command{action: actionKill}) }

// Done is closed when the monitor's goroutine has exited.
func (m *Monitor) Done() <-chan struct{} { return m.doneChan }

func (m *Monitor) send(cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case m.cmdChan <- cmd:
	case <-m.doneChan:
		return ErrMonitorClosed
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-m.doneChan:
		// the reply is written before the goroutine exits
		select {
		case err := <-cmd.reply:
			return err
		default:
			return ErrMonitorClosed
		}
	}
}

// run is the state machine (single goroutine, no races on proc/timer).
func (m *Monitor) run() {
	defer close(m.doneChan)
	for {
		var exitC <-chan struct{}
		if p := m.child(); p != nil {
			exitC = p.Done()
		}
		select {
		case cmd := <-m.cmdChan:
			if m.handleCommand(cmd) {
				return
			}
		case <-exitC:
			m.handleExit()
		case <-m.wakeC:
			m.wakeC = nil
			m.timer = nil
			m.handleWake()
		}
	}
}

// child returns the process whose exit should be watched, if any.
func (m *Monitor) child() *process.Process {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == StateRunning && m.proc != nil {
		return m.proc
	}
	return nil
}

// handleCommand applies cmd and reports whether the goroutine should exit.
func (m *Monitor) handleCommand(cmd command) bool {
	var err error
	exit := false
	switch cmd.action {
	case actionStart:
		err = m.handleStart()
	case actionStop:
		err = m.handleStop(cmd.wait)
	case actionRestart:
		err = m.handleRestart(cmd.wait)
	case actionShutdown:
		err = m.handleShutdown(cmd.wait)
		exit = true
	case actionKill:
		m.handleKill()
		exit = true
	}
	cmd.reply <- err
	return exit
}

func (m *Monitor) handleStart() error {
	switch st := m.State(); st {
	case StateStopped, StateCrashed:
	case StateSleeping:
		m.cancelTimer()
	default:
		return &DuplicateStartError{ID: m.spec.ID}
	}
	m.openOutput()
	m.emit(EventStart, 0, "")
	m.setRestarts(0)
	return m.spawn()
}

func (m *Monitor) handleStop(wait time.Duration) error {
	switch m.State() {
	case StateRunning, StateStarting:
		return m.doStop(wait)
	case StateSleeping:
		m.cancelTimer()
		m.setState(StateStopped)
		m.emit(EventStop, 0, "")
		metrics.IncStop(m.spec.ID)
	}
	return nil
}

func (m *Monitor) handleRestart(wait time.Duration) error {
	var stopErr error
	switch m.State() {
	case StateRunning, StateStarting:
		stopErr = m.doStop(wait)
	case StateSleeping:
		m.cancelTimer()
	}
	m.openOutput()
	m.emit(EventRestart, 0, "")
	m.setRestarts(0)
	if err := m.spawn(); err != nil {
		return err
	}
	return stopErr
}

func (m *Monitor) handleShutdown(wait time.Duration) error {
	m.cancelTimer()
	var err error
	if m.State().hasChild() {
		err = m.doStop(wait)
	}
	m.closeOutput()
	return err
}

func (m *Monitor) handleKill() {
	m.cancelTimer()
	m.mu.RLock()
	p, st := m.proc, m.state
	m.mu.RUnlock()
	if p != nil && st.hasChild() {
		p.Kill()
	}
	m.setState(StateStopped)
	m.closeOutput()
}

// doStop performs the actual stop operation. It never triggers crash handling.
func (m *Monitor) doStop(wait time.Duration) error {
	m.mu.RLock()
	p := m.proc
	m.mu.RUnlock()

	m.setState(StateStopping)
	var err error
	if p != nil {
		if err = p.Stop(wait); err != nil {
			err = fmt.Errorf("failed to stop %q: %w", m.spec.ID, err)
		}
		st := p.Snapshot()
		m.recordExit(st.Exit.Describe())
		m.emit(EventExit, st.PID, st.Exit.Describe())
	}
	m.setState(StateStopped)
	m.emit(EventStop, 0, "")
	metrics.IncStop(m.spec.ID)
	return err
}

// spawn starts one child. On exec failure it emits warn and applies crash accounting.
func (m *Monitor) spawn() error {
	spec := m.spec
	m.mu.Lock()
	m.proc = nil
	m.startedAt = time.Time{}
	m.mu.Unlock()
	m.setState(StateStarting)

	p := process.New(spec)
	if err := p.Start(m.opts.envMerger(spec), m.openOutput()); err != nil {
		m.emit(EventWarn, 0, err.Error())
		m.mu.Lock()
		m.proc = nil
		m.lastExit = err.Error()
		m.mu.Unlock()
		m.afterCrash()
		return fmt.Errorf("failed to start %q: %w", spec.ID, err)
	}

	pid := p.PID()
	m.mu.Lock()
	m.proc = p
	m.startedAt = time.Now()
	m.mu.Unlock()
	m.setState(StateRunning)
	m.emit(EventSpawn, pid, fmt.Sprintf("PID %d", pid))
	metrics.IncStart(spec.ID)
	return nil
}

// handleExit runs when a running child exits without a stop request.
func (m *Monitor) handleExit() {
	m.mu.RLock()
	p := m.proc
	m.mu.RUnlock()
	st := p.Snapshot()
	m.recordExit(st.Exit.Describe())
	m.emit(EventExit, st.PID, st.Exit.Describe())
	m.afterCrash()
}

// afterCrash either schedules a respawn or gives up, depending on the budget.
func (m *Monitor) afterCrash() {
	metrics.IncCrash(m.spec.ID)
	m.mu.Lock()
	retry := m.spec.Unlimited() || m.restarts < m.spec.MaxRestarts
	if retry {
		m.restarts++
	}
	m.mu.Unlock()

	if !retry {
		m.setState(StateCrashed)
		m.emit(EventCrash, 0, "")
		return
	}
	m.emit(EventCrash, 0, "")
	m.emit(EventSleep, 0, "")
	m.setState(StateSleeping)
	delay := m.spec.Sleep()
	if delay < minRestartDelay {
		delay = minRestartDelay
	}
	m.timer = time.NewTimer(delay)
	m.wakeC = m.timer.C
}

func (m *Monitor) handleWake() {
	if m.State() != StateSleeping {
		return
	}
	metrics.IncRestart(m.spec.ID)
	_ = m.spawn()
}

// openOutput opens the output sink once per monitor; the spec never changes.
func (m *Monitor) openOutput() io.Writer {
	if m.out != nil || m.opts.output == nil {
		return m.out
	}
	w, err := m.opts.output.Open(m.spec)
	if err != nil {
		m.emit(EventWarn, 0, err.Error())
	}
	m.out = w
	return w
}

func (m *Monitor) closeOutput() {
	if m.opts.output != nil && m.out != nil {
		m.opts.output.Close(m.spec.ID)
	}
	m.out = nil
}

func (m *Monitor) cancelTimer() {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = nil
	m.wakeC = nil
}

func (m *Monitor) setRestarts(n int) {
	m.mu.Lock()
	m.restarts = n
	m.mu.Unlock()
}

func (m *Monitor) recordExit(desc string) {
	m.mu.Lock()
	m.lastExit = desc
	m.mu.Unlock()
}

func (m *Monitor) emit(kind EventKind, pid int, detail string) {
	e := Event{Kind: kind, ID: m.spec.ID, PID: pid, Detail: detail, At: time.Now()}
	for _, o := range m.opts.observers {
		o.OnEvent(e)
	}
}

// setState safely updates state (minimal lock scope)
func (m *Monitor) setState(newState State) {
	m.mu.Lock()
	oldState := m.state
	m.state = newState
	m.mu.Unlock()
	if oldState == newState {
		return
	}

	metrics.RecordStateTransition(m.spec.ID, oldState.String(), newState.String())
	metrics.SetCurrentState(m.spec.ID, oldState.String(), false)
	metrics.SetCurrentState(m.spec.ID, newState.String(), true)
}
