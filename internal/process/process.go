package process

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"
)

const (
	// outputGrace bounds how long the waiter lingers for the output pipe after
	// the child is reaped; descendants may keep the write end open.
	outputGrace = 200 * time.Millisecond
	killGrace   = time.Second
)

var ErrAlreadyStarted = errors.New("process already started")

// Process is one spawn of a Spec: a single OS child, its merged output pipe and
// its exit status. It is not restartable; the supervisor creates a new Process
// for every spawn.
type Process struct {
	spec   Spec
	mu     sync.Mutex
	cmd    *exec.Cmd
	status Status
	done   chan struct{} // closed after the child is reaped and output drained
}

func New(spec Spec) *Process { return &Process{spec: spec.Clone()} }

func (p *Process) Spec() Spec { return p.spec }

// Start launches the child with env. Stdout and stderr share one pipe whose
// bytes are copied to out in order; out may be nil.
func (p *Process) Start(env []string, out io.Writer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return ErrAlreadyStarted
	}
	if out == nil {
		out = io.Discard
	}

	cmd := p.spec.BuildCommand()
	if p.spec.Cwd != "" {
		cmd.Dir = p.spec.Cwd
	}
	if len(env) > 0 {
		cmd.Env = env
	}
	configureSysProcAttr(cmd)

	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("output pipe: %w", err)
	}
	cmd.Stdout = w
	cmd.Stderr = w
	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return err
	}
	// The child holds its own copy of the write end.
	_ = w.Close()

	p.cmd = cmd
	p.done = make(chan struct{})
	p.status = Status{PID: cmd.Process.Pid, Running: true, StartedAt: time.Now()}

	outDone := make(chan struct{})
	go func() {
		defer close(outDone)
		defer func() { _ = r.Close() }()
		_, _ = io.Copy(out, r)
	}()
	go p.wait(cmd, outDone)
	return nil
}

func (p *Process) wait(cmd *exec.Cmd, outDone <-chan struct{}) {
	err := cmd.Wait()
	select {
	case <-outDone:
	case <-time.After(outputGrace):
	}
	p.mu.Lock()
	p.status.Running = false
	p.status.StoppedAt = time.Now()
	p.status.Exit = exitInfoFrom(err)
	close(p.done)
	p.mu.Unlock()
}

// Done is closed once the child has exited. It is nil before Start.
func (p *Process) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// PID returns the child's pid, or 0 before Start.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status.PID
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	s := p.status
	p.mu.Unlock()
	return s
}

// Exited reports whether the child has been reaped.
func (p *Process) Exited() bool {
	done := p.Done()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// Stop sends SIGTERM to the child's process group, escalating to SIGKILL after wait.
// It returns once the child is reaped.
func (p *Process) Stop(wait time.Duration) error {
	pid, done := p.PID(), p.Done()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}

	_ = signalGroup(pid, syscall.SIGTERM)
	select {
	case <-done:
		return nil
	case <-time.After(wait):
	}

	_ = signalGroup(pid, syscall.SIGKILL)
	select {
	case <-done:
		return nil
	case <-time.After(killGrace + outputGrace):
		return fmt.Errorf("process %d did not exit after SIGKILL", pid)
	}
}

// Kill sends SIGKILL to the process group without waiting.
func (p *Process) Kill() {
	if p.Exited() {
		return
	}
	_ = signalGroup(p.PID(), syscall.SIGKILL)
}

// Alive probes liveness of pid; a zombie counts as dead on Linux.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	return PidExists(pid)
}

// isZombieLinux returns true if /proc/<pid>/status reports a zombie state (Z) on Linux.
func isZombieLinux(pid int) bool {
	path := "/proc/" + strconv.Itoa(pid) + "/status"
	b, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
