// Package daemonctl is the client side of the daemon: it connects to a
// running daemon, spawning one first when none answers.
package daemonctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/loykin/psy/internal/ipc"
)

// DefaultSpawnTimeout bounds the wait for a spawned daemon's readiness byte.
const DefaultSpawnTimeout = 10 * time.Second

// ErrDaemonNotRunning is returned by Connect when no daemon answers.
var ErrDaemonNotRunning = errors.New("daemon not running")

// DaemonSpawnError reports a daemon that could not be brought up.
type DaemonSpawnError struct {
	Status string // exit status of the daemon, if it exited
	Err    error
}

func (e *DaemonSpawnError) Error() string {
	msg := "daemon failed to start"
	if e.Status != "" {
		msg += " (" + e.Status + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DaemonSpawnError) Unwrap() error { return e.Err }

type Options struct {
	SockFile     string
	PidFile      string
	StateFile    string
	SpawnTimeout time.Duration
	// Launcher starts the daemon; nil uses ExecLauncher on the current executable.
	Launcher Launcher
	Logger   *slog.Logger
}

// Launcher starts a detached daemon. The daemon must write one byte to ready
// once it accepts connections. The returned channel yields the daemon's exit.
type Launcher interface {
	Launch(opts Options, ready *os.File) (<-chan error, error)
}

type LauncherFunc func(opts Options, ready *os.File) (<-chan error, error)

func (f LauncherFunc) Launch(opts Options, ready *os.File) (<-chan error, error) {
	return f(opts, ready)
}

// GetHandle connects to the daemon at opts.SockFile, spawning it when the
// socket is missing or refuses connections. Concurrent callers are serialized
// by a lock file next to the socket so only one of them spawns.
func GetHandle(ctx context.Context, opts Options) (*Handle, error) {
	if opts.SpawnTimeout <= 0 {
		opts.SpawnTimeout = DefaultSpawnTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(opts.SockFile), 0o750); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}

	lock := flock.New(opts.SockFile + ".lock")
	lockCtx, cancel := context.WithTimeout(ctx, opts.SpawnTimeout)
	defer cancel()
	locked, err := lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("spawn lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("spawn lock %s held", opts.SockFile+".lock")
	}
	defer func() { _ = lock.Unlock() }()

	if _, err := os.Stat(opts.SockFile); err == nil {
		h, err := connect(opts)
		if err == nil {
			return h, nil
		}
		opts.Logger.Debug("stale daemon socket", "socket", opts.SockFile, "error", err)
	}
	_ = os.Remove(opts.SockFile)

	if err := spawn(ctx, opts); err != nil {
		return nil, err
	}
	h, err := connect(opts)
	if err != nil {
		return nil, &DaemonSpawnError{Err: err}
	}
	return h, nil
}

// Connect dials an already running daemon without spawning one.
func Connect(opts Options) (*Handle, error) {
	h, err := connect(opts)
	if err != nil {
		if isDaemonUnavailable(err) {
			return nil, ErrDaemonNotRunning
		}
		return nil, err
	}
	return h, nil
}

func connect(opts Options) (*Handle, error) {
	c, err := ipc.Dial(opts.SockFile)
	if err != nil {
		return nil, err
	}
	return &Handle{c: c, opts: opts}, nil
}

func spawn(ctx context.Context, opts Options) error {
	launcher := opts.Launcher
	if launcher == nil {
		exe, err := os.Executable()
		if err != nil {
			return &DaemonSpawnError{Err: fmt.Errorf("resolve executable: %w", err)}
		}
		launcher = ExecLauncher{Executable: exe}
	}

	r, w, err := os.Pipe()
	if err != nil {
		return &DaemonSpawnError{Err: err}
	}
	defer func() { _ = r.Close() }()

	exited, err := launcher.Launch(opts, w)
	_ = w.Close()
	if err != nil {
		return &DaemonSpawnError{Err: err}
	}

	readyC := make(chan error, 1)
	go func() {
		buf := make([]byte, 1)
		n, err := r.Read(buf)
		if n == 1 {
			readyC <- nil
			return
		}
		if err == nil {
			err = io.EOF
		}
		readyC <- err
	}()

	timer := time.NewTimer(opts.SpawnTimeout)
	defer timer.Stop()
	select {
	case err := <-readyC:
		if err == nil {
			return nil
		}
		// the daemon closed the pipe without signalling; prefer its exit status
		select {
		case werr := <-exited:
			return &DaemonSpawnError{Status: exitStatus(werr), Err: errors.New("daemon exited before ready")}
		case <-time.After(500 * time.Millisecond):
		}
		return &DaemonSpawnError{Err: fmt.Errorf("readiness pipe closed: %w", err)}
	case werr := <-exited:
		select {
		case err := <-readyC:
			if err == nil {
				return nil
			}
		default:
		}
		return &DaemonSpawnError{Status: exitStatus(werr), Err: errors.New("daemon exited before ready")}
	case <-timer.C:
		return &DaemonSpawnError{Err: context.DeadlineExceeded}
	case <-ctx.Done():
		return &DaemonSpawnError{Err: ctx.Err()}
	}
}

func exitStatus(err error) string {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ProcessState.String()
	}
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}

// ExecLauncher runs "<Executable> server --autoclose" detached in its own
// session with the readiness pipe as fd 3.
type ExecLauncher struct {
	Executable string
	// Args are appended after the generated flags, e.g. --config.
	Args []string
	// LogFile receives the daemon's stdout and stderr; empty discards them.
	LogFile string
}

func (l ExecLauncher) Launch(opts Options, ready *os.File) (<-chan error, error) {
	args := []string{"server", "--autoclose", "--ready-fd", "3",
		"--sockfile", opts.SockFile,
	}
	if opts.PidFile != "" {
		args = append(args, "--pidfile", opts.PidFile)
	}
	if opts.StateFile != "" {
		args = append(args, "--statefile", opts.StateFile)
	}
	args = append(args, l.Args...)

	// #nosec G204
	cmd := exec.Command(l.Executable, args...)
	cmd.ExtraFiles = []*os.File{ready}
	configureDaemonAttrs(cmd)

	var logF *os.File
	if l.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(l.LogFile), 0o750); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(l.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) // #nosec G304
		if err != nil {
			return nil, fmt.Errorf("open daemon log: %w", err)
		}
		logF = f
		cmd.Stdout = f
		cmd.Stderr = f
	}
	err := cmd.Start()
	if logF != nil {
		_ = logF.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("launch daemon: %w", err)
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()
	return exited, nil
}

// isDaemonUnavailable reports dial errors meaning nothing listens on the socket.
func isDaemonUnavailable(err error) bool {
	if err == nil {
		return false
	}
	return os.IsNotExist(err) ||
		errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNREFUSED)
}
