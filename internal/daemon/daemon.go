// Package daemon hosts the supervisor behind the control socket: startup and
// recovery, request handlers, idle autoclose and the shutdown modes.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/psy/internal/checkpoint"
	"github.com/loykin/psy/internal/env"
	"github.com/loykin/psy/internal/history"
	"github.com/loykin/psy/internal/history/sqlite"
	"github.com/loykin/psy/internal/ipc"
	"github.com/loykin/psy/internal/logmux"
	"github.com/loykin/psy/internal/manager"
	"github.com/loykin/psy/internal/metrics"
	"github.com/loykin/psy/internal/process"
	"github.com/loykin/psy/internal/server"
)

// ErrAlreadyRunning is returned when another daemon holds the daemon lock.
var ErrAlreadyRunning = errors.New("daemon already running")

// Mode is the reason a daemon shut down.
type Mode int

const (
	ModeSignal Mode = iota
	ModeIdle
	ModeClose
	ModeReset
	ModeKill
)

func (m Mode) String() string {
	switch m {
	case ModeSignal:
		return "signal"
	case ModeIdle:
		return "idle"
	case ModeClose:
		return "close"
	case ModeReset:
		return "reset"
	case ModeKill:
		return "kill"
	default:
		return "unknown"
	}
}

type Options struct {
	SockFile  string
	PidFile   string
	StateFile string

	// Autoclose shuts the daemon down once it has no connections and no
	// monitors for IdleTimeout.
	Autoclose   bool
	IdleTimeout time.Duration
	StopTimeout time.Duration
	MaxBacklog  int64

	// Env is the base environment for children; nil uses the daemon's own.
	Env *env.Env
	// HistoryPath is the sqlite database for lifecycle events; empty disables it.
	HistoryPath string

	MetricsListen string
	HTTPListen    string
	HTTPBasePath  string

	Version string
	Logger  *slog.Logger

	// Ready is called once the socket accepts requests and recovery is done.
	Ready func() error
}

// Daemon is the context object shared by every component of a running daemon.
type Daemon struct {
	opts Options
	log  *slog.Logger

	lock    *flock.Flock
	store   *checkpoint.Store
	mux     *logmux.Mux
	group   *manager.Group
	hist    history.Store
	rec     *history.Recorder
	sampler *metrics.Sampler

	srv        *ipc.Server
	serveDone  chan error
	httpSrv    *http.Server
	metricsSrv *http.Server

	conns    atomic.Int64
	idleMu   sync.Mutex
	idle     *time.Timer
	shutdown chan Mode

	// exit ends the process after kill.
	exit func(code int)
}

// New builds a daemon. Nothing is opened until Start.
func New(opts Options) *Daemon {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = time.Second
	}
	if opts.Env == nil {
		e := env.New()
		e.FromOS()
		opts.Env = e
	}
	d := &Daemon{
		opts:     opts,
		log:      opts.Logger,
		store:    checkpoint.New(opts.StateFile),
		shutdown: make(chan Mode, 1),
		exit:     os.Exit,
	}
	d.mux = logmux.New(logmux.Options{MaxBacklog: opts.MaxBacklog, Logger: d.log})
	return d
}

// Group exposes the supervisor.
func (d *Daemon) Group() *manager.Group { return d.group }

// Start takes the daemon lock, loads the checkpoint, listens, writes the
// pidfile and recovers the saved processes, in that order.
func (d *Daemon) Start() error {
	if err := os.MkdirAll(filepath.Dir(d.opts.PidFile), 0o750); err != nil {
		return fmt.Errorf("create runtime dir: %w", err)
	}
	d.lock = flock.New(d.opts.PidFile + ".lock")
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}

	records, err := d.store.Load()
	if err != nil {
		d.release()
		return err
	}

	d.openHistory()
	observers := []manager.Observer{d.mux, manager.ObserverFunc(d.logEvent)}
	if d.rec != nil {
		observers = append(observers, d.rec)
	}
	d.group = manager.NewGroup(manager.Options{
		Observers:   observers,
		Output:      d.mux,
		EnvMerger:   func(s process.Spec) []string { return d.opts.Env.Merge(s.Env) },
		StopTimeout: d.opts.StopTimeout,
		Checkpoint:  d.store,
		Logger:      d.log,
	})

	d.srv, err = ipc.Listen(d.opts.SockFile, d, ipc.Options{
		Logger:       d.log,
		ErrorCode:    errorCode,
		OnConnect:    d.onConnect,
		OnDisconnect: d.onDisconnect,
	})
	if err != nil {
		d.closeHistory()
		d.release()
		return err
	}

	if err := process.WritePIDFile(d.opts.PidFile, os.Getpid()); err != nil {
		_ = d.srv.Close()
		d.closeHistory()
		d.release()
		return fmt.Errorf("write pidfile: %w", err)
	}

	for _, err := range d.group.Recover(records) {
		d.log.Warn("recover process", "error", err)
	}
	if len(records) > 0 {
		d.log.Info("recovered processes", "count", len(records), "statefile", d.opts.StateFile)
	}

	d.startObservability()

	d.serveDone = make(chan error, 1)
	go func() { d.serveDone <- d.srv.Serve() }()
	d.armIdle()
	d.log.Info("daemon listening", "socket", d.opts.SockFile, "pid", os.Getpid(), "autoclose", d.opts.Autoclose)
	return nil
}

// Serve blocks until a shutdown is requested or ctx ends, then tears the
// daemon down and reports the mode.
func (d *Daemon) Serve(ctx context.Context) Mode {
	var mode Mode
	select {
	case <-ctx.Done():
		mode = ModeSignal
	case mode = <-d.shutdown:
	}
	d.teardown(mode)
	return mode
}

// Run starts the daemon, signals readiness and serves until shutdown.
func Run(ctx context.Context, opts Options) error {
	d := New(opts)
	if err := d.Start(); err != nil {
		return err
	}
	if opts.Ready != nil {
		if err := opts.Ready(); err != nil {
			d.log.Warn("signal readiness", "error", err)
		}
	}
	d.Serve(ctx)
	return nil
}

// requestShutdown queues mode; the first request wins.
func (d *Daemon) requestShutdown(mode Mode) {
	select {
	case d.shutdown <- mode:
	default:
	}
}

func (d *Daemon) teardown(mode Mode) {
	d.log.Info("daemon shutting down", "mode", mode.String())
	d.stopIdle()

	if mode == ModeKill {
		d.group.KillAll()
		_ = process.RemovePIDFile(d.opts.PidFile)
		_ = os.Remove(d.opts.SockFile)
		d.exit(0)
	}

	if err := d.srv.Close(); err != nil {
		d.log.Warn("close control socket", "error", err)
	}
	<-d.serveDone

	// close and signal keep the checkpoint so the next daemon recovers the set
	d.group.RemoveAll()
	if mode == ModeReset {
		if err := d.store.Remove(); err != nil {
			d.log.Warn("remove statefile", "error", err)
		}
	}

	d.stopObservability()
	d.closeHistory()
	d.mux.CloseAll()
	if err := process.RemovePIDFile(d.opts.PidFile); err != nil {
		d.log.Warn("remove pidfile", "error", err)
	}
	d.release()
}

func (d *Daemon) release() {
	if d.lock != nil {
		_ = d.lock.Unlock()
	}
}

func (d *Daemon) logEvent(e manager.Event) {
	attrs := []any{"id", e.ID, "event", e.Kind.String()}
	if e.PID != 0 {
		attrs = append(attrs, "pid", e.PID)
	}
	if e.Detail != "" {
		attrs = append(attrs, "detail", e.Detail)
	}
	if e.Kind == manager.EventWarn || e.Kind == manager.EventCrash {
		d.log.Warn("process event", attrs...)
		return
	}
	d.log.Info("process event", attrs...)
}

func (d *Daemon) openHistory() {
	if d.opts.HistoryPath == "" {
		return
	}
	s, err := sqlite.New(d.opts.HistoryPath)
	if err != nil {
		d.log.Warn("history disabled", "path", d.opts.HistoryPath, "error", err)
		return
	}
	d.hist = s
	d.rec = history.NewRecorder(s, d.log)
}

func (d *Daemon) closeHistory() {
	if d.rec != nil {
		d.rec.Close()
		d.rec = nil
	}
	if d.hist != nil {
		if err := d.hist.Close(); err != nil {
			d.log.Warn("close history", "error", err)
		}
		d.hist = nil
	}
}

func (d *Daemon) startObservability() {
	if d.opts.MetricsListen == "" && d.opts.HTTPListen == "" {
		return
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		d.log.Warn("register metrics", "error", err)
	}
	d.sampler = metrics.NewSampler(metrics.DefaultSampleInterval, d.log)
	d.sampler.Start(context.Background(), d.group.PIDs)

	if d.opts.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		d.metricsSrv = server.NewServer(d.opts.MetricsListen, mux)
		d.log.Info("metrics listening", "addr", d.opts.MetricsListen)
	}
	if d.opts.HTTPListen != "" {
		var reader history.Reader
		if d.hist != nil {
			reader = d.hist
		}
		r := server.NewRouter(d.group, reader, d.sampler, d.opts.HTTPBasePath)
		d.httpSrv = server.NewServer(d.opts.HTTPListen, r.Handler())
		d.log.Info("http listening", "addr", d.opts.HTTPListen, "base", d.opts.HTTPBasePath)
	}
}

func (d *Daemon) stopObservability() {
	for _, s := range []*http.Server{d.httpSrv, d.metricsSrv} {
		if err := server.Shutdown(s, 2*time.Second); err != nil {
			d.log.Warn("http shutdown", "error", err)
		}
	}
	if d.sampler != nil {
		d.sampler.Stop()
	}
}
