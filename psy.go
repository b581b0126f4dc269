// Package psy exposes the supervisor for embedding and a client for the psy daemon.
package psy

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/psy/internal/daemon"
	"github.com/loykin/psy/internal/daemonctl"
	"github.com/loykin/psy/internal/env"
	"github.com/loykin/psy/internal/logmux"
	"github.com/loykin/psy/internal/manager"
	"github.com/loykin/psy/internal/metrics"
	"github.com/loykin/psy/internal/process"
	iapi "github.com/loykin/psy/internal/server"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = process.Spec

type MonitorInfo = manager.MonitorInfo

type Event = manager.Event

type Observer = manager.Observer

type LogRequest = logmux.Request

type DuplicateStartError = manager.DuplicateStartError

type DaemonSpawnError = daemonctl.DaemonSpawnError

var (
	ErrNotFound         = manager.ErrNotFound
	ErrDaemonNotRunning = daemonctl.ErrDaemonNotRunning
)

// Supervisor runs monitors inside the calling process, without a daemon.
type Supervisor struct {
	group *manager.Group
	mux   *logmux.Mux
}

type SupervisorOptions struct {
	Observers   []Observer
	StopTimeout time.Duration
	Logger      *slog.Logger
}

func New(opts SupervisorOptions) *Supervisor {
	mux := logmux.New(logmux.Options{Logger: opts.Logger})
	base := env.New()
	base.FromOS()
	return &Supervisor{
		mux: mux,
		group: manager.NewGroup(manager.Options{
			Observers:   append([]Observer{mux}, opts.Observers...),
			Output:      mux,
			EnvMerger:   func(s Spec) []string { return base.Merge(s.Env) },
			StopTimeout: opts.StopTimeout,
			Logger:      opts.Logger,
		}),
	}
}

func (s *Supervisor) Start(spec Spec) (MonitorInfo, error)  { return s.group.Start(spec) }
func (s *Supervisor) Stop(id string) (MonitorInfo, error)    { return s.group.Stop(id) }
func (s *Supervisor) Restart(id string) (MonitorInfo, error) { return s.group.Restart(id) }
func (s *Supervisor) Remove(id string) error                 { return s.group.Remove(id) }
func (s *Supervisor) Get(id string) (MonitorInfo, error)     { return s.group.Get(id) }
func (s *Supervisor) List() []MonitorInfo                    { return s.group.List() }

// Log copies output of id to w; see LogRequest for windows and follow.
func (s *Supervisor) Log(ctx context.Context, id string, req LogRequest, w io.Writer) error {
	return s.mux.Stream(ctx, id, req, w)
}

// Shutdown stops and removes every monitor.
func (s *Supervisor) Shutdown() {
	s.group.RemoveAll()
	s.mux.CloseAll()
}

// Client is a connection to the psy daemon.
type Client = daemonctl.Handle

// ClientOptions locates the daemon; see daemonctl.Options.
type ClientOptions = daemonctl.Options

// Connect returns a client for the daemon, spawning it when none is running.
func Connect(ctx context.Context, opts ClientOptions) (*Client, error) {
	return daemonctl.GetHandle(ctx, opts)
}

// DaemonOptions configures an embedded daemon.
type DaemonOptions = daemon.Options

// Serve runs a daemon in the calling process until ctx ends or a client
// closes it.
func Serve(ctx context.Context, opts DaemonOptions) error { return daemon.Run(ctx, opts) }

// NewHTTPHandler returns the read-only HTTP API over s.
func NewHTTPHandler(s *Supervisor, basePath string) http.Handler {
	return iapi.NewRouter(s.group, nil, nil, basePath).Handler()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }
