package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/loykin/psy/internal/config"
	"github.com/loykin/psy/internal/daemon"
	"github.com/loykin/psy/internal/env"
	"github.com/loykin/psy/internal/logger"
	"github.com/loykin/psy/internal/process"
)

// Server runs the daemon until it is closed, idles out or receives a signal.
// foreground logs to stderr in addition to the daemon log.
func (c *command) Server(ctx context.Context, f ServerFlags, foreground bool) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	logW, err := cfg.DaemonLog().Writer()
	if err != nil {
		return fmt.Errorf("open daemon log: %w", err)
	}
	if logW != nil {
		defer func() { _ = logW.Close() }()
	}
	log := logger.New(daemonLogWriter(logW, c.errOut, foreground), cfg.Daemon.LogLevel, foreground && isTerminal(c.errOut))

	childEnv, err := buildEnv(cfg)
	if err != nil {
		return err
	}

	opts := daemon.Options{
		SockFile:      cfg.SockFile,
		PidFile:       cfg.PidFile,
		StateFile:     cfg.StateFile,
		Autoclose:     f.Autoclose,
		IdleTimeout:   cfg.Daemon.IdleTimeout,
		StopTimeout:   cfg.Daemon.StopTimeout,
		MaxBacklog:    cfg.Daemon.MaxBacklog,
		Env:           childEnv,
		MetricsListen: cfg.Metrics.Listen,
		HTTPListen:    cfg.HTTP.Listen,
		HTTPBasePath:  cfg.HTTP.BasePath,
		Version:       version,
		Logger:        log,
	}
	if cfg.HistoryEnabled() {
		opts.HistoryPath = cfg.History.Path
	}
	if f.ReadyFD > 0 {
		opts.Ready = daemon.ReadyFD(f.ReadyFD)
	}
	if err := daemon.Run(ctx, opts); err != nil {
		log.Error("daemon failed", "error", err)
		return err
	}
	return nil
}

func daemonLogWriter(file io.Writer, stderr io.Writer, foreground bool) io.Writer {
	switch {
	case file == nil:
		return stderr
	case foreground:
		return io.MultiWriter(file, stderr)
	default:
		return file
	}
}

// buildEnv composes the child base environment: the daemon's own
// environment overlaid with the configured env files and pairs.
func buildEnv(cfg *config.Config) (*env.Env, error) {
	e := env.New()
	e.FromOS()
	vars, err := cfg.GlobalEnv()
	if err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	for k, v := range vars {
		e.Set(k, v)
	}
	return e, nil
}

// Pid prints the daemon pid from the pidfile, or 0 when it is not alive
func (c *command) Pid() error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	pid, err := process.LivePID(cfg.PidFile)
	if err != nil && !errors.Is(err, process.ErrBadPIDFile) {
		return err
	}
	_, _ = fmt.Fprintln(c.out, pid)
	return nil
}

// Close stops every process and the daemon, keeping the saved set
func (c *command) Close(ctx context.Context) error {
	h, _, err := c.existing()
	if err != nil || h == nil {
		return err
	}
	defer func() { _ = h.Disconnect() }()
	return h.Close(ctx)
}

// Kill ends every process and the daemon without waiting
func (c *command) Kill(ctx context.Context) error {
	h, _, err := c.existing()
	if err != nil || h == nil {
		return err
	}
	defer func() { _ = h.Disconnect() }()
	return h.Kill(ctx)
}

// Reset stops everything and deletes the pidfile, socket and state file
func (c *command) Reset(ctx context.Context) error {
	h, cfg, err := c.existing()
	if err != nil {
		return err
	}
	if h != nil {
		defer func() { _ = h.Disconnect() }()
		return h.Reset(ctx)
	}
	var errs []error
	for _, p := range []string{cfg.StateFile, cfg.PidFile, cfg.SockFile} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Version prints the build version
func (c *command) Version() {
	_, _ = fmt.Fprintf(c.out, "psy %s\n", version)
}
