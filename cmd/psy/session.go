package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/loykin/psy/internal/config"
	"github.com/loykin/psy/internal/daemonctl"
	"github.com/loykin/psy/internal/logger"
)

// command carries what every subcommand needs: the global flags, output
// streams and, in tests, a replacement for the daemon launcher.
type command struct {
	global   *GlobalFlags
	out      io.Writer
	errOut   io.Writer
	launcher daemonctl.Launcher
}

func (c *command) loadConfig() (*config.Config, error) {
	return config.Load(config.Overrides{
		ConfigPath: c.global.ConfigPath,
		Dir:        c.global.PsyPath,
		SockFile:   c.global.SockFile,
		PidFile:    c.global.PidFile,
		StateFile:  c.global.StateFile,
	})
}

func (c *command) ctlOptions(cfg *config.Config) daemonctl.Options {
	launcher := c.launcher
	if launcher == nil {
		if exe, err := os.Executable(); err == nil {
			var args []string
			if c.global.ConfigPath != "" {
				args = append(args, "--config", c.global.ConfigPath)
			}
			if c.global.PsyPath != "" {
				args = append(args, "--psypath", c.global.PsyPath)
			}
			launcher = daemonctl.ExecLauncher{Executable: exe, Args: args, LogFile: cfg.Daemon.LogFile}
		}
	}
	return daemonctl.Options{
		SockFile:     cfg.SockFile,
		PidFile:      cfg.PidFile,
		StateFile:    cfg.StateFile,
		SpawnTimeout: cfg.Daemon.SpawnTimeout,
		Launcher:     launcher,
		Logger:       c.logger(),
	}
}

func (c *command) logger() *slog.Logger {
	if os.Getenv("PSY_DEBUG") != "" {
		return logger.New(c.errOut, "debug", isTerminal(c.errOut))
	}
	return logger.Nop()
}

// handle connects to the daemon, spawning it if needed.
func (c *command) handle(ctx context.Context) (*daemonctl.Handle, *config.Config, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, nil, err
	}
	h, err := daemonctl.GetHandle(ctx, c.ctlOptions(cfg))
	if err != nil {
		return nil, nil, err
	}
	return h, cfg, nil
}

// existing connects only to a daemon that is already running. It returns
// a nil handle when there is none.
func (c *command) existing() (*daemonctl.Handle, *config.Config, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	h, err := daemonctl.Connect(c.ctlOptions(cfg))
	if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
		return nil, cfg, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return h, cfg, nil
}
