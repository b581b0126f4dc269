package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/loykin/psy/internal/logmux"
	"github.com/loykin/psy/internal/process"
)

// Start registers and starts a process from flags and the command line
func (c *command) Start(ctx context.Context, f StartFlags, args []string) error {
	spec, err := buildSpec(f, args)
	if err != nil {
		return err
	}
	h, _, err := c.handle(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = h.Disconnect() }()

	info, err := h.Start(ctx, spec)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "%s started (pid %d)\n", info.ID, info.PID)
	return nil
}

// buildSpec applies the client-side defaults: random id, caller's cwd and
// a logfile resolved against that cwd.
func buildSpec(f StartFlags, args []string) (process.Spec, error) {
	if len(args) == 0 {
		return process.Spec{}, errors.New("command required")
	}
	name := strings.TrimSpace(f.Name)
	if name == "" {
		name = defaultName()
	}
	cwd := f.Cwd
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return process.Spec{}, fmt.Errorf("resolve working directory: %w", err)
		}
		cwd = wd
	}
	abs, err := filepath.Abs(cwd)
	if err != nil {
		return process.Spec{}, err
	}
	envs, err := parseEnv(f.Env)
	if err != nil {
		return process.Spec{}, err
	}
	logfile := f.Logfile
	if logfile != "" && !filepath.IsAbs(logfile) {
		logfile = filepath.Join(abs, logfile)
	}
	spec := process.Spec{
		ID:          name,
		Command:     append([]string(nil), args...),
		Cwd:         abs,
		Env:         envs,
		MaxRestarts: f.MaxRestarts,
		SleepMs:     f.SleepMs,
		Logfile:     logfile,
	}
	return spec, spec.Validate()
}

func defaultName() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func parseEnv(kvs []string) (map[string]string, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid env %q: want K=V", kv)
		}
		m[k] = v
	}
	return m, nil
}

// Stop stops a running process
func (c *command) Stop(ctx context.Context, name string) error {
	h, _, err := c.handle(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = h.Disconnect() }()
	_, err = h.Stop(ctx, name)
	return err
}

// Restart stops and starts a process
func (c *command) Restart(ctx context.Context, name string) error {
	h, _, err := c.handle(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = h.Disconnect() }()
	info, err := h.Restart(ctx, name)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "%s restarted (pid %d)\n", info.ID, info.PID)
	return nil
}

// Remove stops a process and unregisters it
func (c *command) Remove(ctx context.Context, name string) error {
	h, _, err := c.handle(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = h.Disconnect() }()
	return h.Remove(ctx, name)
}

// List prints every registered process
func (c *command) List(ctx context.Context, f ListFlags) error {
	format, err := parseFormat(f.Format)
	if err != nil {
		return err
	}
	h, _, err := c.handle(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = h.Disconnect() }()

	infos, err := h.List(ctx)
	if err != nil {
		return err
	}
	if format == "json" {
		return printJSON(c.out, infos)
	}
	_, _ = fmt.Fprintln(c.out, renderProcesses(infos, isTerminal(c.out)))
	return nil
}

// Log writes the requested output of a process to stdout
func (c *command) Log(ctx context.Context, name string, f LogFlags) error {
	if f.Last != "" && f.Range != "" {
		return errors.New("-n and -N are mutually exclusive")
	}
	h, _, err := c.handle(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = h.Disconnect() }()

	err = h.Log(ctx, name, logmux.Request{Last: f.Last, Range: f.Range, Follow: f.Follow}, c.out)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// History prints recent lifecycle events
func (c *command) History(ctx context.Context, name string, f HistoryFlags) error {
	format, err := parseFormat(f.Format)
	if err != nil {
		return err
	}
	h, _, err := c.handle(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = h.Disconnect() }()

	events, err := h.History(ctx, name, f.Limit)
	if err != nil {
		return err
	}
	if format == "json" {
		return printJSON(c.out, events)
	}
	_, _ = fmt.Fprintln(c.out, renderHistory(events))
	return nil
}

func parseFormat(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "table":
		return "table", nil
	case "json":
		return "json", nil
	}
	return "", fmt.Errorf("unknown format %q (table or json)", s)
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
