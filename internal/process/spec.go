package process

import (
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Spec describes a supervised process. It is immutable once a monitor owns it.
type Spec struct {
	ID          string            `json:"id"`
	Command     []string          `json:"command"`
	Cwd         string            `json:"cwd,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	MaxRestarts int               `json:"maxRestarts"` // -1 = unlimited
	SleepMs     int               `json:"sleepMs"`     // delay before an automatic restart
	Logfile     string            `json:"logfile,omitempty"`
}

var (
	ErrEmptyID      = errors.New("process id required")
	ErrEmptyCommand = errors.New("command required")
)

// Validate checks the fields the supervisor depends on.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return ErrEmptyID
	}
	if strings.ContainsAny(s.ID, "/\\\n") {
		return fmt.Errorf("invalid process id %q", s.ID)
	}
	if len(s.Command) == 0 || strings.TrimSpace(s.Command[0]) == "" {
		return ErrEmptyCommand
	}
	return nil
}

// Normalized resolves a relative logfile against Cwd and clamps negative sleeps.
func (s Spec) Normalized() Spec {
	if s.Logfile != "" && !filepath.IsAbs(s.Logfile) && s.Cwd != "" {
		s.Logfile = filepath.Join(s.Cwd, s.Logfile)
	}
	if s.SleepMs < 0 {
		s.SleepMs = 0
	}
	if s.MaxRestarts < -1 {
		s.MaxRestarts = -1
	}
	return s
}

// Unlimited reports whether automatic restarts are unbounded.
func (s Spec) Unlimited() bool { return s.MaxRestarts < 0 }

// Sleep is the backoff between a crash and the next automatic spawn.
func (s Spec) Sleep() time.Duration { return time.Duration(s.SleepMs) * time.Millisecond }

// BuildCommand constructs an *exec.Cmd for the argv in s.Command.
// A single-element command containing shell metacharacters runs under /bin/sh -c.
func (s Spec) BuildCommand() *exec.Cmd {
	if len(s.Command) == 0 {
		return getTrueCommand()
	}
	if len(s.Command) == 1 && strings.ContainsAny(s.Command[0], "|&;<>*?`$\"'(){}[]~ \t") {
		return getShellCommand(s.Command[0])
	}
	// #nosec G204
	return exec.Command(s.Command[0], s.Command[1:]...)
}

// Clone returns a deep copy so callers cannot mutate a monitor's spec through shared maps/slices.
func (s Spec) Clone() Spec {
	cp := s
	cp.Command = append([]string(nil), s.Command...)
	if s.Env != nil {
		cp.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			cp.Env[k] = v
		}
	}
	return cp
}
