package process

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// Status is a point-in-time view of one child.
type Status struct {
	PID       int       `json:"pid"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
	Exit      ExitInfo  `json:"exit"`
}

// ExitInfo records how a child terminated.
type ExitInfo struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
	Err    string `json:"error,omitempty"`
}

// Describe renders the exit as "code N" or "signal NAME".
func (e ExitInfo) Describe() string {
	switch {
	case e.Signal != "":
		return "signal " + e.Signal
	case e.Err != "":
		return e.Err
	default:
		return fmt.Sprintf("code %d", e.Code)
	}
}

func exitInfoFrom(err error) ExitInfo {
	if err == nil {
		return ExitInfo{}
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return ExitInfo{Code: -1, Signal: signalName(ws.Signal())}
		}
		return ExitInfo{Code: ee.ExitCode()}
	}
	return ExitInfo{Code: -1, Err: err.Error()}
}
