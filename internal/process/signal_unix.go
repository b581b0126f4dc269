//go:build !windows

package process

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// signalGroup delivers sig to the whole process group led by pid.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	return unix.Kill(-pid, sig)
}

func signalName(sig syscall.Signal) string {
	if n := unix.SignalName(sig); n != "" {
		return n
	}
	return sig.String()
}
