//go:build !windows

package daemonctl

import (
	"os/exec"
	"syscall"
)

// configureDaemonAttrs detaches the daemon into its own session.
func configureDaemonAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
}
