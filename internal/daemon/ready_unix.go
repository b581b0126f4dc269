//go:build !windows

package daemon

import (
	"fmt"
	"os"
)

// ReadyFD returns a Ready callback that writes one byte to the inherited
// descriptor fd and closes it.
func ReadyFD(fd int) func() error {
	return func() error {
		f := os.NewFile(uintptr(fd), "ready")
		if f == nil {
			return fmt.Errorf("ready fd %d is not open", fd)
		}
		defer func() { _ = f.Close() }()
		if _, err := f.Write([]byte{1}); err != nil {
			return fmt.Errorf("write ready fd: %w", err)
		}
		return nil
	}
}
