package process

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var ErrBadPIDFile = errors.New("malformed pid file")

// ReadPIDFile returns the pid stored in path.
func ReadPIDFile(path string) (int, error) {
	b, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return 0, err
	}
	pidLine, _, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil || pid <= 0 {
		return 0, ErrBadPIDFile
	}
	return pid, nil
}

// WritePIDFile writes pid to path, creating the parent directory.
func WritePIDFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	// #nosec G306
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// RemovePIDFile removes path, ignoring a missing file.
func RemovePIDFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// startSlack absorbs the second granularity of OS start times.
const startSlack = 2 * time.Second

// LivePID reads path and returns the pid if that process is still alive, else 0.
// A live process that started after the pidfile was written reuses the pid of
// a dead daemon and counts as gone.
func LivePID(path string) (int, error) {
	pid, err := ReadPIDFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	if !Alive(pid) {
		return 0, nil
	}
	if fi, err := os.Stat(path); err == nil {
		if st := StartTime(pid); !st.IsZero() && st.After(fi.ModTime().Add(startSlack)) {
			return 0, nil
		}
	}
	return pid, nil
}
