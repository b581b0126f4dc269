package psy

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func TestSupervisorFacade(t *testing.T) {
	requireUnix(t)
	s := New(SupervisorOptions{StopTimeout: time.Second})
	defer s.Shutdown()

	logfile := filepath.Join(t.TempDir(), "hello.log")
	info, err := s.Start(Spec{ID: "hello", Command: []string{"sh", "-c", "echo hi; sleep 30"}, MaxRestarts: -1, Logfile: logfile})
	require.NoError(t, err)
	assert.Equal(t, "running", info.Status)

	_, err = s.Start(Spec{ID: "hello", Command: []string{"true"}, MaxRestarts: -1})
	var dup *DuplicateStartError
	require.ErrorAs(t, err, &dup)

	require.Eventually(t, func() bool {
		var out bytes.Buffer
		return s.Log(context.Background(), "hello", LogRequest{Last: "10"}, &out) == nil && strings.Contains(out.String(), "hi\n")
	}, 5*time.Second, 20*time.Millisecond)

	info, err = s.Stop("hello")
	require.NoError(t, err)
	assert.Equal(t, "stopped", info.Status)
	require.NoError(t, s.Remove("hello"))

	_, err = s.Get("hello")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHTTPHandlerFacade(t *testing.T) {
	requireUnix(t)
	s := New(SupervisorOptions{StopTimeout: time.Second})
	defer s.Shutdown()
	_, err := s.Start(Spec{ID: "api", Command: []string{"sleep", "30"}, MaxRestarts: -1})
	require.NoError(t, err)

	h := NewHTTPHandler(s, "/api")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/processes/api", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var info MonitorInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "api", info.ID)
}

func TestMetricsFacade(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterMetrics(reg))
	assert.NotNil(t, MetricsHandler())
}

func TestConnectAndServe(t *testing.T) {
	requireUnix(t)
	dir, err := os.MkdirTemp("", "psyf")
	require.NoError(t, err)
	defer func() { _ = os.RemoveAll(dir) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan struct{})
	served := make(chan error, 1)
	go func() {
		served <- Serve(ctx, DaemonOptions{
			SockFile:  filepath.Join(dir, "sock"),
			PidFile:   filepath.Join(dir, "pid"),
			StateFile: filepath.Join(dir, "state"),
			Ready:     func() error { close(ready); return nil },
		})
	}()
	select {
	case <-ready:
	case err := <-served:
		t.Fatalf("serve: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon not ready")
	}

	c, err := Connect(ctx, ClientOptions{SockFile: filepath.Join(dir, "sock"), StateFile: filepath.Join(dir, "state")})
	require.NoError(t, err)
	defer func() { _ = c.Disconnect() }()
	res, err := c.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), res.PID)

	require.NoError(t, c.Close(ctx))
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not close")
	}
}
