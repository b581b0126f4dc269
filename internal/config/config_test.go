package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearPsyEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"PSY_PATH", "PSY_SOCKFILE", "PSY_PIDFILE", "PSY_STATEFILE", "PSY_LOGFILE",
		"PSY_LOG_LEVEL", "PSY_METRICS_LISTEN", "PSY_HTTP_LISTEN", "PSY_HISTORY"} {
		t.Setenv(k, "")
	}
}

func TestLoad_DefaultsUnderDir(t *testing.T) {
	clearPsyEnv(t)
	dir := t.TempDir()

	c, err := Load(Overrides{Dir: dir})
	require.NoError(t, err)

	assert.Equal(t, dir, c.Dir)
	assert.Equal(t, filepath.Join(dir, "sock"), c.SockFile)
	assert.Equal(t, filepath.Join(dir, "pid"), c.PidFile)
	assert.Equal(t, filepath.Join(dir, "state"), c.StateFile)
	assert.Equal(t, filepath.Join(dir, "daemon.log"), c.Daemon.LogFile)
	assert.Equal(t, filepath.Join(dir, "history.db"), c.History.Path)
	assert.Equal(t, DefaultIdleTimeout, c.Daemon.IdleTimeout)
	assert.Equal(t, DefaultStopTimeout, c.Daemon.StopTimeout)
	assert.Equal(t, int64(DefaultMaxBacklog), c.Daemon.MaxBacklog)
	assert.Equal(t, "info", c.Daemon.LogLevel)
	assert.Equal(t, DefaultHTTPBasePath, c.HTTP.BasePath)
	assert.True(t, c.HistoryEnabled())
}

func TestLoad_EnvOverridesPaths(t *testing.T) {
	clearPsyEnv(t)
	dir := t.TempDir()
	sock := filepath.Join(dir, "custom.sock")
	t.Setenv("PSY_PATH", dir)
	t.Setenv("PSY_SOCKFILE", sock)
	t.Setenv("PSY_HISTORY", "off")

	c, err := Load(Overrides{})
	require.NoError(t, err)
	assert.Equal(t, dir, c.Dir)
	assert.Equal(t, sock, c.SockFile)
	assert.Equal(t, filepath.Join(dir, "pid"), c.PidFile)
	assert.False(t, c.HistoryEnabled())
}

func TestLoad_FlagsBeatEnv(t *testing.T) {
	clearPsyEnv(t)
	dir := t.TempDir()
	t.Setenv("PSY_PATH", dir)
	t.Setenv("PSY_PIDFILE", filepath.Join(dir, "env.pid"))

	c, err := Load(Overrides{PidFile: filepath.Join(dir, "flag.pid")})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "flag.pid"), c.PidFile)
}

func TestLoad_ConfigFileInDir(t *testing.T) {
	clearPsyEnv(t)
	dir := t.TempDir()
	data := `
env = ["A=1", "B=two"]

[daemon]
idle_timeout = "250ms"
stop_timeout = "5s"
log_level = "debug"

[metrics]
listen = "127.0.0.1:9100"

[log]
max_size_mb = 20
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(data), 0o644))

	c, err := Load(Overrides{Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, c.Daemon.IdleTimeout)
	assert.Equal(t, 5*time.Second, c.Daemon.StopTimeout)
	assert.Equal(t, "debug", c.Daemon.LogLevel)
	assert.Equal(t, "127.0.0.1:9100", c.Metrics.Listen)
	assert.Equal(t, 20, c.DaemonLog().MaxSizeMB)

	env, err := c.GlobalEnv()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1", "B": "two"}, env)
}

func TestLoad_ExplicitMissingConfigFails(t *testing.T) {
	clearPsyEnv(t)
	dir := t.TempDir()
	_, err := Load(Overrides{Dir: dir, ConfigPath: filepath.Join(dir, "nope.toml")})
	require.Error(t, err)
}

func TestGlobalEnv_FilesThenList(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "app.env")
	require.NoError(t, os.WriteFile(envFile, []byte("# comment\nA=file\nC=3\n\n"), 0o644))

	c := &Config{EnvFiles: []string{envFile}, Env: []string{"A=list", "=broken"}}
	env, err := c.GlobalEnv()
	require.NoError(t, err)
	assert.Equal(t, "list", env["A"])
	assert.Equal(t, "3", env["C"])
	_, hasEmpty := env[""]
	assert.False(t, hasEmpty)
}

func TestEnsureDirs(t *testing.T) {
	dir := t.TempDir()
	c := &Config{
		SockFile:  filepath.Join(dir, "a", "sock"),
		PidFile:   filepath.Join(dir, "b", "pid"),
		StateFile: filepath.Join(dir, "c", "state"),
	}
	require.NoError(t, c.EnsureDirs())
	for _, sub := range []string{"a", "b", "c"} {
		st, err := os.Stat(filepath.Join(dir, sub))
		require.NoError(t, err)
		assert.True(t, st.IsDir())
	}
}
