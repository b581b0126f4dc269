package checkpoint

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/psy/internal/process"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "psy", "state")
	s := New(path)

	recs := []Record{
		{ID: "web", Status: "running", Command: []string{"sleep", "10"}, Cwd: "/tmp", Env: map[string]string{"A": "1"}, MaxRestarts: -1},
		{ID: "job", Status: "stopped", Command: []string{"true"}, Cwd: "/", MaxRestarts: 2, SleepMs: 100, Logfile: "/tmp/job.log"},
	}
	require.NoError(t, s.Save(recs))

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, recs, got)
}

func TestSaveWritesJSONArrayWithFieldNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	s := New(path)
	require.NoError(t, s.Save(nil))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(b))

	require.NoError(t, s.Save([]Record{{ID: "x", Status: "running", Command: []string{"a"}, MaxRestarts: -1}}))
	var raw []map[string]any
	b, err = os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, &raw))
	require.Len(t, raw, 1)
	for _, k := range []string{"id", "status", "command", "cwd", "env", "maxRestarts", "sleepMs"} {
		assert.Contains(t, raw[0], k)
	}
}

func TestSaveOverwritesFully(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	s := New(path)
	require.NoError(t, s.Save([]Record{
		{ID: "a", Command: []string{"a"}},
		{ID: "b", Command: []string{"b"}},
	}))
	require.NoError(t, s.Save([]Record{{ID: "c", Command: []string{"c"}}}))
	got, err := s.Load()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].ID)
}

func TestLoadMissingAndEmpty(t *testing.T) {
	dir := t.TempDir()
	got, err := New(filepath.Join(dir, "missing")).Load()
	require.NoError(t, err)
	assert.Empty(t, got)

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, []byte("  \n"), 0o600))
	got, err = New(empty).Load()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLoadNonArrayIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":"x"}`), 0o600))
	got, err := New(path).Load()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	require.NoError(t, os.WriteFile(path, []byte(`[{"id":`), 0o600))
	_, err := New(path).Load()
	var me *MalformedStateError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, path, me.Path)
}

func TestSaveIOError(t *testing.T) {
	dir := t.TempDir()
	// a directory where the file should be makes the write fail
	path := filepath.Join(dir, "state")
	require.NoError(t, os.MkdirAll(path, 0o750))
	err := New(path).Save([]Record{{ID: "x", Command: []string{"x"}}})
	var ioe *IOError
	require.True(t, errors.As(err, &ioe))
	assert.Equal(t, path, ioe.Path)
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	s := New(path)
	require.NoError(t, s.Save(nil))
	require.NoError(t, s.Remove())
	require.NoError(t, s.Remove())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestRecordSpecConversion(t *testing.T) {
	spec := process.Spec{ID: "x", Command: []string{"a", "b"}, Cwd: "/w", Env: map[string]string{"K": "V"}, MaxRestarts: 3, SleepMs: 10, Logfile: "/l"}
	r := FromSpec(spec, "running")
	assert.Equal(t, "running", r.Status)
	assert.Equal(t, spec, r.Spec())

	r.Env["K"] = "changed"
	assert.Equal(t, "V", spec.Env["K"])
}
