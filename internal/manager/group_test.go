package manager

import (
	"bytes"
	"errors"
	"io"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/psy/internal/checkpoint"
	"github.com/loykin/psy/internal/process"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnEvent(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) kinds(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.ID == id {
			out = append(out, e.Kind.String())
		}
	}
	return out
}

func (r *recorder) count(id string, k EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.ID == id && e.Kind == k {
			n++
		}
	}
	return n
}

type memCheckpoint struct {
	mu    sync.Mutex
	saves [][]checkpoint.Record
	fail  error
}

func (c *memCheckpoint) Save(r []checkpoint.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.saves = append(c.saves, r)
	return nil
}

func (c *memCheckpoint) last() []checkpoint.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.saves) == 0 {
		return nil
	}
	return c.saves[len(c.saves)-1]
}

type bufferSink struct {
	mu   sync.Mutex
	bufs map[string]*bytes.Buffer
}

type lockedWriter struct {
	mu *sync.Mutex
	b  *bytes.Buffer
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.b.Write(p)
}

func (s *bufferSink) Open(spec process.Spec) (io.Writer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bufs == nil {
		s.bufs = make(map[string]*bytes.Buffer)
	}
	b := s.bufs[spec.ID]
	if b == nil {
		b = &bytes.Buffer{}
		s.bufs[spec.ID] = b
	}
	return lockedWriter{mu: &s.mu, b: b}, nil
}

func (s *bufferSink) Close(string) {}

func (s *bufferSink) String(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b := s.bufs[id]; b != nil {
		return b.String()
	}
	return ""
}

func newTestGroup(t *testing.T) (*Group, *recorder, *memCheckpoint) {
	t.Helper()
	rec := &recorder{}
	cp := &memCheckpoint{}
	g := NewGroup(Options{
		Observers:   []Observer{rec},
		StopTimeout: time.Second,
		Checkpoint:  cp,
	})
	t.Cleanup(g.RemoveAll)
	return g, rec, cp
}

func sleeper(id string) process.Spec {
	return process.Spec{ID: id, Command: []string{"sleep", "30"}, MaxRestarts: -1}
}

func waitStatus(t *testing.T, g *Group, id, status string) MonitorInfo {
	t.Helper()
	var info MonitorInfo
	require.Eventually(t, func() bool {
		var err error
		info, err = g.Get(id)
		return err == nil && info.Status == status
	}, 5*time.Second, 10*time.Millisecond, "waiting for %s to become %s (last %+v)", id, status, info)
	return info
}

func TestStartRunsAndEmitsSpawn(t *testing.T) {
	requireUnix(t)
	g, rec, cp := newTestGroup(t)

	info, err := g.Start(sleeper("web"))
	require.NoError(t, err)
	assert.Equal(t, "running", info.Status)
	assert.Greater(t, info.PID, 0)
	require.NotNil(t, info.Started)
	assert.Equal(t, []string{"start", "spawn"}, rec.kinds("web"))

	saved := cp.last()
	require.Len(t, saved, 1)
	assert.Equal(t, "web", saved[0].ID)
	assert.Equal(t, "running", saved[0].Status)
}

func TestStartDuplicateKeepsPID(t *testing.T) {
	requireUnix(t)
	g, _, _ := newTestGroup(t)

	first, err := g.Start(sleeper("dup"))
	require.NoError(t, err)

	_, err = g.Start(sleeper("dup"))
	var dup *DuplicateStartError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, `A process called "dup" is already running.`, err.Error())

	info, err := g.Get("dup")
	require.NoError(t, err)
	assert.Equal(t, first.PID, info.PID)
}

func TestStartInvalidSpec(t *testing.T) {
	g, _, _ := newTestGroup(t)
	_, err := g.Start(process.Spec{ID: "x"})
	assert.ErrorIs(t, err, ErrInvalidSpec)
	assert.False(t, g.Has("x"))
}

func TestStopEmitsExitAndStop(t *testing.T) {
	requireUnix(t)
	g, rec, cp := newTestGroup(t)
	_, err := g.Start(sleeper("s"))
	require.NoError(t, err)

	info, err := g.Stop("s")
	require.NoError(t, err)
	assert.Equal(t, "stopped", info.Status)
	assert.Zero(t, info.PID)
	assert.Nil(t, info.Started)
	assert.Equal(t, []string{"start", "spawn", "exit", "stop"}, rec.kinds("s"))
	assert.Zero(t, rec.count("s", EventCrash))
	assert.Equal(t, "stopped", cp.last()[0].Status)

	// stopping again is a no-op
	_, err = g.Stop("s")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.count("s", EventStop))
}

func TestStartReplacesStoppedMonitor(t *testing.T) {
	requireUnix(t)
	g, _, _ := newTestGroup(t)
	_, err := g.Start(sleeper("r"))
	require.NoError(t, err)
	_, err = g.Stop("r")
	require.NoError(t, err)

	spec := sleeper("r")
	spec.Command = []string{"sleep", "20"}
	info, err := g.Start(spec)
	require.NoError(t, err)
	assert.Equal(t, "running", info.Status)
	assert.Equal(t, []string{"sleep", "20"}, info.Command)
}

func TestCrashBudgetExhausted(t *testing.T) {
	requireUnix(t)
	g, rec, _ := newTestGroup(t)

	_, _ = g.Start(process.Spec{ID: "bad", Command: []string{"sh", "-c", "exit 1"}, MaxRestarts: 2})
	info := waitStatus(t, g, "bad", "crashed")

	assert.Equal(t, 2, info.Restarts)
	assert.Zero(t, info.PID)
	assert.Equal(t, "code 1", info.LastExit)
	assert.Equal(t, 3, rec.count("bad", EventSpawn))
	assert.Equal(t, 3, rec.count("bad", EventCrash))
	assert.Equal(t, 2, rec.count("bad", EventSleep))

	kinds := rec.kinds("bad")
	assert.Equal(t, []string{"start", "spawn", "exit", "crash", "sleep"}, kinds[:5])
	assert.Equal(t, []string{"exit", "crash"}, kinds[len(kinds)-2:])
}

func TestCrashBudgetWithSleepStaysCrashed(t *testing.T) {
	requireUnix(t)
	g, rec, _ := newTestGroup(t)

	_, _ = g.Start(process.Spec{ID: "slow", Command: []string{"sh", "-c", "exit 1"}, MaxRestarts: 2, SleepMs: 100})
	waitStatus(t, g, "slow", "crashed")
	require.Equal(t, 3, rec.count("slow", EventSpawn))

	time.Sleep(1100 * time.Millisecond)
	info, err := g.Get("slow")
	require.NoError(t, err)
	assert.Equal(t, "crashed", info.Status)
	assert.Zero(t, info.PID)
	assert.Equal(t, 3, rec.count("slow", EventSpawn))
}

func TestCrashedRestartYieldsNewPID(t *testing.T) {
	requireUnix(t)
	g, rec, _ := newTestGroup(t)
	_, _ = g.Start(process.Spec{ID: "c", Command: []string{"sh", "-c", "exit 2"}, MaxRestarts: 0})
	waitStatus(t, g, "c", "crashed")

	info, err := g.Restart("c")
	require.NoError(t, err)
	assert.Contains(t, []string{"running", "sleeping", "crashed"}, info.Status)
	assert.Equal(t, 1, rec.count("c", EventRestart))
	assert.Equal(t, 2, rec.count("c", EventSpawn))
}

func TestRestartRunningSwapsChild(t *testing.T) {
	requireUnix(t)
	g, rec, _ := newTestGroup(t)
	first, err := g.Start(sleeper("rr"))
	require.NoError(t, err)

	second, err := g.Restart("rr")
	require.NoError(t, err)
	assert.Equal(t, "running", second.Status)
	assert.NotEqual(t, first.PID, second.PID)
	assert.Equal(t, []string{"start", "spawn", "exit", "stop", "restart", "spawn"}, rec.kinds("rr"))
}

func TestUnlimitedRestartsThenStopFromSleeping(t *testing.T) {
	requireUnix(t)
	g, rec, _ := newTestGroup(t)
	_, _ = g.Start(process.Spec{ID: "loop", Command: []string{"sh", "-c", "exit 3"}, MaxRestarts: -1, SleepMs: 200})

	require.Eventually(t, func() bool { return rec.count("loop", EventSpawn) >= 2 }, 5*time.Second, 10*time.Millisecond)
	waitStatus(t, g, "loop", "sleeping")

	info, err := g.Stop("loop")
	require.NoError(t, err)
	assert.Equal(t, "stopped", info.Status)

	spawns := rec.count("loop", EventSpawn)
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, spawns, rec.count("loop", EventSpawn), "timer must be canceled by stop")
}

func TestSpawnFailureWarnsAndReturnsError(t *testing.T) {
	requireUnix(t)
	g, rec, _ := newTestGroup(t)
	_, err := g.Start(process.Spec{ID: "missing", Command: []string{"/no/such/binary"}, MaxRestarts: 0})
	require.Error(t, err)
	assert.Equal(t, []string{"start", "warn", "crash"}, rec.kinds("missing"))

	info, err := g.Get("missing")
	require.NoError(t, err)
	assert.Equal(t, "crashed", info.Status)
}

func TestRemoveAndNotFound(t *testing.T) {
	requireUnix(t)
	g, _, cp := newTestGroup(t)
	info, err := g.Start(sleeper("gone"))
	require.NoError(t, err)

	require.NoError(t, g.Remove("gone"))
	assert.False(t, g.Has("gone"))
	assert.Empty(t, cp.last())
	assert.False(t, process.Alive(info.PID))

	assert.ErrorIs(t, g.Remove("gone"), ErrNotFound)
	_, err = g.Stop("gone")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = g.Restart("gone")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, `unknown process "gone"`, g.Remove("gone").Error())
}

func TestCheckpointFailureKeepsState(t *testing.T) {
	requireUnix(t)
	g, _, cp := newTestGroup(t)
	ioErr := &checkpoint.IOError{Path: "/x", Err: errors.New("disk full")}
	cp.fail = ioErr

	info, err := g.Start(sleeper("keep"))
	var target *checkpoint.IOError
	require.True(t, errors.As(err, &target))
	assert.Equal(t, "running", info.Status)
	assert.True(t, g.Has("keep"))
}

func TestListSortedAndRecords(t *testing.T) {
	requireUnix(t)
	g, _, _ := newTestGroup(t)
	for _, id := range []string{"b", "a", "c"} {
		_, err := g.Start(sleeper(id))
		require.NoError(t, err)
	}
	var ids []string
	for _, i := range g.List() {
		ids = append(ids, i.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.Len(t, g.Records(), 3)
	assert.Len(t, g.PIDs(), 3)
	assert.Equal(t, 3, g.Len())
}

func TestRecoverStartsRecords(t *testing.T) {
	requireUnix(t)
	g, _, cp := newTestGroup(t)
	errs := g.Recover([]checkpoint.Record{
		{ID: "one", Status: "running", Command: []string{"sleep", "30"}, MaxRestarts: -1},
		{ID: "two", Status: "stopped", Command: []string{"sleep", "30"}, MaxRestarts: -1},
		{ID: "", Command: []string{"x"}},
	})
	require.Len(t, errs, 1)
	assert.Equal(t, 2, g.Len())
	for _, i := range g.List() {
		assert.Equal(t, "running", i.Status)
	}
	assert.Len(t, cp.last(), 2)
}

func TestRemoveAllSkipsCheckpoint(t *testing.T) {
	requireUnix(t)
	g, _, cp := newTestGroup(t)
	_, err := g.Start(sleeper("x"))
	require.NoError(t, err)
	before := len(cp.saves)

	g.RemoveAll()
	assert.Zero(t, g.Len())
	assert.Equal(t, before, len(cp.saves))
	assert.Len(t, cp.last(), 1)
}

func TestKillAll(t *testing.T) {
	requireUnix(t)
	g, _, _ := newTestGroup(t)
	info, err := g.Start(sleeper("k"))
	require.NoError(t, err)

	g.KillAll()
	require.Eventually(t, func() bool { return !process.Alive(info.PID) }, 3*time.Second, 10*time.Millisecond)
}

func TestOutputAndEnvMerger(t *testing.T) {
	requireUnix(t)
	sink := &bufferSink{}
	g := NewGroup(Options{
		Output: sink,
		EnvMerger: func(s process.Spec) []string {
			out := []string{"PATH=/usr/bin:/bin"}
			for k, v := range s.Env {
				out = append(out, k+"="+v)
			}
			return out
		},
	})
	t.Cleanup(g.RemoveAll)

	_, err := g.Start(process.Spec{ID: "echo", Command: []string{"sh", "-c", "echo $GREETING; sleep 30"}, Env: map[string]string{"GREETING": "hello"}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(sink.String("echo"), "hello\n")
	}, 3*time.Second, 10*time.Millisecond)
}

// slowFirstSave holds the first save until a later one lands or a timeout passes.
type slowFirstSave struct {
	memCheckpoint
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (c *slowFirstSave) Save(r []checkpoint.Record) error {
	first := false
	c.once.Do(func() { first = true })
	if first {
		close(c.entered)
		select {
		case <-c.release:
		case <-time.After(300 * time.Millisecond):
		}
		return c.memCheckpoint.Save(r)
	}
	err := c.memCheckpoint.Save(r)
	select {
	case <-c.release:
	default:
		close(c.release)
	}
	return err
}

func TestConcurrentStartsCheckpointNewestSet(t *testing.T) {
	requireUnix(t)
	cp := &slowFirstSave{entered: make(chan struct{}), release: make(chan struct{})}
	g := NewGroup(Options{StopTimeout: time.Second, Checkpoint: cp})
	t.Cleanup(g.RemoveAll)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := g.Start(sleeper("a"))
		assert.NoError(t, err)
	}()
	<-cp.entered
	go func() {
		defer wg.Done()
		_, err := g.Start(sleeper("b"))
		assert.NoError(t, err)
	}()
	wg.Wait()

	var ids []string
	for _, r := range cp.last() {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestRespawnDoesNotReportCrashedChild(t *testing.T) {
	requireUnix(t)
	var calls int
	var mu sync.Mutex
	entered := make(chan struct{})
	release := make(chan struct{})
	g := NewGroup(Options{
		StopTimeout: time.Second,
		EnvMerger: func(process.Spec) []string {
			mu.Lock()
			calls++
			n := calls
			mu.Unlock()
			if n == 2 {
				close(entered)
				<-release
			}
			return nil
		},
	})
	t.Cleanup(g.RemoveAll)

	_, _ = g.Start(process.Spec{ID: "re", Command: []string{"sh", "-c", "exit 1"}, MaxRestarts: 1})
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("respawn did not begin")
	}
	info, err := g.Get("re")
	require.NoError(t, err)
	assert.Equal(t, "starting", info.Status)
	assert.Zero(t, info.PID)
	assert.Nil(t, info.Started)
	close(release)
	waitStatus(t, g, "re", "crashed")
}
