package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/psy/internal/history"
	"github.com/loykin/psy/internal/manager"
	"github.com/loykin/psy/internal/metrics"
)

type fakeProcs struct{ infos []manager.MonitorInfo }

func (f fakeProcs) List() []manager.MonitorInfo { return f.infos }

func (f fakeProcs) Get(id string) (manager.MonitorInfo, error) {
	for _, i := range f.infos {
		if i.ID == id {
			return i, nil
		}
	}
	return manager.MonitorInfo{}, manager.ErrNotFound
}

type fakeHistory struct {
	events []history.Event
	err    error
	gotID  string
	gotLim int
}

func (f *fakeHistory) Recent(_ context.Context, id string, limit int) ([]history.Event, error) {
	f.gotID, f.gotLim = id, limit
	return f.events, f.err
}

type fakeResources map[string]metrics.Resources

func (f fakeResources) Get(id string) (metrics.Resources, bool) {
	r, ok := f[id]
	return r, ok
}

func setupRouter(t *testing.T, base string, hist history.Reader) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	procs := fakeProcs{infos: []manager.MonitorInfo{
		{ID: "api", Status: "running", PID: 4242, Command: []string{"sleep", "60"}, MaxRestarts: -1},
		{ID: "job", Status: "crashed", Command: []string{"false"}, MaxRestarts: 2, Restarts: 2},
	}}
	res := fakeResources{"api": {PID: 4242, MemoryRSS: 1024, NumThreads: 3}}
	return NewRouter(procs, hist, res, base).Handler()
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestListProcesses(t *testing.T) {
	h := setupRouter(t, "/api", nil)
	rec := get(h, "/api/processes")
	require.Equal(t, http.StatusOK, rec.Code)

	var out []processResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 2)
	assert.Equal(t, "api", out[0].ID)
	require.NotNil(t, out[0].Resources)
	assert.Equal(t, uint64(1024), out[0].Resources.MemoryRSS)
	assert.Nil(t, out[1].Resources, "no sample for a process without a child")
}

func TestGetProcess(t *testing.T) {
	h := setupRouter(t, "", nil)

	rec := get(h, "/processes/job")
	require.Equal(t, http.StatusOK, rec.Code)
	var out processResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "crashed", out.Status)
	assert.Equal(t, 2, out.Restarts)

	rec = get(h, "/processes/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = get(h, "/processes/..")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistory(t *testing.T) {
	now := time.Now().UTC()
	hist := &fakeHistory{events: []history.Event{{Type: "spawn", ID: "api", PID: 1, OccurredAt: now}}}
	h := setupRouter(t, "/api", hist)

	rec := get(h, "/api/history?name=api&limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "api", hist.gotID)
	assert.Equal(t, 5, hist.gotLim)
	var out []history.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "spawn", out[0].Type)

	rec = get(h, "/api/history")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "", hist.gotID)
	assert.Equal(t, 50, hist.gotLim)

	rec = get(h, "/api/history?limit=0")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	hist.err = errors.New("db gone")
	rec = get(h, "/api/history")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHistoryDisabled(t *testing.T) {
	h := setupRouter(t, "/api", nil)
	assert.Equal(t, http.StatusNotFound, get(h, "/api/history").Code)
}

func TestHistoryEmptyIsArray(t *testing.T) {
	h := setupRouter(t, "", &fakeHistory{})
	rec := get(h, "/history")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	h := setupRouter(t, "/api", nil)
	rec := get(h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMutationsNotRouted(t *testing.T) {
	h := setupRouter(t, "/api", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/processes", nil))
	assert.NotEqual(t, http.StatusOK, rec.Code)
}
