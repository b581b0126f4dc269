package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/psy/internal/history"
	"github.com/loykin/psy/internal/manager"
	"github.com/loykin/psy/internal/metrics"
)

// Router provides read-only HTTP handlers over the supervisor.
// Endpoints:
//
//	GET {basePath}/processes          list of monitors
//	GET {basePath}/processes/:id      one monitor, with resource usage when sampled
//	GET {basePath}/history            query: name=...&limit=50
//	GET /metrics                      Prometheus exposition
//
// basePath may be empty or start with '/'; no trailing slash.
// Mutations go through the control socket only.
type Router struct {
	procs     Processes
	history   history.Reader
	resources Resources
	basePath  string
}

// Processes is the view of the supervisor the router reads.
type Processes interface {
	List() []manager.MonitorInfo
	Get(id string) (manager.MonitorInfo, error)
}

// Resources returns the last resource sample of a monitor.
type Resources interface {
	Get(id string) (metrics.Resources, bool)
}

// NewRouter constructs a Router. hist and res may be nil.
func NewRouter(procs Processes, hist history.Reader, res Resources, basePath string) *Router {
	return &Router{procs: procs, history: hist, resources: res, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	group := g.Group(r.basePath)
	group.GET("/processes", r.handleList)
	group.GET("/processes/:id", r.handleGet)
	group.GET("/history", r.handleHistory)
	return g
}

// NewServer starts a standalone HTTP server on addr using h.
func NewServer(addr string, h http.Handler) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

// Shutdown stops srv, waiting at most timeout for in-flight requests.
func Shutdown(srv *http.Server, timeout time.Duration) error {
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type processResp struct {
	manager.MonitorInfo
	Resources *metrics.Resources `json:"resources,omitempty"`
}

func (r *Router) handleList(c *gin.Context) {
	infos := r.procs.List()
	out := make([]processResp, 0, len(infos))
	for _, info := range infos {
		out = append(out, r.withResources(info))
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleGet(c *gin.Context) {
	id := c.Param("id")
	if !isSafeName(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid process id"})
		return
	}
	info, err := r.procs.Get(id)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, manager.ErrNotFound) {
			code = http.StatusNotFound
		}
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, r.withResources(info))
}

func (r *Router) handleHistory(c *gin.Context) {
	if r.history == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "history disabled"})
		return
	}
	name := c.Query("name")
	if name != "" && !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name"})
		return
	}
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	events, err := r.history.Recent(c.Request.Context(), name, limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}

func (r *Router) withResources(info manager.MonitorInfo) processResp {
	resp := processResp{MonitorInfo: info}
	if r.resources != nil && info.PID != 0 {
		if res, ok := r.resources.Get(info.ID); ok {
			resp.Resources = &res
		}
	}
	return resp
}
