package daemonctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/loykin/psy/internal/checkpoint"
	"github.com/loykin/psy/internal/history"
	"github.com/loykin/psy/internal/ipc"
	"github.com/loykin/psy/internal/logmux"
	"github.com/loykin/psy/internal/manager"
	"github.com/loykin/psy/internal/process"
)

// Handle is a connection to the daemon with typed operations. Remote errors
// come back as the supervisor's own error types.
type Handle struct {
	c    *ipc.Client
	opts Options
}

// Disconnect closes the connection.
func (h *Handle) Disconnect() error { return h.c.Close() }

func (h *Handle) Ping(ctx context.Context) (ipc.PingResult, error) {
	var res ipc.PingResult
	err := h.c.Call(ctx, ipc.MethodPing, nil, &res)
	return res, err
}

func (h *Handle) Start(ctx context.Context, spec process.Spec) (manager.MonitorInfo, error) {
	maxRestarts := spec.MaxRestarts
	p := ipc.StartParams{
		ID:          spec.ID,
		Command:     spec.Command,
		Cwd:         spec.Cwd,
		Env:         spec.Env,
		MaxRestarts: &maxRestarts,
		SleepMs:     spec.SleepMs,
		Logfile:     spec.Logfile,
	}
	var info manager.MonitorInfo
	err := h.c.Call(ctx, ipc.MethodStart, p, &info)
	return info, h.mapErr(spec.ID, err)
}

func (h *Handle) Stop(ctx context.Context, id string) (manager.MonitorInfo, error) {
	var info manager.MonitorInfo
	err := h.c.Call(ctx, ipc.MethodStop, ipc.IDParams{ID: id}, &info)
	return info, h.mapErr(id, err)
}

func (h *Handle) Restart(ctx context.Context, id string) (manager.MonitorInfo, error) {
	var info manager.MonitorInfo
	err := h.c.Call(ctx, ipc.MethodRestart, ipc.IDParams{ID: id}, &info)
	return info, h.mapErr(id, err)
}

func (h *Handle) Remove(ctx context.Context, id string) error {
	return h.mapErr(id, h.c.Call(ctx, ipc.MethodRemove, ipc.IDParams{ID: id}, nil))
}

func (h *Handle) List(ctx context.Context) ([]manager.MonitorInfo, error) {
	var infos []manager.MonitorInfo
	err := h.c.Call(ctx, ipc.MethodList, nil, &infos)
	return infos, h.mapErr("", err)
}

// Log copies the requested output of id to w. With Follow it returns only
// when ctx ends or the daemon goes away.
func (h *Handle) Log(ctx context.Context, id string, req logmux.Request, w io.Writer) error {
	p := ipc.LogParams{ID: id, Last: req.Last, Range: req.Range, Follow: req.Follow}
	return h.mapErr(id, h.c.Stream(ctx, ipc.MethodLog, p, w, nil))
}

func (h *Handle) History(ctx context.Context, id string, limit int) ([]history.Event, error) {
	var events []history.Event
	err := h.c.Call(ctx, ipc.MethodHistory, ipc.HistoryParams{ID: id, Limit: limit}, &events)
	return events, h.mapErr(id, err)
}

// Close stops every process and shuts the daemon down, keeping the checkpoint.
func (h *Handle) Close(ctx context.Context) error {
	return h.shutdownCall(ctx, ipc.MethodClose)
}

// Kill SIGKILLs every process and ends the daemon immediately. The daemon may
// exit before its reply arrives, so a dropped connection counts as success.
func (h *Handle) Kill(ctx context.Context) error {
	return h.shutdownCall(ctx, ipc.MethodKill)
}

// Reset removes the statefile, then has the daemon stop everything and
// delete its pidfile and socket.
func (h *Handle) Reset(ctx context.Context) error {
	if h.opts.StateFile != "" {
		if err := os.Remove(h.opts.StateFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return &checkpoint.IOError{Path: h.opts.StateFile, Err: err}
		}
	}
	return h.shutdownCall(ctx, ipc.MethodReset)
}

func (h *Handle) shutdownCall(ctx context.Context, method string) error {
	err := h.c.Call(ctx, method, nil, nil)
	if errors.Is(err, ipc.ErrConnClosed) {
		return nil
	}
	return h.mapErr("", err)
}

func (h *Handle) mapErr(id string, err error) error {
	var re *ipc.RemoteError
	if !errors.As(err, &re) {
		return err
	}
	switch re.Code {
	case ipc.CodeDuplicateStart:
		return &manager.DuplicateStartError{ID: id}
	case ipc.CodeNotFound:
		return fmt.Errorf("%w %q", manager.ErrNotFound, id)
	case ipc.CodeIO:
		return &checkpoint.IOError{Path: h.opts.StateFile, Err: errors.New(re.Message)}
	}
	return err
}
