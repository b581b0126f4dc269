package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/loykin/psy/internal/history"
	"github.com/loykin/psy/internal/ipc"
	"github.com/loykin/psy/internal/logmux"
	"github.com/loykin/psy/internal/manager"
	"github.com/loykin/psy/internal/process"
)

const defaultHistoryLimit = 50

// ServeIPC implements ipc.Handler.
func (d *Daemon) ServeIPC(ctx context.Context, req *ipc.Request) (any, error) {
	res, err := d.serve(ctx, req)
	if err != nil {
		d.log.Debug("request failed", "method", req.Method, "error", err)
		return nil, toRemote(err)
	}
	return res, nil
}

func (d *Daemon) serve(ctx context.Context, req *ipc.Request) (any, error) {
	switch req.Method {
	case ipc.MethodPing:
		return ipc.PingResult{PID: os.Getpid(), Version: d.opts.Version}, nil

	case ipc.MethodStart:
		var p ipc.StartParams
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		return d.group.Start(specFromParams(p))

	case ipc.MethodStop:
		id, err := decodeID(req)
		if err != nil {
			return nil, err
		}
		return d.group.Stop(id)

	case ipc.MethodRestart:
		id, err := decodeID(req)
		if err != nil {
			return nil, err
		}
		return d.group.Restart(id)

	case ipc.MethodRemove:
		id, err := decodeID(req)
		if err != nil {
			return nil, err
		}
		if err := d.group.Remove(id); err != nil {
			return nil, err
		}
		return struct{}{}, nil

	case ipc.MethodList:
		return d.group.List(), nil

	case ipc.MethodLog:
		var p ipc.LogParams
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		return struct{}{}, d.streamLog(ctx, p, req)

	case ipc.MethodHistory:
		var p ipc.HistoryParams
		if err := req.Decode(&p); err != nil {
			return nil, err
		}
		return d.recentHistory(ctx, p)

	case ipc.MethodClose:
		req.AfterReply(func() { d.requestShutdown(ModeClose) })
		return struct{}{}, nil

	case ipc.MethodReset:
		req.AfterReply(func() { d.requestShutdown(ModeReset) })
		return struct{}{}, nil

	case ipc.MethodKill:
		req.AfterReply(func() { d.requestShutdown(ModeKill) })
		return struct{}{}, nil
	}
	return nil, &ipc.Error{Code: ipc.CodeBadRequest, Message: fmt.Sprintf("unknown method %q", req.Method)}
}

func decodeID(req *ipc.Request) (string, error) {
	var p ipc.IDParams
	if err := req.Decode(&p); err != nil {
		return "", err
	}
	if p.ID == "" {
		return "", &ipc.Error{Code: ipc.CodeBadRequest, Message: "process id required"}
	}
	return p.ID, nil
}

func specFromParams(p ipc.StartParams) process.Spec {
	maxRestarts := -1
	if p.MaxRestarts != nil {
		maxRestarts = *p.MaxRestarts
	}
	return process.Spec{
		ID:          p.ID,
		Command:     p.Command,
		Cwd:         p.Cwd,
		Env:         p.Env,
		MaxRestarts: maxRestarts,
		SleepMs:     p.SleepMs,
		Logfile:     p.Logfile,
	}
}

// streamLog pushes the requested output of p.ID to the requesting client.
// A window on an id without a logfile ends empty.
func (d *Daemon) streamLog(ctx context.Context, p ipc.LogParams, req *ipc.Request) error {
	if p.ID == "" {
		return &ipc.Error{Code: ipc.CodeBadRequest, Message: "process id required"}
	}
	lr := logmux.Request{Last: p.Last, Range: p.Range, Follow: p.Follow}
	if !d.group.Has(p.ID) && (!lr.HasWindow() || lr.Follow) {
		return fmt.Errorf("%w %q", manager.ErrNotFound, p.ID)
	}
	err := d.mux.Stream(ctx, p.ID, lr, req.Writer())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, logmux.ErrMissingLogfile):
		d.log.Info("log window requested without logfile", "id", p.ID, "error", err)
		return nil
	case errors.Is(err, context.Canceled):
		return nil
	}
	return err
}

func (d *Daemon) recentHistory(ctx context.Context, p ipc.HistoryParams) ([]history.Event, error) {
	if d.hist == nil {
		return []history.Event{}, nil
	}
	limit := p.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	events, err := d.hist.Recent(ctx, p.ID, limit)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []history.Event{}
	}
	return events, nil
}
