package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/psy/internal/metrics"
)

// Handler serves one request. The returned value is marshalled as the reply
// result. ctx ends when the requesting connection goes away.
type Handler interface {
	ServeIPC(ctx context.Context, req *Request) (any, error)
}

type HandlerFunc func(ctx context.Context, req *Request) (any, error)

func (f HandlerFunc) ServeIPC(ctx context.Context, req *Request) (any, error) { return f(ctx, req) }

type Options struct {
	Logger *slog.Logger
	// ErrorCode maps handler errors that are not *Error to a reply code.
	ErrorCode    func(error) string
	OnConnect    func()
	OnDisconnect func()
}

// Server accepts control connections on a unix socket.
type Server struct {
	path    string
	ln      net.Listener
	handler Handler
	opts    Options
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conns   map[*conn]struct{}
	closing bool
	wg      sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// Listen replaces any stale socket at path and starts listening on it.
func Listen(path string, h Handler, opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ErrorCode == nil {
		opts.ErrorCode = func(error) string { return CodeInternal }
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	_ = os.RemoveAll(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		path:    path,
		ln:      ln,
		handler: h,
		opts:    opts,
		log:     opts.Logger.With("component", "ipc"),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[*conn]struct{}),
	}, nil
}

func (s *Server) Path() string { return s.path }

// Serve accepts connections until Close. It returns nil after Close.
func (s *Server) Serve() error {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("accept failed", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			_ = nc.Close()
			continue
		}
		c := newConn(s.ctx, nc)
		s.conns[c] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		metrics.AddConnections(1)
		if s.opts.OnConnect != nil {
			s.opts.OnConnect()
		}
		go s.serveConn(c)
	}
}

// Close stops accepting, ends every connection once its in-flight requests
// have replied and removes the socket file.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		if err := s.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.closeErr = err
		}
		s.mu.Lock()
		s.closing = true
		conns := make([]*conn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()
		for _, c := range conns {
			c.interrupt()
		}
		s.wg.Wait()
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) && s.closeErr == nil {
			s.closeErr = err
		}
	})
	return s.closeErr
}

type conn struct {
	nc     net.Conn
	ctx    context.Context
	cancel context.CancelFunc

	wmu sync.Mutex
	enc *json.Encoder

	reqs sync.WaitGroup
}

func newConn(parent context.Context, nc net.Conn) *conn {
	ctx, cancel := context.WithCancel(parent)
	return &conn{nc: nc, ctx: ctx, cancel: cancel, enc: json.NewEncoder(nc)}
}

func (c *conn) send(f Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.enc.Encode(f)
}

func (c *conn) interrupt() {
	c.cancel()
	_ = c.nc.SetReadDeadline(time.Now())
}

func (s *Server) serveConn(c *conn) {
	defer func() {
		c.cancel()
		c.reqs.Wait()
		_ = c.nc.Close()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		metrics.AddConnections(-1)
		if s.opts.OnDisconnect != nil {
			s.opts.OnDisconnect()
		}
		s.wg.Done()
	}()

	r := bufio.NewReaderSize(c.nc, 64*1024)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			s.dispatch(c, line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && c.ctx.Err() == nil {
				s.log.Debug("connection read failed", "error", err)
			}
			return
		}
	}
}

func (s *Server) dispatch(c *conn, line []byte) {
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		s.log.Warn("malformed frame", "error", err)
		_ = c.send(Frame{Error: &Error{Code: CodeBadRequest, Message: "malformed frame: " + err.Error()}})
		return
	}
	if f.Method == "" {
		return
	}
	req := &Request{ID: f.ID, Method: f.Method, Params: f.Params, c: c}
	c.reqs.Add(1)
	go func() {
		defer c.reqs.Done()
		s.handle(c, req)
	}()
}

func (s *Server) handle(c *conn, req *Request) {
	res, err := s.handler.ServeIPC(c.ctx, req)
	reply := Frame{ID: req.ID}
	if err == nil {
		raw, merr := json.Marshal(res)
		if merr != nil {
			err = fmt.Errorf("encode result: %w", merr)
		} else {
			reply.Result = raw
		}
	}
	code := ""
	if err != nil {
		reply.Error = s.errorBody(err)
		code = reply.Error.Code
		s.log.Debug("request failed", "method", req.Method, "code", code, "error", err)
	}
	metrics.IncRequest(req.Method, code)

	if serr := c.send(reply); serr != nil && c.ctx.Err() == nil {
		s.log.Debug("reply failed", "method", req.Method, "error", serr)
	}
	for _, fn := range req.after {
		fn()
	}
}

func (s *Server) errorBody(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: s.opts.ErrorCode(err), Message: err.Error()}
}

// Request is one call received from a client.
type Request struct {
	ID     uint64
	Method string
	Params json.RawMessage

	c     *conn
	after []func()
}

// Decode unmarshals the params into v. Failures carry CodeBadRequest.
func (r *Request) Decode(v any) error {
	if len(r.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return &Error{Code: CodeBadRequest, Message: fmt.Sprintf("invalid %s params: %v", r.Method, err)}
	}
	return nil
}

// Writer returns a writer that pushes bytes to the client as write frames
// tagged with this request's id. It must not be used after the handler returns.
func (r *Request) Writer() io.Writer { return streamWriter{r} }

// AfterReply runs fn once the reply has been written.
func (r *Request) AfterReply(fn func()) { r.after = append(r.after, fn) }

type streamWriter struct{ r *Request }

func (w streamWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	raw, err := json.Marshal(WriteParams{Stream: w.r.ID, Data: p})
	if err != nil {
		return 0, err
	}
	if err := w.r.c.send(Frame{Method: MethodWrite, Params: raw}); err != nil {
		return 0, err
	}
	return len(p), nil
}
