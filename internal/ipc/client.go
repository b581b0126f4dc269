package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// ErrConnClosed is returned for calls outstanding when the connection ends.
var ErrConnClosed = errors.New("connection closed")

// RemoteError is an error reply from the daemon.
type RemoteError struct {
	Method  string
	Code    string
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// Client multiplexes calls over one control connection.
type Client struct {
	nc net.Conn

	wmu sync.Mutex
	enc *json.Encoder

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*call
	closed  bool
	err     error
	done    chan struct{}
}

type call struct {
	reply chan Frame
	sink  io.Writer
}

// Dial connects to the daemon socket at path.
func Dial(path string) (*Client, error) {
	nc, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	return NewClient(nc), nil
}

// NewClient takes ownership of nc and starts reading replies from it.
func NewClient(nc net.Conn) *Client {
	c := &Client{
		nc:      nc,
		enc:     json.NewEncoder(nc),
		pending: make(map[uint64]*call),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Call sends method with params and decodes the reply into result.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	return c.do(ctx, method, params, nil, result)
}

// Stream is Call with write pushes for this request copied to w until the
// reply arrives.
func (c *Client) Stream(ctx context.Context, method string, params any, w io.Writer, result any) error {
	return c.do(ctx, method, params, w, result)
}

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	err := c.nc.Close()
	<-c.done
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *Client) do(ctx context.Context, method string, params any, sink io.Writer, result any) error {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode %s params: %w", method, err)
		}
		raw = b
	}

	c.mu.Lock()
	if c.closed {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.nextID++
	id := c.nextID
	cl := &call{reply: make(chan Frame, 1), sink: sink}
	c.pending[id] = cl
	c.mu.Unlock()

	c.wmu.Lock()
	err := c.enc.Encode(Frame{ID: id, Method: method, Params: raw})
	c.wmu.Unlock()
	if err != nil {
		c.forget(id)
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case f := <-cl.reply:
		return decodeReply(method, f, result)
	case <-c.done:
		select {
		case f := <-cl.reply:
			return decodeReply(method, f, result)
		default:
		}
		return fmt.Errorf("%s: %w", method, c.Err())
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

func decodeReply(method string, f Frame, result any) error {
	if f.Error != nil {
		return &RemoteError{Method: method, Code: f.Error.Code, Message: f.Error.Message}
	}
	if result == nil || len(f.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Result, result); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	r := bufio.NewReaderSize(c.nc, 64*1024)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			c.route(line)
		}
		if err != nil {
			c.fail(err)
			return
		}
	}
}

func (c *Client) route(line []byte) {
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return
	}
	if f.Method == MethodWrite {
		var wp WriteParams
		if err := json.Unmarshal(f.Params, &wp); err != nil {
			return
		}
		c.mu.Lock()
		cl := c.pending[wp.Stream]
		c.mu.Unlock()
		if cl != nil && cl.sink != nil {
			_, _ = cl.sink.Write(wp.Data)
		}
		return
	}
	c.mu.Lock()
	cl := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.mu.Unlock()
	if cl != nil {
		cl.reply <- f
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		c.err = ErrConnClosed
	} else {
		c.err = fmt.Errorf("%w: %v", ErrConnClosed, err)
	}
	c.pending = make(map[uint64]*call)
	close(c.done)
}
