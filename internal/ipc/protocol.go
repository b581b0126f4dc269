// Package ipc implements the daemon control channel: newline-delimited JSON
// frames over a unix socket carrying request/reply calls and streamed output.
package ipc

import "encoding/json"

// Frame is one line on the wire. Requests carry Method and ID, replies carry
// ID and either Result or Error, and write pushes carry Method "write" with
// WriteParams.
type Frame struct {
	ID     uint64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// MethodWrite is the daemon-to-client push of streamed bytes.
const MethodWrite = "write"

// WriteParams tags pushed bytes with the id of the streaming request.
// Data travels as base64 so arbitrary bytes survive the line framing.
type WriteParams struct {
	Stream uint64 `json:"stream"`
	Data   []byte `json:"data"`
}

// Error codes carried in reply frames.
const (
	CodeDuplicateStart = "duplicate_start"
	CodeNotFound       = "not_found"
	CodeIO             = "io"
	CodeBadRequest     = "bad_request"
	CodeInternal       = "internal"
)

// Error is the error body of a reply frame. Handlers may return it directly
// to choose the code.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Message }

// Daemon methods.
const (
	MethodStart   = "start"
	MethodStop    = "stop"
	MethodRestart = "restart"
	MethodRemove  = "remove"
	MethodList    = "list"
	MethodLog     = "log"
	MethodClose   = "close"
	MethodKill    = "kill"
	MethodReset   = "reset"
	MethodHistory = "history"
	MethodPing    = "ping"
)

// StartParams registers and starts a process. Nil MaxRestarts means unlimited.
type StartParams struct {
	ID          string            `json:"id"`
	Command     []string          `json:"command"`
	Cwd         string            `json:"cwd,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	MaxRestarts *int              `json:"maxRestarts,omitempty"`
	SleepMs     int               `json:"sleepMs,omitempty"`
	Logfile     string            `json:"logfile,omitempty"`
}

// IDParams addresses one process.
type IDParams struct {
	ID string `json:"id"`
}

// LogParams selects a log stream. Last and Range are the "n" and "N" windows.
type LogParams struct {
	ID     string `json:"id"`
	Last   string `json:"last,omitempty"`
	Range  string `json:"range,omitempty"`
	Follow bool   `json:"follow,omitempty"`
}

// HistoryParams queries recent lifecycle events.
type HistoryParams struct {
	ID    string `json:"id,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// PingResult identifies the daemon.
type PingResult struct {
	PID     int    `json:"pid"`
	Version string `json:"version,omitempty"`
}
