package daemon

import (
	"errors"

	"github.com/loykin/psy/internal/checkpoint"
	"github.com/loykin/psy/internal/ipc"
	"github.com/loykin/psy/internal/logmux"
	"github.com/loykin/psy/internal/manager"
)

// errorCode classifies handler errors for the wire.
func errorCode(err error) string {
	var dup *manager.DuplicateStartError
	var ioErr *checkpoint.IOError
	switch {
	case errors.As(err, &dup):
		return ipc.CodeDuplicateStart
	case errors.Is(err, manager.ErrNotFound):
		return ipc.CodeNotFound
	case errors.As(err, &ioErr):
		return ipc.CodeIO
	case errors.Is(err, manager.ErrInvalidSpec), errors.Is(err, logmux.ErrBadWindow):
		return ipc.CodeBadRequest
	}
	return ipc.CodeInternal
}

// toRemote converts err into the reply body. For checkpoint failures only the
// underlying cause travels so the client can rebuild the IOError.
func toRemote(err error) error {
	var e *ipc.Error
	if errors.As(err, &e) {
		return e
	}
	code := errorCode(err)
	msg := err.Error()
	if code == ipc.CodeIO {
		var ioErr *checkpoint.IOError
		errors.As(err, &ioErr)
		msg = ioErr.Err.Error()
	}
	return &ipc.Error{Code: code, Message: msg}
}
