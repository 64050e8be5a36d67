package process

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/mrexodia/procwatch/internal/sentinel"
)

const (
	// ErrEndOfStream is returned by reads once no more data will ever
	// arrive. It is not a failure.
	ErrEndOfStream = sentinel.Error("end of stream")

	// ErrInputClosed is returned by WriteInput after CloseInput or exit.
	ErrInputClosed = sentinel.Error("process input is closed")

	// ErrInputFull is returned by WriteInput when the stdin pipe buffer is
	// full. Nothing was written; retry once the child has read some input.
	ErrInputFull = sentinel.Error("process input is full")

	// ErrEmptyCommand is wrapped by SpawnError for a blank command line.
	ErrEmptyCommand = sentinel.Error("empty command")
)

// SpawnError reports that a command could not be started. No Process exists
// and no resources are held when it is returned. The underlying OS message
// is kept verbatim.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// IOError reports a failed read or write on a live pipe. Code carries the OS
// error number when there is one.
type IOError struct {
	Op   string
	Code int
	Err  error
}

func newIOError(op string, err error) *IOError {
	e := &IOError{Op: op, Err: err}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		e.Code = int(errno)
	}
	return e
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }
