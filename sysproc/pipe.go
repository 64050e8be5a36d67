package sysproc

import (
	"errors"
	"fmt"
	"os"
)

// PipeError reports a failure to create one of the child's pipes.
type PipeError struct {
	Stream string
	Err    error
}

func (e *PipeError) Error() string {
	return fmt.Sprintf("create %s pipe: %v", e.Stream, e.Err)
}

func (e *PipeError) Unwrap() error { return e.Err }

// Triplet holds the three pipes of a child process. The parent ends are raw
// descriptors that are never inherited; the child ends are files handed to
// the child at start and closed in the parent right after.
type Triplet struct {
	StdinW  Fd
	StdoutR Fd
	StderrR Fd

	childStdin  *os.File
	childStdout *os.File
	childStderr *os.File
}

// ChildFiles returns the ends that the child inherits as its standard streams.
func (t *Triplet) ChildFiles() (stdin, stdout, stderr *os.File) {
	return t.childStdin, t.childStdout, t.childStderr
}

// CloseChildEnds closes the child's ends in the parent. Safe to call twice.
func (t *Triplet) CloseChildEnds() error {
	var errs []error
	for _, f := range []**os.File{&t.childStdin, &t.childStdout, &t.childStderr} {
		if *f == nil {
			continue
		}
		if err := (*f).Close(); err != nil {
			errs = append(errs, err)
		}
		*f = nil
	}
	return errors.Join(errs...)
}

// Close closes every end still open, parent ends included.
func (t *Triplet) Close() error {
	errs := []error{t.CloseChildEnds()}
	for _, fd := range []*Fd{&t.StdinW, &t.StdoutR, &t.StderrR} {
		if *fd == InvalidFd {
			continue
		}
		errs = append(errs, closeFd(*fd))
		*fd = InvalidFd
	}
	return errors.Join(errs...)
}

// CreatePipes implements OS.
func (native) CreatePipes() (*Triplet, error) {
	t := &Triplet{StdinW: InvalidFd, StdoutR: InvalidFd, StderrR: InvalidFd}

	// stdin: the child reads, the parent keeps the write end.
	r, w, err := newPipe(false)
	if err != nil {
		return nil, &PipeError{Stream: "stdin", Err: err}
	}
	t.StdinW, t.childStdin = w, os.NewFile(uintptr(r), "|0")

	r, w, err = newPipe(true)
	if err != nil {
		t.Close()
		return nil, &PipeError{Stream: "stdout", Err: err}
	}
	t.StdoutR, t.childStdout = r, os.NewFile(uintptr(w), "|1")

	r, w, err = newPipe(true)
	if err != nil {
		t.Close()
		return nil, &PipeError{Stream: "stderr", Err: err}
	}
	t.StderrR, t.childStderr = r, os.NewFile(uintptr(w), "|2")

	return t, nil
}

// Pipe creates a standalone pipe that is not inherited by children, with a
// non-blocking read end on POSIX.
func Pipe() (r, w Fd, err error) {
	return newPipe(true)
}
