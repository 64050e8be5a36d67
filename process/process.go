// Package process runs child programs with piped standard streams on top of
// a single-threaded event loop.
//
// A Spawner starts processes; output of monitored streams is pushed to the
// caller as it arrives, the exit status is delivered once, and pull-style
// reads are available for streams the caller prefers to read itself. Every
// method of Process must be called on the loop goroutine.
package process

import (
	"errors"
	"fmt"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/mrexodia/procwatch/loop"
	"github.com/mrexodia/procwatch/sysproc"
)

// AbnormalExit is the status reported for a child killed by a signal.
const AbnormalExit = sysproc.AbnormalExit

// Stream tags the output stream a chunk came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	switch s {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	default:
		return fmt.Sprintf("stream(%d)", int(s))
	}
}

// Host is the event loop facility processes register their watches with.
// *loop.Loop implements it.
type Host interface {
	AddWatch(fd sysproc.Fd, cond loop.Condition, fn loop.WatchFunc) loop.WatchID
	AddChildWatch(pid int, fn loop.ChildFunc) (loop.WatchID, error)
	Remove(id loop.WatchID) bool
}

// OutputFunc receives a chunk of output. data is owned by the callee.
type OutputFunc func(p *Process, stream Stream, data []byte)

// ExitFunc receives the exit status. It is the last notification for p.
type ExitFunc func(p *Process, status int)

// Process is a spawned child process.
type Process struct {
	command string
	pid     int
	child   *sysproc.Child // nil once reaped

	sys  sysproc.OS
	host Host
	log  *log.Entry

	stdinW    sysproc.Fd
	stdout    *channel
	stderr    *channel
	exitWatch loop.WatchID

	onOutput OutputFunc
	onExit   ExitFunc

	exitStatus int
	rawStatus  int
	reaping    bool
	cleanups   int
}

// Command returns the command line the process was spawned with.
func (p *Process) Command() string { return p.command }

// Pid returns the OS process id. It stays valid after exit for reporting.
func (p *Process) Pid() int { return p.pid }

// IsRunning reports whether the process has not been reaped yet.
func (p *Process) IsRunning() bool { return p.child != nil }

// ExitStatus returns the normalized exit status. Only meaningful once
// IsRunning is false.
func (p *Process) ExitStatus() int { return p.exitStatus }

// RawStatus returns the platform status the exit status was derived from:
// the wait status word on POSIX, the exit code on Windows.
func (p *Process) RawStatus() int { return p.rawStatus }

// Kill requests termination. A zero signal means forced termination. Kill
// never changes the Process itself; the exit is finalized by the usual exit
// path. Killing a reaped process does nothing, including from callbacks
// that run while it is being finalized: its pid may already be reused.
func (p *Process) Kill(sig syscall.Signal) error {
	if p.child == nil || p.reaping {
		return nil
	}
	if err := p.sys.Kill(p.child, sig); err != nil {
		return fmt.Errorf("kill pid %d: %w", p.pid, err)
	}
	return nil
}

// WriteInput makes a single non-blocking write attempt to the child's stdin
// and returns how many bytes were written. A full pipe yields ErrInputFull.
func (p *Process) WriteInput(data []byte) (int, error) {
	if p.stdinW == sysproc.InvalidFd {
		return 0, ErrInputClosed
	}
	n, err := p.sys.Write(p.stdinW, data)
	switch {
	case errors.Is(err, sysproc.ErrWouldBlock):
		return 0, ErrInputFull
	case err != nil:
		return n, newIOError("write stdin", err)
	}
	return n, nil
}

// CloseInput closes the child's stdin, signalling end of input. Closing
// twice is a no-op.
func (p *Process) CloseInput() error {
	if p.stdinW == sysproc.InvalidFd {
		return nil
	}
	err := p.sys.Close(p.stdinW)
	p.stdinW = sysproc.InvalidFd
	if err != nil {
		return newIOError("close stdin", err)
	}
	return nil
}

func (p *Process) channel(s Stream) *channel {
	switch s {
	case Stdout:
		return p.stdout
	case Stderr:
		return p.stderr
	}
	return nil
}

func (p *Process) closePipes() error {
	return errors.Join(p.CloseInput(), p.stdout.close(), p.stderr.close())
}
