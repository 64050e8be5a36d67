// Package sysproc unifies the operating system primitives needed to run a
// child process with redirected standard streams: pipe creation, process
// start, blocking wait, kill, handle release and raw descriptor I/O.
//
// Two implementations exist, selected at build time: a POSIX one built on
// pipe/fork/exec/wait4/kill and a Windows one built on CreatePipe,
// CreateProcess, WaitForSingleObject and TerminateProcess. Callers program
// against the OS interface; Native is the implementation for the running
// platform.
package sysproc

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/mrexodia/procwatch/internal/sentinel"
)

// Fd is a platform descriptor: a file descriptor on POSIX, a HANDLE on Windows.
type Fd uintptr

// InvalidFd marks a descriptor that is closed or was never opened.
const InvalidFd = ^Fd(0)

// AbnormalExit is the exit status reported for a child that did not
// terminate normally (killed by a signal).
const AbnormalExit = 1

// ErrWouldBlock is returned by OS.Read when no data is currently available
// and by OS.Write when the pipe buffer is full.
const ErrWouldBlock = sentinel.Error("operation would block")

// OS is the capability set the process subsystem needs from the platform.
type OS interface {
	// CreatePipes creates the stdin, stdout and stderr pipes of a new child.
	CreatePipes() (*Triplet, error)
	// Command builds the command for an already split argument vector.
	Command(words []string) *exec.Cmd
	// Start starts cmd and returns the live child.
	Start(cmd *exec.Cmd) (*Child, error)
	// Wait blocks until the child terminates and returns its raw status.
	Wait(c *Child) (int, error)
	// Kill requests termination of the child. A zero signal means the
	// platform's forced termination.
	Kill(c *Child, sig syscall.Signal) error
	// Release frees the OS bookkeeping still held for a reaped child.
	Release(c *Child) error
	// ExitCode normalizes a raw status into an exit code.
	ExitCode(raw int) int

	// Read reads whatever is available on fd without blocking. It returns
	// ErrWouldBlock when nothing is available and io.EOF at end of stream.
	Read(fd Fd, p []byte) (int, error)
	// WaitReadable blocks until fd has data or its writer went away.
	WaitReadable(fd Fd) error
	// Write performs a single non-blocking write attempt on fd. It returns
	// ErrWouldBlock when nothing could be written because the pipe is full.
	Write(fd Fd, p []byte) (int, error)
	// Close closes fd.
	Close(fd Fd) error
}

// Child is a started child process.
type Child struct {
	Pid int

	proc *os.Process
	sys  childSys
}

type native struct{}

// Native is the OS implementation for the platform the binary was built for.
var Native OS = native{}
