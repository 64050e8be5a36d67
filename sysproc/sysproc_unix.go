//go:build !windows

package sysproc

import (
	"errors"
	"io"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

type childSys struct{}

// newPipe creates a pipe whose ends are both close-on-exec. The child's end
// reaches the child through dup2 onto 0, 1 or 2, which clears the flag there.
// The parent's end (read end if parentReads, write end otherwise) is
// switched to non-blocking mode.
func newPipe(parentReads bool) (r, w Fd, err error) {
	var p [2]int
	if err := cloexecPipe(p[:]); err != nil {
		return InvalidFd, InvalidFd, err
	}
	parent := p[1]
	if parentReads {
		parent = p[0]
	}
	if err := unix.SetNonblock(parent, true); err != nil {
		unix.Close(p[0])
		unix.Close(p[1])
		return InvalidFd, InvalidFd, err
	}
	return Fd(p[0]), Fd(p[1]), nil
}

func closeFd(fd Fd) error {
	return unix.Close(int(fd))
}

// Command implements OS.
func (native) Command(words []string) *exec.Cmd {
	return exec.Command(words[0], words[1:]...)
}

// Start implements OS.
func (native) Start(cmd *exec.Cmd) (*Child, error) {
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &Child{Pid: cmd.Process.Pid, proc: cmd.Process}, nil
}

// Wait implements OS.
func (native) Wait(c *Child) (int, error) {
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(c.Pid, &ws, 0, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		return int(ws), nil
	}
}

// Kill implements OS.
func (native) Kill(c *Child, sig syscall.Signal) error {
	if sig == 0 {
		sig = unix.SIGKILL
	}
	return unix.Kill(c.Pid, sig)
}

// Release implements OS. The kernel entry is gone once wait4 returned; what is
// left is the runtime's own handle (a pidfd on Linux).
func (native) Release(c *Child) error {
	if c.proc == nil {
		return nil
	}
	return c.proc.Release()
}

// ExitCode implements OS.
func (native) ExitCode(raw int) int {
	ws := unix.WaitStatus(raw)
	if ws.Exited() {
		return ws.ExitStatus()
	}
	return AbnormalExit
}

// Read implements OS.
func (native) Read(fd Fd, p []byte) (int, error) {
	for {
		n, err := unix.Read(int(fd), p)
		switch {
		case err == unix.EINTR:
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWouldBlock
		case err != nil:
			return 0, err
		case n == 0 && len(p) > 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

// WaitReadable implements OS.
func (native) WaitReadable(fd Fd) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// Write implements OS.
func (native) Write(fd Fd, p []byte) (int, error) {
	for {
		n, err := unix.Write(int(fd), p)
		switch {
		case err == unix.EINTR:
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, ErrWouldBlock
		case err != nil:
			return 0, err
		}
		return n, nil
	}
}

// Close implements OS.
func (native) Close(fd Fd) error {
	return closeFd(fd)
}
