//go:build windows

package sysproc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	winjob "github.com/kolesnikovae/go-winjob"
	"golang.org/x/sys/windows"
)

// readablePollInterval is how often WaitReadable re-checks an anonymous
// pipe; Windows offers no readiness notification for them.
const readablePollInterval = 10 * time.Millisecond

const pipeNoWait = 0x00000001

var (
	modkernel32       = windows.NewLazySystemDLL("kernel32.dll")
	procPeekNamedPipe = modkernel32.NewProc("PeekNamedPipe")
	jobSeq            atomic.Uint64
)

type childSys struct {
	handle windows.Handle
	job    *winjob.JobObject
}

// newPipe creates an inheritable pipe and then clears the inherit flag on the
// end the parent keeps, so only the child's end crosses into the child.
func newPipe(parentReads bool) (r, w Fd, err error) {
	var rh, wh windows.Handle
	sa := windows.SecurityAttributes{InheritHandle: 1}
	sa.Length = uint32(unsafe.Sizeof(sa))
	if err := windows.CreatePipe(&rh, &wh, &sa, 0); err != nil {
		return InvalidFd, InvalidFd, err
	}
	parent := wh
	if parentReads {
		parent = rh
	}
	if err := windows.SetHandleInformation(parent, windows.HANDLE_FLAG_INHERIT, 0); err != nil {
		windows.CloseHandle(rh)
		windows.CloseHandle(wh)
		return InvalidFd, InvalidFd, err
	}
	if !parentReads {
		// reads are bounded by PeekNamedPipe, writes need PIPE_NOWAIT;
		// without it writes fall back to blocking
		mode := uint32(pipeNoWait)
		_ = windows.SetNamedPipeHandleState(wh, &mode, nil, nil)
	}
	return Fd(rh), Fd(wh), nil
}

func closeFd(fd Fd) error {
	return windows.CloseHandle(windows.Handle(fd))
}

// PeekAvailable reports how many bytes can be read from the pipe without
// blocking. A pipe whose writer is gone reports io.EOF.
func PeekAvailable(fd Fd) (int, error) {
	var avail uint32
	r, _, err := procPeekNamedPipe.Call(uintptr(fd), 0, 0, 0, uintptr(unsafe.Pointer(&avail)), 0)
	if r == 0 {
		if errors.Is(err, windows.ERROR_BROKEN_PIPE) {
			return 0, io.EOF
		}
		return 0, err
	}
	return int(avail), nil
}

// Command implements OS. CreateProcess takes a single command string, so the
// words are rejoined and handed to the command interpreter, which also makes
// batch files work.
func (native) Command(words []string) *exec.Cmd {
	shell := os.Getenv("COMSPEC")
	if shell == "" {
		shell = "cmd.exe"
	}
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = syscall.EscapeArg(w)
	}
	cmd := exec.Command(shell)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CmdLine:       shell + " /c " + strings.Join(quoted, " "),
		HideWindow:    true,
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP | 0x08000000, // CREATE_NO_WINDOW
	}
	return cmd
}

// Start implements OS. The child runs inside a kill-on-close job object so it
// does not outlive a crashed parent.
func (native) Start(cmd *exec.Cmd) (*Child, error) {
	job, err := winjob.Create(fmt.Sprintf("procwatch-%d-%d", os.Getpid(), jobSeq.Add(1)),
		winjob.WithKillOnJobClose(),
		winjob.WithBreakawayOK(),
	)
	if err != nil {
		return nil, fmt.Errorf("create job object: %w", err)
	}
	if err := winjob.StartInJobObject(cmd, job); err != nil {
		_ = job.Close()
		return nil, err
	}

	access := uint32(windows.SYNCHRONIZE | windows.PROCESS_QUERY_LIMITED_INFORMATION | windows.PROCESS_TERMINATE)
	h, err := windows.OpenProcess(access, false, uint32(cmd.Process.Pid))
	if err != nil {
		_ = cmd.Process.Kill()
		_ = job.Close()
		return nil, fmt.Errorf("open process %d: %w", cmd.Process.Pid, err)
	}
	return &Child{
		Pid:  cmd.Process.Pid,
		proc: cmd.Process,
		sys:  childSys{handle: h, job: job},
	}, nil
}

// Wait implements OS.
func (native) Wait(c *Child) (int, error) {
	if _, err := windows.WaitForSingleObject(c.sys.handle, windows.INFINITE); err != nil {
		return 0, err
	}
	var code uint32
	if err := windows.GetExitCodeProcess(c.sys.handle, &code); err != nil {
		return 0, err
	}
	return int(code), nil
}

// Kill implements OS. Windows has no signals; every request terminates.
func (native) Kill(c *Child, _ syscall.Signal) error {
	return windows.TerminateProcess(c.sys.handle, 1)
}

// Release implements OS.
func (native) Release(c *Child) error {
	var errs []error
	if c.sys.handle != 0 {
		errs = append(errs, windows.CloseHandle(c.sys.handle))
		c.sys.handle = 0
	}
	if c.sys.job != nil {
		errs = append(errs, c.sys.job.Close())
		c.sys.job = nil
	}
	if c.proc != nil {
		errs = append(errs, c.proc.Release())
	}
	return errors.Join(errs...)
}

// ExitCode implements OS.
func (native) ExitCode(raw int) int {
	return raw
}

// Read implements OS.
func (native) Read(fd Fd, p []byte) (int, error) {
	avail, err := PeekAvailable(fd)
	if err != nil {
		return 0, err
	}
	if avail == 0 {
		return 0, ErrWouldBlock
	}
	if avail < len(p) {
		p = p[:avail]
	}
	var n uint32
	if err := windows.ReadFile(windows.Handle(fd), p, &n, nil); err != nil {
		if errors.Is(err, windows.ERROR_BROKEN_PIPE) {
			return 0, io.EOF
		}
		return 0, err
	}
	return int(n), nil
}

// WaitReadable implements OS.
func (native) WaitReadable(fd Fd) error {
	for {
		avail, err := PeekAvailable(fd)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if avail > 0 {
			return nil
		}
		time.Sleep(readablePollInterval)
	}
}

// Write implements OS.
func (native) Write(fd Fd, p []byte) (int, error) {
	var n uint32
	if err := windows.WriteFile(windows.Handle(fd), p, &n, nil); err != nil {
		return 0, err
	}
	if n == 0 && len(p) > 0 {
		return 0, ErrWouldBlock
	}
	return int(n), nil
}

// Close implements OS.
func (native) Close(fd Fd) error {
	return closeFd(fd)
}
