//go:build darwin

package sysproc

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// cloexecPipe emulates pipe2(O_CLOEXEC). ForkLock keeps a concurrent fork
// from inheriting the ends before the flag is set.
func cloexecPipe(p []int) error {
	syscall.ForkLock.RLock()
	defer syscall.ForkLock.RUnlock()
	if err := unix.Pipe(p); err != nil {
		return err
	}
	unix.CloseOnExec(p[0])
	unix.CloseOnExec(p[1])
	return nil
}
