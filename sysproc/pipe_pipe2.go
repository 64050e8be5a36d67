//go:build linux || freebsd || netbsd || openbsd || dragonfly || solaris || illumos

package sysproc

import "golang.org/x/sys/unix"

func cloexecPipe(p []int) error {
	return unix.Pipe2(p, unix.O_CLOEXEC)
}
