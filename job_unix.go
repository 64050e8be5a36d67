//go:build !windows

package main

import (
	"syscall"

	"github.com/mrexodia/procwatch/process"
)

// requestStop asks p to terminate gracefully
func requestStop(p *process.Process) error {
	return p.Kill(syscall.SIGTERM)
}
