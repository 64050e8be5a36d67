//go:build windows

package main

import (
	"github.com/mrexodia/procwatch/process"
)

// requestStop terminates the job. Jobs are started without a console, so
// there is no console control event that could reach them.
func requestStop(p *process.Process) error {
	return p.Kill(0)
}
