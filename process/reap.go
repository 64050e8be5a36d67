package process

import "fmt"

func (p *Process) watchExit() {
	id, err := p.host.AddChildWatch(p.pid, p.onChildExited)
	if err != nil {
		p.log.WithError(err).Warn("exit watch not registered, process can only be reaped with Wait")
		return
	}
	p.exitWatch = id
}

func (p *Process) onChildExited(raw int) {
	p.exitWatch = 0
	p.cleanup(raw)
}

// Wait blocks the loop goroutine until the process exits, finalizes it and
// returns the exit status. The exit watch is removed so it never fires a
// second time. On a reaped process Wait returns the recorded status.
func (p *Process) Wait() (int, error) {
	if p.child == nil || p.reaping {
		return p.exitStatus, nil
	}
	raw, err := p.sys.Wait(p.child)
	if err != nil {
		return 0, fmt.Errorf("wait for pid %d: %w", p.pid, err)
	}
	p.cleanup(raw)
	return p.exitStatus, nil
}

// cleanup is the only place a process is finalized. It runs once; later
// calls do nothing.
func (p *Process) cleanup(raw int) {
	if p.child == nil || p.reaping {
		return
	}
	p.reaping = true
	p.cleanups++

	// Output produced before the exit still goes out ahead of it.
	for _, c := range []*channel{p.stdout, p.stderr} {
		if c.watch != 0 {
			p.drain(c)
		}
	}

	// Watches go first: a descriptor is never closed while watched.
	for _, c := range []*channel{p.stdout, p.stderr} {
		if c.watch != 0 {
			p.host.Remove(c.watch)
			c.unwatch()
		}
	}
	if p.exitWatch != 0 {
		p.host.Remove(p.exitWatch)
		p.exitWatch = 0
	}

	if err := p.sys.Release(p.child); err != nil {
		p.log.WithError(err).Debug("release process handle")
	}
	p.child = nil

	if err := p.closePipes(); err != nil {
		p.log.WithError(err).Debug("close pipes")
	}

	p.rawStatus = raw
	p.exitStatus = p.sys.ExitCode(raw)
	p.reaping = false
	p.log.WithField("status", p.exitStatus).Debug("process exited")

	if p.onExit != nil {
		p.onExit(p, p.exitStatus)
	}
}
