//go:build !windows

package loop

import (
	"errors"
	"os"
	"os/signal"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/mrexodia/procwatch/sysproc"
)

type watchSys struct{}

type childSys struct{}

// backend multiplexes every watch with poll(2). A self-pipe wakes the poll
// for posted functions, Quit, and SIGCHLD; the SIGCHLD listener goroutine
// only flags pending children and wakes the loop.
type backend struct {
	wakeR, wakeW sysproc.Fd
	sigc         chan os.Signal
	done         chan struct{}
	childPending atomic.Bool
}

func (l *Loop) initBackend() error {
	r, w, err := sysproc.Pipe()
	if err != nil {
		return err
	}
	if err := unix.SetNonblock(int(w), true); err != nil {
		unix.Close(int(r))
		unix.Close(int(w))
		return err
	}
	l.wakeR, l.wakeW = r, w
	l.sigc = make(chan os.Signal, 1)
	l.done = make(chan struct{})
	signal.Notify(l.sigc, unix.SIGCHLD)

	go func() {
		for {
			select {
			case <-l.sigc:
				l.childPending.Store(true)
				l.wake()
			case <-l.done:
				return
			}
		}
	}()
	return nil
}

func (l *Loop) closeBackend() error {
	signal.Stop(l.sigc)
	close(l.done)
	return errors.Join(unix.Close(int(l.wakeR)), unix.Close(int(l.wakeW)))
}

func (l *Loop) wake() {
	if l.closed.Load() {
		return
	}
	// A full pipe already guarantees a wake-up.
	_, _ = unix.Write(int(l.wakeW), []byte{0})
}

func (l *Loop) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(int(l.wakeR), buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (l *Loop) startWatch(WatchID, *watch) {}

func (l *Loop) stopWatch(*watch) {}

// startChild flags a pending check: the child may have exited before the
// watch existed, in which case its SIGCHLD was already consumed.
func (l *Loop) startChild(WatchID, *childWatch) error {
	l.childPending.Store(true)
	l.wake()
	return nil
}

func (l *Loop) stopChild(*childWatch) {}

// Iterate runs posted functions, polls every watched descriptor once and
// dispatches the ready ones, then reaps exited children. Readiness is
// dispatched before child exits so output produced before an exit is seen
// first. With block set, Iterate sleeps until something happens. It reports
// whether any callback ran.
func (l *Loop) Iterate(block bool) bool {
	dispatched := l.runPosted()

	ids := sortedIDs(l.watches)
	fds := make([]unix.PollFd, 0, len(ids)+1)
	fds = append(fds, unix.PollFd{Fd: int32(l.wakeR), Events: unix.POLLIN})
	for _, id := range ids {
		w := l.watches[id]
		fds = append(fds, unix.PollFd{Fd: int32(w.fd), Events: pollEvents(w.cond)})
	}

	timeout := -1
	if !block || dispatched || l.quit.Load() || l.childPending.Load() || l.hasPosted() {
		timeout = 0
	}

	n, err := unix.Poll(fds, timeout)
	if err != nil && err != unix.EINTR {
		l.log.WithError(err).Error("poll failed")
	}
	if n > 0 {
		if fds[0].Revents != 0 {
			l.drainWake()
		}
		for i, id := range ids {
			if re := fds[i+1].Revents; re != 0 {
				l.dispatch(id, fromRevents(re))
				dispatched = true
			}
		}
	}

	if l.childPending.Swap(false) && l.reapChildren() {
		dispatched = true
	}
	if l.runPosted() {
		dispatched = true
	}
	return dispatched
}

func (l *Loop) reapChildren() bool {
	reaped := false
	for _, id := range sortedIDs(l.children) {
		c, ok := l.children[id]
		if !ok {
			continue
		}
		var ws unix.WaitStatus
		pid, err := unix.Wait4(c.pid, &ws, unix.WNOHANG, nil)
		switch {
		case err == unix.ECHILD:
			l.log.WithField("pid", c.pid).Warn("child watch dropped: process was reaped elsewhere")
			delete(l.children, id)
		case err != nil:
			l.log.WithError(err).WithField("pid", c.pid).Debug("wait4 failed")
		case pid == c.pid:
			l.dispatchChild(id, int(ws))
			reaped = true
		}
	}
	return reaped
}

func pollEvents(c Condition) int16 {
	var ev int16
	if c&In != 0 {
		ev |= unix.POLLIN
	}
	return ev
}

func fromRevents(re int16) Condition {
	var c Condition
	if re&unix.POLLIN != 0 {
		c |= In
	}
	if re&unix.POLLHUP != 0 {
		c |= Hup
	}
	if re&(unix.POLLERR|unix.POLLNVAL) != 0 {
		c |= Err
	}
	return c
}
