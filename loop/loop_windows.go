//go:build windows

package loop

import (
	"io"
	"time"

	"golang.org/x/sys/windows"

	"github.com/mrexodia/procwatch/sysproc"
)

// pipePollInterval is how often a watch listener peeks at its pipe.
// Anonymous pipes cannot be waited on, so each watch gets a listener
// goroutine that only marshals readiness back onto the loop.
const pipePollInterval = 10 * time.Millisecond

type watchSys struct {
	stop   chan struct{}
	exited chan struct{}
}

type childSys struct {
	process windows.Handle
	cancel  windows.Handle
	exited  chan struct{}
}

type backend struct {
	wakeC chan struct{}
}

func (l *Loop) initBackend() error {
	l.wakeC = make(chan struct{}, 1)
	return nil
}

func (l *Loop) closeBackend() error {
	return nil
}

func (l *Loop) wake() {
	select {
	case l.wakeC <- struct{}{}:
	default:
	}
}

func (l *Loop) startWatch(id WatchID, w *watch) {
	w.sys.stop = make(chan struct{})
	w.sys.exited = make(chan struct{})

	go func() {
		defer close(w.sys.exited)
		ticker := time.NewTicker(pipePollInterval)
		defer ticker.Stop()

		for {
			var cond Condition
			avail, err := sysproc.PeekAvailable(w.fd)
			switch {
			case err == io.EOF:
				cond = Hup
			case err != nil:
				cond = Err
			case avail > 0 && w.cond&In != 0:
				cond = In
			}

			if cond != 0 {
				// Wait for the callback before peeking again so a single
				// chunk is not reported twice.
				done := make(chan struct{})
				l.Post(func() {
					defer close(done)
					l.dispatch(id, cond)
				})
				select {
				case <-done:
				case <-w.sys.stop:
					return
				}
			}

			select {
			case <-ticker.C:
			case <-w.sys.stop:
				return
			}
		}
	}()
}

// stopWatch waits for the listener so the pipe is never peeked after the
// watch is gone and the caller closes it.
func (l *Loop) stopWatch(w *watch) {
	close(w.sys.stop)
	<-w.sys.exited
}

func (l *Loop) startChild(id WatchID, c *childWatch) error {
	h, err := windows.OpenProcess(windows.SYNCHRONIZE|windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(c.pid))
	if err != nil {
		return err
	}
	cancel, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		windows.CloseHandle(h)
		return err
	}
	c.sys = childSys{process: h, cancel: cancel, exited: make(chan struct{})}

	go func() {
		defer close(c.sys.exited)
		ev, err := windows.WaitForMultipleObjects([]windows.Handle{h, cancel}, false, windows.INFINITE)
		if err != nil || ev != windows.WAIT_OBJECT_0 {
			return
		}
		var code uint32
		if err := windows.GetExitCodeProcess(h, &code); err != nil {
			l.log.WithError(err).WithField("pid", c.pid).Warn("exit code unavailable")
		}
		l.Post(func() { l.dispatchChild(id, int(code)) })
	}()
	return nil
}

func (l *Loop) stopChild(c *childWatch) {
	windows.SetEvent(c.sys.cancel)
	<-c.sys.exited
	windows.CloseHandle(c.sys.process)
	windows.CloseHandle(c.sys.cancel)
}

// Iterate runs posted functions, waiting for some when block is set. It
// reports whether any callback ran.
func (l *Loop) Iterate(block bool) bool {
	if l.runPosted() {
		return true
	}
	if !block || l.quit.Load() {
		return false
	}
	<-l.wakeC
	return l.runPosted()
}
