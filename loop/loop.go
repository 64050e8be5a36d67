// Package loop implements the host event loop that the process subsystem
// delegates readiness notification to.
//
// A Loop is single-threaded: watches are dispatched, and posted functions
// run, on whichever goroutine calls Run or Iterate. Only Post, Call and Close
// may be used from other goroutines.
package loop

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/mrexodia/procwatch/sysproc"
)

// Condition is a set of readiness conditions.
type Condition uint8

const (
	// In means data can be read.
	In Condition = 1 << iota
	// Hup means the other end of the pipe was closed.
	Hup
	// Err means the descriptor is in an error state.
	Err
)

func (c Condition) String() string {
	var parts []string
	if c&In != 0 {
		parts = append(parts, "in")
	}
	if c&Hup != 0 {
		parts = append(parts, "hup")
	}
	if c&Err != 0 {
		parts = append(parts, "err")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// WatchID identifies a registered watch. IDs are never reused.
type WatchID uint64

// WatchFunc is called when a watched descriptor becomes ready. Returning
// false removes the watch.
type WatchFunc func(cond Condition) bool

// ChildFunc receives the raw wait status of an exited child. The watch is
// already removed when it runs.
type ChildFunc func(raw int)

type watch struct {
	fd   sysproc.Fd
	cond Condition
	fn   WatchFunc
	sys  watchSys
}

type childWatch struct {
	pid int
	fn  ChildFunc
	sys childSys
}

// Loop is a single-threaded event loop.
type Loop struct {
	mu     sync.Mutex
	posted []func()

	watches  map[WatchID]*watch
	children map[WatchID]*childWatch
	nextID   WatchID

	quit   atomic.Bool
	closed atomic.Bool
	log    *log.Entry

	backend
}

// New creates a loop. Close must be called to release it.
func New() (*Loop, error) {
	l := &Loop{
		watches:  make(map[WatchID]*watch),
		children: make(map[WatchID]*childWatch),
		log:      log.WithField("component", "loop"),
	}
	if err := l.initBackend(); err != nil {
		return nil, err
	}
	return l, nil
}

// Post queues fn to run on the loop goroutine. Safe from any goroutine.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.posted = append(l.posted, fn)
	l.mu.Unlock()
	l.wake()
}

// Call runs fn on the loop goroutine and waits for it to return. It must not
// be called from the loop goroutine itself.
func (l *Loop) Call(fn func()) {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	<-done
}

// Quit makes Run return after the current iteration.
func (l *Loop) Quit() {
	l.quit.Store(true)
	l.wake()
}

// Run dispatches events until Quit is called or ctx is done. It returns
// ctx.Err() when the context ended the loop.
func (l *Loop) Run(ctx context.Context) error {
	l.quit.Store(false)
	stop := context.AfterFunc(ctx, l.Quit)
	defer stop()

	for !l.quit.Load() {
		l.Iterate(true)
	}
	return ctx.Err()
}

// AddWatch registers fn to be called whenever fd satisfies cond. Hup and Err
// are always reported.
func (l *Loop) AddWatch(fd sysproc.Fd, cond Condition, fn WatchFunc) WatchID {
	l.nextID++
	id := l.nextID
	w := &watch{fd: fd, cond: cond, fn: fn}
	l.watches[id] = w
	l.startWatch(id, w)
	return id
}

// AddChildWatch registers fn to be called once when the child pid exits.
// The loop reaps the child.
func (l *Loop) AddChildWatch(pid int, fn ChildFunc) (WatchID, error) {
	l.nextID++
	id := l.nextID
	c := &childWatch{pid: pid, fn: fn}
	if err := l.startChild(id, c); err != nil {
		return 0, err
	}
	l.children[id] = c
	return id, nil
}

// Remove unregisters a watch. It reports whether the watch existed. Once
// Remove returns, the watch's callback will not run again.
func (l *Loop) Remove(id WatchID) bool {
	if w, ok := l.watches[id]; ok {
		delete(l.watches, id)
		l.stopWatch(w)
		return true
	}
	if c, ok := l.children[id]; ok {
		delete(l.children, id)
		l.stopChild(c)
		return true
	}
	return false
}

// Len returns the number of registered watches of both kinds.
func (l *Loop) Len() int {
	return len(l.watches) + len(l.children)
}

// Close stops the loop's helper goroutines and frees its resources. Watches
// still registered are dropped without being called.
func (l *Loop) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	for id := range l.watches {
		l.Remove(id)
	}
	for id := range l.children {
		l.Remove(id)
	}
	return l.closeBackend()
}

func (l *Loop) runPosted() bool {
	l.mu.Lock()
	fns := l.posted
	l.posted = nil
	l.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return len(fns) > 0
}

func (l *Loop) hasPosted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.posted) > 0
}

func (l *Loop) dispatch(id WatchID, cond Condition) {
	w, ok := l.watches[id]
	if !ok {
		return
	}
	if !w.fn(cond) && l.watches[id] == w {
		delete(l.watches, id)
		l.stopWatch(w)
	}
}

func (l *Loop) dispatchChild(id WatchID, raw int) {
	c, ok := l.children[id]
	if !ok {
		return
	}
	delete(l.children, id)
	l.stopChild(c)
	c.fn(raw)
}

func sortedIDs[V any](m map[WatchID]V) []WatchID {
	ids := make([]WatchID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
