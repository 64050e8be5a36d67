package process

import (
	"errors"
	"io"

	"github.com/mrexodia/procwatch/loop"
	"github.com/mrexodia/procwatch/sysproc"
)

// ChunkSize is the largest chunk read from a pipe in one go.
const ChunkSize = 8192

// channelState tracks which consumer owns a channel's bytes.
//
//	Idle      no watch, nothing buffered
//	Streaming a watch delivers every byte straight to OnOutput
//	Buffered  a synchronous read left bytes behind; they are handed out
//	          before anything else is read from the pipe
type channelState int

const (
	stateIdle channelState = iota
	stateStreaming
	stateBuffered
)

func (s channelState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateStreaming:
		return "streaming"
	case stateBuffered:
		return "buffered"
	default:
		return "unknown"
	}
}

// channel wraps the parent's read end of stdout or stderr. It is shared by
// the multiplexer and the synchronous read methods.
type channel struct {
	stream Stream
	fd     sysproc.Fd
	sys    sysproc.OS
	state  channelState
	watch  loop.WatchID
	buf    []byte
	eof    bool
}

func newChannel(stream Stream, fd sysproc.Fd, sys sysproc.OS) *channel {
	return &channel{stream: stream, fd: fd, sys: sys}
}

func (c *channel) closed() bool {
	return c.fd == sysproc.InvalidFd
}

// settle leaves Buffered for the mode the channel rests in.
func (c *channel) settle() {
	if c.watch != 0 {
		c.state = stateStreaming
	} else {
		c.state = stateIdle
	}
}

func (c *channel) watched(id loop.WatchID) {
	c.watch = id
	if c.state != stateBuffered {
		c.state = stateStreaming
	}
}

func (c *channel) unwatch() {
	c.watch = 0
	if c.state != stateBuffered {
		c.state = stateIdle
	}
}

func (c *channel) beginRead() {
	c.state = stateBuffered
}

// endRead keeps the channel Buffered while bytes remain so the next
// consumer, push or pull, gets them first.
func (c *channel) endRead() {
	if len(c.buf) == 0 {
		c.settle()
	}
}

// takeBuffered hands the leftover bytes to the multiplexer.
func (c *channel) takeBuffered() []byte {
	b := c.buf
	c.buf = nil
	c.settle()
	return b
}

// consume removes and returns the first n buffered bytes.
func (c *channel) consume(n int) []byte {
	out := make([]byte, n)
	copy(out, c.buf)
	c.buf = c.buf[n:]
	if len(c.buf) == 0 {
		c.buf = nil
	}
	return out
}

// readAvailable performs one non-blocking read for the multiplexer.
func (c *channel) readAvailable(p []byte) (int, error) {
	if c.eof {
		return 0, io.EOF
	}
	n, err := c.sys.Read(c.fd, p)
	if err == io.EOF {
		c.eof = true
	}
	return n, err
}

// fill blocks until at least one more byte is buffered. It returns io.EOF at
// end of stream.
func (c *channel) fill() error {
	if c.eof {
		return io.EOF
	}
	tmp := make([]byte, ChunkSize)
	for {
		n, err := c.sys.Read(c.fd, tmp)
		if n > 0 {
			c.buf = append(c.buf, tmp[:n]...)
			return nil
		}
		switch {
		case errors.Is(err, sysproc.ErrWouldBlock):
			if err := c.sys.WaitReadable(c.fd); err != nil {
				return newIOError("poll "+c.stream.String(), err)
			}
		case err == io.EOF:
			c.eof = true
			return io.EOF
		case err != nil:
			return newIOError("read "+c.stream.String(), err)
		}
	}
}

// close releases the descriptor. Any unread buffered bytes are dropped.
func (c *channel) close() error {
	if c.closed() {
		return nil
	}
	err := c.sys.Close(c.fd)
	c.fd = sysproc.InvalidFd
	c.buf = nil
	c.eof = true
	c.watch = 0
	c.state = stateIdle
	if err != nil {
		return newIOError("close "+c.stream.String(), err)
	}
	return nil
}
