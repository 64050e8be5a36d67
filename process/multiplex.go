package process

import (
	"errors"
	"io"

	"github.com/mrexodia/procwatch/loop"
	"github.com/mrexodia/procwatch/sysproc"
)

// attach registers readiness watches for the streams the caller monitors.
// Unmonitored streams are left alone for the synchronous read methods.
func (p *Process) attach(stdout, stderr bool) {
	if stdout {
		p.watchStream(p.stdout)
	}
	if stderr {
		p.watchStream(p.stderr)
	}
}

func (p *Process) watchStream(c *channel) {
	id := p.host.AddWatch(c.fd, loop.In|loop.Hup, func(cond loop.Condition) bool {
		return p.onReadable(c, cond)
	})
	c.watched(id)
}

// onReadable drains c and reports whether its watch should stay.
func (p *Process) onReadable(c *channel, cond loop.Condition) bool {
	if p.child != nil && cond&(loop.In|loop.Hup) != 0 {
		p.drain(c)
	}
	if p.child == nil || c.eof || cond&(loop.Hup|loop.Err) != 0 {
		c.unwatch()
		return false
	}
	return true
}

// drain forwards everything currently available on c, chunk by chunk, until
// a short read. It never blocks.
func (p *Process) drain(c *channel) {
	if c.state == stateBuffered {
		if b := c.takeBuffered(); len(b) > 0 {
			p.emit(c.stream, b)
		}
	}

	buf := make([]byte, ChunkSize)
	for p.child != nil && !c.closed() {
		n, err := c.readAvailable(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			p.emit(c.stream, data)
		}
		if err != nil {
			if !errors.Is(err, sysproc.ErrWouldBlock) && err != io.EOF {
				// A broken channel cannot recover; stop streaming it.
				p.log.WithError(err).WithField("stream", c.stream).Warn("read failed")
				c.eof = true
			}
			return
		}
		if n < len(buf) {
			return
		}
	}
}

func (p *Process) emit(s Stream, data []byte) {
	if p.onOutput != nil {
		p.onOutput(p, s, data)
	}
}
