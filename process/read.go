package process

import (
	"bytes"
	"fmt"
	"io"
)

// ReadMode selects what a synchronous read returns.
type ReadMode int

const (
	// ReadLine reads through the next newline and strips "\n" or "\r\n".
	ReadLine ReadMode = iota
	// ReadLineRaw reads through the next newline and keeps it.
	ReadLineRaw
	// ReadAll reads until end of stream.
	ReadAll
	// ReadN reads up to n bytes, returning fewer only at end of stream.
	ReadN
)

func (m ReadMode) String() string {
	switch m {
	case ReadLine:
		return "line"
	case ReadLineRaw:
		return "line-raw"
	case ReadAll:
		return "all"
	case ReadN:
		return "n"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Read reads from the child's stdout. It blocks until the requested unit is
// available. At end of stream it returns nil and ErrEndOfStream; ReadAll
// reports ErrEndOfStream too when the stream produced nothing at all. n is
// only used by ReadN.
func (p *Process) Read(mode ReadMode, n int) ([]byte, error) {
	return p.ReadStream(Stdout, mode, n)
}

// ReadStream is Read for either stream.
func (p *Process) ReadStream(s Stream, mode ReadMode, n int) ([]byte, error) {
	c := p.channel(s)
	if c == nil {
		return nil, fmt.Errorf("unknown stream %v", s)
	}
	if c.closed() {
		return nil, ErrEndOfStream
	}

	c.beginRead()
	defer c.endRead()

	switch mode {
	case ReadLine, ReadLineRaw:
		return c.readLine(mode == ReadLine)
	case ReadAll:
		return c.readAll()
	case ReadN:
		return c.readN(n)
	default:
		return nil, fmt.Errorf("unknown read mode %v", mode)
	}
}

func (c *channel) readLine(trim bool) ([]byte, error) {
	for {
		if i := bytes.IndexByte(c.buf, '\n'); i >= 0 {
			return finishLine(c.consume(i+1), trim), nil
		}
		if err := c.fill(); err != nil {
			if err != io.EOF {
				return nil, err
			}
			if len(c.buf) == 0 {
				return nil, ErrEndOfStream
			}
			return finishLine(c.consume(len(c.buf)), trim), nil
		}
	}
}

func finishLine(line []byte, trim bool) []byte {
	if trim {
		line = bytes.TrimSuffix(line, []byte("\n"))
		line = bytes.TrimSuffix(line, []byte("\r"))
	}
	return line
}

func (c *channel) readAll() ([]byte, error) {
	for {
		err := c.fill()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if len(c.buf) == 0 {
		return nil, ErrEndOfStream
	}
	return c.consume(len(c.buf)), nil
}

func (c *channel) readN(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("negative read size %d", n)
	}
	if n == 0 {
		return []byte{}, nil
	}
	for len(c.buf) < n {
		err := c.fill()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if len(c.buf) == 0 {
		return nil, ErrEndOfStream
	}
	return c.consume(min(n, len(c.buf))), nil
}
