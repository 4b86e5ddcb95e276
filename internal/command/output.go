package command

import (
	"bytes"
	"sync"
)

// Stream identifies the source stream of output.
type Stream int

const (
	// Stdout is standard output.
	Stdout Stream = iota
	// Stderr is standard error.
	Stderr
)

// String returns the stream name.
func (s Stream) String() string {
	switch s {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	default:
		return "unknown"
	}
}

// LineHandler receives each complete output line as it is produced, without
// the trailing newline.
type LineHandler func(stream Stream, line string)

// capture keeps the first max bytes written to it and reports whether more
// arrived. Writes never fail, so the child is never blocked on a full pipe.
type capture struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool

	stream  Stream
	handler LineHandler
	partial []byte
}

func newCapture(max int, stream Stream, handler LineHandler) *capture {
	return &capture{max: max, stream: stream, handler: handler}
}

func (c *capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	room := c.max - c.buf.Len()
	switch {
	case c.max <= 0:
		c.buf.Write(p)
	case room >= len(p):
		c.buf.Write(p)
	default:
		if room > 0 {
			c.buf.Write(p[:room])
		}
		c.truncated = true
	}

	if c.handler != nil {
		c.splitLines(p)
	}
	return len(p), nil
}

// splitLines must hold mu.
func (c *capture) splitLines(p []byte) {
	c.partial = append(c.partial, p...)
	for {
		i := bytes.IndexByte(c.partial, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(c.partial[:i], []byte{'\r'})
		c.handler(c.stream, string(line))
		c.partial = c.partial[i+1:]
	}
	// Bound the pending line so a stream without newlines cannot grow forever.
	if c.max > 0 && len(c.partial) > c.max {
		c.handler(c.stream, string(c.partial))
		c.partial = nil
	}
}

// flush delivers a final line that had no trailing newline.
func (c *capture) flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler != nil && len(c.partial) > 0 {
		c.handler(c.stream, string(bytes.TrimSuffix(c.partial, []byte{'\r'})))
		c.partial = nil
	}
}

func (c *capture) bytes() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.buf.Bytes()), c.truncated
}
