package lsp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

const (
	// headerContentLength is the only header the framing requires.
	headerContentLength = "Content-Length"

	// DefaultMaxMessageSize bounds a single message body.
	DefaultMaxMessageSize = 64 << 20

	readBufferSize = 64 * 1024
)

// Framer reads and writes Content-Length framed messages over a byte stream.
//
// Send and Receive may be used from different goroutines. Concurrent Send calls
// are serialized so frames never interleave; Receive is meant for a single
// reader loop.
type Framer struct {
	reader  *bufio.Reader
	writer  io.Writer
	maxSize int

	wmu sync.Mutex
	rmu sync.Mutex
}

// NewFramer creates a framer reading from r and writing to w.
func NewFramer(r io.Reader, w io.Writer) *Framer {
	return &Framer{
		reader:  bufio.NewReaderSize(r, readBufferSize),
		writer:  w,
		maxSize: DefaultMaxMessageSize,
	}
}

// SetMaxMessageSize limits the accepted body length. Zero or less restores
// DefaultMaxMessageSize.
func (f *Framer) SetMaxMessageSize(n int) {
	if n <= 0 {
		n = DefaultMaxMessageSize
	}
	f.rmu.Lock()
	f.maxSize = n
	f.rmu.Unlock()
}

// Send writes one framed message.
func (f *Framer) Send(payload []byte) error {
	header := fmt.Sprintf("%s: %d\r\n\r\n", headerContentLength, len(payload))

	f.wmu.Lock()
	defer f.wmu.Unlock()

	// One Write per frame keeps a closed pipe from leaving half a frame behind.
	frame := make([]byte, 0, len(header)+len(payload))
	frame = append(frame, header...)
	frame = append(frame, payload...)

	if _, err := f.writer.Write(frame); err != nil {
		return &IOError{Op: "write frame", Err: err}
	}
	return nil
}

// Receive blocks until a complete message is available and returns its body.
//
// It returns io.EOF when the stream ends cleanly between messages, a
// *FramingError for malformed headers or a stream that ends mid-message, and an
// *IOError for other read failures.
func (f *Framer) Receive() ([]byte, error) {
	f.rmu.Lock()
	defer f.rmu.Unlock()

	length, err := f.readHeader()
	if err != nil {
		return nil, err
	}

	if length > f.maxSize {
		return nil, &FramingError{Reason: fmt.Sprintf("content length %d exceeds limit %d", length, f.maxSize)}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(f.reader, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &FramingError{Reason: "stream closed mid-message", Err: io.ErrUnexpectedEOF}
		}
		return nil, &IOError{Op: "read body", Err: err}
	}

	return body, nil
}

// readHeader consumes the header block and returns the declared body length.
func (f *Framer) readHeader() (int, error) {
	length := -1
	first := true

	for {
		line, err := f.reader.ReadSlice('\n')
		if err != nil {
			switch {
			case errors.Is(err, io.EOF) && first && len(line) == 0:
				return 0, io.EOF
			case errors.Is(err, io.EOF):
				return 0, &FramingError{Reason: "stream closed mid-header", Err: io.ErrUnexpectedEOF}
			case errors.Is(err, bufio.ErrBufferFull):
				return 0, &FramingError{Reason: "header line too long"}
			default:
				return 0, &IOError{Op: "read header", Err: err}
			}
		}
		first = false

		if len(line) < 2 || line[len(line)-2] != '\r' {
			return 0, &FramingError{Reason: fmt.Sprintf("header line %q not terminated by CRLF", line)}
		}
		text := string(line[:len(line)-2])

		if text == "" {
			break // End of headers
		}

		name, value, ok := strings.Cut(text, ":")
		if !ok {
			return 0, &FramingError{Reason: fmt.Sprintf("malformed header line %q", text)}
		}

		// Content-Type and other headers are accepted and ignored.
		if !strings.EqualFold(strings.TrimSpace(name), headerContentLength) {
			continue
		}
		if length >= 0 {
			return 0, &FramingError{Reason: "duplicate Content-Length header"}
		}

		n, err := parseContentLength(strings.TrimSpace(value))
		if err != nil {
			return 0, &FramingError{Reason: fmt.Sprintf("invalid Content-Length %q", value), Err: err}
		}
		length = n
	}

	if length < 0 {
		return 0, &FramingError{Reason: "missing Content-Length header"}
	}
	return length, nil
}

// parseContentLength accepts plain decimal digits only.
func parseContentLength(s string) (int, error) {
	if s == "" {
		return 0, errors.New("empty value")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errors.New("not a decimal number")
		}
	}
	return strconv.Atoi(s)
}
