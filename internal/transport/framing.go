package transport

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Framing selects how messages are delimited on a byte stream.
type Framing string

const (
	// FramingLine is one JSON document per line.
	FramingLine Framing = "line"
	// FramingContentLength prefixes each document with a Content-Length header block.
	FramingContentLength Framing = "content-length"
)

// ParseFraming validates a framing name. The empty name selects line framing.
func ParseFraming(s string) (Framing, error) {
	switch Framing(strings.ToLower(strings.TrimSpace(s))) {
	case "", FramingLine:
		return FramingLine, nil
	case FramingContentLength:
		return FramingContentLength, nil
	}
	return "", fmt.Errorf("unknown framing %q", s)
}

const maxFrameSize = 64 << 20

// FrameError reports a frame that could not be delimited or was too large. The stream is still
// positioned at the next frame, so reading can continue.
type FrameError struct {
	Reason string
}

func (e *FrameError) Error() string { return e.Reason }

func frameErrorf(format string, args ...any) *FrameError {
	return &FrameError{Reason: fmt.Sprintf(format, args...)}
}

type frameReader interface {
	ReadFrame() ([]byte, error)
}

func newFrameReader(r io.Reader, f Framing) frameReader {
	br := bufio.NewReaderSize(r, 64*1024)
	if f == FramingContentLength {
		return &headerReader{r: br, limit: maxFrameSize}
	}
	return &lineReader{r: br, limit: maxFrameSize}
}

type lineReader struct {
	r     *bufio.Reader
	limit int
}

func (l *lineReader) ReadFrame() ([]byte, error) {
	for {
		line, err := l.readLine()
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// readLine returns one line of at most limit bytes. Longer lines are consumed and reported as a
// FrameError.
func (l *lineReader) readLine() ([]byte, error) {
	var line []byte
	size := 0
	for {
		chunk, err := l.r.ReadSlice('\n')
		size += len(chunk)
		if size <= l.limit {
			line = append(line, chunk...)
		} else {
			line = nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if size > l.limit {
			return nil, frameErrorf("line of %d bytes exceeds limit", size)
		}
		return line, err
	}
}

type headerReader struct {
	r     *bufio.Reader
	limit int
}

// ReadFrame reads one header block and its body. A malformed block is consumed up to its blank
// line, and its body too when the length is known, before a FrameError is returned.
func (h *headerReader) ReadFrame() ([]byte, error) {
	length := -1
	sawHeader := false
	var bad *FrameError
	for {
		line, err := h.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && (sawHeader || strings.TrimSpace(line) != "") {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if !sawHeader {
				continue
			}
			break
		}
		if !sawHeader {
			// Leftovers of an unframed body can precede the next header on the same line.
			if i := strings.Index(strings.ToLower(line), "content-length:"); i > 0 {
				line = line[i:]
			}
		}
		sawHeader = true
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			if bad == nil {
				bad = frameErrorf("malformed header %q", line)
			}
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				if bad == nil {
					bad = frameErrorf("invalid Content-Length %q", value)
				}
				continue
			}
			length = n
		}
	}
	if bad == nil && length < 0 {
		return nil, frameErrorf("missing Content-Length header")
	}
	if bad == nil && length > h.limit {
		bad = frameErrorf("frame of %d bytes exceeds limit", length)
	}
	if bad != nil {
		if length > 0 {
			if _, err := io.CopyN(io.Discard, h.r, int64(length)); err != nil {
				return nil, fmt.Errorf("skip frame body: %w", err)
			}
		}
		return nil, bad
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(h.r, buf); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return buf, nil
}

// encodeFrame returns the bytes to write for one message.
func encodeFrame(f Framing, payload []byte) []byte {
	if f == FramingContentLength {
		header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(payload))
		return append([]byte(header), payload...)
	}
	return append(payload, '\n')
}
