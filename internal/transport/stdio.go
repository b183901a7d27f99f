// Package transport moves protocol messages between a client and the dispatcher.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/xscopehub/toolhost/internal/protocol"
)

// Handler answers one decoded request. A nil response means nothing is written back.
type Handler interface {
	Dispatch(ctx context.Context, req *protocol.Request) *protocol.Response
}

// Stdio serves requests read from a byte stream and writes responses to another. Each request
// runs on its own goroutine; responses are written whole, one at a time, in completion order.
type Stdio struct {
	in      io.Reader
	out     io.Writer
	framing Framing
	logger  *slog.Logger

	mu sync.Mutex
	wg sync.WaitGroup
}

// StdioOption configures Stdio.
type StdioOption func(*Stdio)

func WithFraming(f Framing) StdioOption { return func(s *Stdio) { s.framing = f } }

func WithLogger(l *slog.Logger) StdioOption { return func(s *Stdio) { s.logger = l } }

// NewStdio creates a stream transport.
func NewStdio(in io.Reader, out io.Writer, opts ...StdioOption) *Stdio {
	s := &Stdio{in: in, out: out, framing: FramingLine}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

type frame struct {
	data []byte
	err  error
}

// Serve reads until end of input or until ctx is cancelled, then waits for in-flight requests.
// End of input is a clean shutdown.
func (s *Stdio) Serve(ctx context.Context, h Handler) error {
	reader := newFrameReader(s.in, s.framing)
	frames := make(chan frame)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		for {
			data, err := reader.ReadFrame()
			select {
			case frames <- frame{data: data, err: err}:
			case <-stop:
				return
			}
			var fe *FrameError
			if err != nil && !errors.As(err, &fe) {
				return
			}
		}
	}()

	s.logger.Info("stdio transport serving", "framing", s.framing)
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return nil
		case f := <-frames:
			var fe *FrameError
			if errors.As(f.err, &fe) {
				s.logger.Warn("discarding unreadable frame", "error", fe)
				s.write(protocol.NewErrorResponse(nil, protocol.NewFault(protocol.CodeParseError, "parse error: %s", fe.Reason)))
				continue
			}
			if f.err != nil {
				s.wg.Wait()
				if errors.Is(f.err, io.EOF) {
					s.logger.Info("input closed")
					return nil
				}
				return fmt.Errorf("read message: %w", f.err)
			}
			s.handle(ctx, h, f.data)
		}
	}
}

func (s *Stdio) handle(ctx context.Context, h Handler, data []byte) {
	if len(data) > 0 && data[0] == '[' {
		s.write(protocol.NewErrorResponse(nil, protocol.NewFault(protocol.CodeInvalidRequest, "batch requests are not supported")))
		return
	}
	var req protocol.Request
	if err := json.Unmarshal(data, &req); err != nil {
		s.logger.Warn("discarding malformed message", "error", err)
		s.write(protocol.NewErrorResponse(nil, protocol.NewFault(protocol.CodeParseError, "parse error: %v", err)))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("dispatch panicked", "method", req.Method, "panic", r, "stack", string(debug.Stack()))
				if !req.IsNotification() {
					s.write(protocol.NewErrorResponse(req.ID, protocol.NewFault(protocol.CodeInternal, "internal error")))
				}
			}
		}()
		if resp := h.Dispatch(ctx, &req); resp != nil {
			s.write(resp)
		}
	}()
}

func (s *Stdio) write(resp *protocol.Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("encode response", "error", err)
		payload, _ = json.Marshal(protocol.NewErrorResponse(resp.ID,
			protocol.NewFault(protocol.CodeInternal, "encode response: %v", err)))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.out.Write(encodeFrame(s.framing, payload)); err != nil {
		s.logger.Error("write response", "error", err)
	}
}
