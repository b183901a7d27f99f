package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/xscopehub/toolhost/internal/protocol"
)

const maxBodyBytes = 10 << 20

// HTTPOptions configures the HTTP transport.
type HTTPOptions struct {
	Address         string
	Path            string
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// HTTP serves one request per POST. Calls are not bounded by a server-side timeout; each tool
// bounds its own I/O.
type HTTP struct {
	opts     HTTPOptions
	inflight int64
}

// NewHTTP creates an HTTP transport.
func NewHTTP(opts HTTPOptions) *HTTP {
	if opts.Path == "" {
		opts.Path = "/mcp"
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &HTTP{opts: opts}
}

// Router builds the HTTP handler around h.
func (t *HTTP) Router(h Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post(t.opts.Path, func(w http.ResponseWriter, req *http.Request) {
		t.handleRPC(w, req, h)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"inflight": atomic.LoadInt64(&t.inflight),
		})
	})
	return r
}

// Serve starts the HTTP server until context cancellation.
func (t *HTTP) Serve(ctx context.Context, h Handler) error {
	srv := &http.Server{
		Addr:        t.opts.Address,
		Handler:     t.Router(h),
		ReadTimeout: t.opts.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	t.opts.Logger.Info("http transport serving", "address", t.opts.Address, "path", t.opts.Path)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), t.opts.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http transport: %w", err)
	}
}

func (t *HTTP) handleRPC(w http.ResponseWriter, r *http.Request, h Handler) {
	atomic.AddInt64(&t.inflight, 1)
	defer atomic.AddInt64(&t.inflight, -1)

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, protocol.NewErrorResponse(nil,
			protocol.NewFault(protocol.CodeInvalidRequest, "read body: %v", err)))
		return
	}

	var req protocol.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		writeJSON(w, http.StatusOK, protocol.NewErrorResponse(nil,
			protocol.NewFault(protocol.CodeParseError, "parse error: %v", err)))
		return
	}

	resp := h.Dispatch(r.Context(), &req)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("encode response", "error", err)
	}
}
