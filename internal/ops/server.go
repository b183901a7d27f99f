// Package ops serves the health and metrics endpoints of a tool host on a side listener.
package ops

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/xscopehub/toolhost/internal/metrics"
)

// StatusFunc reports host details for /healthz.
type StatusFunc func() map[string]any

// Server wraps the ops HTTP engine.
type Server struct {
	addr   string
	engine *gin.Engine
	logger *slog.Logger
}

// New creates the ops server for service.
func New(addr, service string, m *metrics.Collector, status StatusFunc, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(service))

	r.GET("/healthz", func(c *gin.Context) {
		body := gin.H{"status": "ok", "service": service}
		if status != nil {
			for k, v := range status() {
				body[k] = v
			}
		}
		c.JSON(http.StatusOK, body)
	})
	if m != nil {
		r.GET("/metrics", gin.WrapH(m.Handler()))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{addr: addr, engine: r, logger: logger}
}

// Handler exposes the HTTP handler for embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run starts the server until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("ops listener serving", "address", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
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
		return err
	}
}
