// Package resources owns the lazily created handles to external systems: database pools,
// HTTP clients, container daemons, browsers and cloud credentials.
//
// A handle is built by its kind's factory on first acquisition, from configuration read at that
// moment. A successful handle is kept for the life of the process; a failed construction is not
// remembered, so a later call reads the configuration again.
package resources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Kind names a category of external handle.
type Kind string

// Factory builds the handle of one kind.
type Factory func(ctx context.Context, cfg *Config) (any, error)

type entry struct {
	mu      sync.Mutex
	factory Factory
	ready   bool
	handle  any
}

// Manager caches one handle per kind.
type Manager struct {
	env    Env
	logger *slog.Logger

	mu      sync.Mutex
	entries map[Kind]*entry
	kinds   []Kind
	order   []Kind
	closed  bool
}

// NewManager creates a manager reading configuration from env.
func NewManager(env Env, logger *slog.Logger) *Manager {
	if env == nil {
		env = ProcessEnv
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{env: env, logger: logger, entries: make(map[Kind]*entry)}
}

// Register declares a kind. It must be called before serving starts.
func (m *Manager) Register(kind Kind, factory Factory) error {
	if factory == nil {
		return fmt.Errorf("resource kind %s: factory missing", kind)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[kind]; exists {
		return fmt.Errorf("resource kind %s already registered", kind)
	}
	m.entries[kind] = &entry{factory: factory}
	m.kinds = append(m.kinds, kind)
	return nil
}

// Kinds returns the registered kinds in registration order.
func (m *Manager) Kinds() []Kind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Kind(nil), m.kinds...)
}

// Acquired reports whether the handle of kind has been built.
func (m *Manager) Acquired(kind Kind) bool {
	m.mu.Lock()
	e, ok := m.entries[kind]
	m.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

// Acquire returns the handle of kind, building it on first use. Concurrent first callers wait
// for a single construction.
func (m *Manager) Acquire(ctx context.Context, kind Kind) (any, error) {
	m.mu.Lock()
	e, ok := m.entries[kind]
	closed := m.closed
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown resource kind %s", kind)
	}
	if closed {
		return nil, fmt.Errorf("resource manager closed")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ready {
		return e.handle, nil
	}

	start := time.Now()
	cfg := newConfig(kind, m.env)
	handle, err := e.factory(ctx, cfg)
	if err == nil {
		err = cfg.Err()
	}
	if err != nil {
		if handle != nil {
			closeHandle(handle)
		}
		m.logger.Warn("external resource unavailable", "kind", kind, "error", err)
		return nil, err
	}

	e.handle = handle
	e.ready = true
	m.mu.Lock()
	m.order = append(m.order, kind)
	m.mu.Unlock()
	m.logger.Info("external resource acquired", "kind", kind, "duration", time.Since(start))
	return handle, nil
}

// Get acquires the handle of kind and asserts its type.
func Get[T any](ctx context.Context, m *Manager, kind Kind) (T, error) {
	var zero T
	h, err := m.Acquire(ctx, kind)
	if err != nil {
		return zero, err
	}
	typed, ok := h.(T)
	if !ok {
		return zero, fmt.Errorf("resource kind %s holds %T, not %T", kind, h, zero)
	}
	return typed, nil
}

// Close releases cached handles in reverse acquisition order.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	order := append([]Kind(nil), m.order...)
	m.order = nil
	m.mu.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		kind := order[i]
		m.mu.Lock()
		e := m.entries[kind]
		m.mu.Unlock()

		e.mu.Lock()
		handle := e.handle
		e.handle, e.ready = nil, false
		e.mu.Unlock()

		if err := closeHandle(handle); err != nil {
			m.logger.Warn("close external resource", "kind", kind, "error", err)
			errs = append(errs, fmt.Errorf("close %s: %w", kind, err))
		}
	}
	return errors.Join(errs...)
}

func closeHandle(h any) error {
	switch c := h.(type) {
	case io.Closer:
		return c.Close()
	case interface{ Close() }:
		c.Close()
	}
	return nil
}
