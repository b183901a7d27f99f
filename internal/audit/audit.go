// Package audit records one entry per tool call. Entries are written synchronously to a local
// writer and queued for asynchronous delivery to message-bus sinks.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome classifies a tool call.
type Outcome string

const (
	OutcomeOK    Outcome = "ok"
	OutcomeError Outcome = "error"
	OutcomePanic Outcome = "panic"
)

// Entry describes a single audit log record.
type Entry struct {
	ID       string        `json:"id"`
	Host     string        `json:"host"`
	Tool     string        `json:"tool"`
	Outcome  Outcome       `json:"outcome"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	Time     time.Time     `json:"time"`
}

// Sink delivers encoded entries to an external system.
type Sink interface {
	Publish(ctx context.Context, entry Entry, payload []byte) error
	Close() error
}

const defaultQueueSize = 1024

// Options configures a Logger.
type Options struct {
	Enabled   bool
	Host      string
	Out       io.Writer
	Sinks     []Sink
	QueueSize int
	Logger    *slog.Logger
	// OnDrop is called when the sink queue is full and an entry is discarded.
	OnDrop func()
}

// Logger emits audit entries in JSON format.
type Logger struct {
	enabled bool
	host    string
	mu      sync.Mutex
	out     io.Writer
	sinks   []Sink
	queue   chan queued
	logger  *slog.Logger
	onDrop  func()
}

type queued struct {
	entry   Entry
	payload []byte
}

// New creates an audit logger.
func New(opts Options) *Logger {
	l := &Logger{
		enabled: opts.Enabled,
		host:    opts.Host,
		out:     opts.Out,
		sinks:   opts.Sinks,
		logger:  opts.Logger,
		onDrop:  opts.OnDrop,
	}
	if l.logger == nil {
		l.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if len(l.sinks) > 0 {
		size := opts.QueueSize
		if size <= 0 {
			size = defaultQueueSize
		}
		l.queue = make(chan queued, size)
	}
	return l
}

// Record stamps and emits entry. It never blocks on sinks.
func (l *Logger) Record(entry Entry) {
	if l == nil || !l.enabled {
		return
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Host == "" {
		entry.Host = l.host
	}
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}
	entry.Time = entry.Time.UTC()
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if l.out != nil {
		l.mu.Lock()
		_, _ = l.out.Write(append(data, '\n'))
		l.mu.Unlock()
	}
	if l.queue == nil {
		return
	}
	select {
	case l.queue <- queued{entry: entry, payload: data}:
	default:
		if l.onDrop != nil {
			l.onDrop()
		}
		l.logger.Warn("audit queue full, entry dropped", "tool", entry.Tool, "id", entry.ID)
	}
}

// Run delivers queued entries to the sinks until ctx is cancelled, then drains what is left and
// closes the sinks.
func (l *Logger) Run(ctx context.Context) {
	if l.queue == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			l.drain()
			return
		case q := <-l.queue:
			l.publish(ctx, q)
		}
	}
}

func (l *Logger) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case q := <-l.queue:
			l.publish(ctx, q)
		default:
			var errs []error
			for _, s := range l.sinks {
				errs = append(errs, s.Close())
			}
			if err := errors.Join(errs...); err != nil {
				l.logger.Warn("close audit sinks", "error", err)
			}
			return
		}
	}
}

func (l *Logger) publish(ctx context.Context, q queued) {
	for _, s := range l.sinks {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := s.Publish(pctx, q.entry, q.payload); err != nil {
			l.logger.Warn("publish audit entry", "id", q.entry.ID, "error", err)
		}
		cancel()
	}
}
