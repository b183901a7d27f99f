// Package host assembles a tool host process: configuration, logging, telemetry, registries,
// the external-resource manager, the dispatcher and the selected transport.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/xscopehub/toolhost/internal/audit"
	"github.com/xscopehub/toolhost/internal/config"
	"github.com/xscopehub/toolhost/internal/dispatch"
	logpkg "github.com/xscopehub/toolhost/internal/log"
	"github.com/xscopehub/toolhost/internal/manifest"
	"github.com/xscopehub/toolhost/internal/metrics"
	"github.com/xscopehub/toolhost/internal/ops"
	"github.com/xscopehub/toolhost/internal/registry"
	"github.com/xscopehub/toolhost/internal/resources"
	"github.com/xscopehub/toolhost/internal/telemetry"
	"github.com/xscopehub/toolhost/internal/transport"
)

// Definition describes one host process.
type Definition struct {
	Name         string
	Version      string
	Description  string
	Instructions string
	// Install registers the host's resource kinds, tools and resources.
	Install func(r *Registrar) error
}

// Registrar is handed to Definition.Install during startup.
type Registrar struct {
	Tools     *registry.Tools
	Resources *registry.Resources
	Handles   *resources.Manager
	Logger    *slog.Logger
}

// Options overrides process-level wiring, mainly for tests.
type Options struct {
	Env    resources.Env
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Runtime is a fully assembled host.
type Runtime struct {
	def        Definition
	cfg        config.Config
	opts       Options
	logger     *slog.Logger
	tools      *registry.Tools
	resources  *registry.Resources
	handles    *resources.Manager
	metrics    *metrics.Collector
	audit      *audit.Logger
	dispatcher *dispatch.Dispatcher
	telemetry  *telemetry.Providers
}

// Build assembles a host. Any error is a startup fault.
func Build(ctx context.Context, def Definition, cfg config.Config, opts Options) (*Runtime, error) {
	if def.Name == "" || def.Install == nil {
		return nil, errors.New("host definition requires a name and an install function")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.Env == nil {
		opts.Env = resources.ProcessEnv
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	rt := &Runtime{def: def, cfg: cfg, opts: opts}
	rt.logger = logpkg.New(def.Name, opts.Stderr, logpkg.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		OTel:   cfg.Telemetry.Enabled,
	})

	if cfg.Telemetry.Enabled {
		providers, err := telemetry.Init(ctx, telemetry.Options{
			Service:  def.Name,
			Version:  def.Version,
			Endpoint: cfg.Telemetry.Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("init telemetry: %w", err)
		}
		rt.telemetry = providers
	}

	rt.metrics = metrics.New(def.Name)
	rt.tools = registry.NewTools()
	rt.resources = registry.NewResources()
	rt.handles = resources.NewManager(opts.Env, rt.logger)

	if err := def.Install(&Registrar{
		Tools:     rt.tools,
		Resources: rt.resources,
		Handles:   rt.handles,
		Logger:    rt.logger,
	}); err != nil {
		rt.closeTelemetry()
		return nil, fmt.Errorf("install %s: %w", def.Name, err)
	}
	rt.tools.Seal()
	rt.resources.Seal()

	mf := manifest.Manifest{
		Name:        def.Name,
		Version:     def.Version,
		Description: def.Description,
		EntryPoint:  def.Name,
		Tools:       rt.tools.Names(),
		Resources:   rt.resources.URIs(),
	}
	if cfg.Manifest != "" {
		loaded, err := manifest.Load(cfg.Manifest)
		if err != nil {
			rt.closeTelemetry()
			return nil, err
		}
		mf = loaded.Merge(mf)
	}

	sinks, err := auditSinks(cfg.Audit, def.Name)
	if err != nil {
		rt.closeTelemetry()
		return nil, err
	}
	rt.audit = audit.New(audit.Options{
		Enabled:   cfg.Audit.Enabled,
		Host:      def.Name,
		Out:       opts.Stderr,
		Sinks:     sinks,
		QueueSize: cfg.Audit.QueueSize,
		Logger:    rt.logger,
		OnDrop:    rt.metrics.AuditDropped,
	})

	dispatchOpts := []dispatch.Option{
		dispatch.WithLogger(rt.logger),
		dispatch.WithMetrics(rt.metrics),
		dispatch.WithAuditor(rt.audit),
		dispatch.WithInstructions(def.Instructions),
	}
	if rt.telemetry != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithTracer(rt.telemetry.Tracer()))
	}
	rt.dispatcher = dispatch.New(mf, rt.tools, rt.resources, dispatchOpts...)

	rt.logger.Info("host assembled",
		"version", def.Version,
		"tools", rt.tools.Len(),
		"resources", rt.resources.Len(),
		"kinds", rt.handles.Kinds(),
		"transport", cfg.Transport.Kind,
	)
	return rt, nil
}

func auditSinks(cfg config.AuditConfig, name string) ([]audit.Sink, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	var sinks []audit.Sink
	if cfg.NatsURL != "" {
		s, err := audit.NewNATSSink(cfg.NatsURL, cfg.NatsSubject, name)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if len(cfg.KafkaBrokers) > 0 {
		sinks = append(sinks, audit.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic))
	}
	return sinks, nil
}

// Dispatcher exposes the request router.
func (rt *Runtime) Dispatcher() *dispatch.Dispatcher { return rt.dispatcher }

// Logger returns the host logger.
func (rt *Runtime) Logger() *slog.Logger { return rt.logger }

// Run serves until the transport stops or ctx is cancelled, then releases external handles.
func (rt *Runtime) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	auditCtx, stopAudit := context.WithCancel(context.Background())
	wg.Add(1)
	go func() {
		defer wg.Done()
		rt.audit.Run(auditCtx)
	}()

	opsCtx, stopOps := context.WithCancel(ctx)
	if rt.cfg.Ops.Listen != "" {
		srv := ops.New(rt.cfg.Ops.Listen, rt.def.Name, rt.metrics, rt.status, rt.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(opsCtx); err != nil {
				rt.logger.Error("ops listener stopped", "error", err)
			}
		}()
	}

	err := rt.serve(ctx)

	stopOps()
	stopAudit()
	wg.Wait()
	if cerr := rt.Close(); cerr != nil {
		rt.logger.Warn("shutdown", "error", cerr)
	}
	if err != nil {
		rt.logger.Error("transport stopped", "error", err)
		return err
	}
	rt.logger.Info("host stopped")
	return nil
}

func (rt *Runtime) serve(ctx context.Context) error {
	switch rt.cfg.Transport.Kind {
	case config.TransportHTTP:
		return transport.NewHTTP(transport.HTTPOptions{
			Address:         rt.cfg.Transport.Listen,
			Path:            rt.cfg.Transport.Path,
			ReadTimeout:     rt.cfg.Transport.ReadTimeout,
			ShutdownTimeout: rt.cfg.Transport.ShutdownTimeout,
			Logger:          rt.logger,
		}).Serve(ctx, rt.dispatcher)
	default:
		framing, err := transport.ParseFraming(rt.cfg.Transport.Framing)
		if err != nil {
			return err
		}
		return transport.NewStdio(rt.opts.Stdin, rt.opts.Stdout,
			transport.WithFraming(framing),
			transport.WithLogger(rt.logger),
		).Serve(ctx, rt.dispatcher)
	}
}

func (rt *Runtime) status() map[string]any {
	acquired := make(map[string]bool)
	for _, kind := range rt.handles.Kinds() {
		acquired[string(kind)] = rt.handles.Acquired(kind)
	}
	return map[string]any{
		"version":   rt.def.Version,
		"tools":     rt.tools.Len(),
		"resources": rt.resources.Len(),
		"handles":   acquired,
	}
}

// Close releases external handles and flushes telemetry.
func (rt *Runtime) Close() error {
	err := rt.handles.Close()
	return errors.Join(err, rt.closeTelemetry())
}

func (rt *Runtime) closeTelemetry() error {
	if rt.telemetry == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultFlushTimeout)
	defer cancel()
	err := rt.telemetry.Shutdown(ctx)
	rt.telemetry = nil
	return err
}
