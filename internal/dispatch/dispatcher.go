// Package dispatch routes decoded JSON-RPC requests to the tool and resource registries.
//
// It is the single boundary at which failures are classified: malformed calls become protocol
// faults, while anything a tool handler returns or panics with becomes a tool result marked
// isError. Resource reads report handler failures as ordinary content.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xscopehub/toolhost/internal/audit"
	"github.com/xscopehub/toolhost/internal/manifest"
	"github.com/xscopehub/toolhost/internal/metrics"
	"github.com/xscopehub/toolhost/internal/protocol"
	"github.com/xscopehub/toolhost/internal/registry"
	"github.com/xscopehub/toolhost/internal/schema"
)

// Auditor receives one entry per invoked tool.
type Auditor interface {
	Record(entry audit.Entry)
}

// Dispatcher answers protocol requests.
type Dispatcher struct {
	manifest     manifest.Manifest
	instructions string
	tools        *registry.Tools
	resources    *registry.Resources
	logger       *slog.Logger
	metrics      *metrics.Collector
	auditor      Auditor
	tracer       trace.Tracer
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

func WithMetrics(m *metrics.Collector) Option { return func(d *Dispatcher) { d.metrics = m } }

func WithAuditor(a Auditor) Option { return func(d *Dispatcher) { d.auditor = a } }

func WithTracer(t trace.Tracer) Option { return func(d *Dispatcher) { d.tracer = t } }

// WithInstructions sets the usage hint returned by initialize.
func WithInstructions(s string) Option { return func(d *Dispatcher) { d.instructions = s } }

// New creates a dispatcher over the given registries.
func New(mf manifest.Manifest, tools *registry.Tools, resources *registry.Resources, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		manifest:  mf,
		tools:     tools,
		resources: resources,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.tools == nil {
		d.tools = registry.NewTools()
	}
	if d.resources == nil {
		d.resources = registry.NewResources()
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer("github.com/xscopehub/toolhost/internal/dispatch")
	}
	return d
}

// Dispatch handles one request. It returns nil for notifications.
func (d *Dispatcher) Dispatch(ctx context.Context, req *protocol.Request) *protocol.Response {
	ctx, span := d.tracer.Start(ctx, req.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("toolhost.method", req.Method)),
	)
	defer span.End()

	if req.IsNotification() {
		d.handleNotification(req)
		return nil
	}

	result, err := d.route(ctx, req)
	if err != nil {
		fault, ok := protocol.AsFault(err)
		if !ok {
			fault = protocol.NewFault(protocol.CodeInternal, "internal error: %v", err)
		}
		span.SetStatus(codes.Error, fault.Message)
		d.metrics.ProtocolFault(fault.Code)
		d.logger.Warn("protocol fault", "method", req.Method, "code", fault.Code, "error", fault.Message)
		return protocol.NewErrorResponse(req.ID, fault)
	}
	return protocol.NewResponse(req.ID, result)
}

func (d *Dispatcher) route(ctx context.Context, req *protocol.Request) (any, error) {
	if req.JSONRPC != protocol.Version {
		return nil, protocol.NewFault(protocol.CodeInvalidRequest, "unsupported jsonrpc version %q", req.JSONRPC)
	}
	switch req.Method {
	case protocol.MethodInitialize:
		return d.handleInitialize(req)
	case protocol.MethodPing:
		return struct{}{}, nil
	case protocol.MethodToolsList:
		return protocol.ListToolsResult{Tools: d.tools.List()}, nil
	case protocol.MethodToolsCall:
		return d.handleToolsCall(ctx, req)
	case protocol.MethodResourcesList:
		return protocol.ListResourcesResult{Resources: d.resources.List()}, nil
	case protocol.MethodResourcesRead:
		return d.handleResourcesRead(ctx, req)
	case protocol.MethodManifestGet:
		return d.handleManifest(), nil
	case "":
		return nil, protocol.NewFault(protocol.CodeInvalidRequest, "method required")
	default:
		return nil, protocol.NewFault(protocol.CodeMethodNotFound, "method %s not found", req.Method)
	}
}

func (d *Dispatcher) handleNotification(req *protocol.Request) {
	switch req.Method {
	case protocol.NotificationInitialized:
		d.logger.Debug("client initialized")
	case protocol.NotificationCancelled:
		var params protocol.CancelledParams
		_ = json.Unmarshal(req.Params, &params)
		d.logger.Info("client cancelled request", "request_id", string(params.RequestID), "reason", params.Reason)
	default:
		d.logger.Debug("ignored notification", "method", req.Method)
	}
}

func (d *Dispatcher) handleInitialize(req *protocol.Request) (any, error) {
	var params protocol.InitializeParams
	if len(req.Params) > 0 {
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
	}
	d.logger.Info("client connected",
		"client", params.ClientInfo.Name,
		"client_version", params.ClientInfo.Version,
		"protocol_version", params.ProtocolVersion,
	)
	return protocol.InitializeResult{
		ProtocolVersion: protocol.ProtocolVersion,
		Capabilities: protocol.Capabilities{
			Tools:     &struct{}{},
			Resources: &struct{}{},
		},
		ServerInfo:   protocol.Implementation{Name: d.manifest.Name, Version: d.manifest.Version},
		Instructions: d.instructions,
	}, nil
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, req *protocol.Request) (any, error) {
	var params protocol.CallToolParams
	if err := decodeParams(req.Params, &params); err != nil {
		return nil, err
	}
	if params.Name == "" {
		return nil, protocol.NewFault(protocol.CodeInvalidParams, "tool name required")
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("toolhost.tool", params.Name))

	tool, err := d.tools.Resolve(params.Name)
	if err != nil {
		return nil, protocol.NewFault(protocol.CodeToolNotFound, "tool %s not found", params.Name).
			WithData(map[string]any{"tool": params.Name})
	}

	args, err := schema.ValidateArgs(tool.Descriptor.InputSchema, params.Arguments)
	if err != nil {
		var verr *schema.ValidationError
		if errors.As(err, &verr) {
			return nil, protocol.NewFault(protocol.CodeInvalidParams, "invalid arguments for %s: %s", params.Name, verr.Error()).
				WithData(map[string]any{"field": verr.Field, "rule": string(verr.Rule)})
		}
		return nil, protocol.NewFault(protocol.CodeInvalidParams, "invalid arguments for %s: %v", params.Name, err)
	}

	return d.invoke(ctx, tool, args), nil
}

// invoke runs the handler and converts every failure into an isError result.
func (d *Dispatcher) invoke(ctx context.Context, tool registry.Tool, args protocol.Args) (result protocol.ToolResult) {
	name := tool.Descriptor.Name
	start := time.Now()
	outcome := audit.OutcomeOK
	var failure string

	d.metrics.CallStarted()
	defer func() {
		if r := recover(); r != nil {
			outcome = audit.OutcomePanic
			failure = fmt.Sprintf("tool %s panicked: %v", name, r)
			d.logger.Error("tool handler panicked", "tool", name, "panic", r, "stack", string(debug.Stack()))
			result = protocol.ErrorResult(failure)
		}
		elapsed := time.Since(start)
		d.metrics.CallFinished(name, string(outcome), elapsed)
		if d.auditor != nil {
			d.auditor.Record(audit.Entry{
				Host:     d.manifest.Name,
				Tool:     name,
				Outcome:  outcome,
				Error:    failure,
				Duration: elapsed,
			})
		}
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(attribute.String("toolhost.outcome", string(outcome)))
		if outcome != audit.OutcomeOK {
			span.SetStatus(codes.Error, failure)
		}
		d.logger.Info("tool call", "tool", name, "outcome", outcome, "duration", elapsed)
	}()

	res, err := tool.Handler.Call(ctx, args)
	if err != nil {
		outcome = audit.OutcomeError
		failure = err.Error()
		return protocol.ErrorResult(failure)
	}
	if res.IsError {
		outcome = audit.OutcomeError
		failure = res.FirstText()
	}
	if len(res.Content) == 0 {
		res.Content = []protocol.ContentPart{protocol.Textf("%s completed", name)}
	}
	return res
}

func (d *Dispatcher) handleResourcesRead(ctx context.Context, req *protocol.Request) (any, error) {
	var params protocol.ReadResourceParams
	if err := decodeParams(req.Params, &params); err != nil {
		return nil, err
	}
	if params.URI == "" {
		return nil, protocol.NewFault(protocol.CodeInvalidParams, "resource uri required")
	}
	res, err := d.resources.Resolve(params.URI)
	if err != nil {
		return nil, protocol.NewFault(protocol.CodeResourceNotFound, "resource %s not found", params.URI).
			WithData(map[string]any{"uri": params.URI})
	}

	text, mimeType := d.read(ctx, res)
	return protocol.ReadResourceResult{
		Contents: []protocol.ResourceContents{{URI: params.URI, MIMEType: mimeType, Text: text}},
	}, nil
}

// read returns the resource text, or an explanation of why it could not be produced.
func (d *Dispatcher) read(ctx context.Context, res registry.Resource) (text, mimeType string) {
	uri := res.Descriptor.URI
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("resource handler panicked", "uri", uri, "panic", r, "stack", string(debug.Stack()))
			d.metrics.ResourceRead("error")
			text, mimeType = fmt.Sprintf("failed to read %s: %v", uri, r), "text/plain"
		}
	}()

	out, err := res.Handler.Read(ctx)
	if err != nil {
		d.logger.Warn("resource read failed", "uri", uri, "error", err)
		d.metrics.ResourceRead("error")
		return fmt.Sprintf("failed to read %s: %v", uri, err), "text/plain"
	}
	d.metrics.ResourceRead("ok")
	return out, res.Descriptor.MIMEType
}

type manifestResult struct {
	Manifest  manifest.Manifest             `json:"manifest"`
	Resources []protocol.ResourceDescriptor `json:"resources"`
	Tools     []protocol.ToolDescriptor     `json:"tools"`
}

func (d *Dispatcher) handleManifest() manifestResult {
	return manifestResult{
		Manifest:  d.manifest,
		Resources: d.resources.List(),
		Tools:     d.tools.List(),
	}
}

func decodeParams(raw json.RawMessage, v any) *protocol.Fault {
	if len(raw) == 0 || string(raw) == "null" {
		return protocol.NewFault(protocol.CodeInvalidParams, "missing params")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return protocol.NewFault(protocol.CodeInvalidParams, "invalid params: %v", err)
	}
	return nil
}
