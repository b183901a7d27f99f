// Package registry holds the tools and resources a host exposes. Both registries keep
// registration order and become read-only once the host starts serving.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/xscopehub/toolhost/internal/protocol"
	"github.com/xscopehub/toolhost/internal/schema"
)

var (
	// ErrDuplicateName is returned when a tool name or resource uri is registered twice.
	ErrDuplicateName = errors.New("duplicate name")
	// ErrNotFound is returned when resolving an unknown tool or resource.
	ErrNotFound = errors.New("not found")
	// ErrSealed is returned when registering after the host started serving.
	ErrSealed = errors.New("registry sealed")
)

// Handler implements one tool.
type Handler interface {
	Call(ctx context.Context, args protocol.Args) (protocol.ToolResult, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, args protocol.Args) (protocol.ToolResult, error)

func (f HandlerFunc) Call(ctx context.Context, args protocol.Args) (protocol.ToolResult, error) {
	return f(ctx, args)
}

// Tool describes a tool registration payload.
type Tool struct {
	Descriptor protocol.ToolDescriptor
	Handler    Handler
}

// Tools maintains the available tools.
type Tools struct {
	order  []string
	tools  map[string]Tool
	sealed bool
}

// NewTools creates an empty tool registry.
func NewTools() *Tools {
	return &Tools{tools: make(map[string]Tool)}
}

// Register adds a tool. The input schema defaults to an empty object and is compiled before the
// tool is accepted.
func (r *Tools) Register(desc protocol.ToolDescriptor, h Handler) error {
	if r.sealed {
		return fmt.Errorf("register tool %s: %w", desc.Name, ErrSealed)
	}
	if desc.Name == "" {
		return errors.New("tool name required")
	}
	if h == nil {
		return fmt.Errorf("tool %s: implementation missing", desc.Name)
	}
	if _, exists := r.tools[desc.Name]; exists {
		return fmt.Errorf("%w: tool %s", ErrDuplicateName, desc.Name)
	}
	if desc.InputSchema == nil {
		desc.InputSchema = schema.Object()
	}
	if desc.InputSchema.Type != schema.TypeObject {
		return fmt.Errorf("tool %s: input schema must be an object", desc.Name)
	}
	if err := desc.InputSchema.Check(desc.Name); err != nil {
		return fmt.Errorf("tool %s: %w", desc.Name, err)
	}
	r.order = append(r.order, desc.Name)
	r.tools[desc.Name] = Tool{Descriptor: desc, Handler: h}
	return nil
}

// RegisterFunc registers a function as a tool.
func (r *Tools) RegisterFunc(desc protocol.ToolDescriptor, fn HandlerFunc) error {
	return r.Register(desc, fn)
}

// List returns all tool descriptors in registration order.
func (r *Tools) List() []protocol.ToolDescriptor {
	descriptors := make([]protocol.ToolDescriptor, 0, len(r.order))
	for _, name := range r.order {
		descriptors = append(descriptors, r.tools[name].Descriptor)
	}
	return descriptors
}

// Names returns the registered tool names in order.
func (r *Tools) Names() []string {
	return append([]string(nil), r.order...)
}

// Resolve returns the tool registered under name.
func (r *Tools) Resolve(name string) (Tool, error) {
	tool, ok := r.tools[name]
	if !ok {
		return Tool{}, fmt.Errorf("%w: tool %s", ErrNotFound, name)
	}
	return tool, nil
}

func (r *Tools) Len() int { return len(r.order) }

// Seal rejects further registrations.
func (r *Tools) Seal() { r.sealed = true }
