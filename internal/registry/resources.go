package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/xscopehub/toolhost/internal/protocol"
)

// ReadHandler produces the current text of a resource.
type ReadHandler interface {
	Read(ctx context.Context) (string, error)
}

// ReadFunc adapts a function to ReadHandler.
type ReadFunc func(ctx context.Context) (string, error)

func (f ReadFunc) Read(ctx context.Context) (string, error) { return f(ctx) }

// Resource pairs a descriptor with its reader.
type Resource struct {
	Descriptor protocol.ResourceDescriptor
	Handler    ReadHandler
}

// Resources maintains the readable resources keyed by uri.
type Resources struct {
	order     []string
	resources map[string]Resource
	sealed    bool
}

func NewResources() *Resources {
	return &Resources{resources: make(map[string]Resource)}
}

// Register adds a resource. MIME type defaults to text/plain.
func (r *Resources) Register(desc protocol.ResourceDescriptor, h ReadHandler) error {
	if r.sealed {
		return fmt.Errorf("register resource %s: %w", desc.URI, ErrSealed)
	}
	if desc.URI == "" {
		return errors.New("resource uri required")
	}
	if h == nil {
		return fmt.Errorf("resource %s: implementation missing", desc.URI)
	}
	if _, exists := r.resources[desc.URI]; exists {
		return fmt.Errorf("%w: resource %s", ErrDuplicateName, desc.URI)
	}
	if desc.Name == "" {
		desc.Name = desc.URI
	}
	if desc.MIMEType == "" {
		desc.MIMEType = "text/plain"
	}
	r.order = append(r.order, desc.URI)
	r.resources[desc.URI] = Resource{Descriptor: desc, Handler: h}
	return nil
}

func (r *Resources) RegisterFunc(desc protocol.ResourceDescriptor, fn ReadFunc) error {
	return r.Register(desc, fn)
}

// List returns all resource descriptors in registration order.
func (r *Resources) List() []protocol.ResourceDescriptor {
	descriptors := make([]protocol.ResourceDescriptor, 0, len(r.order))
	for _, uri := range r.order {
		descriptors = append(descriptors, r.resources[uri].Descriptor)
	}
	return descriptors
}

func (r *Resources) URIs() []string {
	return append([]string(nil), r.order...)
}

// Resolve returns the resource registered under uri.
func (r *Resources) Resolve(uri string) (Resource, error) {
	res, ok := r.resources[uri]
	if !ok {
		return Resource{}, fmt.Errorf("%w: resource %s", ErrNotFound, uri)
	}
	return res, nil
}

func (r *Resources) Len() int { return len(r.order) }

func (r *Resources) Seal() { r.sealed = true }
