// Package hosttest drives a host's installed tools and resources through the dispatcher
// without a transport.
package hosttest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xscopehub/toolhost/internal/dispatch"
	"github.com/xscopehub/toolhost/internal/host"
	logpkg "github.com/xscopehub/toolhost/internal/log"
	"github.com/xscopehub/toolhost/internal/manifest"
	"github.com/xscopehub/toolhost/internal/protocol"
	"github.com/xscopehub/toolhost/internal/registry"
	"github.com/xscopehub/toolhost/internal/resources"
)

// Harness is an installed host wired to a dispatcher.
type Harness struct {
	t          *testing.T
	Tools      *registry.Tools
	Resources  *registry.Resources
	Handles    *resources.Manager
	Dispatcher *dispatch.Dispatcher
	seq        int
}

// New installs a host against a fixed environment. Handles are closed on test cleanup.
func New(t *testing.T, install func(*host.Registrar) error, env map[string]string) *Harness {
	t.Helper()
	logger := logpkg.Discard()
	h := &Harness{
		t:         t,
		Tools:     registry.NewTools(),
		Resources: registry.NewResources(),
		Handles:   resources.NewManager(resources.MapEnv(env), logger),
	}
	t.Cleanup(func() { _ = h.Handles.Close() })

	require.NoError(t, install(&host.Registrar{
		Tools:     h.Tools,
		Resources: h.Resources,
		Handles:   h.Handles,
		Logger:    logger,
	}))
	h.Tools.Seal()
	h.Resources.Seal()
	h.Dispatcher = dispatch.New(manifest.Manifest{Name: "test", Version: "0.0.0"}, h.Tools, h.Resources,
		dispatch.WithLogger(logger))
	return h
}

func (h *Harness) do(method string, params any) *protocol.Response {
	h.t.Helper()
	h.seq++
	data, err := json.Marshal(params)
	require.NoError(h.t, err)
	resp := h.Dispatcher.Dispatch(context.Background(), &protocol.Request{
		JSONRPC: protocol.Version,
		ID:      json.RawMessage(fmt.Sprint(h.seq)),
		Method:  method,
		Params:  data,
	})
	require.NotNil(h.t, resp)
	return resp
}

// Call invokes a tool and requires a result rather than a protocol fault.
func (h *Harness) Call(name string, args map[string]any) protocol.ToolResult {
	h.t.Helper()
	resp := h.do(protocol.MethodToolsCall, protocol.CallToolParams{Name: name, Arguments: args})
	require.Nil(h.t, resp.Error, "unexpected fault %+v", resp.Error)
	res, ok := resp.Result.(protocol.ToolResult)
	require.True(h.t, ok, "result is %T", resp.Result)
	return res
}

// Fault invokes a tool and requires a protocol fault.
func (h *Harness) Fault(name string, args map[string]any) *protocol.Fault {
	h.t.Helper()
	resp := h.do(protocol.MethodToolsCall, protocol.CallToolParams{Name: name, Arguments: args})
	require.NotNil(h.t, resp.Error, "expected a fault, got %+v", resp.Result)
	return resp.Error
}

// Read reads a resource and returns its single content entry.
func (h *Harness) Read(uri string) protocol.ResourceContents {
	h.t.Helper()
	resp := h.do(protocol.MethodResourcesRead, protocol.ReadResourceParams{URI: uri})
	require.Nil(h.t, resp.Error, "unexpected fault %+v", resp.Error)
	res, ok := resp.Result.(protocol.ReadResourceResult)
	require.True(h.t, ok, "result is %T", resp.Result)
	require.Len(h.t, res.Contents, 1)
	return res.Contents[0]
}
