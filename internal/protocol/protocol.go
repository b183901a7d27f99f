// Package protocol defines the JSON-RPC 2.0 messages exchanged between a tool host and its client,
// the typed protocol faults, and the result envelope returned by tool calls.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xscopehub/toolhost/internal/schema"
)

// Version is the JSON-RPC version carried by every message.
const Version = "2.0"

// ProtocolVersion is the revision of the tool protocol announced during initialize.
const ProtocolVersion = "2024-11-05"

// Method names understood by the dispatcher.
const (
	MethodInitialize    = "initialize"
	MethodPing          = "ping"
	MethodToolsList     = "tools/list"
	MethodToolsCall     = "tools/call"
	MethodResourcesList = "resources/list"
	MethodResourcesRead = "resources/read"
	MethodManifestGet   = "manifest/get"

	NotificationInitialized = "notifications/initialized"
	NotificationCancelled   = "notifications/cancelled"
)

// Fault codes.
const (
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeInternal         = -32603
	CodeToolNotFound     = -32001
	CodeResourceNotFound = -32002
)

// Request is an inbound JSON-RPC message. A request without an id is a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the sender expects no response.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0
}

// Response is an outbound JSON-RPC message. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Fault          `json:"error,omitempty"`
}

// NewResponse wraps a successful result.
func NewResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

// NewErrorResponse wraps a protocol fault. A nil id is emitted as JSON null.
func NewErrorResponse(id json.RawMessage, fault *Fault) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: fault}
}

// Fault is a protocol-level failure. It travels in the JSON-RPC error member and is never
// confused with a tool result that reports isError.
type Fault struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// NewFault formats a fault message.
func NewFault(code int, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithData attaches structured detail to the fault.
func (f *Fault) WithData(data any) *Fault {
	f.Data = data
	return f
}

func (f *Fault) Error() string {
	return fmt.Sprintf("protocol fault %d: %s", f.Code, f.Message)
}

// AsFault extracts a *Fault from an error chain.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// Implementation identifies a host or a client.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams is sent by the client when a session starts.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ClientInfo      Implementation `json:"clientInfo"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
}

// Capabilities advertises the method families a host serves.
type Capabilities struct {
	Tools     *struct{} `json:"tools,omitempty"`
	Resources *struct{} `json:"resources,omitempty"`
}

// InitializeResult answers initialize.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    Capabilities   `json:"capabilities"`
	ServerInfo      Implementation `json:"serverInfo"`
	Instructions    string         `json:"instructions,omitempty"`
}

// ToolDescriptor is the static description of a tool.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema *schema.Schema `json:"inputSchema"`
}

// ResourceDescriptor is the static description of a readable resource.
type ResourceDescriptor struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

type ListToolsResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

type ListResourcesResult struct {
	Resources []ResourceDescriptor `json:"resources"`
}

type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type ReadResourceParams struct {
	URI string `json:"uri"`
}

// ResourceContents is one item of a resources/read result.
type ResourceContents struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType,omitempty"`
	Text     string `json:"text"`
}

type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// CancelledParams is carried by notifications/cancelled.
type CancelledParams struct {
	RequestID json.RawMessage `json:"requestId"`
	Reason    string          `json:"reason,omitempty"`
}
