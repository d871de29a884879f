// Package mcp is a host-side client for the Model Context Protocol. It
// spawns and manages long-lived child MCP server processes, speaks
// line-delimited JSON-RPC 2.0 over their stdio, and presents a uniform
// asynchronous surface (list tools, execute tool, read resource, subscribe
// to notifications, aggregate health) to the rest of the application.
package mcp

import "encoding/json"

// protocolVersion is the MCP wire version this client advertises during the
// initialize handshake.
const protocolVersion = "2024-11-05"

const (
	clientName    = "mcp-host-client"
	clientVersion = "1.0.0"
)

// EnvelopeKind classifies a decoded Envelope as one of the three JSON-RPC 2.0
// shapes this package speaks (spec §4.1).
type EnvelopeKind int

const (
	KindRequest EnvelopeKind = iota
	KindResponse
	KindNotification
)

func (k EnvelopeKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// Envelope is a single JSON-RPC 2.0 message exchanged with a child MCP
// server. Exactly one of {Method, Result, Error} is meaningful depending on
// Kind; ID is valid for Request and Response.
type Envelope struct {
	Kind   EnvelopeKind
	ID     int64
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Error  *RPCError
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// wireEnvelope is the literal JSON shape used on the wire. ID is a pointer so
// "absent" (notification) and "present" (request/response) are distinguishable.
type wireEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func (e *Envelope) toWire() *wireEnvelope {
	w := &wireEnvelope{JSONRPC: "2.0", Method: e.Method, Params: e.Params}
	switch e.Kind {
	case KindRequest:
		id := e.ID
		w.ID = &id
	case KindResponse:
		id := e.ID
		w.ID = &id
		w.Result = e.Result
		w.Error = e.Error
	case KindNotification:
		// no id
	}
	return w
}

// ContentItem is a single block of content inside a tool result or resource
// read (spec §3).
type ContentItem struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     []byte `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// ToolDescriptor describes a single tool exposed by an MCP server.
type ToolDescriptor struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"inputSchema"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

// ToolResult is the outcome of a tools/call invocation. IsError signals a
// tool-level failure reported by the server; it is never a thrown Go error.
type ToolResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ResourceDescriptor describes a single resource exposed by an MCP server.
type ResourceDescriptor struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType"`
}

// ResourceContent is the body of a resources/read response.
type ResourceContent struct {
	URI      string          `json:"uri"`
	MimeType string          `json:"mimeType"`
	Text     string          `json:"text,omitempty"`
	Data     []byte          `json:"data,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// ServerInfo describes the connected MCP server, populated from the
// handshake's serverInfo block. Fields the server omits default to
// placeholders tagged with the server id (spec §3).
type ServerInfo struct {
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	Description  string          `json:"description,omitempty"`
	Vendor       string          `json:"vendor,omitempty"`
	Capabilities json.RawMessage `json:"capabilities,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	ToolCount    int             `json:"-"`
}

// ClientInfo identifies this client during the handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type rootsCapability struct {
	ListChanged bool `json:"listChanged"`
}

type capabilities struct {
	Roots    rootsCapability `json:"roots"`
	Sampling struct{}        `json:"sampling"`
}

type initializeParams struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    capabilities `json:"capabilities"`
	ClientInfo      ClientInfo   `json:"clientInfo"`
}

// rawServerInfo is the literal shape of initialize's serverInfo block, whose
// fields the server may omit.
type rawServerInfo struct {
	Name        string          `json:"name"`
	Version     string          `json:"version"`
	Description string          `json:"description,omitempty"`
	Vendor      string          `json:"vendor,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

type initializeResult struct {
	ServerInfo   rawServerInfo   `json:"serverInfo"`
	Capabilities json.RawMessage `json:"capabilities,omitempty"`
}

// fillServerInfoDefaults applies the server-id-tagged placeholders spec §3
// requires for fields the handshake response omitted.
func fillServerInfoDefaults(serverID string, raw rawServerInfo) ServerInfo {
	info := ServerInfo{
		Name:        raw.Name,
		Version:     raw.Version,
		Description: raw.Description,
		Vendor:      raw.Vendor,
		Metadata:    raw.Metadata,
	}
	if info.Name == "" {
		info.Name = "unknown-server-" + serverID
	}
	if info.Version == "" {
		info.Version = "0.0.0-" + serverID
	}
	if info.Description == "" {
		info.Description = "no description provided by " + serverID
	}
	if info.Vendor == "" {
		info.Vendor = "unknown-vendor-" + serverID
	}
	return info
}

type toolsListResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

type toolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type resourcesListResult struct {
	Resources []ResourceDescriptor `json:"resources"`
}

type resourcesReadParams struct {
	URI string `json:"uri"`
}

// decodeResult unmarshals a response's raw result payload into v, used
// wherever a method's result shape is known in advance.
func decodeResult(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return json.RawMessage("{}"), nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		if len(raw) == 0 {
			return json.RawMessage("{}"), nil
		}
		return raw, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return data, nil
}
