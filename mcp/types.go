// Package mcp implements a dual-role Model Context Protocol engine over
// newline-delimited JSON-RPC 2.0 on stdio pipes: a Server exposing
// registered tools to a host, and a Client driving a spawned subprocess
// that speaks the same protocol.
package mcp

import "encoding/json"

// ProtocolVersion is the supported MCP protocol version.
const ProtocolVersion = "2024-11-05"

// JSON-RPC method names used by the engine.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodPing        = "ping"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Message is a JSON-RPC 2.0 envelope: a request (ID and Method), a response
// (ID plus exactly one of Result/Error), or a notification (Method, no ID).
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsRequest reports whether the message is a request expecting a response.
func (m *Message) IsRequest() bool {
	return m.ID != nil && m.Method != ""
}

// IsNotification reports whether the message is a notification.
func (m *Message) IsNotification() bool {
	return m.ID == nil && m.Method != ""
}

// IsResponse reports whether the message answers an earlier request.
func (m *Message) IsResponse() bool {
	return m.ID != nil && m.Method == ""
}

// RPCError is the error member of a response envelope.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// ServerInfo identifies an MCP server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientInfo identifies an MCP client.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities declares what the client supports.
type ClientCapabilities struct {
	Tools *struct{} `json:"tools,omitempty"`
}

// ServerCapabilities declares what the server supports.
type ServerCapabilities struct {
	Tools *struct{} `json:"tools,omitempty"`
}

// InitializeParams is sent by the client to open the handshake.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      ClientInfo         `json:"clientInfo"`
}

// InitializeResult is the server's half of the handshake.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ServerInfo         `json:"serverInfo"`
}

// Tool describes a named, schema-described callable capability.
// Name is the identity key: registering a second tool under the same name
// replaces the first.
type Tool struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	InputSchema JSONSchema `json:"inputSchema"`
}

// JSONSchema is a simplified JSON Schema representation for tool inputs.
type JSONSchema struct {
	Type        string                 `json:"type"`
	Properties  map[string]*JSONSchema `json:"properties,omitempty"`
	Required    []string               `json:"required,omitempty"`
	Description string                 `json:"description,omitempty"`
	Enum        []string               `json:"enum,omitempty"`
	Items       *JSONSchema            `json:"items,omitempty"`
}

// ListToolsResult is the response to tools/list.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// CallToolParams is sent to invoke a tool.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// CallToolResult is returned after tool execution. IsError marks a failure
// of the tool's own logic; it is a normal outcome for the caller, not a
// transport fault.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Text concatenates all text content items.
func (r *CallToolResult) Text() string {
	var out string
	for _, c := range r.Content {
		out += c.Text
	}
	return out
}

// Content is one piece of tool output.
type Content struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// TextContent builds a single text content item.
func TextContent(text string) []Content {
	return []Content{{Type: "text", Text: text}}
}

// ServerConfig describes how to spawn and supervise one MCP subprocess.
// It is immutable once a process has been spawned from it; Name is the
// identity key in the supervisor's table.
type ServerConfig struct {
	// Name identifies the server.
	Name string `json:"name" yaml:"name"`

	// Command is the executable to spawn.
	Command string `json:"command" yaml:"command"`

	// Args are the command arguments.
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`

	// Env overlays the inherited environment; it never replaces it.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// WorkingDir is the subprocess working directory. Empty means inherit.
	WorkingDir string `json:"working_dir,omitempty" yaml:"working_dir,omitempty"`

	// AutoRestart makes HealthCheck restart the server when it is down.
	AutoRestart bool `json:"auto_restart,omitempty" yaml:"auto_restart,omitempty"`

	// MaxRestartAttempts bounds lifetime restarts for this server.
	MaxRestartAttempts int `json:"max_restart_attempts,omitempty" yaml:"max_restart_attempts,omitempty"`

	// RestartDelayMs is the pause between disconnect and reconnect.
	RestartDelayMs int64 `json:"restart_delay_ms,omitempty" yaml:"restart_delay_ms,omitempty"`
}
