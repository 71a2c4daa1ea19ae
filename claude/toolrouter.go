package claude

import (
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	json "github.com/segmentio/encoding/json"
)

// mcpProtocolVersion is the MCP protocol version this SDK speaks over the
// tunneled mcp_message transport. Pinned rather than negotiated: the SDK
// and the CLI it talks to ship together.
const mcpProtocolVersion = "2025-06-18"

// ToolHandler implements one in-process (SDK MCP) tool. input is the raw
// arguments object from a tools/call request, already validated against
// ToolDefinition.InputSchema's required-present and coarse-type rules.
type ToolHandler func(input json.RawMessage) (*ToolResult, error)

// ToolResult is the tools/call response payload: either textual content or
// an error surfaced to the model as a failed tool call (IsError true), not
// as a JSON-RPC protocol error.
type ToolResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ToolContent is one block of a ToolResult. Type is always "text" for tools
// defined through this SDK; richer content types are a CLI-side concern.
type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TextResult builds a successful single-block text ToolResult.
func TextResult(text string) *ToolResult {
	return &ToolResult{Content: []ToolContent{{Type: "text", Text: text}}}
}

// ErrorResult builds a failed ToolResult carrying a message for the model.
func ErrorResult(message string) *ToolResult {
	return &ToolResult{Content: []ToolContent{{Type: "text", Text: message}}, IsError: true}
}

// ToolDefinition describes one SDK-defined tool: its name, description, the
// JSON Schema its arguments must satisfy, and the handler that runs it.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
	Handler     ToolHandler
}

// ToolServer is a named collection of ToolDefinitions exposed to the CLI as
// one in-process MCP server. The name given here is the key under which it
// must also appear in Options.McpServers (as an
// McpSdkServerConfig-style entry) so the CLI knows to tunnel mcp_message
// control requests for it back to this process.
type ToolServer struct {
	Name  string
	tools map[string]ToolDefinition
}

// NewToolServer creates an empty server; add tools with AddTool.
func NewToolServer(name string) *ToolServer {
	return &ToolServer{Name: name, tools: make(map[string]ToolDefinition)}
}

// AddTool registers def under the server. Calling AddTool twice for the
// same tool name overwrites the earlier definition.
func (s *ToolServer) AddTool(def ToolDefinition) {
	s.tools[def.Name] = def
}

// ToolRouter dispatches mcp_message control requests to the registered
// ToolServer by name, running the tunneled JSON-RPC 2.0 protocol
// (initialize, tools/list, tools/call) locally rather than over a socket.
type ToolRouter struct {
	mu      sync.RWMutex
	servers map[string]*ToolServer
}

// NewToolRouter creates an empty router.
func NewToolRouter() *ToolRouter {
	return &ToolRouter{servers: make(map[string]*ToolServer)}
}

// RegisterServer adds server to the router. It is an error to register two
// servers under the same name.
func (r *ToolRouter) RegisterServer(server *ToolServer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.servers[server.Name]; exists {
		return &DuplicateServerError{Server: server.Name}
	}
	r.servers[server.Name] = server
	return nil
}

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	jsonrpcParseError     = -32700
	jsonrpcMethodNotFound = -32601
	jsonrpcInvalidParams  = -32602
	jsonrpcInternalError  = -32603
)

// HandleMessage runs one JSON-RPC request from the CLI against the named
// server and returns the JSON-RPC response to embed in the mcp_message
// control_response.
func (r *ToolRouter) HandleMessage(serverName string, raw json.RawMessage) (*jsonrpcResponse, error) {
	r.mu.RLock()
	server, ok := r.servers[serverName]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownServerError{Server: serverName}
	}

	var req jsonrpcRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return &jsonrpcResponse{JSONRPC: "2.0", Error: &jsonrpcError{Code: jsonrpcParseError, Message: err.Error()}}, nil
	}

	switch req.Method {
	case "initialize":
		return &jsonrpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{
			"protocolVersion": mcpProtocolVersion,
			"serverInfo":      map[string]any{"name": server.Name, "version": SDKVersion},
			"capabilities":    map[string]any{"tools": map[string]any{}},
		}}, nil

	case "tools/list":
		return &jsonrpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{
			"tools": server.listTools(),
		}}, nil

	case "tools/call":
		return r.handleToolsCall(server, req)

	default:
		return &jsonrpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &jsonrpcError{
			Code: jsonrpcMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method),
		}}, nil
	}
}

func (s *ToolServer) listTools() []map[string]any {
	out := make([]map[string]any, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"inputSchema": t.InputSchema,
		})
	}
	return out
}

func (r *ToolRouter) handleToolsCall(server *ToolServer, req jsonrpcRequest) (*jsonrpcResponse, error) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return &jsonrpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &jsonrpcError{
			Code: jsonrpcInvalidParams, Message: err.Error(),
		}}, nil
	}

	def, ok := server.tools[params.Name]
	if !ok {
		return &jsonrpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &jsonrpcError{
			Code: jsonrpcInvalidParams, Message: (&UnknownToolError{Server: server.Name, Tool: params.Name}).Error(),
		}}, nil
	}

	if err := validateArguments(def.InputSchema, params.Arguments); err != nil {
		return &jsonrpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &jsonrpcError{
			Code: jsonrpcInvalidParams, Message: err.Error(),
		}}, nil
	}

	result := runToolHandler(def)
	return &jsonrpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result(params.Arguments)}, nil
}

// runToolHandler wraps def.Handler so that a returned error or a panic both
// become an isError:true ToolResult rather than a JSON-RPC protocol error:
// per spec, a failing tool call is reported to the model, not to the
// transport.
func runToolHandler(def ToolDefinition) func(json.RawMessage) *ToolResult {
	return func(input json.RawMessage) (result *ToolResult) {
		defer func() {
			if r := recover(); r != nil {
				result = ErrorResult(fmt.Sprintf("%v", r))
			}
		}()

		r, err := def.Handler(input)
		if err != nil {
			return ErrorResult(err.Error())
		}
		if r == nil {
			return TextResult("")
		}
		return r
	}
}

// validateArguments performs a fixed minimal schema check: every name in
// schema.Required must be present, and each present property's JSON value
// must match its declared coarse type
// (string/number/integer/boolean/array/object). It intentionally does not
// implement the full JSON Schema vocabulary (patterns, formats, nested
// validation) — tools needing that validate their own arguments inside
// their Handler.
func validateArguments(schema *jsonschema.Schema, raw json.RawMessage) error {
	if schema == nil {
		return nil
	}

	var args map[string]json.RawMessage
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return &InvalidArgumentsError{Detail: "arguments must be a JSON object: " + err.Error()}
		}
	}

	for _, name := range schema.Required {
		if _, ok := args[name]; !ok {
			return &InvalidArgumentsError{Detail: fmt.Sprintf("missing required argument %q", name)}
		}
	}

	for name, propSchema := range schema.Properties {
		value, present := args[name]
		if !present || propSchema == nil || propSchema.Type == "" {
			continue
		}
		if err := checkCoarseType(name, propSchema.Type, value); err != nil {
			return err
		}
	}

	return nil
}

func checkCoarseType(name, kind string, value json.RawMessage) error {
	var v any
	if err := json.Unmarshal(value, &v); err != nil {
		return &InvalidArgumentsError{Detail: fmt.Sprintf("argument %q is not valid JSON: %v", name, err)}
	}

	ok := true
	switch kind {
	case "string":
		_, ok = v.(string)
	case "boolean":
		_, ok = v.(bool)
	case "number":
		_, ok = v.(float64)
	case "integer":
		f, isNum := v.(float64)
		ok = isNum && f == float64(int64(f))
	case "array":
		_, ok = v.([]any)
	case "object":
		_, ok = v.(map[string]any)
	default:
		return nil // unrecognized kind: not one of the fixed rules, skip.
	}

	if !ok {
		return &InvalidArgumentsError{Detail: fmt.Sprintf("argument %q must be of type %q", name, kind)}
	}
	return nil
}
