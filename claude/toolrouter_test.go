package claude

import (
	"errors"
	"strconv"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	json "github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/require"
)

func addSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:     "object",
		Required: []string{"a", "b"},
		Properties: map[string]*jsonschema.Schema{
			"a": {Type: "number"},
			"b": {Type: "number"},
		},
	}
}

func calcServer() *ToolServer {
	s := NewToolServer("calc")
	s.AddTool(ToolDefinition{
		Name:        "add",
		Description: "adds two numbers",
		InputSchema: addSchema(),
		Handler: func(input json.RawMessage) (*ToolResult, error) {
			var args struct {
				A float64 `json:"a"`
				B float64 `json:"b"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return nil, err
			}
			return TextResult(strconv.FormatInt(int64(args.A+args.B), 10)), nil
		},
	})
	return s
}

func TestToolRouter_RegisterDuplicateRejected(t *testing.T) {
	r := NewToolRouter()
	require.NoError(t, r.RegisterServer(calcServer()))

	err := r.RegisterServer(calcServer())
	require.Error(t, err)
	var dup *DuplicateServerError
	require.ErrorAs(t, err, &dup)
}

func TestToolRouter_UnknownServer(t *testing.T) {
	r := NewToolRouter()
	_, err := r.HandleMessage("missing", json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	require.Error(t, err)
	var unknown *UnknownServerError
	require.ErrorAs(t, err, &unknown)
}

func TestToolRouter_Initialize(t *testing.T) {
	r := NewToolRouter()
	require.NoError(t, r.RegisterServer(calcServer()))

	resp, err := r.HandleMessage("calc", json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	require.Equal(t, mcpProtocolVersion, result["protocolVersion"])
}

func TestToolRouter_ToolsList(t *testing.T) {
	r := NewToolRouter()
	require.NoError(t, r.RegisterServer(calcServer()))

	resp, err := r.HandleMessage("calc", json.RawMessage(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	result := resp.Result.(map[string]any)
	tools := result["tools"].([]map[string]any)
	require.Len(t, tools, 1)
	require.Equal(t, "add", tools[0]["name"])
}

func TestToolRouter_ToolsCallSuccess(t *testing.T) {
	r := NewToolRouter()
	require.NoError(t, r.RegisterServer(calcServer()))

	req := json.RawMessage(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"add","arguments":{"a":1,"b":2}}}`)
	resp, err := r.HandleMessage("calc", req)
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	result, ok := resp.Result.(*ToolResult)
	require.True(t, ok)
	require.False(t, result.IsError)
	require.Equal(t, "3", result.Content[0].Text)
}

func TestToolRouter_ToolsCallUnknownTool(t *testing.T) {
	r := NewToolRouter()
	require.NoError(t, r.RegisterServer(calcServer()))

	req := json.RawMessage(`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"sub","arguments":{}}}`)
	resp, err := r.HandleMessage("calc", req)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	require.Equal(t, jsonrpcInvalidParams, resp.Error.Code)
}

func TestToolRouter_ToolsCallMissingRequiredArgument(t *testing.T) {
	r := NewToolRouter()
	require.NoError(t, r.RegisterServer(calcServer()))

	req := json.RawMessage(`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"add","arguments":{"a":1}}}`)
	resp, err := r.HandleMessage("calc", req)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	require.Contains(t, resp.Error.Message, "b")
}

func TestToolRouter_ToolsCallWrongType(t *testing.T) {
	r := NewToolRouter()
	require.NoError(t, r.RegisterServer(calcServer()))

	req := json.RawMessage(`{"jsonrpc":"2.0","id":6,"method":"tools/call","params":{"name":"add","arguments":{"a":"one","b":2}}}`)
	resp, err := r.HandleMessage("calc", req)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
}

func TestToolRouter_ToolsCallHandlerErrorBecomesIsErrorResult(t *testing.T) {
	// Per spec, a handler error is reported to the model as a failed tool
	// call, not as a JSON-RPC protocol-level error.
	r := NewToolRouter()
	s := NewToolServer("boom")
	s.AddTool(ToolDefinition{
		Name:        "explode",
		InputSchema: &jsonschema.Schema{Type: "object"},
		Handler: func(json.RawMessage) (*ToolResult, error) {
			return nil, errors.New("kaboom")
		},
	})
	require.NoError(t, r.RegisterServer(s))

	req := json.RawMessage(`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"explode","arguments":{}}}`)
	resp, err := r.HandleMessage("boom", req)
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	result, ok := resp.Result.(*ToolResult)
	require.True(t, ok)
	require.True(t, result.IsError)
	require.Contains(t, result.Content[0].Text, "kaboom")
}

func TestToolRouter_ToolsCallHandlerPanicBecomesIsErrorResult(t *testing.T) {
	r := NewToolRouter()
	s := NewToolServer("boom")
	s.AddTool(ToolDefinition{
		Name:        "explode",
		InputSchema: &jsonschema.Schema{Type: "object"},
		Handler: func(json.RawMessage) (*ToolResult, error) {
			panic("handler panicked")
		},
	})
	require.NoError(t, r.RegisterServer(s))

	req := json.RawMessage(`{"jsonrpc":"2.0","id":9,"method":"tools/call","params":{"name":"explode","arguments":{}}}`)
	resp, err := r.HandleMessage("boom", req)
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	result, ok := resp.Result.(*ToolResult)
	require.True(t, ok)
	require.True(t, result.IsError)
	require.Contains(t, result.Content[0].Text, "handler panicked")
}

func TestToolRouter_UnknownMethod(t *testing.T) {
	r := NewToolRouter()
	require.NoError(t, r.RegisterServer(calcServer()))

	resp, err := r.HandleMessage("calc", json.RawMessage(`{"jsonrpc":"2.0","id":8,"method":"notamethod"}`))
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	require.Equal(t, jsonrpcMethodNotFound, resp.Error.Code)
}
