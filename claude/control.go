package claude

import (
	"context"
	encjson "encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	json "github.com/segmentio/encoding/json"
)

// defaultRequestTimeout bounds how long SendRequest waits for a
// control_response before returning a *TimeoutError.
const defaultRequestTimeout = 60 * time.Second

// controlResult is the resolved outcome of one outbound control_request.
type controlResult struct {
	response                  json.RawMessage
	isError                   bool
	errMessage                string
	pendingPermissionRequests any
	cancelled                 bool
}

// ControlHandler owns both directions of the control protocol: it sends our
// own control_requests (initialize, set_model, rewind_files, mcp_* ...) and
// correlates their control_responses, and it dispatches the CLI's own
// inbound control_requests (can_use_tool, hook_callback, mcp_message) to the
// hook registry / tool router / permission handler.
//
// The single rule that matters most here: SendRequest registers its waiter
// in outPending BEFORE writing to the transport. The source this SDK is
// grounded on spawns the write in a goroutine after storing the waiter,
// which lets a fast response race the registration and get silently
// dropped. Doing the write synchronously, after registration, closes that
// window entirely.
type ControlHandler struct {
	transport         *Transport
	logger            *slog.Logger
	hooks             *HookRegistry
	tools             *ToolRouter
	permissionHandler PermissionHandler

	counter    atomic.Uint64
	mu         sync.Mutex
	outPending map[string]chan controlResult
	inCancel   map[string]func()
}

// NewControlHandler wires a ControlHandler to its collaborators. tools may
// be nil when the session registers no in-process MCP servers.
func NewControlHandler(t *Transport, hooks *HookRegistry, tools *ToolRouter, permHandler PermissionHandler, logger *slog.Logger) *ControlHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ControlHandler{
		transport:         t,
		logger:            logger,
		hooks:             hooks,
		tools:             tools,
		permissionHandler: permHandler,
		outPending:        make(map[string]chan controlResult),
		inCancel:          make(map[string]func()),
	}
}

// SendRequest writes a control_request of the given subtype, merges fields
// into its request body, and blocks until the matching control_response
// arrives, ctx is cancelled, or defaultRequestTimeout elapses.
func (c *ControlHandler) SendRequest(ctx context.Context, subtype string, fields map[string]any) (json.RawMessage, error) {
	return c.sendRequest(ctx, subtype, fields, defaultRequestTimeout)
}

// sendRequest is SendRequest with an explicit timeout, used by tests and by
// callers that need a tighter or looser bound than the default.
func (c *ControlHandler) sendRequest(ctx context.Context, subtype string, fields map[string]any, timeout time.Duration) (json.RawMessage, error) {
	reqID := fmt.Sprintf("req_%d_%s", c.counter.Add(1), uuid.NewString())
	resCh := make(chan controlResult, 1)

	c.mu.Lock()
	c.outPending[reqID] = resCh
	c.mu.Unlock()

	req := map[string]any{"subtype": subtype}
	for k, v := range fields {
		req[k] = v
	}

	if err := c.transport.Write(map[string]any{
		"type":       "control_request",
		"request_id": reqID,
		"request":    req,
	}); err != nil {
		c.dropPending(reqID)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-resCh:
		if res.cancelled {
			return nil, &CancelledError{RequestID: reqID}
		}
		if res.isError {
			return nil, &ResponseError{RequestID: reqID, Message: res.errMessage, PendingPermissionRequests: res.pendingPermissionRequests}
		}
		return res.response, nil
	case <-timer.C:
		c.dropPending(reqID)
		return nil, &TimeoutError{RequestID: reqID}
	case <-ctx.Done():
		c.dropPending(reqID)
		return nil, ctx.Err()
	}
}

func (c *ControlHandler) dropPending(reqID string) {
	c.mu.Lock()
	delete(c.outPending, reqID)
	c.mu.Unlock()
}

// HandleControlResponse resolves the pending waiter for frame's request_id,
// if one is still registered. A response for a request that already timed
// out or whose ctx was cancelled arrives here with no waiter left — it is
// logged and dropped, not treated as an error, since the race was already
// resolved in the caller's favor (or against it).
func (c *ControlHandler) HandleControlResponse(frame Frame) {
	resp := frame.ControlResponse
	c.mu.Lock()
	ch, ok := c.outPending[resp.RequestID]
	if ok {
		delete(c.outPending, resp.RequestID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("claude: control_response for unknown or expired request", "request_id", resp.RequestID)
		return
	}

	result := controlResult{}
	if resp.Subtype == "error" {
		result.isError = true
		result.errMessage = resp.Error
		result.pendingPermissionRequests = parsePendingPermissionRequests(resp.Response)
	} else {
		result.response = resp.Response
	}

	// Buffered with capacity 1 and removed from outPending above: this send
	// can never block and can never resolve the same waiter twice.
	ch <- result
}

func parsePendingPermissionRequests(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var wrapper struct {
		PendingPermissionRequests any `json:"pending_permission_requests"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil
	}
	return wrapper.PendingPermissionRequests
}

// HandleControlCancel handles a control_cancel_request from the CLI. If
// request_id names a waiter for one of our own outbound control_requests,
// that waiter is failed with *CancelledError. Otherwise, if it names an
// inbound request we are still dispatching (e.g. a slow can_use_tool
// handler), dispatch is told to suppress its eventual response instead of
// writing it onto an already-abandoned wire exchange. Unknown or
// already-finished IDs are ignored.
func (c *ControlHandler) HandleControlCancel(frame Frame) {
	c.mu.Lock()
	ch, ok := c.outPending[frame.CancelRequestID]
	if ok {
		delete(c.outPending, frame.CancelRequestID)
	}
	cancel, inOk := c.inCancel[frame.CancelRequestID]
	c.mu.Unlock()

	if ok {
		ch <- controlResult{cancelled: true}
		return
	}
	if inOk {
		cancel()
	}
}

// HandleControlRequest dispatches an inbound control_request from the CLI.
// Dispatch runs in its own goroutine so a slow permission handler or hook
// callback never blocks the transport's single read loop.
func (c *ControlHandler) HandleControlRequest(frame Frame) {
	go c.dispatchInbound(frame)
}

func (c *ControlHandler) dispatchInbound(frame Frame) {
	reqID := frame.RequestID
	cancelled := &atomic.Bool{}
	cancel := func() { cancelled.Store(true) }

	c.mu.Lock()
	c.inCancel[reqID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inCancel, reqID)
		c.mu.Unlock()
	}()

	switch frame.ControlRequest.Subtype {
	case "can_use_tool":
		c.handleCanUseTool(reqID, frame.ControlRequest.Raw, cancelled)
	case "hook_callback":
		c.handleHookCallback(reqID, frame.ControlRequest.Raw, cancelled)
	case "mcp_message":
		c.handleMcpMessage(reqID, frame.ControlRequest.Raw, cancelled)
	default:
		c.respondError(reqID, (&UnknownSubtypeError{Subtype: frame.ControlRequest.Subtype}).Error(), cancelled)
	}
}

type canUseToolRequest struct {
	ToolName       string              `json:"tool_name"`
	ToolUseID      string              `json:"tool_use_id"`
	Input          json.RawMessage     `json:"input"`
	Suggestions    []PermissionUpdate  `json:"permission_suggestions,omitempty"`
	BlockedPath    string              `json:"blocked_path,omitempty"`
	DecisionReason string              `json:"decision_reason,omitempty"`
	AgentID        string              `json:"agent_id,omitempty"`
}

func (c *ControlHandler) handleCanUseTool(reqID string, raw json.RawMessage, cancelled *atomic.Bool) {
	var req canUseToolRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.respondError(reqID, (&InvalidMessageError{Detail: err.Error()}).Error(), cancelled)
		return
	}

	result := c.runPermissionHandler(req)

	resp := map[string]any{"toolUseId": req.ToolUseID}
	if result.Behavior == "deny" {
		resp["behavior"] = "deny"
		resp["message"] = result.Message
		resp["interrupt"] = result.Interrupt
	} else {
		resp["behavior"] = "allow"
		if result.UpdatedInput != nil {
			resp["updatedInput"] = result.UpdatedInput
		}
		if len(result.UpdatedPermissions) > 0 {
			resp["updatedPermissions"] = result.UpdatedPermissions
		}
	}
	c.respondSuccess(reqID, resp, cancelled)
}

// runPermissionHandler invokes the embedder's PermissionHandler, if any, and
// converts a panic into a deny response carrying the panic text, since
// PermissionHandler has no error return and a crashing handler must fail
// safe rather than take down the read loop.
func (c *ControlHandler) runPermissionHandler(req canUseToolRequest) (result PermissionResult) {
	if c.permissionHandler == nil {
		return PermissionResult{Behavior: "allow"}
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("claude: permission handler panicked, denying", "tool", req.ToolName, "panic", r)
			result = PermissionResult{Behavior: "deny", Message: fmt.Sprint(r)}
		}
	}()

	permCtx := PermissionContext{
		Suggestions:    req.Suggestions,
		BlockedPath:    req.BlockedPath,
		DecisionReason: req.DecisionReason,
		ToolUseID:      req.ToolUseID,
		AgentID:        req.AgentID,
	}
	return c.permissionHandler(req.ToolName, encjson.RawMessage(req.Input), permCtx)
}

func (c *ControlHandler) handleHookCallback(reqID string, raw json.RawMessage, cancelled *atomic.Bool) {
	var body struct {
		CallbackID string          `json:"callback_id"`
		Input      json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		c.respondError(reqID, (&InvalidMessageError{Detail: err.Error()}).Error(), cancelled)
		return
	}
	if c.hooks == nil {
		c.respondError(reqID, (&CallbackNotFoundError{CallbackID: body.CallbackID}).Error(), cancelled)
		return
	}

	output, err := c.hooks.Dispatch(body.CallbackID, body.Input)
	if err != nil {
		c.respondError(reqID, err.Error(), cancelled)
		return
	}

	c.respondSuccess(reqID, output, cancelled)
}

func (c *ControlHandler) handleMcpMessage(reqID string, raw json.RawMessage, cancelled *atomic.Bool) {
	var body struct {
		ServerName string          `json:"server_name"`
		Message    json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		c.respondError(reqID, (&InvalidMessageError{Detail: err.Error()}).Error(), cancelled)
		return
	}
	if c.tools == nil {
		c.respondError(reqID, (&UnknownServerError{Server: body.ServerName}).Error(), cancelled)
		return
	}

	rpcResp, err := c.tools.HandleMessage(body.ServerName, body.Message)
	if err != nil {
		c.respondError(reqID, err.Error(), cancelled)
		return
	}
	c.respondSuccess(reqID, map[string]any{"mcp_response": rpcResp}, cancelled)
}

// respondSuccess and respondError both re-check cancelled before writing:
// the CLI may have sent a control_cancel_request for this request_id while
// the handler was running, in which case writing a response now would race
// an already-abandoned request on the wire.
func (c *ControlHandler) respondSuccess(reqID string, response any, cancelled *atomic.Bool) {
	if cancelled.Load() {
		return
	}
	c.writeResponse(map[string]any{
		"subtype":    "success",
		"request_id": reqID,
		"response":   response,
	})
}

func (c *ControlHandler) respondError(reqID string, message string, cancelled *atomic.Bool) {
	if cancelled.Load() {
		return
	}
	c.logger.Warn("claude: inbound control_request failed", "request_id", reqID, "error", message)
	c.writeResponse(map[string]any{
		"subtype":    "error",
		"request_id": reqID,
		"error":      message,
	})
}

func (c *ControlHandler) writeResponse(response map[string]any) {
	if err := c.transport.Write(map[string]any{
		"type":     "control_response",
		"response": response,
	}); err != nil {
		c.logger.Warn("claude: failed to write control_response", "error", err)
	}
}
