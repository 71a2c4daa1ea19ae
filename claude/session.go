package claude

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	json "github.com/segmentio/encoding/json"
)

// SessionState is the Session's lifecycle stage.
type SessionState int32

const (
	// StateConfigured: the subprocess is spawned and its stdout is being
	// read, but Initialize has not yet been called. Tool servers may still
	// be registered in this state; afterwards they cannot.
	StateConfigured SessionState = iota
	// StateInitialized: the initialize control_request succeeded. Control
	// surface calls (SetModel, RewindFiles, ...) are now valid.
	StateInitialized
	// StateRunning: at least one user message has been sent.
	StateRunning
	// StateClosed: the transport has been torn down. All further operations
	// fail with ErrSessionClosed.
	StateClosed
)

// Session coordinates one claude subprocess across its whole lifetime: it
// owns the Transport, the ControlHandler, the HookRegistry and ToolRouter
// wired to it, and the single read loop that classifies every incoming
// frame and routes it to the right place.
//
// A Session carries one conversation: the first TypeResult frame closes the
// child's stdin so the CLI can exit, after which SendUserMessage and the
// control-surface calls return an error.
type Session struct {
	opts    *Options
	logger  *slog.Logger
	tr      *Transport
	control *ControlHandler
	hooks   *HookRegistry
	tools   *ToolRouter

	events chan Event

	stateMu   sync.Mutex
	state     SessionState
	sessionID string

	firstResult  atomic.Bool
	closedByUser atomic.Bool

	closeOnce sync.Once
	closeErr  error
	loopDone  chan struct{}
}

// NewSession spawns the claude subprocess and starts reading its output.
// The session is StateConfigured; call AddToolServer as needed, then
// Initialize before sending user messages.
func NewSession(ctx context.Context, opts ...Option) (*Session, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	transport, err := NewTransport(ctx, o)
	if err != nil {
		return nil, err
	}

	hookRegistry := NewHookRegistry()
	hookRegistry.RegisterAll(o.Hooks)
	toolRouter := NewToolRouter()

	s := &Session{
		opts:     o,
		logger:   o.Logger,
		tr:       transport,
		hooks:    hookRegistry,
		tools:    toolRouter,
		events:   make(chan Event, 32),
		state:    StateConfigured,
		loopDone: make(chan struct{}),
	}
	s.control = NewControlHandler(transport, hookRegistry, toolRouter, o.PermissionHandler, o.Logger)

	go s.readLoop()
	return s, nil
}

// AddToolServer registers server's tools so CLI-tunneled mcp_message
// requests naming it are dispatched locally, and adds the matching
// "sdk"-type entry to the initialize payload's MCP server map. It must be
// called before Initialize.
func (s *Session) AddToolServer(server *ToolServer) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state != StateConfigured {
		return &InvalidMessageError{Detail: "AddToolServer must be called before Initialize"}
	}
	if err := s.tools.RegisterServer(server); err != nil {
		return err
	}
	if s.opts.McpServers == nil {
		s.opts.McpServers = make(map[string]any)
	}
	s.opts.McpServers[server.Name] = map[string]any{"type": "sdk", "name": server.Name}
	return nil
}

// Initialize sends the initialize control_request carrying the system
// prompt, MCP servers, agents, hook configuration, sandbox settings, and
// output format. It must be called exactly once, before the first
// SendUserMessage.
func (s *Session) Initialize(ctx context.Context) error {
	s.stateMu.Lock()
	if s.state != StateConfigured {
		s.stateMu.Unlock()
		return ErrAlreadyRunning
	}
	s.stateMu.Unlock()

	fields := buildInitializeFields(s.opts, s.hooks.Snapshot())
	if _, err := s.control.SendRequest(ctx, "initialize", fields); err != nil {
		return &InitializationFailedError{Detail: "initialize control_request failed", Err: err}
	}

	s.stateMu.Lock()
	s.state = StateInitialized
	s.stateMu.Unlock()
	return nil
}

// buildInitializeFields mirrors the source's initializeMsg, generalized to
// take the hook registry's live snapshot instead of a one-shot map built
// at spawn time.
func buildInitializeFields(o *Options, hooksConfig map[string][]matcherConfig) map[string]any {
	servers := any(map[string]any{})
	if len(o.McpServers) > 0 {
		servers = o.McpServers
	}

	agents := any(map[string]any{})
	if len(o.Agents) > 0 {
		m := make(map[string]any, len(o.Agents))
		for k, v := range o.Agents {
			m[k] = v
		}
		agents = m
	}

	hooks := any(map[string]any{})
	if len(hooksConfig) > 0 {
		hooks = hooksConfig
	}

	fields := map[string]any{
		"systemPrompt":       o.SystemPrompt,
		"appendSystemPrompt": o.AppendSystemPrompt,
		"sdkMcpServers":      servers,
		"hooks":              hooks,
		"agents":             agents,
		"promptSuggestions":  false,
	}

	if o.OutputFormat != nil {
		fields["outputFormat"] = o.OutputFormat.Type
		if o.OutputFormat.Schema != nil {
			fields["jsonSchema"] = o.OutputFormat.Schema
		}
	}
	if o.Sandbox != nil {
		fields["sandbox"] = o.Sandbox
	}

	return fields
}

// SendUserMessage sends prompt as the next user turn. The session must be
// at least StateInitialized. The first TypeResult frame closes the child's
// stdin, so a prompt sent after it returns an error.
func (s *Session) SendUserMessage(prompt string) error {
	s.stateMu.Lock()
	if s.state == StateClosed {
		s.stateMu.Unlock()
		return ErrSessionClosed
	}
	if s.state == StateConfigured {
		s.stateMu.Unlock()
		return ErrNotInitialized
	}
	s.state = StateRunning
	s.stateMu.Unlock()

	return s.tr.Write(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": prompt,
		},
		"parent_tool_use_id": nil,
		"session_id":         "",
	})
}

// Send is a convenience wrapper that initializes the session on its first
// call (so callers don't need a separate Initialize step for the common
// case) and then sends prompt as a user message.
func (s *Session) Send(prompt string) error {
	s.stateMu.Lock()
	needsInit := s.state == StateConfigured
	s.stateMu.Unlock()

	if needsInit {
		if err := s.Initialize(context.Background()); err != nil {
			return err
		}
	}
	return s.SendUserMessage(prompt)
}

// Events returns the channel of messages streamed from the subprocess. It
// is closed when the session is closed or the subprocess exits.
func (s *Session) Events() <-chan Event {
	return s.events
}

func (s *Session) readLoop() {
	defer close(s.events)
	defer close(s.loopDone)

	for foe := range s.tr.ReadFrames() {
		if foe.Err != nil {
			if foe.Terminal {
				s.logger.Debug("claude: transport stream ended", "err", foe.Err)
				s.stateMu.Lock()
				s.state = StateClosed
				s.stateMu.Unlock()
				s.emitTerminalError(foe.Err)
				return
			}
			s.logger.Debug("claude: dropping frame", "err", foe.Err)
			continue
		}

		switch foe.Frame.Kind {
		case FrameRegular:
			s.handleRegular(foe.Frame.Raw)
		case FrameControlRequest:
			s.control.HandleControlRequest(foe.Frame)
		case FrameControlResponse:
			s.control.HandleControlResponse(foe.Frame)
		case FrameControlCancel:
			s.control.HandleControlCancel(foe.Frame)
		case FrameKeepAlive:
			// no-op: keeps the connection alive, carries no payload to surface.
		case FrameUnknown:
			s.logger.Debug("claude: unrecognized frame type")
		}
	}
}

// emitTerminalError decides whether the stream's final transport error is
// worth surfacing to the consumer and, if so, pushes one last Event carrying
// it before the events channel closes. A clean exit (code 0, reached after a
// result was already delivered and nobody forced Close) ends the channel
// with no trailing event, matching the common "ranged to completion" case.
// Anything else — Close called while a consumer is attached, or the
// subprocess dying before a result — surfaces an explicit error event
// instead of a silent end-of-stream.
func (s *Session) emitTerminalError(transportErr error) {
	var reportErr error
	switch {
	case s.closedByUser.Load():
		reportErr = ErrSessionClosed
	default:
		if pte, ok := transportErr.(*ProcessTerminatedError); ok && pte.ExitCode == 0 && s.firstResult.Load() {
			return
		}
		reportErr = transportErr
	}

	select {
	case s.events <- Event{Err: reportErr}:
	default:
	}
}

func (s *Session) handleRegular(raw json.RawMessage) {
	event, err := decodeEvent(raw)
	if err != nil {
		s.logger.Debug("claude: failed to decode event", "err", err)
		return
	}

	if event.Type == TypeSystem && event.System != nil && event.System.Subtype == SubtypeInit {
		s.stateMu.Lock()
		s.sessionID = event.System.SessionID
		s.stateMu.Unlock()
	}

	select {
	case s.events <- event:
	case <-s.loopDone:
		return
	}

	if event.Type == TypeResult && s.firstResult.CompareAndSwap(false, true) {
		// Closing stdin signals the CLI it may exit once any in-flight work
		// settles, rather than it waiting indefinitely for another turn.
		_ = s.tr.EndInput()
	}
}

// Close tears down the subprocess and releases all session resources. Safe
// to call more than once and from any goroutine.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closedByUser.Store(true)
		s.stateMu.Lock()
		s.state = StateClosed
		s.stateMu.Unlock()
		s.closeErr = s.tr.Close()
		<-s.loopDone
	})
	return s.closeErr
}

// State reports the session's current lifecycle stage.
func (s *Session) State() SessionState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// SessionID returns the session_id captured from the CLI's system/init
// frame. It is empty until that frame has been read.
func (s *Session) SessionID() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.sessionID
}

func (s *Session) requireInitialized() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	switch s.state {
	case StateConfigured:
		return ErrNotInitialized
	case StateClosed:
		return ErrSessionClosed
	default:
		return nil
	}
}

// ─── Control surface ───────────────────────────────────────────────────────────

// SetModel asks the CLI to switch to a different model mid-session.
func (s *Session) SetModel(ctx context.Context, model string) error {
	if err := s.requireInitialized(); err != nil {
		return err
	}
	_, err := s.control.SendRequest(ctx, "set_model", map[string]any{"model": model})
	return err
}

// SetPermissionMode asks the CLI to change the permission mode mid-session.
func (s *Session) SetPermissionMode(ctx context.Context, mode PermissionMode) error {
	if err := s.requireInitialized(); err != nil {
		return err
	}
	_, err := s.control.SendRequest(ctx, "set_permission_mode", map[string]any{"permission_mode": string(mode)})
	return err
}

// SetMaxThinkingTokens asks the CLI to update the max thinking token budget.
func (s *Session) SetMaxThinkingTokens(ctx context.Context, n int) error {
	if err := s.requireInitialized(); err != nil {
		return err
	}
	_, err := s.control.SendRequest(ctx, "set_max_thinking_tokens", map[string]any{"max_thinking_tokens": n})
	return err
}

// Interrupt asks the CLI to stop the current turn. Unlike Close, the
// subprocess keeps running and the session can be sent another message
// afterwards.
func (s *Session) Interrupt(ctx context.Context) error {
	if err := s.requireInitialized(); err != nil {
		return err
	}
	_, err := s.control.SendRequest(ctx, "interrupt", nil)
	return err
}

// RewindFilesOptions configures a rewind_files request.
type RewindFilesOptions struct {
	// UserMessageID rewinds file edits back to (but not past) the given
	// user message. Empty rewinds the whole session's file edits.
	UserMessageID string
	// DryRun, when true, asks the CLI to report what would be rewound
	// without actually reverting any file edits.
	DryRun bool
}

// RewindFiles asks the CLI to revert file edits made during the session,
// optionally stopping at a specific message.
func (s *Session) RewindFiles(ctx context.Context, opts RewindFilesOptions) (json.RawMessage, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, err
	}
	fields := map[string]any{}
	if opts.UserMessageID != "" {
		fields["user_message_id"] = opts.UserMessageID
	}
	if opts.DryRun {
		fields["dry_run"] = true
	}
	return s.control.SendRequest(ctx, "rewind_files", fields)
}

// McpStatus returns the CLI's current connection status for every
// configured external MCP server.
func (s *Session) McpStatus(ctx context.Context) (json.RawMessage, error) {
	if err := s.requireInitialized(); err != nil {
		return nil, err
	}
	return s.control.SendRequest(ctx, "mcp_status", nil)
}

// McpReconnect asks the CLI to reconnect a named external MCP server.
func (s *Session) McpReconnect(ctx context.Context, serverName string) error {
	if err := s.requireInitialized(); err != nil {
		return err
	}
	_, err := s.control.SendRequest(ctx, "mcp_reconnect", map[string]any{"server_name": serverName})
	return err
}

// McpToggle enables or disables a named external MCP server without
// removing its configuration.
func (s *Session) McpToggle(ctx context.Context, serverName string, enabled bool) error {
	if err := s.requireInitialized(); err != nil {
		return err
	}
	_, err := s.control.SendRequest(ctx, "mcp_toggle", map[string]any{
		"server_name": serverName,
		"enabled":     enabled,
	})
	return err
}

// McpSetServers replaces the CLI's entire external MCP server configuration.
// This is a full replacement, not a merge: servers omitted from servers are
// removed.
func (s *Session) McpSetServers(ctx context.Context, servers map[string]any) error {
	if err := s.requireInitialized(); err != nil {
		return err
	}
	_, err := s.control.SendRequest(ctx, "mcp_set_servers", map[string]any{"mcp_servers": servers})
	return err
}
