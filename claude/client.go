package claude

import (
	"context"
	"fmt"
	"strings"
)

// Stream represents one run of the claude agent started by Query: a Session
// already initialized and with its first user message sent.
//
// Control methods (SetModel, SetPermissionMode, SetMaxThinkingTokens) may be
// called concurrently from any goroutine while the stream is active.
type Stream struct {
	session *Session
	ctx     context.Context
}

// Events returns the receive-only channel of events streamed from the
// subprocess. The channel is closed when the session ends. Callers should
// always range until the channel closes.
func (s *Stream) Events() <-chan Event {
	return s.session.Events()
}

// SetModel asks the claude CLI to switch to a different model mid-session.
func (s *Stream) SetModel(model string) error {
	return s.session.SetModel(s.ctx, model)
}

// SetPermissionMode asks the claude CLI to change the permission mode mid-session.
func (s *Stream) SetPermissionMode(mode PermissionMode) error {
	return s.session.SetPermissionMode(s.ctx, mode)
}

// SetMaxThinkingTokens asks the claude CLI to update the max thinking token budget.
func (s *Stream) SetMaxThinkingTokens(n int) error {
	return s.session.SetMaxThinkingTokens(s.ctx, n)
}

// Interrupt initiates graceful shutdown of the session: stdin is closed and
// SIGTERM is sent to the claude subprocess, escalating to SIGKILL after a
// grace period. Interrupt is idempotent.
func (s *Stream) Interrupt() error {
	return s.session.Close()
}

// Session exposes the underlying Session, for callers that start with Query
// but want the fuller control surface (RewindFiles, McpStatus,
// McpSetServers, ...). The session is already initialized, so AddToolServer
// on it returns an error.
func (s *Stream) Session() *Session {
	return s.session
}

// Query runs the claude agent with the given prompt and returns a *Stream for
// real-time event processing.
//
// The Stream.Events() channel is closed when the agent emits a TypeResult
// message, the subprocess exits, or ctx is cancelled. Callers should always
// range over the channel until it is closed.
//
// Example — stream all events:
//
//	stream, err := claude.Query(ctx, "What is 2+2?")
//	if err != nil { ... }
//	for event := range stream.Events() {
//	    switch event.Type {
//	    case claude.TypeAssistant:
//	        fmt.Print(event.Assistant.Text())
//	    case claude.TypeResult:
//	        fmt.Println("session:", event.Result.SessionID)
//	    }
//	}
func Query(ctx context.Context, prompt string, opts ...Option) (*Stream, error) {
	session, err := NewSession(ctx, opts...)
	if err != nil {
		return nil, err
	}
	if err := session.Initialize(ctx); err != nil {
		_ = session.Close()
		return nil, err
	}
	if err := session.SendUserMessage(prompt); err != nil {
		_ = session.Close()
		return nil, err
	}
	return &Stream{session: session, ctx: ctx}, nil
}

// Run is a convenience wrapper around Query that blocks until the agent
// finishes and returns only the final Result.
//
// Intermediate events (streaming deltas, system messages, rate-limit events)
// are discarded. Use Query directly if you need to process them.
//
// Errors from the subprocess itself (bad flags, auth failures, crashes) are
// surfaced as Go errors so callers always get a meaningful message.
//
// Example:
//
//	result, err := claude.Run(ctx, "What is 2+2?",
//	    claude.WithModel("claude-haiku-4-5-20251001"),
//	    claude.WithThinking(claude.ThinkingDisabled),
//	)
//	if err != nil { ... }
//	fmt.Println(result.Result)
//	fmt.Println("session:", result.SessionID)
func Run(ctx context.Context, prompt string, opts ...Option) (*Result, error) {
	stream, err := Query(ctx, prompt, opts...)
	if err != nil {
		return nil, err
	}
	defer stream.Interrupt()

	for event := range stream.Events() {
		if event.Err != nil {
			return nil, event.Err
		}

		switch event.Type {

		case TypeResult:
			r := event.Result
			if r.IsError {
				msg := r.Subtype
				if len(r.Errors) > 0 {
					msg = strings.Join(r.Errors, "; ")
				}
				return nil, fmt.Errorf("claude: agent error (%s): %s", r.Subtype, msg)
			}
			return r, nil

		case TypeSystem:
			if event.System != nil && event.System.Subtype == "error" {
				return nil, fmt.Errorf("claude: %s", event.System.Message)
			}
		}
	}

	return nil, fmt.Errorf("claude: agent finished without a result message")
}
