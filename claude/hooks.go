package claude

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	json "github.com/segmentio/encoding/json"
)

// HookEvent identifies the lifecycle event that triggered a hook callback.
type HookEvent string

const (
	HookEventPreToolUse         HookEvent = "PreToolUse"
	HookEventPostToolUse        HookEvent = "PostToolUse"
	HookEventPostToolUseFailure HookEvent = "PostToolUseFailure"
	HookEventUserPromptSubmit   HookEvent = "UserPromptSubmit"
	HookEventStop               HookEvent = "Stop"
	HookEventSubagentStart      HookEvent = "SubagentStart"
	HookEventSubagentStop       HookEvent = "SubagentStop"
	HookEventPreCompact         HookEvent = "PreCompact"
	HookEventPermissionRequest  HookEvent = "PermissionRequest"
	HookEventSessionStart       HookEvent = "SessionStart"
	HookEventSessionEnd         HookEvent = "SessionEnd"
	HookEventNotification       HookEvent = "Notification"
)

// BaseHookInput carries the fields every hook event shares.
type BaseHookInput struct {
	SessionID      string `json:"session_id"`
	TranscriptPath string `json:"transcript_path"`
	CWD            string `json:"cwd"`
	PermissionMode string `json:"permission_mode"`
	HookEventName  string `json:"hook_event_name"`
}

// HookInput is the typed payload delivered to a HookFunc. Only the fields
// relevant to HookEventName are populated; the rest carry zero values.
type HookInput struct {
	BaseHookInput

	ToolName              string          `json:"tool_name,omitempty"`
	ToolInput             json.RawMessage `json:"tool_input,omitempty"`
	ToolUseID             string          `json:"tool_use_id,omitempty"`
	ToolResponse          json.RawMessage `json:"tool_response,omitempty"`
	Error                 string          `json:"error,omitempty"`
	IsInterrupt           bool            `json:"is_interrupt,omitempty"`
	Prompt                string          `json:"prompt,omitempty"`
	StopHookActive        bool            `json:"stop_hook_active,omitempty"`
	AgentID               string          `json:"agent_id,omitempty"`
	AgentType             string          `json:"agent_type,omitempty"`
	AgentTranscriptPath   string          `json:"agent_transcript_path,omitempty"`
	Trigger               string          `json:"trigger,omitempty"`
	CustomInstructions    string          `json:"custom_instructions,omitempty"`
	PermissionSuggestions json.RawMessage `json:"permission_suggestions,omitempty"`
	Source                string          `json:"source,omitempty"`
	Reason                string          `json:"reason,omitempty"`
	Message               string          `json:"message,omitempty"`
	NotificationType      string          `json:"notification_type,omitempty"`
	Title                 string          `json:"title,omitempty"`
}

// HookSpecificOutput carries the PreToolUse permission-decision shape;
// other events leave it nil.
type HookSpecificOutput struct {
	HookEventName            string         `json:"hookEventName"`
	PermissionDecision       string         `json:"permissionDecision,omitempty"`
	PermissionDecisionReason string         `json:"permissionDecisionReason,omitempty"`
	UpdatedInput             map[string]any `json:"updatedInput,omitempty"`
	AdditionalContext        string         `json:"additionalContext,omitempty"`
}

// HookOutput is the return value of a HookFunc. All fields are optional.
type HookOutput struct {
	Continue           *bool               `json:"continue,omitempty"`
	SuppressOutput     bool                `json:"suppressOutput,omitempty"`
	StopReason         string              `json:"stopReason,omitempty"`
	SystemMessage      string              `json:"systemMessage,omitempty"`
	Reason             string              `json:"reason,omitempty"`
	HookSpecificOutput *HookSpecificOutput `json:"hookSpecificOutput,omitempty"`
}

// DenyPreToolUse builds a HookOutput that denies a PreToolUse call.
func DenyPreToolUse(reason string) *HookOutput {
	return &HookOutput{
		HookSpecificOutput: &HookSpecificOutput{
			HookEventName:            string(HookEventPreToolUse),
			PermissionDecision:       "deny",
			PermissionDecisionReason: reason,
		},
	}
}

// HookFunc is the signature for a hook callback. input is already parsed
// into the typed shape for its event.
type HookFunc func(input HookInput) (*HookOutput, error)

// HookMatcher configures one or more hook functions for a matcher pattern.
// Matching itself is performed by the CLI; the registry only forwards the
// matcher string in the initialize payload.
type HookMatcher struct {
	Matcher string
	Hooks   []HookFunc
	Timeout int // milliseconds; 0 = CLI default
}

type hookEntry struct {
	event HookEvent
	fn    HookFunc
}

// matcherConfig is the wire shape of one matcher's entry in the
// initialize payload's hooks map.
type matcherConfig struct {
	Matcher     string   `json:"matcher,omitempty"`
	CallbackIDs []string `json:"hookCallbackIds"`
	Timeout     int      `json:"timeoutMs,omitempty"`
}

// HookRegistry holds typed callbacks registered for lifecycle events and
// dispatches hook_callback control requests to them by ID. All registration
// and dispatch happens under one mutex so the callback-ID counter and the
// matcher-config list stay consistent.
type HookRegistry struct {
	mu       sync.Mutex
	counter  atomic.Uint64
	entries  map[string]hookEntry
	matchers map[HookEvent][]matcherConfig
}

// NewHookRegistry creates an empty registry.
func NewHookRegistry() *HookRegistry {
	return &HookRegistry{
		entries:  make(map[string]hookEntry),
		matchers: make(map[HookEvent][]matcherConfig),
	}
}

// Register adds matcher's callbacks for event and returns their assigned
// IDs in order. IDs are hook_<n>_<uuid>: the counter gives readable
// ordering, the uuid suffix guarantees no collision across registries
// created in the same process within the same counter tick.
func (r *HookRegistry) Register(event HookEvent, matcher HookMatcher) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(matcher.Hooks))
	for _, fn := range matcher.Hooks {
		id := fmt.Sprintf("hook_%d_%s", r.counter.Add(1), uuid.NewString())
		r.entries[id] = hookEntry{event: event, fn: fn}
		ids = append(ids, id)
	}

	if len(ids) > 0 {
		r.matchers[event] = append(r.matchers[event], matcherConfig{
			Matcher:     matcher.Matcher,
			CallbackIDs: ids,
			Timeout:     matcher.Timeout,
		})
	}
	return ids
}

// RegisterAll registers every matcher in hooks, keyed by event.
func (r *HookRegistry) RegisterAll(hooks map[HookEvent][]HookMatcher) {
	for event, matchers := range hooks {
		for _, m := range matchers {
			r.Register(event, m)
		}
	}
}

// Snapshot returns the per-event matcher-config lists to embed in the
// initialize payload, or nil if nothing is registered.
func (r *HookRegistry) Snapshot() map[string][]matcherConfig {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.matchers) == 0 {
		return nil
	}
	out := make(map[string][]matcherConfig, len(r.matchers))
	for event, cfgs := range r.matchers {
		out[string(event)] = append([]matcherConfig(nil), cfgs...)
	}
	return out
}

// Dispatch decodes rawInput into HookInput, the one struct shared by every
// event (fields the event does not carry stay zero), and invokes the
// registered callback.
func (r *HookRegistry) Dispatch(callbackID string, rawInput json.RawMessage) (*HookOutput, error) {
	r.mu.Lock()
	entry, ok := r.entries[callbackID]
	r.mu.Unlock()
	if !ok {
		return nil, &CallbackNotFoundError{CallbackID: callbackID}
	}

	var input HookInput
	if err := json.Unmarshal(rawInput, &input); err != nil {
		return nil, &InvalidHookInputError{Detail: err.Error()}
	}

	return entry.fn(input)
}
