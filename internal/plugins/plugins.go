// Package plugins routes pipeline events to registered plugins. The event
// vocabulary is closed; a registration document declares which plugins hear
// which events and under what condition, and the router fans each dispatch
// out in deterministic order with per-plugin failure isolation.
package plugins

import "context"

// Event names. Nothing outside this set is ever dispatched.
const (
	EventConversationComplete = "conversation.complete"
	EventTranscriptStreaming  = "transcript.streaming"
	EventTranscriptBatch      = "transcript.batch"
	EventMemoryProcessed      = "memory.processed"
	EventConversationStarred  = "conversation.starred"
	EventButtonSinglePress    = "button.single_press"
	EventButtonDoublePress    = "button.double_press"
	EventPluginAction         = "plugin_action"
)

// ValidEvents is the closed event vocabulary.
var ValidEvents = map[string]bool{
	EventConversationComplete: true,
	EventTranscriptStreaming:  true,
	EventTranscriptBatch:      true,
	EventMemoryProcessed:      true,
	EventConversationStarred:  true,
	EventButtonSinglePress:    true,
	EventButtonDoublePress:    true,
	EventPluginAction:         true,
}

// Condition types a registration may declare.
const (
	ConditionAlways      = "always"
	ConditionWakeWord    = "wake_word"
	ConditionConditional = "conditional"
)

// Context carries one event to a plugin callback.
type Context struct {
	// Event is the dispatched event name.
	Event string

	// UserID identifies whose data triggered the event. "system" for
	// service-initiated plugin actions.
	UserID string

	// Data is the event payload. For wake-word plugins the router adds
	// "command" and "original_transcript".
	Data map[string]any

	// Metadata carries dispatch-side extras (conversation id, session id).
	Metadata map[string]any

	// Services exposes the callback API plugins use to act on the system.
	Services *Services
}

// Result is a plugin's answer to one dispatch.
type Result struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Message string         `json:"message,omitempty"`

	// ShouldContinue false stops dispatch to subsequent plugins for this
	// event.
	ShouldContinue bool `json:"should_continue"`
}

// OK is the default successful result.
func OK() Result { return Result{Success: true, ShouldContinue: true} }

// Plugin is a compiled-in plugin implementation. Callbacks are grouped by
// event family; the router picks the method from the event name. Embed Base
// to get no-op defaults.
type Plugin interface {
	// ID must match the plugin's key in the registration document.
	ID() string

	// OnTranscript handles transcript.* events.
	OnTranscript(ctx context.Context, pc *Context) Result

	// OnConversationComplete handles conversation.* events.
	OnConversationComplete(ctx context.Context, pc *Context) Result

	// OnMemoryProcessed handles memory.* events.
	OnMemoryProcessed(ctx context.Context, pc *Context) Result

	// OnButton handles button.* events.
	OnButton(ctx context.Context, pc *Context) Result

	// OnPluginAction handles plugin_action, invoked only through the
	// services API.
	OnPluginAction(ctx context.Context, pc *Context) Result
}

// Base provides no-op defaults for every callback; concrete plugins embed it
// and override what they handle.
type Base struct{}

func (Base) OnTranscript(context.Context, *Context) Result           { return OK() }
func (Base) OnConversationComplete(context.Context, *Context) Result { return OK() }
func (Base) OnMemoryProcessed(context.Context, *Context) Result      { return OK() }
func (Base) OnButton(context.Context, *Context) Result               { return OK() }
func (Base) OnPluginAction(context.Context, *Context) Result         { return OK() }

// Dispatcher is the slice of the router event producers depend on.
type Dispatcher interface {
	Dispatch(ctx context.Context, event, userID string, data, metadata map[string]any) []Result
}
