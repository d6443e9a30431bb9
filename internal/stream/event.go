package stream

import "encoding/json"

// Kind discriminates the event union.
type Kind string

const (
	KindText       Kind = "text"
	KindThinking   Kind = "thinking"
	KindToolUse    Kind = "tool_use"
	KindToolResult Kind = "tool_result"
	KindDone       Kind = "done"
	KindError      Kind = "error"
)

// Event is one unit of incremental output from an execution. Exactly one
// of the payload fields is meaningful for a given kind.
type Event struct {
	Kind       Kind            `json:"kind"`
	Text       string          `json:"text,omitempty"`        // text, thinking
	ToolName   string          `json:"tool_name,omitempty"`   // tool_use
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`  // tool_use
	ToolResult string          `json:"tool_result,omitempty"` // tool_result
	Message    string          `json:"message,omitempty"`     // error
}

// Terminal reports whether the event ends an execution's lifecycle.
func (e Event) Terminal() bool {
	return e.Kind == KindDone || e.Kind == KindError
}

// Text event constructors keep call sites terse.

func TextEvent(text string) Event     { return Event{Kind: KindText, Text: text} }
func ThinkingEvent(text string) Event { return Event{Kind: KindThinking, Text: text} }
func DoneEvent() Event                { return Event{Kind: KindDone} }
func ErrorEvent(msg string) Event     { return Event{Kind: KindError, Message: msg} }

func ToolUseEvent(name string, input json.RawMessage) Event {
	return Event{Kind: KindToolUse, ToolName: name, ToolInput: input}
}

func ToolResultEvent(body string) Event {
	return Event{Kind: KindToolResult, ToolResult: body}
}
