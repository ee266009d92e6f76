package fathom

import "encoding/json"

// StreamEventType identifies the kind of streaming event.
type StreamEventType string

const (
	// EventTextDelta carries an incremental text chunk from the model.
	EventTextDelta StreamEventType = "text-delta"
	// EventToolUseStart signals a tool call is about to be dispatched.
	EventToolUseStart StreamEventType = "tool-use-start"
	// EventToolResult carries the result of a completed tool call.
	EventToolResult StreamEventType = "tool-result"
	// EventSubagentStart signals a task delegation has begun.
	EventSubagentStart StreamEventType = "subagent-start"
	// EventSubagentFinish signals a task delegation has completed.
	EventSubagentFinish StreamEventType = "subagent-finish"
	// EventDone signals the turn has produced its terminal output.
	EventDone StreamEventType = "done"
)

// StreamEvent is a typed event emitted during a streaming invoke. Consumers
// receive these on the channel passed to InvokeStream; model adapters emit
// the text-delta and tool-use-start subset while assembling blocks.
type StreamEvent struct {
	// Type identifies the event kind.
	Type StreamEventType `json:"type"`
	// ID is the tool-use id (tool events) or delegation id (subagent events).
	ID string `json:"id,omitempty"`
	// Name is the tool or sub-agent name, empty for text-delta.
	Name string `json:"name,omitempty"`
	// Content carries the text delta, tool result, or terminal output.
	Content string `json:"content,omitempty"`
	// Input carries the tool call input (tool-use-start only).
	Input json.RawMessage `json:"input,omitempty"`
	// IsError marks a tool-result event whose content is a diagnostic.
	IsError bool `json:"is_error,omitempty"`
}

// emit sends ev on ch unless ch is nil, dropping the event if ctx is done.
func emit(done <-chan struct{}, ch chan<- StreamEvent, ev StreamEvent) {
	if ch == nil {
		return
	}
	select {
	case ch <- ev:
	case <-done:
	}
}
