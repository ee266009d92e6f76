package fathom

import (
	"context"
	"encoding/json"
	"strings"
)

// StopReason is the model's terminal signal for one completion.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// Usage tracks token consumption across model calls.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u *Usage) add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// ToolSchema is the model-facing declaration of one tool.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ModelRequest is one completion request against the wire protocol.
type ModelRequest struct {
	System    string
	Messages  []Message
	Tools     []ToolSchema
	MaxTokens int
}

// ModelResponse is one assembled completion: whole blocks in the model's
// emission order, a stop reason, and token usage.
type ModelResponse struct {
	Blocks []Block
	Stop   StopReason
	Usage  Usage
}

// ModelClient abstracts the model provider. Implementations must be safe
// for concurrent use: the lead and every sub-agent sharing a handle may call
// it simultaneously.
//
// CompleteStream emits EventTextDelta and EventToolUseStart events on ch as
// they arrive, then returns the fully assembled response. Implementations
// must not close ch; the driver owns its lifecycle across loop iterations.
//
// Failures eligible for retry (timeouts, connection drops, 5xx, truncated
// streams) must be wrapped in *TransientError; everything else should be a
// *ModelError.
type ModelClient interface {
	// Name returns the provider name for logging and error reporting.
	Name() string
	// Complete sends a request and returns the assembled response.
	Complete(ctx context.Context, req ModelRequest) (*ModelResponse, error)
	// CompleteStream streams deltas into ch, then returns the assembled
	// response.
	CompleteStream(ctx context.Context, req ModelRequest, ch chan<- StreamEvent) (*ModelResponse, error)
}

// --- block assembly ---

// BlockAssembler folds a model's wire stream (text deltas, tool-use starts,
// partial input JSON, block ends) into whole Blocks, preserving emission
// order. Adapters drive it from their provider's event stream; the driver
// consumes only the assembled blocks.
//
// Not safe for concurrent use; one assembler per in-flight request.
type BlockAssembler struct {
	blocks  []Block
	text    *strings.Builder
	toolUse *toolUseDraft
}

type toolUseDraft struct {
	id        string
	name      string
	fragments strings.Builder
}

// NewBlockAssembler returns an empty assembler.
func NewBlockAssembler() *BlockAssembler {
	return &BlockAssembler{}
}

// TextDelta appends a text fragment to the open text block, opening one if
// needed.
func (a *BlockAssembler) TextDelta(s string) {
	if s == "" {
		return
	}
	a.closeToolUse()
	if a.text == nil {
		a.text = &strings.Builder{}
	}
	a.text.WriteString(s)
}

// ToolUseStart opens a tool-use block.
func (a *BlockAssembler) ToolUseStart(id, name string) {
	a.closeText()
	a.closeToolUse()
	a.toolUse = &toolUseDraft{id: id, name: name}
}

// ToolUseInputDelta appends a fragment of the open tool-use block's input
// JSON. Ignored when no tool-use block is open.
func (a *BlockAssembler) ToolUseInputDelta(fragment string) {
	if a.toolUse == nil {
		return
	}
	a.toolUse.fragments.WriteString(fragment)
}

// BlockEnd closes whichever block is open.
func (a *BlockAssembler) BlockEnd() {
	a.closeText()
	a.closeToolUse()
}

// Blocks closes any open block and returns the assembled blocks in emission
// order.
func (a *BlockAssembler) Blocks() []Block {
	a.BlockEnd()
	return a.blocks
}

func (a *BlockAssembler) closeText() {
	if a.text == nil {
		return
	}
	a.blocks = append(a.blocks, TextBlock{Text: a.text.String()})
	a.text = nil
}

func (a *BlockAssembler) closeToolUse() {
	if a.toolUse == nil {
		return
	}
	input := a.toolUse.fragments.String()
	if input == "" {
		input = "{}"
	}
	a.blocks = append(a.blocks, ToolUseBlock{
		ID:    a.toolUse.id,
		Name:  a.toolUse.name,
		Input: json.RawMessage(input),
	})
	a.toolUse = nil
}
