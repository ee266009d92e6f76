package fathom

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies the author of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Block is one content element of a Message. The set is sealed: TextBlock,
// ToolUseBlock, and ToolResultBlock are the only kinds, so invariant checks
// can enumerate every case.
type Block interface {
	isBlock()
}

// TextBlock carries free-form model or user text.
type TextBlock struct {
	Text string `json:"text"`
}

// ToolUseBlock is a model-issued tool call. ID is the opaque correlation
// string assigned by the model; it must be answered by exactly one
// ToolResultBlock with the same ID in the immediately following user message.
type ToolUseBlock struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResultBlock answers a ToolUseBlock. IsError signals the payload is a
// diagnostic the model should recover from rather than a successful result.
type ToolResultBlock struct {
	ID      string `json:"id"`
	IsError bool   `json:"is_error,omitempty"`
	Content string `json:"content"`
}

func (TextBlock) isBlock()       {}
func (ToolUseBlock) isBlock()    {}
func (ToolResultBlock) isBlock() {}

// Message is one transcript entry: a role and an ordered list of blocks.
type Message struct {
	Role   Role
	Blocks []Block
}

// UserMessage builds a plain-text user message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Blocks: []Block{TextBlock{Text: text}}}
}

// AssistantMessage builds an assistant message from the given blocks.
func AssistantMessage(blocks ...Block) Message {
	return Message{Role: RoleAssistant, Blocks: blocks}
}

// ToolResultsMessage builds the user message answering a tool batch. The
// results must already be in the same positional order as the tool uses of
// the preceding assistant message.
func ToolResultsMessage(results []ToolResultBlock) Message {
	blocks := make([]Block, len(results))
	for i, r := range results {
		blocks[i] = r
	}
	return Message{Role: RoleUser, Blocks: blocks}
}

// Text concatenates the message's text blocks.
func (m Message) Text() string {
	var b strings.Builder
	for _, blk := range m.Blocks {
		if t, ok := blk.(TextBlock); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

// ToolUses returns the message's tool-use blocks in positional order.
func (m Message) ToolUses() []ToolUseBlock {
	var uses []ToolUseBlock
	for _, blk := range m.Blocks {
		if u, ok := blk.(ToolUseBlock); ok {
			uses = append(uses, u)
		}
	}
	return uses
}

// ToolResults returns the message's tool-result blocks in positional order.
func (m Message) ToolResults() []ToolResultBlock {
	var results []ToolResultBlock
	for _, blk := range m.Blocks {
		if r, ok := blk.(ToolResultBlock); ok {
			results = append(results, r)
		}
	}
	return results
}

// --- JSON codec ---
//
// Blocks serialize with a {"type": ...} envelope so transcripts round-trip
// through session persistence without losing the block kind.

const (
	blockTypeText       = "text"
	blockTypeToolUse    = "tool_use"
	blockTypeToolResult = "tool_result"
)

type blockEnvelope struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	IsError bool   `json:"is_error,omitempty"`
	Content string `json:"content,omitempty"`
}

type messageEnvelope struct {
	Role   Role            `json:"role"`
	Blocks []blockEnvelope `json:"blocks"`
}

// MarshalJSON implements json.Marshaler.
func (m Message) MarshalJSON() ([]byte, error) {
	env := messageEnvelope{Role: m.Role, Blocks: make([]blockEnvelope, 0, len(m.Blocks))}
	for _, blk := range m.Blocks {
		switch v := blk.(type) {
		case TextBlock:
			env.Blocks = append(env.Blocks, blockEnvelope{Type: blockTypeText, Text: v.Text})
		case ToolUseBlock:
			env.Blocks = append(env.Blocks, blockEnvelope{Type: blockTypeToolUse, ID: v.ID, Name: v.Name, Input: v.Input})
		case ToolResultBlock:
			env.Blocks = append(env.Blocks, blockEnvelope{Type: blockTypeToolResult, ID: v.ID, IsError: v.IsError, Content: v.Content})
		default:
			return nil, fmt.Errorf("marshal message: unknown block type %T", blk)
		}
	}
	return json.Marshal(env)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Message) UnmarshalJSON(data []byte) error {
	var env messageEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	m.Role = env.Role
	m.Blocks = make([]Block, 0, len(env.Blocks))
	for _, b := range env.Blocks {
		switch b.Type {
		case blockTypeText:
			m.Blocks = append(m.Blocks, TextBlock{Text: b.Text})
		case blockTypeToolUse:
			m.Blocks = append(m.Blocks, ToolUseBlock{ID: b.ID, Name: b.Name, Input: b.Input})
		case blockTypeToolResult:
			m.Blocks = append(m.Blocks, ToolResultBlock{ID: b.ID, IsError: b.IsError, Content: b.Content})
		default:
			return fmt.Errorf("unmarshal message: unknown block type %q", b.Type)
		}
	}
	return nil
}
