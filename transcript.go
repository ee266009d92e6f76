package fathom

import "sync"

// Transcript is the append-only message store backing one agent instance.
// Append rejects any message that would violate the wire-protocol invariants
// (see Append); a rejected append leaves the transcript untouched, so the
// log can never hold a sequence the model provider would refuse.
//
// All methods are safe for concurrent use.
type Transcript struct {
	mu   sync.Mutex
	msgs []Message
}

// NewTranscript returns an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{}
}

// newTranscriptFromMessages rebuilds a transcript by replaying Append over
// the given messages, so restored sessions pass the same invariant checks as
// live appends. Returns the first violation encountered.
func newTranscriptFromMessages(msgs []Message) (*Transcript, error) {
	t := NewTranscript()
	for _, m := range msgs {
		if err := t.Append(m); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Append adds a message to the log. It returns *InvariantError when the
// message would corrupt the transcript:
//
//   - the first message must be a user message
//   - roles must strictly alternate
//   - a user message may not contain tool-use blocks
//   - a user message may not mix tool-result blocks with text
//   - when the previous assistant message contains tool uses, the next user
//     message must consist of exactly one tool result per use, with the same
//     ids in the same positional order
//   - when the previous assistant message contains no tool uses, the next
//     user message may not contain tool results
//   - an assistant message may not contain tool-result blocks, and its
//     tool-use ids must be unique
func (t *Transcript) Append(msg Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if msg.Role != RoleUser && msg.Role != RoleAssistant {
		return invariantf("unknown role %q", msg.Role)
	}
	if len(t.msgs) == 0 && msg.Role != RoleUser {
		return invariantf("transcript must start with a user message")
	}
	if len(t.msgs) > 0 && t.msgs[len(t.msgs)-1].Role == msg.Role {
		return invariantf("two consecutive %s messages", msg.Role)
	}

	switch msg.Role {
	case RoleUser:
		if err := checkUserMessage(t.msgs, msg); err != nil {
			return err
		}
	case RoleAssistant:
		if err := checkAssistantMessage(msg); err != nil {
			return err
		}
	}

	t.msgs = append(t.msgs, msg)
	return nil
}

func checkUserMessage(prior []Message, msg Message) error {
	var hasText, hasResult bool
	for _, blk := range msg.Blocks {
		switch blk.(type) {
		case TextBlock:
			hasText = true
		case ToolResultBlock:
			hasResult = true
		case ToolUseBlock:
			return invariantf("user message contains a tool-use block")
		}
	}
	if hasText && hasResult {
		return invariantf("user message mixes tool results with text")
	}

	var pendingUses []ToolUseBlock
	if len(prior) > 0 {
		pendingUses = prior[len(prior)-1].ToolUses()
	}

	if len(pendingUses) == 0 {
		if hasResult {
			return invariantf("tool results answer no pending tool uses")
		}
		return nil
	}

	// The previous assistant message issued tool calls: this message must be
	// their answer, id-for-id in the same order.
	results := msg.ToolResults()
	if !hasResult || len(results) != len(msg.Blocks) {
		return invariantf("pending tool uses must be answered by a tool-result-only message")
	}
	if len(results) != len(pendingUses) {
		return invariantf("tool result count %d does not match tool use count %d", len(results), len(pendingUses))
	}
	for i, r := range results {
		if r.ID != pendingUses[i].ID {
			return invariantf("tool result %d has id %q, want %q", i, r.ID, pendingUses[i].ID)
		}
	}
	return nil
}

func checkAssistantMessage(msg Message) error {
	seen := make(map[string]bool)
	for _, blk := range msg.Blocks {
		switch v := blk.(type) {
		case ToolResultBlock:
			return invariantf("assistant message contains a tool-result block")
		case ToolUseBlock:
			if v.ID == "" {
				return invariantf("tool use %q has empty id", v.Name)
			}
			if seen[v.ID] {
				return invariantf("duplicate tool-use id %q", v.ID)
			}
			seen[v.ID] = true
		}
	}
	return nil
}

// View returns a read-only snapshot of the transcript for the model adapter.
// The returned slice is a copy; messages themselves are treated as immutable
// after append.
func (t *Transcript) View() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

// Len returns the number of messages appended so far.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.msgs)
}

// LastAssistantToolUses returns the ordered tool-use blocks of the most
// recent assistant message, or nil when the last assistant message issued
// none.
func (t *Transcript) LastAssistantToolUses() []ToolUseBlock {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.msgs) - 1; i >= 0; i-- {
		if t.msgs[i].Role == RoleAssistant {
			return t.msgs[i].ToolUses()
		}
	}
	return nil
}
