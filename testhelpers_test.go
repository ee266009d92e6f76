package fathom

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// --- model mocks (shared across loop, agent, and subagent tests) ---

// mockStep is one scripted model exchange: an error to fail with, or a
// response to return.
type mockStep struct {
	resp *ModelResponse
	err  error
}

// mockModel is a scripted ModelClient. Steps are consumed in order; a
// handler function can replace the script for request-dependent behavior.
// All calls are recorded for assertions.
type mockModel struct {
	name    string
	mu      sync.Mutex
	script  []mockStep
	handler func(req ModelRequest) (*ModelResponse, error)

	requests []ModelRequest
}

func (m *mockModel) Name() string {
	if m.name == "" {
		return "mock"
	}
	return m.name
}

func (m *mockModel) next(req ModelRequest) (*ModelResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	handler := m.handler
	var step mockStep
	scripted := false
	if handler == nil {
		if len(m.script) == 0 {
			m.mu.Unlock()
			return nil, &ModelError{Provider: m.Name(), Message: "script exhausted"}
		}
		step = m.script[0]
		m.script = m.script[1:]
		scripted = true
	}
	m.mu.Unlock()

	// The handler runs outside the lock so concurrent completions (parallel
	// sub-agent fan-out) can block inside it without serializing each other.
	if !scripted {
		return handler(req)
	}
	if step.err != nil {
		return nil, step.err
	}
	return step.resp, nil
}

func (m *mockModel) Complete(ctx context.Context, req ModelRequest) (*ModelResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.next(req)
}

func (m *mockModel) CompleteStream(ctx context.Context, req ModelRequest, ch chan<- StreamEvent) (*ModelResponse, error) {
	resp, err := m.next(req)
	if err != nil {
		return nil, err
	}
	for _, blk := range resp.Blocks {
		switch v := blk.(type) {
		case TextBlock:
			select {
			case ch <- StreamEvent{Type: EventTextDelta, Content: v.Text}:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		case ToolUseBlock:
			select {
			case ch <- StreamEvent{Type: EventToolUseStart, ID: v.ID, Name: v.Name}:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return resp, nil
}

// recordedRequests returns a snapshot of the requests seen so far.
func (m *mockModel) recordedRequests() []ModelRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ModelRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

func textResponse(text string) *ModelResponse {
	return &ModelResponse{Blocks: []Block{TextBlock{Text: text}}, Stop: StopEndTurn}
}

func toolCallResponse(uses ...ToolUseBlock) *ModelResponse {
	blocks := make([]Block, len(uses))
	for i, u := range uses {
		blocks[i] = u
	}
	return &ModelResponse{Blocks: blocks, Stop: StopToolUse}
}

func use(id, name, input string) ToolUseBlock {
	if input == "" {
		input = "{}"
	}
	return ToolUseBlock{ID: id, Name: name, Input: json.RawMessage(input)}
}

// --- tool fixtures ---

// sleepTagTool sleeps for the requested milliseconds, then returns the tag.
// Used to force arbitrary completion orders in executor tests.
func sleepTagTool() ToolDescriptor {
	return ToolDescriptor{
		Name:        "slow_echo",
		Description: "sleeps then echoes its tag",
		Effect:      EffectExternal,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"sleep_ms": {"type": "integer"},
				"tag": {"type": "string"}
			},
			"required": ["tag"]
		}`),
		Handler: func(ctx context.Context, input json.RawMessage, _ *ToolContext) (any, error) {
			var args struct {
				SleepMS int    `json:"sleep_ms"`
				Tag     string `json:"tag"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return nil, err
			}
			select {
			case <-time.After(time.Duration(args.SleepMS) * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return args.Tag, nil
		},
	}
}

// failTool always returns an error.
func failTool() ToolDescriptor {
	return ToolDescriptor{
		Name:        "fail",
		Description: "always fails",
		Effect:      EffectPure,
		Handler: func(context.Context, json.RawMessage, *ToolContext) (any, error) {
			return nil, fmt.Errorf("tool broken")
		},
	}
}

// panicTool always panics.
func panicTool() ToolDescriptor {
	return ToolDescriptor{
		Name:        "explode",
		Description: "always panics",
		Effect:      EffectPure,
		Handler: func(context.Context, json.RawMessage, *ToolContext) (any, error) {
			panic("boom")
		},
	}
}

// blockTool blocks until release is closed (or the context ends, which it
// ignores when stubborn is true).
func blockTool(name string, release <-chan struct{}, stubborn bool) ToolDescriptor {
	return ToolDescriptor{
		Name:        name,
		Description: "blocks until released",
		Effect:      EffectExternal,
		Handler: func(ctx context.Context, _ json.RawMessage, _ *ToolContext) (any, error) {
			if stubborn {
				<-release
				return "released", nil
			}
			select {
			case <-release:
				return "released", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}

// newTestRegistry registers the given descriptors, failing the test on error.
type fataler interface {
	Fatalf(format string, args ...any)
	Helper()
}

func newTestRegistry(t fataler, tools ...ToolDescriptor) *Registry {
	t.Helper()
	reg := NewRegistry()
	for _, d := range tools {
		if err := reg.Register(d); err != nil {
			t.Fatalf("register %s: %v", d.Name, err)
		}
	}
	return reg
}

func newTestExecutor(t fataler, tools ...ToolDescriptor) *executor {
	t.Helper()
	return &executor{
		registry: newTestRegistry(t, tools...),
		state:    NewAgentState(),
		parallel: 4,
		logger:   nopLogger,
	}
}

// testLoopConfig builds a loopConfig with fast retry timings for tests.
func testLoopConfig(client ModelClient, reg *Registry) loopConfig {
	return loopConfig{
		name:         "lead",
		client:       client,
		transcript:   NewTranscript(),
		state:        NewAgentState(),
		registry:     reg,
		maxSteps:     defaultMaxSteps,
		modelRetries: defaultModelRetries,
		retryBase:    time.Millisecond,
		parallel:     4,
		logger:       nopLogger,
	}
}
