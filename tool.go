package fathom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// EffectClass governs how the executor schedules a tool: pure and external
// tools run leaseless, state tools hold the single-writer AgentState lease
// for the duration of their handler.
type EffectClass string

const (
	EffectPure     EffectClass = "pure"
	EffectState    EffectClass = "state"
	EffectExternal EffectClass = "external"
)

// ToolContext is passed to every tool handler alongside its validated input.
// Cancellation arrives through the handler's context; handlers must check it
// at I/O boundaries.
type ToolContext struct {
	State     *AgentState
	SessionID string
}

// ToolHandler executes one tool call. The returned payload must be
// JSON-serializable (strings pass through verbatim). A returned error or a
// panic is captured into an error tool result, never raised.
type ToolHandler func(ctx context.Context, input json.RawMessage, tc *ToolContext) (any, error)

// ToolDescriptor declares a tool: its model-visible name and description,
// its input schema (JSON Schema, validated before dispatch), its effect
// class, and its handler.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Effect      EffectClass
	Handler     ToolHandler

	// orchestrator marks a handler that runs a nested event loop rather
	// than leaf work. Set only by the built-in task tool. Orchestrator
	// handlers skip the per-tool deadline (a delegation is bounded by the
	// turn budget, not T_tool) and do not hold a global semaphore token —
	// the leaf tools inside the delegation acquire their own, so a
	// delegation holding one would deadlock under a small cap.
	orchestrator bool
}

// Registry maps tool names to descriptors. Input schemas are compiled at
// registration so per-call validation is a lookup plus a walk.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	byName  map[string]ToolDescriptor
	schemas map[string]*jsonschema.Schema
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:  make(map[string]ToolDescriptor),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a descriptor. Names are unique per registry; registering a
// duplicate, an empty name, a nil handler, or an uncompilable schema fails.
func (r *Registry) Register(d ToolDescriptor) error {
	if d.Name == "" {
		return fmt.Errorf("register tool: empty name")
	}
	if d.Handler == nil {
		return fmt.Errorf("register tool %q: nil handler", d.Name)
	}
	switch d.Effect {
	case EffectPure, EffectState, EffectExternal:
	case "":
		d.Effect = EffectExternal
	default:
		return fmt.Errorf("register tool %q: unknown effect class %q", d.Name, d.Effect)
	}

	var compiled *jsonschema.Schema
	if len(d.InputSchema) > 0 {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(d.InputSchema))
		if err != nil {
			return fmt.Errorf("register tool %q: parse schema: %w", d.Name, err)
		}
		c := jsonschema.NewCompiler()
		url := d.Name + ".schema.json"
		if err := c.AddResource(url, doc); err != nil {
			return fmt.Errorf("register tool %q: add schema: %w", d.Name, err)
		}
		compiled, err = c.Compile(url)
		if err != nil {
			return fmt.Errorf("register tool %q: compile schema: %w", d.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[d.Name]; exists {
		return fmt.Errorf("register tool %q: already registered", d.Name)
	}
	r.order = append(r.order, d.Name)
	r.byName[d.Name] = d
	if compiled != nil {
		r.schemas[d.Name] = compiled
	}
	return nil
}

// Lookup returns the descriptor for name.
func (r *Registry) Lookup(name string) (ToolDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// Descriptors returns all registered descriptors in registration order.
func (r *Registry) Descriptors() []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDescriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Schemas returns the model-facing tool declarations in registration order.
func (r *Registry) Schemas() []ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		d := r.byName[name]
		out = append(out, ToolSchema{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema})
	}
	return out
}

// ValidateInput checks input against the tool's compiled schema. A tool
// registered without a schema accepts any input. The returned error is a
// diagnostic for the model, surfaced as an error tool result by the
// executor, never raised.
func (r *Registry) ValidateInput(name string, input json.RawMessage) error {
	r.mu.RLock()
	sch := r.schemas[name]
	r.mu.RUnlock()
	if sch == nil {
		return nil
	}
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(input))
	if err != nil {
		return fmt.Errorf("input is not valid JSON: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("input does not match schema: %w", err)
	}
	return nil
}
