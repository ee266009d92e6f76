package fathom

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// SubAgentSpec declares a delegatable sub-agent. Specs are compiled once at
// agent construction into immutable configs; no live sub-agent exists until
// the lead calls the task tool.
type SubAgentSpec struct {
	// Name is the subagent_type the lead passes to task(). Unique.
	Name string
	// Description is surfaced to the lead in the task tool documentation.
	Description string
	// Prompt is the sub-agent's system prompt.
	Prompt string
	// Tools the sub-agent may use. Nil inherits the lead's tools minus the
	// task tool itself, so a sub-agent cannot recursively delegate unless
	// explicitly handed a task descriptor.
	Tools []ToolDescriptor
	// Model overrides the lead's model handle. Nil inherits.
	Model ModelClient
	// ShareFiles gives the sub-agent a view of the parent's virtual file
	// slice instead of an empty one. Todos and scratch stay private.
	ShareFiles bool
}

// subAgentConfig is the compiled, immutable form of a SubAgentSpec. It
// carries no transcript and no state: those are created fresh for every
// task() invocation, which is what keeps repeated and parallel delegations
// isolated from each other.
type subAgentConfig struct {
	name        string
	description string
	prompt      string
	registry    *Registry
	model       ModelClient
	shareFiles  bool
}

// compileSubAgents builds the config map. inherited is the lead's tool list
// without the task tool; leadModel backs any spec without its own handle.
func compileSubAgents(specs []SubAgentSpec, inherited []ToolDescriptor, leadModel ModelClient) (map[string]*subAgentConfig, error) {
	configs := make(map[string]*subAgentConfig, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("subagent with empty name")
		}
		if _, dup := configs[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate subagent name %q", spec.Name)
		}
		tools := spec.Tools
		if tools == nil {
			tools = inherited
		}
		reg := NewRegistry()
		for _, d := range tools {
			if err := reg.Register(d); err != nil {
				return nil, fmt.Errorf("subagent %q: %w", spec.Name, err)
			}
		}
		model := spec.Model
		if model == nil {
			model = leadModel
		}
		configs[spec.Name] = &subAgentConfig{
			name:        spec.Name,
			description: spec.Description,
			prompt:      spec.Prompt,
			registry:    reg,
			model:       model,
			shareFiles:  spec.ShareFiles,
		}
	}
	return configs, nil
}

type taskArgs struct {
	Description  string `json:"description"`
	SubagentType string `json:"subagent_type"`
}

// taskTool builds the lead's delegation tool. Each invocation constructs a
// brand-new sub-agent over a fresh transcript and fresh state, seeds it with
// the description, runs the event loop to completion, and returns the
// terminal text. All references to the nested transcript and state are
// dropped when the call returns.
func taskTool(a *Agent) ToolDescriptor {
	var doc strings.Builder
	doc.WriteString("Delegate a task to a sub-agent. The sub-agent works in isolation and returns its final report. Available subagent_type values:\n")
	names := make([]string, 0, len(a.subAgents))
	for name := range a.subAgents {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&doc, "- %s: %s\n", name, a.subAgents[name].description)
	}

	return ToolDescriptor{
		Name:         "task",
		Description:  doc.String(),
		Effect:       EffectExternal,
		orchestrator: true,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"description": {"type": "string", "description": "The task for the sub-agent to perform"},
				"subagent_type": {"type": "string", "description": "Which sub-agent to delegate to"}
			},
			"required": ["description", "subagent_type"]
		}`),
		Handler: func(ctx context.Context, input json.RawMessage, tc *ToolContext) (any, error) {
			var args taskArgs
			if err := json.Unmarshal(input, &args); err != nil {
				return nil, fmt.Errorf("invalid args: %w", err)
			}
			cfg, ok := a.subAgents[args.SubagentType]
			if !ok {
				return nil, fmt.Errorf("unknown subagent_type %q", args.SubagentType)
			}
			return a.runSubAgent(ctx, cfg, args.Description, tc)
		},
	}
}

// runSubAgent executes one delegation over a fresh (transcript, state) pair.
func (a *Agent) runSubAgent(ctx context.Context, cfg *subAgentConfig, description string, tc *ToolContext) (string, error) {
	delegationID := NewID()
	a.emitStream(StreamEvent{Type: EventSubagentStart, ID: delegationID, Name: cfg.name, Content: description})

	state := NewAgentState()
	if cfg.shareFiles {
		state = tc.State.shareFilesWith()
	}

	res, err := runTurn(ctx, loopConfig{
		name:         "subagent:" + cfg.name,
		client:       cfg.model,
		transcript:   NewTranscript(),
		state:        state,
		registry:     cfg.registry,
		systemPrompt: cfg.prompt,
		maxSteps:     a.cfg.maxSteps,
		modelRetries: a.cfg.modelRetries,
		retryBase:    a.cfg.retryBase,
		modelTimeout: a.cfg.modelTimeout,
		toolTimeout:  a.cfg.toolTimeout,
		parallel:     a.cfg.maxParallel,
		maxTokens:    a.cfg.maxTokens,
		sem:          a.sem,
		consent:      a.consentFunc(),
		sessionID:    tc.SessionID,
		logger:       a.logger.With("subagent", cfg.name),
		tracer:       a.tracer,
	}, description, nil)
	a.addSubUsage(res.Usage)
	if err != nil {
		a.emitStream(StreamEvent{Type: EventSubagentFinish, ID: delegationID, Name: cfg.name, IsError: true, Content: err.Error()})
		return "", fmt.Errorf("subagent %q: %w", cfg.name, err)
	}

	a.emitStream(StreamEvent{Type: EventSubagentFinish, ID: delegationID, Name: cfg.name, Content: res.FinalText})
	return res.FinalText, nil
}
