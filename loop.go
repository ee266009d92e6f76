package fathom

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	defaultMaxSteps     = 50
	defaultModelRetries = 3
	defaultModelTimeout = 60 * time.Second
	defaultToolTimeout  = 30 * time.Second
	defaultTurnTimeout  = 300 * time.Second
)

// stepBudgetMessage is the synthetic terminal assistant message appended
// when a turn exhausts its step budget.
const stepBudgetMessage = "step budget exhausted"

// loopConfig holds everything one reason→act turn needs. The lead and every
// sub-agent instance run the same loop over their own (transcript, state)
// pair; the semaphore is shared so nested parallelism stays bounded.
type loopConfig struct {
	name         string // for logging (e.g. "lead", "subagent:research")
	client       ModelClient
	transcript   *Transcript
	state        *AgentState
	registry     *Registry
	systemPrompt string
	maxSteps     int
	modelRetries int
	retryBase    time.Duration
	modelTimeout time.Duration
	toolTimeout  time.Duration
	turnTimeout  time.Duration
	parallel     int
	maxTokens    int
	sem          chan struct{}
	consent      ConsentFunc
	sessionID    string
	logger       *slog.Logger
	tracer       Tracer
}

// TurnResult is the outcome of one turn: the terminal assistant text, how
// many reason→act steps it took, and whether the step budget cut it short.
type TurnResult struct {
	FinalText          string
	Steps              int
	StepBudgetExceeded bool
	Usage              Usage
}

// runTurn drives one turn of the reason→act state machine:
//
//	append user message → request completion → append assistant message →
//	dispatch tool batch → append tool-result message → repeat
//
// until the model stops issuing tool calls or the step budget runs out.
// The transcript is left consistent on every exit path: pre-assistant when
// the model call fails or is cancelled, post-tool-result otherwise.
func runTurn(ctx context.Context, cfg loopConfig, userText string, ch chan<- StreamEvent) (TurnResult, error) {
	var res TurnResult
	if cfg.maxSteps <= 0 {
		cfg.maxSteps = defaultMaxSteps
	}

	turnCtx := ctx
	cancel := context.CancelFunc(func() {})
	if cfg.turnTimeout > 0 {
		turnCtx, cancel = context.WithTimeout(ctx, cfg.turnTimeout)
	}
	defer cancel()

	if cfg.tracer != nil {
		var span Span
		turnCtx, span = cfg.tracer.Start(turnCtx, "agent.turn",
			StringAttr("agent.name", cfg.name))
		defer span.End()
	}

	if err := cfg.transcript.Append(UserMessage(userText)); err != nil {
		return res, err
	}
	cfg.state.advanceTurn()

	exec := &executor{
		registry:    cfg.registry,
		state:       cfg.state,
		parallel:    cfg.parallel,
		toolTimeout: cfg.toolTimeout,
		sem:         cfg.sem,
		consent:     cfg.consent,
		sessionID:   cfg.sessionID,
		logger:      cfg.logger,
	}
	toolSchemas := cfg.registry.Schemas()

	for step := 0; step < cfg.maxSteps; step++ {
		res.Steps = step + 1

		req := ModelRequest{
			System:    cfg.systemPrompt,
			Messages:  cfg.transcript.View(),
			Tools:     toolSchemas,
			MaxTokens: cfg.maxTokens,
		}
		resp, err := completeWithRetry(turnCtx, cfg, req, ch)
		if err != nil {
			// Pre-assistant: the pending assistant message was never appended.
			return res, mapTurnErr(ctx, cfg, err)
		}
		res.Usage.add(resp.Usage)

		assistant := Message{Role: RoleAssistant, Blocks: resp.Blocks}
		if err := cfg.transcript.Append(assistant); err != nil {
			return res, err
		}

		uses := assistant.ToolUses()
		if len(uses) == 0 {
			res.FinalText = assistant.Text()
			cfg.logger.Info("turn complete", "agent", cfg.name, "steps", res.Steps,
				"tokens.input", res.Usage.InputTokens, "tokens.output", res.Usage.OutputTokens)
			return res, nil
		}

		for _, u := range uses {
			emit(turnCtx.Done(), ch, StreamEvent{Type: EventToolUseStart, ID: u.ID, Name: u.Name, Input: u.Input})
		}

		results := exec.executeBatch(turnCtx, uses)

		// The executor contract guarantees one result per use in request
		// order; a mismatch here is a bug in this program, not something
		// the model can recover from.
		if len(results) != len(uses) {
			return res, invariantf("batch of %d tool uses produced %d results", len(uses), len(results))
		}
		for i := range results {
			if results[i].ID != uses[i].ID {
				return res, invariantf("result %d has id %q, want %q", i, results[i].ID, uses[i].ID)
			}
		}

		if err := cfg.transcript.Append(ToolResultsMessage(results)); err != nil {
			return res, err
		}
		for _, r := range results {
			emit(turnCtx.Done(), ch, StreamEvent{Type: EventToolResult, ID: r.ID, Content: r.Content, IsError: r.IsError})
		}

		// Post-tool-result: a consistent stopping point if the turn was
		// cancelled or timed out while the batch ran.
		if err := turnCtx.Err(); err != nil {
			return res, mapTurnErr(ctx, cfg, err)
		}
	}

	// Step budget exhausted: close the turn with a synthetic assistant
	// message so the transcript stays well-formed for the next turn.
	if err := cfg.transcript.Append(AssistantMessage(TextBlock{Text: stepBudgetMessage})); err != nil {
		return res, err
	}
	cfg.logger.Warn("step budget exhausted", "agent", cfg.name, "steps", cfg.maxSteps)
	res.FinalText = stepBudgetMessage
	res.StepBudgetExceeded = true
	return res, nil
}

// mapTurnErr converts a turn-deadline hit into TurnTimeoutError; everything
// else (caller cancellation, exhausted retries, fatal model errors)
// propagates unchanged.
func mapTurnErr(parent context.Context, cfg loopConfig, err error) error {
	if cfg.turnTimeout > 0 && parent.Err() == nil && !IsTransient(err) && errors.Is(err, context.DeadlineExceeded) {
		return &TurnTimeoutError{Timeout: cfg.turnTimeout}
	}
	return err
}
