package fathom

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// defaultMaxInFlightTools caps total concurrent tool handlers across the
// lead and all nested sub-agents. Per-batch parallelism is bounded by
// WithMaxParallelTools; this global semaphore bounds the product when
// delegations fan out.
const defaultMaxInFlightTools = 16

// agentConfig holds resolved construction options.
type agentConfig struct {
	tools         []ToolDescriptor
	subAgents     []SubAgentSpec
	state         *AgentState
	maxParallel   int
	maxInFlight   int
	maxSteps      int
	modelRetries  int
	retryBase     time.Duration
	modelTimeout  time.Duration
	toolTimeout   time.Duration
	turnTimeout   time.Duration
	maxTokens     int
	sessions      *Manager
	sessionID     string
	logger        *slog.Logger
	tracer        Tracer
	consent       ConsentFunc
	bypassConsent bool
}

// Option configures an Agent.
type Option func(*agentConfig)

// WithTools adds tools to the lead (and, by inheritance, to sub-agents that
// declare none of their own).
func WithTools(tools ...ToolDescriptor) Option {
	return func(c *agentConfig) { c.tools = append(c.tools, tools...) }
}

// WithSubAgents declares delegatable sub-agents. Declaring at least one
// registers the task tool on the lead.
func WithSubAgents(specs ...SubAgentSpec) Option {
	return func(c *agentConfig) { c.subAgents = append(c.subAgents, specs...) }
}

// WithState seeds the agent with an existing state instead of an empty one.
func WithState(s *AgentState) Option {
	return func(c *agentConfig) { c.state = s }
}

// WithMaxParallelTools bounds concurrent tool dispatch within one batch
// (default 4).
func WithMaxParallelTools(n int) Option {
	return func(c *agentConfig) { c.maxParallel = n }
}

// WithMaxInFlightTools caps total concurrent tool handlers across the lead
// and all sub-agents (default 16).
func WithMaxInFlightTools(n int) Option {
	return func(c *agentConfig) { c.maxInFlight = n }
}

// WithMaxSteps bounds reason→act steps per turn (default 50). Exhausting the
// budget ends the turn with a synthetic assistant message and sets
// StepBudgetExceeded on the result.
func WithMaxSteps(n int) Option {
	return func(c *agentConfig) { c.maxSteps = n }
}

// WithModelRetries sets how many times a transient model failure is retried
// (default 3).
func WithModelRetries(n int) Option {
	return func(c *agentConfig) { c.modelRetries = n }
}

// WithRetryBaseDelay sets the initial backoff delay before the first retry
// (default 1s). Each subsequent delay doubles, plus jitter.
func WithRetryBaseDelay(d time.Duration) Option {
	return func(c *agentConfig) { c.retryBase = d }
}

// WithModelTimeout bounds each model request (default 60s).
func WithModelTimeout(d time.Duration) Option {
	return func(c *agentConfig) { c.modelTimeout = d }
}

// WithToolTimeout bounds each tool handler (default 30s). A handler that
// exceeds it produces a "cancelled: timeout" error result; the rest of the
// batch continues.
func WithToolTimeout(d time.Duration) Option {
	return func(c *agentConfig) { c.toolTimeout = d }
}

// WithTurnTimeout bounds one whole turn end to end (default 300s).
func WithTurnTimeout(d time.Duration) Option {
	return func(c *agentConfig) { c.turnTimeout = d }
}

// WithMaxTokens sets the completion token cap passed to the model adapter.
func WithMaxTokens(n int) Option {
	return func(c *agentConfig) { c.maxTokens = n }
}

// WithSession attaches the agent to a persistent session: state and
// transcript are restored from the manager at construction (when the id
// exists) and saved after every turn that returns without error. Opening an
// id already held elsewhere
// fails with ErrSessionBusy.
func WithSession(m *Manager, sessionID string) Option {
	return func(c *agentConfig) {
		c.sessions = m
		c.sessionID = sessionID
	}
}

// WithLogger sets the structured logger (default: discard).
func WithLogger(l *slog.Logger) Option {
	return func(c *agentConfig) { c.logger = l }
}

// WithTracer enables span emission (see the observer package).
func WithTracer(t Tracer) Option {
	return func(c *agentConfig) { c.tracer = t }
}

// WithConsent installs a pre-tool confirmation hook.
func WithConsent(fn ConsentFunc) Option {
	return func(c *agentConfig) { c.consent = fn }
}

// WithBypassToolConsent disables any configured consent hook.
func WithBypassToolConsent() Option {
	return func(c *agentConfig) { c.bypassConsent = true }
}

// Agent is the lead reasoner: it owns a transcript and a state, drives the
// reason→act loop against its model handle, and delegates to sub-agents via
// the task tool. One Agent serves one session; Invoke calls are serialized.
type Agent struct {
	instructions string
	client       ModelClient
	registry     *Registry
	subAgents    map[string]*subAgentConfig
	transcript   *Transcript
	state        *AgentState
	cfg          agentConfig
	sem          chan struct{}
	logger       *slog.Logger
	tracer       Tracer

	mu         sync.Mutex // serializes Invoke / InvokeStream
	streamMu   sync.Mutex
	streamCh   chan<- StreamEvent
	streamDone <-chan struct{}

	usageMu  sync.Mutex
	subUsage Usage
}

// New builds a deep agent. The planning and virtual filesystem tool suites
// are always registered; user tools and the task tool (when sub-agents are
// declared) come after.
func New(instructions string, client ModelClient, opts ...Option) (*Agent, error) {
	if client == nil {
		return nil, fmt.Errorf("fathom: nil model client")
	}
	cfg := agentConfig{
		maxParallel:  defaultMaxParallelTools,
		maxInFlight:  defaultMaxInFlightTools,
		maxSteps:     defaultMaxSteps,
		modelRetries: defaultModelRetries,
		modelTimeout: defaultModelTimeout,
		toolTimeout:  defaultToolTimeout,
		turnTimeout:  defaultTurnTimeout,
		logger:       nopLogger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = nopLogger
	}

	leadTools := make([]ToolDescriptor, 0, len(cfg.tools)+6)
	leadTools = append(leadTools, PlanningTools()...)
	leadTools = append(leadTools, FilesystemTools()...)
	leadTools = append(leadTools, cfg.tools...)

	a := &Agent{
		instructions: instructions,
		client:       client,
		transcript:   NewTranscript(),
		state:        cfg.state,
		cfg:          cfg,
		sem:          make(chan struct{}, cfg.maxInFlight),
		logger:       cfg.logger,
		tracer:       cfg.tracer,
	}
	if a.state == nil {
		a.state = NewAgentState()
	}

	subAgents, err := compileSubAgents(cfg.subAgents, leadTools, client)
	if err != nil {
		return nil, err
	}
	a.subAgents = subAgents

	a.registry = NewRegistry()
	for _, d := range leadTools {
		if err := a.registry.Register(d); err != nil {
			return nil, err
		}
	}
	if len(subAgents) > 0 {
		if err := a.registry.Register(taskTool(a)); err != nil {
			return nil, err
		}
	}

	if cfg.sessions != nil && cfg.sessionID != "" {
		if err := a.attachSession(context.Background()); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// attachSession acquires the session id and restores any persisted record.
func (a *Agent) attachSession(ctx context.Context) error {
	if err := a.cfg.sessions.Acquire(a.cfg.sessionID); err != nil {
		return err
	}
	transcript, state, _, err := a.cfg.sessions.Load(ctx, a.cfg.sessionID)
	switch {
	case err == nil:
		a.transcript = transcript
		a.state = state
	case isSessionNotFound(err):
		// first turn under this id; saved after the turn completes
	default:
		a.cfg.sessions.Release(a.cfg.sessionID)
		return err
	}
	return nil
}

// Close releases the agent's session claim, if any.
func (a *Agent) Close() error {
	if a.cfg.sessions != nil && a.cfg.sessionID != "" {
		a.cfg.sessions.Release(a.cfg.sessionID)
	}
	return nil
}

// Result is the outcome of one Invoke: the terminal assistant text, turn
// accounting, and a snapshot of the session state after the turn.
type Result struct {
	FinalText          string
	Steps              int
	StepBudgetExceeded bool
	Usage              Usage
	State              StateSnapshot
}

// Invoke runs one blocking turn.
func (a *Agent) Invoke(ctx context.Context, userText string) (Result, error) {
	return a.invoke(ctx, userText, nil)
}

// InvokeStream runs one turn, emitting StreamEvents on ch as the turn
// progresses: model text deltas, tool dispatch and results, sub-agent
// lifecycle, and a final done event. ch is closed before return.
func (a *Agent) InvokeStream(ctx context.Context, userText string, ch chan<- StreamEvent) (Result, error) {
	defer close(ch)
	return a.invoke(ctx, userText, ch)
}

func (a *Agent) invoke(ctx context.Context, userText string, ch chan<- StreamEvent) (Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.setStream(ch, ctx.Done())
	defer a.setStream(nil, nil)

	a.usageMu.Lock()
	a.subUsage = Usage{}
	a.usageMu.Unlock()

	turn, err := runTurn(ctx, loopConfig{
		name:         "lead",
		client:       a.client,
		transcript:   a.transcript,
		state:        a.state,
		registry:     a.registry,
		systemPrompt: a.instructions,
		maxSteps:     a.cfg.maxSteps,
		modelRetries: a.cfg.modelRetries,
		retryBase:    a.cfg.retryBase,
		modelTimeout: a.cfg.modelTimeout,
		toolTimeout:  a.cfg.toolTimeout,
		turnTimeout:  a.cfg.turnTimeout,
		parallel:     a.cfg.maxParallel,
		maxTokens:    a.cfg.maxTokens,
		sem:          a.sem,
		consent:      a.consentFunc(),
		sessionID:    a.cfg.sessionID,
		logger:       a.logger,
		tracer:       a.tracer,
	}, userText, ch)

	res := Result{
		FinalText:          turn.FinalText,
		Steps:              turn.Steps,
		StepBudgetExceeded: turn.StepBudgetExceeded,
		Usage:              turn.Usage,
	}
	a.usageMu.Lock()
	res.Usage.add(a.subUsage)
	a.usageMu.Unlock()

	if err != nil {
		return res, err
	}
	res.State = a.state.Snapshot()

	if a.cfg.sessions != nil && a.cfg.sessionID != "" {
		if serr := a.cfg.sessions.Save(ctx, a.cfg.sessionID, a.transcript, a.state); serr != nil {
			return res, fmt.Errorf("save session %q: %w", a.cfg.sessionID, serr)
		}
	}

	emit(ctx.Done(), ch, StreamEvent{Type: EventDone, Content: res.FinalText})
	return res, nil
}

func (a *Agent) consentFunc() ConsentFunc {
	if a.cfg.bypassConsent {
		return nil
	}
	return a.cfg.consent
}

func (a *Agent) setStream(ch chan<- StreamEvent, done <-chan struct{}) {
	a.streamMu.Lock()
	a.streamCh = ch
	a.streamDone = done
	a.streamMu.Unlock()
}

// emitStream sends a lifecycle event on the current invoke's stream channel,
// if any. Used by the task tool, which has no direct channel access.
func (a *Agent) emitStream(ev StreamEvent) {
	a.streamMu.Lock()
	ch, done := a.streamCh, a.streamDone
	a.streamMu.Unlock()
	emit(done, ch, ev)
}

func (a *Agent) addSubUsage(u Usage) {
	a.usageMu.Lock()
	a.subUsage.add(u)
	a.usageMu.Unlock()
}

// Transcript returns a snapshot of the lead's transcript.
func (a *Agent) Transcript() []Message {
	return a.transcript.View()
}

// State returns a read-only view of the agent's state.
func (a *Agent) State() StateView {
	return StateView{state: a.state}
}

// StateView is a read-only accessor over an agent's state.
type StateView struct {
	state *AgentState
}

// Get returns the scratch value stored under key.
func (v StateView) Get(key string) (json.RawMessage, bool) {
	return v.state.Get(key)
}

// ListTodos returns the current TODO list.
func (v StateView) ListTodos() []Todo {
	return v.state.Todos()
}

// ListFiles returns all virtual file paths.
func (v StateView) ListFiles() []string {
	return v.state.ListFiles("")
}
