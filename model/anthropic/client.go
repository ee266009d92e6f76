// Package anthropic provides a fathom.ModelClient backed by the Anthropic
// Claude Messages API. It translates transcripts into Messages calls using
// github.com/anthropics/anthropic-sdk-go and maps responses (text blocks,
// tool-use blocks, stop reason, usage) back into the runtime's block types.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/fathom-ai/fathom"
)

// MessagesClient captures the subset of the Anthropic SDK client used by the
// adapter. It is satisfied by *sdk.MessageService so callers can pass either
// a real client or a mock in tests.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// defaultMaxTokens caps completions when the request does not set one; the
// Messages API requires an explicit value.
const defaultMaxTokens = 4096

// Client implements fathom.ModelClient on top of Anthropic Claude Messages.
// Safe for concurrent use: the lead and all sub-agents may share one handle.
type Client struct {
	msg       MessagesClient
	model     string
	maxTokens int
}

var _ fathom.ModelClient = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithMaxTokens sets the default completion cap used when a request does not
// specify one (default 4096).
func WithMaxTokens(n int) Option {
	return func(c *Client) { c.maxTokens = n }
}

// New builds a client for the given API key and model identifier. Use the
// typed model constants from github.com/anthropics/anthropic-sdk-go.
func New(apiKey, model string, opts ...Option) *Client {
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewFromMessages(&ac.Messages, model, opts...)
}

// NewFromMessages builds a client from an existing Messages client, real or
// mock.
func NewFromMessages(msg MessagesClient, model string, opts ...Option) *Client {
	c := &Client{msg: msg, model: model, maxTokens: defaultMaxTokens}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name implements fathom.ModelClient.
func (c *Client) Name() string { return "anthropic" }

// Complete implements fathom.ModelClient.
func (c *Client) Complete(ctx context.Context, req fathom.ModelRequest) (*fathom.ModelResponse, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return nil, &fathom.ModelError{Provider: c.Name(), Message: err.Error(), Err: err}
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return nil, classify(ctx, err)
	}
	return decodeMessage(msg)
}

// CompleteStream implements fathom.ModelClient. Text deltas and tool-use
// starts are emitted on ch as they arrive; the assembled response is
// returned once the stream ends. ch is not closed (the driver owns it).
func (c *Client) CompleteStream(ctx context.Context, req fathom.ModelRequest, ch chan<- fathom.StreamEvent) (*fathom.ModelResponse, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return nil, &fathom.ModelError{Provider: c.Name(), Message: err.Error(), Err: err}
	}
	stream := c.msg.NewStreaming(ctx, *params)
	defer stream.Close()

	asm := fathom.NewBlockAssembler()
	var stop fathom.StopReason
	var usage fathom.Usage

	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.MessageStartEvent:
			usage.InputTokens += int(ev.Message.Usage.InputTokens)
			usage.OutputTokens += int(ev.Message.Usage.OutputTokens)
		case sdk.ContentBlockStartEvent:
			if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				if tu.ID == "" || tu.Name == "" {
					return nil, &fathom.ModelError{Provider: c.Name(), Message: "stream: tool use block missing id or name"}
				}
				asm.ToolUseStart(tu.ID, tu.Name)
				emitEvent(ctx, ch, fathom.StreamEvent{Type: fathom.EventToolUseStart, ID: tu.ID, Name: tu.Name})
			}
		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text == "" {
					continue
				}
				asm.TextDelta(delta.Text)
				emitEvent(ctx, ch, fathom.StreamEvent{Type: fathom.EventTextDelta, Content: delta.Text})
			case sdk.InputJSONDelta:
				asm.ToolUseInputDelta(delta.PartialJSON)
			}
		case sdk.ContentBlockStopEvent:
			asm.BlockEnd()
		case sdk.MessageDeltaEvent:
			if ev.Delta.StopReason != "" {
				stop = mapStopReason(string(ev.Delta.StopReason))
			}
			usage.OutputTokens += int(ev.Usage.OutputTokens)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	if err := stream.Err(); err != nil {
		return nil, classify(ctx, err)
	}

	blocks := asm.Blocks()
	if len(blocks) == 0 {
		// A stream that ends without producing any block is a truncation:
		// eligible for retry.
		return nil, &fathom.TransientError{Err: errors.New("anthropic: stream ended with no content")}
	}
	if stop == "" {
		stop = fathom.StopEndTurn
	}
	return &fathom.ModelResponse{Blocks: blocks, Stop: stop, Usage: usage}, nil
}

func emitEvent(ctx context.Context, ch chan<- fathom.StreamEvent, ev fathom.StreamEvent) {
	if ch == nil {
		return
	}
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}

// encodeRequest translates a runtime request into Messages API params.
func (c *Client) encodeRequest(req fathom.ModelRequest) (*sdk.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	params := &sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}

	for _, m := range req.Messages {
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Blocks))
		for _, blk := range m.Blocks {
			switch v := blk.(type) {
			case fathom.TextBlock:
				blocks = append(blocks, sdk.NewTextBlock(v.Text))
			case fathom.ToolUseBlock:
				input := v.Input
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, sdk.NewToolUseBlock(v.ID, input, v.Name))
			case fathom.ToolResultBlock:
				blocks = append(blocks, sdk.NewToolResultBlock(v.ID, v.Content, v.IsError))
			default:
				return nil, fmt.Errorf("unknown block type %T", blk)
			}
		}
		switch m.Role {
		case fathom.RoleUser:
			params.Messages = append(params.Messages, sdk.NewUserMessage(blocks...))
		case fathom.RoleAssistant:
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("unknown role %q", m.Role)
		}
	}

	for _, t := range req.Tools {
		schema, err := toolInputSchema(t.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("tool %q: %w", t.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, t.Name)
		if t.Description != "" {
			u.OfTool.Description = sdk.String(t.Description)
		}
		params.Tools = append(params.Tools, u)
	}
	return params, nil
}

func toolInputSchema(raw json.RawMessage) (sdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

// decodeMessage maps a complete API message into a runtime response.
func decodeMessage(msg *sdk.Message) (*fathom.ModelResponse, error) {
	if msg == nil {
		return nil, &fathom.ModelError{Provider: "anthropic", Message: "response message is nil"}
	}
	resp := &fathom.ModelResponse{
		Stop: mapStopReason(string(msg.StopReason)),
		Usage: fathom.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			resp.Blocks = append(resp.Blocks, fathom.TextBlock{Text: block.Text})
		case "tool_use":
			resp.Blocks = append(resp.Blocks, fathom.ToolUseBlock{
				ID:    block.ID,
				Name:  block.Name,
				Input: json.RawMessage(block.Input),
			})
		}
	}
	return resp, nil
}

func mapStopReason(s string) fathom.StopReason {
	switch s {
	case "tool_use":
		return fathom.StopToolUse
	case "max_tokens":
		return fathom.StopMaxTokens
	default:
		return fathom.StopEndTurn
	}
}

// classify wraps provider failures for the runtime's retry policy: 408/429
// and 5xx API errors plus transport-level failures are transient; other API
// errors are fatal. Context cancellation passes through untouched.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if ctx.Err() != nil {
			return err
		}
	}
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		if apierr.StatusCode == 408 || apierr.StatusCode == 429 || apierr.StatusCode >= 500 {
			return &fathom.TransientError{Status: apierr.StatusCode, Err: err}
		}
		return &fathom.ModelError{Provider: "anthropic", Err: err}
	}
	// No typed API error: connection drop, truncated stream, DNS failure.
	return &fathom.TransientError{Err: err}
}
