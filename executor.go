package fathom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// defaultMaxParallelTools bounds concurrent tool dispatch within one batch
// when no explicit parallelism is configured.
const defaultMaxParallelTools = 4

const (
	resultCancelled = "cancelled"
	resultTimeout   = "cancelled: timeout"
)

// executor dispatches the tool calls of one assistant message in parallel
// and reassembles their results in request order.
//
// Results may complete in arbitrary order; they are collected into a
// pre-allocated slice indexed by request position and the output is produced
// by walking the input order. Appending results as they complete would leak
// completion order into the transcript and violate the wire protocol.
type executor struct {
	registry    *Registry
	state       *AgentState
	parallel    int
	toolTimeout time.Duration
	sem         chan struct{} // global in-flight cap shared with sub-agents; nil = unbounded
	consent     ConsentFunc
	sessionID   string
	logger      *slog.Logger
}

// executeBatch runs all tool uses concurrently and returns exactly one
// result per use, positionally matched by id. The batch never fails: unknown
// tools, schema rejections, handler errors, panics, timeouts, and
// cancellation all fill their slot with an error result.
func (e *executor) executeBatch(ctx context.Context, uses []ToolUseBlock) []ToolResultBlock {
	if len(uses) == 0 {
		return nil
	}
	results := make([]ToolResultBlock, len(uses))

	// Fast path: single call, no worker pool needed.
	if len(uses) == 1 {
		results[0] = e.runOne(ctx, uses[0])
		return results
	}

	type workItem struct {
		idx int
		use ToolUseBlock
	}
	type indexedResult struct {
		idx    int
		result ToolResultBlock
	}

	workCh := make(chan workItem, len(uses))
	for i, u := range uses {
		workCh <- workItem{idx: i, use: u}
	}
	close(workCh)

	resultCh := make(chan indexedResult, len(uses))

	parallel := e.parallel
	if parallel <= 0 {
		parallel = defaultMaxParallelTools
	}
	numWorkers := min(len(uses), parallel)
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for range numWorkers {
		go func() {
			defer wg.Done()
			for w := range workCh {
				if ctx.Err() != nil {
					resultCh <- indexedResult{w.idx, errResult(w.use.ID, resultCancelled)}
					continue
				}
				resultCh <- indexedResult{w.idx, e.runOne(ctx, w.use)}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	// Collect into position slots; if ctx is cancelled while calls are
	// in-flight, fill the remaining slots so the batch still returns
	// exactly len(uses) results.
	seen := make([]bool, len(uses))
	received := 0
collect:
	for received < len(uses) {
		select {
		case r, ok := <-resultCh:
			if !ok {
				break collect
			}
			results[r.idx] = r.result
			seen[r.idx] = true
			received++
		case <-ctx.Done():
			for i := range results {
				if !seen[i] {
					results[i] = errResult(uses[i].ID, resultCancelled)
				}
			}
			return results
		}
	}
	for i := range results {
		if !seen[i] {
			results[i] = errResult(uses[i].ID, "result not received")
		}
	}
	return results
}

// runOne executes a single tool call through the full gate sequence:
// lookup, consent, schema validation, global semaphore, per-call timeout,
// state lease, handler. Every failure mode becomes an error result in the
// call's slot.
func (e *executor) runOne(ctx context.Context, u ToolUseBlock) ToolResultBlock {
	d, ok := e.registry.Lookup(u.Name)
	if !ok {
		return errResult(u.ID, "unknown tool: "+u.Name)
	}
	if e.consent != nil {
		if err := e.consent(ctx, u.Name, u.Input); err != nil {
			return errResult(u.ID, "consent denied: "+err.Error())
		}
	}
	if err := e.registry.ValidateInput(u.Name, u.Input); err != nil {
		return errResult(u.ID, err.Error())
	}

	holdsToken := e.sem != nil && !d.orchestrator
	if holdsToken {
		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			return errResult(u.ID, resultCancelled)
		}
	}

	callCtx := ctx
	cancel := context.CancelFunc(func() {})
	if e.toolTimeout > 0 && !d.orchestrator {
		callCtx, cancel = context.WithTimeout(ctx, e.toolTimeout)
	}

	// The handler runs in its own goroutine so a handler that ignores
	// cancellation past its deadline cannot stall the batch: the slot is
	// filled at the deadline and the goroutine drains on its own. The
	// state lease and semaphore token are held until the handler actually
	// returns.
	done := make(chan ToolResultBlock, 1)
	start := time.Now()
	go func() {
		defer cancel()
		if holdsToken {
			defer func() { <-e.sem }()
		}
		if d.Effect == EffectState {
			e.state.acquireLease()
			defer e.state.releaseLease()
		}
		done <- e.invoke(callCtx, ctx, d, u)
	}()

	select {
	case r := <-done:
		e.logger.Debug("tool call finished",
			"tool", u.Name, "id", u.ID, "error", r.IsError, "duration", time.Since(start))
		return r
	case <-callCtx.Done():
		if ctx.Err() != nil {
			e.logger.Debug("tool call cancelled", "tool", u.Name, "id", u.ID)
			return errResult(u.ID, resultCancelled)
		}
		e.logger.Warn("tool call timed out", "tool", u.Name, "id", u.ID, "timeout", e.toolTimeout)
		return errResult(u.ID, resultTimeout)
	}
}

// invoke calls the handler with panic recovery, classifying cooperative
// cancellation returns against the parent context.
func (e *executor) invoke(ctx, parent context.Context, d ToolDescriptor, u ToolUseBlock) (res ToolResultBlock) {
	defer func() {
		if p := recover(); p != nil {
			res = errResult(u.ID, fmt.Sprintf("tool %q panic: %v", u.Name, p))
		}
	}()

	payload, err := d.Handler(ctx, u.Input, &ToolContext{State: e.state, SessionID: e.sessionID})
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil:
			return errResult(u.ID, resultTimeout)
		case errors.Is(err, context.Canceled):
			return errResult(u.ID, resultCancelled)
		}
		return errResult(u.ID, err.Error())
	}

	content, err := encodePayload(payload)
	if err != nil {
		return errResult(u.ID, fmt.Sprintf("tool %q returned unserializable payload: %v", u.Name, err))
	}
	return ToolResultBlock{ID: u.ID, Content: content}
}

func errResult(id, diagnostic string) ToolResultBlock {
	return ToolResultBlock{ID: id, IsError: true, Content: diagnostic}
}

// encodePayload converts a handler's return value into result content.
// Strings pass through verbatim; everything else is JSON-encoded.
func encodePayload(payload any) (string, error) {
	switch v := payload.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case json.RawMessage:
		return string(v), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
