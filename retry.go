package fathom

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

const defaultRetryBaseDelay = time.Second

// completeWithRetry issues one model request, retrying transient failures
// with exponential backoff and jitter. The transcript is never touched here:
// a failed attempt leaves no trace, so retries re-send an identical request.
//
// In streaming mode, retries only happen while no deltas have been forwarded
// to the caller's channel; once tokens are out, errors pass through to avoid
// duplicating content.
func completeWithRetry(ctx context.Context, cfg loopConfig, req ModelRequest, ch chan<- StreamEvent) (*ModelResponse, error) {
	base := cfg.retryBase
	if base <= 0 {
		base = defaultRetryBaseDelay
	}
	attempts := cfg.modelRetries + 1
	var last error
	for i := 0; i < attempts; i++ {
		resp, tokensSent, err := completeOnce(ctx, cfg, req, ch)
		if err == nil || !IsTransient(err) || tokensSent {
			return resp, err
		}
		last = err
		cfg.logger.Warn("transient model error, retrying",
			"model", cfg.client.Name(), "attempt", i+1, "max", attempts, "error", err)
		if i < attempts-1 {
			timer := time.NewTimer(retryBackoff(base, i))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return nil, last
}

// completeOnce performs a single attempt under the per-request timeout.
// A deadline hit on the per-request budget (with the turn still alive) is
// classified transient so the retry policy applies.
func completeOnce(ctx context.Context, cfg loopConfig, req ModelRequest, ch chan<- StreamEvent) (*ModelResponse, bool, error) {
	reqCtx := ctx
	cancel := context.CancelFunc(func() {})
	if cfg.modelTimeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, cfg.modelTimeout)
	}
	defer cancel()

	if ch == nil {
		resp, err := cfg.client.Complete(reqCtx, req)
		return resp, false, classifyModelErr(ctx, err)
	}

	// Stream through an intermediate channel so we know whether any deltas
	// reached the caller before a failure.
	mid := make(chan StreamEvent, 64)
	var (
		resp      *ModelResponse
		streamErr error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(mid)
		resp, streamErr = cfg.client.CompleteStream(reqCtx, req, mid)
	}()

	var tokensSent bool
	for ev := range mid {
		tokensSent = true
		emit(ctx.Done(), ch, ev)
	}
	<-done
	return resp, tokensSent, classifyModelErr(ctx, streamErr)
}

// classifyModelErr wraps a per-request deadline hit as transient when the
// surrounding turn is still alive; adapter-tagged errors pass through.
func classifyModelErr(turnCtx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && turnCtx.Err() == nil {
		return &TransientError{Err: err}
	}
	return err
}

// retryBackoff returns the delay for retry i (0-indexed).
// Exponential: base * 2^i, plus up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}
