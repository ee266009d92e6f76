package fathom

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitClient wraps a ModelClient with a minimum spacing between
// requests. The limit is scoped to the wrapped client instance: the lead and
// every sub-agent sharing the handle draw from the same budget, which is the
// behavior rate-limited providers actually meter.
type rateLimitClient struct {
	inner   ModelClient
	limiter *rate.Limiter
}

// WithRateLimit wraps client so consecutive requests are spaced at least
// minInterval apart. Compose like any other client wrapper:
//
//	client = fathom.WithRateLimit(anthropic.New(key, model), 500*time.Millisecond)
func WithRateLimit(client ModelClient, minInterval time.Duration) ModelClient {
	return &rateLimitClient{
		inner:   client,
		limiter: rate.NewLimiter(rate.Every(minInterval), 1),
	}
}

func (r *rateLimitClient) Name() string { return r.inner.Name() }

func (r *rateLimitClient) Complete(ctx context.Context, req ModelRequest) (*ModelResponse, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.Complete(ctx, req)
}

func (r *rateLimitClient) CompleteStream(ctx context.Context, req ModelRequest, ch chan<- StreamEvent) (*ModelResponse, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.CompleteStream(ctx, req, ch)
}

// compile-time check
var _ ModelClient = (*rateLimitClient)(nil)
