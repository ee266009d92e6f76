package observer

import (
	"context"
	"time"

	"github.com/fathom-ai/fathom"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedModel wraps a fathom.ModelClient with OTEL instrumentation.
type ObservedModel struct {
	inner fathom.ModelClient
	inst  *Instruments
	model string
}

// WrapModel returns an instrumented model client that emits traces and
// metrics for every request. model labels the metrics (the concrete model
// identifier, since Name() only carries the provider).
func WrapModel(inner fathom.ModelClient, model string, inst *Instruments) *ObservedModel {
	return &ObservedModel{inner: inner, inst: inst, model: model}
}

var _ fathom.ModelClient = (*ObservedModel)(nil)

func (o *ObservedModel) Name() string { return o.inner.Name() }

func (o *ObservedModel) Complete(ctx context.Context, req fathom.ModelRequest) (*fathom.ModelResponse, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "model.complete", trace.WithAttributes(
		AttrModelName.String(o.model),
		AttrToolCount.Int(len(req.Tools)),
	))
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Complete(ctx, req)
	o.record(ctx, span, "complete", start, resp, err)
	return resp, err
}

func (o *ObservedModel) CompleteStream(ctx context.Context, req fathom.ModelRequest, ch chan<- fathom.StreamEvent) (*fathom.ModelResponse, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "model.complete_stream", trace.WithAttributes(
		AttrModelName.String(o.model),
		AttrToolCount.Int(len(req.Tools)),
	))
	defer span.End()
	start := time.Now()

	// Count deltas on the way through. The wrapped channel preserves the
	// no-close contract: the driver owns ch.
	mid := make(chan fathom.StreamEvent, 64)
	deltas := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range mid {
			if ev.Type == fathom.EventTextDelta {
				deltas++
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
		}
	}()

	resp, err := o.inner.CompleteStream(ctx, req, mid)
	close(mid)
	<-done

	span.SetAttributes(AttrStreamDeltas.Int(deltas))
	o.record(ctx, span, "complete_stream", start, resp, err)
	return resp, err
}

func (o *ObservedModel) record(ctx context.Context, span trace.Span, method string, start time.Time, resp *fathom.ModelResponse, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	attrs := metric.WithAttributes(
		AttrModelName.String(o.model),
		AttrModelMethod.String(method),
		AttrModelStatus.String(status),
	)
	o.inst.ModelRequests.Add(ctx, 1, attrs)
	o.inst.ModelDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)

	if resp != nil {
		span.SetAttributes(
			AttrTokensInput.Int(resp.Usage.InputTokens),
			AttrTokensOutput.Int(resp.Usage.OutputTokens),
		)
		o.inst.TokenUsage.Add(ctx, int64(resp.Usage.InputTokens), metric.WithAttributes(
			AttrModelName.String(o.model), attribute.String("direction", "input")))
		o.inst.TokenUsage.Add(ctx, int64(resp.Usage.OutputTokens), metric.WithAttributes(
			AttrModelName.String(o.model), attribute.String("direction", "output")))
	}
}
