package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/haasonsaas/chatline/internal/observability"
)

// CompletionDriver issues single completion requests to an LLMProvider.
// It does no retrying of its own; providers keep their connection-level retry.
type CompletionDriver struct {
	provider LLMProvider
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// NewCompletionDriver wraps a provider. Metrics and tracer may be nil.
func NewCompletionDriver(provider LLMProvider, logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *CompletionDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompletionDriver{
		provider: provider,
		logger:   logger.With("component", "completion_driver"),
		metrics:  metrics,
		tracer:   tracer,
	}
}

// Provider returns the wrapped provider.
func (d *CompletionDriver) Provider() LLMProvider {
	return d.provider
}

// Stream issues one completion request for the given 1-based step.
//
// The returned channel is unbuffered so text reaches the caller as the
// provider produces it. It is always closed. A provider failure arrives as a
// final chunk whose Error is a *CompletionStreamError; Done is never sent
// after an error.
func (d *CompletionDriver) Stream(ctx context.Context, step int, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	if d.provider == nil {
		return nil, &CompletionStreamError{Step: step, Cause: ErrNoProvider}
	}
	name := d.provider.Name()

	spanCtx, span := d.tracer.TraceCompletion(ctx, name, step)
	d.tracer.SetAttributes(span, "llm.model", req.Model, "llm.tools", len(req.Tools), "llm.messages", len(req.Messages))

	start := time.Now()
	upstream, err := d.provider.Complete(spanCtx, req)
	if err != nil {
		streamErr := &CompletionStreamError{Provider: name, Step: step, Cause: err}
		d.tracer.RecordError(span, streamErr)
		span.End()
		d.metrics.ObserveCompletion(name, "error", time.Since(start))
		d.logger.Error("completion request failed", "provider", name, "step", step, "error", err)
		return nil, streamErr
	}

	out := make(chan *CompletionChunk)
	go func() {
		defer close(out)
		defer span.End()

		status := "ok"
		defer func() {
			d.metrics.ObserveCompletion(name, status, time.Since(start))
		}()

		send := func(chunk *CompletionChunk) bool {
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			var (
				chunk *CompletionChunk
				ok    bool
			)
			select {
			case chunk, ok = <-upstream:
			case <-ctx.Done():
				status = "canceled"
				drain(upstream)
				return
			}
			if !ok {
				if ctx.Err() != nil {
					status = "canceled"
				}
				return
			}
			if chunk == nil {
				continue
			}

			if chunk.Error != nil {
				if errors.Is(chunk.Error, context.Canceled) && ctx.Err() != nil {
					status = "canceled"
					drain(upstream)
					return
				}
				status = "error"
				streamErr := &CompletionStreamError{Provider: name, Step: step, Cause: chunk.Error}
				d.tracer.RecordError(span, streamErr)
				d.logger.Error("completion stream failed", "provider", name, "step", step, "error", chunk.Error)
				send(&CompletionChunk{Error: streamErr})
				drain(upstream)
				return
			}

			if chunk.InputTokens > 0 || chunk.OutputTokens > 0 {
				d.metrics.AddTokens(name, chunk.InputTokens, chunk.OutputTokens)
				d.tracer.SetAttributes(span, "llm.input_tokens", chunk.InputTokens, "llm.output_tokens", chunk.OutputTokens)
			}
			if !send(chunk) {
				status = "canceled"
				drain(upstream)
				return
			}
			if chunk.Done {
				drain(upstream)
				return
			}
		}
	}()
	return out, nil
}

// drain consumes the rest of a provider stream in the background so the
// provider goroutine can exit.
func drain(ch <-chan *CompletionChunk) {
	go func() {
		for range ch {
		}
	}()
}
