// Package telemetry wires OpenTelemetry tracing through memoryd: spans
// around model calls, embedding batches, vector store operations and
// consolidation ticks.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps an OpenTelemetry tracer with memoryd span helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // include texts and model output
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the tracer returned by GetTracer.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if none is set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a tracer on the global provider.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{tracer: otel.Tracer(name), debug: debug}
}

// NewTracerFromProvider creates a tracer on an explicit provider.
func NewTracerFromProvider(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{tracer: tp.Tracer(name), debug: debug}
}

// Debug reports whether content is recorded on spans.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a plain span.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- LLM spans ---

// LLMSpanOptions describes a completion call.
type LLMSpanOptions struct {
	Model     string
	Provider  string
	Purpose   string // classify, summarize, consolidate
	TokensIn  int
	TokensOut int
	Prompt    string // debug only
	Response  string // debug only
}

// StartLLMSpan starts a client span for a completion call.
func (t *Tracer) StartLLMSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
}

// EndLLMSpan sets completion attributes and ends the span.
func (t *Tracer) EndLLMSpan(span trace.Span, opts LLMSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("llm.model", opts.Model),
		attribute.String("llm.provider", opts.Provider),
		attribute.Int("llm.tokens.input", opts.TokensIn),
		attribute.Int("llm.tokens.output", opts.TokensOut),
	}
	if opts.Purpose != "" {
		attrs = append(attrs, attribute.String("llm.purpose", opts.Purpose))
	}
	if t.debug {
		if opts.Prompt != "" {
			attrs = append(attrs, attribute.String("llm.prompt", truncate(opts.Prompt, 4000)))
		}
		if opts.Response != "" {
			attrs = append(attrs, attribute.String("llm.response", truncate(opts.Response, 4000)))
		}
	}
	span.SetAttributes(attrs...)
	End(span, err)
}

// --- Embedding spans ---

// StartEmbedSpan starts a span for one embedding batch.
func (t *Tracer) StartEmbedSpan(ctx context.Context, provider, model string, batch int) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "embed."+provider, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("embed.provider", provider),
		attribute.String("embed.model", model),
		attribute.Int("embed.batch", batch),
	)
	return ctx, span
}

// --- Store spans ---

// StoreSpanOptions describes a vector store call.
type StoreSpanOptions struct {
	Backend    string
	Collection string
	Items      int // written, returned or patched
	Filter     map[string]any
}

// StartStoreSpan starts a span for a vector store operation.
func (t *Tracer) StartStoreSpan(ctx context.Context, backend, op string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "store."+op, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("store.backend", backend)))
}

// EndStoreSpan sets store attributes and ends the span.
func (t *Tracer) EndStoreSpan(span trace.Span, opts StoreSpanOptions, err error) {
	span.SetAttributes(
		attribute.String("store.collection", opts.Collection),
		attribute.Int("store.items", opts.Items),
	)
	for k, v := range opts.Filter {
		span.SetAttributes(attribute.String("store.filter."+k, truncateAny(v, 200)))
	}
	End(span, err)
}

// --- Consolidation spans ---

// TickSpanOptions summarizes a consolidation tick.
type TickSpanOptions struct {
	Fetched int
	Groups  int
	Stored  int
	Marked  int
	Failed  []string
	Skipped bool // lock held elsewhere
}

// StartTickSpan starts the root span of a consolidation tick.
func (t *Tracer) StartTickSpan(ctx context.Context, collection string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "consolidate.tick", trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("store.collection", collection)))
}

// EndTickSpan sets tick totals and ends the span.
func (t *Tracer) EndTickSpan(span trace.Span, opts TickSpanOptions, err error) {
	span.SetAttributes(
		attribute.Int("consolidate.fetched", opts.Fetched),
		attribute.Int("consolidate.groups", opts.Groups),
		attribute.Int("consolidate.stored", opts.Stored),
		attribute.Int("consolidate.marked", opts.Marked),
		attribute.Bool("consolidate.skipped", opts.Skipped),
	)
	if len(opts.Failed) > 0 {
		span.SetAttributes(attribute.StringSlice("consolidate.failed", opts.Failed))
	}
	End(span, err)
}

// --- Context propagation ---

// InjectContext writes trace context into carrier.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext reads trace context from carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func truncateAny(v any, maxLen int) string {
	if s, ok := v.(string); ok {
		return truncate(s, maxLen)
	}
	return truncate(fmt.Sprint(v), maxLen)
}
