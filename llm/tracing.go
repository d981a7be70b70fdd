package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/vinayprograms/memoryd/telemetry"
)

// TracingProvider wraps a Provider with OpenTelemetry tracing.
type TracingProvider struct {
	provider     Provider
	providerName string
	tracer       *telemetry.Tracer
}

// WithTracing wraps a provider with tracing instrumentation. A nil tracer
// resolves to the global tracer on every call.
func WithTracing(p Provider, providerName string, tracer *telemetry.Tracer) Provider {
	return &TracingProvider{
		provider:     p,
		providerName: providerName,
		tracer:       tracer,
	}
}

// Chat implements Provider with tracing.
func (tp *TracingProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	tracer := tp.tracer
	if tracer == nil {
		tracer = telemetry.GetTracer()
	}

	name := "llm.chat"
	if req.Purpose != "" {
		name = "llm." + req.Purpose
	}
	ctx, span := tracer.StartLLMSpan(ctx, name)

	resp, err := tp.provider.Chat(ctx, req)

	opts := telemetry.LLMSpanOptions{
		Provider: tp.providerName,
		Purpose:  req.Purpose,
	}
	if resp != nil {
		opts.Model = resp.Model
		opts.TokensIn = resp.InputTokens
		opts.TokensOut = resp.OutputTokens
		opts.Response = resp.Content
	}

	// Prompt text is only assembled when it will be recorded.
	if tracer.Debug() {
		var parts []string
		for _, msg := range req.Messages {
			parts = append(parts, fmt.Sprintf("[%s] %s", msg.Role, msg.Content))
		}
		opts.Prompt = strings.Join(parts, "\n")
	}

	tracer.EndLLMSpan(span, opts, err)

	return resp, err
}
