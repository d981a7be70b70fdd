package llm

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/vinayprograms/memoryd/errors"
	"github.com/vinayprograms/memoryd/telemetry"
)

var fastRetry = RetryConfig{MaxRetries: 2, InitBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}

func TestWithRetryRecoversFromServerErrors(t *testing.T) {
	calls := 0
	out, err := withRetry(context.Background(), fastRetry, "test", func() (string, error) {
		calls++
		if calls < 3 {
			return "", stderrors.New("503 service unavailable")
		}
		return "ok", nil
	})
	if err != nil || out != "ok" {
		t.Fatalf("expected ok, got %q %v", out, err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestWithRetryGivesUp(t *testing.T) {
	calls := 0
	_, err := withRetry(context.Background(), fastRetry, "test", func() (string, error) {
		calls++
		return "", stderrors.New("429 too many requests")
	})
	if !errors.Is(err, errors.ErrCodeUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 1 call plus 2 retries, got %d", calls)
	}
	if errors.GetMetadata(err)["component"] != "llm" {
		t.Errorf("expected llm component, got %v", errors.GetMetadata(err))
	}
}

func TestWithRetryPermanentErrors(t *testing.T) {
	for _, msg := range []string{"invalid model name", "402 payment required"} {
		calls := 0
		_, err := withRetry(context.Background(), fastRetry, "test", func() (string, error) {
			calls++
			return "", stderrors.New(msg)
		})
		if err == nil || calls != 1 {
			t.Errorf("%q: expected one failed attempt, got %d calls, err %v", msg, calls, err)
		}
	}
}

func TestWithRetryNegativeDisables(t *testing.T) {
	calls := 0
	withRetry(context.Background(), RetryConfig{MaxRetries: -1}, "test", func() (int, error) {
		calls++
		return 0, stderrors.New("500 internal server error")
	})
	if calls != 1 {
		t.Errorf("expected no retries, got %d calls", calls)
	}
}

func TestMockProviderQueue(t *testing.T) {
	p := NewMockProvider()
	p.SetResponse("default")
	p.QueueResponses("first", "second")

	var got []string
	for i := 0; i < 3; i++ {
		resp, err := p.Chat(context.Background(), ChatRequest{})
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, resp.Content)
	}
	if got[0] != "first" || got[1] != "second" || got[2] != "default" {
		t.Errorf("unexpected sequence %v", got)
	}
	if p.CallCount() != 3 || len(p.Requests()) != 3 {
		t.Errorf("expected 3 recorded calls")
	}
}

func TestNewProviderSelection(t *testing.T) {
	ctx := context.Background()

	p, err := NewProvider(ctx, ProviderConfig{Model: "GPT-OSS20B", APIKey: "k", BaseURL: "http://localhost:1/v1"})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if _, ok := p.(*OpenAIProvider); !ok {
		t.Errorf("expected openai provider, got %T", p)
	}

	p, err = NewProvider(ctx, ProviderConfig{Model: "claude-3-5-haiku-latest", APIKey: "k"})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if _, ok := p.(*AnthropicProvider); !ok {
		t.Errorf("expected anthropic provider, got %T", p)
	}

	if _, err := NewProvider(ctx, ProviderConfig{Provider: "openai", Model: "m"}); !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("missing key should be invalid input, got %v", err)
	}
	if _, err := NewProvider(ctx, ProviderConfig{Provider: "nope", Model: "m", APIKey: "k"}); !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("unknown provider should be invalid input, got %v", err)
	}
}

func TestInferProviderFromModel(t *testing.T) {
	tests := map[string]string{
		"claude-sonnet-4":  "anthropic",
		"gemini-1.5-flash": "google",
		"GPT-OSS20B":       "openai",
		"llama3.1:8b":      "openai",
	}
	for model, want := range tests {
		if got := InferProviderFromModel(model); got != want {
			t.Errorf("InferProviderFromModel(%q) = %q, want %q", model, got, want)
		}
	}
}

func TestOpenAIProviderChat(t *testing.T) {
	var calls int32
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
			return
		}
		json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "GPT-OSS20B",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "null"}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 1, "total_tokens": 13}
		}`))
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/v1/", Model: "GPT-OSS20B", Retry: fastRetry})
	if err != nil {
		t.Fatalf("NewOpenAIProvider: %v", err)
	}
	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages:    []Message{{Role: "system", Content: "sys"}, {Role: "user", Content: "hi"}},
		Temperature: Temperature(0.1),
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "null" || resp.StopReason != "stop" || resp.InputTokens != 12 {
		t.Errorf("unexpected response %+v", resp)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("expected one retry, got %d calls", calls)
	}
	if body["temperature"] != 0.1 {
		t.Errorf("temperature not sent: %v", body["temperature"])
	}
	if msgs, _ := body["messages"].([]any); len(msgs) != 2 {
		t.Errorf("expected 2 messages, got %v", body["messages"])
	}
}

func TestTracingProviderRecordsPurpose(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(rec))
	tracer := telemetry.NewTracerFromProvider(tp, "test", false)

	mock := NewMockProvider()
	mock.SetResponse("ok")
	p := WithTracing(mock, "mock", tracer)

	if _, err := p.Chat(context.Background(), ChatRequest{Purpose: "summarize"}); err != nil {
		t.Fatal(err)
	}
	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "llm.summarize" {
		t.Errorf("unexpected span name %q", spans[0].Name())
	}
	found := false
	for _, a := range spans[0].Attributes() {
		if string(a.Key) == "llm.purpose" && a.Value.AsString() == "summarize" {
			found = true
		}
	}
	if !found {
		t.Error("purpose attribute missing")
	}
}
