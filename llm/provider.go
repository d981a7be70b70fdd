// Package llm provides completion providers and the two model-backed
// components of memoryd: the Classifier and the Summarizer.
package llm

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vinayprograms/memoryd/errors"
)

// Message represents an LLM message.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// ChatRequest represents a chat request to the LLM.
type ChatRequest struct {
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`

	// Purpose labels the call in traces (classify, summarize, consolidate).
	Purpose string `json:"-"`
}

// ChatResponse represents a chat response from the LLM.
type ChatResponse struct {
	Content      string `json:"content"`
	StopReason   string `json:"stop_reason"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	Model        string `json:"model"`
}

// Provider is the interface for LLM providers.
type Provider interface {
	// Chat sends a chat request and returns the response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Temperature returns a pointer for ChatRequest.Temperature.
func Temperature(t float64) *float64 { return &t }

// ProviderConfig holds configuration for NewProvider.
type ProviderConfig struct {
	Provider  string      `json:"provider"` // openai, anthropic, google
	Model     string      `json:"model"`
	APIKey    string      `json:"api_key"`
	BaseURL   string      `json:"base_url"` // OpenAI-compatible endpoint
	MaxTokens int         `json:"max_tokens"`
	Retry     RetryConfig `json:"retry"`
}

// RetryConfig holds retry settings for LLM calls.
type RetryConfig struct {
	MaxRetries  int           `json:"max_retries"`  // default 2
	InitBackoff time.Duration `json:"init_backoff"` // default 1s
	MaxBackoff  time.Duration `json:"max_backoff"`  // default 10s
}

// Validate validates the configuration.
func (c *ProviderConfig) Validate() error {
	if c.Provider == "" {
		return errors.InvalidInput("provider is required")
	}
	if c.Model == "" {
		return errors.InvalidInput("model is required")
	}
	if c.APIKey == "" {
		return errors.Newf(errors.ErrCodeInvalidInput, "api key is required for %s", c.Provider)
	}
	return nil
}

// ApplyDefaults fills MaxTokens when unset.
func (c *ProviderConfig) ApplyDefaults() {
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
}

// Retry configuration defaults
const (
	defaultMaxTokens   = 1024
	defaultMaxRetries  = 2
	defaultInitBackoff = time.Second
	defaultMaxBackoff  = 10 * time.Second
	backoffFactor      = 2.0
)

func (r RetryConfig) effective() (maxRetries int, initBackoff, maxBackoff time.Duration) {
	maxRetries = r.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	initBackoff = r.InitBackoff
	if initBackoff <= 0 {
		initBackoff = defaultInitBackoff
	}
	maxBackoff = r.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	return
}

// withRetry runs call until it succeeds, fails permanently or runs out of
// attempts. Every failure is returned as an upstream error.
func withRetry[T any](ctx context.Context, retry RetryConfig, provider string, call func() (T, error)) (T, error) {
	maxRetries, backoff, maxBackoff := retry.effective()
	var zero T

	for attempt := 0; ; attempt++ {
		resp, err := call()
		if err == nil {
			return resp, nil
		}

		if isBillingError(err) {
			return zero, errors.Upstream("llm", provider+" billing/payment error", err,
				errors.WithRetryable(false))
		}
		if !isRetryableError(err) {
			return zero, errors.Upstream("llm", provider+" request failed", err)
		}
		if attempt >= maxRetries {
			return zero, errors.Upstream("llm", provider+" request failed after retries", err,
				errors.WithMetadata("attempts", strconv.Itoa(attempt+1)))
		}

		select {
		case <-ctx.Done():
			return zero, errors.Wrap(ctx.Err(), provider+" request aborted")
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * backoffFactor)
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// isRateLimitError checks if the error is a rate limit error.
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "overloaded") ||
		strings.Contains(errStr, "capacity")
}

// isServerError checks if the error is a transient server error (5xx).
func isServerError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout") ||
		strings.Contains(errStr, "temporarily unavailable")
}

// isRetryableError checks if the error is retryable (rate limit or server error).
func isRetryableError(err error) bool {
	return isRateLimitError(err) || isServerError(err)
}

// isBillingError checks if the error is a billing/payment/quota error (fatal, no retry).
func isBillingError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "billing") ||
		strings.Contains(errStr, "payment") ||
		strings.Contains(errStr, "credits") ||
		strings.Contains(errStr, "quota exceeded") ||
		strings.Contains(errStr, "insufficient") ||
		strings.Contains(errStr, "402") ||
		strings.Contains(errStr, "subscription")
}

// --- Mock Provider for Testing ---

// MockProvider is a scripted provider for tests. Queued responses are served
// first, then the default response.
type MockProvider struct {
	mu        sync.Mutex
	response  string
	queue     []string
	err       error
	requests  []ChatRequest
	callCount int

	// ChatFunc can be overridden for custom behavior
	ChatFunc func(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// NewMockProvider creates a new mock provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

// SetResponse sets the default response content.
func (p *MockProvider) SetResponse(content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.response = content
}

// QueueResponses appends responses served one per call before the default.
func (p *MockProvider) QueueResponses(contents ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, contents...)
}

// SetError sets an error to return.
func (p *MockProvider) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// LastRequest returns the last request, or nil.
func (p *MockProvider) LastRequest() *ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return nil
	}
	req := p.requests[len(p.requests)-1]
	return &req
}

// Requests returns every request received.
func (p *MockProvider) Requests() []ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ChatRequest(nil), p.requests...)
}

// CallCount returns the number of Chat calls made.
func (p *MockProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callCount
}

// Chat implements the Provider interface.
func (p *MockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	p.mu.Lock()
	p.callCount++
	p.requests = append(p.requests, req)
	fn := p.ChatFunc
	err := p.err
	content := p.response
	if len(p.queue) > 0 {
		content = p.queue[0]
		p.queue = p.queue[1:]
	}
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	return &ChatResponse{Content: content, StopReason: "end_turn", Model: "mock"}, nil
}
