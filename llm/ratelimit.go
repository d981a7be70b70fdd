package llm

import (
	"context"

	"github.com/vinayprograms/memoryd/ratelimit"
)

// RateLimitedProvider waits for a limiter token before every call and halves
// the rate when the backend still answers with a rate-limit error.
type RateLimitedProvider struct {
	provider Provider
	limiter  *ratelimit.Limiter
	resource string
}

// WithRateLimit wraps p. A resource without a configured rate is unlimited.
func WithRateLimit(p Provider, limiter *ratelimit.Limiter, resource string) Provider {
	return &RateLimitedProvider{provider: p, limiter: limiter, resource: resource}
}

// Chat implements Provider.
func (rp *RateLimitedProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := rp.limiter.Acquire(ctx, rp.resource); err != nil {
		return nil, err
	}
	resp, err := rp.provider.Chat(ctx, req)
	if err != nil && isRateLimitError(err) {
		rp.limiter.Reduce(rp.resource)
	}
	return resp, err
}
