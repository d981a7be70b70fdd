package memory

import (
	"context"
	"strings"

	"github.com/vinayprograms/memoryd/ratelimit"
)

// RateLimitedEmbedder takes one limiter token per Embed call, whatever the
// batch size, since backends limit requests rather than texts.
type RateLimitedEmbedder struct {
	inner    EmbeddingProvider
	limiter  *ratelimit.Limiter
	resource string
}

// WithEmbedRateLimit wraps inner.
func WithEmbedRateLimit(inner EmbeddingProvider, limiter *ratelimit.Limiter, resource string) *RateLimitedEmbedder {
	return &RateLimitedEmbedder{inner: inner, limiter: limiter, resource: resource}
}

// Embed implements EmbeddingProvider.
func (r *RateLimitedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return r.inner.Embed(ctx, texts)
	}
	if err := r.limiter.Acquire(ctx, r.resource); err != nil {
		return nil, err
	}
	vectors, err := r.inner.Embed(ctx, texts)
	if err != nil && rateLimited(err) {
		r.limiter.Reduce(r.resource)
	}
	return vectors, err
}

// Dimension implements EmbeddingProvider.
func (r *RateLimitedEmbedder) Dimension() int {
	return r.inner.Dimension()
}

func rateLimited(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests")
}
