package memory

import (
	"context"

	"github.com/dgraph-io/ristretto"

	"github.com/vinayprograms/memoryd/errors"
)

// CachedEmbedder caches single-text embeddings, which is what search queries
// look like. Batches go straight to the wrapped provider.
type CachedEmbedder struct {
	inner EmbeddingProvider
	cache *ristretto.Cache
}

// CacheConfig configures the embedding cache.
type CacheConfig struct {
	MaxEntries int64 // default 1024
}

// NewCachedEmbedder wraps inner with a bounded cache.
func NewCachedEmbedder(inner EmbeddingProvider, cfg CacheConfig) (*CachedEmbedder, error) {
	size := cfg.MaxEntries
	if size <= 0 {
		size = 1024
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: size * 10,
		MaxCost:     size,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create embedding cache")
	}
	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

// Embed serves single texts from the cache when possible.
func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) != 1 {
		return c.inner.Embed(ctx, texts)
	}
	if v, ok := c.cache.Get(texts[0]); ok {
		return [][]float32{copyVector(v.([]float32))}, nil
	}
	out, err := c.inner.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(out) == 1 {
		c.cache.Set(texts[0], copyVector(out[0]), 1)
	}
	return out, nil
}

// Dimension returns the wrapped provider's dimension.
func (c *CachedEmbedder) Dimension() int {
	return c.inner.Dimension()
}

// Wait blocks until pending cache writes are visible.
func (c *CachedEmbedder) Wait() {
	c.cache.Wait()
}

// Close releases the cache.
func (c *CachedEmbedder) Close() error {
	c.cache.Close()
	return nil
}

func copyVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
