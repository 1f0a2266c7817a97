package adapter

import (
	"context"
	"strconv"

	"github.com/dgraph-io/ristretto"
	"github.com/m-mizutani/goerr/v2"
)

// CachedEmbedder memoizes embeddings keyed by dimensions and text. The
// scheduler embeds the same recency window repeatedly while the feed is quiet.
type CachedEmbedder struct {
	inner Embedder
	cache *ristretto.Cache
}

// NewCachedEmbedder wraps inner with a ristretto cache bounded by maxCost
// bytes of vector data.
func NewCachedEmbedder(inner Embedder, maxCost int64) (*CachedEmbedder, error) {
	counters := maxCost / 64
	if counters < 1024 {
		counters = 1024
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: counters,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create embedding cache", goerr.V("max_cost", maxCost))
	}

	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string, dimensions int) ([]float32, error) {
	key := strconv.Itoa(dimensions) + ":" + text
	if v, ok := c.cache.Get(key); ok {
		if vec, ok := v.([]float32); ok {
			return vec, nil
		}
	}

	vec, err := c.inner.Embed(ctx, text, dimensions)
	if err != nil {
		return nil, err
	}

	c.cache.Set(key, vec, int64(len(vec)*4))
	return vec, nil
}

// Wait blocks until pending cache writes are applied
func (c *CachedEmbedder) Wait() {
	c.cache.Wait()
}

// Close stops the cache goroutines
func (c *CachedEmbedder) Close() {
	c.cache.Close()
}
