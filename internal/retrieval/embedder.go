package retrieval

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// DefaultEmbeddingCacheSize bounds the number of cached query vectors.
const DefaultEmbeddingCacheSize = 512

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// CachedEmbedder memoizes embeddings by text and collapses concurrent
// requests for the same text into one upstream call.
type CachedEmbedder struct {
	next  Embedder
	cache *lru.Cache[string, []float32]
	group singleflight.Group
}

// NewCachedEmbedder wraps next. size <= 0 uses DefaultEmbeddingCacheSize.
func NewCachedEmbedder(next Embedder, size int) (*CachedEmbedder, error) {
	if next == nil {
		return nil, errors.New("retrieval: embedder must not be nil")
	}
	if size <= 0 {
		size = DefaultEmbeddingCacheSize
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embedding cache: %w", err)
	}
	return &CachedEmbedder{next: next, cache: cache}, nil
}

// Embed returns the cached vector for text or fetches it. Failures are not
// cached.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.cache.Get(text); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(text, func() (any, error) {
		vec, err := c.next.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		c.cache.Add(text, vec)
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// Len reports how many vectors are cached.
func (c *CachedEmbedder) Len() int {
	return c.cache.Len()
}
