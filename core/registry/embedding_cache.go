package registry

import (
	"time"

	"github.com/dgraph-io/ristretto"
)

const (
	embedCacheCounters = 1e5
	embedCacheMaxCost  = 1 << 24 // 16MiB of vectors
	embedCacheBuffer   = 64
	embedCacheTTL      = 30 * time.Minute
)

// embeddingCache memoizes query embeddings so repeated Discover calls for
// the same query skip the provider round trip. Approximate admission is
// fine here: entries are recomputable.
type embeddingCache struct {
	cache *ristretto.Cache
}

func newEmbeddingCache() (*embeddingCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: embedCacheCounters,
		MaxCost:     embedCacheMaxCost,
		BufferItems: embedCacheBuffer,
	})
	if err != nil {
		return nil, err
	}
	return &embeddingCache{cache: cache}, nil
}

func (c *embeddingCache) get(query string) ([]float32, bool) {
	value, found := c.cache.Get(query)
	if !found {
		return nil, false
	}
	vector, ok := value.([]float32)
	return vector, ok
}

func (c *embeddingCache) set(query string, vector []float32) {
	cost := int64(len(vector)*4 + len(query))
	c.cache.SetWithTTL(query, vector, cost, embedCacheTTL)
}

func (c *embeddingCache) close() {
	c.cache.Close()
}
