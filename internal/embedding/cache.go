package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Cached memoizes embeddings by text for a limited time.
type Cached struct {
	next  Provider
	cache *ttlcache.Cache[string, Embedding]

	hits, misses atomic.Int64
}

func NewCached(next Provider, ttl time.Duration, capacity uint64) *Cached {
	opts := []ttlcache.Option[string, Embedding]{ttlcache.WithTTL[string, Embedding](ttl)}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, Embedding](capacity))
	}
	return &Cached{next: next, cache: ttlcache.New(opts...)}
}

func (c *Cached) Embed(ctx context.Context, text string) (Embedding, error) {
	key := cacheKey(text)
	if item := c.cache.Get(key); item != nil {
		c.hits.Add(1)
		return copyEmbedding(item.Value()), nil
	}
	c.misses.Add(1)

	emb, err := c.next.Embed(ctx, text)
	if err != nil {
		return Embedding{}, err
	}
	c.cache.Set(key, copyEmbedding(emb), ttlcache.DefaultTTL)
	return emb, nil
}

// Purge drops every cached embedding, e.g. after the model changed.
func (c *Cached) Purge() {
	c.cache.DeleteAll()
}

// Stats returns the hit and miss counts.
func (c *Cached) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Run evicts expired entries until ctx is cancelled.
func (c *Cached) Run(ctx context.Context) {
	go c.cache.Start()

	<-ctx.Done()

	c.cache.Stop()
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func copyEmbedding(e Embedding) Embedding {
	return Embedding{Model: e.Model, Vector: append([]float32(nil), e.Vector...)}
}
