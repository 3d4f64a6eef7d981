package embedding

import (
	"context"

	"github.com/benbjohnson/clock"

	"execution-insight/backend/internal/config"
	"execution-insight/backend/internal/logging"
)

// Client is the provider chain built from configuration: the HTTP sidecar
// behind retries and a TTL cache, or the local hashing provider when no URL
// is configured.
type Client struct {
	Provider
	http  *HTTPProvider
	cache *Cached
}

func NewClient(cfg config.EmbeddingConfig, clk clock.Clock, logger *logging.Logger) *Client {
	if cfg.URL == "" {
		return &Client{Provider: NewHashing(256)}
	}
	hp := NewHTTPProvider(cfg.URL, cfg.Model, cfg.Timeout)
	retrying := NewRetrying(hp, RetryOptions{
		MaxRetries:      cfg.MaxRetries,
		InitialInterval: cfg.InitialBackoff,
		MaxInterval:     cfg.MaxBackoff,
		Clock:           clk,
		Logger:          logger,
	})
	c := &Client{http: hp}
	if cfg.CacheTTL > 0 {
		c.cache = NewCached(retrying, cfg.CacheTTL, cfg.CacheSize)
		c.Provider = c.cache
	} else {
		c.Provider = retrying
	}
	return c
}

// Ping checks the sidecar. The local provider is always available.
func (c *Client) Ping(ctx context.Context) error {
	if c.http == nil {
		return nil
	}
	return c.http.Ping(ctx)
}

// Run drives cache eviction until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	if c.cache == nil {
		<-ctx.Done()
		return
	}
	c.cache.Run(ctx)
}

// Purge forgets cached embeddings.
func (c *Client) Purge() {
	if c.cache != nil {
		c.cache.Purge()
	}
}
