package quotes

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"portfolio-engine/internal/metrics"
	"portfolio-engine/internal/models"
)

// Cache stores quotes for a bounded time. Implementations are safe for
// concurrent use; the last writer for a key wins.
type Cache interface {
	Name() string
	Get(ctx context.Context, key models.SymbolMarket) (models.Quote, bool)
	Set(ctx context.Context, q models.Quote, ttl time.Duration)
}

// purger is implemented by caches that hold expired entries until purged.
type purger interface {
	Purge() int
}

type memoryEntry struct {
	quote   models.Quote
	expires time.Time
}

// MemoryCache is an in-process TTL cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[models.SymbolMarket]memoryEntry
	now     func() time.Time
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache(now func() time.Time) *MemoryCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryCache{entries: make(map[models.SymbolMarket]memoryEntry), now: now}
}

func (c *MemoryCache) Name() string { return "memory" }

func (c *MemoryCache) Get(_ context.Context, key models.SymbolMarket) (models.Quote, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !c.now().Before(e.expires) {
		return models.Quote{}, false
	}
	return e.quote, true
}

func (c *MemoryCache) Set(_ context.Context, q models.Quote, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[q.Key()] = memoryEntry{quote: q, expires: c.now().Add(ttl)}
	c.mu.Unlock()
}

// Purge drops expired entries.
func (c *MemoryCache) Purge() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// RedisConfig configures the shared Redis tier.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisCache shares quotes between processes. Redis errors degrade to cache
// misses.
type RedisCache struct {
	client *goredis.Client
	prefix string
	logger zerolog.Logger
}

// NewRedisCache connects to Redis and pings the server.
func NewRedisCache(cfg RedisConfig, logger zerolog.Logger) (*RedisCache, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "portfolio:quote:"
	}
	logger.Info().Str("addr", cfg.Addr).Msg("Connected to Redis quote cache")
	return &RedisCache{client: client, prefix: prefix, logger: logger}, nil
}

func (c *RedisCache) Name() string { return "redis" }

func (c *RedisCache) key(k models.SymbolMarket) string {
	return c.prefix + k.String()
}

func (c *RedisCache) Get(ctx context.Context, key models.SymbolMarket) (models.Quote, bool) {
	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if err != goredis.Nil {
			c.logger.Warn().Err(err).Str("key", key.String()).Msg("Redis quote lookup failed")
		}
		return models.Quote{}, false
	}
	var q models.Quote
	if err := json.Unmarshal(raw, &q); err != nil {
		c.logger.Warn().Err(err).Str("key", key.String()).Msg("Discarding undecodable cached quote")
		return models.Quote{}, false
	}
	return q, true
}

func (c *RedisCache) Set(ctx context.Context, q models.Quote, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(q)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(q.Key()), raw, ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", q.Key().String()).Msg("Redis quote store failed")
	}
}

// Close closes the Redis client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// TieredCache checks tiers in order and back-fills faster tiers on a hit in
// a slower one.
type TieredCache struct {
	tiers   []Cache
	metrics *metrics.Metrics
	ttl     time.Duration
}

// NewTieredCache composes caches, fastest first. ttl is used when
// back-filling.
func NewTieredCache(m *metrics.Metrics, ttl time.Duration, tiers ...Cache) *TieredCache {
	return &TieredCache{tiers: tiers, metrics: m, ttl: ttl}
}

func (c *TieredCache) Name() string { return "tiered" }

// Purge drops expired entries from every tier that keeps them in process.
func (c *TieredCache) Purge() int {
	n := 0
	for _, tier := range c.tiers {
		if p, ok := tier.(purger); ok {
			n += p.Purge()
		}
	}
	return n
}

func (c *TieredCache) Get(ctx context.Context, key models.SymbolMarket) (models.Quote, bool) {
	for i, tier := range c.tiers {
		q, ok := tier.Get(ctx, key)
		c.metrics.ObserveCache(tier.Name(), ok)
		if !ok {
			continue
		}
		for _, faster := range c.tiers[:i] {
			faster.Set(ctx, q, c.ttl)
		}
		return q, true
	}
	return models.Quote{}, false
}

func (c *TieredCache) Set(ctx context.Context, q models.Quote, ttl time.Duration) {
	for _, tier := range c.tiers {
		tier.Set(ctx, q, ttl)
	}
}
