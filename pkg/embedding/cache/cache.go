// Package cache provides a two-tier read-through cache for embedding
// vectors: a bounded in-memory LRU in front of an optional Redis tier.
// Redis outages degrade the cache to memory-only; they never surface as
// embed failures.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/developer-mesh/rag-core/pkg/observability"
)

// ErrNotFound is returned by the Redis tier when a key is absent.
var ErrNotFound = errors.New("key not found in cache")

// Cache stores embedding vectors keyed by model and input text.
type Cache interface {
	// Get returns the cached vector for (model, text), if any. Backend
	// failures are reported as misses.
	Get(ctx context.Context, model, text string) ([]float32, bool)

	// Set stores the vector under (model, text).
	Set(ctx context.Context, model, text string, vec []float32) error

	// Close releases backend connections.
	Close() error
}

// Key derives the cache key for a model and text. Hashing keeps keys
// fixed-length regardless of input size.
func Key(model, text string) string {
	sum := sha256.Sum256([]byte(model + "|" + text))
	return "emb:" + hex.EncodeToString(sum[:])
}

// Config tunes the tiered cache. RedisAddr empty means memory-only.
type Config struct {
	L1Size        int           `mapstructure:"l1_size"`
	TTL           time.Duration `mapstructure:"ttl"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
}

func (c Config) withDefaults() Config {
	if c.L1Size == 0 {
		c.L1Size = 2048
	}
	if c.TTL == 0 {
		c.TTL = 24 * time.Hour
	}
	return c
}

// TieredCache is the L1 (LRU) + L2 (Redis) implementation of Cache.
type TieredCache struct {
	l1     *lru.Cache[string, []float32]
	l2     *redis.Client
	ttl    time.Duration
	logger observability.Logger
}

var _ Cache = (*TieredCache)(nil)

// NewTieredCache builds the cache. When cfg.RedisAddr is set the Redis tier
// is pinged once; an unreachable server fails construction rather than
// silently running memory-only.
func NewTieredCache(cfg Config, logger observability.Logger) (*TieredCache, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = observability.NewStandardLogger("embedding.cache")
	}

	l1, err := lru.New[string, []float32](cfg.L1Size)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}

	c := &TieredCache{l1: l1, ttl: cfg.TTL, logger: logger}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		c.l2 = client
	}

	return c, nil
}

// Get checks L1 first, then Redis. A Redis hit is promoted into L1.
func (c *TieredCache) Get(ctx context.Context, model, text string) ([]float32, bool) {
	key := Key(model, text)

	if vec, ok := c.l1.Get(key); ok {
		return vec, true
	}
	if c.l2 == nil {
		return nil, false
	}

	vec, err := c.l2Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger.Warn("redis cache read failed, treating as miss", map[string]interface{}{
				"error": err.Error(),
			})
		}
		return nil, false
	}

	c.l1.Add(key, vec)
	return vec, true
}

// Set writes through both tiers. Redis write failures are logged and
// swallowed so the caller's embed path stays healthy.
func (c *TieredCache) Set(ctx context.Context, model, text string, vec []float32) error {
	key := Key(model, text)
	c.l1.Add(key, vec)

	if c.l2 == nil {
		return nil
	}

	data, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}
	if err := c.l2.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("redis cache write failed, keeping L1 only", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return nil
}

// Close shuts down the Redis tier if present.
func (c *TieredCache) Close() error {
	if c.l2 == nil {
		return nil
	}
	return c.l2.Close()
}

func (c *TieredCache) l2Get(ctx context.Context, key string) ([]float32, error) {
	data, err := c.l2.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached embedding: %w", err)
	}
	return vec, nil
}
