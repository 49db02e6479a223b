// Redis caching for query embeddings. Embedding a query is the slowest
// non-LLM step of retrieval, and repeated questions are common, so hits
// save a round trip to the embedding model.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"
)

// CacheConfig holds configuration for the cache manager.
type CacheConfig struct {
	Prefix       string
	EmbeddingTTL time.Duration
}

// DefaultCacheConfig returns the default cache configuration.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Prefix:       "kb",
		EmbeddingTTL: 1 * time.Hour,
	}
}

// CacheMetrics tracks hit/miss statistics.
type CacheMetrics struct {
	EmbeddingHits   uint64
	EmbeddingMisses uint64
	Errors          uint64
}

// EmbeddingCache caches query embeddings in Redis. A nil or unreachable
// Redis degrades to pass-through; retrieval never fails because the cache
// is down.
type EmbeddingCache struct {
	client  RedisClient
	config  CacheConfig
	logger  *slog.Logger
	metrics *CacheMetrics
	healthy bool
}

// NewEmbeddingCache creates a cache backed by the given Redis client.
func NewEmbeddingCache(client RedisClient, logger *slog.Logger, config CacheConfig) *EmbeddingCache {
	if logger == nil {
		logger = slog.Default()
	}

	c := &EmbeddingCache{
		client:  client,
		config:  config,
		logger:  logger.With("component", "embedding_cache"),
		metrics: &CacheMetrics{},
		healthy: true,
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx); err != nil {
			c.logger.Warn("Redis connection failed, embedding cache disabled", "error", err)
			c.healthy = false
		}
	} else {
		c.healthy = false
	}

	return c
}

// IsHealthy reports whether the cache is operational.
func (c *EmbeddingCache) IsHealthy() bool {
	return c.healthy && c.client != nil
}

// Metrics returns a snapshot of hit/miss counters.
func (c *EmbeddingCache) Metrics() CacheMetrics {
	return CacheMetrics{
		EmbeddingHits:   atomic.LoadUint64(&c.metrics.EmbeddingHits),
		EmbeddingMisses: atomic.LoadUint64(&c.metrics.EmbeddingMisses),
		Errors:          atomic.LoadUint64(&c.metrics.Errors),
	}
}

// Get retrieves a cached embedding for a query text.
func (c *EmbeddingCache) Get(ctx context.Context, query string) ([]float32, bool) {
	if !c.IsHealthy() {
		return nil, false
	}

	data, err := c.client.Get(ctx, c.key(query))
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			atomic.AddUint64(&c.metrics.Errors, 1)
		}
		atomic.AddUint64(&c.metrics.EmbeddingMisses, 1)
		return nil, false
	}

	embedding, err := decodeEmbedding([]byte(data))
	if err != nil {
		c.logger.Error("failed to decode cached embedding", "error", err)
		atomic.AddUint64(&c.metrics.Errors, 1)
		return nil, false
	}

	atomic.AddUint64(&c.metrics.EmbeddingHits, 1)
	c.logger.Debug("embedding cache hit", "query_hash", hashQuery(query))
	return embedding, true
}

// Set caches an embedding for a query text. Failures are logged and
// swallowed.
func (c *EmbeddingCache) Set(ctx context.Context, query string, embedding []float32) {
	if !c.IsHealthy() {
		return
	}

	if err := c.client.Set(ctx, c.key(query), encodeEmbedding(embedding), c.config.EmbeddingTTL); err != nil {
		c.logger.Error("failed to cache embedding", "error", err)
		atomic.AddUint64(&c.metrics.Errors, 1)
	}
}

// InvalidateAll clears every cached embedding.
func (c *EmbeddingCache) InvalidateAll(ctx context.Context) error {
	if !c.IsHealthy() {
		return nil
	}

	pattern := fmt.Sprintf("%s:embed:*", c.config.Prefix)
	keys, err := c.client.Keys(ctx, pattern)
	if err != nil {
		c.logger.Warn("failed to list cache keys", "error", err)
		return err
	}
	if len(keys) > 0 {
		if err := c.client.Del(ctx, keys...); err != nil {
			return err
		}
	}
	c.logger.Info("invalidated embedding cache", "keys_deleted", len(keys))
	return nil
}

// Close closes the underlying Redis client.
func (c *EmbeddingCache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func (c *EmbeddingCache) key(query string) string {
	return fmt.Sprintf("%s:embed:%s", c.config.Prefix, hashQuery(query))
}

// hashQuery hashes the query for use as a cache key.
func hashQuery(query string) string {
	h := sha256.Sum256([]byte(query))
	return hex.EncodeToString(h[:16])
}

// encodeEmbedding converts a float32 slice to bytes.
func encodeEmbedding(embedding []float32) []byte {
	buf := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeEmbedding converts bytes back to a float32 slice.
func decodeEmbedding(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("invalid embedding data length: %d", len(data))
	}
	embedding := make([]float32, len(data)/4)
	for i := range embedding {
		embedding[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return embedding, nil
}
