package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// cacheTTL keeps completions around long enough to ride out a provider
// outage without serving ancient results.
const cacheTTL = 24 * time.Hour

// Cache stores recent completions in Redis, keyed by a hash of the request.
// It backs the degraded path: when the LLM breaker is open, the last good
// answer for the same prompt is better than nothing.
type Cache struct {
	rdb *redis.Client
}

// NewCache wraps an existing Redis client. Callers treat a nil cache as
// "no fallback storage" and degrade to schema-preserving empty responses.
func NewCache(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// Key derives the cache key for a request. Same model + prompts → same key.
func Key(model string, req Request) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(req.SystemPrompt))
	h.Write([]byte{0})
	h.Write([]byte(req.UserPrompt))
	return "llm:completion:" + hex.EncodeToString(h.Sum(nil))[:32]
}

// Get returns the cached response for key, or nil on miss.
func (c *Cache) Get(ctx context.Context, key string) (*Response, error) {
	val, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var resp Response
	if err := json.Unmarshal(val, &resp); err != nil {
		return nil, fmt.Errorf("corrupt cache entry %s: %w", key, err)
	}
	return &resp, nil
}

// Put stores a successful response. Failures are logged, never propagated:
// caching is opportunistic.
func (c *Cache) Put(ctx context.Context, key string, resp *Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, payload, cacheTTL).Err(); err != nil {
		slog.Warn("LLM cache write failed", "key", key, "err", err)
	}
}
