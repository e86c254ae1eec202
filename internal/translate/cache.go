// SPDX-License-Identifier: MIT

package translate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voxsub/voxsub/internal/log"
)

// cacheTTL keeps repeated uploads of the same media cheap without letting
// the cache grow unbounded.
const cacheTTL = 7 * 24 * time.Hour

// Cache memoizes per-segment translations in Redis. Misses and Redis errors
// both read as "not cached"; the cache never fails a translation.
type Cache struct {
	client *redis.Client
}

func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func cacheKey(text, sourceLang, targetLang, model string) string {
	sum := sha256.Sum256([]byte(sourceLang + "|" + targetLang + "|" + model + "|" + text))
	return "trans:" + hex.EncodeToString(sum[:])
}

func (c *Cache) get(ctx context.Context, text, sourceLang, targetLang, model string) (string, bool) {
	if c == nil || c.client == nil {
		return "", false
	}
	val, err := c.client.Get(ctx, cacheKey(text, sourceLang, targetLang, model)).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		logger := log.WithComponent("translate")
		logger.Warn().Err(err).Msg("cache read failed")
		return "", false
	}
	return val, true
}

func (c *Cache) put(ctx context.Context, text, sourceLang, targetLang, model, translated string) {
	if c == nil || c.client == nil {
		return
	}
	key := cacheKey(text, sourceLang, targetLang, model)
	if err := c.client.Set(ctx, key, translated, cacheTTL).Err(); err != nil {
		logger := log.WithComponent("translate")
		logger.Warn().Err(err).Str("key", fmt.Sprintf("%.24s", key)).Msg("cache write failed")
	}
}
