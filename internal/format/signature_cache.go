// Package format provides conversion between Anthropic and Google
// Generative AI formats.
package format

import (
	"context"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/lbjlaq/antigravity-proxy-core/internal/config"
	"github.com/lbjlaq/antigravity-proxy-core/pkg/redis"
)

// SignatureCache caches Gemini thoughtSignatures for tool calls and
// thinking blocks. Gemini requires a thoughtSignature on tool calls, but
// Claude Code strips non-standard fields from the conversation it
// replays back, so the proxy restores the signature from this cache on
// the next turn.
//
// Redis backs the cache when available, for signatures to survive a
// restart and to be shared across replicas. Without Redis it falls back
// to a bounded, TTL-aware in-process cache.
type SignatureCache struct {
	redisClient *redis.Client
	useRedis    bool

	memoryCache   *ristretto.Cache
	thinkingCache *ristretto.Cache
}

// NewSignatureCache creates a new SignatureCache. Pass nil to run without
// Redis and fall back entirely to the in-process cache.
func NewSignatureCache(redisClient *redis.Client) *SignatureCache {
	newHotCache := func() *ristretto.Cache {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 1e5,    // track ~10x the expected key count
			MaxCost:     1 << 24, // 16 MiB of signature strings
			BufferItems: 64,
		})
		if err != nil {
			// ristretto only errors on invalid config; the values above are
			// constant, so this path is unreachable in practice.
			cache = nil
		}
		return cache
	}

	return &SignatureCache{
		redisClient:   redisClient,
		useRedis:      redisClient != nil,
		memoryCache:   newHotCache(),
		thinkingCache: newHotCache(),
	}
}

func (c *SignatureCache) ttl() time.Duration {
	return time.Duration(config.GeminiSignatureCacheTTLMs) * time.Millisecond
}

// CacheSignature stores a signature for a tool_use_id.
// Wait() forces the set to land before the next turn's Get, since
// ristretto applies writes through an async buffer.
func (c *SignatureCache) CacheSignature(toolUseID, signature string) {
	if toolUseID == "" || signature == "" {
		return
	}

	if c.useRedis {
		_ = c.redisClient.SetSignature(context.Background(), toolUseID, signature, c.ttl())
		return
	}

	c.memoryCache.SetWithTTL(toolUseID, signature, int64(len(signature)), c.ttl())
	c.memoryCache.Wait()
}

// GetCachedSignature retrieves a cached signature for a tool_use_id.
func (c *SignatureCache) GetCachedSignature(toolUseID string) string {
	if toolUseID == "" {
		return ""
	}

	if c.useRedis {
		signature, err := c.redisClient.GetSignature(context.Background(), toolUseID)
		if err != nil {
			return ""
		}
		return signature
	}

	value, ok := c.memoryCache.Get(toolUseID)
	if !ok {
		return ""
	}
	signature, _ := value.(string)
	return signature
}

// CacheThinkingSignature caches a thinking block signature with its model family.
func (c *SignatureCache) CacheThinkingSignature(signature, modelFamily string) {
	if signature == "" || len(signature) < config.MinSignatureLength {
		return
	}

	if c.useRedis {
		_ = c.redisClient.SetThinkingSignature(context.Background(), signature, modelFamily, c.ttl())
		return
	}

	c.thinkingCache.SetWithTTL(signature, modelFamily, int64(len(modelFamily)), c.ttl())
	c.thinkingCache.Wait()
}

// GetCachedSignatureFamily returns the cached model family for a thinking signature.
func (c *SignatureCache) GetCachedSignatureFamily(signature string) string {
	if signature == "" {
		return ""
	}

	if c.useRedis {
		family, err := c.redisClient.GetThinkingSignature(context.Background(), signature)
		if err != nil {
			return ""
		}
		return family
	}

	value, ok := c.thinkingCache.Get(signature)
	if !ok {
		return ""
	}
	family, _ := value.(string)
	return family
}

// ClearThinkingSignatureCache clears all entries from the thinking signature cache.
func (c *SignatureCache) ClearThinkingSignatureCache() {
	if c.useRedis {
		// Redis entries expire via TTL; nothing to proactively clear there.
		return
	}
	c.thinkingCache.Clear()
}

var (
	globalSignatureCache *SignatureCache
	signatureCacheOnce   sync.Once
)

// InitGlobalSignatureCache initializes the global signature cache.
func InitGlobalSignatureCache(redisClient *redis.Client) {
	signatureCacheOnce.Do(func() {
		globalSignatureCache = NewSignatureCache(redisClient)
	})
}

// GetGlobalSignatureCache returns the global signature cache instance.
func GetGlobalSignatureCache() *SignatureCache {
	if globalSignatureCache == nil {
		globalSignatureCache = NewSignatureCache(nil)
	}
	return globalSignatureCache
}

// ClearThinkingSignatureCache clears the global thinking signature cache.
func ClearThinkingSignatureCache() {
	GetGlobalSignatureCache().ClearThinkingSignatureCache()
}
