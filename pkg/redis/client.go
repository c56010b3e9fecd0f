// Package redis wraps go-redis with the key-space and helper operations the
// account pool and usage-stats modules build on.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Key prefixes for the proxy's Redis key space.
const (
	PrefixAccounts          = "proxycore:accounts:"
	PrefixAccountIndex      = "proxycore:accounts:index"
	PrefixRateLimits        = "proxycore:ratelimits:"
	PrefixSignatureTool     = "proxycore:signatures:tool:"
	PrefixSignatureThinking = "proxycore:signatures:thinking:"
	PrefixStats             = "proxycore:stats:"
	PrefixTokenCache        = "proxycore:token_cache:"
)

// Config holds the connection parameters for the Redis client.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Client wraps a go-redis client with the domain operations the account
// pool and usage-stats modules need, so callers never reach for the raw
// go-redis API directly.
type Client struct {
	rdb *goredis.Client
}

// NewClient dials Redis and verifies the connection with a PING before
// returning, so callers learn about a bad address immediately rather than
// on the first cache miss.
func NewClient(cfg Config) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the Redis connection is still alive.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Raw returns the underlying go-redis client for operations this wrapper
// doesn't expose.
func (c *Client) Raw() *goredis.Client {
	return c.rdb
}

// Set stores a JSON-encoded value with an optional TTL (0 means no expiry).
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, data, ttl).Err()
}

// Get retrieves a key and JSON-decodes it into dest.
func (c *Client) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// Delete removes one or more keys.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	count, err := c.rdb.Exists(ctx, key).Result()
	return count > 0, err
}

// Expire sets a TTL on an existing key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

// HSet writes fields into a hash. Non-string values are JSON-encoded
// before being stored so HGetAll round-trips through the same codec
// every caller uses.
func (c *Client) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(values)*2)
	for k, v := range values {
		args = append(args, k)
		switch val := v.(type) {
		case string:
			args = append(args, val)
		default:
			data, err := json.Marshal(v)
			if err != nil {
				return err
			}
			args = append(args, string(data))
		}
	}
	return c.rdb.HSet(ctx, key, args...).Err()
}

// HGetAll retrieves every field of a hash.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

// HDel removes fields from a hash.
func (c *Client) HDel(ctx context.Context, key string, fields ...string) error {
	return c.rdb.HDel(ctx, key, fields...).Err()
}

// SAdd adds members to a set, used for the account email index.
func (c *Client) SAdd(ctx context.Context, key string, members ...interface{}) error {
	return c.rdb.SAdd(ctx, key, members...).Err()
}

// SRem removes members from a set.
func (c *Client) SRem(ctx context.Context, key string, members ...interface{}) error {
	return c.rdb.SRem(ctx, key, members...).Err()
}

// SMembers returns every member of a set.
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	return c.rdb.SMembers(ctx, key).Result()
}

// SetString stores a plain string value with an optional TTL.
func (c *Client) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// GetString retrieves a plain string value.
func (c *Client) GetString(ctx context.Context, key string) (string, error) {
	return c.rdb.Get(ctx, key).Result()
}

// IncrBy increments a counter by the given amount, used for stats rollups.
func (c *Client) IncrBy(ctx context.Context, key string, value int64) (int64, error) {
	return c.rdb.IncrBy(ctx, key, value).Result()
}

// HIncrBy increments a single hash field by an integer amount.
func (c *Client) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	return c.rdb.HIncrBy(ctx, key, field, incr).Result()
}

// ScanAll walks the keyspace with SCAN and returns every key matching
// pattern. Safe for production use, unlike KEYS, since it never blocks
// the server for the full scan duration.
func (c *Client) ScanAll(ctx context.Context, pattern string) ([]string, error) {
	var cursor uint64
	var keys []string

	for {
		batch, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	return keys, nil
}

// IsNil reports whether err is the go-redis sentinel for "key not found".
func IsNil(err error) bool {
	return err == goredis.Nil
}

// SetSignature stores a tool-call thought signature with TTL.
func (c *Client) SetSignature(ctx context.Context, toolUseID, signature string, ttl time.Duration) error {
	return c.rdb.Set(ctx, PrefixSignatureTool+toolUseID, signature, ttl).Err()
}

// GetSignature retrieves a cached tool-call thought signature. A miss
// returns an empty string and a nil error rather than redis.Nil, since
// callers treat "no signature cached" as the common case, not a failure.
func (c *Client) GetSignature(ctx context.Context, toolUseID string) (string, error) {
	result, err := c.rdb.Get(ctx, PrefixSignatureTool+toolUseID).Result()
	if err == goredis.Nil {
		return "", nil
	}
	return result, err
}

// SetThinkingSignature records which model family produced a thinking-block
// signature hash, so it can be validated against the model serving a later
// turn in the same conversation.
func (c *Client) SetThinkingSignature(ctx context.Context, signatureHash, modelFamily string, ttl time.Duration) error {
	key := PrefixSignatureThinking + signatureHash
	if err := c.HSet(ctx, key, map[string]interface{}{
		"modelFamily": modelFamily,
		"timestamp":   time.Now().Format(time.RFC3339),
	}); err != nil {
		return err
	}
	return c.Expire(ctx, key, ttl)
}

// GetThinkingSignature retrieves the model family recorded for a thinking
// signature hash, or "" if nothing is cached.
func (c *Client) GetThinkingSignature(ctx context.Context, signatureHash string) (string, error) {
	data, err := c.HGetAll(ctx, PrefixSignatureThinking+signatureHash)
	if err != nil {
		return "", err
	}
	return data["modelFamily"], nil
}
