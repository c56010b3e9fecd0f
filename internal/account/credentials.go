// Package account implements the Token Manager: the account pool, OAuth
// token refresher, and rate-limit/session-binding state it composes (§4.1).
package account

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lbjlaq/antigravity-proxy-core/internal/auth"
	"github.com/lbjlaq/antigravity-proxy-core/internal/utils"
	"github.com/lbjlaq/antigravity-proxy-core/pkg/redis"
)

// cachedToken holds a short-TTL in-memory access token.
type cachedToken struct {
	Token     string
	ExpiresAt time.Time
}

// RefreshExpiringWindow is a 60 s lead time ahead of token expiry. No code
// path reads it: GetAccessToken reuses a token for a fixed 5 minutes after
// it was obtained and does not look at the token's expires_in.
const RefreshExpiringWindow = 60 * time.Second

// Credentials manages OAuth token refresh and caching for accounts,
// de-duplicating concurrent refreshes for the same account via
// singleflight (§9: "Token refresh de-duplication").
type Credentials struct {
	mu           sync.RWMutex
	redisClient  *redis.Client
	accountStore *redis.AccountStore
	tokenCache   map[string]*cachedToken
	refreshGroup singleflight.Group
	endpoint     auth.Endpoint
	backoff      auth.BackoffConfig
}

// NewCredentials creates a Credentials manager backed by the given Redis
// client (may be nil for an in-memory-only deployment) and OAuth endpoint.
func NewCredentials(redisClient *redis.Client, endpoint auth.Endpoint) *Credentials {
	var accountStore *redis.AccountStore
	if redisClient != nil {
		accountStore = redis.NewAccountStore(redisClient)
	}
	return &Credentials{
		redisClient:  redisClient,
		accountStore: accountStore,
		tokenCache:   make(map[string]*cachedToken),
		endpoint:     endpoint,
		backoff:      auth.DefaultBackoff(),
	}
}

// GetAccessToken returns a valid access token for acc, refreshing it if
// necessary. For OAuth accounts this is refresh_if_expiring's underlying
// mechanism; for manual (API-key) accounts it is a pass-through.
func (c *Credentials) GetAccessToken(ctx context.Context, acc *redis.Account) (string, error) {
	if acc == nil {
		return "", fmt.Errorf("account: nil account")
	}

	if tok, ok := c.fromMemoryCache(acc.Email); ok {
		return tok, nil
	}

	if c.accountStore != nil {
		if cached, err := c.accountStore.GetCachedToken(ctx, acc.Email); err == nil && cached != nil && cached.AccessToken != "" {
			if time.Since(cached.ExtractedAt) < 5*time.Minute {
				c.cacheToken(acc.Email, cached.AccessToken, 5*time.Minute)
				return cached.AccessToken, nil
			}
		}
	}

	token, err := c.refreshIfNeeded(ctx, acc)
	if err != nil {
		return "", err
	}

	c.cacheToken(acc.Email, token, 5*time.Minute)
	if c.accountStore != nil {
		_ = c.accountStore.SetCachedToken(ctx, acc.Email, token, 5*time.Minute)
	}
	return token, nil
}

// refreshIfNeeded obtains a fresh token, coalescing concurrent callers for
// the same account into a single upstream refresh (§3 invariant: at most
// one in-flight refresh per account).
func (c *Credentials) refreshIfNeeded(ctx context.Context, acc *redis.Account) (string, error) {
	switch acc.Source {
	case "manual":
		if acc.APIKey == "" {
			return "", fmt.Errorf("account: no API key for manual account %s", acc.Email)
		}
		return acc.APIKey, nil

	case "oauth":
		if acc.RefreshToken == "" {
			return "", fmt.Errorf("account: no refresh token for account %s", acc.Email)
		}
		result, err, _ := c.refreshGroup.Do(acc.Email, func() (interface{}, error) {
			utils.Debug("[account] refreshing OAuth token for %s", acc.Email)
			// Refresh runs to completion for the benefit of other waiters
			// even if the original caller's context is cancelled (§5).
			refreshCtx, cancel := context.WithTimeout(detach(ctx), 15*time.Second)
			defer cancel()
			r, err := auth.RefreshWithBackoff(refreshCtx, c.endpoint, acc.RefreshToken, c.backoff)
			if err != nil {
				utils.Error("[account] refresh failed for %s: %v", acc.Email, err)
				return nil, err
			}
			utils.Success("[account] refreshed OAuth token for %s", acc.Email)
			return r, nil
		})
		if err != nil {
			return "", err
		}
		return result.(*auth.RefreshResult).AccessToken, nil

	default:
		return "", fmt.Errorf("account: unknown account source %q", acc.Source)
	}
}

func (c *Credentials) fromMemoryCache(email string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tok, ok := c.tokenCache[email]
	if !ok || !tok.ExpiresAt.After(time.Now()) {
		return "", false
	}
	return tok.Token, true
}

func (c *Credentials) cacheToken(email, token string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokenCache[email] = &cachedToken{Token: token, ExpiresAt: time.Now().Add(ttl)}
}

// ClearCache drops all cached in-memory tokens.
func (c *Credentials) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokenCache = make(map[string]*cachedToken)
}

// ClearCacheForAccount drops the cached token for a single account.
func (c *Credentials) ClearCacheForAccount(ctx context.Context, email string) {
	c.mu.Lock()
	delete(c.tokenCache, email)
	c.mu.Unlock()

	if c.accountStore != nil {
		_ = c.accountStore.ClearTokenCache(ctx, email)
	}
}

// IsPermanentAuthFailure reports whether err represents a 400/401 refresh
// rejection that should disable the account rather than be retried.
func IsPermanentAuthFailure(err error) bool {
	_, ok := err.(*auth.Permanent)
	return ok
}

// detachedContext lets a refresh outlive the caller's own cancellation
// while still inheriting no caller-specific deadline.
type detachedContext struct {
	context.Context
}

func (detachedContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (detachedContext) Done() <-chan struct{}       { return nil }
func (detachedContext) Err() error                  { return nil }

func detach(ctx context.Context) context.Context {
	return detachedContext{ctx}
}
