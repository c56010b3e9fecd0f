// Package redis provides the account pool's persistence layer: account
// records, per-model rate-limit state, and cached access tokens.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Account is a configured upstream account as stored in Redis.
type Account struct {
	Email        string `json:"email"`
	Source       string `json:"source"` // "oauth", "manual", "database"
	Enabled      bool   `json:"enabled"`
	RefreshToken string `json:"refreshToken,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	ProjectID    string `json:"projectId,omitempty"`

	Subscription *SubscriptionInfo `json:"subscription,omitempty"`

	QuotaThreshold       *float64           `json:"quotaThreshold,omitempty"`
	ModelQuotaThresholds map[string]float64 `json:"modelQuotaThresholds,omitempty"`
	Quota                *QuotaInfo         `json:"quota,omitempty"`

	// ModelRateLimits is not filled in by AccountStore's reads (rate-limit
	// state stays under the per-scope keys read by GetRateLimit), and it is
	// never written back through SetAccount.
	ModelRateLimits map[string]*RateLimitInfo `json:"modelRateLimits,omitempty"`

	LastUsed      int64  `json:"lastUsed,omitempty"`
	IsInvalid     bool   `json:"isInvalid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	InvalidAt     int64  `json:"invalidAt,omitempty"`

	// Cooldown tracking lives in the scheduler's in-memory state, not Redis.
	CoolingDownUntil int64  `json:"-"`
	CooldownReason   string `json:"-"`
}

// SubscriptionInfo is the detected subscription tier for an account.
type SubscriptionInfo struct {
	Tier       string `json:"tier"` // "free", "pro", "ultra"
	ProjectID  string `json:"projectId,omitempty"`
	DetectedAt int64  `json:"detectedAt"`
}

// QuotaInfo is the last-observed per-model quota snapshot for an account.
type QuotaInfo struct {
	Models      map[string]*ModelQuotaInfo `json:"models"`
	LastChecked int64                      `json:"lastChecked,omitempty"`
}

// ModelQuotaInfo is the remaining quota fraction for a single model.
type ModelQuotaInfo struct {
	RemainingFraction float64 `json:"remainingFraction"`
	ResetTime         string  `json:"resetTime,omitempty"`
}

// rateLimitScope is what a rate-limit entry applies to: the account as a
// whole, or a single model served by that account.
type rateLimitScope string

const scopeAccountWide rateLimitScope = "*"

// RateLimitInfo is the rate-limit state recorded for one scope.
type RateLimitInfo struct {
	IsRateLimited bool  `json:"isRateLimited"`
	ResetTime     int64 `json:"resetTime,omitempty"`     // Unix ms
	ActualResetMs int64 `json:"actualResetMs,omitempty"` // duration ms
}

// CachedToken is a short-lived access token extracted from a refresh.
type CachedToken struct {
	AccessToken string    `json:"accessToken"`
	ExtractedAt time.Time `json:"extractedAt"`
}

// AccountStore is the Redis-backed persistence for the account pool:
// account records, rate-limit state keyed by (email, scope), and cached
// access tokens. GetAccount, SetAccount and ListAccounts check for a nil
// client (an error, or an empty list from ListAccounts); the other methods
// use the client without that check and need a non-nil one.
type AccountStore struct {
	client *Client
}

// NewAccountStore wraps client for account-pool storage.
func NewAccountStore(client *Client) *AccountStore {
	return &AccountStore{client: client}
}

// IsAvailable reports whether a live Redis connection backs this store.
func (s *AccountStore) IsAvailable() bool {
	return s != nil && s.client != nil
}

// rateLimitKey builds the key for a rate-limit scope. An empty modelID
// addresses the account-wide scope rather than a specific model, mirroring
// how a 429 without a model header blocks the whole account.
func rateLimitKey(email, modelID string) string {
	scope := rateLimitScope(modelID)
	if scope == "" {
		scope = scopeAccountWide
	}
	return PrefixRateLimits + email + ":" + string(scope)
}

// GetAccount retrieves one account by email, or (nil, nil) if absent.
func (s *AccountStore) GetAccount(ctx context.Context, email string) (*Account, error) {
	if s.client == nil {
		return nil, fmt.Errorf("redis client not available")
	}
	data, err := s.client.HGetAll(ctx, PrefixAccounts+email)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	acc := &Account{
		Email:                email,
		ModelQuotaThresholds: make(map[string]float64),
	}

	if v, ok := data["source"]; ok {
		acc.Source = v
	}
	if v, ok := data["enabled"]; ok {
		acc.Enabled = v == "true"
	}
	if v, ok := data["refreshToken"]; ok {
		acc.RefreshToken = v
	}
	if v, ok := data["apiKey"]; ok {
		acc.APIKey = v
	}
	if v, ok := data["projectId"]; ok {
		acc.ProjectID = v
	}
	if v, ok := data["isInvalid"]; ok {
		acc.IsInvalid = v == "true"
	}
	if v, ok := data["invalidReason"]; ok {
		acc.InvalidReason = v
	}
	if v, ok := data["lastUsed"]; ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			acc.LastUsed = t.UnixMilli()
		}
	}
	if v, ok := data["invalidAt"]; ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			acc.InvalidAt = t.UnixMilli()
		}
	}
	if v, ok := data["quotaThreshold"]; ok {
		var f float64
		if err := json.Unmarshal([]byte(v), &f); err == nil {
			acc.QuotaThreshold = &f
		}
	}
	if v, ok := data["subscription"]; ok {
		var sub SubscriptionInfo
		if err := json.Unmarshal([]byte(v), &sub); err == nil {
			acc.Subscription = &sub
		}
	}
	if v, ok := data["quota"]; ok {
		var quota QuotaInfo
		if err := json.Unmarshal([]byte(v), &quota); err == nil {
			acc.Quota = &quota
		}
	}
	if v, ok := data["modelQuotaThresholds"]; ok {
		var thresholds map[string]float64
		if err := json.Unmarshal([]byte(v), &thresholds); err == nil {
			acc.ModelQuotaThresholds = thresholds
		}
	}

	return acc, nil
}

// SetAccount writes an account's hash fields and adds it to the email index.
func (s *AccountStore) SetAccount(ctx context.Context, acc *Account) error {
	if s.client == nil {
		return fmt.Errorf("redis client not available")
	}
	key := PrefixAccounts + acc.Email
	values := map[string]interface{}{
		"email":     acc.Email,
		"source":    acc.Source,
		"enabled":   fmt.Sprintf("%t", acc.Enabled),
		"isInvalid": fmt.Sprintf("%t", acc.IsInvalid),
	}

	if acc.RefreshToken != "" {
		values["refreshToken"] = acc.RefreshToken
	}
	if acc.APIKey != "" {
		values["apiKey"] = acc.APIKey
	}
	if acc.ProjectID != "" {
		values["projectId"] = acc.ProjectID
	}
	if acc.InvalidReason != "" {
		values["invalidReason"] = acc.InvalidReason
	}
	if acc.LastUsed > 0 {
		values["lastUsed"] = time.UnixMilli(acc.LastUsed).Format(time.RFC3339)
	}
	if acc.InvalidAt > 0 {
		values["invalidAt"] = time.UnixMilli(acc.InvalidAt).Format(time.RFC3339)
	}
	if acc.QuotaThreshold != nil {
		data, _ := json.Marshal(acc.QuotaThreshold)
		values["quotaThreshold"] = string(data)
	}
	if acc.Subscription != nil {
		data, _ := json.Marshal(acc.Subscription)
		values["subscription"] = string(data)
	}
	if acc.Quota != nil {
		data, _ := json.Marshal(acc.Quota)
		values["quota"] = string(data)
	}
	if len(acc.ModelQuotaThresholds) > 0 {
		data, _ := json.Marshal(acc.ModelQuotaThresholds)
		values["modelQuotaThresholds"] = string(data)
	}

	if err := s.client.HSet(ctx, key, values); err != nil {
		return err
	}

	return s.client.SAdd(ctx, PrefixAccountIndex, acc.Email)
}

// DeleteAccount removes an account record and everything scoped to it:
// rate limits and the cached access token.
func (s *AccountStore) DeleteAccount(ctx context.Context, email string) error {
	if err := s.client.Delete(ctx, PrefixAccounts+email); err != nil {
		return err
	}
	if err := s.client.SRem(ctx, PrefixAccountIndex, email); err != nil {
		return err
	}

	_ = s.ClearRateLimits(ctx, email)
	_ = s.ClearTokenCache(ctx, email)

	return nil
}

// ListAccounts returns every account in the email index. A redis client
// that rejects Redis entirely should route accounts through config
// instead; this method returns an empty slice rather than erroring when
// the store has no client, so callers can treat "no Redis" and "no
// accounts yet" the same way.
func (s *AccountStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	if s.client == nil {
		return make([]*Account, 0), nil
	}
	emails, err := s.client.SMembers(ctx, PrefixAccountIndex)
	if err != nil {
		return nil, err
	}

	accounts := make([]*Account, 0, len(emails))
	for _, email := range emails {
		acc, err := s.GetAccount(ctx, email)
		if err != nil {
			continue
		}
		if acc != nil {
			accounts = append(accounts, acc)
		}
	}

	return accounts, nil
}

// GetRateLimit retrieves the rate-limit state for (email, modelID). Pass
// "" for modelID to read the account-wide scope.
func (s *AccountStore) GetRateLimit(ctx context.Context, email, modelID string) (*RateLimitInfo, error) {
	data, err := s.client.HGetAll(ctx, rateLimitKey(email, modelID))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	info := &RateLimitInfo{}
	if v, ok := data["isRateLimited"]; ok {
		info.IsRateLimited = v == "true"
	}
	if v, ok := data["resetTime"]; ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			info.ResetTime = t.UnixMilli()
		}
	}
	if v, ok := data["actualResetMs"]; ok {
		var ms int64
		if err := json.Unmarshal([]byte(v), &ms); err == nil {
			info.ActualResetMs = ms
		}
	}

	return info, nil
}

// SetRateLimit records rate-limit state for (email, modelID) and sets the
// key to expire shortly after the reset time, so a stale rate-limit entry
// never outlives the window it described. The stored reset time never moves
// backwards: when the existing entry resets later than info, its reset time
// is kept.
func (s *AccountStore) SetRateLimit(ctx context.Context, email, modelID string, info *RateLimitInfo) error {
	key := rateLimitKey(email, modelID)
	resetTime := info.ResetTime
	if prev, err := s.GetRateLimit(ctx, email, modelID); err == nil && prev != nil && prev.ResetTime > resetTime {
		resetTime = prev.ResetTime
	}
	values := map[string]interface{}{
		"isRateLimited": fmt.Sprintf("%t", info.IsRateLimited),
		"actualResetMs": fmt.Sprintf("%d", info.ActualResetMs),
	}
	if resetTime > 0 {
		values["resetTime"] = time.UnixMilli(resetTime).Format(time.RFC3339)
	}

	if err := s.client.HSet(ctx, key, values); err != nil {
		return err
	}

	if resetTime > 0 {
		ttl := time.Until(time.UnixMilli(resetTime))
		if ttl > 0 {
			return s.client.Expire(ctx, key, ttl+time.Minute)
		}
	}

	return nil
}

// ClearRateLimit clears the rate-limit entry for a single scope.
func (s *AccountStore) ClearRateLimit(ctx context.Context, email, modelID string) error {
	return s.client.Delete(ctx, rateLimitKey(email, modelID))
}

// ClearRateLimits clears every rate-limit scope recorded for an account,
// account-wide and per-model alike.
func (s *AccountStore) ClearRateLimits(ctx context.Context, email string) error {
	pattern := PrefixRateLimits + email + ":*"
	keys, err := s.client.ScanAll(ctx, pattern)
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		return s.client.Delete(ctx, keys...)
	}
	return nil
}

// GetCachedToken retrieves a previously cached access token for an account.
func (s *AccountStore) GetCachedToken(ctx context.Context, email string) (*CachedToken, error) {
	key := PrefixTokenCache + email
	data, err := s.client.HGetAll(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	token := &CachedToken{}
	if v, ok := data["accessToken"]; ok {
		token.AccessToken = v
	}
	if v, ok := data["extractedAt"]; ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			token.ExtractedAt = t
		}
	}

	return token, nil
}

// SetCachedToken caches an access token for ttl, typically shorter than
// the token's own lifetime so a stale cache never outlives the token.
func (s *AccountStore) SetCachedToken(ctx context.Context, email, token string, ttl time.Duration) error {
	key := PrefixTokenCache + email
	values := map[string]interface{}{
		"accessToken": token,
		"extractedAt": time.Now().Format(time.RFC3339),
	}

	if err := s.client.HSet(ctx, key, values); err != nil {
		return err
	}

	return s.client.Expire(ctx, key, ttl)
}

// ClearTokenCache removes the cached access token for an account.
func (s *AccountStore) ClearTokenCache(ctx context.Context, email string) error {
	return s.client.Delete(ctx, PrefixTokenCache+email)
}
