// Package auth implements the OAuth token refresh protocol the proxy
// depends on (§4.1). Authorization-flow UX (consent URL, PKCE exchange,
// local callback server) is an external collaborator per the Non-goals in
// §1 and is not implemented here.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lbjlaq/antigravity-proxy-core/internal/utils"
)

// RefreshParts are the components of a composite refresh token, in the
// format refreshToken|projectId|managedProjectId.
type RefreshParts struct {
	RefreshToken     string
	ProjectID        string
	ManagedProjectID string
}

// ParseRefreshParts splits a composite refresh token string.
func ParseRefreshParts(refresh string) RefreshParts {
	parts := strings.Split(refresh, "|")
	result := RefreshParts{}
	if len(parts) > 0 {
		result.RefreshToken = parts[0]
	}
	if len(parts) > 1 && parts[1] != "" {
		result.ProjectID = parts[1]
	}
	if len(parts) > 2 && parts[2] != "" {
		result.ManagedProjectID = parts[2]
	}
	return result
}

// FormatRefreshParts reassembles a composite refresh token string.
func FormatRefreshParts(parts RefreshParts) string {
	base := fmt.Sprintf("%s|%s", parts.RefreshToken, parts.ProjectID)
	if parts.ManagedProjectID != "" {
		return fmt.Sprintf("%s|%s", base, parts.ManagedProjectID)
	}
	return base
}

// RefreshResult is the outcome of a successful token refresh.
type RefreshResult struct {
	AccessToken string
	ExpiresIn   int
}

// Permanent reports a refresh failure that must not be retried: the
// provider rejected the refresh token itself (400/401), not a transient
// upstream fault. Token Manager callers disable the account on this error.
type Permanent struct {
	Status int
	Body   string
}

func (e *Permanent) Error() string {
	return fmt.Sprintf("refresh failed: permanent (status %d): %s", e.Status, e.Body)
}

// Endpoint groups the OAuth client credentials and token URL consumed by
// refresh. The proxy never originates an authorization flow; it only
// holds the client_id/secret needed to redeem a refresh token, supplied by
// configuration (§6: "a separate URL supplied by configuration").
type Endpoint struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// RefreshOnce performs exactly one refresh attempt against the provider's
// token endpoint. Callers needing the retry/backoff contract of §4.1 use
// RefreshWithBackoff instead.
func RefreshOnce(ctx context.Context, ep Endpoint, compositeRefresh string) (*RefreshResult, error) {
	parts := ParseRefreshParts(compositeRefresh)

	data := url.Values{
		"client_id":     {ep.ClientID},
		"client_secret": {ep.ClientSecret},
		"refresh_token": {parts.RefreshToken},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("auth: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: refresh request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("auth: read refresh response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var result struct {
			AccessToken string `json:"access_token"`
			ExpiresIn   int    `json:"expires_in"`
		}
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("auth: parse refresh response: %w", err)
		}
		return &RefreshResult{AccessToken: result.AccessToken, ExpiresIn: result.ExpiresIn}, nil

	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		return nil, &Permanent{Status: resp.StatusCode, Body: string(body)}

	default:
		return nil, fmt.Errorf("auth: refresh failed with status %d", resp.StatusCode)
	}
}

// BackoffConfig parameterizes RefreshWithBackoff (§4.1: base 500ms, cap
// 30s, jitter ±20%, 5 attempts).
type BackoffConfig struct {
	BaseDelay   time.Duration
	CapDelay    time.Duration
	MaxAttempts int
}

// DefaultBackoff returns the spec's default retry parameters.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{BaseDelay: 500 * time.Millisecond, CapDelay: 30 * time.Second, MaxAttempts: 5}
}

// RefreshWithBackoff retries RefreshOnce on 5xx/network errors with
// exponential backoff and jitter, up to MaxAttempts. A Permanent error
// (400/401) is returned immediately without retrying, since the provider
// has rejected the token itself rather than failed transiently.
func RefreshWithBackoff(ctx context.Context, ep Endpoint, compositeRefresh string, cfg BackoffConfig) (*RefreshResult, error) {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultBackoff()
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result, err := RefreshOnce(ctx, ep, compositeRefresh)
		if err == nil {
			return result, nil
		}

		var perm *Permanent
		if asPermanent(err, &perm) {
			return nil, perm
		}
		lastErr = err

		if attempt == cfg.MaxAttempts {
			break
		}

		delay := backoffDelay(cfg, attempt)
		utils.Warn("[auth] refresh attempt %d/%d failed, retrying in %s: %v", attempt, cfg.MaxAttempts, delay, err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("auth: refresh exhausted %d attempts: %w", cfg.MaxAttempts, lastErr)
}

func asPermanent(err error, target **Permanent) bool {
	if p, ok := err.(*Permanent); ok {
		*target = p
		return true
	}
	return false
}

// backoffDelay computes base*2^(attempt-1) clamped to CapDelay, with
// jitter in ±20%.
func backoffDelay(cfg BackoffConfig, attempt int) time.Duration {
	raw := cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		raw *= 2
		if raw > cfg.CapDelay {
			raw = cfg.CapDelay
			break
		}
	}
	jitterRange := int64(raw) * 2 / 5 // GenerateJitter spans ±jitterRange/2, i.e. ±20%
	jitter := utils.GenerateJitter(jitterRange)
	result := time.Duration(int64(raw) + jitter)
	if result < 0 {
		result = 0
	}
	return result
}
