// Package account implements the Token Manager: account pool, OAuth token
// refresher, scheduler dispatch, and rate-limit bookkeeping (§3, §4.1).
package account

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lbjlaq/antigravity-proxy-core/internal/account/scheduler"
	"github.com/lbjlaq/antigravity-proxy-core/internal/auth"
	"github.com/lbjlaq/antigravity-proxy-core/internal/config"
	"github.com/lbjlaq/antigravity-proxy-core/internal/utils"
	"github.com/lbjlaq/antigravity-proxy-core/pkg/redis"
)

// Manager is the Token Manager: it owns the account pool, dispatches
// selection to the configured scheduler, and brokers access tokens through
// Credentials.
type Manager struct {
	mu sync.RWMutex

	redisClient  *redis.Client
	accountStore *redis.AccountStore

	accounts    []*redis.Account
	initialized bool

	credentials *Credentials

	scheduler     scheduler.Scheduler
	schedulerMode config.SchedulingMode

	config *config.Config
}

// NewManager creates a Token Manager backed by the given Redis client and
// configuration. cfg.Upstream supplies the OAuth refresh endpoint.
func NewManager(redisClient *redis.Client, cfg *config.Config) *Manager {
	endpoint := auth.Endpoint{
		TokenURL:     cfg.Upstream.RefreshURL,
		ClientID:     cfg.Upstream.ClientID,
		ClientSecret: cfg.Upstream.ClientSecret,
	}
	return &Manager{
		redisClient:  redisClient,
		accountStore: redis.NewAccountStore(redisClient),
		accounts:     make([]*redis.Account, 0),
		credentials:  NewCredentials(redisClient, endpoint),
		config:       cfg,
	}
}

// Initialize loads the account pool from storage and builds the
// configured scheduler. Safe to call more than once; subsequent calls are
// no-ops until Reload clears the initialized flag.
func (m *Manager) Initialize(ctx context.Context, modeOverride string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}

	accounts, err := m.accountStore.ListAccounts(ctx)
	if err != nil {
		utils.Warn("[account] failed to load accounts: %v", err)
		accounts = make([]*redis.Account, 0)
	}
	m.accounts = accounts

	mode := m.config.GetSchedulingConfig().Mode
	if modeOverride != "" && config.IsValidMode(modeOverride) {
		mode = config.SchedulingMode(modeOverride)
	}
	m.schedulerMode = mode
	m.scheduler = scheduler.New(mode, m.accountStore, m.config.GetSchedulingConfig)
	utils.Info("[account] scheduling mode: %s", mode)

	m.initialized = true
	return nil
}

// Reload re-reads the account pool from storage, rebuilding the scheduler
// against the (possibly changed) scheduling mode.
func (m *Manager) Reload(ctx context.Context) error {
	m.mu.Lock()
	m.initialized = false
	m.mu.Unlock()

	if err := m.Initialize(ctx, ""); err != nil {
		return err
	}
	utils.Info("[account] accounts reloaded from storage")
	return nil
}

// GetAccountCount returns the number of accounts in the pool.
func (m *Manager) GetAccountCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.accounts)
}

// GetAllAccounts returns a shallow copy of the account pool.
func (m *Manager) GetAllAccounts() []*redis.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*redis.Account, len(m.accounts))
	copy(out, m.accounts)
	return out
}

// Lease is a successful acquire(): the account to dispatch to, plus enough
// identity to report the outcome back via ReportResult.
type Lease struct {
	Account *redis.Account
	ModelID string
}

// Acquire selects an account able to serve modelID, honoring the
// configured scheduling discipline and session fingerprint. When nothing is
// presently eligible it returns NoAccountsError, with the scheduler's wait
// hint in milliseconds as the second result (0 when there is none).
func (m *Manager) Acquire(ctx context.Context, modelID string, fingerprint string) (*Lease, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil, 0, NewNotInitializedError()
	}
	if len(m.accounts) == 0 {
		return nil, 0, NewNoAccountsError("no accounts configured", false)
	}

	result := m.scheduler.Select(ctx, m.accounts, modelID, scheduler.SelectOptions{SessionID: fingerprint})
	if result.Account == nil {
		allRateLimited := m.isAllRateLimitedLocked(modelID)
		return nil, result.WaitMs, NewNoAccountsError("no available accounts", allRateLimited)
	}

	return &Lease{Account: result.Account, ModelID: modelID}, 0, nil
}

// ReportResult feeds a completed request's outcome back to the scheduler
// (health scoring, in-flight counters) and, for rate limits, records the
// reset time so the account is skipped until it clears.
func (m *Manager) ReportResult(ctx context.Context, lease *Lease, outcome scheduler.Outcome, resetMs int64) {
	if lease == nil || lease.Account == nil {
		return
	}
	m.mu.RLock()
	sched := m.scheduler
	m.mu.RUnlock()

	if sched != nil {
		sched.ReportResult(lease.Account, lease.ModelID, outcome)
	}

	if outcome == scheduler.OutcomeRateLimited && resetMs > 0 {
		_ = m.MarkRateLimited(ctx, lease.Account.Email, resetMs, lease.ModelID)
	}
}

// RefreshIfExpiring returns acc's access token through Credentials, which
// reuses a token obtained in the last 5 minutes and otherwise refreshes it;
// the token's own expiry time is not consulted. Marks the account invalid
// on a permanent refresh rejection.
func (m *Manager) RefreshIfExpiring(ctx context.Context, acc *redis.Account) (string, error) {
	token, err := m.credentials.GetAccessToken(ctx, acc)
	if err != nil {
		if IsPermanentAuthFailure(err) || isAuthError(err) {
			_ = m.MarkInvalid(ctx, acc.Email, err.Error())
		}
		return "", err
	}
	if acc.IsInvalid {
		acc.IsInvalid = false
		acc.InvalidReason = ""
		_ = m.accountStore.SetAccount(ctx, acc)
	}
	return token, nil
}

// GetTokenForAccount is an alias for RefreshIfExpiring kept for call sites
// that just need a token without the refresh terminology.
func (m *Manager) GetTokenForAccount(ctx context.Context, acc *redis.Account) (string, error) {
	return m.RefreshIfExpiring(ctx, acc)
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "invalid_grant") || strings.Contains(s, "permanent")
}

// UpdateStickyConfig hot-swaps the scheduling config (update_sticky_config
// in §4.1's Token Manager contract).
func (m *Manager) UpdateStickyConfig(next config.SchedulingConfig) {
	m.config.UpdateSchedulingConfig(next)
	m.mu.Lock()
	defer m.mu.Unlock()
	if next.Mode != "" && next.Mode != m.schedulerMode {
		m.schedulerMode = next.Mode
		m.scheduler = scheduler.New(next.Mode, m.accountStore, m.config.GetSchedulingConfig)
		utils.Info("[account] scheduling mode switched to %s", next.Mode)
	}
}

// GetStickyConfig returns the current scheduling config
// (get_sticky_config in §4.1's Token Manager contract).
func (m *Manager) GetStickyConfig() config.SchedulingConfig {
	return m.config.GetSchedulingConfig()
}

// IsAllRateLimited reports whether every enabled, valid account is
// currently rate-limited for modelID.
func (m *Manager) IsAllRateLimited(modelID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isAllRateLimitedLocked(modelID)
}

func (m *Manager) isAllRateLimitedLocked(modelID string) bool {
	for _, acc := range m.accounts {
		if !acc.Enabled || acc.IsInvalid {
			continue
		}
		if !m.isRateLimitedForModel(acc, modelID) {
			return false
		}
	}
	return true
}

// GetAvailableAccounts returns accounts that are enabled, valid, and not
// rate-limited for modelID.
func (m *Manager) GetAvailableAccounts(modelID string) []*redis.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*redis.Account, 0)
	for _, acc := range m.accounts {
		if acc.Enabled && !acc.IsInvalid && !m.isRateLimitedForModel(acc, modelID) {
			out = append(out, acc)
		}
	}
	return out
}

// GetInvalidAccounts returns accounts marked invalid.
func (m *Manager) GetInvalidAccounts() []*redis.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*redis.Account, 0)
	for _, acc := range m.accounts {
		if acc.IsInvalid {
			out = append(out, acc)
		}
	}
	return out
}

// MarkRateLimited records a rate limit for (email, modelID) with the given
// reset delay.
func (m *Manager) MarkRateLimited(ctx context.Context, email string, resetMs int64, modelID string) error {
	resetTime := time.Now().Add(time.Duration(resetMs) * time.Millisecond).UnixMilli()
	info := &redis.RateLimitInfo{IsRateLimited: true, ResetTime: resetTime, ActualResetMs: resetMs}
	return m.accountStore.SetRateLimit(ctx, email, modelID, info)
}

// MarkInvalid disables an account and records why.
func (m *Manager) MarkInvalid(ctx context.Context, email, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acc := range m.accounts {
		if acc.Email == email {
			acc.IsInvalid = true
			acc.InvalidReason = reason
			acc.InvalidAt = time.Now().UnixMilli()
			return m.accountStore.SetAccount(ctx, acc)
		}
	}
	return nil
}

// ResetAllRateLimits clears all rate-limit state for every account.
func (m *Manager) ResetAllRateLimits(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acc := range m.accounts {
		_ = m.accountStore.ClearRateLimits(ctx, acc.Email)
	}
}

// GetMinWaitTimeMs returns the minimum time until some account clears its
// rate limit for modelID, or 0 if at least one account is available now.
func (m *Manager) GetMinWaitTimeMs(ctx context.Context, modelID string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var minWait int64 = -1
	now := time.Now()
	for _, acc := range m.accounts {
		if !acc.Enabled || acc.IsInvalid {
			continue
		}
		info, err := m.accountStore.GetRateLimit(ctx, acc.Email, modelID)
		if err != nil || info == nil || !info.IsRateLimited {
			return 0
		}
		if info.ResetTime > 0 {
			if wait := info.ResetTime - now.UnixMilli(); wait > 0 && (minWait < 0 || wait < minWait) {
				minWait = wait
			}
		}
	}
	if minWait < 0 {
		return 0
	}
	return minWait
}

// GetRateLimitInfo returns rate-limit info for (email, modelID).
func (m *Manager) GetRateLimitInfo(ctx context.Context, email, modelID string) *redis.RateLimitInfo {
	info, _ := m.accountStore.GetRateLimit(ctx, email, modelID)
	return info
}

// GetSchedulingMode returns the scheduler's current discipline.
func (m *Manager) GetSchedulingMode() config.SchedulingMode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.schedulerMode
}

// SaveToDisk persists the in-memory account pool to the account store.
func (m *Manager) SaveToDisk(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acc := range m.accounts {
		if err := m.accountStore.SetAccount(ctx, acc); err != nil {
			utils.Warn("[account] failed to save account %s: %v", acc.Email, err)
		}
	}
	return nil
}

// GetStatus summarizes the account pool for the administrative surface.
func (m *Manager) GetStatus() *ManagerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := &ManagerStatus{Total: len(m.accounts), Accounts: make([]*AccountStatus, 0, len(m.accounts))}
	for _, acc := range m.accounts {
		accStatus := &AccountStatus{
			Email:                acc.Email,
			Source:               acc.Source,
			Enabled:              acc.Enabled,
			ProjectID:            acc.ProjectID,
			IsInvalid:            acc.IsInvalid,
			InvalidReason:        acc.InvalidReason,
			LastUsed:             acc.LastUsed,
			QuotaThreshold:       acc.QuotaThreshold,
			ModelQuotaThresholds: acc.ModelQuotaThresholds,
			ModelRateLimits:      acc.ModelRateLimits,
		}
		if !acc.Enabled || acc.IsInvalid {
			status.Invalid++
		} else {
			status.Available++
		}
		status.Accounts = append(status.Accounts, accStatus)
	}
	status.Summary = m.formatStatusSummary(status.Available, status.Total)
	return status
}

func (m *Manager) formatStatusSummary(available, total int) string {
	if total == 0 {
		return "no accounts configured"
	}
	if available == 0 {
		return "all accounts unavailable"
	}
	return fmt.Sprintf("%d of %d accounts available", available, total)
}

func (m *Manager) isRateLimitedForModel(acc *redis.Account, modelID string) bool {
	if modelID == "" {
		return false
	}
	info, _ := m.accountStore.GetRateLimit(context.Background(), acc.Email, modelID)
	if info == nil || !info.IsRateLimited {
		return false
	}
	return info.ResetTime <= 0 || time.Now().Before(time.UnixMilli(info.ResetTime))
}

// ManagerStatus is the Token Manager's administrative status snapshot.
type ManagerStatus struct {
	Total       int              `json:"total"`
	Available   int              `json:"available"`
	RateLimited int              `json:"rateLimited"`
	Invalid     int              `json:"invalid"`
	Summary     string           `json:"summary"`
	Accounts    []*AccountStatus `json:"accounts"`
}

// AccountStatus is a single account's administrative status snapshot.
type AccountStatus struct {
	Email                string                          `json:"email"`
	Source               string                          `json:"source"`
	Enabled              bool                            `json:"enabled"`
	ProjectID            string                          `json:"projectId,omitempty"`
	IsInvalid            bool                            `json:"isInvalid"`
	InvalidReason        string                          `json:"invalidReason,omitempty"`
	LastUsed             int64                           `json:"lastUsed,omitempty"`
	QuotaThreshold       *float64                        `json:"quotaThreshold,omitempty"`
	ModelQuotaThresholds map[string]float64              `json:"modelQuotaThresholds,omitempty"`
	ModelRateLimits      map[string]*redis.RateLimitInfo `json:"modelRateLimits,omitempty"`
}

// NotInitializedError is returned when Acquire is called before Initialize.
type NotInitializedError struct{}

func (e *NotInitializedError) Error() string { return "account manager not initialized" }

func NewNotInitializedError() *NotInitializedError { return &NotInitializedError{} }

// NoAccountsError is returned when no account is currently eligible.
type NoAccountsError struct {
	Message        string
	AllRateLimited bool
}

func (e *NoAccountsError) Error() string { return e.Message }

func NewNoAccountsError(message string, allRateLimited bool) *NoAccountsError {
	return &NoAccountsError{Message: message, AllRateLimited: allRateLimited}
}

// ClearTokenCache drops all cached access tokens.
func (m *Manager) ClearTokenCache() {
	m.credentials.ClearCache()
}

// ClearTokenCacheFor drops the cached access token for a single account.
func (m *Manager) ClearTokenCacheFor(email string) {
	m.credentials.ClearCacheForAccount(context.Background(), email)
}

// UpdateAccountSubscription records detected subscription tier/project for
// an account.
func (m *Manager) UpdateAccountSubscription(email, tier, projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acc := range m.accounts {
		if acc.Email == email {
			if acc.Subscription == nil {
				acc.Subscription = &redis.SubscriptionInfo{}
			}
			acc.Subscription.Tier = tier
			acc.Subscription.ProjectID = projectID
			acc.Subscription.DetectedAt = time.Now().UnixMilli()
			go func(acc *redis.Account) {
				if err := m.accountStore.SetAccount(context.Background(), acc); err != nil {
					utils.Error("[account] failed to save subscription for %s: %v", acc.Email, err)
				}
			}(acc)
			return
		}
	}
}

// UpdateAccountQuota records per-model quota snapshots for an account.
func (m *Manager) UpdateAccountQuota(email string, quotas map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acc := range m.accounts {
		if acc.Email != email {
			continue
		}
		if acc.Quota == nil {
			acc.Quota = &redis.QuotaInfo{Models: make(map[string]*redis.ModelQuotaInfo)}
		}
		acc.Quota.LastChecked = time.Now().UnixMilli()
		for modelID, quota := range quotas {
			quotaMap, ok := quota.(map[string]interface{})
			if !ok {
				continue
			}
			info := &redis.ModelQuotaInfo{}
			if rf, ok := quotaMap["remainingFraction"].(float64); ok {
				info.RemainingFraction = rf
			}
			if rt, ok := quotaMap["resetTime"].(string); ok {
				info.ResetTime = rt
			}
			acc.Quota.Models[modelID] = info
		}
		go func(acc *redis.Account) {
			if err := m.accountStore.SetAccount(context.Background(), acc); err != nil {
				utils.Error("[account] failed to save quota for %s: %v", acc.Email, err)
			}
		}(acc)
		return
	}
}

// SetAccountEnabled enables or disables an account.
func (m *Manager) SetAccountEnabled(ctx context.Context, email string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acc := range m.accounts {
		if acc.Email == email {
			acc.Enabled = enabled
			return m.accountStore.SetAccount(ctx, acc)
		}
	}
	return NewNoAccountsError("account "+email+" not found", false)
}

// RemoveAccount removes an account from the pool and storage.
func (m *Manager) RemoveAccount(ctx context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, acc := range m.accounts {
		if acc.Email == email {
			m.accounts = append(m.accounts[:i], m.accounts[i+1:]...)
			return m.accountStore.DeleteAccount(ctx, email)
		}
	}
	return NewNoAccountsError("account "+email+" not found", false)
}

// GetAccountByEmail looks up an account by email.
func (m *Manager) GetAccountByEmail(ctx context.Context, email string) (*redis.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, acc := range m.accounts {
		if acc.Email == email {
			return acc, nil
		}
	}
	return nil, NewNoAccountsError("account "+email+" not found", false)
}

// UpdateAccount replaces an existing account's record in the pool.
func (m *Manager) UpdateAccount(ctx context.Context, acc *redis.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.accounts {
		if existing.Email == acc.Email {
			m.accounts[i] = acc
			return m.accountStore.SetAccount(ctx, acc)
		}
	}
	return NewNoAccountsError("account "+acc.Email+" not found", false)
}

// AddOrUpdateAccount adds a new account or updates an existing one,
// enforcing the configured MaxAccounts ceiling for new additions.
func (m *Manager) AddOrUpdateAccount(ctx context.Context, acc *redis.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, existing := range m.accounts {
		if existing.Email == acc.Email {
			m.accounts[i] = acc
			utils.Info("[account] account %s updated", acc.Email)
			return m.accountStore.SetAccount(ctx, acc)
		}
	}

	if m.config.MaxAccounts > 0 && len(m.accounts) >= m.config.MaxAccounts {
		return NewNoAccountsError("maximum accounts reached", false)
	}

	m.accounts = append(m.accounts, acc)
	utils.Info("[account] account %s added", acc.Email)
	return m.accountStore.SetAccount(ctx, acc)
}

// GetAllAccountsContext is GetAllAccounts with a context parameter, kept
// for call sites that thread one through.
func (m *Manager) GetAllAccountsContext(_ context.Context) ([]*redis.Account, error) {
	return m.GetAllAccounts(), nil
}
