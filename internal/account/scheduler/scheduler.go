// Package scheduler implements the Token Manager's five account-selection
// disciplines (CacheFirst, Balance, PerformanceFirst, Selected, P2C) and the
// session-binding table that backs sticky routing.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lbjlaq/antigravity-proxy-core/internal/config"
	"github.com/lbjlaq/antigravity-proxy-core/internal/utils"
	"github.com/lbjlaq/antigravity-proxy-core/pkg/redis"
)

// Outcome classifies the result of a completed request, reported back to
// the scheduler via ReportResult so disciplines that track health/load can
// adapt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRateLimited
	OutcomeFailure
)

// SelectOptions carries the per-request context a discipline may use.
type SelectOptions struct {
	SessionID string
}

// Result is the outcome of a Select call: either an Account to dispatch to,
// or a WaitMs hint when every account is transiently unavailable.
type Result struct {
	Account *redis.Account
	WaitMs  int64
}

// Scheduler selects an account for a request and absorbs outcome feedback.
// The account store is fixed when New builds the Scheduler; Select receives
// only the current account slice.
type Scheduler interface {
	Select(ctx context.Context, accounts []*redis.Account, modelID string, opts SelectOptions) *Result
	ReportResult(account *redis.Account, modelID string, outcome Outcome)
}

// New builds the Scheduler for the given mode around the store (for
// rate-limit lookups). Each call creates fresh per-discipline state: P2C's
// in-flight counters, PerformanceFirst's health scores, CacheFirst's session
// bindings and Balance's cursor.
func New(mode config.SchedulingMode, store *redis.AccountStore, schedCfg func() config.SchedulingConfig) Scheduler {
	base := &base{store: store}
	switch mode {
	case config.ModeCacheFirst:
		return &cacheFirst{base: base, bindings: newSessionBindings(defaultBindingCapacity)}
	case config.ModePerformanceFirst:
		return &performanceFirst{base: base, health: newHealthTracker()}
	case config.ModeSelected:
		return &selected{base: base, cfg: schedCfg}
	case config.ModeP2C:
		return &p2c{base: base, load: newLoadTracker()}
	case config.ModeBalance:
		fallthrough
	default:
		if !config.IsValidMode(string(mode)) && mode != "" {
			utils.Warn("[scheduler] unknown scheduling mode %q, falling back to balance", mode)
		}
		return &balance{base: base}
	}
}

// base holds the usability check every discipline shares.
type base struct {
	store *redis.AccountStore
}

// isUsable reports whether acc can currently serve modelID: enabled, not
// marked invalid, not cooling down, and not rate-limited for modelID.
func (b *base) isUsable(ctx context.Context, acc *redis.Account, modelID string) bool {
	if acc == nil || acc.IsInvalid || !acc.Enabled {
		return false
	}
	if acc.CoolingDownUntil > 0 {
		if time.Now().Before(time.UnixMilli(acc.CoolingDownUntil)) {
			return false
		}
		acc.CoolingDownUntil = 0
		acc.CooldownReason = ""
	}
	if modelID == "" || b.store == nil {
		return true
	}
	info, err := b.store.GetRateLimit(ctx, acc.Email, modelID)
	if err != nil || info == nil || !info.IsRateLimited {
		return true
	}
	return info.ResetTime > 0 && time.Now().After(time.UnixMilli(info.ResetTime))
}

func (b *base) usableAccounts(ctx context.Context, accounts []*redis.Account, modelID string) []*redis.Account {
	out := make([]*redis.Account, 0, len(accounts))
	for _, acc := range accounts {
		if b.isUsable(ctx, acc, modelID) {
			out = append(out, acc)
		}
	}
	return out
}

// minResetWait returns the minimum time, in ms, until any rate-limited
// account in accounts becomes usable again for modelID, or 0 if none carry
// a known reset time.
func (b *base) minResetWait(ctx context.Context, accounts []*redis.Account, modelID string) int64 {
	if modelID == "" || b.store == nil {
		return 0
	}
	var minWait int64 = -1
	now := time.Now().UnixMilli()
	for _, acc := range accounts {
		if !acc.Enabled || acc.IsInvalid {
			continue
		}
		info, err := b.store.GetRateLimit(ctx, acc.Email, modelID)
		if err != nil || info == nil || !info.IsRateLimited || info.ResetTime <= 0 {
			continue
		}
		wait := info.ResetTime - now
		if wait > 0 && (minWait < 0 || wait < minWait) {
			minWait = wait
		}
	}
	if minWait < 0 {
		return 0
	}
	return minWait
}

// sortByTieBreak orders accounts by the scheduler's canonical tie-break:
// earliest rate-limit reset, lowest in-flight count, lexicographic
// account id.
func sortByTieBreak(accounts []*redis.Account, resetAt func(*redis.Account) int64, inFlight func(*redis.Account) int32) {
	sort.SliceStable(accounts, func(i, j int) bool {
		ri, rj := resetAt(accounts[i]), resetAt(accounts[j])
		if ri != rj {
			return ri < rj
		}
		fi, fj := inFlight(accounts[i]), inFlight(accounts[j])
		if fi != fj {
			return fi < fj
		}
		return accounts[i].Email < accounts[j].Email
	})
}

const defaultBindingCapacity = 10000

// sessionBindings is a bounded LRU mapping session fingerprints to the
// account id they were last routed to, backing CacheFirst's stickiness.
type sessionBindings struct {
	mu       sync.Mutex
	capacity int
	order    []string
	bound    map[string]string
}

func newSessionBindings(capacity int) *sessionBindings {
	return &sessionBindings{capacity: capacity, bound: make(map[string]string)}
}

func (s *sessionBindings) get(sessionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email, ok := s.bound[sessionID]
	if ok {
		s.touch(sessionID)
	}
	return email, ok
}

func (s *sessionBindings) set(sessionID, email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.bound[sessionID]; !exists {
		s.order = append(s.order, sessionID)
	}
	s.bound[sessionID] = email
	s.touch(sessionID)
	s.evictIfNeeded()
}

func (s *sessionBindings) touch(sessionID string) {
	for i, id := range s.order {
		if id == sessionID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.order = append(s.order, sessionID)
}

func (s *sessionBindings) evictIfNeeded() {
	for len(s.order) > s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.bound, oldest)
	}
}
