package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lbjlaq/antigravity-proxy-core/internal/config"
	"github.com/lbjlaq/antigravity-proxy-core/pkg/redis"
)

// cacheFirst prefers the account a session was last bound to, for prompt
// cache continuity. It only fails over when the bound account is no longer
// usable, and rebinds to whatever it picks next. Without a usable binding it
// picks the most recently used usable account, ties in the canonical order.
type cacheFirst struct {
	*base
	bindings *sessionBindings
}

func (d *cacheFirst) Select(ctx context.Context, accounts []*redis.Account, modelID string, opts SelectOptions) *Result {
	if len(accounts) == 0 {
		return &Result{}
	}

	if opts.SessionID != "" {
		if email, ok := d.bindings.get(opts.SessionID); ok {
			for _, acc := range accounts {
				if acc.Email == email && d.isUsable(ctx, acc, modelID) {
					acc.LastUsed = time.Now().UnixMilli()
					return &Result{Account: acc}
				}
			}
		}
	}

	usable := d.usableAccounts(ctx, accounts, modelID)
	if len(usable) == 0 {
		return &Result{WaitMs: d.minResetWait(ctx, accounts, modelID)}
	}

	sortByTieBreak(usable, resetAtZero, inFlightZero)
	chosen := usable[0]
	for _, acc := range usable[1:] {
		if acc.LastUsed > chosen.LastUsed {
			chosen = acc
		}
	}
	chosen.LastUsed = time.Now().UnixMilli()
	if opts.SessionID != "" {
		d.bindings.set(opts.SessionID, chosen.Email)
	}
	return &Result{Account: chosen}
}

func (d *cacheFirst) ReportResult(*redis.Account, string, Outcome) {}

// balance rotates through usable accounts round-robin, maximizing spread
// rather than cache continuity.
type balance struct {
	*base
	mu     sync.Mutex
	cursor int
}

func (d *balance) Select(ctx context.Context, accounts []*redis.Account, modelID string, _ SelectOptions) *Result {
	if len(accounts) == 0 {
		return &Result{}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cursor >= len(accounts) {
		d.cursor = 0
	}
	start := (d.cursor + 1) % len(accounts)
	for i := 0; i < len(accounts); i++ {
		idx := (start + i) % len(accounts)
		acc := accounts[idx]
		if d.isUsable(ctx, acc, modelID) {
			acc.LastUsed = time.Now().UnixMilli()
			d.cursor = idx
			return &Result{Account: acc}
		}
	}
	return &Result{WaitMs: d.minResetWait(ctx, accounts, modelID)}
}

func (d *balance) ReportResult(*redis.Account, string, Outcome) {}

// performanceFirst scores accounts by a recovering health score, picking the
// healthiest usable account and penalizing rate limits/failures.
type performanceFirst struct {
	*base
	health *healthTracker
}

func (d *performanceFirst) Select(ctx context.Context, accounts []*redis.Account, modelID string, _ SelectOptions) *Result {
	usable := d.usableAccounts(ctx, accounts, modelID)
	if len(usable) == 0 {
		return &Result{WaitMs: d.minResetWait(ctx, accounts, modelID)}
	}

	best := usable[0]
	bestScore := d.health.score(best.Email)
	for _, acc := range usable[1:] {
		if s := d.health.score(acc.Email); s > bestScore {
			best, bestScore = acc, s
		}
	}
	best.LastUsed = time.Now().UnixMilli()
	return &Result{Account: best}
}

func (d *performanceFirst) ReportResult(acc *redis.Account, _ string, outcome Outcome) {
	if acc == nil {
		return
	}
	switch outcome {
	case OutcomeSuccess:
		d.health.recordSuccess(acc.Email)
	case OutcomeRateLimited:
		d.health.recordRateLimit(acc.Email)
	case OutcomeFailure:
		d.health.recordFailure(acc.Email)
	}
}

// selected restricts the eligible pool to the operator-configured account
// and model allowlists (§3, update_sticky_config/get_sticky_config). When
// StrictSelected is true and the allowlist yields nothing usable, it
// returns no account rather than falling back to the full pool.
type selected struct {
	*base
	cfg func() config.SchedulingConfig
}

func (d *selected) Select(ctx context.Context, accounts []*redis.Account, modelID string, _ SelectOptions) *Result {
	cfg := d.cfg()

	pool := accounts
	if len(cfg.SelectedAccounts) > 0 {
		allow := make(map[string]bool, len(cfg.SelectedAccounts))
		for _, email := range cfg.SelectedAccounts {
			allow[email] = true
		}
		filtered := make([]*redis.Account, 0, len(accounts))
		for _, acc := range accounts {
			if allow[acc.Email] {
				filtered = append(filtered, acc)
			}
		}
		pool = filtered
	}
	if models, ok := cfg.SelectedModels[modelID]; ok && len(models) > 0 {
		// Model-scoped allowlist narrows further, same semantics as above.
		allow := make(map[string]bool, len(models))
		for _, email := range models {
			allow[email] = true
		}
		filtered := make([]*redis.Account, 0, len(pool))
		for _, acc := range pool {
			if allow[acc.Email] {
				filtered = append(filtered, acc)
			}
		}
		pool = filtered
	}

	usable := d.usableAccounts(ctx, pool, modelID)
	if len(usable) == 0 {
		if cfg.StrictSelected {
			return &Result{}
		}
		usable = d.usableAccounts(ctx, accounts, modelID)
		if len(usable) == 0 {
			return &Result{WaitMs: d.minResetWait(ctx, accounts, modelID)}
		}
	}

	sortByTieBreak(usable, resetAtZero, inFlightZero)
	chosen := usable[0]
	chosen.LastUsed = time.Now().UnixMilli()
	return &Result{Account: chosen}
}

func (d *selected) ReportResult(*redis.Account, string, Outcome) {}

// p2c implements power-of-two-choices: sample two usable accounts at
// random and route to whichever has fewer in-flight requests, breaking
// ties by earlier last use, then by email. This bounds tail load better than a full
// least-loaded scan while staying O(1) per request.
type p2c struct {
	*base
	load *loadTracker
}

func (d *p2c) Select(ctx context.Context, accounts []*redis.Account, modelID string, _ SelectOptions) *Result {
	usable := d.usableAccounts(ctx, accounts, modelID)
	if len(usable) == 0 {
		return &Result{WaitMs: d.minResetWait(ctx, accounts, modelID)}
	}
	if len(usable) == 1 {
		d.load.start(usable[0].Email)
		usable[0].LastUsed = time.Now().UnixMilli()
		return &Result{Account: usable[0]}
	}

	i := rand.Intn(len(usable))
	j := rand.Intn(len(usable) - 1)
	if j >= i {
		j++
	}
	a, b := usable[i], usable[j]
	la, lb := d.load.get(a.Email), d.load.get(b.Email)

	chosen := a
	switch {
	case lb < la:
		chosen = b
	case lb == la && (b.LastUsed < a.LastUsed || (b.LastUsed == a.LastUsed && b.Email < a.Email)):
		chosen = b
	}
	d.load.start(chosen.Email)
	chosen.LastUsed = time.Now().UnixMilli()
	return &Result{Account: chosen}
}

func (d *p2c) ReportResult(acc *redis.Account, _ string, _ Outcome) {
	if acc != nil {
		d.load.finish(acc.Email)
	}
}

func resetAtZero(*redis.Account) int64   { return 0 }
func inFlightZero(*redis.Account) int32  { return 0 }

// loadTracker counts in-flight requests per account for P2C.
type loadTracker struct {
	mu    sync.Mutex
	count map[string]*int32
}

func newLoadTracker() *loadTracker {
	return &loadTracker{count: make(map[string]*int32)}
}

func (t *loadTracker) counter(email string) *int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.count[email]
	if !ok {
		var zero int32
		c = &zero
		t.count[email] = c
	}
	return c
}

func (t *loadTracker) get(email string) int32   { return atomic.LoadInt32(t.counter(email)) }
func (t *loadTracker) start(email string)       { atomic.AddInt32(t.counter(email), 1) }
func (t *loadTracker) finish(email string) {
	c := t.counter(email)
	if atomic.AddInt32(c, -1) < 0 {
		atomic.StoreInt32(c, 0)
	}
}

// healthTracker scores accounts for performanceFirst, recovering over time
// and penalizing rate limits/failures more than it rewards success.
type healthTracker struct {
	mu     sync.RWMutex
	scores map[string]*healthRecord
}

type healthRecord struct {
	score       float64
	lastUpdated time.Time
}

const (
	healthInitial         = 70.0
	healthMax              = 100.0
	healthSuccessReward    = 1.0
	healthRateLimitPenalty = -10.0
	healthFailurePenalty   = -20.0
	healthRecoveryPerHour  = 10.0
)

func newHealthTracker() *healthTracker {
	return &healthTracker{scores: make(map[string]*healthRecord)}
}

func (t *healthTracker) score(email string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.recoveredScoreLocked(email)
}

func (t *healthTracker) recoveredScoreLocked(email string) float64 {
	rec, ok := t.scores[email]
	if !ok {
		return healthInitial
	}
	recovered := rec.score + time.Since(rec.lastUpdated).Hours()*healthRecoveryPerHour
	if recovered > healthMax {
		return healthMax
	}
	return recovered
}

func (t *healthTracker) adjust(email string, delta float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := t.recoveredScoreLocked(email) + delta
	if next > healthMax {
		next = healthMax
	}
	if next < 0 {
		next = 0
	}
	t.scores[email] = &healthRecord{score: next, lastUpdated: time.Now()}
}

func (t *healthTracker) recordSuccess(email string)   { t.adjust(email, healthSuccessReward) }
func (t *healthTracker) recordRateLimit(email string) { t.adjust(email, healthRateLimitPenalty) }
func (t *healthTracker) recordFailure(email string)   { t.adjust(email, healthFailurePenalty) }
