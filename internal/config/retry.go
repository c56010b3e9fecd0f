package config

// Retry/backoff tuning for the request orchestrator's account-failover
// loop (§4.5). Values follow the teacher's tuned defaults.
const (
	// MaxRetries is the floor on retry attempts regardless of pool size;
	// the orchestrator actually retries max(MaxRetries, accountCount+1)
	// times so every account gets at least one shot.
	MaxRetries = 5

	// MaxWaitBeforeErrorMs is the longest the orchestrator will sleep for
	// a rate limit to clear before giving up (or trying a fallback model)
	// instead of blocking the caller.
	MaxWaitBeforeErrorMs = 120_000 // 2 minutes

	// DefaultCooldownMs is the smart-backoff threshold below which the
	// orchestrator retries the same account rather than switching.
	DefaultCooldownMs = 10_000 // 10 seconds

	// SwitchAccountDelayMs is a small settle delay applied before
	// switching accounts after a quota-exhausted response, to avoid
	// hammering the next account immediately.
	SwitchAccountDelayMs = 5_000

	// MaxCapacityRetries bounds same-endpoint retries for transient
	// model-capacity errors before the orchestrator fails the account
	// over.
	MaxCapacityRetries = 5

	// AccountOutboundRatePerSecond caps how many upstream requests a
	// single account issues per second, smoothing local bursts so the
	// proxy doesn't trip the upstream's own rate limiter before the
	// reactive 429 backoff ever gets a chance to kick in.
	AccountOutboundRatePerSecond = 5

	// AccountOutboundBurst is the number of requests an account's
	// outbound limiter allows through immediately before it starts
	// pacing at AccountOutboundRatePerSecond.
	AccountOutboundBurst = 3
)

// CapacityBackoffTiersMs is the progressive backoff schedule for
// model-capacity-exhausted responses (increases with retry count).
var CapacityBackoffTiersMs = []int64{5000, 10000, 20000, 30000, 60000}

// QuotaExhaustedBackoffTiersMs is the progressive backoff schedule for
// account-level quota exhaustion (60s, 5m, 30m, 2h).
var QuotaExhaustedBackoffTiersMs = []int64{60_000, 300_000, 1_800_000, 7_200_000}

// BackoffByErrorType gives a default wait, in ms, keyed by the
// classified rate-limit reason (§7) when the response carries no
// explicit reset hint.
var BackoffByErrorType = map[string]int64{
	"RATE_LIMIT_EXCEEDED":      30_000,
	"MODEL_CAPACITY_EXHAUSTED": 15_000,
	"SERVER_ERROR":             20_000,
	"UNKNOWN":                  60_000,
}
