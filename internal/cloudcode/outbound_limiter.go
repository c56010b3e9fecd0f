package cloudcode

import (
	"context"
	"sync"

	"github.com/lbjlaq/antigravity-proxy-core/internal/config"
	"golang.org/x/time/rate"
)

// outboundLimiters paces upstream requests per account so a burst of
// local retries or concurrent sessions on one account doesn't itself
// trigger the upstream's rate limiter.
var outboundLimiters = struct {
	sync.Mutex
	byEmail map[string]*rate.Limiter
}{byEmail: make(map[string]*rate.Limiter)}

func limiterForAccount(email string) *rate.Limiter {
	outboundLimiters.Lock()
	defer outboundLimiters.Unlock()

	limiter, ok := outboundLimiters.byEmail[email]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(config.AccountOutboundRatePerSecond), config.AccountOutboundBurst)
		outboundLimiters.byEmail[email] = limiter
	}
	return limiter
}

// waitForOutboundSlot blocks until email is allowed to send its next
// upstream request, or ctx is done.
func waitForOutboundSlot(ctx context.Context, email string) error {
	return limiterForAccount(email).Wait(ctx)
}
