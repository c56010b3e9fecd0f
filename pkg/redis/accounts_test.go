package redis

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRateLimitKey_AccountWide(t *testing.T) {
	key := rateLimitKey("user@example.com", "")
	require.Equal(t, PrefixRateLimits+"user@example.com:*", key)
}

func TestRateLimitKey_PerModel(t *testing.T) {
	key := rateLimitKey("user@example.com", "claude-4.5-sonnet")
	require.Equal(t, PrefixRateLimits+"user@example.com:claude-4.5-sonnet", key)
}

func TestRateLimitKey_DistinctScopesDontCollide(t *testing.T) {
	wide := rateLimitKey("user@example.com", "")
	scoped := rateLimitKey("user@example.com", "claude-4.5-sonnet")
	require.NotEqual(t, wide, scoped)
}
