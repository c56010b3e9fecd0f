package cloudcode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetRateLimitBackoff_FirstAttempt(t *testing.T) {
	email := "first@example.com"
	ClearRateLimitState(email, "claude-4.5-sonnet")

	result := GetRateLimitBackoff(email, "claude-4.5-sonnet", 0)
	require.Equal(t, 1, result.Attempt)
	require.False(t, result.IsDuplicate)
	require.Greater(t, result.DelayMs, int64(0))
}

func TestGetRateLimitBackoff_DuplicateWithinWindow(t *testing.T) {
	email := "dup@example.com"
	model := "claude-4.5-sonnet"
	ClearRateLimitState(email, model)

	first := GetRateLimitBackoff(email, model, 5000)
	require.False(t, first.IsDuplicate)

	second := GetRateLimitBackoff(email, model, 5000)
	require.True(t, second.IsDuplicate)
	require.Equal(t, first.Attempt, second.Attempt)
}

func TestClearRateLimitState_ResetsAttemptCounter(t *testing.T) {
	email := "reset@example.com"
	model := "claude-4.5-sonnet"
	ClearRateLimitState(email, model)

	GetRateLimitBackoff(email, model, 0)
	ClearRateLimitState(email, model)

	result := GetRateLimitBackoff(email, model, 0)
	require.Equal(t, 1, result.Attempt)
}

func TestIsModelCapacityExhausted(t *testing.T) {
	require.True(t, IsModelCapacityExhausted("MODEL_CAPACITY_EXHAUSTED: try again"))
	require.True(t, IsModelCapacityExhausted("the model is currently overloaded"))
	require.False(t, IsModelCapacityExhausted("invalid_argument: bad request"))
}

func TestIsPermanentAuthFailure(t *testing.T) {
	require.True(t, IsPermanentAuthFailure("error: invalid_grant"))
	require.True(t, IsPermanentAuthFailure("token has been expired or revoked"))
	require.False(t, IsPermanentAuthFailure("network timeout"))
}

func TestCalculateSmartBackoff_UsesServerResetWhenPresent(t *testing.T) {
	delay := CalculateSmartBackoff("anything", 90_000, 0)
	require.Equal(t, int64(90_000), delay)
}

func TestCalculateSmartBackoff_QuotaExhaustedProgressesTiers(t *testing.T) {
	first := CalculateSmartBackoff("QUOTA_EXHAUSTED", 0, 0)
	later := CalculateSmartBackoff("QUOTA_EXHAUSTED", 0, 3)
	require.Greater(t, later, first)
}
