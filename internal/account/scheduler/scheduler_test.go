package scheduler

import (
	"context"
	"testing"

	"github.com/lbjlaq/antigravity-proxy-core/internal/config"
	"github.com/lbjlaq/antigravity-proxy-core/pkg/redis"
	"github.com/stretchr/testify/require"
)

func acct(email string) *redis.Account {
	return &redis.Account{Email: email, Enabled: true}
}

func TestCacheFirst_StaysBoundToSameSession(t *testing.T) {
	d := New(config.ModeCacheFirst, nil, nil)
	accounts := []*redis.Account{acct("a@example.com"), acct("b@example.com"), acct("c@example.com")}

	first := d.Select(context.Background(), accounts, "", SelectOptions{SessionID: "sess-1"})
	require.NotNil(t, first.Account)

	for i := 0; i < 5; i++ {
		again := d.Select(context.Background(), accounts, "", SelectOptions{SessionID: "sess-1"})
		require.Equal(t, first.Account.Email, again.Account.Email)
	}
}

func TestCacheFirst_FailsOverWhenBoundAccountDisabled(t *testing.T) {
	d := New(config.ModeCacheFirst, nil, nil)
	a, b := acct("a@example.com"), acct("b@example.com")
	accounts := []*redis.Account{a, b}

	first := d.Select(context.Background(), accounts, "", SelectOptions{SessionID: "sess-2"})
	require.NotNil(t, first.Account)

	a.Enabled = false
	b.Enabled = false
	first.Account.Enabled = false
	// re-enable whichever wasn't picked so the failover has somewhere to go
	if first.Account.Email == a.Email {
		b.Enabled = true
	} else {
		a.Enabled = true
	}

	second := d.Select(context.Background(), accounts, "", SelectOptions{SessionID: "sess-2"})
	require.NotNil(t, second.Account)
	require.NotEqual(t, first.Account.Email, second.Account.Email)
}

func TestBalance_RotatesAcrossAccounts(t *testing.T) {
	d := New(config.ModeBalance, nil, nil)
	accounts := []*redis.Account{acct("a@example.com"), acct("b@example.com"), acct("c@example.com")}

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		result := d.Select(context.Background(), accounts, "", SelectOptions{})
		require.NotNil(t, result.Account)
		seen[result.Account.Email] = true
	}
	require.Len(t, seen, 3)
}

func TestBalance_NoUsableAccountsReturnsEmptyResult(t *testing.T) {
	d := New(config.ModeBalance, nil, nil)
	a := acct("a@example.com")
	a.Enabled = false

	result := d.Select(context.Background(), []*redis.Account{a}, "", SelectOptions{})
	require.Nil(t, result.Account)
}

func TestSelected_RestrictsToAllowlist(t *testing.T) {
	allowed := acct("allowed@example.com")
	other := acct("other@example.com")
	cfg := config.SchedulingConfig{SelectedAccounts: []string{"allowed@example.com"}}

	d := New(config.ModeSelected, nil, func() config.SchedulingConfig { return cfg })
	result := d.Select(context.Background(), []*redis.Account{allowed, other}, "", SelectOptions{})

	require.NotNil(t, result.Account)
	require.Equal(t, "allowed@example.com", result.Account.Email)
}

func TestSelected_StrictSelectedReturnsNoAccountWhenAllowlistUnusable(t *testing.T) {
	other := acct("other@example.com")
	cfg := config.SchedulingConfig{
		SelectedAccounts: []string{"missing@example.com"},
		StrictSelected:   true,
	}

	d := New(config.ModeSelected, nil, func() config.SchedulingConfig { return cfg })
	result := d.Select(context.Background(), []*redis.Account{other}, "", SelectOptions{})

	require.Nil(t, result.Account)
}

func TestSelected_NonStrictFallsBackToFullPool(t *testing.T) {
	other := acct("other@example.com")
	cfg := config.SchedulingConfig{
		SelectedAccounts: []string{"missing@example.com"},
		StrictSelected:   false,
	}

	d := New(config.ModeSelected, nil, func() config.SchedulingConfig { return cfg })
	result := d.Select(context.Background(), []*redis.Account{other}, "", SelectOptions{})

	require.NotNil(t, result.Account)
	require.Equal(t, "other@example.com", result.Account.Email)
}

func TestNew_UnknownModeFallsBackToBalance(t *testing.T) {
	d := New(config.SchedulingMode("not-a-real-mode"), nil, nil)
	result := d.Select(context.Background(), []*redis.Account{acct("a@example.com")}, "", SelectOptions{})
	require.NotNil(t, result.Account)
}
