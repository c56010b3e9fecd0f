package format

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignatureCache_MemoryFallback_RoundTrip(t *testing.T) {
	cache := NewSignatureCache(nil)

	require.Equal(t, "", cache.GetCachedSignature("toolu_1"))

	cache.CacheSignature("toolu_1", "sig-abc")
	require.Equal(t, "sig-abc", cache.GetCachedSignature("toolu_1"))
}

func TestSignatureCache_IgnoresEmptyInputs(t *testing.T) {
	cache := NewSignatureCache(nil)

	cache.CacheSignature("", "sig-abc")
	cache.CacheSignature("toolu_2", "")
	require.Equal(t, "", cache.GetCachedSignature("toolu_2"))
}

func TestSignatureCache_ThinkingFamily_RoundTrip(t *testing.T) {
	cache := NewSignatureCache(nil)
	signature := "0123456789012345678901234567890123456789012345678901234567890123"
	require.GreaterOrEqual(t, len(signature), 50)

	cache.CacheThinkingSignature(signature, "gemini-3-pro")
	require.Equal(t, "gemini-3-pro", cache.GetCachedSignatureFamily(signature))

	cache.ClearThinkingSignatureCache()
	require.Equal(t, "", cache.GetCachedSignatureFamily(signature))
}

func TestSignatureCache_RejectsShortThinkingSignature(t *testing.T) {
	cache := NewSignatureCache(nil)
	cache.CacheThinkingSignature("too-short", "gemini-3-pro")
	require.Equal(t, "", cache.GetCachedSignatureFamily("too-short"))
}

func TestGlobalSignatureCache_DefaultsToMemoryBackedInstance(t *testing.T) {
	cache := GetGlobalSignatureCache()
	require.NotNil(t, cache)
}
