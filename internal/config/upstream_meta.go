package config

import (
	"encoding/json"
	"regexp"
	"runtime"
	"strconv"
	"strings"
)

// ModelFamily classifies a public model name by the wire protocol its
// responses should be shaped as (§2, §9).
type ModelFamily string

const (
	ModelFamilyClaude  ModelFamily = "claude"
	ModelFamilyGemini  ModelFamily = "gemini"
	ModelFamilyUnknown ModelFamily = "unknown"
)

// GetModelFamily infers the model family from its public name.
func GetModelFamily(modelName string) ModelFamily {
	lower := strings.ToLower(modelName)
	switch {
	case strings.Contains(lower, "claude"):
		return ModelFamilyClaude
	case strings.Contains(lower, "gemini"):
		return ModelFamilyGemini
	default:
		return ModelFamilyUnknown
	}
}

var geminiVersionPattern = regexp.MustCompile(`gemini-(\d+)`)

// IsThinkingModel reports whether modelName supports extended/interleaved
// thinking output, independent of the operator's ModelMap entry.
func IsThinkingModel(modelName string) bool {
	lower := strings.ToLower(modelName)
	if strings.Contains(lower, "claude") && strings.Contains(lower, "thinking") {
		return true
	}
	if strings.Contains(lower, "gemini") {
		if strings.Contains(lower, "thinking") {
			return true
		}
		if m := geminiVersionPattern.FindStringSubmatch(lower); len(m) >= 2 {
			if version, err := strconv.Atoi(m[1]); err == nil && version >= 3 {
				return true
			}
		}
	}
	return false
}

// DefaultUpstreamEndpoints is the fallback order used by package-level
// cloudcode helpers that have no *Config handy (model listing, tier
// detection). UpstreamConfig.Endpoints() governs request dispatch itself.
var DefaultUpstreamEndpoints = []string{
	"https://daily-cloudcode-pa.googleapis.com",
	"https://cloudcode-pa.googleapis.com",
}

// DefaultCodeAssistEndpoints orders the same two hosts the other way:
// the code-assist onboarding call behaves better against prod first for
// freshly provisioned accounts.
var DefaultCodeAssistEndpoints = []string{
	"https://cloudcode-pa.googleapis.com",
	"https://daily-cloudcode-pa.googleapis.com",
}

// clientUserAgent identifies this proxy to the upstream API.
func clientUserAgent() string {
	return "antigravity-proxy-core/1.0.0 " + runtime.GOOS + "/" + runtime.GOARCH
}

func clientMetadata() string {
	data, _ := json.Marshal(map[string]string{
		"ideType":    "IDE_UNSPECIFIED",
		"platform":   "PLATFORM_UNSPECIFIED",
		"pluginType": "GEMINI",
	})
	return string(data)
}

// UpstreamHeaders returns the headers the upstream API expects on every
// request beyond Authorization/Content-Type.
func UpstreamHeaders() map[string]string {
	return map[string]string{
		"User-Agent":         clientUserAgent(),
		"X-Goog-Api-Client":  "google-cloud-sdk vscode_cloudshelleditor/0.1",
		"Client-Metadata":    clientMetadata(),
	}
}

// CodeAssistHeaders are the headers for the code-assist onboarding calls;
// currently identical to UpstreamHeaders.
func CodeAssistHeaders() map[string]string {
	return UpstreamHeaders()
}

// DefaultSystemInstruction is prepended (twice, the second time wrapped in
// an [ignore] tag) to every request so the upstream model doesn't leak its
// own default persona into responses routed through an unrelated client.
const DefaultSystemInstruction = `You are a pair-programming coding assistant helping a developer with a software task. The task may involve creating a new codebase, modifying or debugging an existing one, or simply answering a question. Always use absolute paths when referring to files. Be proactive about completing the user's request without excessive back-and-forth.`

// Tuning constants for the request orchestrator's rate-limit/backoff
// bookkeeping (§7), alongside the MaxRetries family in retry.go.
const (
	MinBackoffMs            = 2_000
	CapacityJitterMaxMs      = 10_000
	MinSignatureLength       = 50
	RateLimitStateResetMs    = 120_000
	RateLimitDedupWindowMs   = 2_000
	FirstRetryDelayMs        = 1_000
	MaxEmptyResponseRetries  = 2
	MaxConsecutiveFailures   = 3
	ExtendedCooldownMs       = 60_000
	ModelValidationCacheTTLMs = 5 * 60 * 1000

	// GeminiSignatureCacheTTLMs is how long a tool-call or thinking-block
	// thought signature stays valid for replay before the upstream would
	// reject it as stale.
	GeminiSignatureCacheTTLMs = 2 * 60 * 60 * 1000 // 2 hours

	// GeminiMaxOutputTokens caps a Gemini-family request's requested
	// output tokens; the upstream rejects values above this.
	GeminiMaxOutputTokens = 16384

	// GeminiSkipSignature is the sentinel thoughtSignature value Gemini
	// accepts in place of a real one when none was cached for a tool call.
	GeminiSkipSignature = "skip_thought_signature_validator"
)
