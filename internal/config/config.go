// Package config provides the proxy's runtime configuration: compiled-in
// defaults layered under a JSON config file, environment variables, and a
// handful of CLI flags, following the same precedence order the Node.js
// original used (env > file > default).
package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/lbjlaq/antigravity-proxy-core/internal/utils"
)

// DefaultPort is the port the server binds when none is configured.
const DefaultPort = 8080

// RequestBodyLimit caps inbound request bodies the gin server will read.
const RequestBodyLimit = 10 << 20 // 10MB

// SchedulingMode is one of the five account-selection disciplines.
type SchedulingMode string

const (
	ModeCacheFirst       SchedulingMode = "cache-first"
	ModeBalance          SchedulingMode = "balance"
	ModePerformanceFirst SchedulingMode = "performance-first"
	ModeSelected         SchedulingMode = "selected"
	ModeP2C              SchedulingMode = "p2c"
)

// IsValidMode reports whether name is one of the five scheduling modes.
func IsValidMode(name string) bool {
	switch SchedulingMode(name) {
	case ModeCacheFirst, ModeBalance, ModePerformanceFirst, ModeSelected, ModeP2C:
		return true
	}
	return false
}

// SchedulingConfig is the hot-reloadable scheduler configuration (§3).
type SchedulingConfig struct {
	Mode             SchedulingMode               `json:"mode" mapstructure:"mode"`
	MaxWaitSeconds   int                           `json:"maxWaitSeconds" mapstructure:"max_wait_seconds"`
	SelectedAccounts []string                      `json:"selectedAccounts" mapstructure:"selected_accounts"`
	SelectedModels   map[string][]string           `json:"selectedModels" mapstructure:"selected_models"`
	StrictSelected   bool                          `json:"strictSelected" mapstructure:"strict_selected"`
}

// Clone returns a deep-enough copy safe to hand to a reader without races.
func (s SchedulingConfig) Clone() SchedulingConfig {
	clone := s
	clone.SelectedAccounts = append([]string(nil), s.SelectedAccounts...)
	clone.SelectedModels = make(map[string][]string, len(s.SelectedModels))
	for k, v := range s.SelectedModels {
		clone.SelectedModels[k] = append([]string(nil), v...)
	}
	return clone
}

// UpstreamConfig configures the upstream Gemini-family endpoint. A second
// base URL may be configured as a network-level fallback (the upstream
// provider runs the same API on more than one host); the proxy tries it
// only on connection failure, never as a different logical backend.
type UpstreamConfig struct {
	BaseURL         string `json:"baseUrl" mapstructure:"base_url"`
	FallbackBaseURL string `json:"fallbackBaseUrl" mapstructure:"fallback_base_url"`
	TimeoutSeconds  int    `json:"timeoutSeconds" mapstructure:"timeout_seconds"`
	ProxyURL        string `json:"proxyUrl" mapstructure:"proxy_url"`
	RefreshURL      string `json:"refreshUrl" mapstructure:"refresh_url"`
	ClientID        string `json:"clientId" mapstructure:"client_id"`
	ClientSecret    string `json:"clientSecret" mapstructure:"client_secret"`
	DefaultProjectID string `json:"defaultProjectId" mapstructure:"default_project_id"`
}

// Endpoints returns the upstream base URL(s) in fallback order.
func (u UpstreamConfig) Endpoints() []string {
	if u.FallbackBaseURL != "" && u.FallbackBaseURL != u.BaseURL {
		return []string{u.BaseURL, u.FallbackBaseURL}
	}
	return []string{u.BaseURL}
}

// RetryConfig configures the orchestrator's retry/backoff behavior.
type RetryConfig struct {
	MaxAttempts   int   `json:"maxAttempts" mapstructure:"max_attempts"`
	BackoffBaseMs int64 `json:"backoffBaseMs" mapstructure:"backoff_base_ms"`
	BackoffCapMs  int64 `json:"backoffCapMs" mapstructure:"backoff_cap_ms"`
}

// ModelEntry maps a public model name to the upstream internal ID plus a
// feature mask.
type ModelEntry struct {
	InternalID      string `json:"internalId" mapstructure:"internal_id"`
	ThinkingEnabled bool   `json:"thinkingEnabled" mapstructure:"thinking_enabled"`
	ThinkingBudget  int    `json:"thinkingBudget" mapstructure:"thinking_budget"`
	MaxOutputTokens int    `json:"maxOutputTokens" mapstructure:"max_output_tokens"`
	// FallbackModel is tried, in full, when every account exhausts its
	// quota for this model and fallback is enabled (§4.5).
	FallbackModel string `json:"fallbackModel" mapstructure:"fallback_model"`
}

// Config is the process-wide runtime configuration.
type Config struct {
	mu sync.RWMutex

	Debug    bool   `json:"debug" mapstructure:"debug"`
	DevMode  bool   `json:"devMode" mapstructure:"dev_mode"`
	LogLevel string `json:"logLevel" mapstructure:"log_level"`

	Port int    `json:"port" mapstructure:"port"`
	Host string `json:"host" mapstructure:"host"`

	APIKeys []string `json:"apiKeys" mapstructure:"api_keys"`

	Scheduling SchedulingConfig      `json:"scheduling" mapstructure:"scheduling"`
	Upstream   UpstreamConfig        `json:"upstream" mapstructure:"upstream"`
	Retry      RetryConfig           `json:"retry" mapstructure:"retry"`
	ModelMap   map[string]ModelEntry `json:"modelMap" mapstructure:"model_map"`
	Safety     map[string]string     `json:"safetyDefaults" mapstructure:"safety_defaults"`

	LogBodies bool `json:"-" mapstructure:"log_bodies"`

	MaxAccounts int `json:"maxAccounts" mapstructure:"max_accounts"`

	RedisAddr     string `json:"redisAddr" mapstructure:"redis_addr"`
	RedisPassword string `json:"redisPassword" mapstructure:"redis_password"`
	RedisDB       int    `json:"redisDB" mapstructure:"redis_db"`

	FallbackEnabled bool `json:"fallbackEnabled" mapstructure:"fallback_enabled"`
}

// DefaultConfig returns a Config populated with the spec's default values.
func DefaultConfig() *Config {
	return &Config{
		Debug:    false,
		DevMode:  false,
		LogLevel: "info",
		Port:     8080,
		Host:     "0.0.0.0",
		APIKeys:  nil,
		Scheduling: SchedulingConfig{
			Mode:           ModeBalance,
			MaxWaitSeconds: 60,
			SelectedModels: make(map[string][]string),
		},
		Upstream: UpstreamConfig{
			BaseURL:        "https://cloudcode-pa.googleapis.com",
			TimeoutSeconds: 300,
			RefreshURL:     "https://oauth2.googleapis.com/token",
		},
		Retry: RetryConfig{
			MaxAttempts:   3,
			BackoffBaseMs: 500,
			BackoffCapMs:  30000,
		},
		ModelMap: map[string]ModelEntry{
			"claude-4.5-sonnet": {
				InternalID:      "gemini-claude-4.5-sonnet",
				ThinkingEnabled: false,
				MaxOutputTokens: 8192,
			},
			"claude-4.5-sonnet-thinking": {
				InternalID:      "gemini-claude-4.5-sonnet",
				ThinkingEnabled: true,
				ThinkingBudget:  16000,
				MaxOutputTokens: 24192,
			},
		},
		Safety:          map[string]string{},
		MaxAccounts:     10,
		RedisAddr:       "localhost:6379",
		RedisDB:         0,
		FallbackEnabled: false,
	}
}

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
)

// GetConfig returns the process-wide Config singleton, loading it on first
// use.
func GetConfig() *Config {
	globalConfigOnce.Do(func() {
		globalConfig = DefaultConfig()
		if err := globalConfig.Load(); err != nil {
			utils.Warn("[config] load failed, continuing with defaults: %v", err)
		}
	})
	return globalConfig
}

// Load layers environment variables and an optional JSON config file over
// the current defaults. Precedence: env > file > compiled-in default.
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := viper.New()
	v.SetConfigType("json")
	v.SetConfigName("config")

	home := utils.GetHomeDir()
	configDir := filepath.Join(home, ".config", "antigravity-proxy")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	v.SetEnvPrefix("ANTIGRAVITY")
	v.AutomaticEnv()

	c.bindDefaults(v)
	c.bindEnvAliases(v)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return fmt.Errorf("config: read config file: %w", err)
		}
	}

	if err := v.Unmarshal(c); err != nil {
		return fmt.Errorf("config: unmarshal: %w", err)
	}

	if c.Debug && !c.DevMode {
		c.DevMode = true
	}
	utils.SetDebug(c.Debug || c.DevMode)

	return nil
}

func (c *Config) bindDefaults(v *viper.Viper) {
	v.SetDefault("debug", c.Debug)
	v.SetDefault("dev_mode", c.DevMode)
	v.SetDefault("log_level", c.LogLevel)
	v.SetDefault("port", c.Port)
	v.SetDefault("host", c.Host)
	v.SetDefault("api_keys", c.APIKeys)
	v.SetDefault("scheduling", c.Scheduling)
	v.SetDefault("upstream", c.Upstream)
	v.SetDefault("retry", c.Retry)
	v.SetDefault("model_map", c.ModelMap)
	v.SetDefault("safety_defaults", c.Safety)
	v.SetDefault("log_bodies", c.LogBodies)
	v.SetDefault("max_accounts", c.MaxAccounts)
	v.SetDefault("redis_addr", c.RedisAddr)
	v.SetDefault("redis_password", c.RedisPassword)
	v.SetDefault("redis_db", c.RedisDB)
	v.SetDefault("fallback_enabled", c.FallbackEnabled)
}

// bindEnvAliases wires the specific environment variable names operators
// already use (PORT, HOST, DEBUG, ...) alongside the ANTIGRAVITY_ prefix
// viper.AutomaticEnv derives automatically.
func (c *Config) bindEnvAliases(v *viper.Viper) {
	_ = v.BindEnv("port", "PORT")
	_ = v.BindEnv("host", "HOST")
	_ = v.BindEnv("debug", "DEBUG")
	_ = v.BindEnv("dev_mode", "DEV_MODE")
	_ = v.BindEnv("fallback_enabled", "FALLBACK")
	_ = v.BindEnv("scheduling.mode", "SCHEDULING_MODE", "STRATEGY")
	_ = v.BindEnv("upstream.base_url", "UPSTREAM_BASE_URL")
	_ = v.BindEnv("upstream.proxy_url", "UPSTREAM_PROXY_URL")
	_ = v.BindEnv("redis_addr", "REDIS_ADDR")
	_ = v.BindEnv("log_bodies", "LOG_BODIES")
}

// GetSchedulingConfig returns a race-safe snapshot of the scheduling config.
func (c *Config) GetSchedulingConfig() SchedulingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Scheduling.Clone()
}

// UpdateSchedulingConfig hot-swaps the scheduling config. This is the
// concrete form of the Token Manager's update_sticky_config contract.
func (c *Config) UpdateSchedulingConfig(next SchedulingConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Scheduling = next.Clone()
}

// RequestTimeout returns the configured per-request upstream timeout.
func (c *Config) RequestTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Upstream.TimeoutSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.Upstream.TimeoutSeconds) * time.Second
}

// ResolveModel looks up the public model name in ModelMap.
func (c *Config) ResolveModel(name string) (ModelEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.ModelMap[name]
	return entry, ok
}

// GetFallbackModel returns the configured fallback model name for model,
// if one is set.
func (c *Config) GetFallbackModel(model string) (string, bool) {
	entry, ok := c.ResolveModel(model)
	if !ok || entry.FallbackModel == "" {
		return "", false
	}
	return entry.FallbackModel, true
}

// IsValidAPIKey runs a constant-time membership check against the
// configured bearer-token set (§4.5 step 1, §7: auth never short-circuits
// on key length to avoid timing side channels).
func (c *Config) IsValidAPIKey(provided string) bool {
	c.mu.RLock()
	keys := c.APIKeys
	c.mu.RUnlock()

	if len(keys) == 0 {
		// No keys configured: auth is disabled, matching the teacher's
		// "skip validation if apiKey is not configured" behavior.
		return true
	}
	for _, k := range keys {
		if utils.ConstantTimeEqual(provided, k) {
			return true
		}
	}
	return false
}
