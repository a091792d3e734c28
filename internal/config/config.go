// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rmarchant/webextract/internal/budget"
	"github.com/rmarchant/webextract/internal/extract"
	"github.com/rmarchant/webextract/internal/logging"
	"github.com/rmarchant/webextract/internal/render"
	"github.com/rmarchant/webextract/internal/resilience"
	"github.com/rmarchant/webextract/internal/session"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Logging   LoggingConfig             `mapstructure:"logging"`
	Pool      PoolConfig                `mapstructure:"pool"`
	Render    RenderConfig              `mapstructure:"render"`
	Budget    BudgetConfig              `mapstructure:"budget"`
	Breaker   BreakerConfig             `mapstructure:"breaker"`
	Cache     CacheConfig               `mapstructure:"cache"`
	Artifacts ArtifactsConfig           `mapstructure:"artifacts"`
	Extract   ExtractConfig             `mapstructure:"extract"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features and the root level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// AsLoggerConfig converts to the logging representation.
func (l LoggingConfig) AsLoggerConfig() logging.Config {
	return logging.Config{
		Development: l.Development,
		Level:       l.Level,
	}
}

// PoolConfig governs the browser session pool.
type PoolConfig struct {
	Capacity              int         `mapstructure:"capacity"`
	AcquireTimeoutSeconds int         `mapstructure:"acquire_timeout_seconds"`
	CreateRetry           RetryConfig `mapstructure:"create_retry"`
}

// RenderConfig governs the headless rendering subsystem.
type RenderConfig struct {
	UserAgent      string      `mapstructure:"user_agent"`
	TimeoutSeconds int         `mapstructure:"timeout_seconds"`
	HostQPS        float64     `mapstructure:"host_qps"`
	Retry          RetryConfig `mapstructure:"retry"`
}

// RetryConfig configures a retry policy.
type RetryConfig struct {
	MaxAttempts      int     `mapstructure:"max_attempts"`
	BackoffInitialMs int     `mapstructure:"backoff_initial_ms"`
	Multiplier       float64 `mapstructure:"multiplier"`
	Jitter           float64 `mapstructure:"jitter"`
	AttemptTimeoutMs int     `mapstructure:"attempt_timeout_ms"`
}

// BudgetConfig bounds the content handed to extraction providers.
type BudgetConfig struct {
	TargetUnits  int     `mapstructure:"target_units"`
	SafetyMargin float64 `mapstructure:"safety_margin"`
}

// BreakerConfig governs the shared circuit breakers.
type BreakerConfig struct {
	FailureThreshold   int `mapstructure:"failure_threshold"`
	CooldownSeconds    int `mapstructure:"cooldown_seconds"`
	MaxCooldownSeconds int `mapstructure:"max_cooldown_seconds"`
}

// CacheConfig selects the cache backend and per-stage lifetimes.
type CacheConfig struct {
	// Backend is "memory", "filesystem", or "none".
	Backend              string `mapstructure:"backend"`
	Dir                  string `mapstructure:"dir"`
	RenderTTLSeconds     int    `mapstructure:"render_ttl_seconds"`
	ExtractTTLSeconds    int    `mapstructure:"extract_ttl_seconds"`
	SweepIntervalSeconds int    `mapstructure:"sweep_interval_seconds"`
}

// ArtifactsConfig controls snapshot persistence.
type ArtifactsConfig struct {
	// Dir is where snapshots land; empty disables persistence.
	Dir string `mapstructure:"dir"`
}

// ExtractConfig picks the default strategy and its retry behavior.
type ExtractConfig struct {
	DefaultProvider string      `mapstructure:"default_provider"`
	Retry           RetryConfig `mapstructure:"retry"`
}

// ProviderConfig carries per-provider credentials and tuning.
type ProviderConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WEBEXTRACT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("pool.capacity", 4)
	v.SetDefault("pool.acquire_timeout_seconds", 30)
	v.SetDefault("pool.create_retry.max_attempts", 3)
	v.SetDefault("pool.create_retry.backoff_initial_ms", 500)
	v.SetDefault("pool.create_retry.multiplier", 2.0)
	v.SetDefault("render.user_agent", "webextract/0.1")
	v.SetDefault("render.timeout_seconds", 30)
	v.SetDefault("render.host_qps", 1.0)
	v.SetDefault("render.retry.max_attempts", 3)
	v.SetDefault("render.retry.backoff_initial_ms", 250)
	v.SetDefault("render.retry.multiplier", 2.0)
	v.SetDefault("render.retry.jitter", 0.2)
	v.SetDefault("budget.target_units", 100000)
	v.SetDefault("budget.safety_margin", 0.05)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cooldown_seconds", 30)
	v.SetDefault("breaker.max_cooldown_seconds", 300)
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.render_ttl_seconds", 900)
	v.SetDefault("cache.extract_ttl_seconds", 3600)
	v.SetDefault("cache.sweep_interval_seconds", 60)
	v.SetDefault("extract.default_provider", "openai")
	v.SetDefault("extract.retry.max_attempts", 3)
	v.SetDefault("extract.retry.backoff_initial_ms", 1000)
	v.SetDefault("extract.retry.multiplier", 2.0)
	v.SetDefault("extract.retry.jitter", 0.2)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Pool.Capacity <= 0 {
		return fmt.Errorf("pool.capacity must be > 0")
	}
	if c.Render.TimeoutSeconds <= 0 {
		return fmt.Errorf("render.timeout_seconds must be > 0")
	}
	if err := c.Budget.AsBudget().Validate(); err != nil {
		return fmt.Errorf("budget: %w", err)
	}
	if err := c.Render.Retry.AsPolicy().Validate(); err != nil {
		return fmt.Errorf("render.retry: %w", err)
	}
	if err := c.Extract.Retry.AsPolicy().Validate(); err != nil {
		return fmt.Errorf("extract.retry: %w", err)
	}
	switch c.Cache.Backend {
	case "memory", "none":
	case "filesystem":
		if c.Cache.Dir == "" {
			return fmt.Errorf("cache.dir must be set for the filesystem backend")
		}
	default:
		return fmt.Errorf("cache.backend must be memory, filesystem, or none")
	}
	return nil
}

// AsPolicy converts to the resilience representation.
func (r RetryConfig) AsPolicy() resilience.Policy {
	return resilience.Policy{
		MaxAttempts:    r.MaxAttempts,
		InitialDelay:   time.Duration(r.BackoffInitialMs) * time.Millisecond,
		Multiplier:     r.Multiplier,
		Jitter:         r.Jitter,
		AttemptTimeout: time.Duration(r.AttemptTimeoutMs) * time.Millisecond,
	}
}

// AsBudget converts to the budgeter representation.
func (b BudgetConfig) AsBudget() budget.Budget {
	return budget.Budget{
		TargetUnits:  b.TargetUnits,
		SafetyMargin: b.SafetyMargin,
	}
}

// AsBreaker converts to the circuit breaker representation.
func (b BreakerConfig) AsBreaker() resilience.BreakerConfig {
	return resilience.BreakerConfig{
		FailureThreshold: b.FailureThreshold,
		Cooldown:         time.Duration(b.CooldownSeconds) * time.Second,
		MaxCooldown:      time.Duration(b.MaxCooldownSeconds) * time.Second,
	}
}

// AsPoolConfig converts to the session pool representation.
func (p PoolConfig) AsPoolConfig() session.Config {
	return session.Config{
		Capacity:       p.Capacity,
		AcquireTimeout: time.Duration(p.AcquireTimeoutSeconds) * time.Second,
		CreatePolicy:   p.CreateRetry.AsPolicy(),
	}
}

// AsEngineConfig converts to the render engine representation.
func (r RenderConfig) AsEngineConfig() render.EngineConfig {
	return render.EngineConfig{
		UserAgent:      r.UserAgent,
		DefaultTimeout: time.Duration(r.TimeoutSeconds) * time.Second,
		HostQPS:        r.HostQPS,
	}
}

// ProviderConfigs converts the provider map to the extraction
// representation, attaching the shared extraction retry policy.
func (c Config) ProviderConfigs() map[string]extract.ProviderConfig {
	out := make(map[string]extract.ProviderConfig, len(c.Providers))
	pol := c.Extract.Retry.AsPolicy()
	for name, p := range c.Providers {
		out[name] = extract.ProviderConfig{
			APIKey:      p.APIKey,
			BaseURL:     p.BaseURL,
			Model:       p.Model,
			Temperature: float32(p.Temperature),
			Policy:      pol,
		}
	}
	return out
}

// RenderTTL is the render cache entry lifetime.
func (c CacheConfig) RenderTTL() time.Duration {
	return time.Duration(c.RenderTTLSeconds) * time.Second
}

// ExtractTTL is the extraction cache entry lifetime.
func (c CacheConfig) ExtractTTL() time.Duration {
	return time.Duration(c.ExtractTTLSeconds) * time.Second
}

// SweepInterval is how often expired cache entries are collected.
func (c CacheConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}
