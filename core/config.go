package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the ensemble engine.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
//
// All duration-valued settings are configured in milliseconds at the edge
// (env vars and YAML) and converted to time.Duration on load.
//
// Example usage:
//
//	cfg, err := core.NewConfig(
//	    core.WithName("conclave"),
//	    core.WithRedisURL("redis://localhost:6379"),
//	)
type Config struct {
	// Core configuration
	Name        string `json:"name" yaml:"name"`
	Environment string `json:"environment" yaml:"environment"` // production|development|test

	// Ensemble dispatch configuration
	Ensemble EnsembleConfig `json:"ensemble" yaml:"ensemble"`

	// Retry configuration
	Retry RetryConfig `json:"retry" yaml:"retry"`

	// Circuit breaker configuration
	Breaker BreakerConfig `json:"breaker" yaml:"breaker"`

	// Multi-tier cache configuration
	Cache CacheConfig `json:"cache" yaml:"cache"`

	// Session memory configuration
	Memory MemoryConfig `json:"memory" yaml:"memory"`

	// Recovery automation configuration
	Recovery RecoveryConfig `json:"recovery" yaml:"recovery"`

	// Graceful degradation configuration
	Degradation DegradationConfig `json:"degradation" yaml:"degradation"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Logger instance for configuration operations (excluded from marshaling)
	logger Logger
}

// EnsembleConfig controls request fan-out deadlines and result caching
type EnsembleConfig struct {
	Deadline     time.Duration `json:"deadline" yaml:"-"`
	RoleDeadline time.Duration `json:"role_deadline" yaml:"-"`
	ResultTTL    time.Duration `json:"result_ttl" yaml:"-"`

	DeadlineMS     int `json:"-" yaml:"deadline_ms"`
	RoleDeadlineMS int `json:"-" yaml:"role_deadline_ms"`
	ResultTTLMS    int `json:"-" yaml:"result_ttl_ms"`
}

// RetryConfig controls the retry engine defaults
type RetryConfig struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay" yaml:"-"`
	MaxDelay    time.Duration `json:"max_delay" yaml:"-"`
	Multiplier  float64       `json:"multiplier" yaml:"multiplier"`
	Jitter      time.Duration `json:"jitter" yaml:"-"`

	BaseDelayMS int `json:"-" yaml:"base_delay_ms"`
	MaxDelayMS  int `json:"-" yaml:"max_delay_ms"`
	JitterMS    int `json:"-" yaml:"jitter_ms"`
}

// BreakerConfig controls per-service circuit breakers
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	ResetTimeout     time.Duration `json:"reset_timeout" yaml:"-"`
	MonitorWindow    time.Duration `json:"monitor_window" yaml:"-"`

	ResetMS  int `json:"-" yaml:"reset_ms"`
	WindowMS int `json:"-" yaml:"window_ms"`
}

// CacheConfig controls the multi-tier cache
type CacheConfig struct {
	MaxMemoryMB            int `json:"max_memory_mb" yaml:"max_memory_mb"`
	CompressThresholdBytes int `json:"compress_threshold_bytes" yaml:"compress_threshold_bytes"`
	TierMaxHot             int `json:"tier_max_hot" yaml:"tier_max_hot"`
	TierMaxWarm            int `json:"tier_max_warm" yaml:"tier_max_warm"`
	TierMaxCold            int `json:"tier_max_cold" yaml:"tier_max_cold"`

	TTLHot  time.Duration `json:"ttl_hot" yaml:"-"`
	TTLWarm time.Duration `json:"ttl_warm" yaml:"-"`
	TTLCold time.Duration `json:"ttl_cold" yaml:"-"`

	TTLHotMS  int `json:"-" yaml:"ttl_hot_ms"`
	TTLWarmMS int `json:"-" yaml:"ttl_warm_ms"`
	TTLColdMS int `json:"-" yaml:"ttl_cold_ms"`
}

// MemoryConfig selects the session memory backend
type MemoryConfig struct {
	Provider string `json:"provider" yaml:"provider"` // memory|redis
	RedisURL string `json:"redis_url" yaml:"redis_url"`
}

// RecoveryConfig controls background recovery automation
type RecoveryConfig struct {
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	Interval    time.Duration `json:"interval" yaml:"-"`
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`

	IntervalMS int `json:"-" yaml:"interval_ms"`
}

// DegradationConfig controls the graceful degradation manager
type DegradationConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// LoggingConfig controls structured log output
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // json|text
	Output string `json:"output" yaml:"output"` // stdout|stderr
}

// Option is a functional configuration option
type Option func(*Config) error

// DefaultConfig returns the production defaults
func DefaultConfig() *Config {
	return &Config{
		Name:        "conclave",
		Environment: "production",
		Ensemble: EnsembleConfig{
			Deadline:     30 * time.Second,
			RoleDeadline: 25 * time.Second,
			ResultTTL:    10 * time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   1000 * time.Millisecond,
			MaxDelay:    30 * time.Second,
			Multiplier:  2.0,
			Jitter:      250 * time.Millisecond,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     60 * time.Second,
			MonitorWindow:    120 * time.Second,
		},
		Cache: CacheConfig{
			MaxMemoryMB:            200,
			CompressThresholdBytes: 512,
			TierMaxHot:             1000,
			TierMaxWarm:            5000,
			TierMaxCold:            44000,
			TTLHot:                 10 * time.Minute,
			TTLWarm:                time.Hour,
			TTLCold:                4 * time.Hour,
		},
		Memory: MemoryConfig{
			Provider: "memory",
		},
		Recovery: RecoveryConfig{
			Enabled:     true,
			Interval:    60 * time.Second,
			MaxAttempts: 3,
		},
		Degradation: DegradationConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// NewConfig builds a configuration from defaults, environment, and options
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if cfg.logger == nil {
		cfg.logger = NewProductionLogger(cfg.Logging, cfg.Name)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	return cfg, nil
}

// LoadFromEnv overlays environment variables onto the configuration.
// Millisecond-valued env vars convert to time.Duration here, at the edge.
func (c *Config) LoadFromEnv() error {
	if v := firstEnv("CONCLAVE_ENV", "GO_ENV"); v != "" {
		c.Environment = strings.ToLower(v)
	}
	if c.IsTestEnvironment() {
		// Test defaults collapse so suites run fast and deterministically
		c.Retry.MaxAttempts = 1
		c.Retry.BaseDelay = 10 * time.Millisecond
		c.Breaker.FailureThreshold = 10
		c.Breaker.ResetTimeout = 1000 * time.Millisecond
		c.Breaker.MonitorWindow = 5000 * time.Millisecond
	}

	var err error
	setDurationMS := func(name string, target *time.Duration) {
		if err != nil {
			return
		}
		if v := os.Getenv(name); v != "" {
			ms, parseErr := strconv.Atoi(v)
			if parseErr != nil {
				err = fmt.Errorf("%s: %w", name, parseErr)
				return
			}
			*target = time.Duration(ms) * time.Millisecond
		}
	}
	setInt := func(name string, target *int) {
		if err != nil {
			return
		}
		if v := os.Getenv(name); v != "" {
			n, parseErr := strconv.Atoi(v)
			if parseErr != nil {
				err = fmt.Errorf("%s: %w", name, parseErr)
				return
			}
			*target = n
		}
	}
	setBool := func(name string, target *bool) {
		if err != nil {
			return
		}
		if v := os.Getenv(name); v != "" {
			b, parseErr := strconv.ParseBool(v)
			if parseErr != nil {
				err = fmt.Errorf("%s: %w", name, parseErr)
				return
			}
			*target = b
		}
	}

	setDurationMS("ENSEMBLE_DEADLINE_MS", &c.Ensemble.Deadline)
	setDurationMS("ROLE_DEADLINE_MS", &c.Ensemble.RoleDeadline)
	setDurationMS("ENSEMBLE_RESULT_TTL_MS", &c.Ensemble.ResultTTL)

	setInt("RETRY_MAX_ATTEMPTS", &c.Retry.MaxAttempts)
	setDurationMS("RETRY_BASE_DELAY_MS", &c.Retry.BaseDelay)
	setDurationMS("RETRY_MAX_DELAY_MS", &c.Retry.MaxDelay)
	setDurationMS("RETRY_JITTER_MS", &c.Retry.Jitter)

	setInt("BREAKER_FAILURE_THRESHOLD", &c.Breaker.FailureThreshold)
	setDurationMS("BREAKER_RESET_MS", &c.Breaker.ResetTimeout)
	setDurationMS("BREAKER_WINDOW_MS", &c.Breaker.MonitorWindow)

	setInt("CACHE_MAX_MEMORY_MB", &c.Cache.MaxMemoryMB)
	setInt("CACHE_COMPRESS_THRESHOLD_BYTES", &c.Cache.CompressThresholdBytes)
	setInt("CACHE_TIER_MAX_HOT", &c.Cache.TierMaxHot)
	setInt("CACHE_TIER_MAX_WARM", &c.Cache.TierMaxWarm)
	setInt("CACHE_TIER_MAX_COLD", &c.Cache.TierMaxCold)
	setDurationMS("CACHE_TTL_HOT_MS", &c.Cache.TTLHot)
	setDurationMS("CACHE_TTL_WARM_MS", &c.Cache.TTLWarm)
	setDurationMS("CACHE_TTL_COLD_MS", &c.Cache.TTLCold)

	setBool("AUTO_RECOVERY_ENABLED", &c.Recovery.Enabled)
	setBool("GRACEFUL_DEGRADATION_ENABLED", &c.Degradation.Enabled)

	if v := os.Getenv("CONCLAVE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CONCLAVE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := firstEnv("CONCLAVE_REDIS_URL", "REDIS_URL"); v != "" {
		c.Memory.RedisURL = v
		c.Memory.Provider = "redis"
	}

	return err
}

// LoadFromFile overlays a YAML configuration file. Millisecond fields in the
// file convert to durations after unmarshaling.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	applyMS := func(ms int, target *time.Duration) {
		if ms > 0 {
			*target = time.Duration(ms) * time.Millisecond
		}
	}
	applyMS(c.Ensemble.DeadlineMS, &c.Ensemble.Deadline)
	applyMS(c.Ensemble.RoleDeadlineMS, &c.Ensemble.RoleDeadline)
	applyMS(c.Ensemble.ResultTTLMS, &c.Ensemble.ResultTTL)
	applyMS(c.Retry.BaseDelayMS, &c.Retry.BaseDelay)
	applyMS(c.Retry.MaxDelayMS, &c.Retry.MaxDelay)
	applyMS(c.Retry.JitterMS, &c.Retry.Jitter)
	applyMS(c.Breaker.ResetMS, &c.Breaker.ResetTimeout)
	applyMS(c.Breaker.WindowMS, &c.Breaker.MonitorWindow)
	applyMS(c.Cache.TTLHotMS, &c.Cache.TTLHot)
	applyMS(c.Cache.TTLWarmMS, &c.Cache.TTLWarm)
	applyMS(c.Cache.TTLColdMS, &c.Cache.TTLCold)
	applyMS(c.Recovery.IntervalMS, &c.Recovery.Interval)

	return nil
}

// IsTestEnvironment reports whether test defaults apply
func (c *Config) IsTestEnvironment() bool {
	return c.Environment == "test"
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Ensemble.Deadline <= 0 {
		return fmt.Errorf("ensemble deadline must be positive, got %v", c.Ensemble.Deadline)
	}
	if c.Ensemble.RoleDeadline <= 0 || c.Ensemble.RoleDeadline > c.Ensemble.Deadline {
		return fmt.Errorf("role deadline must be positive and not exceed the ensemble deadline, got %v", c.Ensemble.RoleDeadline)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be at least 1, got %f", c.Retry.Multiplier)
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker failure threshold must be at least 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.ResetTimeout <= 0 {
		return fmt.Errorf("breaker reset timeout must be positive, got %v", c.Breaker.ResetTimeout)
	}
	if c.Breaker.MonitorWindow <= 0 {
		return fmt.Errorf("breaker monitor window must be positive, got %v", c.Breaker.MonitorWindow)
	}
	if c.Cache.MaxMemoryMB < 1 {
		return fmt.Errorf("cache max memory must be at least 1MB, got %d", c.Cache.MaxMemoryMB)
	}
	if c.Cache.TierMaxHot < 1 || c.Cache.TierMaxWarm < 1 || c.Cache.TierMaxCold < 1 {
		return fmt.Errorf("cache tier capacities must be at least 1")
	}
	if c.Memory.Provider != "memory" && c.Memory.Provider != "redis" {
		return fmt.Errorf("memory provider must be memory or redis, got %q", c.Memory.Provider)
	}
	if c.Memory.Provider == "redis" && c.Memory.RedisURL == "" {
		return fmt.Errorf("redis memory provider requires a redis url")
	}
	return nil
}

// Logger returns the configured logger
func (c *Config) Logger() Logger {
	if c.logger == nil {
		return &NoOpLogger{}
	}
	return c.logger
}

// WithName sets the service name
func WithName(name string) Option {
	return func(c *Config) error {
		c.Name = name
		return nil
	}
}

// WithEnvironment sets the runtime environment (production|development|test)
func WithEnvironment(env string) Option {
	return func(c *Config) error {
		c.Environment = strings.ToLower(env)
		return nil
	}
}

// WithLogger sets the logger instance
func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		c.logger = logger
		return nil
	}
}

// WithRedisURL enables the Redis session memory backend
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.Memory.Provider = "redis"
		c.Memory.RedisURL = url
		return nil
	}
}

// WithConfigFile overlays a YAML configuration file
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadFromFile(path)
	}
}

// WithEnsembleDeadline sets the overall request deadline
func WithEnsembleDeadline(d time.Duration) Option {
	return func(c *Config) error {
		c.Ensemble.Deadline = d
		return nil
	}
}

// WithRoleDeadline sets the per-role sub-deadline
func WithRoleDeadline(d time.Duration) Option {
	return func(c *Config) error {
		c.Ensemble.RoleDeadline = d
		return nil
	}
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}
