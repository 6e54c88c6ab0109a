// Package config defines the typed gateway configuration and its
// loading cascade: built-in defaults, then an optional YAML file, then
// MODELGATE_* environment overrides, then functional options. Later
// layers win. Plugins and components consume typed records only.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root gateway configuration
type Config struct {
	ServiceName string `yaml:"service_name"`
	LogLevel    string `yaml:"log_level"`

	Server    ServerConfig             `yaml:"server"`
	Router    RouterConfig             `yaml:"router"`
	Breaker   BreakerConfig            `yaml:"breaker"`
	Pool      PoolConfig               `yaml:"pool"`
	Quota     QuotaConfig              `yaml:"quota"`
	Stream    StreamConfig             `yaml:"stream"`
	Retry     RetryConfig              `yaml:"retry"`
	Policies  PolicyConfig             `yaml:"policies"`
	Telemetry TelemetryConfig          `yaml:"telemetry"`
	Redis     RedisConfig              `yaml:"redis"`
	Jobs      JobsConfig               `yaml:"jobs"`
	Providers map[string]ProviderEntry `yaml:"providers"`
}

// ServerConfig bounds request admission
type ServerConfig struct {
	// MaxDeadline caps caller-supplied deadlines
	MaxDeadline time.Duration `yaml:"max_deadline"`
	// DefaultDeadline applies when the request carries none
	DefaultDeadline time.Duration `yaml:"default_deadline"`
	// InflightWindow is how long a completed request id stays reserved
	// for duplicate detection
	InflightWindow time.Duration `yaml:"inflight_window"`
	// PhaseSoftBudget is the per-phase observability budget; overruns
	// are logged, never enforced
	PhaseSoftBudget time.Duration `yaml:"phase_soft_budget"`
}

// RouterConfig holds scoring weights and normalization bounds
type RouterConfig struct {
	Weights Weights `yaml:"weights"`
	Bounds  Bounds  `yaml:"bounds"`
}

// Weights for the router's scoring function. Must sum to 1.
type Weights struct {
	Performance float64 `yaml:"performance"`
	Cost        float64 `yaml:"cost"`
	Latency     float64 `yaml:"latency"`
	Reliability float64 `yaml:"reliability"`
}

// Bounds normalize provider profile values into [0,1]; values outside
// the bounds clamp.
type Bounds struct {
	MaxCostPerToken float64 `yaml:"max_cost_per_token"`
	MaxLatencyMs    float64 `yaml:"max_latency_ms"`
}

// BreakerConfig configures the per-provider circuit breaker
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
	ProbePolicy      string        `yaml:"probe_policy"` // only "single" is recognized
}

// PoolConfig configures the local runner warm pool
type PoolConfig struct {
	MaxSize       int           `yaml:"max_size"`
	IdleTTL       time.Duration `yaml:"idle_ttl"`
	WarmupEnabled bool          `yaml:"warmup_enabled"`
}

// QuotaConfig configures per-tenant and per-provider quota windows
type QuotaConfig struct {
	DefaultLimit  int64            `yaml:"default_limit"`
	DefaultWindow time.Duration    `yaml:"default_window"`
	Overrides     map[string]int64 `yaml:"overrides"` // limit overrides per quota key
}

// StreamConfig configures the streaming emitter
type StreamConfig struct {
	// BufferSize is the bounded chunk buffer; a full buffer blocks the
	// producer (backpressure)
	BufferSize int `yaml:"buffer_size"`
}

// RetryConfig bounds EXECUTE-phase retries
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// PolicyConfig configures the built-in policy plugins
type PolicyConfig struct {
	Safety   SafetyConfig   `yaml:"safety"`
	Sampling SamplingConfig `yaml:"sampling"`
	Memory   MemoryConfig   `yaml:"memory"`
}

// SafetyConfig lists blocked content patterns (regular expressions)
type SafetyConfig struct {
	BlockedPatterns []string `yaml:"blocked_patterns"`
}

// SamplingConfig bounds request sampling parameters
type SamplingConfig struct {
	MaxTemperature float64 `yaml:"max_temperature"`
	MaxTokensCap   int     `yaml:"max_tokens_cap"`
}

// MemoryConfig configures context injection
type MemoryConfig struct {
	Enabled           bool `yaml:"enabled"`
	MaxInjectedTokens int  `yaml:"max_injected_tokens"`
}

// TelemetryConfig configures metric and trace export
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // OTLP gRPC endpoint; empty = stdout in dev mode
	DevMode  bool   `yaml:"dev_mode"`
}

// RedisConfig selects the distributed state backend. Empty URL keeps
// quota counters and job records in process memory.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// JobsConfig configures the async job subsystem
type JobsConfig struct {
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
	ResultTTL time.Duration `yaml:"result_ttl"`
}

// ProviderEntry is the typed per-provider configuration block.
// Settings carries the provider SPI's enumerated keys (api.key,
// api.base-url, timeout.seconds, device, threads, base-path, ...).
type ProviderEntry struct {
	Type     string                 `yaml:"type"` // openai, anthropic, bedrock, local
	Enabled  bool                   `yaml:"enabled"`
	Settings map[string]interface{} `yaml:"settings"`
}

// Option mutates the configuration after defaults, file and env layers
type Option func(*Config)

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		ServiceName: "modelgate",
		LogLevel:    "INFO",
		Server: ServerConfig{
			MaxDeadline:     5 * time.Minute,
			DefaultDeadline: 60 * time.Second,
			InflightWindow:  30 * time.Second,
			PhaseSoftBudget: 500 * time.Millisecond,
		},
		Router: RouterConfig{
			Weights: Weights{
				Performance: 0.4,
				Cost:        0.2,
				Latency:     0.2,
				Reliability: 0.2,
			},
			Bounds: Bounds{
				MaxCostPerToken: 0.0001,
				MaxLatencyMs:    10000,
			},
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Timeout:          60 * time.Second,
			ProbePolicy:      "single",
		},
		Pool: PoolConfig{
			MaxSize:       4,
			IdleTTL:       15 * time.Minute,
			WarmupEnabled: false,
		},
		Quota: QuotaConfig{
			DefaultLimit:  100000,
			DefaultWindow: time.Hour,
		},
		Stream: StreamConfig{
			BufferSize: 64,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   100 * time.Millisecond,
			MaxBackoff:  5 * time.Second,
		},
		Policies: PolicyConfig{
			Sampling: SamplingConfig{
				MaxTemperature: 2.0,
				MaxTokensCap:   8192,
			},
			Memory: MemoryConfig{
				Enabled:           false,
				MaxInjectedTokens: 1024,
			},
		},
		Telemetry: TelemetryConfig{
			Enabled: false,
			DevMode: true,
		},
		Jobs: JobsConfig{
			Workers:   4,
			QueueSize: 256,
			ResultTTL: 24 * time.Hour,
		},
		Providers: map[string]ProviderEntry{},
	}
}

// Load builds the configuration: defaults, optional YAML file from
// MODELGATE_CONFIG_FILE or the path argument, env overrides, options.
func Load(path string, opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = os.Getenv("MODELGATE_CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	for _, opt := range opts {
		opt(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides maps MODELGATE_* variables onto config fields.
// Only the operationally interesting knobs are exposed this way; the
// rest require the YAML file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MODELGATE_SERVICE_NAME"); v != "" {
		c.ServiceName = v
	}
	if v := os.Getenv("MODELGATE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("MODELGATE_REDIS_URL"); v != "" {
		c.Redis.URL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("MODELGATE_BREAKER_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Breaker.FailureThreshold = n
		}
	}
	if v := os.Getenv("MODELGATE_BREAKER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Breaker.Timeout = d
		}
	}
	if v := os.Getenv("MODELGATE_POOL_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pool.MaxSize = n
		}
	}
	if v := os.Getenv("MODELGATE_POOL_IDLE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Pool.IdleTTL = d
		}
	}
	if v := os.Getenv("MODELGATE_QUOTA_DEFAULT_LIMIT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Quota.DefaultLimit = n
		}
	}
	if v := os.Getenv("MODELGATE_QUOTA_DEFAULT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Quota.DefaultWindow = d
		}
	}
	if v := os.Getenv("MODELGATE_STREAM_BUFFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Stream.BufferSize = n
		}
	}
	if v := os.Getenv("MODELGATE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("MODELGATE_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	} else if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
}

// Validate checks cross-field invariants
func (c *Config) Validate() error {
	w := c.Router.Weights
	sum := w.Performance + w.Cost + w.Latency + w.Reliability
	if math.Abs(sum-1.0) > 0.001 {
		return fmt.Errorf("router weights must sum to 1, got %.3f", sum)
	}
	if w.Performance < 0 || w.Cost < 0 || w.Latency < 0 || w.Reliability < 0 {
		return fmt.Errorf("router weights must be non-negative")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker failure threshold must be positive")
	}
	if c.Breaker.ProbePolicy != "" && c.Breaker.ProbePolicy != "single" {
		return fmt.Errorf("unsupported breaker probe policy %q", c.Breaker.ProbePolicy)
	}
	if c.Pool.MaxSize <= 0 {
		return fmt.Errorf("pool max size must be positive")
	}
	if c.Stream.BufferSize <= 0 {
		return fmt.Errorf("stream buffer size must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1")
	}
	if c.Server.MaxDeadline < c.Server.DefaultDeadline {
		return fmt.Errorf("server max deadline below default deadline")
	}
	return nil
}

// WithRouterWeights overrides the scoring weights
func WithRouterWeights(w Weights) Option {
	return func(c *Config) { c.Router.Weights = w }
}

// WithBreaker overrides circuit breaker settings
func WithBreaker(threshold int, timeout time.Duration) Option {
	return func(c *Config) {
		c.Breaker.FailureThreshold = threshold
		c.Breaker.Timeout = timeout
	}
}

// WithQuota overrides the default quota limit and window
func WithQuota(limit int64, window time.Duration) Option {
	return func(c *Config) {
		c.Quota.DefaultLimit = limit
		c.Quota.DefaultWindow = window
	}
}

// WithProvider adds or replaces a provider entry
func WithProvider(id string, entry ProviderEntry) Option {
	return func(c *Config) {
		if c.Providers == nil {
			c.Providers = map[string]ProviderEntry{}
		}
		c.Providers[id] = entry
	}
}

// WithRedisURL points distributed state at a Redis instance
func WithRedisURL(url string) Option {
	return func(c *Config) { c.Redis.URL = url }
}
