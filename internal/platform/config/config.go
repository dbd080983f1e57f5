package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the feed client
type Config struct {
	Session       SessionConfig       `mapstructure:"session"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Query         QueryConfig         `mapstructure:"query"`
	Prefetch      PrefetchConfig      `mapstructure:"prefetch"`
	Action        ActionConfig        `mapstructure:"action"`
	Retry         RetryConfig         `mapstructure:"retry"`
	Remote        RemoteConfig        `mapstructure:"remote"`
	Warmup        WarmupConfig        `mapstructure:"warmup"`
	AWS           AWSConfig           `mapstructure:"aws"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	HTTP          HTTPConfig          `mapstructure:"http"`
}

// SessionConfig identifies the signed-in user. Session storage itself lives
// outside this process; only the actor id is needed here.
type SessionConfig struct {
	ActorID   string `mapstructure:"actor_id"`
	AuthToken string `mapstructure:"auth_token"`
}

// StorageConfig selects the durable (L2) backend
type StorageConfig struct {
	Backend string `mapstructure:"backend"` // leveldb, sqlite, redis, memory
	Path    string `mapstructure:"path"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// CacheConfig holds tiered cache settings
type CacheConfig struct {
	L1MaxSize     int           `mapstructure:"l1_max_size"`
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`
	FeedTTL       time.Duration `mapstructure:"feed_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// QueryConfig holds remote query coordinator settings
type QueryConfig struct {
	StaleTime time.Duration `mapstructure:"stale_time"`
	GCTime    time.Duration `mapstructure:"gc_time"`
	Retries   int           `mapstructure:"retries"`
}

// PrefetchConfig holds preload scheduler settings
type PrefetchConfig struct {
	MaxConcurrent int     `mapstructure:"max_concurrent"`
	PreloadAhead  int     `mapstructure:"preload_ahead"`
	Threshold     float64 `mapstructure:"threshold"`
	MinRemaining  int     `mapstructure:"min_remaining"`
}

// ActionConfig holds optimistic action settings
type ActionConfig struct {
	MaxRetries    int           `mapstructure:"max_retries"`
	DisplayWindow time.Duration `mapstructure:"display_window"`
}

// RetryConfig holds the shared error handler's retry policy
type RetryConfig struct {
	MaxRetries  int           `mapstructure:"max_retries"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Mode        string        `mapstructure:"mode"` // exponential or fixed
	HistorySize int           `mapstructure:"history_size"`
}

// RemoteConfig holds remote data service settings
type RemoteConfig struct {
	BaseURL          string               `mapstructure:"base_url"`
	Timeout          time.Duration        `mapstructure:"timeout"`
	MediaConcurrency int                  `mapstructure:"media_concurrency"`
	RateLimit        RateLimitConfig      `mapstructure:"rate_limit"`
	CircuitBreaker   CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// CircuitBreakerConfig holds circuit breaker thresholds
type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// WarmupConfig lists filter sets loaded into the cache at startup
type WarmupConfig struct {
	Enabled bool                `mapstructure:"enabled"`
	Timeout time.Duration       `mapstructure:"timeout"`
	Filters []map[string]string `mapstructure:"filters"`
}

// AWSConfig holds AWS service configuration
type AWSConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	Region      string `mapstructure:"region"`
	SNSTopicARN string `mapstructure:"sns_topic_arn"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	ServiceName string        `mapstructure:"service_name"`
	Environment string        `mapstructure:"environment"`
	Logging     LoggingConfig `mapstructure:"logging"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

// MetricsConfig holds metrics settings
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// OTLPEndpoint pushes metrics to a collector; empty falls back to the
	// tracing endpoint when tracing is enabled
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// TracingConfig holds tracing settings
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port int `mapstructure:"port"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	// FEEDSYNC_REMOTE_BASE_URL overrides remote.base_url
	v.SetEnvPrefix("feedsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not fatal if env vars are set
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration or panics
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Storage defaults
	v.SetDefault("storage.backend", "leveldb")
	v.SetDefault("storage.path", "./data/feedsync")

	// Redis defaults
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "feedsync:")

	// Cache defaults
	v.SetDefault("cache.l1_max_size", 1000)
	v.SetDefault("cache.default_ttl", "5m")
	v.SetDefault("cache.feed_ttl", "1m")
	v.SetDefault("cache.sweep_interval", "1m")

	// Query coordinator defaults
	v.SetDefault("query.stale_time", "1m")
	v.SetDefault("query.gc_time", "5m")
	v.SetDefault("query.retries", 2)

	// Prefetch defaults
	v.SetDefault("prefetch.max_concurrent", 3)
	v.SetDefault("prefetch.preload_ahead", 5)
	v.SetDefault("prefetch.threshold", 0.3)
	v.SetDefault("prefetch.min_remaining", 10)

	// Action defaults
	v.SetDefault("action.max_retries", 2)
	v.SetDefault("action.display_window", "2s")

	// Retry defaults
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.max_delay", "10s")
	v.SetDefault("retry.mode", "exponential")
	v.SetDefault("retry.history_size", 10)

	// Remote defaults
	v.SetDefault("remote.base_url", "http://localhost:5000/api")
	v.SetDefault("remote.timeout", "10s")
	v.SetDefault("remote.media_concurrency", 4)
	v.SetDefault("remote.rate_limit.requests_per_second", 10)
	v.SetDefault("remote.rate_limit.burst", 20)
	v.SetDefault("remote.circuit_breaker.failure_threshold", 5)
	v.SetDefault("remote.circuit_breaker.success_threshold", 2)
	v.SetDefault("remote.circuit_breaker.timeout", "30s")

	// Warmup defaults
	v.SetDefault("warmup.enabled", true)
	v.SetDefault("warmup.timeout", "15s")

	// AWS defaults
	v.SetDefault("aws.enabled", false)
	v.SetDefault("aws.endpoint", "http://localhost:4566")
	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.sns_topic_arn", "arn:aws:sns:us-east-1:000000000000:feed-matches")

	// Observability defaults
	v.SetDefault("observability.service_name", "feedsync")
	v.SetDefault("observability.environment", "development")
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.endpoint", "localhost:4317")
	v.SetDefault("observability.tracing.sample_ratio", 1.0)

	// HTTP defaults
	v.SetDefault("http.port", 8080)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validBackends := map[string]bool{
		"leveldb": true,
		"sqlite":  true,
		"redis":   true,
		"memory":  true,
	}
	if !validBackends[c.Storage.Backend] {
		return fmt.Errorf("invalid storage backend: %s", c.Storage.Backend)
	}

	if (c.Storage.Backend == "leveldb" || c.Storage.Backend == "sqlite") && c.Storage.Path == "" {
		return fmt.Errorf("storage path is required for %s backend", c.Storage.Backend)
	}

	if c.Storage.Backend == "redis" && c.Redis.Address == "" {
		return fmt.Errorf("redis address is required")
	}

	if c.Cache.L1MaxSize <= 0 {
		return fmt.Errorf("cache l1_max_size must be > 0")
	}

	if c.Cache.DefaultTTL <= 0 {
		return fmt.Errorf("cache default_ttl must be > 0")
	}

	if c.Query.StaleTime > c.Query.GCTime {
		return fmt.Errorf("query stale_time (%s) must not exceed gc_time (%s)", c.Query.StaleTime, c.Query.GCTime)
	}

	if c.Prefetch.MaxConcurrent <= 0 {
		return fmt.Errorf("prefetch max_concurrent must be > 0")
	}

	if c.Prefetch.Threshold < 0 || c.Prefetch.Threshold > 1 {
		return fmt.Errorf("prefetch threshold must be within [0, 1]")
	}

	if c.Retry.Mode != "exponential" && c.Retry.Mode != "fixed" {
		return fmt.Errorf("invalid retry mode: %s", c.Retry.Mode)
	}

	if c.Retry.MaxRetries < 0 || c.Action.MaxRetries < 0 {
		return fmt.Errorf("retry counts must be >= 0")
	}

	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote base_url is required")
	}

	if c.AWS.Enabled {
		if c.AWS.Region == "" {
			return fmt.Errorf("AWS region is required")
		}
		if c.AWS.SNSTopicARN == "" {
			return fmt.Errorf("SNS topic ARN is required")
		}
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Observability.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Observability.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[c.Observability.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Observability.Logging.Format)
	}

	return nil
}
