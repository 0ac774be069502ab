// Package config loads and validates the task runner's flat key/value
// configuration (spec §6) through viper, the way the teacher loads its
// own node configuration.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the flat configuration surface spec.md §6 names. Every
// field maps to exactly one of the documented keys.
type Config struct {
	MaxConcurrentJobs int `mapstructure:"max_concurrent_jobs"`

	Timeouts TimeoutConfig `mapstructure:"timeouts"`
	Retry    RetryConfig   `mapstructure:"retry"`
	Cache    CacheConfig   `mapstructure:"cache"`
	Walker   WalkerConfig  `mapstructure:"walker"`
	Search   SearchConfig  `mapstructure:"search"`

	Poll PollConfig `mapstructure:"poll"`

	API     APIConfig     `mapstructure:"api"`
	Logging LoggingConfig `mapstructure:"logging"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Audit   AuditConfig   `mapstructure:"audit"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// TimeoutConfig holds the per-operation-class timeout table consumed
// by pkg/timeout. ByClass is keyed by the nine fixed operation class
// names pkg/timeout.OperationClass defines.
type TimeoutConfig struct {
	DefaultMillis int64            `mapstructure:"default_ms"`
	ByClass       map[string]int64 `mapstructure:"by_class_ms"`
}

// RetryConfig holds the retry policy pkg/timeout applies to
// transient/timeout failures.
type RetryConfig struct {
	MaxAttempts     int     `mapstructure:"max_attempts"`
	BackoffBaseMs   int64   `mapstructure:"backoff_base_ms"`
	BackoffFactor   float64 `mapstructure:"backoff_factor"`
	MaxDelayMs      int64   `mapstructure:"max_delay_ms"`
	BreakerOpenAt   int     `mapstructure:"breaker_open_at"`
	BreakerCooldown int64   `mapstructure:"breaker_cooldown_ms"`
}

// CacheConfig configures the Result Cache (C4).
type CacheConfig struct {
	MaxMemoryEntries int           `mapstructure:"max_memory_entries"`
	MaxBytes         int64         `mapstructure:"max_bytes"`
	MemoryTTL        time.Duration `mapstructure:"memory_ttl"`
	EvictionPolicy   string        `mapstructure:"eviction_policy"`
	MaxKeySize       int           `mapstructure:"max_key_size"`
	MaxValueSize     int           `mapstructure:"max_value_size"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval"`
}

// WalkerConfig configures the Directory Walker (C2).
type WalkerConfig struct {
	MaxDepth          int      `mapstructure:"max_depth"`
	ExcludedDirs      []string `mapstructure:"excluded_dirs"`
	FollowSymlinks    bool     `mapstructure:"follow_symlinks"`
	MaxEntriesPerScan int      `mapstructure:"max_entries_per_scan"`
}

// SearchConfig configures the File Search Engine (C3) and Priority
// Stream (C1). MaxResults bounds a single query's result set.
// MaxResultsInMemory is loaded and defaulted but not read by the
// search engine; no bound is kept across queries.
type SearchConfig struct {
	MaxResultsInMemory int     `mapstructure:"max_results_in_memory"`
	DefaultStrategy    string  `mapstructure:"default_strategy"`
	MinScore           float64 `mapstructure:"min_score"`
	MaxFileSize        int64   `mapstructure:"max_file_size"`
	MaxResults         int     `mapstructure:"max_results"`
}

// PollConfig configures the adaptive poll law in the Job Registry
// (C6).
type PollConfig struct {
	BaseIntervalMs int64 `mapstructure:"base_interval_ms"`
	MaxMultiplier  int   `mapstructure:"max_multiplier"`
	StepEvery      int   `mapstructure:"step_every"`
}

// APIConfig configures pkg/apiserver.
type APIConfig struct {
	Listen     string   `mapstructure:"listen"`
	JWTSecret  string   `mapstructure:"jwt_secret"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

// RedisConfig configures the Result Cache's optional secondary tier.
type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// AuditConfig configures pkg/audit's Postgres sink.
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

// TracingConfig configures the job lifecycle tracer in pkg/monitor. A
// blank JaegerEndpoint keeps spans in-process without exporting them.
type TracingConfig struct {
	ServiceName    string  `mapstructure:"service_name"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	SamplingRatio  float64 `mapstructure:"sampling_ratio"`
}

// Default returns the configuration spec.md's defaults describe.
func Default() *Config {
	return &Config{
		MaxConcurrentJobs: 10,
		Timeouts: TimeoutConfig{
			DefaultMillis: 30_000,
			ByClass: map[string]int64{
				"task_execution":               1_800_000,
				"task_decomposition":           30_000,
				"recursive_task_decomposition": 60_000,
				"task_refinement":              45_000,
				"agent_communication":          15_000,
				"llm_request":                  60_000,
				"file_operations":              10_000,
				"database_operations":          10_000,
				"network_operations":           20_000,
			},
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			BackoffBaseMs:   1000,
			BackoffFactor:   2.0,
			MaxDelayMs:      30_000,
			BreakerOpenAt:   5,
			BreakerCooldown: 30_000,
		},
		Cache: CacheConfig{
			MaxMemoryEntries: 10_000,
			MaxBytes:         50 << 20,
			MemoryTTL:        10 * time.Minute,
			EvictionPolicy:   "LRU",
			MaxKeySize:       512,
			MaxValueSize:     1 << 20,
			CleanupInterval:  time.Minute,
		},
		Walker: WalkerConfig{
			MaxDepth:          25,
			ExcludedDirs:      []string{".git", "node_modules", ".cache"},
			FollowSymlinks:    false,
			MaxEntriesPerScan: 5000,
		},
		Search: SearchConfig{
			MaxResultsInMemory: 2000,
			DefaultStrategy:    "fuzzy",
			MinScore:           0.3,
			MaxFileSize:        1 << 20,
			MaxResults:         100,
		},
		Poll: PollConfig{
			BaseIntervalMs: 1000,
			MaxMultiplier:  10,
			StepEvery:      3,
		},
		API: APIConfig{
			Listen:      "0.0.0.0:8090",
			CORSOrigins: []string{"*"},
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "127.0.0.1:6379",
		},
		Audit: AuditConfig{
			Enabled: false,
		},
		Tracing: TracingConfig{
			ServiceName:   "taskrunner",
			SamplingRatio: 1.0,
		},
	}
}

// Load reads configuration from configFile (if non-empty), environment
// variables (prefix TASKRUNNER_), and falls back to Default().
func Load(configFile string) (*Config, error) {
	v := viper.New()
	cfg := Default()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("taskrunner")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/taskrunner")
	}

	v.SetEnvPrefix("TASKRUNNER")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
