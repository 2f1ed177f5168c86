package model

import "time"

// Config is the full runtime configuration.
//
// Hierarchy (highest to lowest priority): CLI flags, PROBATIO_* environment
// variables, config file (~/.probatio/config.yaml), defaults.
type Config struct {
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Cache    CacheConfig    `yaml:"cache" mapstructure:"cache"`
	Gateway  GatewayConfig  `yaml:"gateway" mapstructure:"gateway"`
	Queue    QueueConfig    `yaml:"queue" mapstructure:"queue"`
	Search   SearchConfig   `yaml:"search" mapstructure:"search"`
	Pipeline PipelineConfig `yaml:"pipeline" mapstructure:"pipeline"`
	Fetch    FetchConfig    `yaml:"fetch" mapstructure:"fetch"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
}

// StoreConfig configures the relational store.
type StoreConfig struct {
	Path string `yaml:"path" mapstructure:"path"` // SQLite database file
}

// CacheConfig configures the layered response cache.
type CacheConfig struct {
	Enabled   bool          `yaml:"enabled" mapstructure:"enabled"`
	Dir       string        `yaml:"dir" mapstructure:"dir"`
	MemoryTTL time.Duration `yaml:"memory_ttl" mapstructure:"memory_ttl"`
	DiskTTL   time.Duration `yaml:"disk_ttl" mapstructure:"disk_ttl"`
}

// ProviderConfig configures one generative-text provider.
type ProviderConfig struct {
	Name      string `yaml:"name" mapstructure:"name"` // openai, anthropic
	Model     string `yaml:"model" mapstructure:"model"`
	APIKey    string `yaml:"api_key" mapstructure:"api_key"`
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
	TimeoutS  int    `yaml:"timeout_seconds" mapstructure:"timeout_seconds"`           // small requests
	LongTimeS int    `yaml:"long_timeout_seconds" mapstructure:"long_timeout_seconds"` // large-token requests
}

// GatewayConfig configures the unified call gateway.
type GatewayConfig struct {
	Primary          ProviderConfig `yaml:"primary" mapstructure:"primary"`
	Secondary        ProviderConfig `yaml:"secondary" mapstructure:"secondary"`
	MaxRetries       int            `yaml:"max_retries" mapstructure:"max_retries"`
	BaseDelay        time.Duration  `yaml:"base_delay" mapstructure:"base_delay"`
	BreakerThreshold int            `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration  `yaml:"breaker_cooldown" mapstructure:"breaker_cooldown"`
}

// QueueConfig configures the job orchestration layer.
type QueueConfig struct {
	Concurrency int           `yaml:"concurrency" mapstructure:"concurrency"` // workers per queue
	MaxAttempts int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
	DedupWindow time.Duration `yaml:"dedup_window" mapstructure:"dedup_window"`
	PollEvery   time.Duration `yaml:"poll_every" mapstructure:"poll_every"`
}

// SearchConfig configures the source search collaborator.
type SearchConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"` // per provider
	Burst         int     `yaml:"burst" mapstructure:"burst"`
	TimeoutS      int     `yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// PipelineConfig holds the quality-gate tunables. These are configuration,
// not hard-coded laws; every threshold can be overridden.
type PipelineConfig struct {
	MinSources              int     `yaml:"min_sources" mapstructure:"min_sources"`
	TopN                    int     `yaml:"top_n" mapstructure:"top_n"`
	MinClaims               int     `yaml:"min_claims" mapstructure:"min_claims"`
	ExtractionConfFloor     float64 `yaml:"extraction_conf_floor" mapstructure:"extraction_conf_floor"`
	RelevanceFloor          float64 `yaml:"relevance_floor" mapstructure:"relevance_floor"`
	StrengthFloor           float64 `yaml:"strength_floor" mapstructure:"strength_floor"`
	MaxSpansPerClaim        int     `yaml:"max_spans_per_claim" mapstructure:"max_spans_per_claim"`
	TrustFloor              float64 `yaml:"trust_floor" mapstructure:"trust_floor"`
	ContradictionCeiling    float64 `yaml:"contradiction_ceiling" mapstructure:"contradiction_ceiling"`
	DeepExtractWorstK       int     `yaml:"deep_extract_worst_k" mapstructure:"deep_extract_worst_k"`
}

// FetchConfig configures full-document fetching for deep extraction.
type FetchConfig struct {
	UserAgent    string        `yaml:"user_agent" mapstructure:"user_agent"`
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: "127.0.0.1", Port: 8370},
		Store:  StoreConfig{Path: "probatio.db"},
		Cache: CacheConfig{
			Enabled:   true,
			Dir:       "",
			MemoryTTL: 1 * time.Hour,
			DiskTTL:   24 * time.Hour,
		},
		Gateway: GatewayConfig{
			Primary:          ProviderConfig{Name: "openai", TimeoutS: 30, LongTimeS: 120},
			Secondary:        ProviderConfig{Name: "anthropic", TimeoutS: 30, LongTimeS: 120},
			MaxRetries:       3,
			BaseDelay:        500 * time.Millisecond,
			BreakerThreshold: 3,
			BreakerCooldown:  30 * time.Second,
		},
		Queue: QueueConfig{
			Concurrency: 4,
			MaxAttempts: 3,
			BaseDelay:   2 * time.Second,
			DedupWindow: 10 * time.Minute,
			PollEvery:   250 * time.Millisecond,
		},
		Search: SearchConfig{RatePerSecond: 2, Burst: 5, TimeoutS: 20},
		Pipeline: PipelineConfig{
			MinSources:           3,
			TopN:                 12,
			MinClaims:            3,
			ExtractionConfFloor:  0.5,
			RelevanceFloor:       0.25,
			StrengthFloor:        0.2,
			MaxSpansPerClaim:     3,
			TrustFloor:           0.3,
			ContradictionCeiling: 0.4,
			DeepExtractWorstK:    3,
		},
		Fetch: FetchConfig{
			UserAgent:    "Probatio/0.1 (+https://github.com/probatio/probatio)",
			Timeout:      15 * time.Second,
			MaxBodyBytes: 2 << 20,
		},
	}
}
