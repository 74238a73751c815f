package model

// Config is the full configuration tree for a refinery run. Loaded by the
// CLI from ~/.refinery/config.yaml, REFINERY_* environment variables, and
// flags, in ascending priority.
type Config struct {
	DataDir string `yaml:"data_dir"` // Root for beads, bundles, queue, chronicle, cache

	Extraction OracleConfig `yaml:"extraction"`
	Audit      OracleConfig `yaml:"audit"`

	Guard       GuardConfig       `yaml:"guard"`
	Guards      RunawayConfig     `yaml:"runaway_guards"`
	Chronicler  CompactorConfig   `yaml:"chronicler"`
	Negative    NegativeConfig    `yaml:"negative"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Cache       CacheConfig       `yaml:"cache"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// OracleConfig configures one oracle adapter. Extraction and audit must be
// backed by distinct provider families; that invariant is validated at
// startup before any call is dispatched.
type OracleConfig struct {
	Provider    string  `yaml:"provider"`          // "openai", "openrouter", "deepseek", "ollama"
	Model       string  `yaml:"model"`             // Provider-specific model name
	Family      string  `yaml:"family,omitempty"`  // Override; inferred from provider/model when empty
	APIKey      string  `yaml:"api_key,omitempty"`
	BaseURL     string  `yaml:"base_url,omitempty"` // Custom endpoint (OpenAI-compatible gateways, Ollama)
	Timeout     int     `yaml:"timeout"`            // Seconds
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`

	// Proxy settings for the raw-HTTP adapters
	HTTPProxy  string `yaml:"http_proxy,omitempty"`
	HTTPSProxy string `yaml:"https_proxy,omitempty"`
	NoProxy    string `yaml:"no_proxy,omitempty"`
}

// GuardConfig configures the injection guard.
type GuardConfig struct {
	PatternsFile      string  `yaml:"patterns_file,omitempty"` // Extra attack patterns (JSONL), merged with built-ins
	SemanticThreshold float64 `yaml:"semantic_threshold"`      // Similarity at/above which a chunk is flagged (default 0.85)
	HaltThreshold     float64 `yaml:"halt_threshold"`          // In log-only mode, flags below this are soft (default 0.92)
	LogOnly           bool    `yaml:"log_only"`                // Record sub-halt-threshold detections without halting
}

// RunawayConfig configures the resource guards that bound a run.
type RunawayConfig struct {
	TurnCap      TurnCapConfig  `yaml:"turn_cap"`
	CostCeiling  CostConfig     `yaml:"cost_ceiling"`
	StallTimeout StallConfig    `yaml:"stall_watchdog"`
}

// TurnCapConfig bounds pipeline iterations per run.
type TurnCapConfig struct {
	MaxTurns int `yaml:"max_turns"`
	WarnAt   int `yaml:"warn_at"`
}

// CostConfig bounds spend per session and per day.
type CostConfig struct {
	DailyLimitUSD   float64 `yaml:"daily_limit_usd"`
	SessionLimitUSD float64 `yaml:"session_limit_usd"`
}

// StallConfig bounds wall-clock time since last observed output.
type StallConfig struct {
	TimeoutMinutes float64 `yaml:"timeout_minutes"`
}

// CompactorConfig configures the memory compactor.
type CompactorConfig struct {
	MaxBeads            int     `yaml:"max_beads"`            // Bead-count trigger
	MaxTokens           int     `yaml:"max_tokens"`           // Token-volume trigger (approximate)
	SimilarityThreshold float64 `yaml:"similarity_threshold"` // Redundancy clustering threshold
	ArchiveDays         int     `yaml:"archive_days"`         // Horizon: partitions older than this are archived
}

// NegativeConfig bounds the negative-context window fed to extraction.
type NegativeConfig struct {
	Window int `yaml:"window"` // Most-recent negative beads included per extraction call
}

// ConcurrencyConfig bounds the chunk worker pool.
type ConcurrencyConfig struct {
	ChunkWorkers int `yaml:"chunk_workers"`
}

// RateLimitConfig throttles oracle calls per provider.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// CacheConfig configures the layered guard/oracle cache.
type CacheConfig struct {
	MemoryTTLMinutes int `yaml:"memory_ttl_minutes"`
	DiskTTLHours     int `yaml:"disk_ttl_hours"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"` // "debug", "info", "warn", "error"
}

// DefaultConfig returns sensible defaults for every subsystem.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "", // Resolved to ~/.refinery/data by the CLI when empty
		Extraction: OracleConfig{
			Provider:    "openrouter",
			Model:       "deepseek/deepseek-chat",
			Timeout:     60,
			MaxTokens:   4096,
			Temperature: 0.2,
		},
		Audit: OracleConfig{
			Provider:    "openrouter",
			Model:       "google/gemini-2.0-flash-exp",
			Timeout:     60,
			MaxTokens:   2048,
			Temperature: 0.1,
		},
		Guard: GuardConfig{
			SemanticThreshold: 0.85,
			HaltThreshold:     0.92,
			LogOnly:           false,
		},
		Guards: RunawayConfig{
			TurnCap:     TurnCapConfig{MaxTurns: 16, WarnAt: 12},
			CostCeiling: CostConfig{DailyLimitUSD: 1.00, SessionLimitUSD: 0.50},
			StallTimeout: StallConfig{
				TimeoutMinutes: 5,
			},
		},
		Chronicler: CompactorConfig{
			MaxBeads:            25,
			MaxTokens:           750,
			SimilarityThreshold: 0.85,
			ArchiveDays:         1,
		},
		Negative:    NegativeConfig{Window: 10},
		Concurrency: ConcurrencyConfig{ChunkWorkers: 4},
		RateLimit:   RateLimitConfig{RequestsPerSecond: 1, Burst: 2},
		Cache:       CacheConfig{MemoryTTLMinutes: 30, DiskTTLHours: 24},
		Logging:     LoggingConfig{Level: "info"},
	}
}
