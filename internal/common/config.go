package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the root configuration for the Atlas service.
type Config struct {
	Environment  string             `toml:"environment"`
	Server       ServerConfig       `toml:"server"`
	Storage      StorageConfig      `toml:"storage"`
	Queue        QueueConfig        `toml:"queue"`
	Worker       WorkerConfig       `toml:"worker"`
	Fetcher      FetcherConfig      `toml:"fetcher"`
	LLM          LLMConfig          `toml:"llm"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Monitor      MonitorConfig      `toml:"monitor"`
	Jobs         JobsConfig         `toml:"jobs"`
	WebSocket    WebSocketConfig    `toml:"websocket"`
	Logging      LoggingConfig      `toml:"logging"`
	Features     FeatureFlags       `toml:"features"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host   string `toml:"host"`
	Port   int    `toml:"port"`
	APIKey string `toml:"api_key"` // shared bearer key; empty disables auth
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig contains BadgerDB settings
type BadgerConfig struct {
	Path           string `toml:"path"`
	ResetOnStartup bool   `toml:"reset_on_startup"`
}

// QueueConfig contains work queue settings
type QueueConfig struct {
	Name              string `toml:"name"`
	VisibilityTimeout string `toml:"visibility_timeout"`
	MaxReceive        int    `toml:"max_receive"`
	PollInterval      string `toml:"poll_interval"`
}

// WorkerConfig governs the worker runtime and its deadline discipline.
// ProcessBudget is the process wall-clock cap (LAMBDA_TIMEOUT); the
// effective job runtime is ProcessBudget minus CleanupReserve.
type WorkerConfig struct {
	Concurrency       int    `toml:"concurrency"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
	CleanupReserve    string `toml:"cleanup_reserve"`
	ProcessBudget     string `toml:"process_budget"`
	MinStartBudget    string `toml:"min_start_budget"`
}

// FetcherConfig contains page fetcher settings
type FetcherConfig struct {
	UserAgent         string        `toml:"user_agent"`
	UserAgentRotation bool          `toml:"user_agent_rotation"`
	RequestTimeout    string        `toml:"request_timeout"`
	MinContentLength  int           `toml:"min_content_length"`
	MaxBodySize       int           `toml:"max_body_size"`
	PolitenessMin     string        `toml:"politeness_min"`
	PolitenessMax     string        `toml:"politeness_max"`
	Cache             CacheConfig   `toml:"cache"`
	Browser           BrowserConfig `toml:"browser"`
}

// CacheConfig bounds the in-memory fetch result cache
type CacheConfig struct {
	Size int    `toml:"size"`
	TTL  string `toml:"ttl"`
}

// BrowserConfig contains headless browser settings
type BrowserConfig struct {
	Enabled     bool   `toml:"enabled"`
	Headless    bool   `toml:"headless"`
	PoolSize    int    `toml:"pool_size"`
	MaxLifetime string `toml:"max_lifetime"`
	RenderWait  string `toml:"render_wait"`
}

// TierConfig describes one model tier: provider, model, pricing per
// million tokens, and which request parameters the tier accepts.
type TierConfig struct {
	Provider            string  `toml:"provider"`
	Model               string  `toml:"model"`
	InputPrice          float64 `toml:"input_price"`
	OutputPrice         float64 `toml:"output_price"`
	MaxTokens           int     `toml:"max_tokens"`
	Temperature         float64 `toml:"temperature"`
	SupportsTemperature bool    `toml:"supports_temperature"`
	SupportsSchema      bool    `toml:"supports_schema"`
}

// LLMConfig contains model provider settings and the tier table
type LLMConfig struct {
	AnthropicAPIKey  string     `toml:"anthropic_api_key"`
	GeminiAPIKey     string     `toml:"gemini_api_key"`
	BudgetMonthlyUSD float64    `toml:"budget_monthly_usd"`
	Lowest           TierConfig `toml:"lowest"`
	Mid              TierConfig `toml:"mid"`
	Highest          TierConfig `toml:"highest"`
	PreviewModel     string     `toml:"preview_model"` // used for highest tier when the preview flag is on
}

// AgentConfig bounds the per-batch extraction agent pool
type AgentConfig struct {
	Concurrency    int    `toml:"concurrency"`
	Timeout        string `toml:"timeout"`
	RetryThreshold int    `toml:"retry_threshold"`
}

// SynthesisConfig bounds the post-loop synthesis step
type SynthesisConfig struct {
	MinTime    string `toml:"min_time"`
	ChunkSize  int    `toml:"chunk_size"`
	LowTierMax int    `toml:"low_tier_max"`
	MidTierMax int    `toml:"mid_tier_max"`
}

// OrchestratorConfig contains orchestration loop defaults and guards
type OrchestratorConfig struct {
	MaxPages          int             `toml:"max_pages"`
	MaxLinks          int             `toml:"max_links"`
	MaxDepth          int             `toml:"max_depth"`
	DefaultTimeout    string          `toml:"default_timeout"`
	IterationDelayMin string          `toml:"iteration_delay_min"`
	IterationDelayMax string          `toml:"iteration_delay_max"`
	ShutdownGuard     string          `toml:"shutdown_guard"`
	Agent             AgentConfig     `toml:"agent"`
	Synthesis         SynthesisConfig `toml:"synthesis"`
}

// MonitorConfig contains health monitor settings
type MonitorConfig struct {
	Schedule       string `toml:"schedule"`
	StaleUpdated   string `toml:"stale_updated"`
	StaleHeartbeat string `toml:"stale_heartbeat"`
	MaxProcessing  string `toml:"max_processing"`
	PendingOrphan  string `toml:"pending_orphan"`
}

// JobsConfig contains job record limits and retention
type JobsConfig struct {
	RetentionDays    int `toml:"retention_days"`
	StoreCapBytes    int `toml:"store_cap_bytes"`
	LogEntryCapBytes int `toml:"log_entry_cap_bytes"`
	ListPageSize     int `toml:"list_page_size"`
}

// WebSocketConfig contains broadcast edge settings
type WebSocketConfig struct {
	MinLevel          string            `toml:"min_level"`
	ExcludePatterns   []string          `toml:"exclude_patterns"`
	AllowedEvents     []string          `toml:"allowed_events"`
	ThrottleIntervals map[string]string `toml:"throttle_intervals"`
	StatusInterval    string            `toml:"status_interval"`
	SubscriptionTTL   string            `toml:"subscription_ttl"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string   `toml:"level"`
	Format string   `toml:"format"`
	Output []string `toml:"output"`
}

// FeatureFlags carries the recognized feature toggles. UnifiedExtractor
// defaults new jobs to the autonomous pipeline; PreviewModels allows the
// configured preview model on the highest tier; PinMidTier forces every
// router selection to the mid tier.
type FeatureFlags struct {
	UnifiedExtractor bool `toml:"unified_extractor"`
	PreviewModels    bool `toml:"preview_models"`
	PinMidTier       bool `toml:"pin_mid_tier"`
}

// NewDefaultConfig returns a config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path:           "./data/atlas",
				ResetOnStartup: false,
			},
		},
		Queue: QueueConfig{
			Name:              "atlas_jobs",
			VisibilityTimeout: "6m",
			MaxReceive:        3,
			PollInterval:      "1s",
		},
		Worker: WorkerConfig{
			Concurrency:       4,
			HeartbeatInterval: "10s",
			CleanupReserve:    "30s",
			ProcessBudget:     "15m",
			MinStartBudget:    "60s",
		},
		Fetcher: FetcherConfig{
			UserAgent:         "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			UserAgentRotation: true,
			RequestTimeout:    "30s",
			MinContentLength:  512,
			MaxBodySize:       10 * 1024 * 1024, // 10MB
			PolitenessMin:     "1s",
			PolitenessMax:     "2s",
			Cache: CacheConfig{
				Size: 100,
				TTL:  "1h",
			},
			Browser: BrowserConfig{
				Enabled:     true,
				Headless:    true,
				PoolSize:    2,
				MaxLifetime: "2m",
				RenderWait:  "2s",
			},
		},
		LLM: LLMConfig{
			BudgetMonthlyUSD: 100.0,
			Lowest: TierConfig{
				Provider:            "gemini",
				Model:               "gemini-3-flash-preview",
				InputPrice:          0.10,
				OutputPrice:         0.40,
				MaxTokens:           4096,
				Temperature:         0.2,
				SupportsTemperature: true,
				SupportsSchema:      true,
			},
			Mid: TierConfig{
				Provider:            "claude",
				Model:               "claude-haiku-3-5-20241022",
				InputPrice:          0.80,
				OutputPrice:         4.00,
				MaxTokens:           8192,
				Temperature:         0.2,
				SupportsTemperature: true,
				SupportsSchema:      false,
			},
			Highest: TierConfig{
				Provider:            "claude",
				Model:               "claude-sonnet-4-5-20250929",
				InputPrice:          3.00,
				OutputPrice:         15.00,
				MaxTokens:           16384,
				Temperature:         0.0,
				SupportsTemperature: false,
				SupportsSchema:      false,
			},
			PreviewModel: "claude-opus-4-5",
		},
		Orchestrator: OrchestratorConfig{
			MaxPages:          10,
			MaxLinks:          100,
			MaxDepth:          3,
			DefaultTimeout:    "5m",
			IterationDelayMin: "1s",
			IterationDelayMax: "2s",
			ShutdownGuard:     "60s",
			Agent: AgentConfig{
				Concurrency:    5,
				Timeout:        "20s",
				RetryThreshold: 3,
			},
			Synthesis: SynthesisConfig{
				MinTime:    "30s",
				ChunkSize:  100 * 1024,
				LowTierMax: 20 * 1024,
				MidTierMax: 50 * 1024,
			},
		},
		Monitor: MonitorConfig{
			Schedule:       "*/2 * * * *",
			StaleUpdated:   "5m",
			StaleHeartbeat: "2m",
			MaxProcessing:  "10m",
			PendingOrphan:  "10m",
		},
		Jobs: JobsConfig{
			RetentionDays:    7,
			StoreCapBytes:    256 * 1024,
			LogEntryCapBytes: 2048,
			ListPageSize:     50,
		},
		WebSocket: WebSocketConfig{
			MinLevel: "info",
			ExcludePatterns: []string{
				"WebSocket client connected",
				"WebSocket client disconnected",
				"HTTP request",
				"HTTP response",
			},
			AllowedEvents:   []string{},
			StatusInterval:  "5s",
			SubscriptionTTL: "2h",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
		Features: FeatureFlags{
			UnifiedExtractor: true,
		},
	}
}

// LoadFromFile loads configuration with priority: defaults -> file -> env
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files with priority:
// defaults -> file1 -> file2 -> ... -> env. Later files override earlier
// files; environment variables override everything.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("ATLAS_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("ATLAS_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("ATLAS_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if key := os.Getenv("ATLAS_API_KEY"); key != "" {
		config.Server.APIKey = key
	}

	// Storage configuration
	if badgerPath := os.Getenv("ATLAS_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	// Queue configuration
	if queueName := os.Getenv("ATLAS_QUEUE_NAME"); queueName != "" {
		config.Queue.Name = queueName
	}
	if visibilityTimeout := os.Getenv("ATLAS_QUEUE_VISIBILITY_TIMEOUT"); visibilityTimeout != "" {
		config.Queue.VisibilityTimeout = visibilityTimeout
	}
	if maxReceive := os.Getenv("ATLAS_QUEUE_MAX_RECEIVE"); maxReceive != "" {
		if mr, err := strconv.Atoi(maxReceive); err == nil {
			config.Queue.MaxReceive = mr
		}
	}

	// Worker configuration. LAMBDA_TIMEOUT is the process wall-clock cap
	// in seconds; MAX_JOB_RUNTIME is derived from it, see MaxJobRuntime.
	if concurrency := os.Getenv("ATLAS_WORKER_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Worker.Concurrency = c
		}
	}
	if lambdaTimeout := os.Getenv("LAMBDA_TIMEOUT"); lambdaTimeout != "" {
		if secs, err := strconv.Atoi(lambdaTimeout); err == nil && secs > 0 {
			config.Worker.ProcessBudget = fmt.Sprintf("%ds", secs)
		}
	}
	if reserve := os.Getenv("ATLAS_CLEANUP_RESERVE"); reserve != "" {
		if _, err := time.ParseDuration(reserve); err == nil {
			config.Worker.CleanupReserve = reserve
		}
	}

	// Fetcher configuration
	if userAgent := os.Getenv("ATLAS_FETCHER_USER_AGENT"); userAgent != "" {
		config.Fetcher.UserAgent = userAgent
	}
	if browserEnabled := os.Getenv("ATLAS_BROWSER_ENABLED"); browserEnabled != "" {
		if be, err := strconv.ParseBool(browserEnabled); err == nil {
			config.Fetcher.Browser.Enabled = be
		}
	}
	if requestTimeout := os.Getenv("ATLAS_FETCHER_REQUEST_TIMEOUT"); requestTimeout != "" {
		if _, err := time.ParseDuration(requestTimeout); err == nil {
			config.Fetcher.RequestTimeout = requestTimeout
		}
	}

	// LLM configuration
	if apiKey := os.Getenv("ATLAS_ANTHROPIC_API_KEY"); apiKey != "" {
		config.LLM.AnthropicAPIKey = apiKey
	} else if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		config.LLM.AnthropicAPIKey = apiKey
	}
	if apiKey := os.Getenv("ATLAS_GEMINI_API_KEY"); apiKey != "" {
		config.LLM.GeminiAPIKey = apiKey
	} else if apiKey := os.Getenv("GEMINI_API_KEY"); apiKey != "" {
		config.LLM.GeminiAPIKey = apiKey
	}
	if budget := os.Getenv("ATLAS_BUDGET_MONTHLY_USD"); budget != "" {
		if b, err := strconv.ParseFloat(budget, 64); err == nil {
			config.LLM.BudgetMonthlyUSD = b
		}
	}

	// Monitor configuration
	if schedule := os.Getenv("ATLAS_MONITOR_SCHEDULE"); schedule != "" {
		config.Monitor.Schedule = schedule
	}

	// Logging configuration
	if level := os.Getenv("ATLAS_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("ATLAS_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("ATLAS_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Feature flags. The env names are the recognized external contract;
	// internally they map onto the FeatureFlags fields.
	if v := os.Getenv("UNIFIED_EXTRACTOR_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Features.UnifiedExtractor = b
		}
	}
	if v := os.Getenv("GPT5_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Features.PreviewModels = b
		}
	}
	if v := os.Getenv("FORCE_GPT4"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Features.PinMidTier = b
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	// Command-line flags have highest priority
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// DurationOr parses s as a duration, falling back to def on empty or
// invalid input.
func DurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// ProcessBudget returns the worker process wall-clock cap.
func (c *Config) ProcessBudget() time.Duration {
	return DurationOr(c.Worker.ProcessBudget, 15*time.Minute)
}

// CleanupReserve returns the tail of the process budget reserved for the
// final status write.
func (c *Config) CleanupReserve() time.Duration {
	return DurationOr(c.Worker.CleanupReserve, 30*time.Second)
}

// MaxJobRuntime is the effective job runtime: process budget minus the
// cleanup reserve.
func (c *Config) MaxJobRuntime() time.Duration {
	budget := c.ProcessBudget() - c.CleanupReserve()
	if budget < 0 {
		return 0
	}
	return budget
}
