// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Scorer    ScorerConfig    `mapstructure:"scorer"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Source    SourceConfig    `mapstructure:"source"`
	Model     ModelConfig     `mapstructure:"model"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// SourceTarget names one forum source and its collection interval.
type SourceTarget struct {
	Name     string        `mapstructure:"name"`
	Interval time.Duration `mapstructure:"interval"`
}

// SchedulerConfig governs job creation.
type SchedulerConfig struct {
	TickInterval   time.Duration  `mapstructure:"tick_interval"`
	Sources        []SourceTarget `mapstructure:"sources"`
	EnrichInterval time.Duration  `mapstructure:"enrich_interval"`
	TopK           int            `mapstructure:"top_k"`
}

// ScorerConfig tunes the priority score's linear combination.
type ScorerConfig struct {
	RecencyWeight      float64       `mapstructure:"recency_weight"`
	DemandWeight       float64       `mapstructure:"demand_weight"`
	CompletenessWeight float64       `mapstructure:"completeness_weight"`
	RecencyReference   time.Duration `mapstructure:"recency_reference"`
	DemandReference    float64       `mapstructure:"demand_reference"`
}

// ExecutorConfig governs the job execution loop.
type ExecutorConfig struct {
	Workers          int     `mapstructure:"workers"`
	MaxChunkSize     int     `mapstructure:"max_chunk_size"`
	ExtractFromPost  bool    `mapstructure:"extract_from_post"`
	SearchLimit      int     `mapstructure:"search_limit"`
	MaxJobRetries    int     `mapstructure:"max_job_retries"`
	FailureTolerance float64 `mapstructure:"failure_tolerance"`
}

// DispatchConfig bounds the chunk worker pool.
type DispatchConfig struct {
	Concurrency  int           `mapstructure:"concurrency"`
	ChunkRetries int           `mapstructure:"chunk_retries"`
	CallTimeout  time.Duration `mapstructure:"call_timeout"`
}

// RetryConfig shapes exponential backoff.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// SourceConfig configures the forum content API client. RPS and Burst pace
// requests per source; a non-positive RPS disables pacing.
type SourceConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	UserAgent      string        `mapstructure:"user_agent"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RPS            float64       `mapstructure:"rps"`
	Burst          int           `mapstructure:"burst"`
}

// ModelConfig selects the extraction model backend.
type ModelConfig struct {
	Provider        string `mapstructure:"provider"`
	Name            string `mapstructure:"name"`
	OpenAIAPIKey    string `mapstructure:"openai_api_key"`
	AnthropicAPIKey string `mapstructure:"anthropic_api_key"`
	OllamaHost      string `mapstructure:"ollama_host"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Provider        string        `mapstructure:"provider"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// QueueConfig selects the job queue backend.
type QueueConfig struct {
	Provider     string `mapstructure:"provider"`
	Capacity     int    `mapstructure:"capacity"`
	ProjectID    string `mapstructure:"project_id"`
	Topic        string `mapstructure:"topic"`
	Subscription string `mapstructure:"subscription"`
}

// ArchiveConfig selects where raw threads are archived.
type ArchiveConfig struct {
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
	BaseDir   string `mapstructure:"base_dir"`
}

// MonitorConfig tunes alerting thresholds.
type MonitorConfig struct {
	WindowSize                int     `mapstructure:"window_size"`
	MinSuccessRate            float64 `mapstructure:"min_success_rate"`
	MaxConsecutiveJobFailures int     `mapstructure:"max_consecutive_job_failures"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DISHWIRE")
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
	v.SetDefault("scheduler.tick_interval", "1m")
	v.SetDefault("scheduler.enrich_interval", "24h")
	v.SetDefault("scheduler.top_k", 5)
	v.SetDefault("scorer.recency_weight", 1.0)
	v.SetDefault("scorer.demand_weight", 1.0)
	v.SetDefault("scorer.completeness_weight", 1.0)
	v.SetDefault("scorer.recency_reference", "168h")
	v.SetDefault("scorer.demand_reference", 10.0)
	v.SetDefault("executor.workers", 2)
	v.SetDefault("executor.max_chunk_size", 25)
	v.SetDefault("executor.extract_from_post", true)
	v.SetDefault("executor.search_limit", 50)
	v.SetDefault("executor.max_job_retries", 3)
	v.SetDefault("executor.failure_tolerance", 0.05)
	v.SetDefault("dispatch.concurrency", 4)
	v.SetDefault("dispatch.chunk_retries", 2)
	v.SetDefault("dispatch.call_timeout", "60s")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "250ms")
	v.SetDefault("retry.max_delay", "5s")
	v.SetDefault("source.user_agent", "dishwire/1.0")
	v.SetDefault("source.request_timeout", "15s")
	v.SetDefault("source.rps", 2.0)
	v.SetDefault("source.burst", 4)
	v.SetDefault("model.provider", "openai")
	v.SetDefault("model.name", "gpt-4o-mini")
	v.SetDefault("model.ollama_host", "http://localhost:11434")
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("storage.max_conns", 8)
	v.SetDefault("queue.provider", "memory")
	v.SetDefault("queue.capacity", 64)
	v.SetDefault("archive.provider", "none")
	v.SetDefault("monitor.window_size", 200)
	v.SetDefault("monitor.min_success_rate", 90.0)
	v.SetDefault("monitor.max_consecutive_job_failures", 3)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Executor.Workers <= 0 {
		return fmt.Errorf("executor.workers must be > 0")
	}
	if c.Dispatch.Concurrency <= 0 {
		return fmt.Errorf("dispatch.concurrency must be > 0")
	}
	if c.Executor.FailureTolerance < 0 || c.Executor.FailureTolerance >= 1 {
		return fmt.Errorf("executor.failure_tolerance must be in [0, 1)")
	}
	if c.Source.BaseURL == "" {
		return fmt.Errorf("source.base_url is required")
	}
	switch c.Storage.Provider {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres provider")
		}
	default:
		return fmt.Errorf("unknown storage.provider %q", c.Storage.Provider)
	}
	switch c.Queue.Provider {
	case "memory":
	case "pubsub":
		if c.Queue.ProjectID == "" || c.Queue.Topic == "" || c.Queue.Subscription == "" {
			return fmt.Errorf("queue.project_id, queue.topic, and queue.subscription are required for the pubsub provider")
		}
	default:
		return fmt.Errorf("unknown queue.provider %q", c.Queue.Provider)
	}
	switch c.Archive.Provider {
	case "none", "memory":
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir is required for the local provider")
		}
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket is required for the gcs provider")
		}
	default:
		return fmt.Errorf("unknown archive.provider %q", c.Archive.Provider)
	}
	return nil
}
