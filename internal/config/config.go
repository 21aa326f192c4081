package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Crypto     CryptoConfig     `yaml:"crypto" mapstructure:"crypto"`
	AWS        AWSConfig        `yaml:"aws" mapstructure:"aws"`
	PHI        PHIConfig        `yaml:"phi" mapstructure:"phi"`
	Suggest    SuggestConfig    `yaml:"suggest" mapstructure:"suggest"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI     OpenAIConfig     `yaml:"openai" mapstructure:"openai"`
	Resilience ResilienceConfig `yaml:"resilience" mapstructure:"resilience"`
	Rates      RatesConfig      `yaml:"rates" mapstructure:"rates"`
	Dispatch   DispatchConfig   `yaml:"dispatch" mapstructure:"dispatch"`
	Temporal   TemporalConfig   `yaml:"temporal" mapstructure:"temporal"`
	Notify     NotifyConfig     `yaml:"notify" mapstructure:"notify"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// CryptoConfig holds the PHI mapping encryption key (base64 or hex, 32 bytes).
type CryptoConfig struct {
	Key string `yaml:"key" mapstructure:"key"`
}

// AWSConfig holds credentials for the PHI classifier. Empty keys fall back
// to the default AWS credential chain.
type AWSConfig struct {
	Region          string `yaml:"region" mapstructure:"region"`
	AccessKeyID     string `yaml:"access_key_id" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" mapstructure:"secret_access_key"`
	Endpoint        string `yaml:"endpoint" mapstructure:"endpoint"`
}

// PHIConfig configures PHI detection.
type PHIConfig struct {
	// Classifier is "comprehend" or "none". "none" detects nothing and is
	// meant for local development only.
	Classifier        string  `yaml:"classifier" mapstructure:"classifier"`
	MaxChunkBytes     int     `yaml:"max_chunk_bytes" mapstructure:"max_chunk_bytes"`
	ChunkOverlapBytes int     `yaml:"chunk_overlap_bytes" mapstructure:"chunk_overlap_bytes"`
	MinScore          float64 `yaml:"min_score" mapstructure:"min_score"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
}

// SuggestConfig selects and tunes the code-suggestion provider.
type SuggestConfig struct {
	Provider  string `yaml:"provider" mapstructure:"provider"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// OpenAIConfig holds OpenAI API settings.
type OpenAIConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// ResilienceConfig tunes in-checkpoint retries and circuit breakers for
// external calls.
type ResilienceConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	BreakerThreshold int `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs int `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// RatesConfig points at optional rate data.
type RatesConfig struct {
	// Path is a YAML file with default overrides and payer schedules.
	Path         string `yaml:"path" mapstructure:"path"`
	PrefixLength int    `yaml:"prefix_length" mapstructure:"prefix_length"`
}

// DispatchConfig configures the task runner and report budgets.
type DispatchConfig struct {
	Backend            string  `yaml:"backend" mapstructure:"backend"`
	Workers            int     `yaml:"workers" mapstructure:"workers"`
	QueueSize          int     `yaml:"queue_size" mapstructure:"queue_size"`
	MaxRetries         int     `yaml:"max_retries" mapstructure:"max_retries"`
	HardBudgetSecs     int     `yaml:"hard_budget_secs" mapstructure:"hard_budget_secs"`
	SoftBudgetSecs     int     `yaml:"soft_budget_secs" mapstructure:"soft_budget_secs"`
	StaleMargin        float64 `yaml:"stale_margin" mapstructure:"stale_margin"`
	ReaperIntervalSecs int     `yaml:"reaper_interval_secs" mapstructure:"reaper_interval_secs"`
	PollIntervalSecs   int     `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
}

// HardBudget returns the hard execution budget.
func (d DispatchConfig) HardBudget() time.Duration {
	return time.Duration(d.HardBudgetSecs) * time.Second
}

// SoftBudget returns the soft execution budget.
func (d DispatchConfig) SoftBudget() time.Duration {
	return time.Duration(d.SoftBudgetSecs) * time.Second
}

// TemporalConfig configures the Temporal backend.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
}

// NotifyConfig configures status notifications. Both sinks are optional.
type NotifyConfig struct {
	WebhookURL         string `yaml:"webhook_url" mapstructure:"webhook_url"`
	WebhookTimeoutSecs int    `yaml:"webhook_timeout_secs" mapstructure:"webhook_timeout_secs"`
	RedisURL           string `yaml:"redis_url" mapstructure:"redis_url"`
	RedisChannel       string `yaml:"redis_channel" mapstructure:"redis_channel"`
}

// MonitoringConfig configures report health alerts. Alerts are disabled
// when WebhookURL is empty.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	StaleThreshold       int     `yaml:"stale_threshold" mapstructure:"stale_threshold"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CHARTAUDIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sqlite_path", "chart-audit.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("crypto.key", "")
	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.access_key_id", "")
	v.SetDefault("aws.secret_access_key", "")
	v.SetDefault("aws.endpoint", "")
	v.SetDefault("phi.classifier", "comprehend")
	v.SetDefault("phi.max_chunk_bytes", 19000)
	v.SetDefault("phi.chunk_overlap_bytes", 200)
	v.SetDefault("phi.min_score", 0.5)
	v.SetDefault("phi.requests_per_second", 5)
	v.SetDefault("phi.burst", 5)
	v.SetDefault("suggest.provider", "anthropic")
	v.SetDefault("suggest.max_tokens", 4096)
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("openai.key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("resilience.max_attempts", 2)
	v.SetDefault("resilience.initial_backoff_ms", 500)
	v.SetDefault("resilience.max_backoff_ms", 10000)
	v.SetDefault("resilience.breaker_threshold", 5)
	v.SetDefault("resilience.breaker_reset_secs", 30)
	v.SetDefault("rates.path", "")
	v.SetDefault("rates.prefix_length", 3)
	v.SetDefault("dispatch.backend", "local")
	v.SetDefault("dispatch.workers", 4)
	v.SetDefault("dispatch.queue_size", 100)
	v.SetDefault("dispatch.max_retries", 3)
	v.SetDefault("dispatch.hard_budget_secs", 300)
	v.SetDefault("dispatch.soft_budget_secs", 240)
	v.SetDefault("dispatch.stale_margin", 2.0)
	v.SetDefault("dispatch.reaper_interval_secs", 60)
	v.SetDefault("dispatch.poll_interval_secs", 5)
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "chart-audit")
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.webhook_timeout_secs", 10)
	v.SetDefault("notify.redis_url", "")
	v.SetDefault("notify.redis_channel", "chart-audit:reports")
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.stale_threshold", 1)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
