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
	Engine     EngineConfig     `yaml:"engine" mapstructure:"engine"`
	Rank       RankConfig       `yaml:"rank" mapstructure:"rank"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend. For sqlite, DatabaseURL is
// the database file path.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// EngineConfig configures analysis runs.
type EngineConfig struct {
	Workers           int `yaml:"workers" mapstructure:"workers"`
	PageSize          int `yaml:"page_size" mapstructure:"page_size"`
	RecordTimeoutSecs int `yaml:"record_timeout_secs" mapstructure:"record_timeout_secs"`
	RetryAttempts     int `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	BreakerThreshold  int `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs  int `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
	AssocTopRules     int `yaml:"assoc_top_rules" mapstructure:"assoc_top_rules"`
}

// RecordTimeout returns the per-record analyzer deadline.
func (c EngineConfig) RecordTimeout() time.Duration {
	return time.Duration(c.RecordTimeoutSecs) * time.Second
}

// RankConfig holds the relevance model weights.
type RankConfig struct {
	TitleWeight     float64 `yaml:"title_weight" mapstructure:"title_weight"`
	BodyWeight      float64 `yaml:"body_weight" mapstructure:"body_weight"`
	FallbackPenalty float64 `yaml:"fallback_penalty" mapstructure:"fallback_penalty"`
}

// IngestConfig configures document intake.
type IngestConfig struct {
	SourcesFile     string  `yaml:"sources_file" mapstructure:"sources_file"`
	DefaultLanguage string  `yaml:"default_language" mapstructure:"default_language"`
	DownloadsPerSec float64 `yaml:"downloads_per_sec" mapstructure:"downloads_per_sec"`
	RetryAttempts   int     `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBackoffMs  int     `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
	RetryMaxBackoff int     `yaml:"retry_max_backoff_ms" mapstructure:"retry_max_backoff_ms"`
}

// AnthropicConfig holds Anthropic API settings for the LLM entity extractor.
type AnthropicConfig struct {
	Key            string  `yaml:"key" mapstructure:"key"`
	Model          string  `yaml:"model" mapstructure:"model"`
	MaxTokens      int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
}

// ServerConfig configures the read-only HTTP adapter.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MonitoringConfig configures run-ledger health checks and alerting.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	StaleRunMinutes      int     `yaml:"stale_run_minutes" mapstructure:"stale_run_minutes"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CORPUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Every key needs a default so AutomaticEnv can see it during Unmarshal.
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "corpus.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.page_size", 200)
	v.SetDefault("engine.record_timeout_secs", 30)
	v.SetDefault("engine.retry_attempts", 3)
	v.SetDefault("engine.breaker_threshold", 10)
	v.SetDefault("engine.breaker_reset_secs", 30)
	v.SetDefault("engine.assoc_top_rules", 50)
	v.SetDefault("rank.title_weight", 4.0)
	v.SetDefault("rank.body_weight", 1.0)
	v.SetDefault("rank.fallback_penalty", 0.5)
	v.SetDefault("ingest.sources_file", "sources.yaml")
	v.SetDefault("ingest.default_language", "")
	v.SetDefault("ingest.downloads_per_sec", 2.0)
	v.SetDefault("ingest.retry_attempts", 3)
	v.SetDefault("ingest.retry_backoff_ms", 500)
	v.SetDefault("ingest.retry_max_backoff_ms", 10000)
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.requests_per_sec", 2.0)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.stale_run_minutes", 120)

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

// Validate checks the settings a command depends on. command is the cobra
// command name, or a capability name for capability-specific checks.
func (c *Config) Validate(command string) error {
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return eris.New("config: store.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.DatabaseURL == "" {
			return eris.New("config: store.database_url (database file path) is required for the sqlite driver")
		}
	default:
		return eris.Errorf("config: unsupported store.driver %q", c.Store.Driver)
	}

	switch command {
	case "analyze":
		if c.Engine.Workers < 1 {
			return eris.New("config: engine.workers must be at least 1")
		}
		if c.Engine.PageSize < 1 {
			return eris.New("config: engine.page_size must be at least 1")
		}
		if c.Engine.RecordTimeoutSecs < 1 {
			return eris.New("config: engine.record_timeout_secs must be at least 1")
		}
	case "ner-llm":
		if c.Anthropic.Key == "" {
			return eris.New("config: anthropic.key is required for the ner-llm capability")
		}
	case "search", "serve":
		if c.Rank.TitleWeight <= 0 || c.Rank.BodyWeight <= 0 {
			return eris.New("config: rank weights must be positive")
		}
		if c.Rank.FallbackPenalty <= 0 || c.Rank.FallbackPenalty > 1 {
			return eris.New("config: rank.fallback_penalty must be in (0, 1]")
		}
		if command == "serve" && c.Server.Port <= 0 {
			return eris.New("config: server.port must be positive")
		}
	}
	return nil
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
