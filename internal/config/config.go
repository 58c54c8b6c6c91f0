package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration. Provider credentials are
// resolved here once at startup and passed into client constructors; nothing
// reads the process environment at call time.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	Jina       JinaConfig       `yaml:"jina" mapstructure:"jina"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "postgres" or "sqlite"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// AnthropicConfig holds Anthropic API settings and the role→model mapping.
// Roles express the cost/quality split: a fast model for high-volume
// extraction, a stronger one for validation and consensus.
type AnthropicConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	ExtractModel  string `yaml:"extract_model" mapstructure:"extract_model"`
	ValidateModel string `yaml:"validate_model" mapstructure:"validate_model"`
	MaxTokens     int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// PerplexityConfig holds Perplexity API settings. Perplexity serves the
// freshness/discovery-scan role and the second voice in consensus checks.
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// JinaConfig holds Jina AI Search settings. An empty key soft-disables web
// discovery rather than failing invocations.
type JinaConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	SearchBaseURL string `yaml:"search_base_url" mapstructure:"search_base_url"`
	ReadBaseURL   string `yaml:"read_base_url" mapstructure:"read_base_url"`
}

// PipelineConfig configures batch behavior.
type PipelineConfig struct {
	BatchSize     int     `yaml:"batch_size" mapstructure:"batch_size"`
	MinConfidence int     `yaml:"min_confidence" mapstructure:"min_confidence"`
	TasksPath     string  `yaml:"tasks_path" mapstructure:"tasks_path"`
	SearchLimit   int     `yaml:"search_limit" mapstructure:"search_limit"`
	UseConsensus  bool    `yaml:"use_consensus" mapstructure:"use_consensus"`
	RatePerSecond RateMap `yaml:"rate_per_second" mapstructure:"rate_per_second"`
}

// RateMap holds per-provider request budgets in requests per second.
// Fractional values express inter-call delays (0.5 = one call every 2s).
type RateMap map[string]float64

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ENRICH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "enrich.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("anthropic.extract_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.validate_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("jina.read_base_url", "https://r.jina.ai")
	v.SetDefault("pipeline.batch_size", 10)
	v.SetDefault("pipeline.min_confidence", 60)
	v.SetDefault("pipeline.search_limit", 5)
	v.SetDefault("pipeline.use_consensus", true)
	v.SetDefault("pipeline.rate_per_second", map[string]float64{
		"anthropic":  2,
		"perplexity": 1,
		"jina":       1,
		"generate":   0.5,
	})

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
