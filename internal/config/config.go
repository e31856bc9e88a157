// Package config loads refsync configuration from file and environment and
// initializes the global logger.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	State       StateConfig       `yaml:"state" mapstructure:"state"`
	Database    DatabaseConfig    `yaml:"database" mapstructure:"database"`
	Consolidate ConsolidateConfig `yaml:"consolidate" mapstructure:"consolidate"`
	Enrich      EnrichConfig      `yaml:"enrich" mapstructure:"enrich"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
	Catalog     string            `yaml:"catalog" mapstructure:"catalog"`
	TempDir     string            `yaml:"temp_dir" mapstructure:"temp_dir"`
}

// StateConfig configures the download-state backend.
type StateConfig struct {
	// Driver is "file" or "sqlite".
	Driver string `yaml:"driver" mapstructure:"driver"`
	// Path is the state directory (file driver) or database path (sqlite).
	Path string `yaml:"path" mapstructure:"path"`
}

// DatabaseConfig configures the canonical Postgres storage.
type DatabaseConfig struct {
	URL      string `yaml:"url" mapstructure:"url"`
	MaxConns int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ConsolidateConfig configures the consolidation engine and its worker pool.
type ConsolidateConfig struct {
	Workers int `yaml:"workers" mapstructure:"workers"`

	// Confidence weighting. These are the shipped defaults, not fixed law.
	DiversityWeight    float64 `yaml:"diversity_weight" mapstructure:"diversity_weight"`
	CompletenessWeight float64 `yaml:"completeness_weight" mapstructure:"completeness_weight"`
	TrustWeight        float64 `yaml:"trust_weight" mapstructure:"trust_weight"`
	DiversityCap       int     `yaml:"diversity_cap" mapstructure:"diversity_cap"`

	// PreferLongestFields lists free-text fields resolved by
	// length*trust instead of trust alone.
	PreferLongestFields []string `yaml:"prefer_longest_fields" mapstructure:"prefer_longest_fields"`
}

// EnrichConfig configures the optional enrichment collaborator.
type EnrichConfig struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	APIKey      string `yaml:"api_key" mapstructure:"api_key"`
	Model       string `yaml:"model" mapstructure:"model"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// ServerConfig configures the HTTP trigger server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("REFSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("state.driver", "sqlite")
	v.SetDefault("state.path", "refsync-state.db")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("consolidate.workers", 5)
	v.SetDefault("consolidate.diversity_weight", 0.3)
	v.SetDefault("consolidate.completeness_weight", 0.4)
	v.SetDefault("consolidate.trust_weight", 0.3)
	v.SetDefault("consolidate.diversity_cap", 3)
	v.SetDefault("consolidate.prefer_longest_fields", []string{"description", "indications", "warnings_text", "abstract"})
	v.SetDefault("enrich.enabled", false)
	v.SetDefault("enrich.model", "claude-haiku-4-5-20251001")
	v.SetDefault("enrich.timeout_secs", 20)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("temp_dir", "/tmp/refsync")

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
