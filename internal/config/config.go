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
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Catalog     CatalogConfig     `yaml:"catalog" mapstructure:"catalog"`
	Policy      PolicyConfig      `yaml:"policy" mapstructure:"policy"`
	Propagation PropagationConfig `yaml:"propagation" mapstructure:"propagation"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// CatalogConfig locates the field catalog. An empty path uses the built-in catalog.
type CatalogConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PolicyConfig locates the source ranking policy. An empty path uses the
// built-in policy.
type PolicyConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PropagationConfig configures answer propagation.
type PropagationConfig struct {
	MaxConcurrentEntities int    `yaml:"max_concurrent_entities" mapstructure:"max_concurrent_entities"`
	RetryAttempts         int    `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryInitialBackoffMs int    `yaml:"retry_initial_backoff_ms" mapstructure:"retry_initial_backoff_ms"`
	RetryMaxBackoffMs     int    `yaml:"retry_max_backoff_ms" mapstructure:"retry_max_backoff_ms"`
	Actor                 string `yaml:"actor" mapstructure:"actor"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	RateLimit      float64  `yaml:"rate_limit" mapstructure:"rate_limit"`
	Burst          int      `yaml:"burst" mapstructure:"burst"`
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
	v.SetEnvPrefix("COMPASS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "compass.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("catalog.path", "")
	v.SetDefault("policy.path", "")
	v.SetDefault("propagation.max_concurrent_entities", 4)
	v.SetDefault("propagation.retry_attempts", 3)
	v.SetDefault("propagation.retry_initial_backoff_ms", 50)
	v.SetDefault("propagation.retry_max_backoff_ms", 2000)
	v.SetDefault("propagation.actor", "propagation")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit", 50.0)
	v.SetDefault("server.burst", 100)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Validate checks the settings a command needs. Mode "store" covers commands
// that only touch the database; "propagate" adds the propagation bounds and
// "serve" adds the server settings on top of those.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "store", "propagate", "serve":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, "store.driver must be sqlite or postgres")
	}
	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}

	if mode == "propagate" || mode == "serve" {
		if c.Propagation.MaxConcurrentEntities < 1 || c.Propagation.MaxConcurrentEntities > 64 {
			problems = append(problems, "propagation.max_concurrent_entities must be between 1 and 64")
		}
		if c.Propagation.RetryAttempts < 1 {
			problems = append(problems, "propagation.retry_attempts must be >= 1")
		}
	}

	if mode == "serve" {
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
		if c.Server.RateLimit < 0 {
			problems = append(problems, "server.rate_limit must be >= 0")
		}
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
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
