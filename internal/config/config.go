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
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	SkipTrace  SkipTraceConfig  `yaml:"skiptrace" mapstructure:"skiptrace"`
	PropData   PropDataConfig   `yaml:"propdata" mapstructure:"propdata"`
	Notion     NotionConfig     `yaml:"notion" mapstructure:"notion"`
	Dispatcher DispatcherConfig `yaml:"dispatcher" mapstructure:"dispatcher"`
	Webhooks   WebhooksConfig   `yaml:"webhooks" mapstructure:"webhooks"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`             // sqlite or postgres
	Path        string `yaml:"path" mapstructure:"path"`                 // sqlite file path
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"` // postgres conn string
	MaxConns    int    `yaml:"max_conns" mapstructure:"max_conns"`
}

// SkipTraceConfig holds the skip-trace vendor credentials and pricing.
type SkipTraceConfig struct {
	Key       string  `yaml:"key" mapstructure:"key"`
	BaseURL   string  `yaml:"base_url" mapstructure:"base_url"`
	CostCents int64   `yaml:"cost_cents" mapstructure:"cost_cents"`
	RPS       float64 `yaml:"rps" mapstructure:"rps"`
}

// PropDataConfig holds the property-data vendor credentials and pricing.
type PropDataConfig struct {
	Key       string  `yaml:"key" mapstructure:"key"`
	BaseURL   string  `yaml:"base_url" mapstructure:"base_url"`
	CostCents int64   `yaml:"cost_cents" mapstructure:"cost_cents"`
	RPS       float64 `yaml:"rps" mapstructure:"rps"`
}

// NotionConfig holds Notion API credentials and the lead queue database id.
type NotionConfig struct {
	Token  string `yaml:"token" mapstructure:"token"`
	LeadDB string `yaml:"lead_db" mapstructure:"lead_db"`
}

// DispatcherConfig configures the worker pool.
type DispatcherConfig struct {
	Workers         int `yaml:"workers" mapstructure:"workers"`
	BaseDelayMs     int `yaml:"base_delay_ms" mapstructure:"base_delay_ms"`
	CallTimeoutSecs int `yaml:"call_timeout_secs" mapstructure:"call_timeout_secs"`
	MaxAttempts     int `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// WebhooksConfig configures event delivery.
type WebhooksConfig struct {
	File        string `yaml:"file" mapstructure:"file"`
	Workers     int    `yaml:"workers" mapstructure:"workers"`
	MaxAttempts int    `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// ServerConfig configures the HTTP API server.
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

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ENRICH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "enrich.db")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("dispatcher.workers", 4)
	v.SetDefault("dispatcher.base_delay_ms", 1000)
	v.SetDefault("dispatcher.call_timeout_secs", 20)
	v.SetDefault("dispatcher.max_attempts", 3)
	v.SetDefault("webhooks.file", "webhooks.yaml")
	v.SetDefault("webhooks.workers", 2)
	v.SetDefault("webhooks.max_attempts", 5)
	v.SetDefault("skiptrace.base_url", "https://api.skipengine.example.com/v1")
	v.SetDefault("skiptrace.cost_cents", 25)
	v.SetDefault("skiptrace.rps", 5)
	v.SetDefault("propdata.base_url", "https://api.propgrid.example.com/v2")
	v.SetDefault("propdata.cost_cents", 10)
	v.SetDefault("propdata.rps", 5)

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
