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
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Ingest   IngestConfig   `yaml:"ingest" mapstructure:"ingest"`
	Query    QueryConfig    `yaml:"query" mapstructure:"query"`
	Download DownloadConfig `yaml:"download" mapstructure:"download"`
	AWS      AWSConfig      `yaml:"aws" mapstructure:"aws"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the catalog store backend.
type StoreConfig struct {
	Driver            string   `yaml:"driver" mapstructure:"driver"`
	DatabaseURL       string   `yaml:"database_url" mapstructure:"database_url"`
	MaxConns          int32    `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns          int32    `yaml:"min_conns" mapstructure:"min_conns"`
	IndexedAttributes []string `yaml:"indexed_attributes" mapstructure:"indexed_attributes"`
}

// IngestConfig configures catalog file ingestion.
type IngestConfig struct {
	DataDir            string `yaml:"data_dir" mapstructure:"data_dir"`
	Pattern            string `yaml:"pattern" mapstructure:"pattern"`
	BatchSize          int    `yaml:"batch_size" mapstructure:"batch_size"`
	MaxInflightBatches int    `yaml:"max_inflight_batches" mapstructure:"max_inflight_batches"`
}

// QueryConfig configures the query service.
type QueryConfig struct {
	Limit int `yaml:"limit" mapstructure:"limit"`
}

// DownloadConfig configures offer file downloads from the public price list
// endpoint.
type DownloadConfig struct {
	BaseURL    string   `yaml:"base_url" mapstructure:"base_url"`
	IndexPath  string   `yaml:"index_path" mapstructure:"index_path"`
	UserAgent  string   `yaml:"user_agent" mapstructure:"user_agent"`
	MaxRetries int      `yaml:"max_retries" mapstructure:"max_retries"`
	Offers     []string `yaml:"offers" mapstructure:"offers"`
	Regions    []string `yaml:"regions" mapstructure:"regions"`
}

// AWSConfig configures the Price List Query API client.
type AWSConfig struct {
	Region string `yaml:"region" mapstructure:"region"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
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
	v.SetEnvPrefix("PRICING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("store.indexed_attributes", []string{"servicecode", "location", "instanceType"})
	v.SetDefault("ingest.data_dir", "data")
	v.SetDefault("ingest.pattern", "*.json")
	v.SetDefault("ingest.batch_size", 1000)
	v.SetDefault("ingest.max_inflight_batches", 4)
	v.SetDefault("query.limit", 100)
	v.SetDefault("server.port", 4000)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("download.base_url", "https://pricing.us-east-1.amazonaws.com")
	v.SetDefault("download.index_path", "/offers/v1.0/aws/index.json")
	v.SetDefault("download.user_agent", "pricing-cli/1.0")
	v.SetDefault("download.max_retries", 3)
	v.SetDefault("download.offers", []string{})
	v.SetDefault("download.regions", []string{})
	v.SetDefault("aws.region", "us-east-1")

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

// Validate checks the settings a command mode depends on. Modes: "store"
// (migrate, keys, log), "ingest", "query", "serve", "download".
func (c *Config) Validate(mode string) error {
	var errs []string

	needsStore := false
	switch mode {
	case "store":
		needsStore = true
	case "ingest":
		needsStore = true
		if c.Ingest.BatchSize < 1 {
			errs = append(errs, "ingest.batch_size must be > 0")
		}
		if c.Ingest.MaxInflightBatches < 1 || c.Ingest.MaxInflightBatches > 64 {
			errs = append(errs, "ingest.max_inflight_batches must be between 1 and 64")
		}
	case "query":
		needsStore = true
		if c.Query.Limit < 1 {
			errs = append(errs, "query.limit must be > 0")
		}
	case "serve":
		needsStore = true
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Query.Limit < 1 {
			errs = append(errs, "query.limit must be > 0")
		}
	case "download":
		if c.Download.BaseURL == "" {
			errs = append(errs, "download.base_url is required")
		}
		if c.Ingest.DataDir == "" {
			errs = append(errs, "ingest.data_dir is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if needsStore {
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
		switch c.Store.Driver {
		case "postgres", "sqlite":
		default:
			errs = append(errs, "store.driver must be postgres or sqlite")
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
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
