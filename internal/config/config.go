// Package config provides configuration management using Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Seeder   SeederConfig   `mapstructure:"seeder"`
	Entities EntitiesConfig `mapstructure:"entities"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds the operational HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"` // e.g., ["https://example.com", "*.sub.domain.tld"]
}

// Enabled returns true if CORS is configured with at least one allowed origin.
func (c *CORSConfig) Enabled() bool {
	return len(c.AllowedOrigins) > 0
}

// DatabaseConfig holds the SpatiaLite state database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	Type      string      `mapstructure:"type"` // s3, azure, local
	LocalPath string      `mapstructure:"local_path"`
	PublicURL string      `mapstructure:"public_url"` // base URL under which uploaded objects are reachable
	S3        S3Config    `mapstructure:"s3"`
	Azure     AzureConfig `mapstructure:"azure"`
}

// S3Config holds AWS S3 configuration.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Prefix          string `mapstructure:"prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// AzureConfig holds Azure Blob Storage configuration.
type AzureConfig struct {
	Container        string `mapstructure:"container"`
	AccountName      string `mapstructure:"account_name"`
	AccountKey       string `mapstructure:"account_key"`
	ConnectionString string `mapstructure:"connection_string"`
	Prefix           string `mapstructure:"prefix"`
}

// CacheConfig holds source tile cache configuration.
type CacheConfig struct {
	Prefix        string        `mapstructure:"prefix"`         // object key prefix for cached tiles
	OriginTimeout time.Duration `mapstructure:"origin_timeout"` // per-download timeout against origin servers
}

// PipelineConfig holds point cloud pipeline configuration.
type PipelineConfig struct {
	WorkRoot      string  `mapstructure:"work_root"`      // scratch directory for per-job workspaces
	CHMResolution float64 `mapstructure:"chm_resolution"` // raster cell size in CRS units
	TilesetPrefix string  `mapstructure:"tileset_prefix"` // object key prefix for published tilesets
	PDALPath      string  `mapstructure:"pdal_path"`
	TilerPath     string  `mapstructure:"tiler_path"`
}

// WorkerConfig holds job worker pool configuration.
type WorkerConfig struct {
	Count           int           `mapstructure:"count"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	JobTimeout      time.Duration `mapstructure:"job_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SeederConfig holds coverage seeding configuration.
type SeederConfig struct {
	BatchSize int      `mapstructure:"batch_size"`
	WatchDirs []string `mapstructure:"watch_dirs"` // directories watched for dropped seed files
}

// EntitiesConfig holds NGSI-LD context broker configuration.
type EntitiesConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	BrokerURL string        `mapstructure:"broker_url"`
	MaxTrees  int           `mapstructure:"max_trees"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
}

// Defaults sets the default configuration values.
func Defaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)
	viper.SetDefault("server.shutdown_timeout", 10*time.Second)
	viper.SetDefault("server.cors.allowed_origins", []string{})

	// Database defaults
	viper.SetDefault("database.path", "./canopy.db")

	// Storage defaults
	viper.SetDefault("storage.type", "local")
	viper.SetDefault("storage.local_path", "./data")
	viper.SetDefault("storage.public_url", "")

	// Cache defaults
	viper.SetDefault("cache.prefix", "source-tiles")
	viper.SetDefault("cache.origin_timeout", 10*time.Minute)

	// Pipeline defaults
	viper.SetDefault("pipeline.work_root", "./work")
	viper.SetDefault("pipeline.chm_resolution", 0.5)
	viper.SetDefault("pipeline.tileset_prefix", "tilesets")
	viper.SetDefault("pipeline.pdal_path", "pdal")
	viper.SetDefault("pipeline.tiler_path", "py3dtiles")

	// Worker defaults
	viper.SetDefault("worker.count", 2)
	viper.SetDefault("worker.poll_interval", 2*time.Second)
	viper.SetDefault("worker.job_timeout", 30*time.Minute)
	viper.SetDefault("worker.shutdown_timeout", 30*time.Second)

	// Seeder defaults
	viper.SetDefault("seeder.batch_size", 500)
	viper.SetDefault("seeder.watch_dirs", []string{})

	// Entities defaults
	viper.SetDefault("entities.enabled", false)
	viper.SetDefault("entities.broker_url", "http://localhost:1026")
	viper.SetDefault("entities.max_trees", 100)
	viper.SetDefault("entities.timeout", 10*time.Second)

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}

// Load loads configuration from environment and config file.
func Load(configPath string) (*Config, error) {
	Defaults()

	// Environment variable binding
	viper.SetEnvPrefix("CANOPY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Config file
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/canopy")
	}

	// Try to read config file (not required)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	switch c.Storage.Type {
	case "local":
		if c.Storage.LocalPath == "" {
			return fmt.Errorf("local storage path is required")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("S3 bucket is required")
		}
		if c.Storage.S3.Region == "" {
			return fmt.Errorf("S3 region is required")
		}
	case "azure":
		if c.Storage.Azure.Container == "" {
			return fmt.Errorf("azure container is required")
		}
		if c.Storage.Azure.AccountName == "" && c.Storage.Azure.ConnectionString == "" {
			return fmt.Errorf("azure account name or connection string is required")
		}
	default:
		return fmt.Errorf("unknown storage type: %s", c.Storage.Type)
	}

	if c.Pipeline.CHMResolution <= 0 {
		return fmt.Errorf("invalid chm resolution: %g", c.Pipeline.CHMResolution)
	}

	if c.Worker.Count < 1 {
		return fmt.Errorf("invalid worker count: %d", c.Worker.Count)
	}

	if c.Seeder.BatchSize < 1 {
		return fmt.Errorf("invalid seeder batch size: %d", c.Seeder.BatchSize)
	}

	if c.Entities.Enabled && c.Entities.BrokerURL == "" {
		return fmt.Errorf("entities enabled but no broker URL specified")
	}

	return nil
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
