package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the main configuration structure
type Config struct {
	Library     LibraryConfig     `mapstructure:"library"`
	Quality     QualityConfig     `mapstructure:"quality"`
	Batch       BatchConfig       `mapstructure:"batch"`
	Store       StoreConfig       `mapstructure:"store"`
	Redis       RedisConfig       `mapstructure:"redis"`
	SQLite      SQLiteConfig      `mapstructure:"sqlite"`
	Compression CompressionConfig `mapstructure:"compression"`
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// LibraryConfig describes where stored images live
type LibraryConfig struct {
	RootDirectory   string   `mapstructure:"root_directory" validate:"required"`
	UploadDirectory string   `mapstructure:"upload_directory"`
	MediaTypes      []string `mapstructure:"media_types"`
}

// QualityConfig bounds the adaptive encoder quality
type QualityConfig struct {
	Min int `mapstructure:"min"`
	Max int `mapstructure:"max"`
}

// BatchConfig contains bulk job settings
type BatchConfig struct {
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
}

// StoreConfig selects the durable settings store
type StoreConfig struct {
	Driver    string        `mapstructure:"driver"` // redis, sqlite, memory
	KeyPrefix string        `mapstructure:"key_prefix"`
	NoticeTTL time.Duration `mapstructure:"notice_ttl"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	URL         string        `mapstructure:"url"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// SQLiteConfig contains SQLite settings
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// CompressionConfig contains recompression settings
type CompressionConfig struct {
	PreserveMetadata bool   `mapstructure:"preserve_metadata"`
	SoftwareTag      string `mapstructure:"software_tag"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port          int   `mapstructure:"port"`
	MaxUploadSize int64 `mapstructure:"max_upload_size"` // MB
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Library: LibraryConfig{
			RootDirectory:   ".",
			UploadDirectory: "uploads",
			MediaTypes:      []string{"image/jpeg", "image/png"},
		},
		Quality: QualityConfig{
			Min: 40,
			Max: 85,
		},
		Batch: BatchConfig{
			LeaseTTL: 5 * time.Minute,
		},
		Store: StoreConfig{
			Driver:    "redis",
			KeyPrefix: "image_optimizer:",
			NoticeTTL: 30 * time.Second,
		},
		Redis: RedisConfig{
			URL:         "redis://127.0.0.1:6379/0",
			DialTimeout: 5 * time.Second,
		},
		SQLite: SQLiteConfig{
			Path: "image-optimizer.db",
		},
		Compression: CompressionConfig{
			PreserveMetadata: false,
			SoftwareTag:      "ImageOptimizer Compressed",
		},
		Server: ServerConfig{
			Port:          8080,
			MaxUploadSize: 32,
		},
		Logging: LoggingConfig{
			Level:      "info",
			FilePath:   "image-optimizer.log",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config file in current directory and home directory
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.image-optimizer")
		v.AddConfigPath("/etc/image-optimizer")
	}

	// Enable environment variable support
	v.SetEnvPrefix("IMAGE_OPTIMIZER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// bindEnv registers keys so AutomaticEnv overrides work without a config file.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"library.root_directory", "library.upload_directory",
		"quality.min", "quality.max",
		"batch.lease_ttl",
		"store.driver", "store.key_prefix", "store.notice_ttl",
		"redis.url", "sqlite.path",
		"compression.preserve_metadata",
		"server.port",
		"logging.level", "logging.file_path",
	} {
		_ = v.BindEnv(key)
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Library.RootDirectory == "" {
		return fmt.Errorf("library.root_directory is required")
	}

	c.Library.RootDirectory = expandPath(c.Library.RootDirectory)
	if !isValidPath(c.Library.RootDirectory) {
		return fmt.Errorf("library.root_directory does not exist or is not accessible: %s", c.Library.RootDirectory)
	}

	if c.Quality.Min < 0 || c.Quality.Max > 100 || c.Quality.Min > c.Quality.Max {
		return fmt.Errorf("invalid quality bounds: min=%d max=%d (need 0 <= min <= max <= 100)",
			c.Quality.Min, c.Quality.Max)
	}

	c.Library.MediaTypes = normalizeMediaTypes(c.Library.MediaTypes)
	if len(c.Library.MediaTypes) == 0 {
		c.Library.MediaTypes = []string{"image/jpeg", "image/png"}
	}

	validDrivers := map[string]bool{
		"redis":  true,
		"sqlite": true,
		"memory": true,
	}
	c.Store.Driver = strings.ToLower(c.Store.Driver)
	if !validDrivers[c.Store.Driver] {
		return fmt.Errorf("invalid store driver: %s (valid: redis, sqlite, memory)", c.Store.Driver)
	}

	if c.Store.NoticeTTL <= 0 {
		c.Store.NoticeTTL = 30 * time.Second
	}
	if c.Batch.LeaseTTL <= 0 {
		c.Batch.LeaseTTL = 5 * time.Minute
	}
	if c.Server.Port <= 0 {
		c.Server.Port = 8080
	}
	if c.Server.MaxUploadSize <= 0 {
		c.Server.MaxUploadSize = 32
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	return nil
}

// UploadPath returns the absolute directory uploads are written to
func (c *Config) UploadPath() string {
	if filepath.IsAbs(c.Library.UploadDirectory) {
		return c.Library.UploadDirectory
	}
	return filepath.Join(c.Library.RootDirectory, c.Library.UploadDirectory)
}

// Helper functions

// expandPath resolves environment variables and a leading ~.
func expandPath(path string) string {
	expanded := os.ExpandEnv(path)
	if strings.HasPrefix(expanded, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return expanded
		}
		expanded = filepath.Join(home, expanded[1:])
	}
	return expanded
}

func isValidPath(path string) bool {
	if path == "" {
		return false
	}

	stat, err := os.Stat(path)
	return err == nil && stat.IsDir()
}

func normalizeMediaTypes(types []string) []string {
	normalized := make([]string, 0, len(types))
	for _, t := range types {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		normalized = append(normalized, t)
	}
	return normalized
}
