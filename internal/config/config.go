// Package config handles configuration loading for rulebrief.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"rulebrief/internal/cache"
	"rulebrief/internal/publish"
	"rulebrief/internal/sources"
)

// Config holds the complete application configuration.
type Config struct {
	Sources   SourcesConfig   `yaml:"sources"`
	Rulebook  RulebookConfig  `yaml:"rulebook"`
	Normalize NormalizeConfig `yaml:"normalize"`
	Fusion    FusionConfig    `yaml:"fusion"`
	Render    RenderConfig    `yaml:"render"`
	Cache     CacheConfig     `yaml:"cache"`
	Enrich    EnrichConfig    `yaml:"enrich"`
	Publish   PublishConfig   `yaml:"publish"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Logging   LoggingConfig   `yaml:"logging"`
	Errors    ErrorsConfig    `yaml:"errors"`
}

// SourcesConfig selects where raw documents are read from.
type SourcesConfig struct {
	Backend     string           `yaml:"backend"` // "dir" or "s3"
	Dir         string           `yaml:"dir"`
	MaxFileSize int64            `yaml:"max_file_size"`
	S3          sources.S3Config `yaml:"s3"`
}

// RulebookConfig holds rulebook settings.
type RulebookConfig struct {
	Dir string `yaml:"dir"`
}

// NormalizeConfig holds normalizer settings. Aliases and markers extend the
// built-in tables.
type NormalizeConfig struct {
	FieldAliases   map[string]string `yaml:"field_aliases"`
	UnknownMarkers []string          `yaml:"unknown_markers"`
	MaxFuture      time.Duration     `yaml:"max_future"`
}

// FusionConfig holds fusion settings.
type FusionConfig struct {
	MergeUnkeyedIncidents bool `yaml:"merge_unkeyed_incidents"`
}

// RenderConfig holds renderer settings.
type RenderConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// CacheConfig holds fused-record cache settings.
type CacheConfig struct {
	Enabled bool              `yaml:"enabled"`
	Backend string            `yaml:"backend"` // "memory" or "redis"
	TTL     time.Duration     `yaml:"ttl"`
	Prefix  string            `yaml:"prefix"`
	Redis   cache.RedisConfig `yaml:"redis"`
}

// EnrichConfig holds reference enrichment settings.
type EnrichConfig struct {
	CatalogPath string        `yaml:"catalog_path"`
	CacheExpiry time.Duration `yaml:"cache_expiry"`
}

// PublishConfig holds outcome publishing settings.
type PublishConfig struct {
	Enabled bool                `yaml:"enabled"`
	Kafka   publish.KafkaConfig `yaml:"kafka"`
}

// PipelineConfig holds request processing settings.
type PipelineConfig struct {
	// Concurrency bounds parallel normalization within one request.
	Concurrency int `yaml:"concurrency"`
	// BatchConcurrency bounds parallel requests in a batch.
	BatchConcurrency int `yaml:"batch_concurrency"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ErrorsConfig holds error report settings.
type ErrorsConfig struct {
	// Production sanitizes paths, addresses and credentials out of error
	// report messages.
	Production bool `yaml:"production"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	cacheDefaults := cache.DefaultConfig()
	return &Config{
		Sources: SourcesConfig{
			Backend:     "dir",
			Dir:         "data/sources",
			MaxFileSize: 4 * 1024 * 1024, // 4MB
			S3:          sources.DefaultS3Config(),
		},
		Rulebook: RulebookConfig{
			Dir: "data/rulebook",
		},
		Normalize: NormalizeConfig{
			MaxFuture: 5 * time.Minute,
		},
		Fusion: FusionConfig{
			MergeUnkeyedIncidents: true,
		},
		Render: RenderConfig{
			Timeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			Enabled: true,
			Backend: "memory",
			TTL:     cacheDefaults.TTL,
			Prefix:  cacheDefaults.Prefix,
			Redis:   cache.DefaultRedisConfig(),
		},
		Enrich: EnrichConfig{
			CacheExpiry: time.Hour,
		},
		Publish: PublishConfig{
			Enabled: false,
			Kafka:   publish.DefaultKafkaConfig(),
		},
		Pipeline: PipelineConfig{
			Concurrency:      8,
			BatchConcurrency: 4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Errors: ErrorsConfig{
			Production: false,
		},
	}
}

// Load loads configuration from the file named by RULEBRIEF_CONFIG_PATH
// (default configs/config.yaml), falling back to defaults when it does not
// exist. Environment overrides are applied last.
func Load() (*Config, error) {
	configPath := os.Getenv("RULEBRIEF_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
		// File doesn't exist, use defaults
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	if level := os.Getenv("RULEBRIEF_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("RULEBRIEF_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}

	if timeout := os.Getenv("RULEBRIEF_RENDER_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("invalid RULEBRIEF_RENDER_TIMEOUT: %w", err)
		}
		c.Render.Timeout = d
	}

	if dir := os.Getenv("RULEBRIEF_SOURCES_DIR"); dir != "" {
		c.Sources.Dir = dir
	}
	if dir := os.Getenv("RULEBRIEF_RULEBOOK_DIR"); dir != "" {
		c.Rulebook.Dir = dir
	}

	// S3 source settings
	if bucket := os.Getenv("RULEBRIEF_S3_BUCKET"); bucket != "" {
		c.Sources.Backend = "s3"
		c.Sources.S3.Bucket = bucket
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		c.Sources.S3.Region = region
	}

	// Redis cache settings
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Cache.Backend = "redis"
		c.Cache.Redis.Addr = addr
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.Cache.Redis.Password = pass
	}

	// Kafka publish settings
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Publish.Enabled = true
		c.Publish.Kafka.Brokers = splitAndTrim(brokers, ",")
	}
	if topic := os.Getenv("KAFKA_TOPIC"); topic != "" {
		c.Publish.Kafka.Topic = topic
	}

	if prod := os.Getenv("RULEBRIEF_PRODUCTION"); prod == "true" {
		c.Errors.Production = true
	}
	return nil
}

// splitAndTrim splits a string by separator and drops empty parts.
func splitAndTrim(s, sep string) []string {
	var parts []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Sources.Backend {
	case "dir":
		if c.Sources.Dir == "" {
			return fmt.Errorf("sources.dir is required for the dir backend")
		}
	case "s3":
		if err := c.Sources.S3.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid sources.backend: %q", c.Sources.Backend)
	}

	if c.Render.Timeout <= 0 {
		return fmt.Errorf("render.timeout must be positive")
	}

	if c.Cache.Enabled {
		switch c.Cache.Backend {
		case "memory":
		case "redis":
			if c.Cache.Redis.Addr == "" {
				return fmt.Errorf("cache.redis.addr is required for the redis backend")
			}
		default:
			return fmt.Errorf("invalid cache.backend: %q", c.Cache.Backend)
		}
	}

	if c.Publish.Enabled {
		if err := c.Publish.Kafka.Validate(); err != nil {
			return err
		}
	}

	if c.Pipeline.Concurrency <= 0 || c.Pipeline.BatchConcurrency <= 0 {
		return fmt.Errorf("pipeline concurrency must be positive")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging.level: %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging.format: %q", c.Logging.Format)
	}

	return nil
}
