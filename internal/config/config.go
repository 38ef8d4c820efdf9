package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Comfy      ComfyConfig      `koanf:"comfy"`
	Jobs       JobsConfig       `koanf:"jobs"`
	Redis      RedisConfig      `koanf:"redis"`
	Workflows  WorkflowsConfig  `koanf:"workflows"`
	Storage    StorageConfig    `koanf:"storage"`
	CloudFront CloudFrontConfig `koanf:"cloudfront"`
	Webhook    WebhookConfig    `koanf:"webhook"`
	Logging    LoggingConfig    `koanf:"logging"`
}

type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

type ComfyConfig struct {
	Host           string       `koanf:"host"`
	Port           int          `koanf:"port"`
	ClientID       string       `koanf:"client_id"`
	SubmitTimeout  string       `koanf:"submit_timeout"`
	MaxJobDuration string       `koanf:"max_job_duration"`
	Stream         StreamConfig `koanf:"stream"`
}

func (c ComfyConfig) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

type StreamConfig struct {
	MaxRetries  int    `koanf:"max_retries"`
	BaseBackoff string `koanf:"base_backoff"`
	MaxBackoff  string `koanf:"max_backoff"`
}

type JobsConfig struct {
	Store string `koanf:"store"` // "redis" or "memory"
	TTL   string `koanf:"ttl"`
}

type RedisConfig struct {
	URL string `koanf:"url"`
}

type WorkflowsConfig struct {
	Dir string `koanf:"dir"`
}

type StorageConfig struct {
	Enabled            bool   `koanf:"enabled"`
	Bucket             string `koanf:"bucket"`
	Region             string `koanf:"region"`
	Prefix             string `koanf:"prefix"`
	AccessKeyID        string `koanf:"access_key_id"`
	SecretAccessKey    string `koanf:"secret_access_key"`
	CleanupAfterUpload bool   `koanf:"cleanup_after_upload"`
}

type CloudFrontConfig struct {
	Enabled        bool   `koanf:"enabled"`
	Domain         string `koanf:"domain"`
	SignedURLs     bool   `koanf:"signed_urls"`
	KeyPairID      string `koanf:"key_pair_id"`
	PrivateKeyPath string `koanf:"private_key_path"`
	URLExpiry      string `koanf:"url_expiry"`
}

type WebhookConfig struct {
	URL         string `koanf:"url"`
	Secret      string `koanf:"secret"`
	MaxAttempts int    `koanf:"max_attempts"`
	BaseBackoff string `koanf:"base_backoff"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Load reads config from TOML file (if provided) then overlays env vars.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, err
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, err
		}
	}

	// Env vars: CD_SERVER_PORT -> server.port
	// Only set env vars that have non-empty values to avoid overriding TOML config.
	if err := k.Load(env.ProviderWithValue("CD_", ".", func(key, value string) (string, interface{}) {
		if value == "" {
			return "", nil
		}
		mapped := strings.Replace(
			strings.ToLower(strings.TrimPrefix(key, "CD_")),
			"_", ".", -1,
		)
		return mapped, value
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	// Stable client id per process unless pinned in config
	if cfg.Comfy.ClientID == "" {
		cfg.Comfy.ClientID = uuid.NewString()
	}

	return &cfg, nil
}

// Duration parses a config duration string, falling back when unset or invalid.
func Duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
