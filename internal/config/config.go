// Package config loads and validates capture service configuration via Viper.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper. It is
// built once at startup and passed into each component constructor; nothing
// reads configuration ambiently after that.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Cluster ClusterConfig `mapstructure:"cluster"`
	Storage StorageConfig `mapstructure:"storage"`
	Capture CaptureConfig `mapstructure:"capture"`
	Relay   RelayConfig   `mapstructure:"relay"`
	Reaper  ReaperConfig  `mapstructure:"reaper"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// ClusterConfig selects the Kubernetes namespace and call budget.
type ClusterConfig struct {
	Namespace      string `mapstructure:"namespace"`
	Kubeconfig     string `mapstructure:"kubeconfig"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// StorageConfig sets the archive location and presign behavior. Prefix is a
// full storage URL prefix ("s3://bucket/captures/"); keys are appended to it.
type StorageConfig struct {
	Provider             string `mapstructure:"provider"`
	Prefix               string `mapstructure:"prefix"`
	PresignExpiryMinutes int    `mapstructure:"presign_expiry_minutes"`
}

// CaptureConfig governs the worker jobs submitted to the cluster.
type CaptureConfig struct {
	WorkerImage  string `mapstructure:"worker_image"`
	Headless     bool   `mapstructure:"headless"`
	BackoffLimit int    `mapstructure:"backoff_limit"`
}

// RelayConfig configures the websocket capture-and-watch sessions.
type RelayConfig struct {
	AllowedURLPatterns  []string `mapstructure:"allowed_url_patterns"`
	PollIntervalSeconds int      `mapstructure:"poll_interval_seconds"`
	MaxPollFailures     int      `mapstructure:"max_poll_failures"`
	WorkerPort          int      `mapstructure:"worker_port"`
}

// ReaperConfig sets the retention window for terminal jobs.
type ReaperConfig struct {
	RetentionMinutes int `mapstructure:"retention_minutes"`
}

// PubSubConfig holds metadata for lifecycle event publishing.
type PubSubConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CAPTURE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("cluster.namespace", "browsers")
	v.SetDefault("cluster.timeout_seconds", 15)
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("storage.prefix", "s3://kubecaptures/")
	v.SetDefault("storage.presign_expiry_minutes", 60)
	v.SetDefault("capture.worker_image", "kubecaptures/worker:latest")
	v.SetDefault("capture.headless", false)
	v.SetDefault("capture.backoff_limit", 0)
	v.SetDefault("relay.allowed_url_patterns", []string{`^https?://.*`})
	v.SetDefault("relay.poll_interval_seconds", 3)
	v.SetDefault("relay.max_poll_failures", 5)
	v.SetDefault("relay.worker_port", 3000)
	v.SetDefault("reaper.retention_minutes", 60)
	v.SetDefault("pubsub.provider", "memory")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Cluster.Namespace == "" {
		return fmt.Errorf("cluster.namespace must be set")
	}
	if c.Cluster.TimeoutSeconds <= 0 {
		return fmt.Errorf("cluster.timeout_seconds must be > 0")
	}
	if c.Storage.Prefix == "" {
		return fmt.Errorf("storage.prefix must be set")
	}
	if c.Storage.PresignExpiryMinutes <= 0 {
		return fmt.Errorf("storage.presign_expiry_minutes must be > 0")
	}
	if c.Reaper.RetentionMinutes <= 0 {
		return fmt.Errorf("reaper.retention_minutes must be > 0")
	}
	if c.Relay.PollIntervalSeconds <= 0 {
		return fmt.Errorf("relay.poll_interval_seconds must be > 0")
	}
	if c.Relay.MaxPollFailures <= 0 {
		return fmt.Errorf("relay.max_poll_failures must be > 0")
	}
	for _, p := range c.Relay.AllowedURLPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("relay.allowed_url_patterns entry %q: %w", p, err)
		}
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.PubSub.Provider == "pubsub" && (c.PubSub.ProjectID == "" || c.PubSub.TopicID == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_id must be set when pubsub.provider is 'pubsub'")
	}
	return nil
}

// ClusterTimeout converts the cluster call budget into a duration.
func (c Config) ClusterTimeout() time.Duration {
	return time.Duration(c.Cluster.TimeoutSeconds) * time.Second
}

// PresignExpiry converts the presign expiry into a duration. Expiry is
// deliberately independent of the reaper retention window: a presigned URL
// may lapse before its object is reclaimed.
func (c Config) PresignExpiry() time.Duration {
	return time.Duration(c.Storage.PresignExpiryMinutes) * time.Minute
}

// Retention converts the reaper retention window into a duration.
func (c Config) Retention() time.Duration {
	return time.Duration(c.Reaper.RetentionMinutes) * time.Minute
}

// PollInterval converts the relay poll interval into a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Relay.PollIntervalSeconds) * time.Second
}
