package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Anomaly   AnomalyConfig   `mapstructure:"anomaly"`
	Streak    StreakConfig    `mapstructure:"streak"`
	Agent     AgentConfig     `mapstructure:"agent"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	BindAddress  string `mapstructure:"bind_address"`
	APIPort      int    `mapstructure:"api_port"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // "redis" or "bolt"
	Path  string      `mapstructure:"path"` // bolt database file
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// HeartbeatConfig defines heartbeat validation settings
type HeartbeatConfig struct {
	DriftThreshold     string `mapstructure:"drift_threshold"`
	RecoveryHeartbeats int    `mapstructure:"recovery_heartbeats"`
	ConflictRetries    int    `mapstructure:"conflict_retries"`
	MaxSessionDuration string `mapstructure:"max_session_duration"`
}

// AnomalyConfig defines the drift policy source
type AnomalyConfig struct {
	PolicyDir string `mapstructure:"policy_dir"` // empty = embedded default policy
}

// StreakConfig defines streak reconciliation settings
type StreakConfig struct {
	RetryInterval     string `mapstructure:"retry_interval"`
	ConflictRetries   int    `mapstructure:"conflict_retries"`
	TimezoneCacheSize int    `mapstructure:"timezone_cache_size"`
}

// AgentConfig defines client agent settings
type AgentConfig struct {
	ServerURL         string `mapstructure:"server_url"`
	UserID            string `mapstructure:"user_id"`
	StatePath         string `mapstructure:"state_path"`
	HeartbeatInterval string `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  string `mapstructure:"heartbeat_timeout"`
	RetryInitial      string `mapstructure:"retry_initial"`
	RetryMax          string `mapstructure:"retry_max"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("FOCUSD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.api_port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")

	// Storage defaults
	v.SetDefault("storage.type", "redis")
	v.SetDefault("storage.path", "/var/lib/focusd/focusd.bolt")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 5)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Heartbeat defaults
	v.SetDefault("heartbeat.drift_threshold", "5s")
	v.SetDefault("heartbeat.recovery_heartbeats", 1)
	v.SetDefault("heartbeat.conflict_retries", 3)
	v.SetDefault("heartbeat.max_session_duration", "4h")

	// Anomaly policy defaults
	v.SetDefault("anomaly.policy_dir", "")

	// Streak defaults
	v.SetDefault("streak.retry_interval", "1m")
	v.SetDefault("streak.conflict_retries", 5)
	v.SetDefault("streak.timezone_cache_size", 256)

	// Agent defaults
	v.SetDefault("agent.server_url", "http://localhost:8080")
	v.SetDefault("agent.user_id", "")
	v.SetDefault("agent.state_path", defaultAgentStatePath())
	v.SetDefault("agent.heartbeat_interval", "30s")
	v.SetDefault("agent.heartbeat_timeout", "10s")
	v.SetDefault("agent.retry_initial", "2s")
	v.SetDefault("agent.retry_max", "5m")
}

func defaultAgentStatePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "focusd", "agent.bolt")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.APIPort <= 0 || cfg.Server.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", cfg.Server.APIPort)
	}
	if cfg.Server.MetricsPort <= 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	switch cfg.Storage.Type {
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("storage.redis.host is required")
		}
	case "bolt":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required for bolt storage")
		}
	default:
		return fmt.Errorf("unsupported storage type: %q (must be redis or bolt)", cfg.Storage.Type)
	}

	durations := map[string]string{
		"server.read_timeout":            cfg.Server.ReadTimeout,
		"server.write_timeout":           cfg.Server.WriteTimeout,
		"heartbeat.drift_threshold":      cfg.Heartbeat.DriftThreshold,
		"heartbeat.max_session_duration": cfg.Heartbeat.MaxSessionDuration,
		"streak.retry_interval":          cfg.Streak.RetryInterval,
		"agent.heartbeat_interval":       cfg.Agent.HeartbeatInterval,
		"agent.heartbeat_timeout":        cfg.Agent.HeartbeatTimeout,
		"agent.retry_initial":            cfg.Agent.RetryInitial,
		"agent.retry_max":                cfg.Agent.RetryMax,
	}
	for key, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}

	if cfg.Heartbeat.RecoveryHeartbeats < 1 {
		return fmt.Errorf("heartbeat.recovery_heartbeats must be at least 1")
	}
	if cfg.Heartbeat.ConflictRetries < 0 || cfg.Streak.ConflictRetries < 0 {
		return fmt.Errorf("conflict retries cannot be negative")
	}
	if cfg.Streak.TimezoneCacheSize <= 0 {
		return fmt.Errorf("streak.timezone_cache_size must be positive")
	}

	// A heartbeat send must be abandoned before the next one is due
	interval, _ := time.ParseDuration(cfg.Agent.HeartbeatInterval)
	timeout, _ := time.ParseDuration(cfg.Agent.HeartbeatTimeout)
	if timeout >= interval {
		return fmt.Errorf("agent.heartbeat_timeout (%s) must be shorter than agent.heartbeat_interval (%s)", timeout, interval)
	}

	if cfg.Storage.Type == "bolt" {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	return nil
}

// KnownKeys returns every configuration key focusd understands
func KnownKeys() map[string]bool {
	v := viper.New()
	SetDefaults(v)

	keys := make(map[string]bool)
	for _, key := range v.AllKeys() {
		keys[key] = true
	}
	return keys
}

// UnknownKeys lists keys set in the config file that focusd does not use
func UnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	known := KnownKeys()
	var unknown []string
	for _, key := range v.AllKeys() {
		if !known[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return unknown, nil
}

// ParseDuration parses a duration string with a fallback
func ParseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
