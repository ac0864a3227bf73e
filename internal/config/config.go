package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Identity IdentityConfig `mapstructure:"identity"`
	Tracking TrackingConfig `mapstructure:"tracking"`
	Buffer   BufferConfig   `mapstructure:"buffer"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// ServerConfig defines the remote collector endpoint
type ServerConfig struct {
	APIBase          string `mapstructure:"api_base"`
	ExtensionVersion string `mapstructure:"extension_version"` // Reported when the extension does not send its own
	RequestTimeout   string `mapstructure:"request_timeout"`
}

// IdentityConfig defines the local credential fallback used before the
// extension has reported an identity
type IdentityConfig struct {
	Email     string `mapstructure:"email"`
	Token     string `mapstructure:"token"`
	TokenFile string `mapstructure:"token_file"`
}

// TrackingConfig defines session and telemetry timing
type TrackingConfig struct {
	MinSessionDuration string `mapstructure:"min_session_duration"`
	TelemetryInterval  string `mapstructure:"telemetry_interval"`
	ConfigRefresh      string `mapstructure:"config_refresh"` // Used when the handshake omits config_refresh_sec
}

// BufferConfig defines offline buffer retention and the debug ring size
type BufferConfig struct {
	Retention       string `mapstructure:"retention"`
	DebugLogEntries int    `mapstructure:"debug_log_entries"`
}

// RetryConfig defines the initialization retry schedule
type RetryConfig struct {
	Schedule []string `mapstructure:"schedule"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"`
	Path  string      `mapstructure:"path"`
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
	KeyPrefix    string `mapstructure:"key_prefix"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig defines the optional Prometheus endpoint
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	BindAddress string `mapstructure:"bind_address"`
	Port        int    `mapstructure:"port"`
}

// DefaultPath returns the config file location under the XDG config directory.
func DefaultPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "tabtrack", "config.yaml")
}

func dataDir() string {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "tabtrack")
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := newViper(configPath)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	return decode(v)
}

// Watch reloads the configuration whenever the file changes and hands the
// result to onChange. Invalid edits are reported through onError and the
// previous configuration stays in effect.
func Watch(configPath string, onChange func(*Config), onError func(error)) {
	v := newViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		if onError != nil {
			onError(fmt.Errorf("failed to read config file: %w", err))
		}
		return
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
}

// Defaults returns a viper instance holding only the default values.
func Defaults() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("TABTRACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// isNotFound reports whether err means the config file is simply absent.
func isNotFound(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	return os.IsNotExist(err)
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.api_base", "https://vm-tracker-api.picreel.xyz")
	v.SetDefault("server.extension_version", "")
	v.SetDefault("server.request_timeout", "30s")

	// Identity defaults
	v.SetDefault("identity.email", "")
	v.SetDefault("identity.token", "")
	v.SetDefault("identity.token_file", "")

	// Tracking defaults
	v.SetDefault("tracking.min_session_duration", "1s")
	v.SetDefault("tracking.telemetry_interval", "1m")
	v.SetDefault("tracking.config_refresh", "5m")

	// Buffer defaults
	v.SetDefault("buffer.retention", "168h")
	v.SetDefault("buffer.debug_log_entries", 200)

	// Retry defaults
	v.SetDefault("retry.schedule", []string{"30s", "1m", "5m", "10m"})

	// Storage defaults
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.path", filepath.Join(dataDir(), "tabtrack.bolt"))
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 4)
	v.SetDefault("storage.redis.min_idle_conns", 1)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.redis.key_prefix", "tabtrack")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.bind_address", "127.0.0.1")
	v.SetDefault("metrics.port", 9477)
}

// validate validates the configuration
func validate(cfg *Config) error {
	base, err := url.Parse(cfg.Server.APIBase)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return fmt.Errorf("invalid server api_base: %q", cfg.Server.APIBase)
	}

	durations := map[string]string{
		"server.request_timeout":        cfg.Server.RequestTimeout,
		"tracking.min_session_duration": cfg.Tracking.MinSessionDuration,
		"tracking.telemetry_interval":   cfg.Tracking.TelemetryInterval,
		"tracking.config_refresh":       cfg.Tracking.ConfigRefresh,
		"buffer.retention":              cfg.Buffer.Retention,
	}
	for key, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		if d < 0 {
			return fmt.Errorf("invalid %s: must not be negative", key)
		}
	}

	if len(cfg.Retry.Schedule) == 0 {
		return fmt.Errorf("retry schedule must have at least one entry")
	}
	for _, entry := range cfg.Retry.Schedule {
		if d, err := time.ParseDuration(entry); err != nil || d <= 0 {
			return fmt.Errorf("invalid retry schedule entry: %q", entry)
		}
	}

	if cfg.Buffer.DebugLogEntries < 0 {
		return fmt.Errorf("invalid buffer debug_log_entries: %d", cfg.Buffer.DebugLogEntries)
	}

	switch cfg.Storage.Type {
	case "", "bolt":
		cfg.Storage.Type = "bolt"
		// Validate storage path
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}
		// Ensure storage directory exists
		storageDir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(storageDir, 0o700); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("redis host is required")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	if cfg.Metrics.Enabled && (cfg.Metrics.Port <= 0 || cfg.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", cfg.Metrics.Port)
	}

	return nil
}

// ParseDuration parses a duration string with a fallback
func ParseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// RetrySchedule returns the parsed retry delays.
func (c *Config) RetrySchedule() []time.Duration {
	out := make([]time.Duration, 0, len(c.Retry.Schedule))
	for _, entry := range c.Retry.Schedule {
		if d, err := time.ParseDuration(entry); err == nil && d > 0 {
			out = append(out, d)
		}
	}
	return out
}
