// Package config loads sync engine configuration from a config file,
// environment variables, and a .env file, in that order of precedence
// (environment overrides file).
package config

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the root configuration for the sync daemon.
type Config struct {
	Database     DatabaseConfig     `mapstructure:"database" validate:"required"`
	Remote       RemoteConfig       `mapstructure:"remote" validate:"required"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Dashboard    DashboardConfig    `mapstructure:"dashboard"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// DatabaseConfig configures the local SQLite store.
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// RemoteConfig configures the CouchDB backend.
type RemoteConfig struct {
	URL     string        `mapstructure:"url" validate:"required,url"`
	Name    string        `mapstructure:"name" validate:"required"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// ConnectivityConfig configures the reachability monitor.
type ConnectivityConfig struct {
	ProbeURL     string        `mapstructure:"probe_url" validate:"required,url"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" validate:"gt=0"`
	Interval     time.Duration `mapstructure:"interval" validate:"gt=0"`
	Debounce     time.Duration `mapstructure:"debounce" validate:"gte=0"`
}

// QueueConfig configures pending operation replay.
type QueueConfig struct {
	MaxAttempts int `mapstructure:"max_attempts" validate:"gt=0"`
}

// CacheConfig configures the in-memory read cache.
type CacheConfig struct {
	MaxEntries int           `mapstructure:"max_entries" validate:"gt=0"`
	TTL        time.Duration `mapstructure:"ttl" validate:"gte=0"`
}

// DashboardConfig configures the status server.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port" validate:"gte=0,lte=65535"`
}

// LoggingConfig configures daemon log output.
type LoggingConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
}

// Load reads configuration from the given file (optional; empty path
// searches the standard locations), layered under environment variables
// prefixed with ACEUP_ (e.g. ACEUP_REMOTE_URL).
func Load(path string) (*Config, error) {
	// .env is a convenience for development; missing is fine.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ACEUP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("aceup-sync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/aceup")
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine when no explicit path was given;
		// defaults plus environment carry the daemon.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Watch re-reads the config file on change and invokes onChange with the
// new configuration. Invalid updates are logged and skipped.
func Watch(path string, logger *log.Logger, onChange func(*Config)) error {
	if path == "" {
		return fmt.Errorf("config watch requires an explicit config file path")
	}
	if logger == nil {
		logger = log.Default()
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			logger.Printf("Ignoring config change (%s): %v", e.Name, err)
			return
		}
		if err := Validate(&cfg); err != nil {
			logger.Printf("Ignoring invalid config change (%s): %v", e.Name, err)
			return
		}
		logger.Printf("Config reloaded from %s", filepath.Base(e.Name))
		onChange(&cfg)
	})
	v.WatchConfig()

	return nil
}

// Validate checks the configuration against its struct tags.
func Validate(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("invalid config: field %s failed %q validation", first.Namespace(), first.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", defaultDatabasePath())
	v.SetDefault("remote.url", "http://localhost:5984")
	v.SetDefault("remote.name", "aceup")
	v.SetDefault("remote.timeout", 10*time.Second)
	v.SetDefault("connectivity.probe_url", "http://localhost:5984/_up")
	v.SetDefault("connectivity.probe_timeout", 3*time.Second)
	v.SetDefault("connectivity.interval", 5*time.Second)
	v.SetDefault("connectivity.debounce", 750*time.Millisecond)
	v.SetDefault("queue.max_attempts", 10)
	v.SetDefault("cache.max_entries", 32)
	v.SetDefault("cache.ttl", time.Duration(0))
	v.SetDefault("dashboard.enabled", true)
	v.SetDefault("dashboard.port", 8080)
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
}

func defaultDatabasePath() string {
	return filepath.Join(".aceup", "sync.db")
}
