// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Progress ProgressConfig `mapstructure:"progress"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Handoff  HandoffConfig  `mapstructure:"handoff"`
	Watchdog WatchdogConfig `mapstructure:"watchdog"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int `mapstructure:"port"`
	ShutdownSeconds int `mapstructure:"shutdown_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// ProgressConfig tunes the event hub.
type ProgressConfig struct {
	BufferSize     int `mapstructure:"buffer_size"`
	MaxBatchEvents int `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int `mapstructure:"max_batch_wait_ms"`
}

// StorageConfig selects where channels and the job log are persisted.
type StorageConfig struct {
	Provider      string `mapstructure:"provider"`
	DSN           string `mapstructure:"dsn"`
	MaxConns      int    `mapstructure:"max_conns"`
	ChannelsTable string `mapstructure:"channels_table"`
	JobLogTable   string `mapstructure:"job_log_table"`
}

// HandoffConfig selects how admitted jobs reach the crawler fleet.
type HandoffConfig struct {
	Provider    string `mapstructure:"provider"`
	ProjectID   string `mapstructure:"project_id"`
	Topic       string `mapstructure:"topic"`
	CallbackURL string `mapstructure:"callback_url"`
}

// WatchdogConfig controls the stalled-job sweep.
type WatchdogConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Schedule          string `mapstructure:"schedule"`
	StallAfterSeconds int    `mapstructure:"stall_after_seconds"`
}

// ArchiveConfig controls periodic snapshot archiving.
type ArchiveConfig struct {
	Provider string `mapstructure:"provider"`
	Bucket   string `mapstructure:"bucket"`
	LocalDir string `mapstructure:"local_dir"`
	Prefix   string `mapstructure:"prefix"`
	Schedule string `mapstructure:"schedule"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHANNELSCAN")
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
	v.SetDefault("server.shutdown_seconds", 15)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait_ms", 250)
	v.SetDefault("storage.provider", "none")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.max_conns", 4)
	v.SetDefault("storage.channels_table", "channels")
	v.SetDefault("storage.job_log_table", "scan_job_log")
	v.SetDefault("handoff.provider", "memory")
	v.SetDefault("handoff.project_id", "")
	v.SetDefault("handoff.topic", "scan-requests")
	v.SetDefault("handoff.callback_url", "")
	v.SetDefault("watchdog.enabled", true)
	v.SetDefault("watchdog.schedule", "@every 1m")
	v.SetDefault("watchdog.stall_after_seconds", 1800)
	v.SetDefault("archive.provider", "none")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.local_dir", "")
	v.SetDefault("archive.prefix", "snapshots")
	v.SetDefault("archive.schedule", "@hourly")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Progress.BufferSize < 0 || c.Progress.MaxBatchEvents < 0 || c.Progress.MaxBatchWaitMs < 0 {
		return fmt.Errorf("progress settings must be >= 0")
	}
	switch c.Storage.Provider {
	case "none", "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn must be set for the postgres provider")
		}
	default:
		return fmt.Errorf("storage.provider %q is not supported", c.Storage.Provider)
	}
	switch c.Handoff.Provider {
	case "memory":
	case "pubsub":
		if c.Handoff.ProjectID == "" || c.Handoff.Topic == "" {
			return fmt.Errorf("handoff.project_id and handoff.topic must be set for the pubsub provider")
		}
	default:
		return fmt.Errorf("handoff.provider %q is not supported", c.Handoff.Provider)
	}
	if c.Watchdog.Enabled {
		if c.Watchdog.StallAfterSeconds <= 0 {
			return fmt.Errorf("watchdog.stall_after_seconds must be > 0")
		}
		if c.Watchdog.Schedule == "" {
			return fmt.Errorf("watchdog.schedule must be set when the watchdog is enabled")
		}
	}
	switch c.Archive.Provider {
	case "none", "memory":
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set for the gcs provider")
		}
	case "local":
		if c.Archive.LocalDir == "" {
			return fmt.Errorf("archive.local_dir must be set for the local provider")
		}
	default:
		return fmt.Errorf("archive.provider %q is not supported", c.Archive.Provider)
	}
	if c.Archive.Provider != "none" && c.Archive.Schedule == "" {
		return fmt.Errorf("archive.schedule must be set when archiving is enabled")
	}
	return nil
}

// StallAfter returns the watchdog threshold as a duration.
func (c Config) StallAfter() time.Duration {
	return time.Duration(c.Watchdog.StallAfterSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownSeconds) * time.Second
}

// ProgressWait returns the hub's maximum batch wait.
func (c Config) ProgressWait() time.Duration {
	return time.Duration(c.Progress.MaxBatchWaitMs) * time.Millisecond
}
