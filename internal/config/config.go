// Package config loads fieldsync configuration from file, environment and
// defaults.
package config

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config is the full process configuration.
type Config struct {
	// DBPath is the durable report store location.
	DBPath string `mapstructure:"db_path"`

	// SpoolDir is the drop folder watched for incoming report files.
	SpoolDir string `mapstructure:"spool_dir"`

	Remote  RemoteConfig  `mapstructure:"remote"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Bridge  BridgeConfig  `mapstructure:"bridge"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// RemoteConfig locates the remote backend.
type RemoteConfig struct {
	// BaseURL is the root of the incidents table API.
	BaseURL string `mapstructure:"base_url"`

	// StorageURL is the blob store root. Empty derives it from BaseURL.
	StorageURL string `mapstructure:"storage_url"`

	// RealtimeURL is the websocket channel for table INSERT events.
	// Empty disables the realtime subscription.
	RealtimeURL string `mapstructure:"realtime_url"`

	// Token is the session access token.
	Token string `mapstructure:"token"`

	// Timeout bounds individual requests.
	Timeout time.Duration `mapstructure:"timeout"`
}

// SyncConfig tunes the trigger manager.
type SyncConfig struct {
	// Interval is the recurring forced-sync period.
	Interval time.Duration `mapstructure:"interval"`

	// ProbeInterval is how often connectivity is re-checked.
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

// BridgeConfig tunes the foreground messaging server.
type BridgeConfig struct {
	// Enabled turns the websocket bridge on for daemon mode.
	Enabled bool `mapstructure:"enabled"`

	// Port the bridge listens on.
	Port int `mapstructure:"port"`
}

// LoggingConfig controls daemon log output.
type LoggingConfig struct {
	// File is the rotated log file path. Empty logs to stderr only.
	File string `mapstructure:"file"`

	MaxSizeMB  int `mapstructure:"max_size_mb"`
	MaxBackups int `mapstructure:"max_backups"`
	MaxAgeDays int `mapstructure:"max_age_days"`
}

// Load reads configuration from the given file (optional), FIELDSYNC_*
// environment variables and built-in defaults, in ascending precedence of
// defaults < file < environment.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("db_path", ".fieldsync/reports.db")
	v.SetDefault("spool_dir", ".fieldsync/spool")
	v.SetDefault("remote.timeout", 30*time.Second)
	v.SetDefault("sync.interval", 60*time.Second)
	v.SetDefault("sync.probe_interval", 15*time.Second)
	v.SetDefault("bridge.enabled", true)
	v.SetDefault("bridge.port", 8471)
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)

	v.SetEnvPrefix("FIELDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// NewLogger builds a prefixed logger. With a log file configured, output is
// rotated and mirrored to stderr; otherwise it goes to stderr alone.
func NewLogger(prefix string, lc LoggingConfig) *log.Logger {
	var out io.Writer = os.Stderr
	if lc.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   lc.File,
			MaxSize:    lc.MaxSizeMB,
			MaxBackups: lc.MaxBackups,
			MaxAge:     lc.MaxAgeDays,
		}
		out = io.MultiWriter(os.Stderr, rotated)
	}
	return log.New(out, prefix, log.LstdFlags)
}
