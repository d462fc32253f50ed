// Package config loads sessionctl configuration from the config file,
// environment variables and bound flags through viper.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/minios-linux/sessionctl/internal/errors"
	"github.com/minios-linux/sessionctl/internal/logging"
)

// DefaultLogFile is where logging goes when enabled without an explicit
// file.
const DefaultLogFile = "/var/log/sessionctl.log"

// Config represents the complete sessionctl configuration.
type Config struct {
	// SessionsDir overrides session storage discovery. Empty means probe
	// the standard live-boot locations.
	SessionsDir string `mapstructure:"sessions_dir"`

	Create  CreateConfig  `mapstructure:"create"`
	Cleanup CleanupConfig `mapstructure:"cleanup"`
	Export  ExportConfig  `mapstructure:"export"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// CreateConfig controls defaults for new sessions.
type CreateConfig struct {
	// DefaultMode is the storage mode used when create is called without
	// one. Options: "native", "dynfilefs", "raw"
	DefaultMode string `mapstructure:"default_mode"`
	// DefaultSizeMB is the container allocation used when create is
	// called without a size. Ignored for native sessions.
	DefaultSizeMB int64 `mapstructure:"default_size_mb"`
}

// CleanupConfig controls the cleanup command.
type CleanupConfig struct {
	// Days is the age threshold; sessions untouched for this many days
	// are removed (default: 30)
	Days int `mapstructure:"days"`
}

// ExportConfig controls archive creation.
type ExportConfig struct {
	// Verify re-reads every archive after writing it (default: true)
	Verify bool `mapstructure:"verify"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	// Enabled turns file logging on. Off by default: the tool runs from
	// interactive root shells and early boot, where surprise log files
	// are unwelcome.
	Enabled bool `mapstructure:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// File is the log destination (default: /var/log/sessionctl.log)
	File string `mapstructure:"file"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated log files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
	// Compress zstd-compresses rotated log files (default: true)
	Compress bool `mapstructure:"compress"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		SessionsDir: "",
		Create: CreateConfig{
			DefaultMode:   "native",
			DefaultSizeMB: 1000,
		},
		Cleanup: CleanupConfig{
			Days: 30,
		},
		Export: ExportConfig{
			Verify: true,
		},
		Logging: LoggingConfig{
			Enabled:    false,
			Level:      "info",
			File:       DefaultLogFile,
			MaxSizeMB:  10,
			MaxBackups: 3,
			Compress:   true,
		},
	}
}

// SetDefaults registers default values with viper.
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("sessions_dir", defaults.SessionsDir)

	viper.SetDefault("create.default_mode", defaults.Create.DefaultMode)
	viper.SetDefault("create.default_size_mb", defaults.Create.DefaultSizeMB)

	viper.SetDefault("cleanup.days", defaults.Cleanup.Days)

	viper.SetDefault("export.verify", defaults.Export.Verify)

	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.file", defaults.Logging.File)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	viper.SetDefault("logging.compress", defaults.Logging.Compress)
}

// Load reads the configuration from viper into a Config struct and
// validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration, falling back to defaults if
// loading fails.
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "sessionctl")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sessionctl"
	}
	return filepath.Join(home, ".config", "sessionctl")
}

// ConfigFile returns the path to the config file.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// DefaultSessionsDirs returns the live-boot locations probed for session
// storage, in priority order.
func DefaultSessionsDirs() []string {
	return []string{
		"/run/initramfs/memory/data/minios/changes",
		"/lib/live/mount/data/minios/changes",
	}
}

// ResolveSessionsDir returns the directory holding session storage. A
// configured directory must exist; without one the standard locations are
// probed.
func (c *Config) ResolveSessionsDir() (string, error) {
	return resolveSessionsDir(c.SessionsDir, DefaultSessionsDirs())
}

func resolveSessionsDir(custom string, probes []string) (string, error) {
	if custom != "" {
		info, err := os.Stat(custom)
		if err != nil || !info.IsDir() {
			return "", errors.Wrapf(errors.ErrDirNotFound,
				"configured sessions directory %s does not exist", custom)
		}
		return custom, nil
	}
	for _, p := range probes {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			return p, nil
		}
	}
	return "", errors.Wrapf(errors.ErrDirNotFound,
		"no session storage at %s", strings.Join(probes, " or "))
}

// BuildLogger constructs the logger this configuration describes. With
// logging disabled it returns the nop logger, so call sites stay
// unconditional.
func (c *LoggingConfig) BuildLogger() (*logging.Logger, error) {
	if !c.Enabled {
		return logging.NopLogger(), nil
	}
	file := c.File
	if file == "" {
		file = DefaultLogFile
	}
	return logging.NewLoggerWithRotation(file, logging.ParseLevel(c.Level), logging.RotationConfig{
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		Compress:   c.Compress,
	})
}
