package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"

	"github.com/minios-linux/sessionctl/internal/errors"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg == nil {
		t.Fatal("Default() returned nil")
	}

	// Verify session storage discovery default
	if cfg.SessionsDir != "" {
		t.Errorf("SessionsDir = %q, want empty (probe standard locations)", cfg.SessionsDir)
	}

	// Verify default create config
	if cfg.Create.DefaultMode != "native" {
		t.Errorf("Create.DefaultMode = %q, want %q", cfg.Create.DefaultMode, "native")
	}
	if cfg.Create.DefaultSizeMB != 1000 {
		t.Errorf("Create.DefaultSizeMB = %d, want 1000", cfg.Create.DefaultSizeMB)
	}

	// Verify default cleanup config
	if cfg.Cleanup.Days != 30 {
		t.Errorf("Cleanup.Days = %d, want 30", cfg.Cleanup.Days)
	}

	// Verify default export config
	if !cfg.Export.Verify {
		t.Error("Export.Verify should be true by default")
	}

	// Verify default logging config
	if cfg.Logging.Enabled {
		t.Error("Logging.Enabled should be false by default")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "info")
	}
	if cfg.Logging.File != DefaultLogFile {
		t.Errorf("Logging.File = %q, want %q", cfg.Logging.File, DefaultLogFile)
	}
	if cfg.Logging.MaxSizeMB != 10 {
		t.Errorf("Logging.MaxSizeMB = %d, want 10", cfg.Logging.MaxSizeMB)
	}
	if cfg.Logging.MaxBackups != 3 {
		t.Errorf("Logging.MaxBackups = %d, want 3", cfg.Logging.MaxBackups)
	}
	if !cfg.Logging.Compress {
		t.Error("Logging.Compress should be true by default")
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()

	if errs := cfg.Validate(); len(errs) > 0 {
		t.Errorf("Default() should validate cleanly, got: %v", ValidationErrors(errs))
	}
}

func TestLoadWithOverrides(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	SetDefaults()
	viper.Set("create.default_mode", "dynfilefs")
	viper.Set("create.default_size_mb", 4000)
	viper.Set("cleanup.days", 7)
	viper.Set("logging.level", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Create.DefaultMode != "dynfilefs" {
		t.Errorf("Create.DefaultMode = %q, want %q", cfg.Create.DefaultMode, "dynfilefs")
	}
	if cfg.Create.DefaultSizeMB != 4000 {
		t.Errorf("Create.DefaultSizeMB = %d, want 4000", cfg.Create.DefaultSizeMB)
	}
	if cfg.Cleanup.Days != 7 {
		t.Errorf("Cleanup.Days = %d, want 7", cfg.Cleanup.Days)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}

	// Untouched sections keep their defaults
	if !cfg.Export.Verify {
		t.Error("Export.Verify should keep its default")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	SetDefaults()
	viper.Set("create.default_mode", "zram")
	viper.Set("cleanup.days", -1)

	_, err := Load()
	if err == nil {
		t.Fatal("Load() should reject an invalid configuration")
	}

	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("Load() error = %T, want ValidationErrors", err)
	}
	if len(verrs) != 2 {
		t.Errorf("got %d validation errors, want 2: %v", len(verrs), verrs)
	}
}

func TestGet(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	// Set defaults in viper first (normally done by cmd init)
	SetDefaults()

	cfg := Get()
	if cfg == nil {
		t.Fatal("Get() returned nil")
	}

	if cfg.Create.DefaultMode != "native" {
		t.Errorf("Get().Create.DefaultMode = %q, want %q", cfg.Create.DefaultMode, "native")
	}
}

func TestGetFallsBackOnInvalidConfig(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	SetDefaults()
	viper.Set("cleanup.days", -5)

	cfg := Get()
	if cfg == nil {
		t.Fatal("Get() returned nil")
	}
	if cfg.Cleanup.Days != 30 {
		t.Errorf("Get() should fall back to defaults, Cleanup.Days = %d, want 30", cfg.Cleanup.Days)
	}
}

func TestConfigDir(t *testing.T) {
	// Test with XDG_CONFIG_HOME set
	t.Run("with XDG_CONFIG_HOME", func(t *testing.T) {
		original := os.Getenv("XDG_CONFIG_HOME")
		defer func() { _ = os.Setenv("XDG_CONFIG_HOME", original) }()

		_ = os.Setenv("XDG_CONFIG_HOME", "/custom/config")
		result := ConfigDir()
		expected := "/custom/config/sessionctl"
		if result != expected {
			t.Errorf("ConfigDir() = %q, want %q", result, expected)
		}
	})

	// Test without XDG_CONFIG_HOME
	t.Run("without XDG_CONFIG_HOME", func(t *testing.T) {
		original := os.Getenv("XDG_CONFIG_HOME")
		defer func() { _ = os.Setenv("XDG_CONFIG_HOME", original) }()

		_ = os.Setenv("XDG_CONFIG_HOME", "")
		result := ConfigDir()

		// Should be based on home directory
		home, _ := os.UserHomeDir()
		expected := filepath.Join(home, ".config", "sessionctl")
		if result != expected {
			t.Errorf("ConfigDir() = %q, want %q", result, expected)
		}
	})
}

func TestConfigFile(t *testing.T) {
	original := os.Getenv("XDG_CONFIG_HOME")
	defer func() { _ = os.Setenv("XDG_CONFIG_HOME", original) }()

	_ = os.Setenv("XDG_CONFIG_HOME", "/custom/config")
	result := ConfigFile()
	expected := "/custom/config/sessionctl/config.yaml"
	if result != expected {
		t.Errorf("ConfigFile() = %q, want %q", result, expected)
	}
}

func TestResolveSessionsDir(t *testing.T) {
	t.Run("configured directory wins", func(t *testing.T) {
		dir := t.TempDir()
		probe := t.TempDir()

		got, err := resolveSessionsDir(dir, []string{probe})
		if err != nil {
			t.Fatalf("resolveSessionsDir() error: %v", err)
		}
		if got != dir {
			t.Errorf("resolveSessionsDir() = %q, want %q", got, dir)
		}
	})

	t.Run("configured directory missing", func(t *testing.T) {
		absent := filepath.Join(t.TempDir(), "absent")

		_, err := resolveSessionsDir(absent, []string{t.TempDir()})
		if !errors.Is(err, errors.ErrDirNotFound) {
			t.Errorf("resolveSessionsDir() error = %v, want ErrDirNotFound", err)
		}
	})

	t.Run("configured path is a file", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "changes")
		if err := os.WriteFile(file, []byte("not a dir"), 0o644); err != nil {
			t.Fatal(err)
		}

		_, err := resolveSessionsDir(file, nil)
		if !errors.Is(err, errors.ErrDirNotFound) {
			t.Errorf("resolveSessionsDir() error = %v, want ErrDirNotFound", err)
		}
	})

	t.Run("first existing probe wins", func(t *testing.T) {
		first := t.TempDir()
		second := t.TempDir()

		got, err := resolveSessionsDir("", []string{first, second})
		if err != nil {
			t.Fatalf("resolveSessionsDir() error: %v", err)
		}
		if got != first {
			t.Errorf("resolveSessionsDir() = %q, want %q", got, first)
		}
	})

	t.Run("missing probes are skipped", func(t *testing.T) {
		missing := filepath.Join(t.TempDir(), "absent")
		second := t.TempDir()

		got, err := resolveSessionsDir("", []string{missing, second})
		if err != nil {
			t.Fatalf("resolveSessionsDir() error: %v", err)
		}
		if got != second {
			t.Errorf("resolveSessionsDir() = %q, want %q", got, second)
		}
	})

	t.Run("no storage anywhere", func(t *testing.T) {
		missing := filepath.Join(t.TempDir(), "absent")

		_, err := resolveSessionsDir("", []string{missing})
		if !errors.Is(err, errors.ErrDirNotFound) {
			t.Errorf("resolveSessionsDir() error = %v, want ErrDirNotFound", err)
		}
	})
}

func TestBuildLoggerDisabled(t *testing.T) {
	file := filepath.Join(t.TempDir(), "sessionctl.log")
	cfg := &LoggingConfig{Enabled: false, File: file}

	logger, err := cfg.BuildLogger()
	if err != nil {
		t.Fatalf("BuildLogger() error: %v", err)
	}
	defer func() { _ = logger.Close() }()

	logger.Info("discarded")

	if _, err := os.Stat(file); !os.IsNotExist(err) {
		t.Error("disabled logging should not create the log file")
	}
}

func TestBuildLoggerEnabled(t *testing.T) {
	file := filepath.Join(t.TempDir(), "sessionctl.log")
	cfg := &LoggingConfig{
		Enabled:    true,
		Level:      "debug",
		File:       file,
		MaxSizeMB:  10,
		MaxBackups: 1,
	}

	logger, err := cfg.BuildLogger()
	if err != nil {
		t.Fatalf("BuildLogger() error: %v", err)
	}

	logger.Info("session activated", "session_id", "3")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if len(data) == 0 {
		t.Error("enabled logging should write to the log file")
	}
}
