package config

import (
	"strings"
	"testing"
)

func hasFieldError(errs []ValidationError, field string) bool {
	for _, err := range errs {
		if err.Field == field {
			return true
		}
	}
	return false
}

func TestValidationError_Error(t *testing.T) {
	err := ValidationError{
		Field:   "cleanup.days",
		Value:   -3,
		Message: "must be non-negative",
	}

	expected := "cleanup.days: must be non-negative (got: -3)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestValidationErrors_Error(t *testing.T) {
	t.Run("empty errors", func(t *testing.T) {
		var errs ValidationErrors
		if errs.Error() != "" {
			t.Errorf("Error() for empty = %q, want empty string", errs.Error())
		}
	})

	t.Run("single error", func(t *testing.T) {
		errs := ValidationErrors{
			{Field: "cleanup.days", Value: -3, Message: "must be non-negative"},
		}
		expected := "cleanup.days: must be non-negative (got: -3)"
		if errs.Error() != expected {
			t.Errorf("Error() = %q, want %q", errs.Error(), expected)
		}
	})

	t.Run("multiple errors", func(t *testing.T) {
		errs := ValidationErrors{
			{Field: "create.default_mode", Value: "zram", Message: "is invalid"},
			{Field: "cleanup.days", Value: -1, Message: "must be non-negative"},
		}
		result := errs.Error()
		if !strings.Contains(result, "2 validation errors") {
			t.Errorf("Error() should mention 2 errors: %s", result)
		}
		if !strings.Contains(result, "create.default_mode") || !strings.Contains(result, "cleanup.days") {
			t.Errorf("Error() should mention both fields: %s", result)
		}
	})
}

func TestConfig_Validate_DefaultConfig(t *testing.T) {
	cfg := Default()
	errs := cfg.Validate()
	if len(errs) != 0 {
		t.Errorf("Default config should be valid, got %d errors: %v", len(errs), errs)
	}
}

func TestConfig_Validate_SessionsDir(t *testing.T) {
	tests := []struct {
		name     string
		dir      string
		hasError bool
	}{
		{"empty is valid", "", false},
		{"absolute path", "/mnt/data/minios/changes", false},
		{"null byte", "/mnt/data\x00/changes", true},
		{"overlong path", "/" + strings.Repeat("a", 4096), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.SessionsDir = tt.dir
			errs := cfg.Validate()

			if got := hasFieldError(errs, "sessions_dir"); got != tt.hasError {
				t.Errorf("Validate(): hasError=%v, want %v (errors: %v)", got, tt.hasError, errs)
			}
		})
	}
}

func TestConfig_Validate_CreateMode(t *testing.T) {
	tests := []struct {
		name     string
		mode     string
		hasError bool
	}{
		{"valid native", "native", false},
		{"valid dynfilefs", "dynfilefs", false},
		{"valid raw", "raw", false},
		{"empty is valid", "", false},
		{"unknown mode", "zram", true},
		{"whitespace tolerated", " raw ", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Create.DefaultMode = tt.mode
			errs := cfg.Validate()

			if got := hasFieldError(errs, "create.default_mode"); got != tt.hasError {
				t.Errorf("Validate() for mode=%q: hasError=%v, want %v", tt.mode, got, tt.hasError)
			}
		})
	}
}

func TestConfig_Validate_CreateSize(t *testing.T) {
	tests := []struct {
		name     string
		sizeMB   int64
		hasError bool
	}{
		{"default size", 1000, false},
		{"large container", 16000, false},
		{"zero", 0, true},
		{"negative", -500, true},
		{"absurd", 5000000, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Create.DefaultSizeMB = tt.sizeMB
			errs := cfg.Validate()

			if got := hasFieldError(errs, "create.default_size_mb"); got != tt.hasError {
				t.Errorf("Validate() for size=%d: hasError=%v, want %v", tt.sizeMB, got, tt.hasError)
			}
		})
	}
}

func TestConfig_Validate_Cleanup(t *testing.T) {
	t.Run("negative days", func(t *testing.T) {
		cfg := Default()
		cfg.Cleanup.Days = -1
		errs := cfg.Validate()

		if !hasFieldError(errs, "cleanup.days") {
			t.Error("expected error for negative cleanup days")
		}
	})

	t.Run("zero days is valid", func(t *testing.T) {
		cfg := Default()
		cfg.Cleanup.Days = 0
		errs := cfg.Validate()

		if hasFieldError(errs, "cleanup.days") {
			t.Errorf("zero should be valid, got: %v", errs)
		}
	})
}

func TestConfig_Validate_LoggingLevel(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		hasError bool
	}{
		{"lowercase info", "info", false},
		{"uppercase DEBUG", "DEBUG", false},
		{"mixed case Warn", "Warn", false},
		{"empty is valid", "", false},
		{"unknown level", "verbose", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Logging.Level = tt.level
			errs := cfg.Validate()

			if got := hasFieldError(errs, "logging.level"); got != tt.hasError {
				t.Errorf("Validate() for level=%q: hasError=%v, want %v", tt.level, got, tt.hasError)
			}
		})
	}
}

func TestConfig_Validate_LoggingRotation(t *testing.T) {
	t.Run("zero max_size_mb", func(t *testing.T) {
		cfg := Default()
		cfg.Logging.MaxSizeMB = 0
		errs := cfg.Validate()

		if !hasFieldError(errs, "logging.max_size_mb") {
			t.Error("expected error for zero max_size_mb")
		}
	})

	t.Run("excessive max_size_mb", func(t *testing.T) {
		cfg := Default()
		cfg.Logging.MaxSizeMB = 5000
		errs := cfg.Validate()

		if !hasFieldError(errs, "logging.max_size_mb") {
			t.Error("expected error for excessive max_size_mb")
		}
	})

	t.Run("negative max_backups", func(t *testing.T) {
		cfg := Default()
		cfg.Logging.MaxBackups = -1
		errs := cfg.Validate()

		if !hasFieldError(errs, "logging.max_backups") {
			t.Error("expected error for negative max_backups")
		}
	})

	t.Run("zero max_backups is valid", func(t *testing.T) {
		cfg := Default()
		cfg.Logging.MaxBackups = 0
		errs := cfg.Validate()

		if hasFieldError(errs, "logging.max_backups") {
			t.Errorf("zero backups should be valid, got: %v", errs)
		}
	})
}

func TestValidModes(t *testing.T) {
	modes := ValidModes()
	if len(modes) != 3 {
		t.Fatalf("ValidModes() returned %d modes, want 3: %v", len(modes), modes)
	}

	want := []string{"native", "dynfilefs", "raw"}
	for i, m := range want {
		if modes[i] != m {
			t.Errorf("ValidModes()[%d] = %q, want %q", i, modes[i], m)
		}
	}
}
