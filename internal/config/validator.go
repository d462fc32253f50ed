package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/minios-linux/sessionctl/internal/backend"
	"github.com/minios-linux/sessionctl/internal/logging"
)

// ValidationError represents a single validation failure.
type ValidationError struct {
	Field   string // The config field path (e.g., "logging.max_size_mb")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidModes returns the session storage modes accepted in configuration.
func ValidModes() []string {
	modes := backend.Modes()
	out := make([]string, len(modes))
	for i, m := range modes {
		out[i] = string(m)
	}
	return out
}

// Validate checks the Config for invalid values and returns all
// validation errors found.
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateSessionsDir()...)
	errors = append(errors, c.validateCreate()...)
	errors = append(errors, c.validateCleanup()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func (c *Config) validateSessionsDir() []ValidationError {
	var errors []ValidationError

	if c.SessionsDir != "" {
		if strings.ContainsRune(c.SessionsDir, '\x00') {
			errors = append(errors, ValidationError{
				Field:   "sessions_dir",
				Value:   c.SessionsDir,
				Message: "path contains invalid null character",
			})
		}

		const maxPathLength = 4096
		if len(c.SessionsDir) > maxPathLength {
			errors = append(errors, ValidationError{
				Field:   "sessions_dir",
				Value:   c.SessionsDir,
				Message: fmt.Sprintf("path exceeds maximum length of %d characters", maxPathLength),
			})
		}
	}

	return errors
}

func (c *Config) validateCreate() []ValidationError {
	var errors []ValidationError

	if c.Create.DefaultMode != "" {
		if _, err := backend.ParseMode(c.Create.DefaultMode); err != nil {
			errors = append(errors, ValidationError{
				Field:   "create.default_mode",
				Value:   c.Create.DefaultMode,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidModes(), ", ")),
			})
		}
	}

	if c.Create.DefaultSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "create.default_size_mb",
			Value:   c.Create.DefaultSizeMB,
			Message: "must be positive",
		})
	}

	// Containers are split into 4000 MB shards; a default beyond the
	// sessions partition makes every plain create fail.
	const maxDefaultSizeMB = 100000
	if c.Create.DefaultSizeMB > maxDefaultSizeMB {
		errors = append(errors, ValidationError{
			Field:   "create.default_size_mb",
			Value:   c.Create.DefaultSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %d MB", maxDefaultSizeMB),
		})
	}

	return errors
}

func (c *Config) validateCleanup() []ValidationError {
	var errors []ValidationError

	if c.Cleanup.Days < 0 {
		errors = append(errors, ValidationError{
			Field:   "cleanup.days",
			Value:   c.Cleanup.Days,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(logging.ValidLevels(), strings.ToUpper(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(logging.ValidLevels(), ", ")),
		})
	}

	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	const maxLogSizeMB = 1000
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}
