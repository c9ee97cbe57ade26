package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure.
type ValidationError struct {
	Field   string // The config field path (e.g., "run.max_iterations")
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

// ValidLogLevels returns the list of valid log levels.
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation
// errors found.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	errs = append(errs, c.validateRun()...)
	errs = append(errs, c.validateWorkflow()...)
	errs = append(errs, c.validateLogging()...)
	errs = append(errs, c.validatePaths()...)

	return errs
}

func (c *Config) validateRun() []ValidationError {
	var errs []ValidationError
	r := c.Run

	if r.MaxIterations <= 0 {
		errs = append(errs, ValidationError{
			Field: "run.max_iterations", Value: r.MaxIterations,
			Message: "must be positive",
		})
	}
	if r.MaxPhaseRetries < 0 {
		errs = append(errs, ValidationError{
			Field: "run.max_phase_retries", Value: r.MaxPhaseRetries,
			Message: "must be non-negative",
		})
	}
	if r.MaxTurns <= 0 {
		errs = append(errs, ValidationError{
			Field: "run.max_turns", Value: r.MaxTurns,
			Message: "must be positive",
		})
	}
	if r.RateLimitWaitSeconds <= 0 {
		errs = append(errs, ValidationError{
			Field: "run.rate_limit_wait_seconds", Value: r.RateLimitWaitSeconds,
			Message: "must be positive",
		})
	}

	return errs
}

func (c *Config) validateWorkflow() []ValidationError {
	var errs []ValidationError

	if strings.TrimSpace(c.Workflow.File) == "" {
		errs = append(errs, ValidationError{
			Field: "workflow.file", Value: c.Workflow.File,
			Message: "must not be empty",
		})
	}
	if strings.TrimSpace(c.Workflow.TemplatesDir) == "" {
		errs = append(errs, ValidationError{
			Field: "workflow.templates_dir", Value: c.Workflow.TemplatesDir,
			Message: "must not be empty",
		})
	}

	return errs
}

func (c *Config) validateLogging() []ValidationError {
	var errs []ValidationError

	level := strings.ToLower(c.Logging.Level)
	if !slices.Contains(ValidLogLevels(), level) {
		errs = append(errs, ValidationError{
			Field: "logging.level", Value: c.Logging.Level,
			Message: fmt.Sprintf("must be one of %v", ValidLogLevels()),
		})
	}
	if c.Logging.MaxSizeMB < 0 {
		errs = append(errs, ValidationError{
			Field: "logging.max_size_mb", Value: c.Logging.MaxSizeMB,
			Message: "must be non-negative",
		})
	}
	if c.Logging.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field: "logging.max_backups", Value: c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errs
}

func (c *Config) validatePaths() []ValidationError {
	var errs []ValidationError

	if strings.TrimSpace(c.Paths.ArtifactDirName) == "" {
		errs = append(errs, ValidationError{
			Field: "paths.artifact_dir_name", Value: c.Paths.ArtifactDirName,
			Message: "must not be empty",
		})
	}

	return errs
}
