package config

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Unwrap lets errors.Is match ErrInvalidConfig.
func (e ValidationErrors) Unwrap() error {
	if e.HasErrors() {
		return ErrInvalidConfig
	}
	return nil
}

// ValidateConfig performs comprehensive validation of the configuration.
// Warnings alone do not fail validation; use Lint to see them.
func ValidateConfig(c *Config) error {
	errs := Lint(c)
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// Lint returns every validation finding, warnings included.
func Lint(c *Config) ValidationErrors {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateScoring(&c.Scoring)...)
	errs = append(errs, validateForest(&c.Forest)...)
	errs = append(errs, validateAdaptive(&c.Adaptive)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMonitor(&c.Monitor)...)
	return errs
}

func validateScoring(s *ScoringConfig) ValidationErrors {
	var errs ValidationErrors

	if s.AnomalyThreshold <= 0 {
		errs = append(errs, ValidationError{
			Field:   "scoring.anomaly_threshold",
			Message: "threshold must be positive",
		})
	}
	if s.MinEnrollmentSessions < 1 {
		errs = append(errs, ValidationError{
			Field:   "scoring.min_enrollment_sessions",
			Message: "at least one enrollment session is required",
		})
	}
	if s.AllowDefaultProfile {
		errs = append(errs, ValidationError{
			Field:   "scoring.allow_default_profile",
			Message: "unenrolled users will be scored against a population baseline",
		})
	}
	return errs
}

func validateForest(f *ForestConfig) ValidationErrors {
	var errs ValidationErrors
	if !f.Enabled {
		return errs
	}

	if f.NumTrees < 1 || f.NumTrees > 10000 {
		errs = append(errs, *RangeError("forest.num_trees", 1, 10000))
	}
	if f.SubsampleSize < 2 {
		errs = append(errs, ValidationError{
			Field:   "forest.subsample_size",
			Message: "subsample size must be at least 2",
		})
	}
	if f.MaxDepth < 1 || f.MaxDepth > 64 {
		errs = append(errs, *RangeError("forest.max_depth", 1, 64))
	}
	if f.Workers < 0 {
		errs = append(errs, ValidationError{
			Field:   "forest.workers",
			Message: "workers cannot be negative",
		})
	}
	return errs
}

func validateAdaptive(a *AdaptiveConfig) ValidationErrors {
	var errs ValidationErrors

	if a.WindowSize < 1 {
		errs = append(errs, ValidationError{
			Field:   "adaptive.window_size",
			Message: "window size must be at least 1",
		})
	}
	if a.MinSamples < 1 || a.MinSamples > a.WindowSize {
		errs = append(errs, *RangeError("adaptive.min_samples", 1, a.WindowSize))
	}
	if a.MaxBoost < 0 {
		errs = append(errs, ValidationError{
			Field:   "adaptive.max_boost",
			Message: "max boost cannot be negative",
		})
	}
	if a.ForestWeight < 0 || a.ForestWeight > 1 {
		errs = append(errs, *RangeError("adaptive.forest_weight", 0, 1))
	}
	if a.ForestAnomalyScore <= 0 || a.ForestAnomalyScore > 1 {
		errs = append(errs, *RangeError("adaptive.forest_anomaly_score", 0, 1))
	}
	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	if s.Path == "" {
		errs = append(errs, *RequiredFieldError("storage.path"))
	}
	if s.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.busy_timeout_ms",
			Message: "busy timeout cannot be negative",
		})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output is 'file'",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %q (valid: stdout, stderr, file)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}
	return errs
}

func validateMonitor(m *MonitorConfig) ValidationErrors {
	var errs ValidationErrors
	if m.InboxDir == "" {
		errs = append(errs, ValidationError{
			Field:   "monitor.inbox_dir",
			Message: "monitor command will require --inbox",
		})
	}
	return errs
}

// IsWarning returns true if this is a non-fatal validation issue.
func (e *ValidationError) IsWarning() bool {
	warningFields := []string{
		"scoring.allow_default_profile",
		"monitor.inbox_dir",
	}
	for _, f := range warningFields {
		if strings.HasPrefix(e.Field, f) {
			return true
		}
	}
	return false
}

// Warnings returns only warning-level validation errors.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors returns only error-level validation errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasErrors returns true if there are any non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")
