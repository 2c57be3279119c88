package config

import (
	"errors"
	"fmt"
	"path"
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

// Is lets errors.Is(err, ErrInvalidConfig) match validation failures.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Fields returns the names of the offending fields.
func (e ValidationErrors) Fields() []string {
	fields := make([]string, len(e))
	for i, err := range e {
		fields[i] = err.Field
	}
	return fields
}

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// Backends accepted by input.backend.
var validBackends = []string{"auto", "grab", "hook", "mock"}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateKeymap(&c.Keymap)...)
	errs = append(errs, validateInput(&c.Input)...)
	errs = append(errs, validateIPC(&c.IPC)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	if c.Metrics.StatsIntervalSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "metrics.stats_interval_sec",
			Message: "stats interval cannot be negative",
		})
	}

	if c.Recording.Database == "" {
		errs = append(errs, ValidationError{
			Field:   "recording.database",
			Message: "database path is required",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateKeymap(k *KeymapConfig) ValidationErrors {
	var errs ValidationErrors
	if k.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "keymap.path",
			Message: "keymap path is required",
		})
	}
	return errs
}

func validateInput(in *InputConfig) ValidationErrors {
	var errs ValidationErrors

	valid := false
	for _, b := range validBackends {
		if in.Backend == b {
			valid = true
		}
	}
	if !valid {
		errs = append(errs, ValidationError{
			Field:   "input.backend",
			Message: fmt.Sprintf("invalid backend: %s (valid: %s)", in.Backend, strings.Join(validBackends, ", ")),
		})
	}

	for i, p := range in.Include {
		if !isValidGlobPattern(p) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("input.include[%d]", i),
				Message: fmt.Sprintf("invalid pattern: %q", p),
			})
		}
	}
	for i, p := range in.Exclude {
		if !isValidGlobPattern(p) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("input.exclude[%d]", i),
				Message: fmt.Sprintf("invalid pattern: %q", p),
			})
		}
	}

	if in.QueueSize < 1 || in.QueueSize > 1<<20 {
		errs = append(errs, ValidationError{
			Field:   "input.queue_size",
			Message: "queue size must be between 1 and 1048576",
		})
	}

	if in.TickIntervalMs < 1 || in.TickIntervalMs > 1000 {
		errs = append(errs, ValidationError{
			Field:   "input.tick_interval_ms",
			Message: "tick interval must be between 1 and 1000 ms",
		})
	}

	if in.RecentEvents < 0 {
		errs = append(errs, ValidationError{
			Field:   "input.recent_events",
			Message: "recent events cannot be negative",
		})
	}

	if in.VirtualDeviceName == "" {
		errs = append(errs, ValidationError{
			Field:   "input.virtual_device_name",
			Message: "virtual device name is required",
		})
	}

	return errs
}

func validateIPC(i *IPCConfig) ValidationErrors {
	var errs ValidationErrors

	if !i.Enabled {
		return errs
	}

	if i.SocketPath == "" {
		errs = append(errs, ValidationError{
			Field:   "ipc.socket_path",
			Message: "socket path is required when IPC is enabled",
		})
	}

	if i.MaxConnections < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.max_connections",
			Message: "max connections must be at least 1",
		})
	}

	if i.TimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.timeout_sec",
			Message: "timeout must be at least 1 second",
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
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: fmt.Sprintf("file path is required when output is '%s'", l.Output),
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
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

func isValidGlobPattern(pattern string) bool {
	if pattern == "" {
		return false
	}
	_, err := path.Match(pattern, "test")
	return err == nil
}
