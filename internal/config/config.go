// Package config handles configuration loading and validation for keyrxd.
//
// Configuration can be specified in TOML, JSON, or YAML format.
// The default location is platform-specific:
//   - macOS: ~/Library/Application Support/keyrxd/keyrxd.toml
//   - Linux: ~/.config/keyrxd/keyrxd.toml
//   - Windows: %APPDATA%\keyrxd\keyrxd.toml
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Version is the current configuration schema version.
const Version = 1

// Config is the daemon configuration. It does not contain the key
// mapping itself, only where to find it.
type Config struct {
	Version int `toml:"version" json:"version" yaml:"version"`

	Keymap    KeymapConfig    `toml:"keymap" json:"keymap" yaml:"keymap"`
	Input     InputConfig     `toml:"input" json:"input" yaml:"input"`
	IPC       IPCConfig       `toml:"ipc" json:"ipc" yaml:"ipc"`
	Logging   LoggingConfig   `toml:"logging" json:"logging" yaml:"logging"`
	Metrics   MetricsConfig   `toml:"metrics" json:"metrics" yaml:"metrics"`
	Recording RecordingConfig `toml:"recording" json:"recording" yaml:"recording"`
	Power     PowerConfig     `toml:"power" json:"power" yaml:"power"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// KeymapConfig locates the compiled keymap.
type KeymapConfig struct {
	// Path is the compiled keymap (.krx) or a keymap source file, which is
	// compiled on load.
	Path string `toml:"path" json:"path" yaml:"path"`

	// Watch reloads the keymap when the file changes.
	Watch bool `toml:"watch" json:"watch" yaml:"watch"`
}

// InputConfig controls capture, injection and the event queue.
type InputConfig struct {
	// Backend is one of auto, grab, hook or mock.
	Backend string `toml:"backend" json:"backend" yaml:"backend"`

	// Include and Exclude are glob patterns matched against device names
	// and paths. An empty Include captures every keyboard.
	Include []string `toml:"include" json:"include" yaml:"include"`
	Exclude []string `toml:"exclude" json:"exclude" yaml:"exclude"`

	QueueSize      int `toml:"queue_size" json:"queue_size" yaml:"queue_size"`
	TickIntervalMs int `toml:"tick_interval_ms" json:"tick_interval_ms" yaml:"tick_interval_ms"`
	RecentEvents   int `toml:"recent_events" json:"recent_events" yaml:"recent_events"`

	VirtualDeviceName string `toml:"virtual_device_name" json:"virtual_device_name" yaml:"virtual_device_name"`

	// Hotplug picks up keyboards connected after startup.
	Hotplug bool `toml:"hotplug" json:"hotplug" yaml:"hotplug"`
}

// IPCConfig configures the control socket.
type IPCConfig struct {
	Enabled        bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	SocketPath     string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`
	MaxConnections int    `toml:"max_connections" json:"max_connections" yaml:"max_connections"`
	TimeoutSec     int    `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: text or json.
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log destination: stdout, stderr, file or both.
	Output string `toml:"output" json:"output" yaml:"output"`

	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`

	// RedactKeys hides key names in log records.
	RedactKeys bool `toml:"redact_keys" json:"redact_keys" yaml:"redact_keys"`
}

// MetricsConfig configures the periodic stats log line.
type MetricsConfig struct {
	// StatsIntervalSec is how often a metrics summary is logged. Zero
	// disables it.
	StatsIntervalSec int `toml:"stats_interval_sec" json:"stats_interval_sec" yaml:"stats_interval_sec"`
}

// RecordingConfig locates the recording database used by record and replay.
type RecordingConfig struct {
	Database string `toml:"database" json:"database" yaml:"database"`
}

// PowerConfig controls suspend/resume handling.
type PowerConfig struct {
	// WatchSleep rescans devices after the system resumes.
	WatchSleep bool `toml:"watch_sleep" json:"watch_sleep" yaml:"watch_sleep"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	paths := GetDefaultPaths()
	return &Config{
		Version: Version,
		Keymap: KeymapConfig{
			Path:  paths.KeymapFile,
			Watch: true,
		},
		Input: InputConfig{
			Backend:           "auto",
			Include:           []string{},
			Exclude:           []string{},
			QueueSize:         1024,
			TickIntervalMs:    10,
			RecentEvents:      64,
			VirtualDeviceName: "keyrxd virtual keyboard",
			Hotplug:           true,
		},
		IPC: IPCConfig{
			Enabled:        true,
			SocketPath:     paths.SocketPath,
			MaxConnections: 8,
			TimeoutSec:     30,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(paths.LogDir, "keyrxd.log"),
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			StatsIntervalSec: 60,
		},
		Recording: RecordingConfig{
			Database: paths.RecordingFile,
		},
		Power: PowerConfig{
			WatchSleep: true,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return GetDefaultPaths().ConfigFile
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Decode parses data in the given format ("toml", "json" or "yaml") on
// top of the defaults. An empty format auto-detects.
func Decode(data []byte, format string) (*Config, error) {
	cfg := DefaultConfig()
	if err := decodeInto(data, format, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeInto(data []byte, format string, cfg *Config) error {
	switch strings.ToLower(format) {
	case "toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("decode TOML: %w", err)
		}
	case "json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode JSON: %w", err)
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode YAML: %w", err)
		}
	default:
		return autoDetectAndParse(data, cfg)
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the daemon writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Recording.Database),
	}
	if c.IPC.Enabled {
		dirs = append(dirs, filepath.Dir(c.IPC.SocketPath))
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with KEYRXD_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("KEYRXD_KEYMAP"); v != "" {
		c.Keymap.Path = v
	}
	if v := os.Getenv("KEYRXD_BACKEND"); v != "" {
		c.Input.Backend = v
	}
	if v := os.Getenv("KEYRXD_INCLUDE"); v != "" {
		c.Input.Include = splitList(v)
	}
	if v := os.Getenv("KEYRXD_EXCLUDE"); v != "" {
		c.Input.Exclude = splitList(v)
	}
	if v := os.Getenv("KEYRXD_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Input.QueueSize = n
		}
	}

	if v := os.Getenv("KEYRXD_SOCKET_PATH"); v != "" {
		c.IPC.SocketPath = v
	}

	if v := os.Getenv("KEYRXD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("KEYRXD_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("KEYRXD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	if v := os.Getenv("KEYRXD_RECORDING_DB"); v != "" {
		c.Recording.Database = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:   c.Version,
		Keymap:    c.Keymap,
		Input:     c.Input,
		IPC:       c.IPC,
		Logging:   c.Logging,
		Metrics:   c.Metrics,
		Recording: c.Recording,
		Power:     c.Power,
	}
	clone.Input.Include = append([]string{}, c.Input.Include...)
	clone.Input.Exclude = append([]string{}, c.Input.Exclude...)

	return clone
}
