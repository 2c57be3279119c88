package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/keyrxd/
//   - Linux:   ~/.local/share/keyrxd/
//   - Windows: %APPDATA%\keyrxd\
//
// KEYRXD_DATA_DIR overrides all of them.
func PlatformDataDir() string {
	if envDir := os.Getenv("KEYRXD_DATA_DIR"); envDir != "" {
		return envDir
	}
	switch runtime.GOOS {
	case "darwin":
		return macOSDataDir()
	case "linux":
		return xdgDir("XDG_DATA_HOME", ".local", "share")
	case "windows":
		return windowsDataDir()
	default:
		return fallbackDataDir()
	}
}

// PlatformConfigDir returns the platform-specific config directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/keyrxd/
//   - Linux:   ~/.config/keyrxd/
//   - Windows: %APPDATA%\keyrxd\
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin":
		return macOSDataDir()
	case "linux":
		return xdgDir("XDG_CONFIG_HOME", ".config")
	case "windows":
		return windowsDataDir()
	default:
		return fallbackDataDir()
	}
}

// PlatformLogDir returns the platform-specific log directory.
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Logs", "keyrxd")
	case "linux":
		return xdgDir("XDG_STATE_HOME", ".local", "state")
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return filepath.Join(localAppData, "keyrxd", "logs")
		}
		return filepath.Join(windowsDataDir(), "logs")
	default:
		return filepath.Join(fallbackDataDir(), "logs")
	}
}

// PlatformRuntimeDir returns the directory for the control socket.
//
// Platform paths:
//   - Linux:   $XDG_RUNTIME_DIR/keyrxd/ or /tmp/keyrxd-$UID/
//   - macOS:   /tmp/keyrxd-$UID/
//   - Windows: %LOCALAPPDATA%\keyrxd\
func PlatformRuntimeDir() string {
	switch runtime.GOOS {
	case "linux":
		if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
			return filepath.Join(xdgRuntime, "keyrxd")
		}
		return filepath.Join(os.TempDir(), "keyrxd-"+getUserID())
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return filepath.Join(localAppData, "keyrxd")
		}
		return windowsDataDir()
	default:
		return filepath.Join("/tmp", "keyrxd-"+getUserID())
	}
}

func macOSDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "Application Support", "keyrxd")
}

func xdgDir(env string, fallback ...string) string {
	if dir := os.Getenv(env); dir != "" {
		return filepath.Join(dir, "keyrxd")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(append(append([]string{home}, fallback...), "keyrxd")...)
}

func windowsDataDir() string {
	if appData := os.Getenv("APPDATA"); appData != "" {
		return filepath.Join(appData, "keyrxd")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "AppData", "Roaming", "keyrxd")
}

func fallbackDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".keyrxd")
}

func getUserID() string {
	if uid := os.Getuid(); uid >= 0 {
		return strconv.Itoa(uid)
	}
	return "0"
}

// DefaultPaths collects the default locations for the current platform.
type DefaultPaths struct {
	DataDir    string
	ConfigDir  string
	LogDir     string
	RuntimeDir string

	ConfigFile    string
	KeymapFile    string
	RecordingFile string
	SocketPath    string
}

// GetDefaultPaths returns all default paths for the current platform.
func GetDefaultPaths() *DefaultPaths {
	dataDir := PlatformDataDir()
	configDir := PlatformConfigDir()
	runtimeDir := PlatformRuntimeDir()

	return &DefaultPaths{
		DataDir:    dataDir,
		ConfigDir:  configDir,
		LogDir:     PlatformLogDir(),
		RuntimeDir: runtimeDir,

		ConfigFile:    filepath.Join(configDir, "keyrxd.toml"),
		KeymapFile:    filepath.Join(configDir, "keymap.krx"),
		RecordingFile: filepath.Join(dataDir, "recordings.db"),
		SocketPath:    filepath.Join(runtimeDir, "daemon.sock"),
	}
}

// SupportedConfigFormats returns the list of supported config file formats.
func SupportedConfigFormats() []string {
	return []string{
		"toml",
		"json",
		"yaml",
		"yml",
	}
}

// FindConfigFile searches for a config file in standard locations.
// Returns the path to the first found config file, or empty string if none found.
func FindConfigFile() string {
	paths := GetDefaultPaths()

	// Search order: current directory, then the config directory.
	for _, dir := range []string{".", paths.ConfigDir} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "keyrxd."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}

	return ""
}
