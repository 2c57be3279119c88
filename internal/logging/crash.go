package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CrashReport describes a panic that escaped to a goroutine boundary.
type CrashReport struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Version      string         `json:"version"`
	GOOS         string         `json:"goos"`
	GOARCH       string         `json:"goarch"`
	NumGoroutine int            `json:"num_goroutine"`
	PanicValue   string         `json:"panic_value"`
	StackTrace   string         `json:"stack_trace"`
	Component    string         `json:"component,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// CrashHandler writes crash reports for recovered panics.
type CrashHandler struct {
	mu        sync.Mutex
	crashDir  string
	version   string
	component string
	sessionID string
	logger    *Logger
	onCrash   func(CrashReport)
}

// CrashHandlerConfig configures the crash handler.
type CrashHandlerConfig struct {
	// CrashDir is the directory to write crash dumps.
	CrashDir string

	Version   string
	Component string

	// Logger receives a one-line summary of each crash. Defaults to
	// Default().
	Logger *Logger

	// OnCrash is called after a crash is recorded.
	OnCrash func(CrashReport)
}

// DefaultCrashDir returns the platform-specific default crash directory,
// next to the default log file.
func DefaultCrashDir() string {
	return filepath.Join(filepath.Dir(defaultLogPath()), "crashes")
}

// NewCrashHandler creates a new CrashHandler.
func NewCrashHandler(cfg *CrashHandlerConfig) *CrashHandler {
	if cfg == nil {
		cfg = &CrashHandlerConfig{}
	}
	dir := cfg.CrashDir
	if dir == "" {
		dir = DefaultCrashDir()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = Default()
	}
	return &CrashHandler{
		crashDir:  dir,
		version:   cfg.Version,
		component: cfg.Component,
		logger:    logger,
		onCrash:   cfg.OnCrash,
	}
}

// SetSessionID tags later reports with the daemon session.
func (h *CrashHandler) SetSessionID(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessionID = sessionID
}

// Recover runs fn and records any panic it raises. It reports whether fn
// panicked.
func (h *CrashHandler) Recover(name string, fn func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			h.HandlePanic(r, map[string]any{"goroutine": name})
		}
	}()
	fn()
	return false
}

// HandlePanic records a crash report for panicValue.
func (h *CrashHandler) HandlePanic(panicValue any, contextInfo map[string]any) CrashReport {
	h.mu.Lock()
	report := CrashReport{
		ID:           uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		PanicValue:   fmt.Sprint(panicValue),
		StackTrace:   string(debug.Stack()),
		Component:    h.component,
		SessionID:    h.sessionID,
		Context:      contextInfo,
	}
	path, err := h.write(report)
	h.mu.Unlock()

	if err != nil {
		h.logger.Error("crash report not written", "panic", report.PanicValue, "error", err)
	} else {
		h.logger.Error("recovered panic", "panic", report.PanicValue, "report", path)
	}
	if h.onCrash != nil {
		h.onCrash(report)
	}
	return report
}

func (h *CrashHandler) write(report CrashReport) (string, error) {
	if err := os.MkdirAll(h.crashDir, 0750); err != nil {
		return "", fmt.Errorf("create crash dir: %w", err)
	}
	name := fmt.Sprintf("crash-%s-%s-%s.json",
		report.Component, report.Timestamp.Format("20060102-150405"), report.ID[:8])
	path := filepath.Join(h.crashDir, name)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

// Reports returns stored crash reports, newest first.
func (h *CrashHandler) Reports() ([]CrashReport, error) {
	files, err := filepath.Glob(filepath.Join(h.crashDir, "crash-*.json"))
	if err != nil {
		return nil, err
	}

	reports := make([]CrashReport, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		var report CrashReport
		if err := json.Unmarshal(data, &report); err != nil {
			continue
		}
		reports = append(reports, report)
	}
	sort.Slice(reports, func(i, j int) bool {
		return reports[i].Timestamp.After(reports[j].Timestamp)
	})
	return reports, nil
}

// Cleanup removes crash reports older than maxAge.
func (h *CrashHandler) Cleanup(maxAge time.Duration) error {
	files, err := filepath.Glob(filepath.Join(h.crashDir, "crash-*.json"))
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-maxAge)
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(file)
		}
	}
	return nil
}
