package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	for _, level := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		parsed, err := ParseLevel(LevelString(level))
		if err != nil || parsed != level {
			t.Errorf("LevelString(%v) does not round-trip: %v %v", level, parsed, err)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("json"); err != nil || f != FormatJSON {
		t.Errorf("json: got %v %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Errorf("empty: got %v %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("expected default level Info, got %v", cfg.Level)
	}
	if cfg.Output != "stderr" {
		t.Errorf("expected default output stderr, got %s", cfg.Output)
	}
	if cfg.Component != "keyrxd" {
		t.Errorf("expected component keyrxd, got %s", cfg.Component)
	}
	if !strings.Contains(cfg.FilePath, "keyrxd") {
		t.Errorf("unexpected default log path %s", cfg.FilePath)
	}
}

func newBufferLogger(t *testing.T, cfg Config) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	cfg.Writer = &buf
	cfg.Format = FormatJSON
	logger, err := New(&cfg)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return logger, &buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var rec map[string]any
	line, _, _ := strings.Cut(buf.String(), "\n")
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		t.Fatalf("invalid JSON log line %q: %v", line, err)
	}
	return rec
}

func TestJSONOutputCarriesComponent(t *testing.T) {
	logger, buf := newBufferLogger(t, Config{Level: LevelInfo, Component: "keyrxd"})

	logger.WithComponent("grab").Info("device added", "device", "/dev/input/event3")

	rec := decodeLine(t, buf)
	if rec["msg"] != "device added" {
		t.Errorf("unexpected msg %v", rec["msg"])
	}
	if rec["component"] != "grab" {
		t.Errorf("expected component grab, got %v", rec["component"])
	}
	if rec["device"] != "/dev/input/event3" {
		t.Errorf("unexpected device %v", rec["device"])
	}
}

func TestLevelFiltering(t *testing.T) {
	logger, buf := newBufferLogger(t, Config{Level: LevelWarn})

	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info record written at warn level: %s", buf.String())
	}
	logger.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Error("warn record missing")
	}
}

func TestKeystrokeRedaction(t *testing.T) {
	logger, buf := newBufferLogger(t, Config{Level: LevelDebug, RedactKeys: true})
	logger.Debug("unmapped", "key", "A", "device", "kbd")

	rec := decodeLine(t, buf)
	if rec["key"] != "[REDACTED]" {
		t.Errorf("key not redacted: %v", rec["key"])
	}
	if rec["device"] != "kbd" {
		t.Errorf("device should not be redacted: %v", rec["device"])
	}

	plain, buf2 := newBufferLogger(t, Config{Level: LevelDebug})
	plain.Debug("unmapped", "key", "A")
	if decodeLine(t, buf2)["key"] != "A" {
		t.Error("key redacted without RedactKeys")
	}
}

func TestShouldRedact(t *testing.T) {
	tests := []struct {
		key        string
		redactKeys bool
		expected   bool
	}{
		{"password", false, true},
		{"PASSWORD", false, true},
		{"auth_token", false, true},
		{"credential", false, true},
		{"key", false, false},
		{"key", true, true},
		{"output", true, true},
		{"keymap", true, false},
		{"device", true, false},
		{"layer", true, false},
	}

	for _, test := range tests {
		t.Run(test.key, func(t *testing.T) {
			if got := shouldRedact(test.key, test.redactKeys); got != test.expected {
				t.Errorf("shouldRedact(%q, %v) = %v, expected %v", test.key, test.redactKeys, got, test.expected)
			}
		})
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-456")
	if got := RequestIDFromContext(ctx); got != "req-456" {
		t.Errorf("expected req-456, got %q", got)
	}
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
	if got := RequestIDFromContext(nil); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}

func TestWithContextAddsRequestID(t *testing.T) {
	logger, buf := newBufferLogger(t, Config{Level: LevelInfo})
	ctx := ContextWithRequestID(context.Background(), "req-789")

	logger.WithContext(ctx).Info("reload")
	if rec := decodeLine(t, buf); rec["request_id"] != "req-789" {
		t.Errorf("missing request id: %v", rec)
	}
}

func TestNewRequestID(t *testing.T) {
	logger := Discard()
	id1 := logger.NewRequestID()
	id2 := logger.NewRequestID()

	if id1 == "" || id1 == id2 {
		t.Errorf("expected distinct ids, got %q and %q", id1, id2)
	}
	if len(id1) != 36 {
		t.Errorf("expected uuid string, got %q", id1)
	}
}

func TestFileRotator(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "test.log")

	rotator, err := NewFileRotator(&Config{FilePath: logPath, MaxSize: 1, MaxBackups: 3})
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}
	defer rotator.Close()

	testData := []byte("test log line\n")
	n, err := rotator.Write(testData)
	if err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	if n != len(testData) {
		t.Errorf("expected to write %d bytes, wrote %d", len(testData), n)
	}
	if _, err := os.Stat(logPath); err != nil {
		t.Errorf("log file was not created: %v", err)
	}
	if err := rotator.Sync(); err != nil {
		t.Errorf("sync failed: %v", err)
	}
}

func TestFileRotatorRotatesAndPrunes(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")

	rotator, err := NewFileRotator(&Config{FilePath: logPath, MaxBackups: 2})
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}

	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rotator.now = func() time.Time { return clock }

	for i := 0; i < 4; i++ {
		if _, err := rotator.Write([]byte("line\n")); err != nil {
			t.Fatalf("write: %v", err)
		}
		clock = clock.Add(time.Second)
		if err := rotator.Rotate(); err != nil {
			t.Fatalf("rotate: %v", err)
		}
	}
	if err := rotator.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := rotator.LogFiles()
	if err != nil {
		t.Fatalf("failed to list log files: %v", err)
	}
	if len(files) != 3 {
		t.Errorf("expected current file plus 2 backups, got %v", files)
	}
}

func TestFileRotatorDailyRotation(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "test.log")

	rotator, err := NewFileRotator(&Config{FilePath: logPath})
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}
	clock := time.Date(2026, 1, 1, 23, 59, 0, 0, time.UTC)
	rotator.now = func() time.Time { return clock }
	rotator.opened = clock

	rotator.Write([]byte("before midnight\n"))
	clock = clock.Add(2 * time.Minute)
	rotator.Write([]byte("after midnight\n"))
	rotator.Close()

	files, _ := rotator.LogFiles()
	if len(files) != 2 {
		t.Errorf("expected one rotation at midnight, got %v", files)
	}
}

func TestThrottle(t *testing.T) {
	th := NewThrottle(time.Second)
	now := time.Unix(1000, 0)

	if ok, _ := th.Allow(now); !ok {
		t.Fatal("first event should pass")
	}
	for i := 0; i < 5; i++ {
		if ok, _ := th.Allow(now.Add(time.Duration(i) * time.Millisecond)); ok {
			t.Fatal("event inside interval should be suppressed")
		}
	}
	ok, suppressed := th.Allow(now.Add(time.Second))
	if !ok || suppressed != 5 {
		t.Errorf("expected pass with 5 suppressed, got %v %d", ok, suppressed)
	}
}

func TestCrashHandler(t *testing.T) {
	var seen []CrashReport
	handler := NewCrashHandler(&CrashHandlerConfig{
		CrashDir:  t.TempDir(),
		Version:   "1.0.0",
		Component: "test",
		Logger:    Discard(),
		OnCrash:   func(r CrashReport) { seen = append(seen, r) },
	})
	handler.SetSessionID("session-1")

	panicked := handler.Recover("pipeline", func() {
		panic("intentional test panic")
	})
	if !panicked {
		t.Error("Recover should report the panic")
	}
	if handler.Recover("noop", func() {}) {
		t.Error("Recover reported a panic for a clean function")
	}

	reports, err := handler.Reports()
	if err != nil {
		t.Fatalf("failed to get crash reports: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected 1 report, got %d", len(reports))
	}
	report := reports[0]
	if report.PanicValue != "intentional test panic" {
		t.Errorf("unexpected panic value %q", report.PanicValue)
	}
	if report.SessionID != "session-1" || report.Version != "1.0.0" {
		t.Errorf("unexpected report metadata: %+v", report)
	}
	if report.Context["goroutine"] != "pipeline" {
		t.Errorf("unexpected context %v", report.Context)
	}
	if len(seen) != 1 {
		t.Errorf("OnCrash called %d times", len(seen))
	}

	if err := handler.Cleanup(-time.Hour); err != nil {
		t.Errorf("cleanup failed: %v", err)
	}
	if reports, _ := handler.Reports(); len(reports) != 0 {
		t.Error("crash reports were not cleaned up")
	}
}
