package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyrxd/internal/ipc"
	"keyrxd/internal/keymap"
	"keyrxd/internal/keys"
	"keyrxd/internal/metrics"
	"keyrxd/internal/pipeline"
	"keyrxd/internal/recording"
	"keyrxd/internal/remap"
)

const source = `
name = "ctl-test"

[[layers]]
name = "base"

[layers.bindings]
Q = "W"
CapsLock = { tap_hold = { tap = "Escape", hold = "LeftCtrl", threshold_ms = 200 } }
`

func TestReorder(t *testing.T) {
	assert.Equal(t, []string{"-o", "out.krx", "src.toml"}, reorder([]string{"src.toml", "-o", "out.krx"}, "o"))
	assert.Equal(t, []string{"-o", "x", "-v", "a", "b"}, reorder([]string{"a", "-o", "x", "b", "-v"}, "o"))
	assert.Equal(t, []string{"a"}, reorder([]string{"a"}, "o"))
}

func TestOutputsString(t *testing.T) {
	assert.Equal(t, "-", outputsString(nil))
	assert.Equal(t, "+LeftCtrl -LeftCtrl", outputsString([]remap.OutputEvent{
		{Key: keys.LeftCtrl, Kind: keys.Press},
		{Key: keys.LeftCtrl, Kind: keys.Release},
	}))
}

func TestCompileVerifyReplay(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "layout.toml")
	require.NoError(t, os.WriteFile(src, []byte(source), 0600))

	require.NoError(t, cmdCompile([]string{src}))
	out := filepath.Join(dir, "layout.krx")
	cfg, err := keymap.LoadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "ctl-test", cfg.Metadata.Name)
	assert.Equal(t, keymap.CompilerVersion, cfg.Metadata.CompilerVersion)
	assert.False(t, cfg.Metadata.CompiledAt.IsZero())

	named := filepath.Join(dir, "named.krx")
	require.NoError(t, cmdCompile([]string{src, "-o", named}))
	require.NoError(t, cmdVerify([]string{named}))
	assert.Error(t, cmdVerify([]string{src}), "a source file is not a binary keymap")

	events := filepath.Join(dir, "events.json")
	require.NoError(t, os.WriteFile(events, []byte(`[
		{"key":"Q","kind":"press","timestamp_us":0},
		{"key":"Q","kind":"release","timestamp_us":5000}
	]`), 0600))
	require.NoError(t, cmdReplay([]string{"-keymap", out, "-events", events}))
	assert.Error(t, cmdReplay([]string{"-keymap", out}), "needs a recording or events")
}

func TestRecordingsCommand(t *testing.T) {
	db := filepath.Join(t.TempDir(), "rec.db")
	store, err := recording.Open(db)
	require.NoError(t, err)
	rec := &recording.Recording{Name: "sample", Events: []keys.Event{keys.PressAt(keys.A, 0)}}
	require.NoError(t, store.Save(rec))
	require.NoError(t, store.Close())

	require.NoError(t, cmdRecordings([]string{"-db", db}))
	require.NoError(t, cmdRecordings([]string{"-db", db, "show", rec.ID}))
	require.NoError(t, cmdRecordings([]string{"-db", db, "delete", rec.ID}))
	assert.ErrorIs(t, cmdRecordings([]string{"-db", db, "delete", rec.ID}), recording.ErrNotFound)
	assert.Error(t, cmdRecordings([]string{"-db", db, "delete"}))
}

// captureStdout returns what fn writes to os.Stdout.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	orig := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	done := make(chan string)
	go func() {
		b, _ := io.ReadAll(r)
		done <- string(b)
	}()
	fn()
	w.Close()
	return <-done
}

func TestPrintStatusLatency(t *testing.T) {
	status := &ipc.StatusResponse{
		Version:    "test",
		PID:        42,
		Uptime:     90 * time.Second,
		KeymapPath: "/tmp/layout.krx",
		Engine: pipeline.Snapshot{
			Backend:  "mock",
			Running:  true,
			Keymap:   pipeline.KeymapInfo{Name: "layout", Layers: []string{"base"}, LoadedAt: time.Now()},
			QueueCap: 64,
			Metrics:  metrics.Summary{Events: 10, LatencyP99Us: 412.6},
		},
	}

	out := captureStdout(t, func() { printStatus(status) })
	assert.Contains(t, out, "p99 latency")
	assert.Contains(t, out, "413µs")
	assert.NotContains(t, out, "%!")
}
