package recording

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyrxd/internal/keymap"
	"keyrxd/internal/keys"
	"keyrxd/internal/remap"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "recordings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sample() *Recording {
	r := NewRecorder("typing", "/dev/input/event3", "AT Keyboard")
	r.Add(keys.PressAt(keys.A, 5_000_000))
	r.Add(keys.Event{Key: keys.A, Kind: keys.Release, Timestamp: 5_080_000})
	r.Add(keys.PressAt(keys.B, 5_300_000))
	r.Add(keys.Event{Key: keys.B, Kind: keys.Release, Timestamp: 5_350_000})
	return r.Recording()
}

func TestRecorderRebasesTimestamps(t *testing.T) {
	rec := sample()
	require.Len(t, rec.Events, 4)
	assert.Equal(t, uint64(0), rec.Events[0].Timestamp)
	assert.Equal(t, uint64(350_000), rec.Events[3].Timestamp)
	assert.Equal(t, 350*time.Millisecond, rec.Duration())
	assert.NotEmpty(t, rec.ID)

	r := NewRecorder("", "", "")
	r.Add(keys.PressAt(keys.A, 100))
	r.Add(keys.PressAt(keys.B, 50))
	assert.Equal(t, uint64(0), r.Recording().Events[1].Timestamp)
	assert.Equal(t, 2, r.Len())
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openStore(t)
	require.NoError(t, MigrateDB(s.db))
	v, err := currentVersion(s.db)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion(), v)
}

func TestSaveLoad(t *testing.T) {
	s := openStore(t)
	rec := sample()
	require.NoError(t, s.Save(rec))

	got, err := s.Load(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Name, got.Name)
	assert.Equal(t, rec.Device, got.Device)
	assert.Equal(t, rec.DeviceName, got.DeviceName)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, rec.Events, got.Events)
}

func TestSaveAssignsIDAndReplaces(t *testing.T) {
	s := openStore(t)
	rec := &Recording{Events: []keys.Event{keys.PressAt(keys.C, 0)}}
	require.NoError(t, s.Save(rec))
	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.CreatedAt.IsZero())

	rec.Name = "renamed"
	rec.Events = nil
	require.NoError(t, s.Save(rec))

	got, err := s.Load(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Empty(t, got.Events)
}

func TestLoadMissing(t *testing.T) {
	s := openStore(t)
	_, err := s.Load("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListAndDelete(t *testing.T) {
	s := openStore(t)

	older := sample()
	older.CreatedAt = time.Now().Add(-time.Hour).UTC()
	newer := sample()
	newer.Name = "newer"
	require.NoError(t, s.Save(older))
	require.NoError(t, s.Save(newer))

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID)
	assert.Equal(t, 4, list[0].Events)
	assert.Equal(t, 350*time.Millisecond, list[0].Duration)

	require.NoError(t, s.Delete(older.ID))
	assert.ErrorIs(t, s.Delete(older.ID), ErrNotFound)

	list, err = s.List()
	require.NoError(t, err)
	require.Len(t, list, 1)

	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM recording_events WHERE recording_id = ?`, older.ID).Scan(&n))
	assert.Zero(t, n, "events are deleted with their recording")
}

func TestExportAndReadJSON(t *testing.T) {
	s := openStore(t)
	rec := sample()
	require.NoError(t, s.Save(rec))

	var buf bytes.Buffer
	require.NoError(t, s.Export(rec.ID, &buf))
	assert.Contains(t, buf.String(), `"key": "A"`)

	got, err := ReadJSON(&buf)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.Events, got.Events)
}

func TestReadJSONEventArray(t *testing.T) {
	got, err := ReadJSON(strings.NewReader(`
		[{"key":"KEY_Q","kind":"down","timestamp_us":0},
		 {"key":"q","kind":"up","timestamp_us":1000}]`))
	require.NoError(t, err)
	assert.Equal(t, []keys.Event{
		keys.PressAt(keys.Q, 0),
		{Key: keys.Q, Kind: keys.Release, Timestamp: 1000},
	}, got.Events)

	_, err = ReadJSON(strings.NewReader(`[{"key":"nokey"}]`))
	assert.Error(t, err)
}

func TestReplay(t *testing.T) {
	cfg := keymap.NewConfig("replay")
	cfg.Bind(keymap.BaseLayer, keys.Q, keymap.Remap(keys.W))
	cfg.Bind(keymap.BaseLayer, keys.A, keymap.TapHold(keymap.Remap(keys.X), keymap.Remap(keys.Y), 200))

	rec := &Recording{Events: []keys.Event{
		keys.PressAt(keys.Q, 0),
		{Key: keys.Q, Kind: keys.Release, Timestamp: 10_000},
		keys.PressAt(keys.A, 20_000),
		{Key: keys.A, Kind: keys.Release, Timestamp: 60_000},
		keys.PressAt(keys.A, 100_000),
		{Key: keys.A, Kind: keys.Release, Timestamp: 400_000},
	}}

	steps := Replay(cfg, rec)
	out := Outputs(steps)
	for i := range out {
		out[i].Timestamp = 0
	}
	assert.Equal(t, []remap.OutputEvent{
		{Key: keys.W, Kind: keys.Press},
		{Key: keys.W, Kind: keys.Release},
		{Key: keys.X, Kind: keys.Press},
		{Key: keys.X, Kind: keys.Release},
		{Key: keys.Y, Kind: keys.Press},
		{Key: keys.Y, Kind: keys.Release},
	}, out)

	var ticks int
	for _, s := range steps {
		if s.Tick {
			ticks++
			assert.Equal(t, uint64(400_000), s.Input.Timestamp)
		}
	}
	assert.Equal(t, 1, ticks, "the hold commits on the tick before the release")
}
