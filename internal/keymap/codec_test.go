package keymap

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyrxd/internal/keys"
)

// Test helpers

func sampleConfig() *Config {
	cfg := NewConfig("sample")
	cfg.Metadata.CompilerVersion = "test"
	cfg.Metadata.SourceHash = "abc123"
	cfg.Metadata.CompiledAt = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	nav := cfg.AddLayer("nav")
	sym := cfg.AddLayer("sym")

	cfg.Bind(BaseLayer, keys.A, Remap(keys.B))
	cfg.Bind(BaseLayer, keys.CapsLock, TapHold(Remap(keys.Escape), Remap(keys.LeftCtrl), 200))
	cfg.Bind(BaseLayer, keys.Space, LayerTap(nav, Remap(keys.Space), 180))
	cfg.Bind(BaseLayer, keys.F1, LayerToggle(sym))
	cfg.Bind(BaseLayer, keys.F2, LayerOneShot(sym))
	cfg.Bind(BaseLayer, keys.RightAlt, LayerMomentary(nav))
	cfg.Bind(BaseLayer, keys.LeftMeta, Modifier(3))
	cfg.Bind(BaseLayer, keys.ScrollLock, Lock(MaxModifierID))
	cfg.Bind(BaseLayer, keys.Insert, NoOp())
	cfg.Bind(BaseLayer, keys.F3, Macro(
		MacroStep{Key: keys.H, Kind: keys.Press},
		MacroStep{Key: keys.H, Kind: keys.Release},
		MacroStep{Key: keys.I, Kind: keys.Press},
		MacroStep{Key: keys.I, Kind: keys.Release},
	))
	cfg.Bind(BaseLayer, keys.F4, ModifiedOutput(keys.C, ModCtrl|ModShift))

	otherwise := Remap(keys.Digit2)
	cfg.Bind(BaseLayer, keys.F5, Conditional(
		AllActive(ModifierActive(3), NotActive(LockActive(7)), DeviceMatches("*usb*")),
		Remap(keys.Digit1),
		&otherwise,
	))

	cfg.Bind(nav, keys.H, Remap(keys.Left))
	cfg.Bind(nav, keys.J, Remap(keys.Down))
	cfg.Bind(sym, keys.A, ModifiedOutput(keys.Digit1, ModShift))
	return cfg
}

func encode(t *testing.T, cfg *Config) []byte {
	t.Helper()
	data, err := Marshal(cfg)
	require.NoError(t, err)
	return data
}

// reseal rewrites the checksum after a payload edit so the test reaches
// the structural decoder.
func reseal(data []byte) []byte {
	size := binary.LittleEndian.Uint64(data[8:16])
	payload := data[HeaderSize : HeaderSize+int(size)]
	sum := sha256.Sum256(payload)
	copy(data[HeaderSize+int(size):], sum[:])
	return data
}

func serializationError(t *testing.T, err error) *SerializationError {
	t.Helper()
	var se *SerializationError
	require.True(t, errors.As(err, &se), "expected *SerializationError, got %T: %v", err, err)
	return se
}

// =============================================================================
// Round trip
// =============================================================================

func TestMarshalLoadRoundTrip(t *testing.T) {
	cfg := sampleConfig()
	data := encode(t, cfg)

	loaded, err := Load(data)
	require.NoError(t, err)
	assert.True(t, cfg.Equal(loaded), "decoded config differs")
	assert.Equal(t, 3, len(loaded.Layers))
	assert.Equal(t, "nav", loaded.LayerName(1))
}

func TestCompiledAtIsStoredInSeconds(t *testing.T) {
	cfg := sampleConfig()
	cfg.Metadata.CompiledAt = time.Date(2026, 1, 2, 3, 4, 5, 999, time.UTC)
	loaded, err := Load(encode(t, cfg))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), loaded.Metadata.CompiledAt)

	cfg.Metadata.CompiledAt = time.Date(1600, 6, 1, 0, 0, 0, 0, time.UTC)
	loaded, err = Load(encode(t, cfg))
	require.NoError(t, err)
	assert.Equal(t, 1600, loaded.Metadata.CompiledAt.Year())
}

func TestMarshalRejectsBadMacroKind(t *testing.T) {
	cfg := NewConfig("macro")
	cfg.Bind(BaseLayer, keys.F1, Macro(MacroStep{Key: keys.A, Kind: keys.Kind(7)}))
	_, err := Marshal(cfg)
	assert.ErrorIs(t, err, ErrCorruptedData)
}

func TestLocationNamesAreLiteral(t *testing.T) {
	r := &reader{}
	r.push("%s", "then%d")
	assert.Equal(t, "then%d", r.where())
}

func TestMarshalIsDeterministic(t *testing.T) {
	a := encode(t, sampleConfig())
	b := encode(t, sampleConfig())
	assert.Equal(t, a, b)
	assert.Equal(t, FingerprintOf(a), FingerprintOf(b))
}

func TestHeaderLayout(t *testing.T) {
	data := encode(t, sampleConfig())

	assert.Equal(t, []byte{'K', 'R', 'X', 0}, data[0:4])
	assert.Equal(t, Version, binary.LittleEndian.Uint32(data[4:8]))
	size := binary.LittleEndian.Uint64(data[8:16])
	assert.Equal(t, uint64(len(data)-HeaderSize-ChecksumSize), size)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test"+FileExtension)
	require.NoError(t, os.WriteFile(path, encode(t, sampleConfig()), 0600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "sample", cfg.Metadata.Name)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.krx"))
	assert.Error(t, err)
}

func TestRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	all := keys.All()
	properties.Property("random remap tables survive encoding", prop.ForAll(
		func(layerCount int, from []int, to []int) bool {
			cfg := NewConfig("prop")
			for i := 1; i < layerCount; i++ {
				cfg.AddLayer("l")
			}
			for i := range from {
				if i >= len(to) {
					break
				}
				layer := uint16(i % layerCount)
				cfg.Bind(layer, all[from[i]%len(all)], Remap(all[to[i]%len(all)]))
			}
			data, err := Marshal(cfg)
			if err != nil {
				return false
			}
			loaded, err := Load(data)
			return err == nil && cfg.Equal(loaded)
		},
		gen.IntRange(1, 8),
		gen.SliceOf(gen.IntRange(0, 1000)),
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	properties.TestingRun(t)
}

// =============================================================================
// Rejection pipeline
// =============================================================================

func TestLoadTooShort(t *testing.T) {
	_, err := Load([]byte{0x4B, 0x52})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidSize)

	se := serializationError(t, err)
	assert.Equal(t, InvalidSize, se.Kind)
	assert.Equal(t, uint64(HeaderSize), se.Expected)
	assert.Equal(t, uint64(2), se.Found)
	assert.True(t, se.AtLeast)
	assert.Contains(t, se.Error(), "at least 16")
}

func TestLoadEmpty(t *testing.T) {
	_, err := Load(nil)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestLoadWrongMagic(t *testing.T) {
	data := encode(t, sampleConfig())
	copy(data[0:4], "ELF\x7f")

	_, err := Load(data)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidMagic)
	assert.NotErrorIs(t, err, ErrInvalidSize)

	se := serializationError(t, err)
	assert.Equal(t, uint64(Magic), se.Expected)
	assert.Equal(t, uint64(binary.LittleEndian.Uint32([]byte("ELF\x7f"))), se.Found)
}

func TestLoadWrongVersion(t *testing.T) {
	data := encode(t, sampleConfig())
	binary.LittleEndian.PutUint32(data[4:8], Version+1)

	_, err := Load(data)
	assert.ErrorIs(t, err, ErrInvalidVersion)

	se := serializationError(t, err)
	assert.Equal(t, uint64(Version), se.Expected)
	assert.Equal(t, uint64(Version+1), se.Found)
}

func TestLoadPayloadSizeMismatch(t *testing.T) {
	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"truncated", func(d []byte) []byte { return d[:len(d)-1] }},
		{"extended", func(d []byte) []byte { return append(d, 0) }},
		{"declared larger", func(d []byte) []byte {
			binary.LittleEndian.PutUint64(d[8:16], binary.LittleEndian.Uint64(d[8:16])+1)
			return d
		}},
		{"declared huge", func(d []byte) []byte {
			binary.LittleEndian.PutUint64(d[8:16], ^uint64(0))
			return d
		}},
		{"header only", func(d []byte) []byte { return d[:HeaderSize] }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data := tc.mutate(encode(t, sampleConfig()))
			_, err := Load(data)
			assert.ErrorIs(t, err, ErrInvalidSize)
		})
	}
}

func TestLoadChecksumMismatch(t *testing.T) {
	data := encode(t, sampleConfig())
	data[HeaderSize+3] ^= 0xFF

	_, err := Load(data)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptedData)
	assert.Equal(t, "checksum", serializationError(t, err).Location)
}

func TestLoadStructuralCorruption(t *testing.T) {
	cfg := NewConfig("")
	cfg.Bind(BaseLayer, keys.A, Remap(keys.B))
	data := encode(t, cfg)

	// Payload: name(2) ts(8) compiler(2) hash(2) layers(2) | id(2) name(2+4) count(2) | key(2) kind(1) key(2)
	kindOffset := HeaderSize + 2 + 8 + 2 + 2 + 2 + 2 + 2 + 4 + 2 + 2
	require.Equal(t, byte(ActionRemap), data[kindOffset])

	data[kindOffset] = 0xEE
	_, err := Load(reseal(data))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptedData)

	se := serializationError(t, err)
	assert.Equal(t, "layer[0].entry[0]", se.Location)
	assert.Contains(t, se.Error(), "unknown action kind")
}

func TestLoadRejectsUndefinedLayerReference(t *testing.T) {
	cfg := NewConfig("")
	cfg.Bind(BaseLayer, keys.A, LayerToggle(1))
	_, err := Marshal(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptedData)
	assert.Contains(t, err.Error(), "undefined layer")
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		bind Action
		want string
	}{
		{"reserved modifier id", Modifier(0xFF), "exceeds"},
		{"zero threshold", TapHold(Remap(keys.A), Remap(keys.B), 0), "threshold"},
		{"nested tap hold", TapHold(TapHold(Remap(keys.A), Remap(keys.B), 10), Remap(keys.B), 10), "cannot be nested"},
		{"invalid remap key", Remap(keys.Key(9999)), "invalid key"},
		{"unknown mods", ModifiedOutput(keys.A, OutputMods(0x80)), "modifier bits"},
		{"bad glob", Conditional(DeviceMatches("[unterminated"), Remap(keys.A), nil), "bad device pattern"},
		{"empty all", Conditional(AllActive(), Remap(keys.A), nil), "all_active"},
		{"macro event kind", Macro(MacroStep{Key: keys.A, Kind: keys.Kind(7)}), "invalid event kind"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewConfig("")
			cfg.Bind(BaseLayer, keys.A, tc.bind)
			err := Validate(cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrCorruptedData)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateNoBaseLayer(t *testing.T) {
	err := Validate(&Config{})
	assert.ErrorIs(t, err, ErrCorruptedData)
}

func TestLoadNeverPanicsOnPrefixes(t *testing.T) {
	data := encode(t, sampleConfig())
	for n := 0; n < len(data); n++ {
		assert.NotPanics(t, func() {
			_, err := Load(data[:n])
			assert.Error(t, err)
		})
	}
}

func TestLoadNeverPanicsOnBitFlips(t *testing.T) {
	base := encode(t, sampleConfig())
	for i := HeaderSize; i < len(base)-ChecksumSize; i++ {
		data := append([]byte(nil), base...)
		data[i] ^= 0x5A
		reseal(data)
		assert.NotPanics(t, func() { _, _ = Load(data) }, "offset %d", i)
	}
}

// =============================================================================
// Resolution
// =============================================================================

func TestResolveFallsBackToBase(t *testing.T) {
	cfg := sampleConfig()

	// nav binds H but not A: A falls through to base.
	assert.True(t, Remap(keys.Left).Equal(cfg.Resolve(1, keys.H)))
	assert.True(t, Remap(keys.B).Equal(cfg.Resolve(1, keys.A)))

	// Unbound everywhere passes through unchanged.
	assert.True(t, Remap(keys.Z).Equal(cfg.Resolve(1, keys.Z)))

	// Unknown layers behave like base.
	assert.True(t, Remap(keys.B).Equal(cfg.Resolve(99, keys.A)))

	// Explicit NoOp swallows.
	assert.Equal(t, ActionNoOp, cfg.Resolve(0, keys.Insert).Kind)
}

func TestFingerprint(t *testing.T) {
	a := FingerprintOf([]byte("one"))
	b := FingerprintOf([]byte("two"))
	assert.NotEqual(t, a, b)
	assert.False(t, a.IsZero())
	assert.Len(t, a.String(), 32)
	assert.True(t, Fingerprint{}.IsZero())
}
