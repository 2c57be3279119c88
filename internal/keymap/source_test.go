package keymap

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyrxd/internal/keys"
)

var fixedNow = CompileOptions{Now: func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }}

const tomlSource = `
name = "laptop"

[[layers]]
name = "base"

[layers.bindings]
CapsLock = { tap_hold = { tap = "Escape", hold = "LeftCtrl", threshold_ms = 200 } }
Space = { layer_tap = { layer = "nav", tap = "Space" } }
F1 = { layer_toggle = 1 }
Insert = "noop"
A = "B"
F4 = { modified_output = { key = "C", mods = ["ctrl", "shift"] } }
F3 = { macro = ["H", "I", { key = "LeftShift", kind = "press" }] }

[[layers]]
name = "nav"

[layers.bindings]
H = "Left"
J = { remap = "Down" }
`

const yamlSource = `
name: laptop
layers:
  - name: base
    bindings:
      1: "2"
      F5:
        conditional:
          if:
            all_active:
              - modifier_active: 3
              - not_active: { lock_active: 1 }
          then: "X"
          else: "Y"
      F6:
        conditional:
          if: { device_matches: "*Logitech*" }
          then: noop
      LeftMeta: { modifier: 3 }
      ScrollLock: { lock: 1 }
`

const jsonSource = `{
  "name": "minimal",
  "layers": [
    {"name": "base", "bindings": {"a": "b", "esc": {"layer_oneshot": "sym"}}},
    {"name": "sym", "bindings": {"a": {"modified_output": {"key": "1", "mods": ["shift"]}}}}
  ]
}`

// =============================================================================
// Compile
// =============================================================================

func TestCompileTOML(t *testing.T) {
	cfg, err := Compile([]byte(tomlSource), FormatTOML, fixedNow)
	require.NoError(t, err)

	assert.Equal(t, "laptop", cfg.Metadata.Name)
	assert.Equal(t, CompilerVersion, cfg.Metadata.CompilerVersion)
	assert.Len(t, cfg.Metadata.SourceHash, 64)
	assert.Equal(t, 2026, cfg.Metadata.CompiledAt.Year())
	require.Len(t, cfg.Layers, 2)

	caps, ok := cfg.Lookup(BaseLayer, keys.CapsLock)
	require.True(t, ok)
	assert.True(t, TapHold(Remap(keys.Escape), Remap(keys.LeftCtrl), 200).Equal(caps))

	space, _ := cfg.Lookup(BaseLayer, keys.Space)
	assert.True(t, LayerTap(1, Remap(keys.Space), DefaultThresholdMs).Equal(space))

	f1, _ := cfg.Lookup(BaseLayer, keys.F1)
	assert.True(t, LayerToggle(1).Equal(f1))

	ins, _ := cfg.Lookup(BaseLayer, keys.Insert)
	assert.Equal(t, ActionNoOp, ins.Kind)

	f4, _ := cfg.Lookup(BaseLayer, keys.F4)
	assert.True(t, ModifiedOutput(keys.C, ModCtrl|ModShift).Equal(f4))

	f3, _ := cfg.Lookup(BaseLayer, keys.F3)
	assert.Equal(t, []MacroStep{
		{keys.H, keys.Press}, {keys.H, keys.Release},
		{keys.I, keys.Press}, {keys.I, keys.Release},
		{keys.LeftShift, keys.Press},
	}, f3.Macro)

	j, _ := cfg.Lookup(1, keys.J)
	assert.True(t, Remap(keys.Down).Equal(j))
}

func TestCompileYAML(t *testing.T) {
	cfg, err := Compile([]byte(yamlSource), FormatYAML, fixedNow)
	require.NoError(t, err)

	one, ok := cfg.Lookup(BaseLayer, keys.Digit1)
	require.True(t, ok, "integer YAML key should bind Digit1")
	assert.True(t, Remap(keys.Digit2).Equal(one))

	y := Remap(keys.Y)
	want := Conditional(AllActive(ModifierActive(3), NotActive(LockActive(1))), Remap(keys.X), &y)
	f5, _ := cfg.Lookup(BaseLayer, keys.F5)
	assert.True(t, want.Equal(f5), "got %s", f5)

	f6, _ := cfg.Lookup(BaseLayer, keys.F6)
	require.Equal(t, ActionConditional, f6.Kind)
	assert.Equal(t, "*Logitech*", f6.Cond.Pattern)
	assert.Nil(t, f6.Else)

	meta, _ := cfg.Lookup(BaseLayer, keys.LeftMeta)
	assert.True(t, Modifier(3).Equal(meta))
}

func TestCompileJSON(t *testing.T) {
	cfg, err := Compile([]byte(jsonSource), FormatJSON, fixedNow)
	require.NoError(t, err)

	esc, _ := cfg.Lookup(BaseLayer, keys.Escape)
	assert.True(t, LayerOneShot(1).Equal(esc))

	a, _ := cfg.Lookup(1, keys.A)
	assert.True(t, ModifiedOutput(keys.Digit1, ModShift).Equal(a))
}

func TestCompiledOutputLoads(t *testing.T) {
	cfg, err := Compile([]byte(tomlSource), FormatTOML, fixedNow)
	require.NoError(t, err)

	data, err := Marshal(cfg)
	require.NoError(t, err)
	loaded, err := Load(data)
	require.NoError(t, err)
	assert.True(t, cfg.Equal(loaded))
}

func TestCompileIsDeterministic(t *testing.T) {
	a, err := Compile([]byte(tomlSource), FormatTOML, fixedNow)
	require.NoError(t, err)
	b, err := Compile([]byte(tomlSource), FormatTOML, fixedNow)
	require.NoError(t, err)

	da, _ := Marshal(a)
	db, _ := Marshal(b)
	assert.Equal(t, da, db)
}

func TestCompileRejects(t *testing.T) {
	tests := []struct {
		name   string
		source string
	}{
		{"no layers", `{"name": "x", "layers": []}`},
		{"unknown top-level field", `{"layers": [{"name": "base"}], "extra": 1}`},
		{"two action kinds", `{"layers": [{"name": "base", "bindings": {"a": {"remap": "b", "lock": 1}}}]}`},
		{"reserved modifier id", `{"layers": [{"name": "base", "bindings": {"a": {"modifier": 255}}}]}`},
		{"zero threshold", `{"layers": [{"name": "base", "bindings": {"a": {"tap_hold": {"tap": "a", "hold": "b", "threshold_ms": 0}}}}]}`},
		{"unknown key", `{"layers": [{"name": "base", "bindings": {"nosuchkey": "a"}}]}`},
		{"unknown target", `{"layers": [{"name": "base", "bindings": {"a": "nosuchkey"}}]}`},
		{"unknown layer", `{"layers": [{"name": "base", "bindings": {"a": {"layer_toggle": "nav"}}}]}`},
		{"layer index out of range", `{"layers": [{"name": "base", "bindings": {"a": {"layer_toggle": 3}}}]}`},
		{"duplicate layer names", `{"layers": [{"name": "base"}, {"name": "base"}]}`},
		{"duplicate key via alias", `{"layers": [{"name": "base", "bindings": {"esc": "a", "Escape": "b"}}]}`},
		{"nested tap hold", `{"layers": [{"name": "base", "bindings": {"a": {"tap_hold": {"tap": {"tap_hold": {"tap": "a", "hold": "b", "threshold_ms": 10}}, "hold": "b", "threshold_ms": 10}}}}]}`},
		{"malformed json", `{"layers": [`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Compile([]byte(tc.source), FormatJSON, fixedNow)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidSource)
		})
	}
}

func TestCompileFile(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "laptop.toml")
	require.NoError(t, os.WriteFile(path, []byte(tomlSource), 0600))
	cfg, err := CompileFile(path, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, "laptop", cfg.Metadata.Name)

	yml := filepath.Join(dir, "laptop.yml")
	require.NoError(t, os.WriteFile(yml, []byte(yamlSource), 0600))
	_, err = CompileFile(yml, fixedNow)
	require.NoError(t, err)

	_, err = CompileFile(filepath.Join(dir, "laptop.ini"), fixedNow)
	assert.ErrorIs(t, err, ErrInvalidSource)
}

func TestFormatFromPath(t *testing.T) {
	for path, want := range map[string]SourceFormat{
		"a.toml": FormatTOML,
		"a.YAML": FormatYAML,
		"a.yml":  FormatYAML,
		"a.json": FormatJSON,
	} {
		got, err := FormatFromPath(path)
		require.NoError(t, err, path)
		assert.Equal(t, want, got, path)
	}
}

func TestReadEncoded(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "laptop.toml")
	require.NoError(t, os.WriteFile(src, []byte(tomlSource), 0600))

	first, err := ReadEncoded(src)
	require.NoError(t, err)
	second, err := ReadEncoded(src)
	require.NoError(t, err)
	assert.Equal(t, first, second, "compiling an unchanged source must be stable")

	cfg, err := Load(first)
	require.NoError(t, err)
	assert.True(t, cfg.Metadata.CompiledAt.IsZero())
	assert.Equal(t, CompilerVersion, cfg.Metadata.CompilerVersion)

	bin := filepath.Join(dir, "laptop"+FileExtension)
	require.NoError(t, os.WriteFile(bin, first, 0600))
	raw, err := ReadEncoded(bin)
	require.NoError(t, err)
	assert.Equal(t, first, raw)
}
