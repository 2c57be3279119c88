package keymap

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"keyrxd/internal/keys"
)

// CompilerVersion is stamped into the metadata of compiled keymaps.
const CompilerVersion = "keyrxd-compile/1"

//go:embed keymap.schema.json
var sourceSchema []byte

const sourceSchemaURL = "keymap-v1.schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

// ErrInvalidSource is returned when a keymap source fails schema or
// semantic validation.
var ErrInvalidSource = errors.New("keymap: invalid source")

// SourceFormat names a keymap source syntax.
type SourceFormat string

const (
	FormatTOML SourceFormat = "toml"
	FormatYAML SourceFormat = "yaml"
	FormatJSON SourceFormat = "json"
)

// FormatFromPath picks a source format from a file extension.
func FormatFromPath(path string) (SourceFormat, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("%w: unknown source extension %q", ErrInvalidSource, filepath.Ext(path))
}

// CompileOptions tunes Compile.
type CompileOptions struct {
	// Now stamps CompiledAt. Defaults to time.Now.
	Now func() time.Time
}

// CompileFile reads a keymap source and compiles it.
func CompileFile(path string, opts CompileOptions) (*Config, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	cfg, err := Compile(data, format, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ReadEncoded returns the binary encoding of the keymap at path. A .krx
// file is returned as read. A source is compiled with a zero timestamp, so
// an unchanged source always encodes to the same bytes.
func ReadEncoded(path string) ([]byte, error) {
	if strings.EqualFold(filepath.Ext(path), FileExtension) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read keymap: %w", err)
		}
		return data, nil
	}
	cfg, err := CompileFile(path, CompileOptions{Now: func() time.Time { return time.Time{} }})
	if err != nil {
		return nil, err
	}
	return Marshal(cfg)
}

// Compile parses a keymap source, validates it against the embedded JSON
// schema, and converts it into a validated Config.
func Compile(data []byte, format SourceFormat, opts CompileOptions) (*Config, error) {
	doc, err := decodeSource(data, format)
	if err != nil {
		return nil, err
	}

	// Round-trip through JSON so the schema and the typed decoder see the
	// same value regardless of the source syntax.
	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	var instance any
	if err := json.Unmarshal(normalized, &instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}

	schema, err := loadSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}

	var src sourceFile
	if err := json.Unmarshal(normalized, &src); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}

	cfg, err := src.build()
	if err != nil {
		return nil, err
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	sum := sha256.Sum256(data)
	cfg.Metadata.CompiledAt = now().UTC().Truncate(time.Second)
	cfg.Metadata.CompilerVersion = CompilerVersion
	cfg.Metadata.SourceHash = hex.EncodeToString(sum[:])

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	return cfg, nil
}

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(sourceSchemaURL, bytes.NewReader(sourceSchema)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile(sourceSchemaURL)
	})
	return compiledSchema, schemaErr
}

func decodeSource(data []byte, format SourceFormat) (any, error) {
	var doc map[string]any
	switch format {
	case FormatTOML:
		if _, err := toml.Decode(string(data), &doc); err != nil {
			return nil, fmt.Errorf("%w: decode TOML: %v", ErrInvalidSource, err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: decode YAML: %v", ErrInvalidSource, err)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: decode JSON: %v", ErrInvalidSource, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown format %q", ErrInvalidSource, format)
	}
	return normalize(doc), nil
}

// normalize converts YAML maps with non-string keys (a binding for key "1"
// decodes as an integer key) into JSON-compatible maps.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	}
	return v
}

// =============================================================================
// Typed source model
// =============================================================================

type sourceFile struct {
	Name   string        `json:"name"`
	Layers []sourceLayer `json:"layers"`
}

type sourceLayer struct {
	Name     string                     `json:"name"`
	Bindings map[string]json.RawMessage `json:"bindings"`
}

type sourceBuilder struct {
	layerIDs map[string]uint16
	count    int
}

func (s *sourceFile) build() (*Config, error) {
	b := &sourceBuilder{layerIDs: make(map[string]uint16, len(s.Layers)), count: len(s.Layers)}
	for i, l := range s.Layers {
		if _, dup := b.layerIDs[l.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate layer name %q", ErrInvalidSource, l.Name)
		}
		b.layerIDs[l.Name] = uint16(i)
	}

	cfg := &Config{Metadata: Metadata{Name: s.Name}}
	for i, l := range s.Layers {
		lt := LayerTable{ID: uint16(i), Name: l.Name, Entries: make(map[keys.Key]Action, len(l.Bindings))}

		names := make([]string, 0, len(l.Bindings))
		for name := range l.Bindings {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			k, err := keys.Parse(name)
			if err != nil {
				return nil, fmt.Errorf("%w: layer %q: %v", ErrInvalidSource, l.Name, err)
			}
			if _, dup := lt.Entries[k]; dup {
				return nil, fmt.Errorf("%w: layer %q binds %s twice", ErrInvalidSource, l.Name, k)
			}
			a, err := b.action(l.Bindings[name])
			if err != nil {
				return nil, fmt.Errorf("%w: layer %q key %s: %v", ErrInvalidSource, l.Name, name, err)
			}
			lt.Entries[k] = a
		}
		cfg.Layers = append(cfg.Layers, lt)
	}
	return cfg, nil
}

func (b *sourceBuilder) layer(raw json.RawMessage) (uint16, error) {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		id, ok := b.layerIDs[name]
		if !ok {
			return 0, fmt.Errorf("unknown layer %q", name)
		}
		return id, nil
	}
	var id int
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, fmt.Errorf("layer reference: %v", err)
	}
	if id < 0 || id >= b.count {
		return 0, fmt.Errorf("unknown layer %d", id)
	}
	return uint16(id), nil
}

func (b *sourceBuilder) action(raw json.RawMessage) (Action, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if strings.EqualFold(s, "noop") {
			return NoOp(), nil
		}
		k, err := keys.Parse(s)
		if err != nil {
			return Action{}, err
		}
		return Remap(k), nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return Action{}, err
	}
	if len(obj) != 1 {
		return Action{}, fmt.Errorf("action must have exactly one kind, has %d", len(obj))
	}
	for name, body := range obj {
		kind, ok := ParseActionKind(name)
		if !ok {
			return Action{}, fmt.Errorf("unknown action %q", name)
		}
		return b.actionBody(kind, body)
	}
	return Action{}, nil
}

func (b *sourceBuilder) actionBody(kind ActionKind, body json.RawMessage) (Action, error) {
	switch kind {
	case ActionNoOp:
		return NoOp(), nil

	case ActionRemap:
		var name string
		if err := json.Unmarshal(body, &name); err != nil {
			return Action{}, err
		}
		k, err := keys.Parse(name)
		if err != nil {
			return Action{}, err
		}
		return Remap(k), nil

	case ActionModifier, ActionLock:
		var id uint8
		if err := json.Unmarshal(body, &id); err != nil {
			return Action{}, err
		}
		return Action{Kind: kind, ID: id}, nil

	case ActionLayerMomentary, ActionLayerToggle, ActionLayerOneShot:
		id, err := b.layer(body)
		if err != nil {
			return Action{}, err
		}
		return Action{Kind: kind, Layer: id}, nil

	case ActionLayerTap:
		var lt struct {
			Layer       json.RawMessage `json:"layer"`
			Tap         json.RawMessage `json:"tap"`
			ThresholdMs uint16          `json:"threshold_ms"`
		}
		if err := json.Unmarshal(body, &lt); err != nil {
			return Action{}, err
		}
		id, err := b.layer(lt.Layer)
		if err != nil {
			return Action{}, err
		}
		tap, err := b.action(lt.Tap)
		if err != nil {
			return Action{}, fmt.Errorf("tap: %w", err)
		}
		return LayerTap(id, tap, lt.ThresholdMs), nil

	case ActionTapHold:
		var th struct {
			Tap         json.RawMessage `json:"tap"`
			Hold        json.RawMessage `json:"hold"`
			ThresholdMs uint16          `json:"threshold_ms"`
		}
		if err := json.Unmarshal(body, &th); err != nil {
			return Action{}, err
		}
		tap, err := b.action(th.Tap)
		if err != nil {
			return Action{}, fmt.Errorf("tap: %w", err)
		}
		hold, err := b.action(th.Hold)
		if err != nil {
			return Action{}, fmt.Errorf("hold: %w", err)
		}
		return TapHold(tap, hold, th.ThresholdMs), nil

	case ActionMacro:
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return Action{}, err
		}
		var steps []MacroStep
		for i, item := range items {
			var name string
			if err := json.Unmarshal(item, &name); err == nil {
				k, err := keys.Parse(name)
				if err != nil {
					return Action{}, fmt.Errorf("macro step %d: %w", i, err)
				}
				steps = append(steps, MacroStep{Key: k, Kind: keys.Press}, MacroStep{Key: k, Kind: keys.Release})
				continue
			}
			var step MacroStep
			if err := json.Unmarshal(item, &step); err != nil {
				return Action{}, fmt.Errorf("macro step %d: %w", i, err)
			}
			steps = append(steps, step)
		}
		return Macro(steps...), nil

	case ActionModifiedOutput:
		var mo struct {
			Key  string   `json:"key"`
			Mods []string `json:"mods"`
		}
		if err := json.Unmarshal(body, &mo); err != nil {
			return Action{}, err
		}
		k, err := keys.Parse(mo.Key)
		if err != nil {
			return Action{}, err
		}
		var mods OutputMods
		for _, m := range mo.Mods {
			switch strings.ToLower(m) {
			case "shift":
				mods |= ModShift
			case "ctrl":
				mods |= ModCtrl
			case "alt":
				mods |= ModAlt
			case "win":
				mods |= ModWin
			default:
				return Action{}, fmt.Errorf("unknown modifier %q", m)
			}
		}
		return ModifiedOutput(k, mods), nil

	case ActionConditional:
		var c struct {
			If   json.RawMessage `json:"if"`
			Then json.RawMessage `json:"then"`
			Else json.RawMessage `json:"else"`
		}
		if err := json.Unmarshal(body, &c); err != nil {
			return Action{}, err
		}
		cond, err := b.condition(c.If)
		if err != nil {
			return Action{}, fmt.Errorf("if: %w", err)
		}
		then, err := b.action(c.Then)
		if err != nil {
			return Action{}, fmt.Errorf("then: %w", err)
		}
		var otherwise *Action
		if len(c.Else) > 0 {
			e, err := b.action(c.Else)
			if err != nil {
				return Action{}, fmt.Errorf("else: %w", err)
			}
			otherwise = &e
		}
		return Conditional(cond, then, otherwise), nil
	}
	return Action{}, fmt.Errorf("action %s cannot be written in a source file", kind)
}

func (b *sourceBuilder) condition(raw json.RawMessage) (Condition, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return Condition{}, err
	}
	if len(obj) != 1 {
		return Condition{}, fmt.Errorf("condition must have exactly one kind, has %d", len(obj))
	}
	for name, body := range obj {
		switch name {
		case "modifier_active", "lock_active":
			var id uint8
			if err := json.Unmarshal(body, &id); err != nil {
				return Condition{}, err
			}
			if name == "lock_active" {
				return LockActive(id), nil
			}
			return ModifierActive(id), nil
		case "all_active":
			var items []json.RawMessage
			if err := json.Unmarshal(body, &items); err != nil {
				return Condition{}, err
			}
			conds := make([]Condition, 0, len(items))
			for _, item := range items {
				c, err := b.condition(item)
				if err != nil {
					return Condition{}, err
				}
				conds = append(conds, c)
			}
			return AllActive(conds...), nil
		case "not_active":
			c, err := b.condition(body)
			if err != nil {
				return Condition{}, err
			}
			return NotActive(c), nil
		case "device_matches":
			var pattern string
			if err := json.Unmarshal(body, &pattern); err != nil {
				return Condition{}, err
			}
			return DeviceMatches(pattern), nil
		default:
			return Condition{}, fmt.Errorf("unknown condition %q", name)
		}
	}
	return Condition{}, nil
}
