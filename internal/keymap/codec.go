package keymap

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"
	"strings"
	"time"

	"keyrxd/internal/keys"
)

// Binary format constants.
//
//	magic:u32 | version:u32 | payload_size:u64 | payload | checksum:[32]u8
//
// All integers are little-endian. The checksum is SHA-256 of the payload.
const (
	Magic        uint32 = 0x0058524B // "KRX\x00"
	Version      uint32 = 1
	HeaderSize          = 16
	ChecksumSize        = sha256.Size

	// FileExtension is the conventional suffix for binary keymaps.
	FileExtension = ".krx"
)

// LoadFile reads and decodes a binary keymap from disk.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keymap: %w", err)
	}
	return Load(data)
}

// Load validates and decodes a binary keymap. Every stage rejects the input
// before later stages look at it, and no input can make Load panic.
func Load(data []byte) (*Config, error) {
	if len(data) < HeaderSize {
		return nil, &SerializationError{Kind: InvalidSize, Expected: HeaderSize, Found: uint64(len(data)), AtLeast: true}
	}

	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != Magic {
		return nil, &SerializationError{Kind: InvalidMagic, Expected: uint64(Magic), Found: uint64(magic)}
	}

	version := binary.LittleEndian.Uint32(data[4:8])
	if version != Version {
		return nil, &SerializationError{Kind: InvalidVersion, Expected: uint64(Version), Found: uint64(version)}
	}

	payloadSize := binary.LittleEndian.Uint64(data[8:16])
	remaining := uint64(len(data) - HeaderSize)
	if remaining < ChecksumSize || payloadSize != remaining-ChecksumSize {
		// Report the total the header claims; guard against overflow for
		// absurd declared sizes.
		expected := payloadSize + HeaderSize + ChecksumSize
		if expected < payloadSize {
			expected = ^uint64(0)
		}
		return nil, &SerializationError{Kind: InvalidSize, Expected: expected, Found: uint64(len(data))}
	}

	payload := data[HeaderSize : HeaderSize+int(payloadSize)]
	sum := sha256.Sum256(payload)
	if !bytes.Equal(sum[:], data[HeaderSize+int(payloadSize):]) {
		return nil, corrupted("checksum", "payload checksum mismatch")
	}

	r := &reader{buf: payload}
	cfg, err := r.config()
	if err != nil {
		return nil, err
	}
	if r.off != len(r.buf) {
		return nil, corrupted("payload", "%d trailing bytes", len(r.buf)-r.off)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal encodes cfg in the binary format. It validates cfg first so that
// anything Marshal produces is accepted by Load.
func Marshal(cfg *Config) ([]byte, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}

	w := &writer{}
	if err := w.config(cfg); err != nil {
		return nil, err
	}
	payload := w.buf.Bytes()

	out := make([]byte, HeaderSize, HeaderSize+len(payload)+ChecksumSize)
	binary.LittleEndian.PutUint32(out[0:4], Magic)
	binary.LittleEndian.PutUint32(out[4:8], Version)
	binary.LittleEndian.PutUint64(out[8:16], uint64(len(payload)))
	out = append(out, payload...)
	sum := sha256.Sum256(payload)
	return append(out, sum[:]...), nil
}

// =============================================================================
// Decoding
// =============================================================================

// reader is a bounds-checked cursor over the payload. path tracks the
// current location for error messages.
type reader struct {
	buf  []byte
	off  int
	path []string
}

func (r *reader) push(format string, args ...any) { r.path = append(r.path, fmt.Sprintf(format, args...)) }
func (r *reader) pop()                             { r.path = r.path[:len(r.path)-1] }

func (r *reader) where() string {
	return strings.Join(r.path, ".")
}

func (r *reader) fail(format string, args ...any) error {
	return corrupted(r.where(), format, args...)
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || len(r.buf)-r.off < n {
		return nil, r.fail("need %d bytes at offset %d, have %d", n, r.off, len(r.buf)-r.off)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) u8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) i64() (int64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

func (r *reader) str() (string, error) {
	n, err := r.u16()
	if err != nil {
		return "", err
	}
	if n > MaxStringBytes {
		return "", r.fail("string length %d exceeds %d", n, MaxStringBytes)
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) key() (keys.Key, error) {
	v, err := r.u16()
	if err != nil {
		return keys.None, err
	}
	k := keys.Key(v)
	if !k.Valid() {
		return keys.None, r.fail("unknown key identity %d", v)
	}
	return k, nil
}

func (r *reader) config() (*Config, error) {
	cfg := &Config{}

	r.push("metadata")
	name, err := r.str()
	if err != nil {
		return nil, err
	}
	compiledAt, err := r.i64()
	if err != nil {
		return nil, err
	}
	compiler, err := r.str()
	if err != nil {
		return nil, err
	}
	sourceHash, err := r.str()
	if err != nil {
		return nil, err
	}
	r.pop()

	cfg.Metadata = Metadata{Name: name, CompilerVersion: compiler, SourceHash: sourceHash}
	if compiledAt != 0 {
		cfg.Metadata.CompiledAt = time.Unix(compiledAt, 0).UTC()
	}

	r.push("layers")
	count, err := r.u16()
	if err != nil {
		return nil, err
	}
	if count == 0 || count > MaxLayers {
		return nil, r.fail("layer count %d out of range 1..%d", count, MaxLayers)
	}
	r.pop()

	cfg.Layers = make([]LayerTable, 0, count)
	for i := 0; i < int(count); i++ {
		r.push("layer[%d]", i)
		layer, err := r.layer()
		if err != nil {
			return nil, err
		}
		r.pop()
		cfg.Layers = append(cfg.Layers, layer)
	}
	return cfg, nil
}

func (r *reader) layer() (LayerTable, error) {
	id, err := r.u16()
	if err != nil {
		return LayerTable{}, err
	}
	name, err := r.str()
	if err != nil {
		return LayerTable{}, err
	}
	n, err := r.u16()
	if err != nil {
		return LayerTable{}, err
	}
	lt := LayerTable{ID: id, Name: name, Entries: make(map[keys.Key]Action, n)}
	for j := 0; j < int(n); j++ {
		r.push("entry[%d]", j)
		k, err := r.key()
		if err != nil {
			return LayerTable{}, err
		}
		if _, dup := lt.Entries[k]; dup {
			return LayerTable{}, r.fail("duplicate binding for %s", k)
		}
		a, err := r.action(0)
		if err != nil {
			return LayerTable{}, err
		}
		lt.Entries[k] = a
		r.pop()
	}
	return lt, nil
}

func (r *reader) nested(name string, depth int) (*Action, error) {
	r.push("%s", name)
	a, err := r.action(depth + 1)
	if err != nil {
		return nil, err
	}
	r.pop()
	return &a, nil
}

func (r *reader) action(depth int) (Action, error) {
	if depth > MaxNesting {
		return Action{}, r.fail("actions nested deeper than %d", MaxNesting)
	}
	kind, err := r.u8()
	if err != nil {
		return Action{}, err
	}
	a := Action{Kind: ActionKind(kind)}

	switch a.Kind {
	case ActionNoOp:
	case ActionRemap:
		a.Key, err = r.key()
	case ActionModifier, ActionLock:
		a.ID, err = r.u8()
	case ActionLayerMomentary, ActionLayerToggle, ActionLayerOneShot:
		a.Layer, err = r.u16()
	case ActionLayerTap:
		if a.Layer, err = r.u16(); err != nil {
			return Action{}, err
		}
		if a.ThresholdMs, err = r.u16(); err != nil {
			return Action{}, err
		}
		a.Tap, err = r.nested("tap", depth)
	case ActionTapHold:
		if a.ThresholdMs, err = r.u16(); err != nil {
			return Action{}, err
		}
		if a.Tap, err = r.nested("tap", depth); err != nil {
			return Action{}, err
		}
		a.Hold, err = r.nested("hold", depth)
	case ActionMacro:
		a.Macro, err = r.macro()
	case ActionModifiedOutput:
		if a.Key, err = r.key(); err != nil {
			return Action{}, err
		}
		var mods uint8
		mods, err = r.u8()
		a.Mods = OutputMods(mods)
	case ActionConditional:
		r.push("condition")
		var cond Condition
		if cond, err = r.condition(depth); err != nil {
			return Action{}, err
		}
		r.pop()
		a.Cond = &cond
		if a.Then, err = r.nested("then", depth); err != nil {
			return Action{}, err
		}
		var hasElse uint8
		if hasElse, err = r.u8(); err != nil {
			return Action{}, err
		}
		switch hasElse {
		case 0:
		case 1:
			a.Else, err = r.nested("else", depth)
		default:
			return Action{}, r.fail("invalid else flag %d", hasElse)
		}
	default:
		return Action{}, r.fail("unknown action kind %d", kind)
	}
	if err != nil {
		return Action{}, err
	}
	return a, nil
}

func (r *reader) macro() ([]MacroStep, error) {
	n, err := r.u16()
	if err != nil {
		return nil, err
	}
	if n > MaxMacroSteps {
		return nil, r.fail("macro has %d steps, limit %d", n, MaxMacroSteps)
	}
	steps := make([]MacroStep, 0, n)
	for i := 0; i < int(n); i++ {
		r.push("step[%d]", i)
		k, err := r.key()
		if err != nil {
			return nil, err
		}
		kind, err := r.u8()
		if err != nil {
			return nil, err
		}
		if kind > uint8(keys.Release) {
			return nil, r.fail("invalid event kind %d", kind)
		}
		r.pop()
		steps = append(steps, MacroStep{Key: k, Kind: keys.Kind(kind)})
	}
	return steps, nil
}

func (r *reader) condition(depth int) (Condition, error) {
	if depth > MaxNesting {
		return Condition{}, r.fail("conditions nested deeper than %d", MaxNesting)
	}
	kind, err := r.u8()
	if err != nil {
		return Condition{}, err
	}
	c := Condition{Kind: ConditionKind(kind)}
	switch c.Kind {
	case CondModifierActive, CondLockActive:
		c.ID, err = r.u8()
	case CondAllActive:
		var n uint8
		if n, err = r.u8(); err != nil {
			return Condition{}, err
		}
		c.All = make([]Condition, 0, n)
		for i := 0; i < int(n); i++ {
			r.push("all[%d]", i)
			sub, err := r.condition(depth + 1)
			if err != nil {
				return Condition{}, err
			}
			r.pop()
			c.All = append(c.All, sub)
		}
	case CondNotActive:
		r.push("not")
		var sub Condition
		if sub, err = r.condition(depth + 1); err != nil {
			return Condition{}, err
		}
		r.pop()
		c.Not = &sub
	case CondDeviceMatches:
		c.Pattern, err = r.str()
	default:
		return Condition{}, r.fail("unknown condition kind %d", kind)
	}
	if err != nil {
		return Condition{}, err
	}
	return c, nil
}

// =============================================================================
// Encoding
// =============================================================================

type writer struct {
	buf bytes.Buffer
}

func (w *writer) u8(v uint8) { w.buf.WriteByte(v) }

func (w *writer) u16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

func (w *writer) i64(v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	w.buf.Write(b[:])
}

func (w *writer) str(s string) error {
	if len(s) > MaxStringBytes {
		return fmt.Errorf("keymap: string of %d bytes exceeds %d", len(s), MaxStringBytes)
	}
	w.u16(uint16(len(s)))
	w.buf.WriteString(s)
	return nil
}

func (w *writer) config(cfg *Config) error {
	if err := w.str(cfg.Metadata.Name); err != nil {
		return err
	}
	var ts int64
	if !cfg.Metadata.CompiledAt.IsZero() {
		ts = cfg.Metadata.CompiledAt.Unix()
	}
	w.i64(ts)
	if err := w.str(cfg.Metadata.CompilerVersion); err != nil {
		return err
	}
	if err := w.str(cfg.Metadata.SourceHash); err != nil {
		return err
	}

	w.u16(uint16(len(cfg.Layers)))
	for _, l := range cfg.Layers {
		w.u16(l.ID)
		if err := w.str(l.Name); err != nil {
			return err
		}
		w.u16(uint16(len(l.Entries)))
		for _, k := range l.sortedKeys() {
			w.u16(uint16(k))
			w.action(l.Entries[k])
		}
	}
	return nil
}

func (w *writer) action(a Action) {
	w.u8(uint8(a.Kind))
	switch a.Kind {
	case ActionRemap:
		w.u16(uint16(a.Key))
	case ActionModifier, ActionLock:
		w.u8(a.ID)
	case ActionLayerMomentary, ActionLayerToggle, ActionLayerOneShot:
		w.u16(a.Layer)
	case ActionLayerTap:
		w.u16(a.Layer)
		w.u16(a.ThresholdMs)
		w.action(a.TapAction())
	case ActionTapHold:
		w.u16(a.ThresholdMs)
		w.action(a.TapAction())
		w.action(a.HoldAction())
	case ActionMacro:
		w.u16(uint16(len(a.Macro)))
		for _, s := range a.Macro {
			w.u16(uint16(s.Key))
			w.u8(uint8(s.Kind))
		}
	case ActionModifiedOutput:
		w.u16(uint16(a.Key))
		w.u8(uint8(a.Mods))
	case ActionConditional:
		w.condition(*a.Cond)
		w.action(*a.Then)
		if a.Else == nil {
			w.u8(0)
		} else {
			w.u8(1)
			w.action(*a.Else)
		}
	}
}

func (w *writer) condition(c Condition) {
	w.u8(uint8(c.Kind))
	switch c.Kind {
	case CondModifierActive, CondLockActive:
		w.u8(c.ID)
	case CondAllActive:
		w.u8(uint8(len(c.All)))
		for _, sub := range c.All {
			w.condition(sub)
		}
	case CondNotActive:
		w.condition(*c.Not)
	case CondDeviceMatches:
		// validate() bounds the pattern length.
		_ = w.str(c.Pattern)
	}
}
