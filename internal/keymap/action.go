package keymap

import (
	"fmt"
	"strings"

	"keyrxd/internal/keys"
)

// ActionKind identifies the variant held by an Action. The values are
// part of the binary format.
type ActionKind uint8

const (
	ActionNoOp ActionKind = iota
	ActionRemap
	ActionModifier
	ActionLock
	ActionLayerMomentary
	ActionLayerToggle
	ActionLayerOneShot
	ActionLayerTap
	ActionTapHold
	ActionMacro
	ActionModifiedOutput
	ActionConditional

	actionKindCount
)

var actionKindNames = [...]string{
	ActionNoOp:           "noop",
	ActionRemap:          "remap",
	ActionModifier:       "modifier",
	ActionLock:           "lock",
	ActionLayerMomentary: "layer_momentary",
	ActionLayerToggle:    "layer_toggle",
	ActionLayerOneShot:   "layer_oneshot",
	ActionLayerTap:       "layer_tap",
	ActionTapHold:        "tap_hold",
	ActionMacro:          "macro",
	ActionModifiedOutput: "modified_output",
	ActionConditional:    "conditional",
}

func (k ActionKind) String() string {
	if k < actionKindCount {
		return actionKindNames[k]
	}
	return fmt.Sprintf("action(%d)", uint8(k))
}

// ParseActionKind resolves the name used in keymap sources.
func ParseActionKind(s string) (ActionKind, bool) {
	s = strings.ToLower(s)
	for i, name := range actionKindNames {
		if name == s {
			return ActionKind(i), true
		}
	}
	return 0, false
}

// Limits enforced by the loader.
const (
	// MaxModifierID is the largest usable modifier or lock id; 0xFF is
	// reserved.
	MaxModifierID = 0xFE

	MaxLayers      = 255
	MaxMacroSteps  = 256
	MaxNesting     = 4
	MaxStringBytes = 1024

	// DefaultThresholdMs is used for LayerTap bindings that do not set a
	// threshold of their own.
	DefaultThresholdMs = 200
)

// OutputMods is a set of standard modifiers held around a ModifiedOutput key.
type OutputMods uint8

const (
	ModShift OutputMods = 1 << iota
	ModCtrl
	ModAlt
	ModWin

	modMask = ModShift | ModCtrl | ModAlt | ModWin
)

// Keys returns the modifier keys in press order.
func (m OutputMods) Keys() []keys.Key {
	out := make([]keys.Key, 0, 4)
	if m&ModShift != 0 {
		out = append(out, keys.LeftShift)
	}
	if m&ModCtrl != 0 {
		out = append(out, keys.LeftCtrl)
	}
	if m&ModAlt != 0 {
		out = append(out, keys.LeftAlt)
	}
	if m&ModWin != 0 {
		out = append(out, keys.LeftMeta)
	}
	return out
}

// MacroStep is one pre-recorded output event.
type MacroStep struct {
	Key  keys.Key  `json:"key"`
	Kind keys.Kind `json:"kind"`
}

// Action is what a key does on a given layer. Only the fields relevant to
// Kind are meaningful. Actions are immutable once loaded.
type Action struct {
	Kind ActionKind

	Key         keys.Key   // Remap, ModifiedOutput
	ID          uint8      // Modifier, Lock
	Layer       uint16     // LayerMomentary, LayerToggle, LayerOneShot, LayerTap
	Mods        OutputMods // ModifiedOutput
	ThresholdMs uint16     // TapHold, LayerTap

	Tap  *Action // TapHold, LayerTap
	Hold *Action // TapHold

	Macro []MacroStep

	Cond *Condition // Conditional
	Then *Action
	Else *Action
}

func NoOp() Action { return Action{Kind: ActionNoOp} }

func Remap(k keys.Key) Action { return Action{Kind: ActionRemap, Key: k} }

func Modifier(id uint8) Action { return Action{Kind: ActionModifier, ID: id} }

func Lock(id uint8) Action { return Action{Kind: ActionLock, ID: id} }

func LayerMomentary(layer uint16) Action { return Action{Kind: ActionLayerMomentary, Layer: layer} }

func LayerToggle(layer uint16) Action { return Action{Kind: ActionLayerToggle, Layer: layer} }

func LayerOneShot(layer uint16) Action { return Action{Kind: ActionLayerOneShot, Layer: layer} }

// LayerTap taps as tap and holds as a momentary switch to layer.
func LayerTap(layer uint16, tap Action, thresholdMs uint16) Action {
	if thresholdMs == 0 {
		thresholdMs = DefaultThresholdMs
	}
	return Action{Kind: ActionLayerTap, Layer: layer, Tap: &tap, ThresholdMs: thresholdMs}
}

func TapHold(tap, hold Action, thresholdMs uint16) Action {
	return Action{Kind: ActionTapHold, Tap: &tap, Hold: &hold, ThresholdMs: thresholdMs}
}

func Macro(steps ...MacroStep) Action {
	return Action{Kind: ActionMacro, Macro: steps}
}

func ModifiedOutput(k keys.Key, mods OutputMods) Action {
	return Action{Kind: ActionModifiedOutput, Key: k, Mods: mods}
}

// Conditional selects then when cond holds at press time, else otherwise.
// A nil otherwise passes the key through.
func Conditional(cond Condition, then Action, otherwise *Action) Action {
	return Action{Kind: ActionConditional, Cond: &cond, Then: &then, Else: otherwise}
}

// HoldAction returns the action committed when a tap/hold key is held.
// For LayerTap this is a momentary switch to its layer.
func (a Action) HoldAction() Action {
	switch a.Kind {
	case ActionTapHold:
		if a.Hold != nil {
			return *a.Hold
		}
	case ActionLayerTap:
		return LayerMomentary(a.Layer)
	}
	return NoOp()
}

// TapAction returns the action emitted when a tap/hold key is tapped.
func (a Action) TapAction() Action {
	if a.Tap != nil {
		return *a.Tap
	}
	return NoOp()
}

// IsTapHold reports whether a needs tap/hold disambiguation.
func (a Action) IsTapHold() bool {
	return a.Kind == ActionTapHold || a.Kind == ActionLayerTap
}

func (a Action) String() string {
	switch a.Kind {
	case ActionRemap:
		return fmt.Sprintf("remap(%s)", a.Key)
	case ActionModifier, ActionLock:
		return fmt.Sprintf("%s(%d)", a.Kind, a.ID)
	case ActionLayerMomentary, ActionLayerToggle, ActionLayerOneShot:
		return fmt.Sprintf("%s(%d)", a.Kind, a.Layer)
	case ActionLayerTap:
		return fmt.Sprintf("layer_tap(%d, %s, %dms)", a.Layer, a.TapAction(), a.ThresholdMs)
	case ActionTapHold:
		return fmt.Sprintf("tap_hold(%s, %s, %dms)", a.TapAction(), a.HoldAction(), a.ThresholdMs)
	case ActionMacro:
		return fmt.Sprintf("macro(%d steps)", len(a.Macro))
	case ActionModifiedOutput:
		return fmt.Sprintf("modified_output(%s, 0x%x)", a.Key, uint8(a.Mods))
	case ActionConditional:
		return "conditional"
	}
	return a.Kind.String()
}

// Equal reports deep equality of two actions.
func (a Action) Equal(b Action) bool {
	if a.Kind != b.Kind || a.Key != b.Key || a.ID != b.ID || a.Layer != b.Layer ||
		a.Mods != b.Mods || a.ThresholdMs != b.ThresholdMs || len(a.Macro) != len(b.Macro) {
		return false
	}
	for i := range a.Macro {
		if a.Macro[i] != b.Macro[i] {
			return false
		}
	}
	if !equalPtr(a.Tap, b.Tap) || !equalPtr(a.Hold, b.Hold) ||
		!equalPtr(a.Then, b.Then) || !equalPtr(a.Else, b.Else) {
		return false
	}
	if (a.Cond == nil) != (b.Cond == nil) {
		return false
	}
	return a.Cond == nil || a.Cond.Equal(*b.Cond)
}

func equalPtr(a, b *Action) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
