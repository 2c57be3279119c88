package keymap

import (
	"fmt"
	"path"

	"keyrxd/internal/keys"
)

// Validate checks the structural invariants every Config must satisfy.
// Load runs it on every decoded keymap; builders can run it early.
func Validate(cfg *Config) error {
	return validate(cfg)
}

func validate(cfg *Config) error {
	if cfg == nil {
		return corrupted("", "nil config")
	}
	if len(cfg.Layers) == 0 {
		return corrupted("layers", "base layer missing")
	}
	if len(cfg.Layers) > MaxLayers {
		return corrupted("layers", "%d layers exceeds limit %d", len(cfg.Layers), MaxLayers)
	}
	for _, s := range []string{cfg.Metadata.Name, cfg.Metadata.CompilerVersion, cfg.Metadata.SourceHash} {
		if len(s) > MaxStringBytes {
			return corrupted("metadata", "string of %d bytes exceeds %d", len(s), MaxStringBytes)
		}
	}

	v := validator{layers: len(cfg.Layers)}
	for i, l := range cfg.Layers {
		loc := fmt.Sprintf("layer[%d]", i)
		if int(l.ID) != i {
			return corrupted(loc, "layer id %d does not match position", l.ID)
		}
		if len(l.Name) > MaxStringBytes {
			return corrupted(loc, "name exceeds %d bytes", MaxStringBytes)
		}
		if len(l.Entries) > 0xFFFF {
			return corrupted(loc, "too many bindings")
		}
		for j, k := range l.sortedKeys() {
			eloc := fmt.Sprintf("%s.entry[%d]", loc, j)
			if !k.Valid() {
				return corrupted(eloc, "invalid key %d", uint16(k))
			}
			if err := v.action(eloc, l.Entries[k], 0); err != nil {
				return err
			}
		}
	}
	return nil
}

type validator struct {
	layers int
}

func (v validator) layer(loc string, id uint16) error {
	if int(id) >= v.layers {
		return corrupted(loc, "reference to undefined layer %d", id)
	}
	return nil
}

func (v validator) action(loc string, a Action, depth int) error {
	if depth > MaxNesting {
		return corrupted(loc, "actions nested deeper than %d", MaxNesting)
	}
	if a.Kind >= actionKindCount {
		return corrupted(loc, "unknown action kind %d", uint8(a.Kind))
	}

	switch a.Kind {
	case ActionRemap:
		if !a.Key.Valid() {
			return corrupted(loc, "remap to invalid key %d", uint16(a.Key))
		}
	case ActionModifier, ActionLock:
		if a.ID > MaxModifierID {
			return corrupted(loc, "%s id %d exceeds %d", a.Kind, a.ID, MaxModifierID)
		}
	case ActionLayerMomentary, ActionLayerToggle, ActionLayerOneShot:
		return v.layer(loc, a.Layer)
	case ActionLayerTap:
		if err := v.layer(loc, a.Layer); err != nil {
			return err
		}
		if a.ThresholdMs == 0 {
			return corrupted(loc, "tap/hold threshold must be positive")
		}
		return v.tapHoldPart(loc+".tap", a.Tap, depth)
	case ActionTapHold:
		if a.ThresholdMs == 0 {
			return corrupted(loc, "tap/hold threshold must be positive")
		}
		if err := v.tapHoldPart(loc+".tap", a.Tap, depth); err != nil {
			return err
		}
		return v.tapHoldPart(loc+".hold", a.Hold, depth)
	case ActionMacro:
		if len(a.Macro) > MaxMacroSteps {
			return corrupted(loc, "macro has %d steps, limit %d", len(a.Macro), MaxMacroSteps)
		}
		for i, s := range a.Macro {
			if !s.Key.Valid() {
				return corrupted(fmt.Sprintf("%s.step[%d]", loc, i), "invalid key %d", uint16(s.Key))
			}
			if s.Kind > keys.Release {
				return corrupted(fmt.Sprintf("%s.step[%d]", loc, i), "invalid event kind %d", uint8(s.Kind))
			}
		}
	case ActionModifiedOutput:
		if !a.Key.Valid() {
			return corrupted(loc, "invalid key %d", uint16(a.Key))
		}
		if a.Mods&^modMask != 0 {
			return corrupted(loc, "unknown modifier bits 0x%x", uint8(a.Mods))
		}
	case ActionConditional:
		if a.Cond == nil || a.Then == nil {
			return corrupted(loc, "conditional requires a condition and a then action")
		}
		if err := v.condition(loc+".condition", *a.Cond, depth); err != nil {
			return err
		}
		if err := v.action(loc+".then", *a.Then, depth+1); err != nil {
			return err
		}
		if a.Else != nil {
			return v.action(loc+".else", *a.Else, depth+1)
		}
	}
	return nil
}

// tapHoldPart validates the tap or hold half of a tap/hold binding. Both
// halves must resolve immediately, so nested disambiguation is rejected.
func (v validator) tapHoldPart(loc string, a *Action, depth int) error {
	if a == nil {
		return corrupted(loc, "missing action")
	}
	if a.IsTapHold() || a.Kind == ActionConditional {
		return corrupted(loc, "%s cannot be nested inside a tap/hold", a.Kind)
	}
	return v.action(loc, *a, depth+1)
}

func (v validator) condition(loc string, c Condition, depth int) error {
	if depth > MaxNesting {
		return corrupted(loc, "conditions nested deeper than %d", MaxNesting)
	}
	switch c.Kind {
	case CondModifierActive, CondLockActive:
		if c.ID > MaxModifierID {
			return corrupted(loc, "id %d exceeds %d", c.ID, MaxModifierID)
		}
	case CondAllActive:
		if len(c.All) == 0 || len(c.All) > 0xFF {
			return corrupted(loc, "all_active needs 1..255 conditions, has %d", len(c.All))
		}
		for i, sub := range c.All {
			if err := v.condition(fmt.Sprintf("%s.all[%d]", loc, i), sub, depth+1); err != nil {
				return err
			}
		}
	case CondNotActive:
		if c.Not == nil {
			return corrupted(loc, "not_active without operand")
		}
		return v.condition(loc+".not", *c.Not, depth+1)
	case CondDeviceMatches:
		if len(c.Pattern) > MaxStringBytes {
			return corrupted(loc, "pattern exceeds %d bytes", MaxStringBytes)
		}
		if _, err := path.Match(c.Pattern, ""); err != nil {
			return corrupted(loc, "bad device pattern %q: %v", c.Pattern, err)
		}
	default:
		return corrupted(loc, "unknown condition kind %d", uint8(c.Kind))
	}
	return nil
}
