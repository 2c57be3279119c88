package remap

import (
	"fmt"
	"path"

	"keyrxd/internal/keymap"
	"keyrxd/internal/keys"
)

// OutputEvent is a key event to inject downstream. Timestamp is the
// timestamp of the input event (or tick) that produced it.
type OutputEvent struct {
	Key       keys.Key  `json:"key"`
	Kind      keys.Kind `json:"kind"`
	Timestamp uint64    `json:"timestamp_us"`
}

func (o OutputEvent) String() string {
	return fmt.Sprintf("%s %s", o.Key, o.Kind)
}

// Process runs one input event through the state machine and returns the
// output events in injection order. It mutates st and never blocks.
func Process(cfg *keymap.Config, st *SessionState, ev keys.Event) []OutputEvent {
	p := processor{cfg: cfg, st: st, ts: ev.Timestamp}
	if ev.Kind == keys.Press {
		p.press(ev.Key)
	} else {
		p.release(ev.Key)
	}
	return p.out
}

// Tick commits a pending tap/hold whose threshold has elapsed at now,
// emitting the hold action's press. Callers invoke it periodically.
func Tick(cfg *keymap.Config, st *SessionState, now uint64) []OutputEvent {
	if st.pending == nil || !st.pending.expired(now) {
		return nil
	}
	p := processor{cfg: cfg, st: st, ts: now}
	p.commitHold()
	return p.out
}

type processor struct {
	cfg *keymap.Config
	st  *SessionState
	ts  uint64
	out []OutputEvent
}

func (p *processor) emit(k keys.Key, kind keys.Kind) {
	p.out = append(p.out, OutputEvent{Key: k, Kind: kind, Timestamp: p.ts})
}

func (p *processor) press(k keys.Key) {
	st := p.st

	// Key repeat: a press for a key already down.
	if pend := st.pending; pend != nil && pend.key == k {
		return
	}
	if h, ok := st.pressed[k]; ok {
		if h.action.Kind == keymap.ActionRemap && len(h.outputs) > 0 {
			p.emit(h.outputs[0], keys.Press)
		}
		return
	}

	// Another key going down while a tap/hold is undecided means the user
	// is holding it.
	if st.pending != nil {
		p.commitHold()
	}

	a := p.resolveConditional(k, p.cfg.Resolve(st.CurrentLayer(), k))

	if a.IsTapHold() {
		// An armed one-shot layer is consumed or kept once the side is known.
		st.pending = &pendingTapHold{key: k, action: a, startedAt: p.ts, onOneShot: st.oneShotOn}
		return
	}

	consumesOneShot := st.oneShotOn && !isModifierLike(a)
	st.track(k, p.activate(k, a))
	if consumesOneShot {
		st.oneShotOn = false
	}
}

func (p *processor) release(k keys.Key) {
	st := p.st

	if pend := st.pending; pend != nil && pend.key == k {
		st.pending = nil
		side := pend.action.TapAction()
		if pend.expired(p.ts) {
			side = pend.action.HoldAction()
		}
		p.settleOneShot(pend, side)
		p.deactivate(k, p.activate(k, side))
		return
	}

	h, ok := st.untrack(k)
	if !ok {
		// Pressed before this session started tracking it, or beyond
		// MaxHeld. Release whatever the key maps to now.
		if a := p.cfg.Resolve(st.CurrentLayer(), k); a.Kind == keymap.ActionRemap {
			p.emit(a.Key, keys.Release)
		}
		return
	}
	p.deactivate(k, h)
}

// commitHold resolves the pending tap/hold as a hold: the hold action is
// pressed now and released with the key.
func (p *processor) commitHold() {
	pend := p.st.pending
	p.st.pending = nil
	hold := pend.action.HoldAction()
	p.settleOneShot(pend, hold)
	p.st.track(pend.key, p.activate(pend.key, hold))
}

// settleOneShot disarms the one-shot layer a tap/hold was pressed on
// unless the side it resolved to is modifier-like.
func (p *processor) settleOneShot(pend *pendingTapHold, side keymap.Action) {
	if pend.onOneShot && p.st.oneShotOn && !isModifierLike(side) {
		p.st.oneShotOn = false
	}
}

// activate applies the press side of a (non tap/hold) action.
func (p *processor) activate(k keys.Key, a keymap.Action) held {
	st := p.st
	h := held{action: a}

	switch a.Kind {
	case keymap.ActionRemap:
		p.emit(a.Key, keys.Press)
		h.outputs = []keys.Key{a.Key}
	case keymap.ActionModifier:
		st.Modifiers.Add(a.ID)
	case keymap.ActionLock:
		st.Locks.Toggle(a.ID)
	case keymap.ActionLayerMomentary:
		st.pushMomentary(k, a.Layer)
	case keymap.ActionLayerToggle:
		if st.toggled == a.Layer {
			st.toggled = keymap.BaseLayer
		} else {
			st.toggled = a.Layer
		}
	case keymap.ActionLayerOneShot:
		st.oneShot = a.Layer
		st.oneShotOn = true
	case keymap.ActionMacro:
		for _, step := range a.Macro {
			p.emit(step.Key, step.Kind)
		}
	case keymap.ActionModifiedOutput:
		mods := a.Mods.Keys()
		for _, m := range mods {
			p.emit(m, keys.Press)
		}
		p.emit(a.Key, keys.Press)
		h.outputs = append(mods, a.Key)
	case keymap.ActionLayerTap, keymap.ActionTapHold:
		// Nested tap/hold is rejected by the loader; treat the tap side
		// as immediate if one slips through.
		return p.activate(k, a.TapAction())
	}
	return h
}

// deactivate applies the release side of whatever activate produced.
func (p *processor) deactivate(k keys.Key, h held) {
	for i := len(h.outputs) - 1; i >= 0; i-- {
		p.emit(h.outputs[i], keys.Release)
	}
	switch h.action.Kind {
	case keymap.ActionModifier:
		if !p.st.holdsModifier(h.action.ID) {
			p.st.Modifiers.Remove(h.action.ID)
		}
	case keymap.ActionLayerMomentary:
		p.st.popMomentary(k)
	}
}

// resolveConditional picks the branch of a conditional action for the
// current state. A conditional with no matching branch passes k through.
func (p *processor) resolveConditional(k keys.Key, a keymap.Action) keymap.Action {
	for depth := 0; a.Kind == keymap.ActionConditional; depth++ {
		if depth > keymap.MaxNesting {
			return keymap.Remap(k)
		}
		switch {
		case Evaluate(*a.Cond, p.st):
			a = *a.Then
		case a.Else != nil:
			a = *a.Else
		default:
			return keymap.Remap(k)
		}
	}
	return a
}

// Evaluate reports whether c holds for st.
func Evaluate(c keymap.Condition, st *SessionState) bool {
	switch c.Kind {
	case keymap.CondModifierActive:
		return st.Modifiers.Has(c.ID)
	case keymap.CondLockActive:
		return st.Locks.Has(c.ID)
	case keymap.CondAllActive:
		for _, sub := range c.All {
			if !Evaluate(sub, st) {
				return false
			}
		}
		return len(c.All) > 0
	case keymap.CondNotActive:
		return c.Not != nil && !Evaluate(*c.Not, st)
	case keymap.CondDeviceMatches:
		for _, name := range []string{st.DeviceName, st.DeviceID} {
			if ok, _ := path.Match(c.Pattern, name); ok {
				return true
			}
		}
	}
	return false
}

// isModifierLike reports whether a key bound to a leaves an armed one-shot
// layer armed.
func isModifierLike(a keymap.Action) bool {
	switch a.Kind {
	case keymap.ActionModifier, keymap.ActionLock,
		keymap.ActionLayerMomentary, keymap.ActionLayerToggle, keymap.ActionLayerOneShot:
		return true
	case keymap.ActionRemap:
		return a.Key.IsModifier()
	}
	return false
}
