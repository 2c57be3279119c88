// Package remap implements the remapping state machine: layer resolution,
// modifier and lock bookkeeping, tap/hold disambiguation and macro
// expansion.
//
// Processing is a pure function of (config, session state, event). The
// processor never reads a clock; every timestamp comes from the caller, so
// the tap/hold logic can be tested with synthetic time.
package remap

import (
	"math/bits"

	"keyrxd/internal/keymap"
	"keyrxd/internal/keys"
)

// MaxHeld bounds the number of simultaneously held keys tracked per
// session. Presses beyond the bound are processed but not tracked.
const MaxHeld = 32

// IDSet is a set of modifier or lock ids (0..254).
type IDSet [4]uint64

func (s *IDSet) Add(id uint8)    { s[id>>6] |= 1 << (id & 63) }
func (s *IDSet) Remove(id uint8) { s[id>>6] &^= 1 << (id & 63) }
func (s *IDSet) Toggle(id uint8) { s[id>>6] ^= 1 << (id & 63) }

func (s IDSet) Has(id uint8) bool { return s[id>>6]&(1<<(id&63)) != 0 }

// Len returns the number of ids in the set.
func (s IDSet) Len() int {
	n := 0
	for _, w := range s {
		n += bits.OnesCount64(w)
	}
	return n
}

// IDs returns the members in ascending order.
func (s IDSet) IDs() []uint8 {
	out := make([]uint8, 0, s.Len())
	for i, w := range s {
		for w != 0 {
			b := bits.TrailingZeros64(w)
			out = append(out, uint8(i*64+b))
			w &^= 1 << b
		}
	}
	return out
}

// pendingTapHold is a tap/hold key waiting for disambiguation.
type pendingTapHold struct {
	key       keys.Key
	action    keymap.Action
	startedAt uint64
	onOneShot bool
}

func (p *pendingTapHold) expired(now uint64) bool {
	return now >= p.startedAt && now-p.startedAt >= uint64(p.action.ThresholdMs)*1000
}

// held records what a press produced so that the matching release undoes
// exactly that, whatever the active layer is by then.
type held struct {
	action  keymap.Action
	outputs []keys.Key
}

type momentaryFrame struct {
	key   keys.Key
	layer uint16
}

// SessionState is the mutable remapping state of one input source. It is
// owned by the processor; callers serialize access to it.
type SessionState struct {
	// DeviceID identifies the input source, for example an evdev node path.
	DeviceID string
	// DeviceName is the human-readable device name matched by
	// device_matches conditions.
	DeviceName string

	Modifiers IDSet
	Locks     IDSet

	toggled   uint16
	momentary []momentaryFrame
	oneShot   uint16
	oneShotOn bool

	pending *pendingTapHold
	pressed map[keys.Key]held
}

// NewSessionState returns the initial state for a device: base layer, no
// modifiers, nothing held.
func NewSessionState(deviceID, deviceName string) *SessionState {
	return &SessionState{
		DeviceID:   deviceID,
		DeviceName: deviceName,
		pressed:    make(map[keys.Key]held, MaxHeld),
	}
}

// CurrentLayer returns the layer used to resolve the next key. An armed
// one-shot layer wins over held momentary layers, which win over the
// toggled layer.
func (s *SessionState) CurrentLayer() uint16 {
	if s.oneShotOn {
		return s.oneShot
	}
	if n := len(s.momentary); n > 0 {
		return s.momentary[n-1].layer
	}
	return s.toggled
}

// ToggledLayer returns the layer selected by toggle actions.
func (s *SessionState) ToggledLayer() uint16 { return s.toggled }

// OneShotLayer returns the armed one-shot layer, if any.
func (s *SessionState) OneShotLayer() (uint16, bool) { return s.oneShot, s.oneShotOn }

// PendingKey returns the key awaiting tap/hold disambiguation.
func (s *SessionState) PendingKey() (keys.Key, bool) {
	if s.pending == nil {
		return keys.None, false
	}
	return s.pending.key, true
}

// HeldKeys returns the number of tracked held keys.
func (s *SessionState) HeldKeys() int { return len(s.pressed) }

// Reset clears all layers, modifiers, locks and held keys. It returns
// releases for every output key still held so nothing stays stuck
// downstream.
func (s *SessionState) Reset(ts uint64) []OutputEvent {
	var out []OutputEvent
	for _, h := range s.pressed {
		for i := len(h.outputs) - 1; i >= 0; i-- {
			out = append(out, OutputEvent{Key: h.outputs[i], Kind: keys.Release, Timestamp: ts})
		}
	}
	*s = SessionState{
		DeviceID:   s.DeviceID,
		DeviceName: s.DeviceName,
		pressed:    make(map[keys.Key]held, MaxHeld),
	}
	return out
}

func (s *SessionState) track(k keys.Key, h held) {
	if s.pressed == nil {
		s.pressed = make(map[keys.Key]held, MaxHeld)
	}
	if _, ok := s.pressed[k]; !ok && len(s.pressed) >= MaxHeld {
		return
	}
	s.pressed[k] = h
}

func (s *SessionState) untrack(k keys.Key) (held, bool) {
	h, ok := s.pressed[k]
	if ok {
		delete(s.pressed, k)
	}
	return h, ok
}

// holdsModifier reports whether a tracked held key still holds modifier id.
func (s *SessionState) holdsModifier(id uint8) bool {
	for _, h := range s.pressed {
		if h.action.Kind == keymap.ActionModifier && h.action.ID == id {
			return true
		}
	}
	return false
}

func (s *SessionState) pushMomentary(k keys.Key, layer uint16) {
	s.momentary = append(s.momentary, momentaryFrame{key: k, layer: layer})
}

func (s *SessionState) popMomentary(k keys.Key) {
	for i := len(s.momentary) - 1; i >= 0; i-- {
		if s.momentary[i].key == k {
			s.momentary = append(s.momentary[:i], s.momentary[i+1:]...)
			return
		}
	}
}
