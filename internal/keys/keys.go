// Package keys defines the platform-independent key identities used by
// keyrxd and their mapping to the native code spaces of each backend.
//
// Every native code either maps to exactly one Key or is unmapped. Lookups
// are table driven and never allocate.
package keys

import (
	"errors"
	"fmt"
	"strings"
)

// Key is a platform-independent key identity.
type Key uint16

// None is the explicit "unmapped" identity.
const None Key = 0

// Key identities. The numeric values are part of the binary keymap format;
// append new keys at the end only.
const (
	Escape Key = iota + 1
	Digit1
	Digit2
	Digit3
	Digit4
	Digit5
	Digit6
	Digit7
	Digit8
	Digit9
	Digit0
	Minus
	Equal
	Backspace
	Tab
	Q
	W
	E
	R
	T
	Y
	U
	I
	O
	P
	LeftBrace
	RightBrace
	Enter
	LeftCtrl
	A
	S
	D
	F
	G
	H
	J
	K
	L
	Semicolon
	Apostrophe
	Grave
	LeftShift
	Backslash
	Z
	X
	C
	V
	B
	N
	M
	Comma
	Dot
	Slash
	RightShift
	KpAsterisk
	LeftAlt
	Space
	CapsLock
	F1
	F2
	F3
	F4
	F5
	F6
	F7
	F8
	F9
	F10
	NumLock
	ScrollLock
	Kp7
	Kp8
	Kp9
	KpMinus
	Kp4
	Kp5
	Kp6
	KpPlus
	Kp1
	Kp2
	Kp3
	Kp0
	KpDot
	NonUSBackslash
	F11
	F12
	KpEnter
	RightCtrl
	KpSlash
	PrintScreen
	RightAlt
	Home
	Up
	PageUp
	Left
	Right
	End
	Down
	PageDown
	Insert
	Delete
	Mute
	VolumeDown
	VolumeUp
	Pause
	LeftMeta
	RightMeta
	Menu
	F13
	F14
	F15
	F16
	F17
	F18
	F19
	F20
	F21
	F22
	F23
	F24
	MediaNext
	MediaPlayPause
	MediaPrev
	MediaStop

	keyCount
)

// ErrUnknownKey is returned by Parse for names that do not name a key.
var ErrUnknownKey = errors.New("keys: unknown key")

// Count returns the number of defined identities, including None.
func Count() int {
	return int(keyCount)
}

// Valid reports whether k is a defined identity other than None.
func (k Key) Valid() bool {
	return k > None && k < keyCount
}

// String returns the canonical name of the key.
func (k Key) String() string {
	if !k.Valid() {
		if k == None {
			return "None"
		}
		return fmt.Sprintf("Key(%d)", uint16(k))
	}
	return infoByKey[k].name
}

// IsModifier reports whether k is one of the eight physical modifier keys.
func (k Key) IsModifier() bool {
	switch k {
	case LeftCtrl, RightCtrl, LeftShift, RightShift, LeftAlt, RightAlt, LeftMeta, RightMeta:
		return true
	}
	return false
}

// Parse resolves a key name. Matching is case-insensitive and accepts the
// KEY_ and VK_ prefixes used by evdev and Windows documentation.
func Parse(name string) (Key, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.TrimPrefix(n, "key_")
	n = strings.TrimPrefix(n, "vk_")
	if k, ok := byName[n]; ok {
		return k, nil
	}
	return None, fmt.Errorf("%w: %q", ErrUnknownKey, name)
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// All returns every valid identity in numeric order.
func All() []Key {
	out := make([]Key, 0, keyCount-1)
	for k := Key(1); k < keyCount; k++ {
		out = append(out, k)
	}
	return out
}

// Kind distinguishes key presses from releases.
type Kind uint8

const (
	Press Kind = iota
	Release
)

func (k Kind) String() string {
	if k == Release {
		return "release"
	}
	return "press"
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "press", "down":
		*k = Press
	case "release", "up":
		*k = Release
	default:
		return fmt.Errorf("keys: unknown event kind %q", text)
	}
	return nil
}

// Event is a single key transition. Timestamp is monotonic microseconds
// supplied by the capture backend.
type Event struct {
	Key       Key    `json:"key"`
	Kind      Kind   `json:"kind"`
	Timestamp uint64 `json:"timestamp_us"`
}

// PressAt returns a press event at the given timestamp.
func PressAt(k Key, us uint64) Event {
	return Event{Key: k, Kind: Press, Timestamp: us}
}

// ReleaseAt returns a release event at the given timestamp.
func ReleaseAt(k Key, us uint64) Event {
	return Event{Key: k, Kind: Release, Timestamp: us}
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s @%dus", e.Key, e.Kind, e.Timestamp)
}
