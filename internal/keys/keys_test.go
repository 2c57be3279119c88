package keys

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Native round-trip
// =============================================================================

func TestEvdevRoundTrip(t *testing.T) {
	for _, k := range All() {
		code, ok := k.Evdev()
		require.True(t, ok, "%s has no evdev code", k)

		back, ok := FromEvdev(code)
		require.True(t, ok)
		assert.Equal(t, k, back, "evdev code %d", code)
	}
}

func TestVirtualKeyRoundTrip(t *testing.T) {
	for _, k := range All() {
		vk, ext, ok := k.VirtualKey()
		require.True(t, ok, "%s has no virtual key", k)

		back, ok := FromVirtualKey(vk, ext)
		require.True(t, ok)
		assert.Equal(t, k, back, "vk 0x%02X ext=%v", vk, ext)
	}
}

func TestScanCodeRoundTrip(t *testing.T) {
	for _, k := range All() {
		sc, ok := k.ScanCode()
		if !ok {
			assert.Equal(t, Pause, k, "only Pause lacks a scan code")
			continue
		}
		back, ok := FromScanCode(sc)
		require.True(t, ok)
		assert.Equal(t, k, back, "scan 0x%04X", sc)
	}
}

func TestNativeRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("evdev codes that map to a key map back to the same code", prop.ForAll(
		func(code int) bool {
			k, ok := FromEvdev(uint16(code))
			if !ok {
				return k == None
			}
			back, ok := k.Evdev()
			if !ok {
				return false
			}
			again, _ := FromEvdev(back)
			return again == k
		},
		gen.IntRange(0, 0x3FF),
	))

	properties.Property("virtual keys that map to a key map back to the same key", prop.ForAll(
		func(vk int, ext bool) bool {
			k, ok := FromVirtualKey(uint16(vk), ext)
			if !ok {
				return k == None
			}
			v, e, ok := k.VirtualKey()
			if !ok {
				return false
			}
			again, _ := FromVirtualKey(v, e)
			return again == k
		},
		gen.IntRange(0, 0x1FF),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// =============================================================================
// Unmapped codes and aliases
// =============================================================================

func TestUnmappedCodes(t *testing.T) {
	k, ok := FromEvdev(0)
	assert.False(t, ok)
	assert.Equal(t, None, k)

	_, ok = FromEvdev(0xFFFF)
	assert.False(t, ok)

	_, ok = FromVirtualKey(0x07, false)
	assert.False(t, ok)

	_, ok = FromVirtualKey(0x1234, false)
	assert.False(t, ok)

	_, ok = None.Evdev()
	assert.False(t, ok)
}

func TestVirtualKeyAliases(t *testing.T) {
	k, ok := FromVirtualKey(0x10, false)
	require.True(t, ok)
	assert.Equal(t, LeftShift, k)

	k, ok = FromVirtualKey(0x0D, false)
	require.True(t, ok)
	assert.Equal(t, Enter, k)

	k, ok = FromVirtualKey(0x0D, true)
	require.True(t, ok)
	assert.Equal(t, KpEnter, k)

	// The extended bit only matters where it disambiguates.
	k, ok = FromVirtualKey(0x26, true)
	require.True(t, ok)
	assert.Equal(t, Up, k)
}

func TestExtendedScanCodes(t *testing.T) {
	sc, ok := RightCtrl.ScanCode()
	require.True(t, ok)
	assert.Equal(t, uint16(0xE01D), sc)

	_, ext, _ := RightCtrl.VirtualKey()
	assert.True(t, ext)

	_, ext, _ = LeftCtrl.VirtualKey()
	assert.False(t, ext)
}

// =============================================================================
// Names
// =============================================================================

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Key
	}{
		{"A", A},
		{"a", A},
		{"KEY_A", A},
		{"VK_ESCAPE", Escape},
		{"esc", Escape},
		{"LeftShift", LeftShift},
		{"KEY_LEFTSHIFT", LeftShift},
		{"lwin", LeftMeta},
		{"1", Digit1},
		{"KEY_1", Digit1},
		{" CapsLock ", CapsLock},
		{"kp7", Kp7},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := Parse(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseUnknown(t *testing.T) {
	_, err := Parse("NotAKey")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestStringParseRoundTrip(t *testing.T) {
	for _, k := range All() {
		got, err := Parse(k.String())
		require.NoError(t, err, k.String())
		assert.Equal(t, k, got)
	}
}

func TestTextMarshaling(t *testing.T) {
	b, err := CapsLock.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "CapsLock", string(b))

	var k Key
	require.NoError(t, k.UnmarshalText([]byte("escape")))
	assert.Equal(t, Escape, k)

	var kind Kind
	require.NoError(t, kind.UnmarshalText([]byte("release")))
	assert.Equal(t, Release, kind)
	assert.Error(t, kind.UnmarshalText([]byte("hold")))
}

func TestIsModifier(t *testing.T) {
	assert.True(t, LeftShift.IsModifier())
	assert.True(t, RightMeta.IsModifier())
	assert.False(t, CapsLock.IsModifier())
	assert.False(t, A.IsModifier())
}

func TestInvalidKeyString(t *testing.T) {
	assert.Equal(t, "None", None.String())
	assert.Equal(t, "Key(9999)", Key(9999).String())
	assert.False(t, Key(9999).Valid())
}
