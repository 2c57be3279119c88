package remap

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyrxd/internal/keymap"
	"keyrxd/internal/keys"
)

// Test helpers

func down(k keys.Key, ms uint64) keys.Event { return keys.PressAt(k, ms*1000) }
func up(k keys.Key, ms uint64) keys.Event   { return keys.ReleaseAt(k, ms*1000) }

func pressOut(k keys.Key) OutputEvent   { return OutputEvent{Key: k, Kind: keys.Press} }
func releaseOut(k keys.Key) OutputEvent { return OutputEvent{Key: k, Kind: keys.Release} }

// strip drops timestamps so expectations can focus on order and content.
func strip(out []OutputEvent) []OutputEvent {
	res := make([]OutputEvent, 0, len(out))
	for _, o := range out {
		res = append(res, OutputEvent{Key: o.Key, Kind: o.Kind})
	}
	return res
}

func run(cfg *keymap.Config, st *SessionState, events ...keys.Event) []OutputEvent {
	var out []OutputEvent
	for _, ev := range events {
		out = append(out, Process(cfg, st, ev)...)
	}
	return strip(out)
}

const (
	navLayer uint16 = 1
	symLayer uint16 = 2
)

func testConfig() *keymap.Config {
	cfg := keymap.NewConfig("test")
	cfg.AddLayer("nav")
	cfg.AddLayer("sym")

	cfg.Bind(keymap.BaseLayer, keys.A, keymap.TapHold(keymap.Remap(keys.X), keymap.Remap(keys.Y), 200))
	cfg.Bind(keymap.BaseLayer, keys.Q, keymap.Remap(keys.W))
	cfg.Bind(keymap.BaseLayer, keys.Space, keymap.LayerTap(navLayer, keymap.Remap(keys.Space), 200))
	cfg.Bind(keymap.BaseLayer, keys.RightAlt, keymap.LayerMomentary(navLayer))
	cfg.Bind(keymap.BaseLayer, keys.F1, keymap.LayerToggle(navLayer))
	cfg.Bind(keymap.BaseLayer, keys.F2, keymap.LayerOneShot(symLayer))
	cfg.Bind(keymap.BaseLayer, keys.LeftMeta, keymap.Modifier(3))
	cfg.Bind(keymap.BaseLayer, keys.ScrollLock, keymap.Lock(1))
	cfg.Bind(keymap.BaseLayer, keys.Insert, keymap.NoOp())
	cfg.Bind(keymap.BaseLayer, keys.F3, keymap.Macro(
		keymap.MacroStep{Key: keys.H, Kind: keys.Press},
		keymap.MacroStep{Key: keys.H, Kind: keys.Release},
		keymap.MacroStep{Key: keys.I, Kind: keys.Press},
		keymap.MacroStep{Key: keys.I, Kind: keys.Release},
	))
	cfg.Bind(keymap.BaseLayer, keys.F4, keymap.ModifiedOutput(keys.C, keymap.ModShift|keymap.ModCtrl))

	otherwise := keymap.Remap(keys.Digit2)
	cfg.Bind(keymap.BaseLayer, keys.F5, keymap.Conditional(keymap.ModifierActive(3), keymap.Remap(keys.Digit1), &otherwise))
	cfg.Bind(keymap.BaseLayer, keys.F6, keymap.Conditional(keymap.LockActive(1), keymap.Remap(keys.Digit3), nil))
	cfg.Bind(keymap.BaseLayer, keys.F7, keymap.Conditional(keymap.DeviceMatches("*Logitech*"), keymap.Remap(keys.Digit4), nil))

	cfg.Bind(navLayer, keys.H, keymap.Remap(keys.Left))
	cfg.Bind(navLayer, keys.J, keymap.Remap(keys.Down))

	cfg.Bind(symLayer, keys.H, keymap.ModifiedOutput(keys.Digit1, keymap.ModShift))
	return cfg
}

// =============================================================================
// Tap/hold
// =============================================================================

func TestTapHoldUnderThreshold(t *testing.T) {
	cfg, st := testConfig(), NewSessionState("dev", "kbd")

	assert.Empty(t, Process(cfg, st, down(keys.A, 0)))
	_, pending := st.PendingKey()
	assert.True(t, pending)

	out := run(cfg, st, up(keys.A, 150))
	assert.Equal(t, []OutputEvent{pressOut(keys.X), releaseOut(keys.X)}, out)
	_, pending = st.PendingKey()
	assert.False(t, pending)
}

func TestTapHoldOverThresholdWithTick(t *testing.T) {
	cfg, st := testConfig(), NewSessionState("dev", "kbd")

	assert.Empty(t, Process(cfg, st, down(keys.A, 0)))
	assert.Empty(t, Tick(cfg, st, 199_999))

	out := strip(Tick(cfg, st, 200_000))
	assert.Equal(t, []OutputEvent{pressOut(keys.Y)}, out)
	assert.Empty(t, Tick(cfg, st, 300_000), "hold commits once")

	out = run(cfg, st, up(keys.A, 250))
	assert.Equal(t, []OutputEvent{releaseOut(keys.Y)}, out)
}

func TestTapHoldOverThresholdWithoutTick(t *testing.T) {
	cfg, st := testConfig(), NewSessionState("dev", "kbd")

	out := run(cfg, st, down(keys.A, 0), up(keys.A, 250))
	assert.Equal(t, []OutputEvent{pressOut(keys.Y), releaseOut(keys.Y)}, out)
}

func TestTapHoldExactThresholdIsHold(t *testing.T) {
	cfg, st := testConfig(), NewSessionState("dev", "kbd")

	out := run(cfg, st, down(keys.A, 0), up(keys.A, 200))
	assert.Equal(t, []OutputEvent{pressOut(keys.Y), releaseOut(keys.Y)}, out)
}

func TestInterruptCommitsHold(t *testing.T) {
	cfg, st := testConfig(), NewSessionState("dev", "kbd")

	assert.Empty(t, Process(cfg, st, down(keys.A, 0)))

	out := run(cfg, st, down(keys.Q, 50))
	assert.Equal(t, []OutputEvent{pressOut(keys.Y), pressOut(keys.W)}, out)

	out = run(cfg, st, up(keys.Q, 60), up(keys.A, 70))
	assert.Equal(t, []OutputEvent{releaseOut(keys.W), releaseOut(keys.Y)}, out)
}

func TestReleaseOfOtherKeyDoesNotCommit(t *testing.T) {
	cfg, st := testConfig(), NewSessionState("dev", "kbd")

	run(cfg, st, down(keys.Q, 0))
	run(cfg, st, down(keys.A, 10))

	out := run(cfg, st, up(keys.Q, 20))
	assert.Equal(t, []OutputEvent{releaseOut(keys.W)}, out)

	out = run(cfg, st, up(keys.A, 50))
	assert.Equal(t, []OutputEvent{pressOut(keys.X), releaseOut(keys.X)}, out)
}

func TestLayerTap(t *testing.T) {
	cfg, st := testConfig(), NewSessionState("dev", "kbd")

	out := run(cfg, st, down(keys.Space, 0), up(keys.Space, 100))
	assert.Equal(t, []OutputEvent{pressOut(keys.Space), releaseOut(keys.Space)}, out)

	// Holding Space and pressing H uses the nav layer.
	out = run(cfg, st, down(keys.Space, 1000), down(keys.H, 1050))
	assert.Equal(t, []OutputEvent{pressOut(keys.Left)}, out)
	assert.Equal(t, navLayer, st.CurrentLayer())

	out = run(cfg, st, up(keys.Space, 1100), up(keys.H, 1120))
	assert.Equal(t, []OutputEvent{releaseOut(keys.Left)}, out)
	assert.Equal(t, keymap.BaseLayer, st.CurrentLayer())
}

func TestTapHoldThresholdProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("release before threshold taps, otherwise holds", prop.ForAll(
		func(threshold int, elapsed int) bool {
			cfg := keymap.NewConfig("prop")
			cfg.Bind(keymap.BaseLayer, keys.A,
				keymap.TapHold(keymap.Remap(keys.X), keymap.Remap(keys.Y), uint16(threshold)))
			st := NewSessionState("dev", "")

			out := run(cfg, st, keys.PressAt(keys.A, 1_000), keys.ReleaseAt(keys.A, 1_000+uint64(elapsed)))
			want := keys.X
			if elapsed >= threshold*1000 {
				want = keys.Y
			}
			return len(out) == 2 &&
				out[0] == pressOut(want) && out[1] == releaseOut(want) &&
				st.HeldKeys() == 0
		},
		gen.IntRange(1, 2000),
		gen.IntRange(0, 3_000_000),
	))

	properties.TestingRun(t)
}

// =============================================================================
// Layers
// =============================================================================

func TestLayerFallbackToBase(t *testing.T) {
	cfg, st := testConfig(), NewSessionState("dev", "kbd")

	run(cfg, st, down(keys.RightAlt, 0))
	require.Equal(t, navLayer, st.CurrentLayer())

	out := run(cfg, st, down(keys.Q, 1), up(keys.Q, 2))
	assert.Equal(t, []OutputEvent{pressOut(keys.W), releaseOut(keys.W)}, out, "nav has no Q binding")

	out = run(cfg, st, down(keys.Z, 3), up(keys.Z, 4))
	assert.Equal(t, []OutputEvent{pressOut(keys.Z), releaseOut(keys.Z)}, out, "unbound keys pass through")
}

func TestLayerMomentaryReleaseAfterLayerChange(t *testing.T) {
	cfg, st := testConfig(), NewSessionState("dev", "kbd")

	out := run(cfg, st, down(keys.RightAlt, 0), down(keys.H, 1), up(keys.RightAlt, 2))
	assert.Equal(t, []OutputEvent{pressOut(keys.Left)}, out)
	assert.Equal(t, keymap.BaseLayer, st.CurrentLayer())

	// H was pressed on nav; its release must release Left, not H.
	out = run(cfg, st, up(keys.H, 3))
	assert.Equal(t, []OutputEvent{releaseOut(keys.Left)}, out)
	assert.Zero(t, st.HeldKeys())
}

func TestLayerToggle(t *testing.T) {
	cfg, st := testConfig(), NewSessionState("dev", "kbd")

	run(cfg, st, down(keys.F1, 0), up(keys.F1, 1))
	assert.Equal(t, navLayer, st.CurrentLayer())
	assert.Equal(t, []OutputEvent{pressOut(keys.Down), releaseOut(keys.Down)},
		run(cfg, st, down(keys.J, 2), up(keys.J, 3)))

	run(cfg, st, down(keys.F1, 4), up(keys.F1, 5))
	assert.Equal(t, keymap.BaseLayer, st.CurrentLayer())
	assert.Equal(t, []OutputEvent{pressOut(keys.J), releaseOut(keys.J)},
		run(cfg, st, down(keys.J, 6), up(keys.J, 7)))
}

func TestLayerOneShot(t *testing.T) {
	cfg, st := testConfig(), NewSessionState("dev", "kbd")

	run(cfg, st, down(keys.F2, 0), up(keys.F2, 1))
	layer, armed := st.OneShotLayer()
	require.True(t, armed)
	assert.Equal(t, symLayer, layer)

	out := run(cfg, st, down(keys.H, 2), up(keys.H, 3))
	assert.Equal(t, []OutputEvent{
		pressOut(keys.LeftShift), pressOut(keys.Digit1),
		releaseOut(keys.Digit1), releaseOut(keys.LeftShift),
	}, out)

	_, armed = st.OneShotLayer()
	assert.False(t, armed)
	assert.Equal(t, []OutputEvent{pressOut(keys.H), releaseOut(keys.H)},
		run(cfg, st, down(keys.H, 4), up(keys.H, 5)))
}

func TestLayerOneShotSurvivesModifiers(t *testing.T) {
	cfg, st := testConfig(), NewSessionState("dev", "kbd")

	run(cfg, st, down(keys.F2, 0), up(keys.F2, 1))
	run(cfg, st, down(keys.LeftShift, 2))
	run(cfg, st, down(keys.LeftMeta, 3))

	_, armed := st.OneShotLayer()
	assert.True(t, armed)

	out := run(cfg, st, down(keys.H, 4))
	assert.Equal(t, []OutputEvent{pressOut(keys.LeftShift), pressOut(keys.Digit1)}, out)
	_, armed = st.OneShotLayer()
	assert.False(t, armed)
}

func oneShotTapHoldConfig() *keymap.Config {
	cfg := keymap.NewConfig("oneshot")
	cfg.AddLayer("nav")
	cfg.Bind(keymap.BaseLayer, keys.F2, keymap.LayerOneShot(navLayer))
	cfg.Bind(keymap.BaseLayer, keys.F, keymap.TapHold(keymap.Remap(keys.F), keymap.Modifier(2), 200))
	cfg.Bind(navLayer, keys.J, keymap.Remap(keys.Down))
	return cfg
}

func TestOneShotSurvivesTapHoldResolvedToModifier(t *testing.T) {
	cfg, st := oneShotTapHoldConfig(), NewSessionState("dev", "kbd")

	run(cfg, st, down(keys.F2, 0), up(keys.F2, 1))
	run(cfg, st, down(keys.F, 10))
	out := run(cfg, st, down(keys.J, 20))

	assert.True(t, st.Modifiers.Has(2))
	assert.Equal(t, []OutputEvent{pressOut(keys.Down)}, out)
	_, armed := st.OneShotLayer()
	assert.False(t, armed)
}

func TestOneShotConsumedByTapHoldTap(t *testing.T) {
	cfg, st := oneShotTapHoldConfig(), NewSessionState("dev", "kbd")

	run(cfg, st, down(keys.F2, 0), up(keys.F2, 1))
	out := run(cfg, st, down(keys.F, 10), up(keys.F, 50))
	assert.Equal(t, []OutputEvent{pressOut(keys.F), releaseOut(keys.F)}, out)

	_, armed := st.OneShotLayer()
	assert.False(t, armed)
	assert.Equal(t, []OutputEvent{pressOut(keys.J), releaseOut(keys.J)},
		run(cfg, st, down(keys.J, 60), up(keys.J, 70)))
}

// =============================================================================
// Modifiers, locks, macros
// =============================================================================

func TestModifierAndLock(t *testing.T) {
	cfg, st := testConfig(), NewSessionState("dev", "kbd")

	assert.Empty(t, run(cfg, st, down(keys.LeftMeta, 0)))
	assert.True(t, st.Modifiers.Has(3))
	assert.Empty(t, run(cfg, st, up(keys.LeftMeta, 1)))
	assert.False(t, st.Modifiers.Has(3))

	run(cfg, st, down(keys.ScrollLock, 2), up(keys.ScrollLock, 3))
	assert.True(t, st.Locks.Has(1), "locks toggle on press only")
	run(cfg, st, down(keys.ScrollLock, 4))
	assert.False(t, st.Locks.Has(1))
	run(cfg, st, up(keys.ScrollLock, 5))
	assert.False(t, st.Locks.Has(1))
}

func TestSharedModifierStaysWhileAnyHolderIsDown(t *testing.T) {
	cfg := keymap.NewConfig("shared")
	cfg.Bind(keymap.BaseLayer, keys.CapsLock, keymap.Modifier(1))
	cfg.Bind(keymap.BaseLayer, keys.Tab, keymap.Modifier(1))
	st := NewSessionState("dev", "kbd")

	run(cfg, st, down(keys.CapsLock, 0), down(keys.Tab, 1), up(keys.Tab, 2))
	assert.True(t, st.Modifiers.Has(1), "CapsLock still holds modifier 1")

	run(cfg, st, up(keys.CapsLock, 3))
	assert.False(t, st.Modifiers.Has(1))
}

func TestMacroEmitsStepsOnPressOnly(t *testing.T) {
	cfg, st := testConfig(), NewSessionState("dev", "kbd")

	out := run(cfg, st, down(keys.F3, 0))
	assert.Equal(t, []OutputEvent{
		pressOut(keys.H), releaseOut(keys.H), pressOut(keys.I), releaseOut(keys.I),
	}, out)
	assert.Empty(t, run(cfg, st, up(keys.F3, 1)))
}

func TestModifiedOutput(t *testing.T) {
	cfg, st := testConfig(), NewSessionState("dev", "kbd")

	out := run(cfg, st, down(keys.F4, 0), up(keys.F4, 1))
	assert.Equal(t, []OutputEvent{
		pressOut(keys.LeftShift), pressOut(keys.LeftCtrl), pressOut(keys.C),
		releaseOut(keys.C), releaseOut(keys.LeftCtrl), releaseOut(keys.LeftShift),
	}, out)
}

func TestNoOpSwallows(t *testing.T) {
	cfg, st := testConfig(), NewSessionState("dev", "kbd")
	assert.Empty(t, run(cfg, st, down(keys.Insert, 0), up(keys.Insert, 1)))
}

func TestRepeatedPressRepeatsRemap(t *testing.T) {
	cfg, st := testConfig(), NewSessionState("dev", "kbd")

	out := run(cfg, st, down(keys.Q, 0), down(keys.Q, 30), down(keys.Q, 60), up(keys.Q, 90))
	assert.Equal(t, []OutputEvent{
		pressOut(keys.W), pressOut(keys.W), pressOut(keys.W), releaseOut(keys.W),
	}, out)

	// Repeats of a pending tap/hold key do not start a new pending press.
	out = run(cfg, st, down(keys.A, 100), down(keys.A, 130), up(keys.A, 150))
	assert.Equal(t, []OutputEvent{pressOut(keys.X), releaseOut(keys.X)}, out)
}

func TestUntrackedReleasePassesThrough(t *testing.T) {
	cfg, st := testConfig(), NewSessionState("dev", "kbd")
	assert.Equal(t, []OutputEvent{releaseOut(keys.W)}, run(cfg, st, up(keys.Q, 0)))
	assert.Empty(t, run(cfg, st, up(keys.LeftMeta, 1)))
}

// =============================================================================
// Conditionals
// =============================================================================

func TestConditional(t *testing.T) {
	cfg := testConfig()

	st := NewSessionState("dev", "kbd")
	assert.Equal(t, []OutputEvent{pressOut(keys.Digit2), releaseOut(keys.Digit2)},
		run(cfg, st, down(keys.F5, 0), up(keys.F5, 1)))

	run(cfg, st, down(keys.LeftMeta, 2))
	assert.Equal(t, []OutputEvent{pressOut(keys.Digit1), releaseOut(keys.Digit1)},
		run(cfg, st, down(keys.F5, 3), up(keys.F5, 4)))

	// No else branch: the key passes through.
	assert.Equal(t, []OutputEvent{pressOut(keys.F6), releaseOut(keys.F6)},
		run(cfg, st, down(keys.F6, 5), up(keys.F6, 6)))
	run(cfg, st, down(keys.ScrollLock, 7))
	assert.Equal(t, []OutputEvent{pressOut(keys.Digit3), releaseOut(keys.Digit3)},
		run(cfg, st, down(keys.F6, 8), up(keys.F6, 9)))
}

func TestConditionalDeviceMatches(t *testing.T) {
	cfg := testConfig()

	logi := NewSessionState("/dev/input/event4", "Logitech USB Keyboard")
	assert.Equal(t, []OutputEvent{pressOut(keys.Digit4)}, run(cfg, logi, down(keys.F7, 0)))

	other := NewSessionState("/dev/input/event5", "AT Translated Set 2 keyboard")
	assert.Equal(t, []OutputEvent{pressOut(keys.F7)}, run(cfg, other, down(keys.F7, 0)))
}

func TestEvaluate(t *testing.T) {
	st := NewSessionState("id", "name")
	st.Modifiers.Add(3)
	st.Locks.Add(9)

	tests := []struct {
		name string
		cond keymap.Condition
		want bool
	}{
		{"modifier", keymap.ModifierActive(3), true},
		{"missing modifier", keymap.ModifierActive(4), false},
		{"lock", keymap.LockActive(9), true},
		{"all", keymap.AllActive(keymap.ModifierActive(3), keymap.LockActive(9)), true},
		{"all with one false", keymap.AllActive(keymap.ModifierActive(3), keymap.LockActive(8)), false},
		{"not", keymap.NotActive(keymap.LockActive(8)), true},
		{"device by name", keymap.DeviceMatches("na*"), true},
		{"device by id", keymap.DeviceMatches("id"), true},
		{"device miss", keymap.DeviceMatches("other"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Evaluate(tc.cond, st))
		})
	}
}

// =============================================================================
// State bookkeeping
// =============================================================================

func TestIDSet(t *testing.T) {
	var s IDSet
	s.Add(0)
	s.Add(63)
	s.Add(64)
	s.Add(254)
	assert.Equal(t, 4, s.Len())
	assert.Equal(t, []uint8{0, 63, 64, 254}, s.IDs())

	s.Toggle(63)
	s.Remove(0)
	assert.Equal(t, []uint8{64, 254}, s.IDs())
	assert.False(t, s.Has(63))
}

func TestResetReleasesHeldOutputs(t *testing.T) {
	cfg, st := testConfig(), NewSessionState("dev", "kbd")

	run(cfg, st, down(keys.Q, 0), down(keys.F4, 1), down(keys.F1, 2), down(keys.LeftMeta, 3))
	out := strip(st.Reset(10))

	assert.ElementsMatch(t, []OutputEvent{
		releaseOut(keys.W), releaseOut(keys.C), releaseOut(keys.LeftCtrl), releaseOut(keys.LeftShift),
	}, out)
	assert.Zero(t, st.HeldKeys())
	assert.Zero(t, st.Modifiers.Len())
	assert.Equal(t, keymap.BaseLayer, st.CurrentLayer())
	assert.Equal(t, "dev", st.DeviceID)
}

func TestHeldKeysBounded(t *testing.T) {
	cfg := keymap.NewConfig("bound")
	st := NewSessionState("dev", "")

	all := keys.All()
	for i := 0; i < MaxHeld+8; i++ {
		Process(cfg, st, keys.PressAt(all[i], uint64(i)))
	}
	assert.Equal(t, MaxHeld, st.HeldKeys())

	// Untracked keys still release through the pass-through path.
	out := run(cfg, st, keys.ReleaseAt(all[MaxHeld+1], 100))
	assert.Equal(t, []OutputEvent{releaseOut(all[MaxHeld+1])}, out)
}

func TestOutputTimestampsFollowInput(t *testing.T) {
	cfg, st := testConfig(), NewSessionState("dev", "kbd")
	out := Process(cfg, st, keys.PressAt(keys.Q, 12345))
	require.Len(t, out, 1)
	assert.Equal(t, uint64(12345), out[0].Timestamp)
}
