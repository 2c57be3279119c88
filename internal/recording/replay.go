package recording

import (
	"keyrxd/internal/keymap"
	"keyrxd/internal/keys"
	"keyrxd/internal/remap"
)

// Step is one replayed input and the outputs it produced. Tick steps carry
// tap/hold commits that fired between inputs.
type Step struct {
	Input   keys.Event          `json:"input"`
	Tick    bool                `json:"tick,omitempty"`
	Outputs []remap.OutputEvent `json:"outputs"`
	Layer   uint16              `json:"layer"`
}

// Replay runs rec through cfg with a fresh session. Before each event the
// session is ticked at that event's timestamp, so tap/hold timeouts fire
// the same way they would live.
func Replay(cfg *keymap.Config, rec *Recording) []Step {
	st := remap.NewSessionState(rec.Device, rec.DeviceName)
	steps := make([]Step, 0, len(rec.Events))

	for _, ev := range rec.Events {
		if outs := remap.Tick(cfg, st, ev.Timestamp); len(outs) > 0 {
			steps = append(steps, Step{
				Input:   keys.Event{Timestamp: ev.Timestamp},
				Tick:    true,
				Outputs: outs,
				Layer:   st.CurrentLayer(),
			})
		}
		steps = append(steps, Step{
			Input:   ev,
			Outputs: remap.Process(cfg, st, ev),
			Layer:   st.CurrentLayer(),
		})
	}
	return steps
}

// Outputs flattens the outputs of steps.
func Outputs(steps []Step) []remap.OutputEvent {
	var out []remap.OutputEvent
	for _, s := range steps {
		out = append(out, s.Outputs...)
	}
	return out
}
