// Package recording stores captured key event sequences in SQLite so they
// can be replayed against a keymap offline.
package recording

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"keyrxd/internal/keys"
)

// ErrNotFound is returned when no recording has the requested id.
var ErrNotFound = errors.New("recording: not found")

// Recording is a captured event sequence. Event timestamps are
// microseconds relative to the first event.
type Recording struct {
	ID         string       `json:"id"`
	Name       string       `json:"name,omitempty"`
	Device     string       `json:"device,omitempty"`
	DeviceName string       `json:"device_name,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	Events     []keys.Event `json:"events"`
}

// Duration is the time between the first and last event.
func (r *Recording) Duration() time.Duration {
	if len(r.Events) == 0 {
		return 0
	}
	return time.Duration(r.Events[len(r.Events)-1].Timestamp) * time.Microsecond
}

// Summary describes a stored recording without its events.
type Summary struct {
	ID         string        `json:"id"`
	Name       string        `json:"name,omitempty"`
	Device     string        `json:"device,omitempty"`
	DeviceName string        `json:"device_name,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	Events     int           `json:"events"`
	Duration   time.Duration `json:"duration"`
}

// Recorder accumulates events into a Recording, rebasing timestamps on the
// first event.
type Recorder struct {
	rec     *Recording
	base    uint64
	started bool
}

// NewRecorder starts a recording for device.
func NewRecorder(name, device, deviceName string) *Recorder {
	return &Recorder{rec: &Recording{
		ID:         uuid.NewString(),
		Name:       name,
		Device:     device,
		DeviceName: deviceName,
		CreatedAt:  time.Now().UTC(),
	}}
}

// Add appends ev. Events older than the first one are clamped to zero.
func (r *Recorder) Add(ev keys.Event) {
	if !r.started {
		r.base = ev.Timestamp
		r.started = true
	}
	if ev.Timestamp < r.base {
		ev.Timestamp = 0
	} else {
		ev.Timestamp -= r.base
	}
	r.rec.Events = append(r.rec.Events, ev)
}

// Len returns the number of events recorded so far.
func (r *Recorder) Len() int { return len(r.rec.Events) }

// Recording returns the accumulated recording.
func (r *Recorder) Recording() *Recording { return r.rec }
