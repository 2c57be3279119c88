package pipeline

import (
	"sort"
	"time"

	"keyrxd/internal/metrics"
)

// KeymapInfo describes the active keymap.
type KeymapInfo struct {
	Name            string    `json:"name"`
	Fingerprint     string    `json:"fingerprint"`
	Layers          []string  `json:"layers"`
	Entries         int       `json:"entries"`
	CompiledAt      time.Time `json:"compiled_at"`
	CompilerVersion string    `json:"compiler_version,omitempty"`
	LoadedAt        time.Time `json:"loaded_at"`
}

// DeviceSnapshot is the remapping state of one device.
type DeviceSnapshot struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	SessionID    string  `json:"session_id"`
	Layer        uint16  `json:"layer"`
	LayerName    string  `json:"layer_name"`
	ToggledLayer uint16  `json:"toggled_layer"`
	OneShotLayer *uint16 `json:"one_shot_layer,omitempty"`
	Modifiers    []int   `json:"modifiers"`
	Locks        []int   `json:"locks"`
	PendingKey   string  `json:"pending_key,omitempty"`
	HeldKeys     int     `json:"held_keys"`
}

// Snapshot is a point-in-time view of the engine for status output.
type Snapshot struct {
	SessionID string           `json:"session_id"`
	Backend   string           `json:"backend"`
	Running   bool             `json:"running"`
	StartedAt time.Time        `json:"started_at"`
	Keymap    KeymapInfo       `json:"keymap"`
	Devices   []DeviceSnapshot `json:"devices"`
	Recent    []ProcessedEvent `json:"recent"`
	QueueLen  int              `json:"queue_len"`
	QueueCap  int              `json:"queue_cap"`
	Dropped   uint64           `json:"dropped"`
	Poisoned  bool             `json:"poisoned"`
	Metrics   metrics.Summary  `json:"metrics"`
}

// Snapshot returns the current engine state. It is safe to call from any
// goroutine.
func (e *Engine) Snapshot() Snapshot {
	lc := e.config.Load()
	cfg := lc.cfg

	layers := make([]string, len(cfg.Layers))
	for i, l := range cfg.Layers {
		layers[i] = l.Name
	}

	snap := Snapshot{
		SessionID: e.id,
		Backend:   e.backend.Name(),
		Running:   e.running.Load(),
		StartedAt: e.startedAt,
		Keymap: KeymapInfo{
			Name:            cfg.Metadata.Name,
			Fingerprint:     lc.fingerprint.String(),
			Layers:          layers,
			Entries:         cfg.EntryCount(),
			CompiledAt:      cfg.Metadata.CompiledAt,
			CompilerVersion: cfg.Metadata.CompilerVersion,
			LoadedAt:        lc.loadedAt,
		},
		Recent:   e.Recent(),
		QueueLen: e.queue.Len(),
		QueueCap: e.queue.Cap(),
		Dropped:  e.queue.Dropped(),
		Poisoned: e.sessions.Poisoned(),
		Metrics:  e.metrics.Summary(),
	}

	e.sessions.With(func(m *map[string]*session) {
		for _, s := range *m {
			st := s.state
			ds := DeviceSnapshot{
				ID:           s.info.ID,
				Name:         s.info.Name,
				SessionID:    s.id,
				Layer:        st.CurrentLayer(),
				LayerName:    cfg.LayerName(st.CurrentLayer()),
				ToggledLayer: st.ToggledLayer(),
				Modifiers:    ints(st.Modifiers.IDs()),
				Locks:        ints(st.Locks.IDs()),
				HeldKeys:     st.HeldKeys(),
			}
			if layer, ok := st.OneShotLayer(); ok {
				ds.OneShotLayer = &layer
			}
			if k, ok := st.PendingKey(); ok {
				ds.PendingKey = k.String()
			}
			snap.Devices = append(snap.Devices, ds)
		}
	})
	sort.Slice(snap.Devices, func(i, j int) bool { return snap.Devices[i].ID < snap.Devices[j].ID })
	return snap
}

func ints(ids []uint8) []int {
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out
}
