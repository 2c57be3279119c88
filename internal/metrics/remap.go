package metrics

import (
	"time"
)

// RemapMetrics holds the metrics of the remapping pipeline.
type RemapMetrics struct {
	registry *Registry

	// Counters
	EventsTotal         *Counter
	OutputsTotal        *Counter
	DroppedEventsTotal  *Counter
	UnmappedEventsTotal *Counter
	InjectErrorsTotal   *Counter
	ReloadsTotal        *Counter
	ReloadFailuresTotal *Counter
	PoisonedLocksTotal  *Counter

	// Gauges
	DevicesActive *Gauge
	QueueDepth    *Gauge
	UptimeSeconds *Gauge

	// Histograms
	ProcessingLatency *Histogram
}

var startTime = time.Now()

// NewRemapMetrics creates and registers the pipeline metrics.
func NewRemapMetrics(registry *Registry) *RemapMetrics {
	if registry == nil {
		registry = Default()
	}

	return &RemapMetrics{
		registry: registry,

		EventsTotal: registry.RegisterCounter(
			"events_total",
			"Total number of captured key events processed",
			nil,
		),
		OutputsTotal: registry.RegisterCounter(
			"outputs_total",
			"Total number of key events injected",
			nil,
		),
		DroppedEventsTotal: registry.RegisterCounter(
			"dropped_events_total",
			"Captured events discarded because the queue was full",
			nil,
		),
		UnmappedEventsTotal: registry.RegisterCounter(
			"unmapped_events_total",
			"Captured events whose native code has no key identity",
			nil,
		),
		InjectErrorsTotal: registry.RegisterCounter(
			"inject_errors_total",
			"Output events the backend failed to inject",
			nil,
		),
		ReloadsTotal: registry.RegisterCounter(
			"reloads_total",
			"Keymap reloads applied",
			nil,
		),
		ReloadFailuresTotal: registry.RegisterCounter(
			"reload_failures_total",
			"Keymap reloads rejected",
			nil,
		),
		PoisonedLocksTotal: registry.RegisterCounter(
			"poisoned_locks_total",
			"Panics recovered inside a guarded critical section",
			nil,
		),

		DevicesActive: registry.RegisterGauge(
			"devices_active",
			"Number of keyboards currently captured",
			nil,
		),
		QueueDepth: registry.RegisterGauge(
			"queue_depth",
			"Events waiting in the capture queue",
			nil,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Number of seconds the daemon has been running",
			nil,
		),

		ProcessingLatency: registry.RegisterHistogram(
			"processing_latency_seconds",
			"Time from dequeue to the last injected output",
			nil,
			LatencyBuckets,
		),
	}
}

// Registry returns the registry the metrics live in.
func (m *RemapMetrics) Registry() *Registry {
	return m.registry
}

// RecordEvent records one processed event and its outputs.
func (m *RemapMetrics) RecordEvent(outputs int, latency time.Duration) {
	m.EventsTotal.Inc()
	m.OutputsTotal.Add(uint64(outputs))
	m.ProcessingLatency.ObserveDuration(latency)
}

// RecordReload records a keymap reload attempt.
func (m *RemapMetrics) RecordReload(err error) {
	if err != nil {
		m.ReloadFailuresTotal.Inc()
		return
	}
	m.ReloadsTotal.Inc()
}

// UpdateUptime updates the uptime metric.
func (m *RemapMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(startTime).Seconds()))
}

// Summary is the periodic stats line.
type Summary struct {
	Events        uint64  `json:"events"`
	Outputs       uint64  `json:"outputs"`
	Dropped       uint64  `json:"dropped"`
	Unmapped      uint64  `json:"unmapped"`
	InjectErrors  uint64  `json:"inject_errors"`
	Reloads       uint64  `json:"reloads"`
	PoisonedLocks uint64  `json:"poisoned_locks"`
	Devices       int64   `json:"devices"`
	LatencyP99Us  float64 `json:"latency_p99_us"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

// Summary returns the current values of the headline metrics.
func (m *RemapMetrics) Summary() Summary {
	m.UpdateUptime()
	return Summary{
		Events:        m.EventsTotal.Value(),
		Outputs:       m.OutputsTotal.Value(),
		Dropped:       m.DroppedEventsTotal.Value(),
		Unmapped:      m.UnmappedEventsTotal.Value(),
		InjectErrors:  m.InjectErrorsTotal.Value(),
		Reloads:       m.ReloadsTotal.Value(),
		PoisonedLocks: m.PoisonedLocksTotal.Value(),
		Devices:       m.DevicesActive.Value(),
		LatencyP99Us:  m.ProcessingLatency.Quantile(0.99) * 1e6,
		UptimeSeconds: m.UptimeSeconds.Value(),
	}
}

// LogArgs flattens the summary into slog key/value pairs.
func (s Summary) LogArgs() []any {
	return []any{
		"events", s.Events,
		"outputs", s.Outputs,
		"dropped", s.Dropped,
		"unmapped", s.Unmapped,
		"inject_errors", s.InjectErrors,
		"reloads", s.Reloads,
		"poisoned_locks", s.PoisonedLocks,
		"devices", s.Devices,
		"latency_p99_us", s.LatencyP99Us,
		"uptime_seconds", s.UptimeSeconds,
	}
}
