package metrics

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterAndGauge(t *testing.T) {
	r := NewRegistry("keyrxd", "")

	c := r.RegisterCounter("events_total", "events", nil)
	c.Inc()
	c.Add(4)
	assert.Equal(t, uint64(5), c.Value())
	assert.Equal(t, "keyrxd_events_total", c.Name())
	assert.Same(t, c, r.RegisterCounter("events_total", "events", nil))
	assert.Same(t, c, r.GetCounter("events_total"))

	g := r.RegisterGauge("devices_active", "devices", nil)
	g.Inc()
	g.Inc()
	g.Dec()
	assert.Equal(t, int64(1), g.Value())
	g.Set(7)
	assert.Equal(t, int64(7), r.GetGauge("devices_active").Value())
}

func TestHistogramBuckets(t *testing.T) {
	h := NewHistogram("latency", "latency", nil, []float64{1, 2, 4})
	for _, v := range []float64{0.5, 1, 1.5, 3, 10} {
		h.Observe(v)
	}

	assert.Equal(t, uint64(5), h.Count())
	assert.InDelta(t, 16.0, h.Sum(), 1e-9)
	assert.InDelta(t, 3.2, h.Mean(), 1e-9)

	r := NewRegistry("", "")
	r.histograms[h.name] = h
	var buf bytes.Buffer
	require.NoError(t, r.WritePrometheus(&buf))
	out := buf.String()

	// Upper bounds are inclusive and buckets cumulative.
	assert.Contains(t, out, `latency_bucket{le="1"} 2`)
	assert.Contains(t, out, `latency_bucket{le="2"} 3`)
	assert.Contains(t, out, `latency_bucket{le="4"} 4`)
	assert.Contains(t, out, `latency_bucket{le="+Inf"} 5`)
	assert.Contains(t, out, "latency_count 5")
}

func TestHistogramQuantile(t *testing.T) {
	h := NewHistogram("q", "", nil, []float64{10, 20, 30, 40})
	assert.Equal(t, 0.0, h.Quantile(0.5))

	for i := 0; i < 10; i++ {
		h.Observe(15)
	}
	q := h.Quantile(0.5)
	assert.True(t, q > 10 && q <= 20, "median %v not in (10,20]", q)

	h.Observe(1000)
	assert.Equal(t, 40.0, h.Quantile(1))
}

func TestPrometheusLabelsAndOrder(t *testing.T) {
	r := NewRegistry("keyrxd", "")
	r.RegisterCounter("b_total", "b", nil).Inc()
	r.RegisterCounter("a_total", "a", Labels{"backend": "grab"}).Add(3)
	r.RegisterHistogram("lat_seconds", "lat", Labels{"device": "kbd"}, []float64{0.5})

	var buf bytes.Buffer
	require.NoError(t, r.WritePrometheus(&buf))
	out := buf.String()

	assert.Contains(t, out, `keyrxd_a_total{backend="grab"} 3`)
	assert.Less(t, strings.Index(out, "keyrxd_a_total"), strings.Index(out, "keyrxd_b_total"))
	assert.Contains(t, out, `keyrxd_lat_seconds_bucket{device="kbd",le="0.5"} 0`)
}

func TestWriteJSONAndReset(t *testing.T) {
	r := NewRegistry("keyrxd", "")
	r.RegisterCounter("events_total", "", nil).Add(2)

	var buf bytes.Buffer
	require.NoError(t, r.WriteJSON(&buf))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, 2.0, decoded["keyrxd_events_total"])

	r.Reset()
	assert.Equal(t, uint64(0), r.GetCounter("events_total").Value())
}

func TestRemapMetrics(t *testing.T) {
	m := NewRemapMetrics(NewRegistry("keyrxd", ""))

	m.RecordEvent(2, 40*time.Microsecond)
	m.RecordEvent(0, 10*time.Microsecond)
	m.RecordReload(nil)
	m.RecordReload(errors.New("bad magic"))
	m.DroppedEventsTotal.Inc()
	m.DevicesActive.Set(2)

	s := m.Summary()
	assert.Equal(t, uint64(2), s.Events)
	assert.Equal(t, uint64(2), s.Outputs)
	assert.Equal(t, uint64(1), s.Dropped)
	assert.Equal(t, uint64(1), s.Reloads)
	assert.Equal(t, uint64(1), m.ReloadFailuresTotal.Value())
	assert.Equal(t, int64(2), s.Devices)
	assert.Greater(t, s.LatencyP99Us, 0.0)
	assert.Len(t, s.LogArgs(), 20)

	var buf bytes.Buffer
	require.NoError(t, m.Registry().WritePrometheus(&buf))
	assert.Contains(t, buf.String(), "keyrxd_processing_latency_seconds_count 2")
}
