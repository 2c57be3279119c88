// Package pipeline connects a capture backend to the event processor.
//
// Backends push raw events into a bounded queue from their own goroutines
// or OS callbacks. A single consumer goroutine owns all remapping work: it
// pops events, runs them through remap.Process against the current keymap,
// injects the outputs in order, and ticks pending tap/hold keys. Session
// state sits behind a poison-aware Guard so a panic while processing one
// event cannot wedge the input path.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"keyrxd/internal/keymap"
	"keyrxd/internal/keys"
	"keyrxd/internal/logging"
	"keyrxd/internal/metrics"
	"keyrxd/internal/platform"
	"keyrxd/internal/remap"
)

const (
	DefaultTickInterval = 10 * time.Millisecond
	DefaultRecentEvents = 64
)

var (
	ErrNoBackend      = errors.New("pipeline: no backend")
	ErrNoConfig       = errors.New("pipeline: no keymap")
	ErrAlreadyStarted = errors.New("pipeline: engine already started")
	ErrShutdown       = errors.New("pipeline: engine shut down")
)

// Options configures an Engine.
type Options struct {
	Backend      platform.Backend
	QueueSize    int
	TickInterval time.Duration
	RecentEvents int

	// Clock returns the current time in the backend's microsecond
	// timebase. Defaults to platform.Now.
	Clock func() uint64

	Metrics *metrics.RemapMetrics
	Logger  *logging.Logger
	Crash   *logging.CrashHandler
}

// ProcessedEvent is one input event (or timeout tick) and what it
// produced. It backs the recent-events buffer and the event stream.
type ProcessedEvent struct {
	Device    string              `json:"device"`
	Input     keys.Event          `json:"input"`
	Tick      bool                `json:"tick,omitempty"`
	Outputs   []remap.OutputEvent `json:"outputs"`
	Layer     uint16              `json:"layer"`
	LatencyUs int64               `json:"latency_us"`
}

type session struct {
	id    string
	info  platform.DeviceInfo
	state *remap.SessionState
}

type loadedConfig struct {
	cfg         *keymap.Config
	fingerprint keymap.Fingerprint
	loadedAt    time.Time
}

// Engine runs the remapping pipeline for one backend.
type Engine struct {
	id        string
	backend   platform.Backend
	opts      Options
	log       *logging.Logger
	metrics   *metrics.RemapMetrics
	crash     *logging.CrashHandler
	clock     func() uint64
	startedAt time.Time

	config   atomic.Pointer[loadedConfig]
	reloadMu sync.Mutex

	queue    *Queue
	ctrl     chan func()
	sessions *Guard[map[string]*session]

	recentMu sync.Mutex
	recent   []ProcessedEvent
	next     int
	filled   bool

	subsMu     sync.Mutex
	subs       map[int]chan ProcessedEvent
	nextSub    int
	subsClosed bool

	running      atomic.Bool
	started      atomic.Bool
	handle       *platform.Handle
	stop         chan struct{}
	done         chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// NewEngine returns an engine that remaps with cfg. It does not capture
// anything until Start.
func NewEngine(cfg *keymap.Config, opts Options) (*Engine, error) {
	if opts.Backend == nil {
		return nil, ErrNoBackend
	}
	if cfg == nil {
		return nil, ErrNoConfig
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.RecentEvents <= 0 {
		opts.RecentEvents = DefaultRecentEvents
	}
	if opts.Clock == nil {
		opts.Clock = platform.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRemapMetrics(metrics.NewRegistry("keyrxd", ""))
	}

	log := opts.Logger.WithComponent("pipeline")
	crash := opts.Crash
	if crash == nil {
		crash = logging.NewCrashHandler(&logging.CrashHandlerConfig{Component: "pipeline", Logger: log})
	}

	e := &Engine{
		id:        uuid.NewString(),
		backend:   opts.Backend,
		opts:      opts,
		log:       log,
		metrics:   opts.Metrics,
		crash:     crash,
		clock:     opts.Clock,
		startedAt: time.Now(),
		queue:     NewQueue(opts.QueueSize, log),
		ctrl:      make(chan func(), 16),
		sessions:  NewGuard("sessions", map[string]*session{}, log),
		recent:    make([]ProcessedEvent, opts.RecentEvents),
		subs:      make(map[int]chan ProcessedEvent),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	e.queue.onDrop = e.metrics.DroppedEventsTotal.Inc
	e.sessions.OnPoison(func(*PanicError) { e.metrics.PoisonedLocksTotal.Inc() })

	var fp keymap.Fingerprint
	if data, err := keymap.Marshal(cfg); err == nil {
		fp = keymap.FingerprintOf(data)
	}
	e.config.Store(&loadedConfig{cfg: cfg, fingerprint: fp, loadedAt: time.Now()})
	return e, nil
}

// ID returns the engine session id.
func (e *Engine) ID() string { return e.id }

// Config returns the active keymap.
func (e *Engine) Config() *keymap.Config { return e.config.Load().cfg }

// Fingerprint returns the fingerprint of the active keymap encoding.
func (e *Engine) Fingerprint() keymap.Fingerprint { return e.config.Load().fingerprint }

// Start begins capture and the consumer goroutine.
func (e *Engine) Start(ctx context.Context) error {
	select {
	case <-e.stop:
		return ErrShutdown
	default:
	}
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	e.running.Store(true)
	go e.run()

	h, err := e.backend.Start(ctx, e)
	if err != nil {
		e.running.Store(false)
		close(e.stop)
		<-e.done
		return fmt.Errorf("start %s backend: %w", e.backend.Name(), err)
	}
	e.handle = h

	cfg := e.config.Load()
	e.log.Info("pipeline started",
		"backend", e.backend.Name(),
		"keymap", cfg.cfg.Metadata.Name,
		"fingerprint", cfg.fingerprint.String(),
		"session_id", e.id,
	)
	return nil
}

// run restarts the loop after a recovered panic until Shutdown.
func (e *Engine) run() {
	defer close(e.done)
	for e.crash.Recover("pipeline", e.loop) {
		e.log.Error("pipeline loop restarted after panic")
	}
}

func (e *Engine) loop() {
	ticker := time.NewTicker(e.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case fn := <-e.ctrl:
			fn()
		case ev := <-e.queue.C():
			e.process(ev)
		case <-ticker.C:
			e.tick(e.clock())
			e.metrics.QueueDepth.Set(int64(e.queue.Len()))
		}
	}
}

func (e *Engine) process(ev platform.RawEvent) {
	start := time.Now()
	cfg := e.config.Load().cfg

	var (
		outs  []remap.OutputEvent
		layer uint16
	)
	err := e.sessions.With(func(m *map[string]*session) {
		s := e.sessionFor(*m, ev.Device, "")
		outs = remap.Process(cfg, s.state, ev.Event())
		layer = s.state.CurrentLayer()
	})
	if err != nil {
		e.log.Error("event processing panicked, event dropped", "device", ev.Device, "error", err)
		return
	}

	e.inject(outs)
	latency := time.Since(start)
	e.metrics.RecordEvent(len(outs), latency)
	e.publish(ProcessedEvent{
		Device:    ev.Device,
		Input:     ev.Event(),
		Outputs:   outs,
		Layer:     layer,
		LatencyUs: latency.Microseconds(),
	})
}

func (e *Engine) tick(now uint64) {
	cfg := e.config.Load().cfg

	var fired []ProcessedEvent
	err := e.sessions.With(func(m *map[string]*session) {
		for id, s := range *m {
			if outs := remap.Tick(cfg, s.state, now); len(outs) > 0 {
				fired = append(fired, ProcessedEvent{
					Device:  id,
					Input:   keys.Event{Timestamp: now},
					Tick:    true,
					Outputs: outs,
					Layer:   s.state.CurrentLayer(),
				})
			}
		}
	})
	if err != nil {
		e.log.Error("tick panicked", "error", err)
		return
	}

	sort.Slice(fired, func(i, j int) bool { return fired[i].Device < fired[j].Device })
	for _, pe := range fired {
		e.inject(pe.Outputs)
		e.metrics.OutputsTotal.Add(uint64(len(pe.Outputs)))
		e.publish(pe)
	}
}

// sessionFor returns the session for id, creating it for devices the
// backend never announced.
func (e *Engine) sessionFor(m map[string]*session, id, name string) *session {
	if s, ok := m[id]; ok {
		return s
	}
	if name == "" {
		name = id
	}
	s := &session{
		id:    uuid.NewString(),
		info:  platform.DeviceInfo{ID: id, Name: name},
		state: remap.NewSessionState(id, name),
	}
	m[id] = s
	e.metrics.DevicesActive.Set(int64(len(m)))
	return s
}

func (e *Engine) inject(outs []remap.OutputEvent) {
	for _, o := range outs {
		if err := e.backend.Inject(o); err != nil {
			e.metrics.InjectErrorsTotal.Inc()
			e.log.Warn("inject failed", "output", o.String(), "error", err)
		}
	}
}

// control runs fn on the consumer goroutine, or inline when the loop is
// not running.
func (e *Engine) control(fn func()) {
	if !e.running.Load() {
		fn()
		return
	}
	select {
	case e.ctrl <- fn:
	case <-e.stop:
	}
}

// Send implements platform.Sink.
func (e *Engine) Send(ev platform.RawEvent) {
	if !e.running.Load() {
		return
	}
	e.queue.Push(ev)
}

// DeviceAdded implements platform.Sink.
func (e *Engine) DeviceAdded(info platform.DeviceInfo) {
	e.control(func() {
		e.sessions.With(func(m *map[string]*session) {
			s := e.sessionFor(*m, info.ID, info.Name)
			s.info = info
			s.state.DeviceName = info.Name
		})
		e.log.Info("device added", "device", info.ID, "name", info.Name)
	})
}

// DeviceRemoved implements platform.Sink. Keys still held on the device
// are released downstream.
func (e *Engine) DeviceRemoved(id string, cause error) {
	e.control(func() {
		var outs []remap.OutputEvent
		e.sessions.With(func(m *map[string]*session) {
			s, ok := (*m)[id]
			if !ok {
				return
			}
			outs = s.state.Reset(e.clock())
			delete(*m, id)
			e.metrics.DevicesActive.Set(int64(len(*m)))
		})
		e.inject(outs)
		e.log.Warn("device removed", "device", id, "released", len(outs), "error", cause)
	})
}

// Unmapped implements platform.UnmappedSink.
func (e *Engine) Unmapped(device string, code uint32) {
	e.metrics.UnmappedEventsTotal.Inc()
}

// resetSessions releases every held key and returns all sessions to the
// base layer.
func (e *Engine) resetSessions(reason string) {
	var outs []remap.OutputEvent
	now := e.clock()
	e.sessions.With(func(m *map[string]*session) {
		ids := make([]string, 0, len(*m))
		for id := range *m {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			outs = append(outs, (*m)[id].state.Reset(now)...)
		}
	})
	e.inject(outs)
	if len(outs) > 0 {
		e.log.Info("released held keys", "reason", reason, "released", len(outs))
	}
}

// ReloadConfig decodes data and makes it the active keymap. An encoding
// identical to the active one is a no-op. On error the current keymap
// stays active. Sessions are reset so no key stays held across keymaps.
func (e *Engine) ReloadConfig(data []byte) error {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	fp := keymap.FingerprintOf(data)
	if cur := e.config.Load(); cur.fingerprint == fp {
		e.log.Debug("keymap unchanged, reload skipped", "fingerprint", fp.String())
		return nil
	}

	cfg, err := keymap.Load(data)
	e.metrics.RecordReload(err)
	if err != nil {
		e.log.Error("keymap reload rejected, keeping current keymap", "error", err)
		return fmt.Errorf("reload keymap: %w", err)
	}

	e.config.Store(&loadedConfig{cfg: cfg, fingerprint: fp, loadedAt: time.Now()})
	e.control(func() { e.resetSessions("reload") })

	e.log.Info("keymap reloaded",
		"keymap", cfg.Metadata.Name,
		"fingerprint", fp.String(),
		"layers", len(cfg.Layers),
		"entries", cfg.EntryCount(),
	)
	return nil
}

// ReloadFile reads path and reloads it.
func (e *Engine) ReloadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		e.metrics.RecordReload(err)
		return fmt.Errorf("reload keymap: %w", err)
	}
	return e.ReloadConfig(data)
}

// Shutdown stops capture, releases held keys, stops the backend and
// discards queued events. It is idempotent; later calls return the first
// result.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.shutdownOnce.Do(func() {
		e.running.Store(false)
		if e.handle != nil {
			e.handle.Close()
		}

		loopStopped := true
		if e.started.Load() {
			select {
			case <-e.stop:
			default:
				close(e.stop)
			}
			select {
			case <-e.done:
			case <-ctx.Done():
				loopStopped = false
				e.shutdownErr = fmt.Errorf("pipeline shutdown: %w", ctx.Err())
			}
		} else {
			close(e.stop)
		}

		if loopStopped {
			e.resetSessions("shutdown")
		}
		if err := e.backend.Stop(e.handle); err != nil && e.shutdownErr == nil {
			e.shutdownErr = fmt.Errorf("stop %s backend: %w", e.backend.Name(), err)
		}

		discarded := e.queue.Drain()
		e.closeSubscribers()
		e.log.Info("pipeline stopped", "discarded", discarded, "dropped_total", e.queue.Dropped())
	})
	return e.shutdownErr
}

// Done is closed when the consumer goroutine has exited.
func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) publish(pe ProcessedEvent) {
	e.recentMu.Lock()
	e.recent[e.next] = pe
	e.next = (e.next + 1) % len(e.recent)
	if e.next == 0 {
		e.filled = true
	}
	e.recentMu.Unlock()

	e.subsMu.Lock()
	for _, ch := range e.subs {
		select {
		case ch <- pe:
		default:
		}
	}
	e.subsMu.Unlock()
}

// Recent returns the buffered processed events, oldest first.
func (e *Engine) Recent() []ProcessedEvent {
	e.recentMu.Lock()
	defer e.recentMu.Unlock()

	if !e.filled {
		out := make([]ProcessedEvent, e.next)
		copy(out, e.recent[:e.next])
		return out
	}
	out := make([]ProcessedEvent, 0, len(e.recent))
	out = append(out, e.recent[e.next:]...)
	return append(out, e.recent[:e.next]...)
}

// Subscribe returns a stream of processed events. Slow subscribers miss
// events rather than stall the pipeline. Call cancel to unsubscribe.
func (e *Engine) Subscribe(buffer int) (<-chan ProcessedEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan ProcessedEvent, buffer)

	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	if e.subsClosed {
		close(ch)
		return ch, func() {}
	}
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.subsMu.Lock()
			defer e.subsMu.Unlock()
			if c, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(c)
			}
		})
	}
}

func (e *Engine) closeSubscribers() {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for id, ch := range e.subs {
		close(ch)
		delete(e.subs, id)
	}
	e.subsClosed = true
}
