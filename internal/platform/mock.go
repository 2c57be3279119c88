package platform

import (
	"context"
	"sync"

	"keyrxd/internal/remap"
)

// Mock is an in-memory backend. Tests and offline replay feed it events
// with Emit and read back what the engine injected.
type Mock struct {
	mu        sync.Mutex
	sink      Sink
	handle    *Handle
	injected  []remap.OutputEvent
	injectErr error
	startErr  error
	stopped   int
}

// NewMock returns an idle mock backend.
func NewMock() *Mock {
	return &Mock{}
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) Available() (bool, string) { return true, "in-memory backend" }

// Start records sink. The handle closes when ctx is cancelled.
func (m *Mock) Start(ctx context.Context, sink Sink) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.startErr != nil {
		return nil, m.startErr
	}
	if m.handle != nil {
		return nil, &Error{Op: "start", Kind: KindHandleAcquisition, Err: errAlreadyStarted}
	}

	h := newHandle(m.Name(), func() error {
		m.mu.Lock()
		m.sink = nil
		m.handle = nil
		m.mu.Unlock()
		return nil
	})
	m.sink = sink
	m.handle = h

	go func() {
		select {
		case <-ctx.Done():
			h.Close()
		case <-h.Done():
		}
	}()
	return h, nil
}

// Inject appends ev to the injected log, or fails with the error set by
// FailInject.
func (m *Mock) Inject(ev remap.OutputEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.injectErr != nil {
		return m.injectErr
	}
	m.injected = append(m.injected, ev)
	return nil
}

func (m *Mock) Stop(h *Handle) error {
	m.mu.Lock()
	m.stopped++
	m.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Close()
}

// Emit delivers ev to the current sink. It reports false when no capture
// is running.
func (m *Mock) Emit(ev RawEvent) bool {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	if sink == nil {
		return false
	}
	sink.Send(ev)
	return true
}

// AddDevice announces a device to the current sink.
func (m *Mock) AddDevice(info DeviceInfo) {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	if sink != nil {
		sink.DeviceAdded(info)
	}
}

// RemoveDevice reports a device as unplugged.
func (m *Mock) RemoveDevice(id string) {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	if sink != nil {
		sink.DeviceRemoved(id, &Error{Op: "read", Device: id, Kind: KindDeviceRemoved})
	}
}

// Injected returns a copy of everything injected so far.
func (m *Mock) Injected() []remap.OutputEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]remap.OutputEvent, len(m.injected))
	copy(out, m.injected)
	return out
}

// Reset clears the injected log.
func (m *Mock) Reset() {
	m.mu.Lock()
	m.injected = nil
	m.mu.Unlock()
}

// FailInject makes later Inject calls return err. Nil restores success.
func (m *Mock) FailInject(err error) {
	m.mu.Lock()
	m.injectErr = err
	m.mu.Unlock()
}

// FailStart makes later Start calls return err.
func (m *Mock) FailStart(err error) {
	m.mu.Lock()
	m.startErr = err
	m.mu.Unlock()
}

// Running reports whether a capture handle is open.
func (m *Mock) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle != nil
}

// StopCalls returns how many times Stop was called.
func (m *Mock) StopCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}
