// Package platform abstracts keyboard capture and key injection.
//
// A Backend captures physical key events from the operating system,
// forwards them to a Sink, and injects remapped events back into the
// OS input stream. Capture and injection must not feed each other:
// backends mark or route injected events so they are never captured
// again.
//
// Platform support:
//   - Linux: grab backend (exclusive evdev grab plus a uinput virtual
//     keyboard, requires the input group or root)
//   - Windows: hook backend (WH_KEYBOARD_LL plus SendInput)
//   - All platforms: mock backend (in-memory, for tests and replay)
package platform

import (
	"context"
	"fmt"
	"path"
	"runtime"
	"strings"
	"sync"

	"keyrxd/internal/keys"
	"keyrxd/internal/logging"
	"keyrxd/internal/remap"
)

// RawEvent is one captured key transition after conversion to the
// platform-independent key space.
type RawEvent struct {
	Device    string    `json:"device"`
	Key       keys.Key  `json:"key"`
	Kind      keys.Kind `json:"kind"`
	Timestamp uint64    `json:"timestamp_us"`
}

// Event strips the device id.
func (e RawEvent) Event() keys.Event {
	return keys.Event{Key: e.Key, Kind: e.Kind, Timestamp: e.Timestamp}
}

// DeviceInfo describes a captured keyboard.
type DeviceInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Path    string `json:"path,omitempty"`
	Vendor  uint16 `json:"vendor,omitempty"`
	Product uint16 `json:"product,omitempty"`
}

// Sink receives captured events. Send must never block: backends call it
// from OS callbacks and reader goroutines.
type Sink interface {
	Send(RawEvent)
	DeviceAdded(DeviceInfo)
	DeviceRemoved(id string, err error)
}

// UnmappedSink is implemented by sinks that count native codes with no
// key identity. Backends report those through it and drop the event.
type UnmappedSink interface {
	Unmapped(device string, code uint32)
}

func reportUnmapped(sink Sink, device string, code uint32) {
	if u, ok := sink.(UnmappedSink); ok {
		u.Unmapped(device, code)
	}
}

// Handle owns the OS resources of a running capture. Close is idempotent
// and safe to call from any goroutine.
type Handle struct {
	backend string
	once    sync.Once
	closeFn func() error
	err     error
	done    chan struct{}
}

func newHandle(backend string, closeFn func() error) *Handle {
	return &Handle{backend: backend, closeFn: closeFn, done: make(chan struct{})}
}

// Backend returns the name of the backend that created the handle.
func (h *Handle) Backend() string { return h.backend }

// Done is closed once the handle has been closed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Close releases the captured devices or hook. Later calls return the
// result of the first.
func (h *Handle) Close() error {
	h.once.Do(func() {
		if h.closeFn != nil {
			h.err = h.closeFn()
		}
		close(h.done)
	})
	return h.err
}

// Backend captures and injects key events.
type Backend interface {
	// Name returns the backend identifier (grab, hook, mock).
	Name() string

	// Available reports whether the backend can run here, with a
	// human-readable reason.
	Available() (bool, string)

	// Start begins capturing and delivers events to sink until the
	// returned handle is closed or ctx is cancelled.
	Start(ctx context.Context, sink Sink) (*Handle, error)

	// Inject emits one output event into the OS input stream.
	Inject(ev remap.OutputEvent) error

	// Stop closes h and any injection resources.
	Stop(h *Handle) error
}

// Options selects and configures a backend.
type Options struct {
	// Backend is "auto", "grab", "hook" or "mock".
	Backend string

	// Include and Exclude are path.Match patterns applied to device names
	// and paths. An empty Include matches every keyboard.
	Include []string
	Exclude []string

	// VirtualDeviceName names the uinput output device on Linux.
	VirtualDeviceName string

	// WatchHotplug adds keyboards that appear after Start.
	WatchHotplug bool

	// WatchSleep rescans devices after the system resumes from suspend.
	WatchSleep bool

	Logger *logging.Logger
}

// DefaultVirtualDeviceName is the name of the uinput output device.
const DefaultVirtualDeviceName = "keyrxd virtual keyboard"

// New returns the backend selected by opts for the current OS.
func New(opts Options) (Backend, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.VirtualDeviceName == "" {
		opts.VirtualDeviceName = DefaultVirtualDeviceName
	}

	name := strings.ToLower(opts.Backend)
	if name == "" || name == "auto" {
		name = defaultBackend()
	}
	switch name {
	case "mock":
		return NewMock(), nil
	case nativeBackend:
		return newNative(opts)
	default:
		return nil, &Error{Op: "select backend", Kind: KindNotAvailable,
			Err: fmt.Errorf("backend %q is not supported on %s", name, runtime.GOOS)}
	}
}

// selected reports whether a device passes the include/exclude filters.
// Patterns are matched against both the device name and its path.
func (o Options) selected(name, devPath string) bool {
	if name == o.VirtualDeviceName {
		return false
	}
	for _, pattern := range o.Exclude {
		if matchAny(pattern, name, devPath) {
			return false
		}
	}
	if len(o.Include) == 0 {
		return true
	}
	for _, pattern := range o.Include {
		if matchAny(pattern, name, devPath) {
			return true
		}
	}
	return false
}

func matchAny(pattern string, values ...string) bool {
	for _, v := range values {
		if v == "" {
			continue
		}
		if ok, _ := path.Match(pattern, v); ok {
			return true
		}
	}
	return false
}
