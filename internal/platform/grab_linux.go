//go:build linux

package platform

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/godbus/dbus/v5"
	evdev "github.com/holoplot/go-evdev"

	"keyrxd/internal/keys"
	"keyrxd/internal/logging"
	"keyrxd/internal/remap"
)

const nativeBackend = "grab"

const (
	inputDir  = "/dev/input"
	uinputDev = "/dev/uinput"

	// udev needs a moment to apply permissions to a new node.
	hotplugSettle = 250 * time.Millisecond
	resumeSettle  = time.Second
)

func defaultBackend() string { return nativeBackend }

func newNative(opts Options) (Backend, error) {
	return NewGrab(opts), nil
}

// Grab captures keyboards with an exclusive EVIOCGRAB and injects through
// a uinput virtual keyboard. Other programs see only the virtual device.
type Grab struct {
	opts Options
	log  *logging.Logger

	mu      sync.Mutex
	devices map[string]*grabbedDevice
	sink    Sink
	closing bool
	wg      sync.WaitGroup

	outMu sync.Mutex
	out   *evdev.InputDevice
}

type grabbedDevice struct {
	info DeviceInfo
	dev  *evdev.InputDevice
}

// NewGrab returns the Linux grab backend.
func NewGrab(opts Options) *Grab {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.VirtualDeviceName == "" {
		opts.VirtualDeviceName = DefaultVirtualDeviceName
	}
	return &Grab{
		opts:    opts,
		log:     opts.Logger.WithComponent("grab"),
		devices: make(map[string]*grabbedDevice),
	}
}

func (g *Grab) Name() string { return nativeBackend }

// Available checks that at least one keyboard and the uinput node can be
// opened.
func (g *Grab) Available() (bool, string) {
	f, err := os.OpenFile(uinputDev, os.O_WRONLY, 0)
	if err != nil {
		return false, fmt.Sprintf("cannot open %s (load the uinput module and check permissions): %v", uinputDev, err)
	}
	f.Close()

	found, err := ListKeyboards()
	if err != nil {
		return false, fmt.Sprintf("cannot list input devices: %v", err)
	}
	if len(found) == 0 {
		return false, "no readable keyboard devices (need to be in 'input' group or run as root)"
	}
	return true, fmt.Sprintf("found %d keyboard(s)", len(found))
}

// Start creates the virtual output keyboard, grabs every selected
// keyboard and starts one reader goroutine per device.
func (g *Grab) Start(ctx context.Context, sink Sink) (*Handle, error) {
	g.mu.Lock()
	if g.sink != nil {
		g.mu.Unlock()
		return nil, &Error{Op: "start", Kind: KindHandleAcquisition, Err: errAlreadyStarted}
	}
	g.sink = sink
	g.closing = false
	g.mu.Unlock()

	if err := g.openOutput(); err != nil {
		g.reset()
		return nil, err
	}

	grabbed, scanErr := g.scan()
	if grabbed == 0 && !g.opts.WatchHotplug {
		g.closeAll()
		g.reset()
		if scanErr != nil {
			return nil, scanErr
		}
		return nil, &Error{Op: "start", Kind: KindHandleAcquisition, Err: errors.New("no keyboards matched")}
	}
	if grabbed == 0 {
		g.log.Warn("no keyboards grabbed yet, waiting for hotplug")
	}

	runCtx, cancel := context.WithCancel(ctx)
	var closers []func() error

	if g.opts.WatchHotplug {
		stop, err := g.watchHotplug(runCtx)
		if err != nil {
			g.log.Warn("hotplug watch unavailable", "error", err)
		} else {
			closers = append(closers, stop)
		}
	}
	if g.opts.WatchSleep {
		stop, err := g.watchSleep(runCtx)
		if err != nil {
			g.log.Warn("suspend watch unavailable", "error", err)
		} else {
			closers = append(closers, stop)
		}
	}

	h := newHandle(g.Name(), func() error {
		cancel()
		for _, c := range closers {
			c()
		}
		g.closeAll()
		g.wg.Wait()
		g.reset()
		return nil
	})

	go func() {
		select {
		case <-runCtx.Done():
			h.Close()
		case <-h.Done():
		}
	}()

	return h, nil
}

func (g *Grab) reset() {
	g.mu.Lock()
	g.sink = nil
	g.mu.Unlock()
}

// Inject writes ev to the virtual keyboard followed by a SYN_REPORT.
func (g *Grab) Inject(ev remap.OutputEvent) error {
	code, ok := ev.Key.Evdev()
	if !ok {
		return &Error{Op: "inject", Kind: KindDeviceError, Err: fmt.Errorf("%s has no evdev code", ev.Key)}
	}
	value := int32(1)
	if ev.Kind == keys.Release {
		value = 0
	}

	g.outMu.Lock()
	defer g.outMu.Unlock()

	if g.out == nil {
		return &Error{Op: "inject", Kind: KindNotAvailable, Err: errors.New("virtual keyboard not open")}
	}
	if err := g.out.WriteOne(&evdev.InputEvent{Type: evdev.EV_KEY, Code: evdev.EvCode(code), Value: value}); err != nil {
		return &Error{Op: "inject", Device: g.opts.VirtualDeviceName, Kind: KindDeviceError, Err: err}
	}
	if err := g.out.WriteOne(&evdev.InputEvent{Type: evdev.EV_SYN, Code: evdev.SYN_REPORT}); err != nil {
		return &Error{Op: "inject", Device: g.opts.VirtualDeviceName, Kind: KindDeviceError, Err: err}
	}
	return nil
}

// Stop closes h and the virtual keyboard.
func (g *Grab) Stop(h *Handle) error {
	var err error
	if h != nil {
		err = h.Close()
	}

	g.outMu.Lock()
	defer g.outMu.Unlock()
	if g.out != nil {
		if cerr := g.out.Close(); cerr != nil && err == nil {
			err = cerr
		}
		g.out = nil
	}
	return err
}

func (g *Grab) openOutput() error {
	g.outMu.Lock()
	defer g.outMu.Unlock()

	if g.out != nil {
		return nil
	}

	all := keys.All()
	codes := make([]evdev.EvCode, 0, len(all))
	for _, k := range all {
		if c, ok := k.Evdev(); ok {
			codes = append(codes, evdev.EvCode(c))
		}
	}

	out, err := evdev.CreateDevice(g.opts.VirtualDeviceName,
		evdev.InputID{BusType: evdev.BUS_USB, Vendor: 0x4b52, Product: 0x5844, Version: 1},
		map[evdev.EvType][]evdev.EvCode{evdev.EV_KEY: codes})
	if err != nil {
		return &Error{Op: "create virtual keyboard", Device: uinputDev, Kind: kindFor(err), Err: err}
	}
	g.out = out
	g.log.Info("virtual keyboard created", "name", g.opts.VirtualDeviceName)
	return nil
}

// scan grabs every selected keyboard not already captured. It returns the
// number of devices captured after the scan and the last open error.
func (g *Grab) scan() (int, error) {
	paths, err := evdev.ListDevicePaths()
	if err != nil {
		return g.count(), &Error{Op: "list devices", Device: inputDir, Kind: kindFor(err), Err: err}
	}

	var lastErr error
	for _, p := range paths {
		if g.has(p.Path) {
			continue
		}
		if !g.opts.selected(p.Name, p.Path) {
			continue
		}
		if err := g.add(p.Path); err != nil {
			if !errors.Is(err, errNotKeyboard) {
				g.log.Warn("cannot capture device", "device", p.Path, "error", err)
				lastErr = err
			}
		}
	}
	return g.count(), lastErr
}

var errNotKeyboard = errors.New("not a keyboard")

func (g *Grab) add(devPath string) error {
	dev, err := evdev.Open(devPath)
	if err != nil {
		return &Error{Op: "open", Device: devPath, Kind: kindFor(err), Err: err}
	}

	name, _ := dev.Name()
	if !isKeyboard(dev) || !g.opts.selected(name, devPath) {
		dev.Close()
		return errNotKeyboard
	}

	if err := dev.Grab(); err != nil {
		dev.Close()
		return &Error{Op: "grab", Device: devPath, Kind: KindHandleAcquisition, Err: err}
	}

	info := DeviceInfo{ID: devPath, Name: name, Path: devPath}
	if id, err := dev.InputID(); err == nil {
		info.Vendor, info.Product = id.Vendor, id.Product
	}
	gd := &grabbedDevice{info: info, dev: dev}

	g.mu.Lock()
	if g.closing || g.sink == nil {
		g.mu.Unlock()
		dev.Ungrab()
		dev.Close()
		return &Error{Op: "grab", Device: devPath, Kind: KindHandleAcquisition, Err: errors.New("capture stopping")}
	}
	if _, dup := g.devices[devPath]; dup {
		g.mu.Unlock()
		dev.Ungrab()
		dev.Close()
		return nil
	}
	g.devices[devPath] = gd
	sink := g.sink
	g.wg.Add(1)
	g.mu.Unlock()

	g.log.Info("keyboard grabbed", "device", devPath, "name", name)
	sink.DeviceAdded(info)
	go g.read(gd, sink)
	return nil
}

// read forwards key events until the device fails or is closed.
func (g *Grab) read(gd *grabbedDevice, sink Sink) {
	defer g.wg.Done()

	for {
		ev, err := gd.dev.ReadOne()
		if err != nil {
			g.remove(gd, err)
			return
		}
		if ev.Type != evdev.EV_KEY {
			continue
		}

		k, ok := keys.FromEvdev(uint16(ev.Code))
		if !ok {
			g.log.Debug("unmapped evdev code", "device", gd.info.ID, "code", uint16(ev.Code))
			reportUnmapped(sink, gd.info.ID, uint32(ev.Code))
			continue
		}

		kind := keys.Press
		if ev.Value == 0 {
			kind = keys.Release
		}
		sink.Send(RawEvent{Device: gd.info.ID, Key: k, Kind: kind, Timestamp: Now()})
	}
}

func (g *Grab) remove(gd *grabbedDevice, cause error) {
	g.mu.Lock()
	closing := g.closing
	if cur, ok := g.devices[gd.info.ID]; ok && cur == gd {
		delete(g.devices, gd.info.ID)
	}
	sink := g.sink
	g.mu.Unlock()

	if closing {
		return
	}

	gd.dev.Ungrab()
	gd.dev.Close()

	err := &Error{Op: "read", Device: gd.info.ID, Kind: KindDeviceRemoved, Err: cause}
	g.log.Warn("keyboard removed", "device", gd.info.ID, "error", cause)
	if sink != nil {
		sink.DeviceRemoved(gd.info.ID, err)
	}
}

// closeAll releases every grabbed device. Blocked ReadOne calls return an
// error once their device is closed, which ends the reader goroutines.
func (g *Grab) closeAll() {
	g.mu.Lock()
	g.closing = true
	devices := g.devices
	g.devices = make(map[string]*grabbedDevice)
	g.mu.Unlock()

	for _, gd := range devices {
		gd.dev.Ungrab()
		gd.dev.Close()
	}
}

func (g *Grab) has(devPath string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.devices[devPath]
	return ok
}

func (g *Grab) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.devices)
}

// Devices returns the currently grabbed keyboards.
func (g *Grab) Devices() []DeviceInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]DeviceInfo, 0, len(g.devices))
	for _, gd := range g.devices {
		out = append(out, gd.info)
	}
	return out
}

// watchHotplug rescans when new event nodes appear under /dev/input.
func (g *Grab) watchHotplug(ctx context.Context) (func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(inputDir); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) || !strings.HasPrefix(filepath.Base(ev.Name), "event") {
					continue
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(hotplugSettle):
				}
				if err := g.add(ev.Name); err != nil && !errors.Is(err, errNotKeyboard) {
					g.log.Warn("hotplug capture failed", "device", ev.Name, "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				g.log.Warn("hotplug watch error", "error", err)
			}
		}
	}()

	return watcher.Close, nil
}

// watchSleep rescans devices when logind reports a resume. Keyboards are
// often re-enumerated across suspend, so grabs taken before it are lost.
func (g *Grab) watchSleep(ctx context.Context) (func() error, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.login1.Manager"),
		dbus.WithMatchMember("PrepareForSleep"),
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("match PrepareForSleep: %w", err)
	}

	signals := make(chan *dbus.Signal, 4)
	conn.Signal(signals)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				if len(sig.Body) == 0 {
					continue
				}
				sleeping, _ := sig.Body[0].(bool)
				if sleeping {
					g.log.Info("system suspending")
					continue
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(resumeSettle):
				}
				n, err := g.scan()
				g.log.Info("rescanned keyboards after resume", "devices", n, "error", err)
			}
		}
	}()

	return conn.Close, nil
}

// isKeyboard reports whether dev emits letter keys. Mice and power
// buttons also report EV_KEY, so a single capability is not enough.
func isKeyboard(dev *evdev.InputDevice) bool {
	var hasA, hasZ bool
	for _, c := range dev.CapableEvents(evdev.EV_KEY) {
		switch c {
		case evdev.KEY_A:
			hasA = true
		case evdev.KEY_Z:
			hasZ = true
		}
	}
	return hasA && hasZ
}

func kindFor(err error) ErrorKind {
	if errors.Is(err, fs.ErrPermission) {
		return KindPermissionDenied
	}
	return KindDeviceError
}

// ListKeyboards returns every readable keyboard, without grabbing it.
func ListKeyboards() ([]DeviceInfo, error) {
	paths, err := evdev.ListDevicePaths()
	if err != nil {
		return nil, err
	}

	var out []DeviceInfo
	for _, p := range paths {
		dev, err := evdev.Open(p.Path)
		if err != nil {
			continue
		}
		if isKeyboard(dev) {
			info := DeviceInfo{ID: p.Path, Name: p.Name, Path: p.Path}
			if id, err := dev.InputID(); err == nil {
				info.Vendor, info.Product = id.Vendor, id.Product
			}
			out = append(out, info)
		}
		dev.Close()
	}
	return out, nil
}

// Watch reads key events from one device without grabbing it and calls fn
// for each press and release until ctx is cancelled. Repeats are skipped.
func Watch(ctx context.Context, devPath string, fn func(RawEvent)) error {
	dev, err := evdev.Open(devPath)
	if err != nil {
		return &Error{Op: "open", Device: devPath, Kind: kindFor(err), Err: err}
	}

	stop := context.AfterFunc(ctx, func() { dev.Close() })
	defer stop()

	for {
		ev, err := dev.ReadOne()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			dev.Close()
			return &Error{Op: "read", Device: devPath, Kind: KindDeviceRemoved, Err: err}
		}
		if ev.Type != evdev.EV_KEY || ev.Value == 2 {
			continue
		}
		k, ok := keys.FromEvdev(uint16(ev.Code))
		if !ok {
			continue
		}
		kind := keys.Press
		if ev.Value == 0 {
			kind = keys.Release
		}
		fn(RawEvent{Device: devPath, Key: k, Kind: kind, Timestamp: Now()})
	}
}
