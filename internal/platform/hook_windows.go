//go:build windows

package platform

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"keyrxd/internal/guard"
	"keyrxd/internal/keys"
	"keyrxd/internal/logging"
	"keyrxd/internal/remap"
)

const nativeBackend = "hook"

func defaultBackend() string { return nativeBackend }

func newNative(opts Options) (Backend, error) {
	return NewHook(opts), nil
}

var (
	user32   = windows.NewLazySystemDLL("user32.dll")
	kernel32 = windows.NewLazySystemDLL("kernel32.dll")

	procSetWindowsHookExW   = user32.NewProc("SetWindowsHookExW")
	procUnhookWindowsHookEx = user32.NewProc("UnhookWindowsHookEx")
	procCallNextHookEx      = user32.NewProc("CallNextHookEx")
	procGetMessageW         = user32.NewProc("GetMessageW")
	procPostThreadMessageW  = user32.NewProc("PostThreadMessageW")
	procSendInput           = user32.NewProc("SendInput")
	procGetModuleHandleW    = kernel32.NewProc("GetModuleHandleW")
)

const (
	whKeyboardLL = 13
	hcAction     = 0
	wmQuit       = 0x0012
	wmKeyUp      = 0x0101
	wmSysKeyUp   = 0x0105

	llkhfExtended = 0x01
	llkhfInjected = 0x10

	inputKeyboard = 1

	// injectMarker tags our own SendInput events in dwExtraInfo ("KRXD").
	injectMarker = 0x4B525844
)

type kbdllHookStruct struct {
	VkCode      uint32
	ScanCode    uint32
	Flags       uint32
	Time        uint32
	DwExtraInfo uintptr
}

type keybdInput struct {
	Vk        uint16
	Scan      uint16
	Flags     uint32
	Time      uint32
	ExtraInfo uintptr
}

// keyboardInputEvent mirrors INPUT with the keyboard union member. The
// trailing pad brings it to the size of the largest union member.
type keyboardInputEvent struct {
	Type uint32
	Ki   keybdInput
	_    [8]byte
}

type winMsg struct {
	Hwnd    uintptr
	Message uint32
	WParam  uintptr
	LParam  uintptr
	Time    uint32
	Pt      struct{ X, Y int32 }
}

// hookSlot is the state the hook callback reads. The OS calls the
// callback on the pump thread with no user pointer, so it lives in a
// package-level guard installed by Start and cleared on teardown.
type hookSlot struct {
	sink      Sink
	log       *logging.Logger
	installed bool
}

var (
	slot         = guard.New("hook", hookSlot{}, nil)
	hookCallback = syscall.NewCallback(lowLevelKeyboardProc)
)

func lowLevelKeyboardProc(nCode int, wParam uintptr, lParam uintptr) uintptr {
	if nCode == hcAction {
		kb := (*kbdllHookStruct)(unsafe.Pointer(lParam))
		if kb.Flags&llkhfInjected == 0 && kb.DwExtraInfo != injectMarker {
			var swallow bool
			err := slot.With(func(s *hookSlot) {
				if !s.installed || s.sink == nil {
					return
				}
				k, ok := keys.FromVirtualKey(uint16(kb.VkCode), kb.Flags&llkhfExtended != 0)
				if !ok {
					s.log.Debug("unmapped virtual key", "vk", kb.VkCode)
					reportUnmapped(s.sink, "hook", kb.VkCode)
					return
				}
				kind := keys.Press
				if wParam == wmKeyUp || wParam == wmSysKeyUp {
					kind = keys.Release
				}
				s.sink.Send(RawEvent{Device: "hook", Key: k, Kind: kind, Timestamp: Now()})
				swallow = true
			})
			if err == nil && swallow {
				return 1
			}
		}
	}
	ret, _, _ := procCallNextHookEx.Call(0, uintptr(nCode), wParam, lParam)
	return ret
}

// Hook captures keys with a low-level keyboard hook and injects with
// SendInput. Injected events carry a marker and are passed through
// untouched by the hook.
type Hook struct {
	opts Options
	log  *logging.Logger

	mu       sync.Mutex
	threadID uint32
	done     chan struct{}
}

// NewHook returns the Windows hook backend.
func NewHook(opts Options) *Hook {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Hook{opts: opts, log: opts.Logger.WithComponent("hook")}
}

func (h *Hook) Name() string { return nativeBackend }

func (h *Hook) Available() (bool, string) {
	if err := procSetWindowsHookExW.Find(); err != nil {
		return false, fmt.Sprintf("user32 unavailable: %v", err)
	}
	return true, "low-level keyboard hook"
}

// Start installs the hook on a dedicated goroutine locked to its OS
// thread and pumps messages there until the handle is closed.
func (h *Hook) Start(ctx context.Context, sink Sink) (*Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.done != nil {
		return nil, &Error{Op: "start", Kind: KindHandleAcquisition, Err: errAlreadyStarted}
	}

	var installErr error
	slot.With(func(s *hookSlot) {
		if s.installed {
			installErr = errors.New("another hook backend is installed")
			return
		}
		*s = hookSlot{sink: sink, log: h.log, installed: true}
	})
	if installErr != nil {
		return nil, &Error{Op: "install hook", Kind: KindHandleAcquisition, Err: installErr}
	}

	ready := make(chan error, 1)
	done := make(chan struct{})
	threadID := make(chan uint32, 1)

	go h.pump(ready, threadID, done)

	if err := <-ready; err != nil {
		<-done
		clearSlot()
		return nil, &Error{Op: "install hook", Kind: KindHandleAcquisition, Err: err}
	}
	h.threadID = <-threadID
	h.done = done

	sink.DeviceAdded(DeviceInfo{ID: "hook", Name: "system keyboard"})

	tid := h.threadID
	handle := newHandle(h.Name(), func() error {
		procPostThreadMessageW.Call(uintptr(tid), wmQuit, 0, 0)
		<-done
		clearSlot()
		h.mu.Lock()
		h.done = nil
		h.mu.Unlock()
		h.log.Info("keyboard hook removed")
		return nil
	})

	go func() {
		select {
		case <-ctx.Done():
			handle.Close()
		case <-handle.Done():
		}
	}()

	h.log.Info("keyboard hook installed")
	return handle, nil
}

func clearSlot() {
	slot.With(func(s *hookSlot) { *s = hookSlot{} })
	slot.ClearPoison()
}

// pump owns the hook for its whole lifetime. The unhook runs in a defer so
// every exit path, including a panic, removes it.
func (h *Hook) pump(ready chan<- error, threadID chan<- uint32, done chan<- struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(done)

	module, _, _ := procGetModuleHandleW.Call(0)
	hook, _, err := procSetWindowsHookExW.Call(whKeyboardLL, hookCallback, module, 0)
	if hook == 0 {
		ready <- fmt.Errorf("SetWindowsHookExW: %w", err)
		return
	}
	defer procUnhookWindowsHookEx.Call(hook)

	threadID <- windows.GetCurrentThreadId()
	ready <- nil

	var msg winMsg
	for {
		ret, _, _ := procGetMessageW.Call(uintptr(unsafe.Pointer(&msg)), 0, 0, 0)
		if int32(ret) <= 0 {
			return
		}
	}
}

// Inject sends ev as a keyboard input tagged with the marker.
func (h *Hook) Inject(ev remap.OutputEvent) error {
	stroke, err := strokeFor(ev)
	if err != nil {
		return &Error{Op: "inject", Kind: KindDeviceError, Err: err}
	}

	in := keyboardInputEvent{
		Type: inputKeyboard,
		Ki: keybdInput{
			Vk:        stroke.Vk,
			Scan:      stroke.Scan,
			Flags:     stroke.Flags,
			ExtraInfo: injectMarker,
		},
	}
	n, _, err := procSendInput.Call(1, uintptr(unsafe.Pointer(&in)), unsafe.Sizeof(in))
	if n != 1 {
		return &Error{Op: "inject", Kind: KindDeviceError, Err: fmt.Errorf("SendInput: %w", err)}
	}
	return nil
}

func (h *Hook) Stop(handle *Handle) error {
	if handle == nil {
		return nil
	}
	return handle.Close()
}
