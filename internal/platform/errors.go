package platform

import (
	"errors"
	"fmt"
)

// ErrorKind classifies platform failures.
type ErrorKind uint8

const (
	KindHandleAcquisition ErrorKind = iota + 1
	KindLockPoisoned
	KindDeviceError
	KindPermissionDenied
	KindDeviceRemoved
	KindNotAvailable
)

// Sentinels for errors.Is. An *Error matches the sentinel of its kind.
var (
	ErrHandleAcquisition = errors.New("platform: failed to acquire OS handle")
	ErrLockPoisoned      = errors.New("platform: lock poisoned")
	ErrDeviceError       = errors.New("platform: device error")
	ErrPermissionDenied  = errors.New("platform: permission denied")
	ErrDeviceRemoved     = errors.New("platform: device removed")
	ErrNotAvailable      = errors.New("platform: backend not available")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindHandleAcquisition:
		return ErrHandleAcquisition
	case KindLockPoisoned:
		return ErrLockPoisoned
	case KindDeviceError:
		return ErrDeviceError
	case KindPermissionDenied:
		return ErrPermissionDenied
	case KindDeviceRemoved:
		return ErrDeviceRemoved
	case KindNotAvailable:
		return ErrNotAvailable
	}
	return nil
}

func (k ErrorKind) String() string {
	switch k {
	case KindHandleAcquisition:
		return "handle acquisition"
	case KindLockPoisoned:
		return "lock poisoned"
	case KindDeviceError:
		return "device error"
	case KindPermissionDenied:
		return "permission denied"
	case KindDeviceRemoved:
		return "device removed"
	case KindNotAvailable:
		return "not available"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error is a platform failure with the operation and device involved.
type Error struct {
	Op     string
	Device string
	Kind   ErrorKind
	Err    error
}

func (e *Error) Error() string {
	msg := "platform: " + e.Op
	if e.Device != "" {
		msg += " " + e.Device
	}
	msg += ": " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

var errAlreadyStarted = errors.New("capture already running")
