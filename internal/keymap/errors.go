package keymap

import (
	"errors"
	"fmt"
)

// Sentinel errors for each stage of the load pipeline. Use errors.Is to
// classify and errors.As with *SerializationError for details.
var (
	ErrInvalidSize    = errors.New("keymap: invalid size")
	ErrInvalidMagic   = errors.New("keymap: invalid magic")
	ErrInvalidVersion = errors.New("keymap: unsupported version")
	ErrCorruptedData  = errors.New("keymap: corrupted data")
)

// ErrorKind classifies a SerializationError.
type ErrorKind int

const (
	InvalidSize ErrorKind = iota
	InvalidMagic
	InvalidVersion
	CorruptedData
)

func (k ErrorKind) String() string {
	switch k {
	case InvalidSize:
		return "InvalidSize"
	case InvalidMagic:
		return "InvalidMagic"
	case InvalidVersion:
		return "InvalidVersion"
	case CorruptedData:
		return "CorruptedData"
	}
	return "Unknown"
}

func (k ErrorKind) sentinel() error {
	switch k {
	case InvalidSize:
		return ErrInvalidSize
	case InvalidMagic:
		return ErrInvalidMagic
	case InvalidVersion:
		return ErrInvalidVersion
	}
	return ErrCorruptedData
}

// SerializationError reports why a binary keymap was rejected.
type SerializationError struct {
	Kind ErrorKind

	// Expected and Found are set for size, magic and version errors.
	// AtLeast marks Expected as a lower bound.
	Expected uint64
	Found    uint64
	AtLeast  bool

	// Location is a human-readable hint for CorruptedData, such as
	// "layer[1].entry[4].tap".
	Location string
	Reason   string
}

func (e *SerializationError) Error() string {
	switch e.Kind {
	case InvalidSize:
		if e.AtLeast {
			return fmt.Sprintf("%v: expected at least %d bytes, found %d", ErrInvalidSize, e.Expected, e.Found)
		}
		return fmt.Sprintf("%v: expected %d bytes, found %d", ErrInvalidSize, e.Expected, e.Found)
	case InvalidMagic:
		return fmt.Sprintf("%v: expected 0x%08X, found 0x%08X", ErrInvalidMagic, e.Expected, e.Found)
	case InvalidVersion:
		return fmt.Sprintf("%v: expected %d, found %d", ErrInvalidVersion, e.Expected, e.Found)
	}
	if e.Location == "" {
		return fmt.Sprintf("%v: %s", ErrCorruptedData, e.Reason)
	}
	return fmt.Sprintf("%v at %s: %s", ErrCorruptedData, e.Location, e.Reason)
}

// Is matches the sentinel for the error's kind.
func (e *SerializationError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func corrupted(location, format string, args ...any) *SerializationError {
	return &SerializationError{Kind: CorruptedData, Location: location, Reason: fmt.Sprintf(format, args...)}
}
