package platform

import (
	"fmt"

	"keyrxd/internal/keys"
	"keyrxd/internal/remap"
)

// KEYBDINPUT flags.
const (
	keyeventfExtended = 0x0001
	keyeventfKeyUp    = 0x0002
	keyeventfScanCode = 0x0008
)

// keyStroke is the part of a KEYBDINPUT that depends on the event.
type keyStroke struct {
	Vk    uint16
	Scan  uint16
	Flags uint32
}

// strokeFor builds the SendInput fields for ev. Keys with a Set 1 scan
// code go out by scan code; the rest (Pause) go out by virtual key.
func strokeFor(ev remap.OutputEvent) (keyStroke, error) {
	var s keyStroke
	if sc, ok := ev.Key.ScanCode(); ok {
		s.Scan = sc & 0xFF
		s.Flags = keyeventfScanCode
		if sc&keys.ExtendedScanPrefix == keys.ExtendedScanPrefix {
			s.Flags |= keyeventfExtended
		}
	} else if vk, ext, ok := ev.Key.VirtualKey(); ok {
		s.Vk = vk
		if ext {
			s.Flags |= keyeventfExtended
		}
	} else {
		return keyStroke{}, fmt.Errorf("%s has no scan code or virtual key", ev.Key)
	}
	if ev.Kind == keys.Release {
		s.Flags |= keyeventfKeyUp
	}
	return s, nil
}
