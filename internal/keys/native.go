package keys

// ExtendedScanPrefix marks scan codes that are sent with the E0 prefix.
const ExtendedScanPrefix = 0xE000

// FromEvdev maps a Linux input-event code (KEY_*) to a Key.
func FromEvdev(code uint16) (Key, bool) {
	if int(code) >= len(fromEvdev) {
		return None, false
	}
	k := fromEvdev[code]
	return k, k != None
}

// Evdev returns the Linux input-event code for k.
func (k Key) Evdev() (uint16, bool) {
	if !k.Valid() {
		return 0, false
	}
	code := infoByKey[k].evdev
	return code, code != 0
}

// FromVirtualKey maps a Windows virtual-key code to a Key. extended is the
// LLKHF_EXTENDED bit; it only disambiguates keys sharing a virtual key,
// such as Enter and KpEnter.
func FromVirtualKey(vk uint16, extended bool) (Key, bool) {
	if vk > 0xFF {
		return None, false
	}
	if extended {
		if k := fromVKExt[vk]; k != None {
			return k, true
		}
	}
	k := fromVK[vk]
	return k, k != None
}

// VirtualKey returns the Windows virtual-key code for k and whether it must
// be sent with the extended flag.
func (k Key) VirtualKey() (vk uint16, extended bool, ok bool) {
	if !k.Valid() {
		return 0, false, false
	}
	row := infoByKey[k]
	if row.vk == 0 {
		return 0, false, false
	}
	return row.vk, row.vkExt || row.scan&ExtendedScanPrefix == ExtendedScanPrefix, true
}

// ScanCode returns the Set 1 scan code for k. Extended codes carry
// ExtendedScanPrefix in the high byte. Keys without a single scan code
// (Pause) report false and must be injected by virtual key.
//
// Scan codes identify physical positions on a US layout. Converting a
// virtual key from a non-US layout through this table does not recover the
// physical key the user pressed.
func (k Key) ScanCode() (uint16, bool) {
	if !k.Valid() {
		return 0, false
	}
	sc := infoByKey[k].scan
	return sc, sc != 0
}

// FromScanCode maps a Set 1 scan code (with ExtendedScanPrefix for E0
// codes) to a Key.
func FromScanCode(sc uint16) (Key, bool) {
	k, ok := fromScan[sc]
	return k, ok
}

var fromScan = func() map[uint16]Key {
	m := make(map[uint16]Key, len(table))
	for i := range table {
		if table[i].scan == 0 {
			continue
		}
		if _, dup := m[table[i].scan]; !dup {
			m[table[i].scan] = table[i].key
		}
	}
	return m
}()
