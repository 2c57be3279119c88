package keys

import (
	"fmt"
	"strings"
)

// info describes one key across native code spaces. A zero evdev, vk or
// scan field means the key has no code in that space.
type info struct {
	key   Key
	name  string
	evdev uint16
	vk    uint16
	vkExt bool
	scan  uint16
}

// table is the single source of truth for native code mappings. When two
// keys share a native code the first row wins for the reverse lookup.
var table = []info{
	{Escape, "Escape", 1, 0x1B, false, 0x01},
	{Digit1, "1", 2, 0x31, false, 0x02},
	{Digit2, "2", 3, 0x32, false, 0x03},
	{Digit3, "3", 4, 0x33, false, 0x04},
	{Digit4, "4", 5, 0x34, false, 0x05},
	{Digit5, "5", 6, 0x35, false, 0x06},
	{Digit6, "6", 7, 0x36, false, 0x07},
	{Digit7, "7", 8, 0x37, false, 0x08},
	{Digit8, "8", 9, 0x38, false, 0x09},
	{Digit9, "9", 10, 0x39, false, 0x0A},
	{Digit0, "0", 11, 0x30, false, 0x0B},
	{Minus, "Minus", 12, 0xBD, false, 0x0C},
	{Equal, "Equal", 13, 0xBB, false, 0x0D},
	{Backspace, "Backspace", 14, 0x08, false, 0x0E},
	{Tab, "Tab", 15, 0x09, false, 0x0F},
	{Q, "Q", 16, 0x51, false, 0x10},
	{W, "W", 17, 0x57, false, 0x11},
	{E, "E", 18, 0x45, false, 0x12},
	{R, "R", 19, 0x52, false, 0x13},
	{T, "T", 20, 0x54, false, 0x14},
	{Y, "Y", 21, 0x59, false, 0x15},
	{U, "U", 22, 0x55, false, 0x16},
	{I, "I", 23, 0x49, false, 0x17},
	{O, "O", 24, 0x4F, false, 0x18},
	{P, "P", 25, 0x50, false, 0x19},
	{LeftBrace, "LeftBrace", 26, 0xDB, false, 0x1A},
	{RightBrace, "RightBrace", 27, 0xDD, false, 0x1B},
	{Enter, "Enter", 28, 0x0D, false, 0x1C},
	{LeftCtrl, "LeftCtrl", 29, 0xA2, false, 0x1D},
	{A, "A", 30, 0x41, false, 0x1E},
	{S, "S", 31, 0x53, false, 0x1F},
	{D, "D", 32, 0x44, false, 0x20},
	{F, "F", 33, 0x46, false, 0x21},
	{G, "G", 34, 0x47, false, 0x22},
	{H, "H", 35, 0x48, false, 0x23},
	{J, "J", 36, 0x4A, false, 0x24},
	{K, "K", 37, 0x4B, false, 0x25},
	{L, "L", 38, 0x4C, false, 0x26},
	{Semicolon, "Semicolon", 39, 0xBA, false, 0x27},
	{Apostrophe, "Apostrophe", 40, 0xDE, false, 0x28},
	{Grave, "Grave", 41, 0xC0, false, 0x29},
	{LeftShift, "LeftShift", 42, 0xA0, false, 0x2A},
	{Backslash, "Backslash", 43, 0xDC, false, 0x2B},
	{Z, "Z", 44, 0x5A, false, 0x2C},
	{X, "X", 45, 0x58, false, 0x2D},
	{C, "C", 46, 0x43, false, 0x2E},
	{V, "V", 47, 0x56, false, 0x2F},
	{B, "B", 48, 0x42, false, 0x30},
	{N, "N", 49, 0x4E, false, 0x31},
	{M, "M", 50, 0x4D, false, 0x32},
	{Comma, "Comma", 51, 0xBC, false, 0x33},
	{Dot, "Dot", 52, 0xBE, false, 0x34},
	{Slash, "Slash", 53, 0xBF, false, 0x35},
	{RightShift, "RightShift", 54, 0xA1, false, 0x36},
	{KpAsterisk, "KpAsterisk", 55, 0x6A, false, 0x37},
	{LeftAlt, "LeftAlt", 56, 0xA4, false, 0x38},
	{Space, "Space", 57, 0x20, false, 0x39},
	{CapsLock, "CapsLock", 58, 0x14, false, 0x3A},
	{F1, "F1", 59, 0x70, false, 0x3B},
	{F2, "F2", 60, 0x71, false, 0x3C},
	{F3, "F3", 61, 0x72, false, 0x3D},
	{F4, "F4", 62, 0x73, false, 0x3E},
	{F5, "F5", 63, 0x74, false, 0x3F},
	{F6, "F6", 64, 0x75, false, 0x40},
	{F7, "F7", 65, 0x76, false, 0x41},
	{F8, "F8", 66, 0x77, false, 0x42},
	{F9, "F9", 67, 0x78, false, 0x43},
	{F10, "F10", 68, 0x79, false, 0x44},
	{NumLock, "NumLock", 69, 0x90, false, 0x45},
	{ScrollLock, "ScrollLock", 70, 0x91, false, 0x46},
	{Kp7, "Kp7", 71, 0x67, false, 0x47},
	{Kp8, "Kp8", 72, 0x68, false, 0x48},
	{Kp9, "Kp9", 73, 0x69, false, 0x49},
	{KpMinus, "KpMinus", 74, 0x6D, false, 0x4A},
	{Kp4, "Kp4", 75, 0x64, false, 0x4B},
	{Kp5, "Kp5", 76, 0x65, false, 0x4C},
	{Kp6, "Kp6", 77, 0x66, false, 0x4D},
	{KpPlus, "KpPlus", 78, 0x6B, false, 0x4E},
	{Kp1, "Kp1", 79, 0x61, false, 0x4F},
	{Kp2, "Kp2", 80, 0x62, false, 0x50},
	{Kp3, "Kp3", 81, 0x63, false, 0x51},
	{Kp0, "Kp0", 82, 0x60, false, 0x52},
	{KpDot, "KpDot", 83, 0x6E, false, 0x53},
	{NonUSBackslash, "NonUSBackslash", 86, 0xE2, false, 0x56},
	{F11, "F11", 87, 0x7A, false, 0x57},
	{F12, "F12", 88, 0x7B, false, 0x58},
	{KpEnter, "KpEnter", 96, 0x0D, true, 0xE01C},
	{RightCtrl, "RightCtrl", 97, 0xA3, false, 0xE01D},
	{KpSlash, "KpSlash", 98, 0x6F, false, 0xE035},
	{PrintScreen, "PrintScreen", 99, 0x2C, false, 0xE037},
	{RightAlt, "RightAlt", 100, 0xA5, false, 0xE038},
	{Home, "Home", 102, 0x24, false, 0xE047},
	{Up, "Up", 103, 0x26, false, 0xE048},
	{PageUp, "PageUp", 104, 0x21, false, 0xE049},
	{Left, "Left", 105, 0x25, false, 0xE04B},
	{Right, "Right", 106, 0x27, false, 0xE04D},
	{End, "End", 107, 0x23, false, 0xE04F},
	{Down, "Down", 108, 0x28, false, 0xE050},
	{PageDown, "PageDown", 109, 0x22, false, 0xE051},
	{Insert, "Insert", 110, 0x2D, false, 0xE052},
	{Delete, "Delete", 111, 0x2E, false, 0xE053},
	{Mute, "Mute", 113, 0xAD, false, 0xE020},
	{VolumeDown, "VolumeDown", 114, 0xAE, false, 0xE02E},
	{VolumeUp, "VolumeUp", 115, 0xAF, false, 0xE030},
	// Pause sends a three byte E1 sequence; inject it by virtual key.
	{Pause, "Pause", 119, 0x13, false, 0},
	{LeftMeta, "LeftMeta", 125, 0x5B, false, 0xE05B},
	{RightMeta, "RightMeta", 126, 0x5C, false, 0xE05C},
	{Menu, "Menu", 127, 0x5D, false, 0xE05D},
	{F13, "F13", 183, 0x7C, false, 0x64},
	{F14, "F14", 184, 0x7D, false, 0x65},
	{F15, "F15", 185, 0x7E, false, 0x66},
	{F16, "F16", 186, 0x7F, false, 0x67},
	{F17, "F17", 187, 0x80, false, 0x68},
	{F18, "F18", 188, 0x81, false, 0x69},
	{F19, "F19", 189, 0x82, false, 0x6A},
	{F20, "F20", 190, 0x83, false, 0x6B},
	{F21, "F21", 191, 0x84, false, 0x6C},
	{F22, "F22", 192, 0x85, false, 0x6D},
	{F23, "F23", 193, 0x86, false, 0x6E},
	{F24, "F24", 194, 0x87, false, 0x76},
	{MediaNext, "MediaNext", 163, 0xB0, false, 0xE019},
	{MediaPlayPause, "MediaPlayPause", 164, 0xB3, false, 0xE022},
	{MediaPrev, "MediaPrev", 165, 0xB1, false, 0xE010},
	{MediaStop, "MediaStop", 166, 0xB2, false, 0xE024},
}

// Generic modifier virtual keys are reported by some injectors instead of
// the sided codes. They resolve to the left-hand key.
var vkAliases = map[uint16]Key{
	0x10: LeftShift,
	0x11: LeftCtrl,
	0x12: LeftAlt,
}

// extra names accepted by Parse.
var nameAliases = map[string]Key{
	"esc":        Escape,
	"return":     Enter,
	"bksp":       Backspace,
	"lshift":     LeftShift,
	"rshift":     RightShift,
	"lctrl":      LeftCtrl,
	"rctrl":      RightCtrl,
	"lalt":       LeftAlt,
	"ralt":       RightAlt,
	"altgr":      RightAlt,
	"lmeta":      LeftMeta,
	"rmeta":      RightMeta,
	"lwin":       LeftMeta,
	"rwin":       RightMeta,
	"leftwin":    LeftMeta,
	"rightwin":   RightMeta,
	"caps":       CapsLock,
	"capital":    CapsLock,
	"period":     Dot,
	"quote":      Apostrophe,
	"backquote":  Grave,
	"pgup":       PageUp,
	"pgdn":       PageDown,
	"ins":        Insert,
	"del":        Delete,
	"prtsc":      PrintScreen,
	"sysrq":      PrintScreen,
	"apps":       Menu,
	"compose":    Menu,
	"102nd":      NonUSBackslash,
	"kpperiod":   KpDot,
	"kpmultiply": KpAsterisk,
}

const maxEvdevCode = 0x300

var (
	infoByKey [keyCount]*info
	fromEvdev [maxEvdevCode]Key
	fromVK    [256]Key
	fromVKExt [256]Key
	byName    = make(map[string]Key, len(table)+len(nameAliases))
)

func init() {
	for i := range table {
		row := &table[i]
		if infoByKey[row.key] != nil {
			panic("keys: duplicate table row for " + row.name)
		}
		infoByKey[row.key] = row
		byName[strings.ToLower(row.name)] = row.key

		if row.evdev != 0 && fromEvdev[row.evdev] == None {
			fromEvdev[row.evdev] = row.key
		}
		if row.vk != 0 {
			idx := &fromVK
			if row.vkExt {
				idx = &fromVKExt
			}
			if idx[row.vk] == None {
				idx[row.vk] = row.key
			}
		}
	}
	for name, k := range nameAliases {
		byName[name] = k
	}
	for vk, k := range vkAliases {
		if fromVK[vk] == None {
			fromVK[vk] = k
		}
	}
	for k := Key(1); k < keyCount; k++ {
		if infoByKey[k] == nil {
			panic(fmt.Sprintf("keys: missing table row for key %d", k))
		}
	}
}
