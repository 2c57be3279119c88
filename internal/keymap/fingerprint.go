package keymap

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint is a short content hash of an encoded keymap, used to detect
// unchanged files on reload and to identify the active keymap in status
// output.
type Fingerprint [16]byte

// FingerprintOf hashes the full encoded keymap, header and checksum
// included.
func FingerprintOf(data []byte) Fingerprint {
	h, err := blake2b.New(16, nil)
	if err != nil {
		// Only fails for invalid sizes or keys.
		panic(err)
	}
	h.Write(data)
	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// IsZero reports whether f is unset.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}
