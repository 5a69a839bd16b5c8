package utils

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// FingerprintStrings hashes an ordered list of strings. Each element is
// length-prefixed so that ("ab", "c") and ("a", "bc") differ.
func FingerprintStrings(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(p)))
		h.Write(n[:])
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
