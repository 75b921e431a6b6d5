// Package idgen provides cryptographically random ID generation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// WithPrefix generates a random ID with a prefix (e.g. "rcpt_", "req_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// CycleID returns a refresh-cycle identifier that sorts by start time:
// cyc_<UTC yyyymmddThhmmss>_<8 hex>.
func CycleID(start time.Time) string {
	return "cyc_" + start.UTC().Format("20060102T150405") + "_" + Hex(4)
}
