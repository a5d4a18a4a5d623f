package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewRequestID returns a 16-byte random hex string.
func NewRequestID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
