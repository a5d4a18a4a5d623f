// Package fingerprint derives the content key used to deduplicate documents.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
)

// Of returns the content fingerprint used as the document dedup key.
// It hashes the raw bytes, so the result does not depend on locale or platform.
func Of(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
