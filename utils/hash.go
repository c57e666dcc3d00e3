package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HashPII returns the SHA-256 hex digest of the lowercase-trimmed value, the
// normalization ad platforms expect for matched-audience uploads. Empty input
// hashes to "".
func HashPII(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}
