package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize folds text to NFC and collapses whitespace runs to one space.
func Normalize(text string) string {
	return strings.Join(strings.Fields(norm.NFC.String(text)), " ")
}

// Fingerprint is the cache key of a chunk or query: sha256 of Normalize(text).
func Fingerprint(text string) string {
	hash := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(hash[:])
}
