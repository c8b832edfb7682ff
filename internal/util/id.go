package util

import (
	"crypto/rand"
	"encoding/hex"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// SameID reports whether two entity ids name the same entity. All ownership
// checks must compare id values through this helper, never object identity.
func SameID(a, b string) bool {
	return a != "" && a == b
}
