package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a 128-bit random identifier, hex encoded, with an optional
// type prefix ("sub", "clip", "jti", "rft").
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
