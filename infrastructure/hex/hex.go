// Package hex provides 0x-prefixed hexadecimal helpers shared by the
// capability signer, the chain client, and the indexers.
package hex

import (
	"encoding/hex"
	"strings"
)

// TrimPrefix removes a leading "0x"/"0X" if present.
func TrimPrefix(value string) string {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, "0x")
	value = strings.TrimPrefix(value, "0X")
	return value
}

// Normalize lowercases and strips the 0x prefix, for use as a map key.
func Normalize(value string) string {
	return strings.ToLower(TrimPrefix(value))
}

// DecodeString decodes a possibly-0x-prefixed hex string.
func DecodeString(value string) ([]byte, error) {
	return hex.DecodeString(TrimPrefix(value))
}

// EncodeToString hex-encodes with a 0x prefix.
func EncodeToString(value []byte) string {
	return "0x" + hex.EncodeToString(value)
}

// MustDecodeString decodes or panics; only for constants known-valid at
// compile time (e.g. the fixed note-label hashes in the chain log contract).
func MustDecodeString(value string) []byte {
	b, err := DecodeString(value)
	if err != nil {
		panic("hex: invalid hex string: " + err.Error())
	}
	return b
}
