// Package hash provides canonical JSON encoding and SHA-256 helpers.
//
// Canonical form is used wherever two structures must compare equal
// independent of field order: config deep-compare, capability snapshots,
// and template render-cache keys.
package hash

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalJSON encodes v as JSON with object keys sorted at every level.
// Arrays keep their order. Structs are normalized through an intermediate
// decode so their output matches an equivalent map.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}

	// Re-decode into interface{} so objects become map[string]interface{},
	// which encoding/json serializes with sorted keys.
	var norm interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&norm); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}

	out, err := json.Marshal(norm)
	if err != nil {
		return nil, fmt.Errorf("canonical re-marshal: %w", err)
	}
	return out, nil
}

// Canonical returns the hex SHA-256 of v's canonical JSON.
func Canonical(v interface{}) (string, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return BytesHash(b), nil
}

// Equal reports whether a and b have identical canonical JSON.
// Marshal failures compare as unequal.
func Equal(a, b interface{}) bool {
	ca, err := CanonicalJSON(a)
	if err != nil {
		return false
	}
	cb, err := CanonicalJSON(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

// StringHash computes the hex SHA-256 of a string.
func StringHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// BytesHash computes the hex SHA-256 of a byte slice.
func BytesHash(input []byte) string {
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])
}
