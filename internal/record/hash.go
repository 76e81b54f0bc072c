package record

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrChecksumMismatch means a stored checksum no longer matches the fields it
// claims to cover. Corruption is surfaced, never repaired.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// SHA256Hex returns the lowercase hex SHA-256 of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashCanonical hashes the canonical JSON encoding of v.
func HashCanonical(v any) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("hash: failed to marshal: %w", err)
	}
	return SHA256Hex(canonical), nil
}

// ComputeChecksum hashes the business fields of a record.
// A nil map hashes the same as an empty one.
func ComputeChecksum(fields map[string]any) (string, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	sum, err := HashCanonical(fields)
	if err != nil {
		return "", fmt.Errorf("checksum: %w", err)
	}
	return sum, nil
}

// MustChecksum is like ComputeChecksum but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustChecksum(fields map[string]any) string {
	sum, err := ComputeChecksum(fields)
	if err != nil {
		panic(err)
	}
	return sum
}
