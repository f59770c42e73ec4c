// Package crypto provides canonical JSON serialization (RFC 8785 JCS),
// SHA-256 hashing, and Ed25519 signing/verification used throughout
// guthwine for audit hashes, mandate signatures, and delegation tokens.
package crypto

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// CanonicalMarshal serializes v as RFC 8785 JCS: sorted object keys, no
// HTML escaping, normalized number formatting. v is marshaled to ordinary
// JSON first and then run through jcs.Transform, the same two-step shape
// the teacher's config-hash path uses before hashing.
func CanonicalMarshal(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("crypto: jcs transform: %w", err)
	}
	return canon, nil
}

// CanonicalHash returns the lowercase hex SHA-256 of v's canonical JSON.
func CanonicalHash(v interface{}) (string, error) {
	b, err := CanonicalMarshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the lowercase hex SHA-256 digest of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum)
}
