package secret

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// Digest returns the raw base64 encoding of the SHA-256 digest of data.
// Deterministic and keyless; stores keep digests of bearer handles so the
// handle itself never persists.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.RawStdEncoding.EncodeToString(sum[:])
}

// DigestString digests the UTF-8 bytes of s.
func DigestString(s string) string {
	return Digest([]byte(s))
}

// ConstantTimeEquals compares two byte sequences in time independent of
// where they first differ. A length mismatch returns false immediately:
// the lengths compared here (digests, fixed-size secrets) are public,
// only their content is secret.
func ConstantTimeEquals(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
