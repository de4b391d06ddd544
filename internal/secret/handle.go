package secret

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// handleBytes sizes request handles at 256 bits of entropy, well above the
// 128-bit floor an unguessable bearer credential needs.
const handleBytes = 32

// NewHandle returns an opaque handle for polling callers. The handle is a
// bearer credential: callers hold it, stores hold only its Digest.
func NewHandle() (string, error) {
	raw := make([]byte, handleBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
