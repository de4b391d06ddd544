// Package secret provides the cryptographic primitives for countersign:
// keyless digests, constant-time comparison, unguessable request handles,
// and authenticated encryption of credential material at rest.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// ErrDecryptionFailed indicates sealed material failed authentication.
// There is never partial plaintext to recover; callers treat the record as
// unusable rather than retrying with other keys.
var ErrDecryptionFailed = errors.New("decryption failed")

// Box holds one authenticated-encryption payload. Ciphertext, IV, and tag
// stay separate end-to-end so the storage schema documents that the payload
// is authenticated-encrypted rather than opaquely obfuscated.
type Box struct {
	Ciphertext []byte
	IV         []byte
	Tag        []byte
}

// AESGCMSealer seals and opens secrets using AES-GCM.
type AESGCMSealer struct {
	aead cipher.AEAD
}

// NewAESGCMSealer builds an AES-GCM sealer from a raw AES key.
// key must be a valid AES length (16/24/32 bytes).
func NewAESGCMSealer(key []byte) (*AESGCMSealer, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return &AESGCMSealer{aead: aead}, nil
}

// Seal encrypts one plaintext value under a fresh random IV.
func (s *AESGCMSealer) Seal(plaintext []byte) (Box, error) {
	if s == nil || s.aead == nil {
		return Box{}, fmt.Errorf("sealer is not configured")
	}

	// AES-GCM requires a unique IV per encryption under the same key.
	iv := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return Box{}, fmt.Errorf("read iv: %w", err)
	}

	// Seal appends the authentication tag to the ciphertext; split the two
	// so they persist as distinct fields.
	sealed := s.aead.Seal(nil, iv, plaintext, nil)
	tagStart := len(sealed) - s.aead.Overhead()
	return Box{
		Ciphertext: sealed[:tagStart],
		IV:         iv,
		Tag:        sealed[tagStart:],
	}, nil
}

// Open decrypts one previously sealed value. A mismatched key, IV, tag, or
// tampered ciphertext yields ErrDecryptionFailed.
func (s *AESGCMSealer) Open(box Box) ([]byte, error) {
	if s == nil || s.aead == nil {
		return nil, fmt.Errorf("sealer is not configured")
	}
	if len(box.IV) != s.aead.NonceSize() || len(box.Tag) != s.aead.Overhead() {
		return nil, ErrDecryptionFailed
	}

	sealed := make([]byte, 0, len(box.Ciphertext)+len(box.Tag))
	sealed = append(sealed, box.Ciphertext...)
	sealed = append(sealed, box.Tag...)
	plaintext, err := s.aead.Open(nil, box.IV, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
