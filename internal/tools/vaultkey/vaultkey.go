// Package vaultkey generates the symmetric key that seals vault credentials.
package vaultkey

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// keySize matches the AES-256 key the credential sealer expects.
const keySize = 32

// Run generates a vault sealing key and writes the export line.
func Run(out io.Writer, reader io.Reader) error {
	if out == nil {
		return errors.New("output is required")
	}
	if reader == nil {
		reader = rand.Reader
	}

	buf := make([]byte, keySize)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return fmt.Errorf("generate vault key: %w", err)
	}
	_, err := fmt.Fprintf(out, "export COUNTERSIGN_VAULT_KEY=%s\n", base64.RawStdEncoding.EncodeToString(buf))
	return err
}
