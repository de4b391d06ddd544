// Package main provides a one-shot utility for vault key generation.
//
// It emits the symmetric key the vault uses to seal stored credentials.
package main

import (
	"os"

	"github.com/latchwell/countersign/internal/platform/config"
	"github.com/latchwell/countersign/internal/tools/vaultkey"
)

func main() {
	if err := vaultkey.Run(os.Stdout, nil); err != nil {
		config.Exitf("generate vault key: %v", err)
	}
}
