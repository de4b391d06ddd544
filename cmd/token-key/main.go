// Package main provides a one-shot utility for token key generation.
//
// It emits the signing key pair used to mint and verify vault access tokens.
package main

import (
	"os"

	"github.com/latchwell/countersign/internal/platform/config"
	"github.com/latchwell/countersign/internal/tools/tokenkey"
)

func main() {
	if err := tokenkey.Run(os.Stdout, nil); err != nil {
		config.Exitf("generate token key: %v", err)
	}
}
