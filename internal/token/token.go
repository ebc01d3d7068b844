// Package token generates URL-safe capability tokens. Expectation and
// trial ids are bearer capabilities, so they carry 128 bits of entropy.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const rawBytes = 16

// New returns a fresh URL-safe token with 128 bits of entropy.
func New() (string, error) {
	buf := make([]byte, rawBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
