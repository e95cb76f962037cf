// Copyright 2025 James Ross
package identity

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/flyingrobots/dubbing-orchestrator/internal/apperr"
)

// NewCSRFToken generates a random token to pair with a new session cookie.
func NewCSRFToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", apperr.Internal("generate csrf token", err)
	}
	return hex.EncodeToString(b), nil
}
