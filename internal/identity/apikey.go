// Copyright 2025 James Ross
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/flyingrobots/dubbing-orchestrator/internal/apperr"
	"golang.org/x/crypto/bcrypt"
)

// APIKeyScheme is the reserved prefix that marks a bearer value as an API
// key rather than a JWT (spec §4.5 step 1).
const APIKeyScheme = "dbo_"

const prefixBytes = 6
const secretBytes = 24

// GeneratedAPIKey is returned once, at creation time; only Hash is persisted.
type GeneratedAPIKey struct {
	Full   string // "dbo_<prefix>.<secret>" — shown to the caller once
	Prefix string // indexed lookup key, stored alongside the hash
	Hash   string // bcrypt hash of the secret, persisted
}

// GenerateAPIKey creates a new key: a random prefix for O(1) lookup plus a
// random secret whose bcrypt hash is the only thing ever persisted.
func GenerateAPIKey() (*GeneratedAPIKey, error) {
	prefix, err := randomHex(prefixBytes)
	if err != nil {
		return nil, apperr.Internal("generate api key prefix", err)
	}
	secret, err := randomHex(secretBytes)
	if err != nil {
		return nil, apperr.Internal("generate api key secret", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperr.Internal("hash api key secret", err)
	}
	return &GeneratedAPIKey{
		Full:   fmt.Sprintf("%s%s.%s", APIKeyScheme, prefix, secret),
		Prefix: prefix,
		Hash:   string(hash),
	}, nil
}

// ParseAPIKey splits a raw "dbo_<prefix>.<secret>" value into its lookup
// prefix and secret. ok is false if the value isn't API-key shaped.
func ParseAPIKey(raw string) (prefix, secret string, ok bool) {
	if !strings.HasPrefix(raw, APIKeyScheme) {
		return "", "", false
	}
	rest := strings.TrimPrefix(raw, APIKeyScheme)
	parts := strings.SplitN(rest, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// VerifyAPIKeySecret constant-time-compares secret against the persisted
// bcrypt hash (bcrypt's own comparison is constant-time by construction).
func VerifyAPIKeySecret(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
