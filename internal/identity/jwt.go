// Copyright 2025 James Ross
package identity

import (
	"fmt"
	"time"

	"github.com/flyingrobots/dubbing-orchestrator/internal/apperr"
	"github.com/flyingrobots/dubbing-orchestrator/internal/store"
	"github.com/golang-jwt/jwt/v5"
)

// accessClaims is the JWT payload for both access and refresh tokens,
// distinguished by Type (spec §4.5 bearer-token resolution).
type accessClaims struct {
	Scopes []string   `json:"scopes"`
	Role   store.Role `json:"role"`
	Type   string     `json:"typ"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies access/refresh bearer tokens with a single
// shared secret (HS256), the same symmetric scheme the teacher's token
// manager used before this domain's RBAC rework.
type TokenIssuer struct {
	secret    []byte
	accessTTL time.Duration
	refreshTTL time.Duration
}

func NewTokenIssuer(secret string, accessTTL, refreshTTL time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), accessTTL: accessTTL, refreshTTL: refreshTTL}
}

func (ti *TokenIssuer) IssueAccess(userID string, role store.Role, scopes []string) (string, error) {
	return ti.issue(userID, role, scopes, "access", ti.accessTTL)
}

func (ti *TokenIssuer) IssueRefresh(userID string, role store.Role) (string, error) {
	return ti.issue(userID, role, nil, "refresh", ti.refreshTTL)
}

func (ti *TokenIssuer) issue(userID string, role store.Role, scopes []string, typ string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := accessClaims{
		Scopes: scopes,
		Role:   role,
		Type:   typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(ti.secret)
	if err != nil {
		return "", apperr.Internal("sign jwt", err)
	}
	return signed, nil
}

// VerifyAccess parses and validates an access-typed bearer token, returning
// the subject, role, and scopes it carries.
func (ti *TokenIssuer) VerifyAccess(token string) (userID string, role store.Role, scopes []string, err error) {
	return ti.verify(token, "access")
}

// VerifyRefresh parses and validates a refresh-typed token.
func (ti *TokenIssuer) VerifyRefresh(token string) (userID string, role store.Role, err error) {
	userID, role, _, err = ti.verify(token, "refresh")
	return userID, role, err
}

func (ti *TokenIssuer) verify(token, wantType string) (string, store.Role, []string, error) {
	claims := &accessClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return ti.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", "", nil, apperr.Unauthenticated("invalid or expired token")
	}
	if claims.Type != wantType {
		return "", "", nil, apperr.Unauthenticated("wrong token type")
	}
	return claims.Subject, claims.Role, claims.Scopes, nil
}
