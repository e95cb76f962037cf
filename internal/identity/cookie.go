// Copyright 2025 James Ross
package identity

import (
	"crypto/subtle"
	"net/http"
	"time"
)

const sessionCookieName = "session"

// SetSessionCookies installs the signed session cookie (HTTP-only, carrying
// a JWT access token as its value) and the paired CSRF cookie, which must
// NOT be HTTP-only since client JS reads it to populate X-CSRF-Token
// (spec §4.5 CSRF double-submit).
func SetSessionCookies(w http.ResponseWriter, csrfCookieName, accessToken, csrfToken string, maxAge time.Duration, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    accessToken,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    csrfToken,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: false,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookies expires both session and CSRF cookies on logout.
func ClearSessionCookies(w http.ResponseWriter, csrfCookieName string) {
	for _, name := range []string{sessionCookieName, csrfCookieName} {
		http.SetCookie(w, &http.Cookie{Name: name, Value: "", Path: "/", MaxAge: -1})
	}
}

// SessionTokenFromRequest returns the session cookie's raw JWT value, if set.
func SessionTokenFromRequest(r *http.Request) (string, bool) {
	c, err := r.Cookie(sessionCookieName)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}

var csrfRequiredMethods = map[string]bool{
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
	http.MethodPatch:  true,
}

// CheckCSRF enforces the double-submit rule for cookie-based sessions on
// state-changing methods: the pre-issued csrf cookie must match the
// X-CSRF-Token header (spec §4.5 CSRF).
func CheckCSRF(r *http.Request, csrfCookieName string) bool {
	if !csrfRequiredMethods[r.Method] {
		return true
	}
	cookie, err := r.Cookie(csrfCookieName)
	if err != nil || cookie.Value == "" {
		return false
	}
	header := r.Header.Get("X-CSRF-Token")
	if header == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(header)) == 1
}
