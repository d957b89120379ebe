// Package middleware provides HTTP middleware for the ad selection service
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AdminAuthConfig guards the developer override endpoints
type AdminAuthConfig struct {
	Enabled    bool
	Tokens     []string
	HeaderName string // default X-Admin-Token
}

// AdminAuth requires a known token on every request it wraps
type AdminAuth struct {
	config AdminAuthConfig
}

// NewAdminAuth creates the middleware
func NewAdminAuth(config AdminAuthConfig) *AdminAuth {
	if config.HeaderName == "" {
		config.HeaderName = "X-Admin-Token"
	}
	return &AdminAuth{config: config}
}

// Middleware returns the authentication middleware handler
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get(a.config.HeaderName)
		if token == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				token = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if token == "" {
			writeJSONError(w, "missing admin token", http.StatusUnauthorized)
			return
		}
		if !a.valid(token) {
			writeJSONError(w, "invalid admin token", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *AdminAuth) valid(token string) bool {
	for _, known := range a.config.Tokens {
		// constant time so tokens cannot be probed byte by byte
		if subtle.ConstantTimeCompare([]byte(token), []byte(known)) == 1 {
			return true
		}
	}
	return false
}

// ParseTokens splits a comma separated token list
func ParseTokens(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	tokens := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}
