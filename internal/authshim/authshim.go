// Package authshim is the admin-auth shim spec.md calls out as an
// external collaborator specified only at its interface (§1 "Credential
// validation for an administrative observability page"): a password
// login endpoint that mints a bearer token, and middleware that verifies
// it on every /api/* request (spec §4.8).
package authshim

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const principalKey contextKey = "authshim.principal"

// TokenLifetime is the fixed bearer-token expiry (spec §6 "token lifetime").
const TokenLifetime = 24 * time.Hour

// Shim issues and verifies admin bearer tokens for a single shared
// admin password — there is no per-user identity, matching spec §4.8's
// single administrative credential.
type Shim struct {
	password string
	secret   []byte
}

// New builds a Shim that accepts password and signs tokens with secret.
func New(password, secret string) *Shim {
	return &Shim{password: password, secret: []byte(secret)}
}

// Login checks candidate against the configured password in constant
// time and, on success, mints a signed bearer token valid for
// TokenLifetime.
func (s *Shim) Login(candidate string) (string, error) {
	if subtle.ConstantTimeCompare([]byte(candidate), []byte(s.password)) != 1 {
		return "", fmt.Errorf("invalid password")
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub": "admin",
		"iat": now.Unix(),
		"exp": now.Add(TokenLifetime).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify parses and validates a bearer token, returning an error if it
// is malformed, unsigned by this shim's secret, or expired.
func (s *Shim) Verify(token string) error {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return err
	}
	if !parsed.Valid {
		return fmt.Errorf("invalid token")
	}
	return nil
}

// RequireBearer is HTTP middleware that verifies the Authorization:
// Bearer header against Verify before calling next.
func (s *Shim) RequireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearer(r)
		if token == "" {
			writeUnauthorized(w, "missing bearer token")
			return
		}
		if err := s.Verify(token); err != nil {
			writeUnauthorized(w, "invalid or expired token")
			return
		}
		ctx := context.WithValue(r.Context(), principalKey, "admin")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, `{"error":%q}`, msg)
}
