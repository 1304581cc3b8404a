// Package auth verifies admin credentials for the code-management endpoints.
//
// Two schemes are supported: a static bearer secret (CLI and admin tooling)
// and a password whose SHA-256 digest must match a configured hex digest
// (browser admin page). Both comparisons are constant-time.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrMissingCredentials = errors.New("auth: missing credentials")
)

// Verifier checks a single admin credential.
type Verifier interface {
	Verify(credential string) error
}

// SecretVerifier matches a bearer token against a configured shared secret.
type SecretVerifier struct {
	Expected string
}

func (v SecretVerifier) Verify(token string) error {
	if token == "" || v.Expected == "" {
		return ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(v.Expected)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// PasswordVerifier matches SHA-256(password) against a configured hex digest.
type PasswordVerifier struct {
	ExpectedDigest string
}

func (v PasswordVerifier) Verify(password string) error {
	if password == "" || v.ExpectedDigest == "" {
		return ErrInvalidCredentials
	}
	sum := sha256.Sum256([]byte(password))
	digest := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(digest), []byte(strings.ToLower(v.ExpectedDigest))) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// BearerFromRequest extracts the bearer token from an Authorization header.
func BearerFromRequest(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingCredentials
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", ErrMissingCredentials
	}
	return token, nil
}
