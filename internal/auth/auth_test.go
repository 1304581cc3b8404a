package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
)

func TestSecretVerifier(t *testing.T) {
	v := SecretVerifier{Expected: "s3cret"}

	if err := v.Verify("s3cret"); err != nil {
		t.Fatalf("matching secret: %v", err)
	}
	if err := v.Verify("wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong secret: got %v", err)
	}
	if err := v.Verify(""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("empty token: got %v", err)
	}

	// An unconfigured secret rejects everything, including the empty string.
	empty := SecretVerifier{}
	if err := empty.Verify(""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unconfigured verifier accepted empty token: %v", err)
	}
	if err := empty.Verify("anything"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unconfigured verifier accepted token: %v", err)
	}
}

func TestPasswordVerifier(t *testing.T) {
	const digest = "d24b51b1de2c88c6ba6a0723c6e9d6a7e0a5e5ce0b19949d61b3f0ffa9e3e36a"

	v := PasswordVerifier{ExpectedDigest: digest}
	if err := v.Verify("wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: got %v", err)
	}
	if err := v.Verify(""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("empty password: got %v", err)
	}

	if err := (PasswordVerifier{}).Verify("anything"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unconfigured digest accepted password: %v", err)
	}
}

func TestPasswordVerifierMatchesKnownDigest(t *testing.T) {
	// SHA-256("hello") in both cases; the configured digest is matched
	// case-insensitively.
	const digest = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

	for _, expected := range []string{digest, "2CF24DBA5FB0A30E26E83B2AC5B9E29E1B161E5C1FA7425E73043362938B9824"} {
		v := PasswordVerifier{ExpectedDigest: expected}
		if err := v.Verify("hello"); err != nil {
			t.Fatalf("digest %q: %v", expected, err)
		}
	}
}

func TestBearerFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/admin/codes", nil)
	if _, err := BearerFromRequest(r); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("no header: got %v", err)
	}

	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if _, err := BearerFromRequest(r); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("non-bearer scheme: got %v", err)
	}

	r.Header.Set("Authorization", "Bearer ")
	if _, err := BearerFromRequest(r); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("empty bearer token: got %v", err)
	}

	r.Header.Set("Authorization", "Bearer tok123")
	token, err := BearerFromRequest(r)
	if err != nil {
		t.Fatalf("valid bearer: %v", err)
	}
	if token != "tok123" {
		t.Fatalf("token: got %q, want tok123", token)
	}
}
