package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wh15p3r/signaling/internal/accesscode"
	"github.com/wh15p3r/signaling/internal/config"
	"github.com/wh15p3r/signaling/internal/kv"
	"github.com/wh15p3r/signaling/internal/metrics"
	"github.com/wh15p3r/signaling/internal/ratelimit"
	"github.com/wh15p3r/signaling/internal/registry"
)

const (
	testAdminSecret = "test-admin-secret"
	// SHA-256("hello")
	testPasswordHash = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	testPassword     = "hello"
)

type testEnv struct {
	srv   *httptest.Server
	codes *accesscode.Store
	reg   *registry.Registry
}

func newTestEnv(t *testing.T, maxAttempts int) *testEnv {
	t.Helper()

	cfg := config.Config{
		Mode:                  config.ModeDev,
		AllowedOrigins:        []string{"*"},
		AdminSecret:           testAdminSecret,
		AdminPasswordHash:     testPasswordHash,
		BackendTimeout:        2 * time.Second,
		MaxValidationAttempts: maxAttempts,
		ValidationWindow:      time.Minute,
	}

	backend := kv.NewMemoryStore()
	codes := accesscode.NewStore(backend, nil)
	limiter := ratelimit.NewAttemptLimiter(backend, nil, maxAttempts, time.Minute)
	reg := registry.New(nil)

	s := New(cfg, slog.Default(), Deps{
		Codes:    codes,
		Limiter:  limiter,
		Sessions: reg,
		Metrics:  metrics.New(),
		Build:    BuildInfo{Commit: "abc123", BuildTime: "2026-01-01T00:00:00Z"},
	})
	s.ready.Store(true)

	srv := httptest.NewServer(s.srv.Handler)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, codes: codes, reg: reg}
}

func (e *testEnv) request(t *testing.T, method, path string, body any, header http.Header) (*http.Response, map[string]any) {
	t.Helper()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, e.srv.URL+path, reqBody)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var decoded map[string]any
	if len(data) > 0 && json.Valid(data) {
		_ = json.Unmarshal(data, &decoded)
	}
	return resp, decoded
}

func adminHeader() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+testAdminSecret)
	return h
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t, 5)

	if _, err := e.codes.Add(context.Background(), "HEALTHY1", 5, 0); err != nil {
		t.Fatalf("seed code: %v", err)
	}

	resp, body := e.request(t, http.MethodGet, "/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Fatalf("body: %v", body)
	}
	if body["activeCodes"] != float64(1) {
		t.Fatalf("activeCodes: %v", body["activeCodes"])
	}
	if body["sessions"] != float64(0) {
		t.Fatalf("sessions: %v", body["sessions"])
	}
}

func TestVersion(t *testing.T) {
	e := newTestEnv(t, 5)

	resp, body := e.request(t, http.MethodGet, "/version", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if body["commit"] != "abc123" {
		t.Fatalf("body: %v", body)
	}
}

func TestValidateFlow(t *testing.T) {
	e := newTestEnv(t, 5)

	if _, err := e.codes.Add(context.Background(), "GOODCODE", 2, 0); err != nil {
		t.Fatalf("seed code: %v", err)
	}

	// Success.
	resp, body := e.request(t, http.MethodPost, "/auth/validate", map[string]string{"code": "goodcode"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d body: %v", resp.StatusCode, body)
	}
	if body["valid"] != true || body["message"] != "Access granted" {
		t.Fatalf("body: %v", body)
	}

	// Unknown code.
	resp, body = e.request(t, http.MethodPost, "/auth/validate", map[string]string{"code": "NOPE1234"}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unknown code status: %d", resp.StatusCode)
	}
	if body["valid"] != false || body["error"] != "Invalid code" {
		t.Fatalf("unknown code body: %v", body)
	}

	// Malformed body.
	resp, body = e.request(t, http.MethodPost, "/auth/validate", map[string]int{"code": 0}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body status: %d", resp.StatusCode)
	}
	if body["error"] != "Invalid code format" {
		t.Fatalf("malformed body: %v", body)
	}
}

func TestValidateExhaustedAndExpiredMessages(t *testing.T) {
	e := newTestEnv(t, 10)
	ctx := context.Background()

	if _, err := e.codes.Add(ctx, "ONESHOT1", 1, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if resp, _ := e.request(t, http.MethodPost, "/auth/validate", map[string]string{"code": "ONESHOT1"}, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("first use: %d", resp.StatusCode)
	}

	// The consumed one-use code was deleted, so the retry reads as unknown.
	resp, body := e.request(t, http.MethodPost, "/auth/validate", map[string]string{"code": "ONESHOT1"}, nil)
	if resp.StatusCode != http.StatusUnauthorized || body["error"] != "Invalid code" {
		t.Fatalf("second use: %d %v", resp.StatusCode, body)
	}
}

func TestValidateRateLimit(t *testing.T) {
	e := newTestEnv(t, 2)

	for i := 0; i < 2; i++ {
		resp, _ := e.request(t, http.MethodPost, "/auth/validate", map[string]string{"code": "WRONG123"}, nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("attempt %d status: %d", i, resp.StatusCode)
		}
	}

	resp, body := e.request(t, http.MethodPost, "/auth/validate", map[string]string{"code": "WRONG123"}, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("over-limit status: %d", resp.StatusCode)
	}
	if body["error"] != "Too many attempts" {
		t.Fatalf("over-limit body: %v", body)
	}
	if _, ok := body["resetInSeconds"]; !ok {
		t.Fatalf("missing resetInSeconds: %v", body)
	}

	// Even a correct code is refused while the window is active.
	if _, err := e.codes.Add(context.Background(), "GOODCODE", 5, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}
	resp, _ = e.request(t, http.MethodPost, "/auth/validate", map[string]string{"code": "GOODCODE"}, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("blocked identity with valid code: %d", resp.StatusCode)
	}
}

func TestSuccessfulValidationDoesNotCountAgainstLimit(t *testing.T) {
	e := newTestEnv(t, 2)

	if _, err := e.codes.Add(context.Background(), "MULTIUSE", 10, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	for i := 0; i < 5; i++ {
		resp, _ := e.request(t, http.MethodPost, "/auth/validate", map[string]string{"code": "MULTIUSE"}, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("reuse %d status: %d", i, resp.StatusCode)
		}
	}
}

func TestGenerateCode(t *testing.T) {
	e := newTestEnv(t, 5)

	// No credentials.
	resp, _ := e.request(t, http.MethodPost, "/auth/generate-code", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status: %d", resp.StatusCode)
	}

	// Wrong secret.
	h := http.Header{}
	h.Set("Authorization", "Bearer wrong")
	resp, _ = e.request(t, http.MethodPost, "/auth/generate-code", nil, h)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong secret status: %d", resp.StatusCode)
	}

	// Authenticated, defaults.
	resp, body := e.request(t, http.MethodPost, "/auth/generate-code", nil, adminHeader())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d body: %v", resp.StatusCode, body)
	}
	code, _ := body["code"].(string)
	if len(code) < accesscode.MinLength {
		t.Fatalf("generated code %q too short", code)
	}
	if body["maxUses"] != float64(1) {
		t.Fatalf("maxUses: %v", body["maxUses"])
	}

	// The generated code validates.
	resp, _ = e.request(t, http.MethodPost, "/auth/validate", map[string]string{"code": code}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("generated code rejected: %d", resp.StatusCode)
	}
}

func TestAddCode(t *testing.T) {
	e := newTestEnv(t, 5)

	// Wrong password.
	resp, _ := e.request(t, http.MethodPost, "/auth/add-code", map[string]any{
		"password": "nope", "code": "CUSTOM99",
	}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong password status: %d", resp.StatusCode)
	}

	// Too short.
	resp, body := e.request(t, http.MethodPost, "/auth/add-code", map[string]any{
		"password": testPassword, "code": "abc",
	}, nil)
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "Invalid code format" {
		t.Fatalf("short code: %d %v", resp.StatusCode, body)
	}

	// Success.
	resp, body = e.request(t, http.MethodPost, "/auth/add-code", map[string]any{
		"password": testPassword, "code": "custom99", "maxUses": 3,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d body: %v", resp.StatusCode, body)
	}
	if body["success"] != true || body["code"] != "CUSTOM99" {
		t.Fatalf("body: %v", body)
	}

	// Duplicate.
	resp, body = e.request(t, http.MethodPost, "/auth/add-code", map[string]any{
		"password": testPassword, "code": "CUSTOM99",
	}, nil)
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "Code already exists" {
		t.Fatalf("duplicate: %d %v", resp.StatusCode, body)
	}
}

func TestAdminCodesListAndDelete(t *testing.T) {
	e := newTestEnv(t, 5)
	ctx := context.Background()

	if _, err := e.codes.Add(ctx, "LISTME01", 5, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// List requires the secret.
	resp, _ := e.request(t, http.MethodGet, "/admin/codes", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list status: %d", resp.StatusCode)
	}

	resp, body := e.request(t, http.MethodGet, "/admin/codes", nil, adminHeader())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status: %d", resp.StatusCode)
	}
	codes, ok := body["codes"].([]any)
	if !ok || len(codes) != 1 {
		t.Fatalf("list body: %v", body)
	}

	// Delete unknown -> 404.
	resp, body = e.request(t, http.MethodDelete, "/admin/codes/NOSUCH99", nil, adminHeader())
	if resp.StatusCode != http.StatusNotFound || body["error"] != "Code not found" {
		t.Fatalf("delete unknown: %d %v", resp.StatusCode, body)
	}

	// Delete existing.
	resp, body = e.request(t, http.MethodDelete, "/admin/codes/LISTME01", nil, adminHeader())
	if resp.StatusCode != http.StatusOK || body["message"] != "Code deleted" {
		t.Fatalf("delete: %d %v", resp.StatusCode, body)
	}
	if exists, _ := e.codes.Exists(ctx, "LISTME01"); exists {
		t.Fatalf("code survived delete")
	}
}

func TestCORSPreflight(t *testing.T) {
	e := newTestEnv(t, 5)

	req, err := http.NewRequest(http.MethodOptions, e.srv.URL+"/auth/validate", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status: %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow-origin: %q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Headers"); got == "" {
		t.Fatalf("missing allow-headers")
	}
}

func TestCORSRestrictedOrigins(t *testing.T) {
	cfg := config.Config{
		Mode:                  config.ModeDev,
		AllowedOrigins:        []string{"https://app.example.com"},
		AdminSecret:           testAdminSecret,
		AdminPasswordHash:     testPasswordHash,
		BackendTimeout:        2 * time.Second,
		MaxValidationAttempts: 5,
		ValidationWindow:      time.Minute,
	}
	backend := kv.NewMemoryStore()
	s := New(cfg, slog.Default(), Deps{
		Codes:    accesscode.NewStore(backend, nil),
		Limiter:  ratelimit.NewAttemptLimiter(backend, nil, 5, time.Minute),
		Sessions: registry.New(nil),
		Metrics:  metrics.New(),
	})
	s.ready.Store(true)
	srv := httptest.NewServer(s.srv.Handler)
	t.Cleanup(srv.Close)

	get := func(origin string) string {
		t.Helper()
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		return resp.Header.Get("Access-Control-Allow-Origin")
	}

	if got := get("https://app.example.com"); got != "https://app.example.com" {
		t.Fatalf("allowed origin: got %q", got)
	}
	if got := get("https://evil.example.com"); got != "" {
		t.Fatalf("disallowed origin reflected: %q", got)
	}
}

func TestHealthWhileShuttingDown(t *testing.T) {
	backend := kv.NewMemoryStore()
	s := New(config.Config{
		AllowedOrigins:        []string{"*"},
		BackendTimeout:        time.Second,
		MaxValidationAttempts: 5,
		ValidationWindow:      time.Minute,
	}, slog.Default(), Deps{
		Codes:    accesscode.NewStore(backend, nil),
		Limiter:  ratelimit.NewAttemptLimiter(backend, nil, 5, time.Minute),
		Sessions: registry.New(nil),
		Metrics:  metrics.New(),
	})

	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("not-ready health status: %d", rec.Code)
	}
}
