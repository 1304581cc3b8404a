package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/wh15p3r/signaling/internal/accesscode"
	"github.com/wh15p3r/signaling/internal/auth"
	"github.com/wh15p3r/signaling/internal/metrics"
)

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /version", s.handleVersion)

	s.mux.HandleFunc("POST /auth/validate", s.handleValidate)
	s.mux.HandleFunc("POST /auth/generate-code", s.handleGenerateCode)
	s.mux.HandleFunc("POST /auth/add-code", s.handleAddCode)

	s.mux.HandleFunc("GET /admin/codes", s.handleListCodes)
	s.mux.HandleFunc("DELETE /admin/codes/{code}", s.handleDeleteCode)

	if s.deps.Signaling != nil {
		s.mux.Handle("GET /ws", s.deps.Signaling)
	}
	s.mux.Handle("GET /metrics", metrics.PrometheusHandler(s.deps.Metrics))

	s.mux.HandleFunc("GET /{$}", s.handleRoot)
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("whisper signaling server\n"))
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, s.deps.Build)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		WriteJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "shutting down"})
		return
	}

	ctx, cancel := s.backendCtx(r)
	defer cancel()

	activeCodes, err := s.deps.Codes.ActiveCount(ctx)
	if err != nil {
		s.log.Error("health check backend failure", "err", err)
		WriteJSON(w, http.StatusInternalServerError, errorResponse{Error: "Server error"})
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"sessions":    s.deps.Sessions.Len(),
		"activeCodes": activeCodes,
	})
}

type validateRequest struct {
	Code string `json:"code"`
}

type validateResponse struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	identity := clientIdentity(r)

	ctx, cancel := s.backendCtx(r)
	defer cancel()

	decision, err := s.deps.Limiter.Check(ctx, identity)
	if err != nil {
		s.log.Error("rate limit check failed", "err", err)
		WriteJSON(w, http.StatusInternalServerError, errorResponse{Error: "Server error"})
		return
	}
	if !decision.Allowed {
		s.deps.Metrics.Inc(metrics.EventRateLimited)
		s.log.Warn("validation rate limit hit", "identity", identity)
		WriteJSON(w, http.StatusTooManyRequests, map[string]any{
			"valid":          false,
			"error":          "Too many attempts",
			"resetInSeconds": int(decision.ResetIn.Seconds()),
		})
		return
	}

	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		s.countFailedAttempt(r, identity)
		WriteJSON(w, http.StatusBadRequest, validateResponse{Valid: false, Error: "Invalid code format"})
		return
	}

	outcome, err := s.deps.Codes.Validate(ctx, req.Code)
	if err != nil {
		s.log.Error("code validation backend failure", "err", err)
		WriteJSON(w, http.StatusInternalServerError, errorResponse{Error: "Server error"})
		return
	}

	if outcome == accesscode.Granted {
		s.deps.Metrics.Inc(metrics.EventCodeGranted)
		WriteJSON(w, http.StatusOK, validateResponse{Valid: true, Message: "Access granted"})
		return
	}

	s.deps.Metrics.Inc(metrics.EventCodeRejected)
	s.countFailedAttempt(r, identity)
	s.log.Info("code validation rejected", "outcome", outcome.String(), "identity", identity)

	switch outcome {
	case accesscode.NotFound:
		WriteJSON(w, http.StatusUnauthorized, validateResponse{Valid: false, Error: "Invalid code"})
	case accesscode.Expired:
		WriteJSON(w, http.StatusUnauthorized, validateResponse{Valid: false, Error: "Code expired"})
	case accesscode.Exhausted:
		WriteJSON(w, http.StatusUnauthorized, validateResponse{Valid: false, Error: "Code limit reached"})
	default:
		WriteJSON(w, http.StatusBadRequest, validateResponse{Valid: false, Error: "Invalid code format"})
	}
}

// countFailedAttempt advances the per-client failure counter. Counter write
// failures are logged but never turn a clean rejection into a 500.
func (s *Server) countFailedAttempt(r *http.Request, identity string) {
	ctx, cancel := s.backendCtx(r)
	defer cancel()
	if err := s.deps.Limiter.Increment(ctx, identity); err != nil {
		s.log.Error("failed to record validation attempt", "identity", identity, "err", err)
	}
}

// requireAdminSecret authenticates the request via bearer token against the
// configured admin secret. It writes the 401 itself and reports success.
func (s *Server) requireAdminSecret(w http.ResponseWriter, r *http.Request) bool {
	verifier := auth.SecretVerifier{Expected: s.cfg.AdminSecret}

	token, err := auth.BearerFromRequest(r)
	if err == nil {
		err = verifier.Verify(token)
	}
	if err != nil {
		s.deps.Metrics.Inc(metrics.EventAuthFailure)
		s.log.Warn("admin auth rejected", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
		WriteJSON(w, http.StatusUnauthorized, errorResponse{Error: "Unauthorized"})
		return false
	}
	return true
}

type generateCodeRequest struct {
	Length         int `json:"length"`
	MaxUses        int `json:"maxUses"`
	ExpiresInHours int `json:"expiresInHours"`
}

func (s *Server) handleGenerateCode(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdminSecret(w, r) {
		return
	}

	var req generateCodeRequest
	// An empty body means all defaults; malformed JSON does not.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		WriteJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return
	}

	ctx, cancel := s.backendCtx(r)
	defer cancel()

	code, err := s.deps.Codes.Generate(ctx, req.Length, req.MaxUses, req.ExpiresInHours)
	if err != nil {
		s.log.Error("code generation failed", "err", err)
		WriteJSON(w, http.StatusInternalServerError, errorResponse{Error: "Server error"})
		return
	}

	s.log.Info("access code generated", "max_uses", code.MaxUses)
	WriteJSON(w, http.StatusOK, map[string]any{
		"code":      code.Code,
		"maxUses":   code.MaxUses,
		"expiresAt": code.ExpiresAt,
	})
}

type addCodeRequest struct {
	Password       string `json:"password"`
	Code           string `json:"code"`
	MaxUses        int    `json:"maxUses"`
	ExpiresInHours int    `json:"expiresInHours"`
}

func (s *Server) handleAddCode(w http.ResponseWriter, r *http.Request) {
	var req addCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return
	}

	verifier := auth.PasswordVerifier{ExpectedDigest: s.cfg.AdminPasswordHash}
	if err := verifier.Verify(req.Password); err != nil {
		s.deps.Metrics.Inc(metrics.EventAuthFailure)
		s.log.Warn("add-code password rejected", "remote_addr", r.RemoteAddr)
		WriteJSON(w, http.StatusUnauthorized, errorResponse{Error: "Unauthorized"})
		return
	}

	ctx, cancel := s.backendCtx(r)
	defer cancel()

	code, err := s.deps.Codes.Add(ctx, req.Code, req.MaxUses, req.ExpiresInHours)
	switch {
	case errors.Is(err, accesscode.ErrCodeTooShort):
		WriteJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid code format"})
		return
	case errors.Is(err, accesscode.ErrCodeExists):
		WriteJSON(w, http.StatusBadRequest, errorResponse{Error: "Code already exists"})
		return
	case err != nil:
		s.log.Error("add code failed", "err", err)
		WriteJSON(w, http.StatusInternalServerError, errorResponse{Error: "Server error"})
		return
	}

	s.log.Info("access code added", "max_uses", code.MaxUses)
	WriteJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"code":      code.Code,
		"expiresAt": code.ExpiresAt,
	})
}

func (s *Server) handleListCodes(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdminSecret(w, r) {
		return
	}

	ctx, cancel := s.backendCtx(r)
	defer cancel()

	codes, err := s.deps.Codes.List(ctx)
	if err != nil {
		s.log.Error("code listing failed", "err", err)
		WriteJSON(w, http.StatusInternalServerError, errorResponse{Error: "Server error"})
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"codes": codes})
}

func (s *Server) handleDeleteCode(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdminSecret(w, r) {
		return
	}

	code := r.PathValue("code")

	ctx, cancel := s.backendCtx(r)
	defer cancel()

	exists, err := s.deps.Codes.Exists(ctx, code)
	if err != nil {
		s.log.Error("code lookup failed", "err", err)
		WriteJSON(w, http.StatusInternalServerError, errorResponse{Error: "Server error"})
		return
	}
	if !exists {
		WriteJSON(w, http.StatusNotFound, errorResponse{Error: "Code not found"})
		return
	}

	if err := s.deps.Codes.Revoke(ctx, code); err != nil {
		s.log.Error("code revocation failed", "err", err)
		WriteJSON(w, http.StatusInternalServerError, errorResponse{Error: "Server error"})
		return
	}

	s.log.Info("access code revoked")
	WriteJSON(w, http.StatusOK, map[string]any{"message": "Code deleted"})
}
