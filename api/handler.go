package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/yourusername/chatgate/auth"
	"github.com/yourusername/chatgate/middleware"
)

// Checker runs an admission check for an identity
type Checker interface {
	Check(ctx context.Context, id auth.Identity) middleware.Decision
}

// Handler serves the caller-facing rate limit check
type Handler struct {
	checker Checker
}

// NewHandler creates a new API handler
func NewHandler(checker Checker) *Handler {
	return &Handler{checker: checker}
}

// CheckResponse represents the rate limit check response
type CheckResponse struct {
	Allowed    bool   `json:"allowed"`                       // Whether request is allowed
	Identity   string `json:"identity"`                      // Authenticated caller the bucket is keyed on
	Tier       string `json:"tier"`                          // Caller tier as authenticated
	Scope      string `json:"scope"`                         // Stage that decided
	Remaining  int64  `json:"remaining"`                     // Whole tokens remaining
	Limit      int64  `json:"limit"`                         // Capacity of the deciding bucket
	RetryAfter int64  `json:"retry_after_seconds,omitempty"` // Seconds until retry (if blocked)
	Degraded   bool   `json:"degraded,omitempty"`            // Store was unreachable, admitted unmetered
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// CheckRateLimit handles POST /v1/ratelimit/check requests.
//
// The check always runs against the authenticated caller's own buckets
// under the caller's own tier, and spends a token exactly like a proxied
// request would. It must be mounted outside RateLimiter.Middleware or the
// global bucket is charged twice.
func (h *Handler) CheckRateLimit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST requests are allowed")
		return
	}

	id, ok := auth.FromContext(r.Context())
	if !ok {
		sendError(w, http.StatusUnauthorized, "unauthorized", "Not authenticated")
		return
	}

	decision := h.checker.Check(r.Context(), id)

	zerolog.Ctx(r.Context()).Debug().
		Str("identity", id.ID).
		Bool("allowed", decision.Allowed).
		Msg("rate limit check")

	response := CheckResponse{
		Allowed:   decision.Allowed,
		Identity:  decision.Identity,
		Tier:      decision.Tier,
		Scope:     string(decision.Scope),
		Remaining: decision.Remaining,
		Limit:     decision.Limit,
		Degraded:  decision.Degraded,
	}

	// Set status code
	statusCode := http.StatusOK
	if !decision.Allowed {
		statusCode = http.StatusTooManyRequests
		response.RetryAfter = decision.RetryAfterSeconds()
	}

	writeJSON(w, statusCode, response)
}

// MeResponse describes the authenticated caller
type MeResponse struct {
	Identity string `json:"identity"`
	Tier     string `json:"tier"`
}

// Me handles GET /v1/auth/me
func Me(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET requests are allowed")
		return
	}

	id, ok := auth.FromContext(r.Context())
	if !ok {
		sendError(w, http.StatusUnauthorized, "unauthorized", "Not authenticated")
		return
	}

	writeJSON(w, http.StatusOK, MeResponse{Identity: id.ID, Tier: id.Tier})
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}
