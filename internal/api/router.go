// Package api provides the HTTP API handlers for questd.
// All endpoints are mounted under /api/v1.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/questline-hq/questline/platform/internal/cache"
	"github.com/questline-hq/questline/platform/internal/domain"
)

// maxJSONBodySize is the maximum size for JSON request bodies (1MB).
const maxJSONBodySize = 1 << 20

// maxDescriptionLength is the maximum length for description fields (5000 chars).
const maxDescriptionLength = 5000

// validCodeRe matches lowercase slug challenge codes: starts with a lowercase
// letter, then lowercase + digits + hyphens + underscores.
var validCodeRe = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// validCode returns true if s is a valid lowercase slug (1-128 chars).
func validCode(s string) bool {
	return len(s) <= 128 && validCodeRe.MatchString(s)
}

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// parsePagination reads limit and offset from query params with defaults and bounds.
func parsePagination(r *http.Request) (limit, offset int) {
	limit = defaultPageLimit
	offset = 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// Structured error type codes for machine-readable error categorization.
// These classify errors into broad categories independent of the HTTP status code.
const (
	ErrorTypeValidation   = "VALIDATION"   // request data failed validation
	ErrorTypeNotFound     = "NOT_FOUND"    // requested resource does not exist
	ErrorTypeConflict     = "CONFLICT"     // request conflicts with current resource state
	ErrorTypePrecondition = "PRECONDITION" // lifecycle gate rejected the request
	ErrorTypeRateLimit    = "RATE_LIMIT"   // too many requests
	ErrorTypeInternal     = "INTERNAL"     // unexpected server error
	ErrorTypeUnavailable  = "UNAVAILABLE"  // dependency not available
)

// APIError is the structured JSON error envelope returned by all API error responses.
// Format: {"error": {"code": "ERROR_CODE", "type": "ERROR_TYPE", "message": "human-readable message"}}
type APIError struct {
	Error APIErrorDetail `json:"error"`
}

// APIErrorDetail holds the code, type, and message inside the error envelope.
type APIErrorDetail struct {
	Code    string   `json:"code"`
	Type    string   `json:"type,omitempty"` // broad error category (VALIDATION, NOT_FOUND, etc.)
	Message string   `json:"message"`
	Checks  []string `json:"checks,omitempty"` // failing check names on precondition errors
}

// errorTypeFromStatus maps HTTP status codes to broad error type categories.
func errorTypeFromStatus(status int) string {
	switch {
	case status == http.StatusBadRequest:
		return ErrorTypeValidation
	case status == http.StatusNotFound:
		return ErrorTypeNotFound
	case status == http.StatusConflict:
		return ErrorTypeConflict
	case status == http.StatusUnprocessableEntity:
		return ErrorTypePrecondition
	case status == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case status == http.StatusServiceUnavailable:
		return ErrorTypeUnavailable
	case status >= 500:
		return ErrorTypeInternal
	default:
		return ""
	}
}

// errorJSON writes a structured JSON error response.
// All API errors use this format so clients only need to handle one shape.
// The type field is automatically derived from the HTTP status code.
func errorJSON(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIError{
		Error: APIErrorDetail{Code: code, Type: errorTypeFromStatus(status), Message: message},
	}); err != nil {
		slog.Error("failed to encode JSON error response", "error", err)
	}
}

// internalError logs the full error server-side and returns a generic JSON error to clients.
func internalError(w http.ResponseWriter, msg string, err error) {
	slog.Error(msg, "error", err)
	errorJSON(w, msg, "INTERNAL", http.StatusInternalServerError)
}

// writeJSON encodes v as JSON and writes it to w with the given status code.
// Logs an error if encoding fails (response may be partial at that point).
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// domainError translates lifecycle and storage errors into the structured
// error envelope. Every mutating handler funnels its service errors through
// here so the status mapping lives in one place.
func domainError(w http.ResponseWriter, err error) {
	var pre *domain.PreconditionError
	if errors.As(err, &pre) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		encErr := json.NewEncoder(w).Encode(APIError{
			Error: APIErrorDetail{
				Code:    "PRECONDITION_FAILED",
				Type:    ErrorTypePrecondition,
				Message: pre.Error(),
				Checks:  pre.Checks,
			},
		})
		if encErr != nil {
			slog.Error("failed to encode JSON error response", "error", encErr)
		}
		return
	}

	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		errorJSON(w, verr.Error(), "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		errorJSON(w, "challenge not found", "NOT_FOUND", http.StatusNotFound)
	case errors.Is(err, domain.ErrAlreadyExists):
		errorJSON(w, "a challenge with this code already exists", "ALREADY_EXISTS", http.StatusConflict)
	case errors.Is(err, domain.ErrConflict):
		errorJSON(w, "version conflict: the challenge was modified by someone else, re-read and retry", "VERSION_CONFLICT", http.StatusConflict)
	case errors.Is(err, domain.ErrIllegalTransition):
		errorJSON(w, err.Error(), "ILLEGAL_TRANSITION", http.StatusConflict)
	case errors.Is(err, domain.ErrIllegalInCurrentState):
		errorJSON(w, err.Error(), "ILLEGAL_IN_CURRENT_STATE", http.StatusConflict)
	case errors.Is(err, domain.ErrStorageUnavailable):
		slog.Error("storage unavailable", "error", err)
		errorJSON(w, "storage unavailable", "STORAGE_UNAVAILABLE", http.StatusServiceUnavailable)
	default:
		internalError(w, "internal error", err)
	}
}

// limitJSONBody caps request body size for JSON requests.
func limitJSONBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// securityHeaders adds standard HTTP security headers to every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "0") // modern browsers: CSP replaces this
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		next.ServeHTTP(w, r)
	})
}

// Server holds dependencies for all API handlers.
type Server struct {
	Challenges  ChallengeService
	Auth        func(http.Handler) http.Handler // Optional auth middleware for /api/v1. Nil = no auth.
	CORSOrigins []string                        // Allowed CORS origins. Defaults to ["http://localhost:3000"].
	DBHealth    HealthChecker                   // Postgres health check (pool.Ping). Nil = skip.

	RateLimit       *RateLimitConfig // Per-IP rate limiting config. Nil disables rate limiting.
	RateLimiterStop func()           // Populated by NewRouter when rate limiting is enabled.

	// ChallengeCache reduces Postgres load on the challenge read path.
	// Nil is safe, handlers check before using. Mutating handlers
	// invalidate the touched entry.
	ChallengeCache *cache.Cache[int64, *domain.Challenge]
}

// NewRouter creates a configured chi router with all API routes mounted.
func NewRouter(srv *Server) chi.Router {
	r := chi.NewRouter()

	corsOrigins := srv.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"http://localhost:3000"}
	}

	// When AllowCredentials is true, Access-Control-Allow-Origin must not be
	// "*". If the caller configured "*", reflect the request Origin instead.
	hasWildcard := false
	for _, o := range corsOrigins {
		if o == "*" {
			hasWildcard = true
			break
		}
	}

	corsOpts := cors.Options{
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Actor", "X-Request-ID"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	if hasWildcard {
		slog.Warn("CORS: wildcard origin '*' with AllowCredentials — using dynamic origin reflection")
		corsOpts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		corsOpts.AllowedOrigins = corsOrigins
	}

	r.Use(cors.Handler(corsOpts))
	r.Use(securityHeaders)
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)

	// Health & metrics (unauthenticated, outside /api/v1)
	r.Get("/health", srv.HandleHealth)
	r.Get("/health/live", srv.HandleHealthLive)
	r.Get("/health/ready", srv.HandleHealthReady)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(limitJSONBody)
		if srv.RateLimit != nil {
			rl, mw := RateLimit(*srv.RateLimit)
			srv.RateLimiterStop = rl.Stop
			r.Use(mw)
		}
		if srv.Auth != nil {
			r.Use(srv.Auth)
		}
		MountChallengeRoutes(r, srv)
	})

	return r
}

// actorFromRequest reads the acting user from the X-Actor header.
// Mutating endpoints require it; the audit trail is worthless without an actor.
func actorFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Actor"))
}
