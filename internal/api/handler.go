// Package api provides HTTP handlers for the Connexi relay API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/connexi/connexi-chat/internal/relay"
)

// DefaultMaxBodySize bounds request bodies when none is configured.
const DefaultMaxBodySize int64 = 64 << 10

// Handler provides common handler utilities.
type Handler struct {
	svc     *relay.Service
	limiter *relay.RateLimiter
	maxBody int64
	logger  *slog.Logger
}

// NewHandler creates a new Handler with common dependencies. limiter may be
// nil to disable rate limiting.
func NewHandler(svc *relay.Service, limiter *relay.RateLimiter, maxBody int64, logger *slog.Logger) *Handler {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodySize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, limiter: limiter, maxBody: maxBody, logger: logger}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decode reads a JSON body of at most maxBody bytes into v.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	body := http.MaxBytesReader(w, r.Body, h.maxBody)
	defer func() { _ = body.Close() }()

	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body exceeds %d bytes: %w", tooLarge.Limit, err)
		}
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}
