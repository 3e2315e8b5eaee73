package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// WriteJSON writes a JSON response with the given status code.
// It automatically sets the Content-Type header and Cache-Control headers.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	NoCache(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// NoCache sets the Cache-Control and Pragma headers to prevent caching.
// Token responses must never be cached.
func NoCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}

// Error is an RFC 6749 style error body. It doubles as a Go error so
// handlers can return it and write it in one place.
type Error struct {
	Status      int    `json:"-"`
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Write sends e as the response.
func (e *Error) Write(w http.ResponseWriter) {
	WriteJSON(w, e.Status, e)
}

// WithDescription returns a copy of e with a different description.
func (e *Error) WithDescription(desc string) *Error {
	out := *e
	out.Description = desc
	return &out
}

var (
	ErrInvalidRequest = &Error{
		Status:      http.StatusBadRequest,
		Code:        "invalid_request",
		Description: "the request is malformed or missing required parameters",
	}
	ErrInvalidToken = &Error{
		Status:      http.StatusUnauthorized,
		Code:        "invalid_token",
		Description: "the token is invalid, expired or revoked",
	}
	ErrInvalidGrant = &Error{
		Status:      http.StatusBadRequest,
		Code:        "invalid_grant",
		Description: "the refresh token is invalid, expired or revoked",
	}
	ErrUnauthorized = &Error{
		Status:      http.StatusUnauthorized,
		Code:        "unauthorized",
		Description: "missing or invalid credentials",
	}
	ErrNotFound = &Error{
		Status:      http.StatusNotFound,
		Code:        "not_found",
		Description: "the requested resource does not exist",
	}
	ErrRateLimited = &Error{
		Status:      http.StatusTooManyRequests,
		Code:        "rate_limit_exceeded",
		Description: "Too many requests. Please try again later.",
	}
	ErrTemporarilyUnavailable = &Error{
		Status:      http.StatusServiceUnavailable,
		Code:        "temporarily_unavailable",
		Description: "the service cannot complete the request right now",
	}
	ErrServerError = &Error{
		Status:      http.StatusInternalServerError,
		Code:        "server_error",
		Description: "an unexpected error occurred",
	}
)
