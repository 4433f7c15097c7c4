// Package apierr renders the gateway's structured error envelope
// (spec.md §4.6/§7): `{error, message, violations?, retry_after?}`.
//
// Grounded on the teacher's pkg/api/apierror.go (RFC 7807-shaped
// WriteError/WriteX helpers, log/slog for server-side logging of the
// underlying cause without exposing it to the client), adapted to the
// gateway's flatter error-code shape instead of RFC 7807's type/title/
// instance fields.
package apierr

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// Body is the JSON shape written to the client on any rejected request.
type Body struct {
	Error      string      `json:"error"`
	Message    string      `json:"message"`
	Violations []Violation `json:"violations,omitempty"`
	RetryAfter int         `json:"retry_after,omitempty"`
}

// Violation mirrors internal/policy.Violation without importing it, so
// apierr stays a leaf package usable from every middleware stage.
type Violation struct {
	Rule   string `json:"rule"`
	Detail string `json:"detail"`
}

// Write sends status with the given error code and message.
func Write(w http.ResponseWriter, status int, code, message string) {
	writeBody(w, status, Body{Error: code, Message: message})
}

// WriteViolations sends status with a list of policy violations attached.
func WriteViolations(w http.ResponseWriter, status int, code, message string, violations []Violation) {
	writeBody(w, status, Body{Error: code, Message: message, Violations: violations})
}

// WriteRetryAfter sends status with a retry_after hint in seconds, used by
// QuotaExceeded (429) and similar backpressure responses.
func WriteRetryAfter(w http.ResponseWriter, status int, code, message string, retryAfterSeconds int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	writeBody(w, status, Body{Error: code, Message: message, RetryAfter: retryAfterSeconds})
}

// WriteInternal logs err server-side and returns a generic 500 — the
// underlying cause is never exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("gateway: internal error", "error", err)
	writeBody(w, http.StatusInternalServerError, Body{Error: "odin.internal", Message: "an unexpected error occurred"})
}

func writeBody(w http.ResponseWriter, status int, body Body) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

