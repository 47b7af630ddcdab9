// Package response writes JSON bodies and the uniform error shape used by
// every HTTP endpoint of the proxy.
package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/dmitrijs2005/oauthproxy/internal/common"
	"github.com/dmitrijs2005/oauthproxy/internal/cryptox"
)

// Error codes carried in the "code" field.
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeInvalidClient       = "INVALID_CLIENT"
	CodeInvalidGrant        = "INVALID_GRANT"
	CodeRedirectMismatch    = "REDIRECT_MISMATCH"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeReauthRequired      = "REAUTH_REQUIRED"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeIntegrity           = "INTEGRITY_ERROR"
	CodeIdempotencyConflict = "IDEMPOTENCY_CONFLICT"
	CodeNotFound            = "NOT_FOUND"
	CodeInternal            = "INTERNAL_ERROR"
)

// ErrorBody is the uniform error shape.
type ErrorBody struct {
	Error          string `json:"error"`
	Message        string `json:"message"`
	Code           string `json:"code"`
	RequiresReauth bool   `json:"requiresReauth,omitempty"`
	Timestamp      string `json:"timestamp"`
}

// Now is the clock used for error timestamps.
var Now = time.Now

func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Error writes the uniform error body. The short "error" name is derived
// from code.
func Error(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, ErrorBody{
		Error:          errorName(code),
		Message:        message,
		Code:           code,
		RequiresReauth: code == CodeReauthRequired,
		Timestamp:      Now().UTC().Format(time.RFC3339),
	})
}

// FromError maps a service error onto the HTTP status, code and message
// exposed to callers. Unknown errors become a 500 without details.
func FromError(err error) (int, string, string) {
	switch {
	case errors.Is(err, common.ErrorValidation):
		return http.StatusBadRequest, CodeValidation, err.Error()
	case errors.Is(err, common.ErrInvalidClient):
		return http.StatusUnauthorized, CodeInvalidClient, "invalid client credentials"
	case errors.Is(err, common.ErrRedirectMismatch):
		return http.StatusBadRequest, CodeRedirectMismatch, "redirect_uri does not match the authorization request"
	case errors.Is(err, common.ErrInvalidState):
		return http.StatusBadRequest, CodeValidation, "invalid or expired state"
	case errors.Is(err, common.ErrorUnauthorized):
		return http.StatusUnauthorized, CodeUnauthorized, "unauthorized"
	case errors.Is(err, common.ErrReauthRequired):
		return http.StatusUnauthorized, CodeReauthRequired, "reauthentication required"
	case errors.Is(err, common.ErrUpstreamTransient):
		return http.StatusServiceUnavailable, CodeUpstreamUnavailable, "upstream provider temporarily unavailable, retry later"
	case errors.Is(err, cryptox.ErrDecryption):
		return http.StatusInternalServerError, CodeIntegrity, "stored credential could not be decrypted"
	case errors.Is(err, common.ErrIdempotencyConflict):
		return http.StatusConflict, CodeIdempotencyConflict, "idempotency key was already used for a different request"
	case errors.Is(err, common.ErrorNotFound):
		return http.StatusNotFound, CodeNotFound, "not found"
	default:
		return http.StatusInternalServerError, CodeInternal, "internal error"
	}
}

// WriteError is Error(FromError(err)).
func WriteError(w http.ResponseWriter, err error) {
	status, code, msg := FromError(err)
	Error(w, status, code, msg)
}

func errorName(code string) string {
	switch code {
	case CodeValidation:
		return "invalid_request"
	case CodeInvalidClient:
		return "invalid_client"
	case CodeInvalidGrant, CodeRedirectMismatch:
		return "invalid_grant"
	case CodeUpstreamUnavailable:
		return "temporarily_unavailable"
	case CodeInternal, CodeIntegrity:
		return "server_error"
	}
	return strings.ToLower(code)
}
