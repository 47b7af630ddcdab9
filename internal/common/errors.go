// Package common defines shared constants and sentinel errors used across
// the proxy. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors.
	ErrorUnauthorized = errors.New("unauthorized")

	// Validation errors.
	ErrorValidation = errors.New("validation error")

	// Authorization hop errors.
	ErrInvalidClient    = errors.New("invalid client credentials")
	ErrRedirectMismatch = errors.New("redirect uri mismatch")
	ErrInvalidState     = errors.New("invalid state")

	// Upstream token lifecycle errors.
	ErrReauthRequired    = errors.New("reauthentication required")
	ErrUpstreamTransient = errors.New("upstream temporarily unavailable")

	// Idempotency errors.
	ErrIdempotencyConflict = errors.New("idempotency key reused with a different request")
)
