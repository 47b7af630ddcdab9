package upstream

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/oauthproxy/internal/common"
	"golang.org/x/oauth2"
)

// CodeInvalidGrant is the provider error meaning the grant itself is dead.
const CodeInvalidGrant = "invalid_grant"

// Error is a classified provider failure. Permanent failures must not be
// retried with the same grant.
type Error struct {
	Status    int
	Code      string
	Message   string
	Permanent bool
	Err       error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("upstream %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("upstream %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets callers match the sentinel for the failure class.
func (e *Error) Is(target error) bool {
	if e.Permanent {
		return target == common.ErrReauthRequired
	}
	return target == common.ErrUpstreamTransient
}

// Classify maps any provider call error to *Error. Only invalid_grant is
// permanent; rate limits, 5xx and network failures are transient.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var ue *Error
	if errors.As(err, &ue) {
		return ue
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		e := &Error{Code: re.ErrorCode, Message: re.ErrorDescription, Err: err}
		if re.Response != nil {
			e.Status = re.Response.StatusCode
		}
		if e.Code == "" {
			e.Code = "token_endpoint_error"
		}
		if e.Message == "" {
			e.Message = truncate(string(re.Body), 200)
		}
		e.Permanent = re.ErrorCode == CodeInvalidGrant
		return e
	}

	code := "network_error"
	if errors.Is(err, context.DeadlineExceeded) {
		code = "timeout"
	}
	return &Error{Code: code, Message: err.Error(), Err: err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
