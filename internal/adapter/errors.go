package adapter

import (
	"errors"
	"fmt"
	"net/http"
)

// AuthError means the stored credentials were rejected by the remote service
// (revoked key, invalid grant). The owning integration must be deactivated and
// not retried until a human re-links it.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authorization failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("authorization failed: %s", e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransientError covers network failures, rate limits, timeouts and 5xx
// responses. Eligible for retry under backoff; the integration stays active.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// MappingError means one remote record could not be normalized. It is counted
// against the run but never aborts it.
type MappingError struct {
	RecordID string
	Err      error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("failed to map remote record %s: %v", e.RecordID, e.Err)
}

func (e *MappingError) Unwrap() error { return e.Err }

func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

func IsTransientError(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func IsMappingError(err error) bool {
	var me *MappingError
	return errors.As(err, &me)
}

// classifyHTTPStatus maps a remote HTTP status onto the taxonomy. 401/403 are
// credential problems; 429 and 5xx are retryable; anything else unexpected is
// treated as transient so a service hiccup never bricks an integration.
func classifyHTTPStatus(status int, body string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Reason: fmt.Sprintf("remote returned %d: %s", status, body)}
	case status == http.StatusTooManyRequests || status >= 500:
		return &TransientError{Err: fmt.Errorf("remote returned %d: %s", status, body)}
	default:
		return &TransientError{Err: fmt.Errorf("unexpected remote status %d: %s", status, body)}
	}
}
