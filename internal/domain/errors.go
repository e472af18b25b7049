package domain

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Error classes surfaced by the session and cart layer. Each wraps an errdefs
// class so callers may test with either errors.Is or the errdefs helpers.
var (
	ErrNetwork            = fmt.Errorf("network error: %w", errdefs.ErrUnavailable)
	ErrAuth               = fmt.Errorf("auth error: %w", errdefs.ErrUnauthenticated)
	ErrInvalidCredentials = fmt.Errorf("invalid credentials: %w", errdefs.ErrPermissionDenied)
	ErrValidation         = fmt.Errorf("validation error: %w", errdefs.ErrInvalidArgument)
	ErrSyncConflict       = fmt.Errorf("sync conflict: %w", errdefs.ErrConflict)
	ErrRemote             = fmt.Errorf("remote error: %w", errdefs.ErrInternal)
)

// RemoteError describes a non-2xx backend answer.
type RemoteError struct {
	StatusCode int
	Message    string
	kind       error
}

// NewRemoteError classifies a backend status code into one of the error classes.
func NewRemoteError(status int, message string) *RemoteError {
	kind := ErrRemote
	switch {
	case status == 401:
		kind = ErrAuth
	case status == 400 || status == 404 || status == 422:
		kind = ErrValidation
	case status == 409:
		kind = ErrSyncConflict
	case status == 502 || status == 503 || status == 504:
		kind = ErrNetwork
	}
	return &RemoteError{StatusCode: status, Message: message, kind: kind}
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Message)
}

// Unwrap exposes the error class.
func (e *RemoteError) Unwrap() error {
	return e.kind
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuth)
}

// IsNetwork reports whether err is a transport failure.
func IsNetwork(err error) bool {
	return errors.Is(err, ErrNetwork)
}

// IsValidation reports whether err was rejected before reaching the backend or as a bad request.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsSyncConflict reports whether err came from an interrupted cart merge.
func IsSyncConflict(err error) bool {
	return errors.Is(err, ErrSyncConflict)
}

// IsInvalidCredentials reports whether a login was rejected.
func IsInvalidCredentials(err error) bool {
	return errors.Is(err, ErrInvalidCredentials)
}
