package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCredential is returned when no usable upstream credential exists.
	ErrNoCredential = errors.New("no wearable credential available")
	// ErrNoRefreshToken is returned when a refresh is requested but none is stored.
	ErrNoRefreshToken = errors.New("no refresh token stored")
	// ErrInvalidOAuthState is returned for unknown, expired, or already consumed authorization states.
	ErrInvalidOAuthState = errors.New("invalid oauth state")
	// ErrRecordNotFound is returned when a daily record lookup has no match.
	ErrRecordNotFound = errors.New("daily record not found")
	// ErrInvalidRange is returned when a requested date range is malformed.
	ErrInvalidRange = errors.New("invalid date range")
)

// AuthError reports a missing, expired, or rejected upstream credential.
type AuthError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: unauthorized (status %d)", e.Op, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: unauthorized: %v", e.Op, e.Err)
	}
	return e.Op + ": unauthorized"
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransientError reports a connection failure or timeout talking to the upstream.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// UpstreamError reports a non-401 HTTP failure or an unreadable upstream response.
type UpstreamError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: upstream status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: upstream status %d: %s", e.Op, e.StatusCode, e.Body)
}

// ErrorClass groups failures by how a sync run should react to them.
type ErrorClass string

const (
	ErrorClassNone      ErrorClass = ""
	ErrorClassAuth      ErrorClass = "auth"
	ErrorClassTransient ErrorClass = "transient"
	ErrorClassUpstream  ErrorClass = "upstream"
	ErrorClassFatal     ErrorClass = "fatal"
)

// Classify maps an error onto its ErrorClass. Unrecognised errors are fatal.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassNone
	}
	var authErr *AuthError
	if errors.As(err, &authErr) || errors.Is(err, ErrNoCredential) || errors.Is(err, ErrNoRefreshToken) {
		return ErrorClassAuth
	}
	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return ErrorClassTransient
	}
	var upstreamErr *UpstreamError
	if errors.As(err, &upstreamErr) {
		return ErrorClassUpstream
	}
	return ErrorClassFatal
}
