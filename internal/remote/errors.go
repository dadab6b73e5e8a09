// Package remote provides an HTTP client for the cloud storage API with
// automatic retry, error classification, and a websocket event push channel.
package remote

import (
	"errors"
	"fmt"
)

// Server error codes as returned in the response envelope's code field.
// Code 0 is success; everything else maps to a sentinel below.
const (
	CodeOK                      = 0
	CodeLoginRequired           = 40001
	CodePermissionDenied        = 40002
	CodeNotFound                = 40004
	CodeCredentialInvalid       = 40005
	CodeIncorrectPassword       = 40006
	CodeLockConflict            = 40007
	CodeStaleVersion            = 40008
	CodeBatchPartiallyCompleted = 40009
	CodePurchaseRequired        = 40010
	CodeAnonymousDenied         = 40011
	CodeDomainNotLicensed       = 40012
)

// Sentinel errors for server error code classification.
// Use errors.Is(err, remote.ErrNotFound) to check.
var (
	ErrLoginRequired           = errors.New("remote: login required")
	ErrPermissionDenied        = errors.New("remote: permission denied")
	ErrNotFound                = errors.New("remote: not found")
	ErrCredentialInvalid       = errors.New("remote: credential invalid")
	ErrIncorrectPassword       = errors.New("remote: incorrect password")
	ErrLockConflict            = errors.New("remote: lock conflict")
	ErrStaleVersion            = errors.New("remote: stale version")
	ErrBatchPartiallyCompleted = errors.New("remote: batch partially completed")
	ErrPurchaseRequired        = errors.New("remote: purchase required")
	ErrAnonymousDenied         = errors.New("remote: anonymous access denied")
	ErrDomainNotLicensed       = errors.New("remote: domain not licensed")
	ErrServerError             = errors.New("remote: server error")
)

// APIError wraps a sentinel error with the server code, HTTP status, and
// the API error message body for debugging.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("remote: HTTP %d (code %d): %s", e.StatusCode, e.Code, e.Message)
	}

	return fmt.Sprintf("remote: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyCode maps a server error code to a sentinel error.
// Returns nil for CodeOK.
func classifyCode(code int) error {
	switch code {
	case CodeOK:
		return nil
	case CodeLoginRequired:
		return ErrLoginRequired
	case CodePermissionDenied:
		return ErrPermissionDenied
	case CodeNotFound:
		return ErrNotFound
	case CodeCredentialInvalid:
		return ErrCredentialInvalid
	case CodeIncorrectPassword:
		return ErrIncorrectPassword
	case CodeLockConflict:
		return ErrLockConflict
	case CodeStaleVersion:
		return ErrStaleVersion
	case CodeBatchPartiallyCompleted:
		return ErrBatchPartiallyCompleted
	case CodePurchaseRequired:
		return ErrPurchaseRequired
	case CodeAnonymousDenied:
		return ErrAnonymousDenied
	case CodeDomainNotLicensed:
		return ErrDomainNotLicensed
	default:
		return ErrServerError
	}
}

// ErrorClass buckets errors by how the transfer executor must react.
type ErrorClass int

const (
	// ClassTransient: retried with exponential backoff at the chunk level.
	// Covers network failures, 5xx responses, throttling, and lock
	// conflicts (the remote resource may be released shortly).
	ClassTransient ErrorClass = iota
	// ClassStaleVersion: not retried blindly. Triggers a metadata refresh
	// and conflict re-evaluation on the next reconciliation cycle.
	ClassStaleVersion
	// ClassReauth: fatal for the current task. The drive transitions to
	// credential-expired status and retries are suspended until the user
	// reauthorizes.
	ClassReauth
	// ClassFatal: surfaced to the user verbatim, never retried.
	ClassFatal
)

// String returns a short label for logs.
func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassStaleVersion:
		return "stale_version"
	case ClassReauth:
		return "reauth"
	default:
		return "fatal"
	}
}

// Classify maps an error from any remote operation into the class the
// executor acts on. Unknown errors (including local I/O wrapped in remote
// calls) default to transient so the retry budget, not a misclassification,
// decides the task's fate.
func Classify(err error) ErrorClass {
	switch {
	case errors.Is(err, ErrLoginRequired),
		errors.Is(err, ErrCredentialInvalid),
		errors.Is(err, ErrIncorrectPassword):
		return ClassReauth
	case errors.Is(err, ErrStaleVersion):
		return ClassStaleVersion
	case errors.Is(err, ErrPermissionDenied),
		errors.Is(err, ErrPurchaseRequired),
		errors.Is(err, ErrAnonymousDenied),
		errors.Is(err, ErrDomainNotLicensed),
		errors.Is(err, ErrNotFound):
		return ClassFatal
	case errors.Is(err, ErrLockConflict),
		errors.Is(err, ErrBatchPartiallyCompleted),
		errors.Is(err, ErrServerError):
		return ClassTransient
	default:
		return ClassTransient
	}
}

// Retriable reports whether the executor may retry the operation that
// produced err at the chunk level.
func Retriable(err error) bool {
	return Classify(err) == ClassTransient
}
