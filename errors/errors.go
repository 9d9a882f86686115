// Package errors provides custom error types for the replication package
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code represents the type of error that occurred
type Code string

const (
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeForbidden         Code = "FORBIDDEN"
	CodeProtocolViolation Code = "PROTOCOL_VIOLATION"
	CodeOutdatedVersion   Code = "OUTDATED_VERSION"
	CodeStorageFailure    Code = "STORAGE_FAILURE"
	CodeNetworkFailure    Code = "NETWORK_FAILURE"
)

// Operation represents the type of replication operation
type Operation string

const (
	OpPull   Operation = "pull"
	OpPush   Operation = "push"
	OpStream Operation = "stream"
	OpQuery  Operation = "query"
	OpGet    Operation = "get"
	OpSet    Operation = "set"
	OpDelete Operation = "delete"
	OpAuth   Operation = "auth"
	OpWrite  Operation = "write"
	OpClose  Operation = "close"
)

// ReplicationError represents an error that occurred during replication
type ReplicationError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "endpoint", "driver")
	Component string

	// Error code for the error type
	Code Code

	// Underlying error
	Err error

	// Whether the operation can be retried on the normal cadence
	Retryable bool
}

func (e *ReplicationError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}
	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}
	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *ReplicationError) Unwrap() error {
	return e.Err
}

// New creates a new ReplicationError
func New(op Operation, err error) *ReplicationError {
	return &ReplicationError{Op: op, Err: err}
}

// NewWithComponent creates a new ReplicationError with component information
func NewWithComponent(op Operation, component string, err error) *ReplicationError {
	return &ReplicationError{Op: op, Component: component, Err: err}
}

// NewUnauthorized creates an auth-failure error. Recoverable once the caller
// supplies valid credentials, so it stays retryable for the client driver.
func NewUnauthorized(op Operation, cause error) *ReplicationError {
	return &ReplicationError{
		Code:      CodeUnauthorized,
		Op:        op,
		Component: "auth",
		Err:       cause,
		Retryable: true,
	}
}

// NewForbidden creates an authorization/validation failure error. The same
// rows will keep failing, so it is not retryable.
func NewForbidden(op Operation, cause error) *ReplicationError {
	return &ReplicationError{
		Code:      CodeForbidden,
		Op:        op,
		Err:       cause,
		Retryable: false,
	}
}

// NewProtocol creates a protocol-violation error (disallowed selector,
// metadata smuggled into a push row)
func NewProtocol(op Operation, cause error) *ReplicationError {
	return &ReplicationError{
		Code:      CodeProtocolViolation,
		Op:        op,
		Err:       cause,
		Retryable: false,
	}
}

// NewOutdated creates a version-mismatch error. Permanent until the client
// is updated against the new endpoint version.
func NewOutdated(op Operation, cause error) *ReplicationError {
	return &ReplicationError{
		Code:      CodeOutdatedVersion,
		Op:        op,
		Err:       cause,
		Retryable: false,
	}
}

// NewStorage creates a storage-backend failure error
func NewStorage(op Operation, cause error) *ReplicationError {
	return &ReplicationError{
		Code:      CodeStorageFailure,
		Op:        op,
		Component: "store",
		Err:       cause,
		Retryable: true,
	}
}

// NewNetwork creates a transport-level failure error
func NewNetwork(op Operation, cause error) *ReplicationError {
	return &ReplicationError{
		Code:      CodeNetworkFailure,
		Op:        op,
		Component: "transport",
		Err:       cause,
		Retryable: true,
	}
}

// HTTPStatus maps an error code to the wire status the server responds with.
func HTTPStatus(code Code) int {
	switch code {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeProtocolViolation:
		return http.StatusBadRequest
	case CodeOutdatedVersion:
		return http.StatusUpgradeRequired
	default:
		return http.StatusInternalServerError
	}
}

// CodeFromStatus maps a wire status back to an error code on the client side.
func CodeFromStatus(status int) Code {
	switch status {
	case http.StatusUnauthorized:
		return CodeUnauthorized
	case http.StatusForbidden:
		return CodeForbidden
	case http.StatusBadRequest:
		return CodeProtocolViolation
	case http.StatusUpgradeRequired:
		return CodeOutdatedVersion
	default:
		return CodeStorageFailure
	}
}

// IsRetryable checks if an error is a retryable ReplicationError
func IsRetryable(err error) bool {
	var re *ReplicationError
	if errors.As(err, &re) {
		return re.Retryable
	}
	return false
}

// HasCode checks whether an error carries the given code
func HasCode(err error, code Code) bool {
	var re *ReplicationError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsUnauthorized reports an auth failure (HTTP 401 semantics)
func IsUnauthorized(err error) bool { return HasCode(err, CodeUnauthorized) }

// IsForbidden reports an authorization/validation failure (HTTP 403 semantics)
func IsForbidden(err error) bool { return HasCode(err, CodeForbidden) }

// IsOutdated reports a version mismatch (HTTP 426 semantics)
func IsOutdated(err error) bool { return HasCode(err, CodeOutdatedVersion) }
