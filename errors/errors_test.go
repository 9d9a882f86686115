package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessageFormat(t *testing.T) {
	err := NewUnauthorized(OpPull, fmt.Errorf("token expired"))
	msg := err.Error()
	assert.Contains(t, msg, "pull operation failed")
	assert.Contains(t, msg, "UNAUTHORIZED")
	assert.Contains(t, msg, "token expired")
}

func TestUnwrap(t *testing.T) {
	cause := fmt.Errorf("boom")
	err := NewStorage(OpPush, cause)
	assert.ErrorIs(t, err, cause)
}

func TestWrappedErrorsKeepTheirCode(t *testing.T) {
	inner := NewForbidden(OpPush, fmt.Errorf("row not allowed"))
	outer := fmt.Errorf("push batch: %w", inner)

	assert.True(t, IsForbidden(outer))
	assert.False(t, IsUnauthorized(outer))
	assert.False(t, IsRetryable(outer))
}

func TestRetryability(t *testing.T) {
	assert.True(t, IsRetryable(NewUnauthorized(OpPull, fmt.Errorf("x"))))
	assert.True(t, IsRetryable(NewStorage(OpPull, fmt.Errorf("x"))))
	assert.True(t, IsRetryable(NewNetwork(OpPull, fmt.Errorf("x"))))
	assert.False(t, IsRetryable(NewForbidden(OpPush, fmt.Errorf("x"))))
	assert.False(t, IsRetryable(NewOutdated(OpPull, fmt.Errorf("x"))))
	assert.False(t, IsRetryable(fmt.Errorf("plain error")))
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Code]int{
		CodeUnauthorized:      http.StatusUnauthorized,
		CodeForbidden:         http.StatusForbidden,
		CodeProtocolViolation: http.StatusBadRequest,
		CodeOutdatedVersion:   http.StatusUpgradeRequired,
		CodeStorageFailure:    http.StatusInternalServerError,
	}
	for code, status := range cases {
		assert.Equal(t, status, HTTPStatus(code), string(code))
		if status != http.StatusInternalServerError {
			assert.Equal(t, code, CodeFromStatus(status), string(code))
		}
	}
}
