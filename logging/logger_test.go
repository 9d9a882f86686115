package logging

import (
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-replica-kit/errors"
)

func TestNewLoggerLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		logger := NewLogger(Config{Level: level, Format: "text"})
		require.NotNil(t, logger)
	}
	// Unknown levels fall back without panicking.
	assert.NotNil(t, NewLogger(Config{Level: "bogus"}))
}

func TestDefaultIsUsableWithoutInit(t *testing.T) {
	assert.NotNil(t, Default())
}

func TestWithComponentAndEndpoint(t *testing.T) {
	logger := NewLogger(DefaultConfig)
	assert.NotNil(t, logger.WithComponent("server"))
	assert.NotNil(t, logger.WithEndpoint("items", 2))
}

func TestReplicationErrorValuer(t *testing.T) {
	err := errors.NewForbidden(errors.OpPush, fmt.Errorf("row rejected"))
	v := ReplicationErrorValuer{err}.LogValue()
	require.Equal(t, slog.KindGroup, v.Kind())

	attrs := map[string]string{}
	for _, a := range v.Group() {
		attrs[a.Key] = a.Value.String()
	}
	assert.Equal(t, "push", attrs["operation"])
	assert.Equal(t, "FORBIDDEN", attrs["code"])
	assert.Equal(t, "row rejected", attrs["error"])
}

func TestLogErrorWithPlainError(t *testing.T) {
	logger := NewLogger(Config{Level: "error", Format: "json"})
	// Must not panic on non-replication errors.
	logger.LogError(fmt.Errorf("plain failure"), "something broke")
}
