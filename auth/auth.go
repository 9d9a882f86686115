// Package auth defines the pluggable authentication contract for the
// replication server. A Handler turns request headers into an auth context;
// everything else about credential verification is up to the handler.
package auth

import (
	"net/http"
	"time"
)

// Data is the auth context produced for one request. It is computed fresh on
// every authenticated request and, on long-lived streams, re-derived before
// each emitted event because the underlying credential may expire mid-stream.
type Data struct {
	// Data is the opaque application payload (claims, user record, ...).
	Data any

	// ValidUntil is the credential expiry as unix milliseconds.
	ValidUntil int64
}

// Handler resolves the auth context from request headers. It must return an
// error when the credential is missing, malformed or expired; the server
// responds 401 and closes the connection.
type Handler func(header http.Header) (Data, error)

// AllowAll returns a permissive handler used when no authentication is
// configured. It never fails and reports a far-future expiry.
func AllowAll() Handler {
	return func(http.Header) (Data, error) {
		return Data{
			Data:       map[string]any{},
			ValidUntil: time.Now().Add(100 * 365 * 24 * time.Hour).UnixMilli(),
		}, nil
	}
}
