package server

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/c0deZ3R0/go-replica-kit/errors"
)

// errorBody is the JSON error envelope sent on every failed request.
type errorBody struct {
	Code    int    `json:"code"`
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

// closeConnection writes the error envelope and asks the peer to drop the
// connection, so stale clients do not keep a broken stream alive.
func closeConnection(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Connection", "close")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{
		Code:    status,
		Error:   true,
		Message: message,
	})
}

// writeError maps a ReplicationError to its wire status and writes the
// error envelope.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var re *errors.ReplicationError
	if stderrors.As(err, &re) {
		status = errors.HTTPStatus(re.Code)
	}
	closeConnection(w, status, err.Error())
}

// respondJSON writes a successful JSON response.
func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeSSEHeaders prepares the response for a server-sent-event stream and
// flushes the headers immediately so the client sees the stream as open.
func writeSSEHeaders(w http.ResponseWriter) (http.Flusher, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	// Disable buffering in nginx-style reverse proxies.
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, nil
}

// writeSSEData writes one SSE data frame and flushes it.
func writeSSEData(w http.ResponseWriter, flusher http.Flusher, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", encoded); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// applyCORS sets the allow-origin header when one is configured.
func applyCORS(w http.ResponseWriter, origin string) {
	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
}

// preflightHandler answers CORS preflight requests for an endpoint subtree.
func preflightHandler(origin string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		applyCORS(w, origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.WriteHeader(http.StatusNoContent)
	}
}

// blockPreviousVersionPaths registers a 426 gate on every endpoint version
// below the current one. Clients built against an old schema version get a
// deterministic upgrade signal instead of undefined behavior.
func blockPreviousVersionPaths(mux *http.ServeMux, name string, currentVersion int) {
	for v := 0; v < currentVersion; v++ {
		message := fmt.Sprintf("Outdated version %d (newest is %d)", v, currentVersion)
		mux.HandleFunc("/"+name+"/"+strconv.Itoa(v)+"/", func(w http.ResponseWriter, r *http.Request) {
			closeConnection(w, http.StatusUpgradeRequired, message)
		})
	}
}

// parseLimit reads the pull batch size from the query string; absent or
// malformed values fall back to the default of one document per batch.
func parseLimit(raw string) int {
	if raw == "" {
		return 1
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 1
	}
	return limit
}
