package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/c0deZ3R0/go-replica-kit/access"
	"github.com/c0deZ3R0/go-replica-kit/checkpoint"
	"github.com/c0deZ3R0/go-replica-kit/document"
	"github.com/c0deZ3R0/go-replica-kit/errors"
	"github.com/c0deZ3R0/go-replica-kit/fields"
	"github.com/c0deZ3R0/go-replica-kit/query"
)

// ReplicationEndpoint serves the checkpoint replication protocol for one
// document store.
type ReplicationEndpoint struct {
	*endpoint
}

// PullResponse is the payload of a pull batch, on HTTP responses and on the
// live stream alike.
type PullResponse struct {
	Documents  []document.Document   `json:"documents"`
	Checkpoint checkpoint.Checkpoint `json:"checkpoint"`
}

// ResyncMessage is the stream sentinel that tells clients to run a full
// pull cycle instead of trusting incremental events.
const ResyncMessage = "RESYNC"

// handlePull returns the batch of documents changed since the checkpoint in
// the query string, plus the checkpoint reached after them.
func (e *ReplicationEndpoint) handlePull(w http.ResponseWriter, r *http.Request) {
	applyCORS(w, e.cors)

	authData, err := e.resolveAuth(r)
	if err != nil {
		closeConnection(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	cp := checkpoint.FromQuery(r.URL.Query())
	limit := parseLimit(r.URL.Query().Get("limit"))

	q := query.ChangedSinceQuery(e.store.PrimaryPath(), cp, limit)
	q, err = access.ModifyQuery(e.modifier, authData, q)
	if err != nil {
		e.logger.LogError(err, "pull query rejected")
		writeError(w, err)
		return
	}

	docs, err := e.store.Query(r.Context(), q)
	if err != nil {
		e.logger.LogError(err, "pull query failed")
		writeError(w, errors.NewStorage(errors.OpPull, err))
		return
	}

	// An exhausted batch returns the caller's checkpoint unchanged so the
	// next pull resumes from the same position.
	newCheckpoint := cp
	if len(docs) > 0 {
		newCheckpoint = checkpoint.FromDocument(docs[len(docs)-1], e.store.PrimaryPath())
	}

	respondJSON(w, http.StatusOK, PullResponse{
		Documents:  fields.StripAll(docs, e.serverOnly),
		Checkpoint: newCheckpoint,
	})
}

// handlePush applies a batch of client change rows. The batch is
// all-or-nothing with respect to authorization: one disallowed row rejects
// the whole request before anything is written. Conflicts are not errors;
// the current master state of every conflicting row comes back in the
// response body.
func (e *ReplicationEndpoint) handlePush(w http.ResponseWriter, r *http.Request) {
	applyCORS(w, e.cors)

	authData, err := e.resolveAuth(r)
	if err != nil {
		closeConnection(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var rows []document.ChangeRow
	if err := json.NewDecoder(r.Body).Decode(&rows); err != nil {
		closeConnection(w, http.StatusBadRequest, "malformed change rows")
		return
	}

	for _, row := range rows {
		if row.NewDocumentState == nil {
			closeConnection(w, http.StatusBadRequest, "change row without newDocumentState")
			return
		}
		// Clients never see metadata, so they can never legitimately send
		// it back.
		if row.AssumedMasterState != nil && row.AssumedMasterState.HasMeta() {
			closeConnection(w, http.StatusBadRequest, "assumedMasterState must not contain metadata")
			return
		}
	}

	matcher, err := access.DocMatcher(e.modifier, authData)
	if err != nil {
		e.logger.LogError(err, "push access matcher failed")
		writeError(w, err)
		return
	}

	for _, row := range rows {
		if !matcher(row.NewDocumentState) ||
			(row.AssumedMasterState != nil && !matcher(row.AssumedMasterState)) {
			closeConnection(w, http.StatusForbidden, "change row not allowed")
			return
		}
		if fields.ContainsServerOnly(e.serverOnly, row.NewDocumentState) ||
			fields.ContainsServerOnly(e.serverOnly, row.AssumedMasterState) {
			closeConnection(w, http.StatusForbidden, "change row contains server-only fields")
			return
		}
		if !e.validator(authData, row) {
			closeConnection(w, http.StatusForbidden, "change row rejected by validator")
			return
		}
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		id := row.NewDocumentState.Primary(e.store.PrimaryPath())
		if id == "" {
			closeConnection(w, http.StatusBadRequest,
				fmt.Sprintf("change row without primary key %q", e.store.PrimaryPath()))
			return
		}
		ids = append(ids, id)
	}

	current, err := e.store.FindDocumentsByIDs(r.Context(), ids, true)
	if err != nil {
		e.logger.LogError(err, "push state lookup failed")
		writeError(w, errors.NewStorage(errors.OpPush, err))
		return
	}

	// Reattach the hidden fields from the stored copies so the write can
	// neither forge nor erase them.
	merged := make([]document.ChangeRow, len(rows))
	for i, row := range rows {
		cur := current[ids[i]]
		merged[i] = document.ChangeRow{
			NewDocumentState: fields.Merge(row.NewDocumentState, cur, e.serverOnly),
		}
		if row.AssumedMasterState != nil {
			merged[i].AssumedMasterState = fields.Merge(row.AssumedMasterState, cur, e.serverOnly)
		}
	}

	conflicts, err := e.store.MasterWrite(r.Context(), merged)
	if err != nil {
		e.logger.LogError(err, "push write failed")
		writeError(w, errors.NewStorage(errors.OpPush, err))
		return
	}

	e.logger.Debug("push applied",
		slog.Int("rows", len(rows)),
		slog.Int("conflicts", len(conflicts)))
	respondJSON(w, http.StatusOK, fields.StripAll(conflicts, e.serverOnly))
}

// handlePullStream serves the live change stream as server-sent events.
// The auth context is re-resolved before every emitted event because the
// credential may expire while the stream is open.
func (e *ReplicationEndpoint) handlePullStream(w http.ResponseWriter, r *http.Request) {
	applyCORS(w, e.cors)

	authData, err := e.resolveAuth(r)
	if err != nil {
		closeConnection(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	flusher, err := writeSSEHeaders(w)
	if err != nil {
		closeConnection(w, http.StatusInternalServerError, err.Error())
		return
	}

	sub := e.store.Subscribe()
	defer sub.Unsubscribe()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}

			authData, err = e.resolveAuth(r)
			if err != nil {
				writeSSEData(w, flusher, errorBody{
					Code:    http.StatusUnauthorized,
					Error:   true,
					Message: "unauthorized",
				})
				return
			}

			if ev.Resync {
				if err := writeSSEData(w, flusher, ResyncMessage); err != nil {
					return
				}
				continue
			}

			matcher, err := access.DocMatcher(e.modifier, authData)
			if err != nil {
				e.logger.LogError(err, "stream access matcher failed")
				return
			}
			filtered := make([]document.Document, 0, len(ev.Documents))
			for _, d := range ev.Documents {
				if matcher(d) {
					filtered = append(filtered, d)
				}
			}
			if len(filtered) == 0 {
				continue
			}

			err = writeSSEData(w, flusher, PullResponse{
				Documents:  fields.StripAll(filtered, e.serverOnly),
				Checkpoint: ev.Checkpoint,
			})
			if err != nil {
				return
			}
		}
	}
}
