package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/c0deZ3R0/go-replica-kit/access"
	"github.com/c0deZ3R0/go-replica-kit/auth"
	"github.com/c0deZ3R0/go-replica-kit/document"
	"github.com/c0deZ3R0/go-replica-kit/errors"
	"github.com/c0deZ3R0/go-replica-kit/fields"
	"github.com/c0deZ3R0/go-replica-kit/query"
)

// RestEndpoint serves a plain request/response facade over one document
// store for clients that do not replicate.
type RestEndpoint struct {
	*endpoint
}

// QueryResponse is the payload of query, observe and get responses.
type QueryResponse struct {
	Documents []document.Document `json:"documents"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

// writeAttempts bounds the optimistic-concurrency retry loop of set and
// delete. Each retry re-reads the current master state, so only a sustained
// stream of concurrent writes to the same documents can exhaust it.
const writeAttempts = 10

// handleQuery runs a caller-supplied query, restricted by the access
// modifier. Tombstones are never part of REST results.
func (e *RestEndpoint) handleQuery(w http.ResponseWriter, r *http.Request) {
	applyCORS(w, e.cors)

	authData, err := e.resolveAuth(r)
	if err != nil {
		closeConnection(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var q query.Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		closeConnection(w, http.StatusBadRequest, "malformed query")
		return
	}

	docs, err := e.runQuery(r.Context(), authData, q)
	if err != nil {
		e.logger.LogError(err, "query failed")
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, QueryResponse{Documents: docs})
}

// handleObserve streams the result set of a query as server-sent events:
// one event with the current result, then one updated result per change on
// the collection. Auth is re-resolved before every emission.
func (e *RestEndpoint) handleObserve(w http.ResponseWriter, r *http.Request) {
	applyCORS(w, e.cors)

	authData, err := e.resolveAuth(r)
	if err != nil {
		closeConnection(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	rawQuery := r.URL.Query().Get("query")
	var q query.Query
	if rawQuery != "" {
		if err := json.Unmarshal([]byte(rawQuery), &q); err != nil {
			closeConnection(w, http.StatusBadRequest, "malformed query")
			return
		}
	}

	// Reject disallowed selectors before committing to the stream.
	if _, err := access.ModifyQuery(e.modifier, authData, q); err != nil {
		writeError(w, err)
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
	emit := func() bool {
		authData, err := e.resolveAuth(r)
		if err != nil {
			writeSSEData(w, flusher, errorBody{
				Code:    http.StatusUnauthorized,
				Error:   true,
				Message: "unauthorized",
			})
			return false
		}
		docs, err := e.runQuery(ctx, authData, q)
		if err != nil {
			e.logger.LogError(err, "observed query failed")
			return false
		}
		return writeSSEData(w, flusher, QueryResponse{Documents: docs}) == nil
	}

	if !emit() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sub.C:
			if !ok {
				return
			}
			if !emit() {
				return
			}
		}
	}
}

// handleGet returns the documents for a list of primary keys, filtered by
// the access predicate. Unknown and deleted ids are silently absent.
func (e *RestEndpoint) handleGet(w http.ResponseWriter, r *http.Request) {
	applyCORS(w, e.cors)

	authData, err := e.resolveAuth(r)
	if err != nil {
		closeConnection(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var ids []string
	if err := json.NewDecoder(r.Body).Decode(&ids); err != nil {
		closeConnection(w, http.StatusBadRequest, "malformed id list")
		return
	}

	matcher, err := access.DocMatcher(e.modifier, authData)
	if err != nil {
		writeError(w, err)
		return
	}

	found, err := e.store.FindDocumentsByIDs(r.Context(), ids, false)
	if err != nil {
		e.logger.LogError(err, "get lookup failed")
		writeError(w, errors.NewStorage(errors.OpGet, err))
		return
	}

	docs := make([]document.Document, 0, len(ids))
	for _, id := range ids {
		if d, ok := found[id]; ok && matcher(d) {
			docs = append(docs, d)
		}
	}
	respondJSON(w, http.StatusOK, QueryResponse{
		Documents: fields.StripAll(docs, e.serverOnly),
	})
}

// handleSet upserts a list of documents. The stored state at request time
// is used as the assumed master state, and conflicting rows are retried
// against the fresh state until they apply.
func (e *RestEndpoint) handleSet(w http.ResponseWriter, r *http.Request) {
	applyCORS(w, e.cors)

	authData, err := e.resolveAuth(r)
	if err != nil {
		closeConnection(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var docs []document.Document
	if err := json.NewDecoder(r.Body).Decode(&docs); err != nil {
		closeConnection(w, http.StatusBadRequest, "malformed document list")
		return
	}

	matcher, err := access.DocMatcher(e.modifier, authData)
	if err != nil {
		writeError(w, err)
		return
	}

	ids := make([]string, len(docs))
	for i, d := range docs {
		if fields.ContainsServerOnly(e.serverOnly, d) {
			closeConnection(w, http.StatusForbidden, "document contains server-only fields")
			return
		}
		if !matcher(d) {
			closeConnection(w, http.StatusForbidden, "document not allowed")
			return
		}
		ids[i] = d.Primary(e.store.PrimaryPath())
		if ids[i] == "" {
			closeConnection(w, http.StatusBadRequest,
				fmt.Sprintf("document without primary key %q", e.store.PrimaryPath()))
			return
		}
	}

	pending := docs
	pendingIDs := ids
	for attempt := 0; attempt < writeAttempts && len(pending) > 0; attempt++ {
		current, err := e.store.FindDocumentsByIDs(r.Context(), pendingIDs, true)
		if err != nil {
			e.logger.LogError(err, "set lookup failed")
			writeError(w, errors.NewStorage(errors.OpSet, err))
			return
		}

		rows := make([]document.ChangeRow, len(pending))
		for i, d := range pending {
			cur := current[pendingIDs[i]]
			rows[i] = document.ChangeRow{
				NewDocumentState:   fields.Merge(d, cur, e.serverOnly),
				AssumedMasterState: cur,
			}
			if !e.validator(authData, document.ChangeRow{
				NewDocumentState:   d,
				AssumedMasterState: fields.Strip(cur, e.serverOnly),
			}) {
				closeConnection(w, http.StatusForbidden, "document rejected by validator")
				return
			}
		}

		conflicts, err := e.store.MasterWrite(r.Context(), rows)
		if err != nil {
			e.logger.LogError(err, "set write failed")
			writeError(w, errors.NewStorage(errors.OpSet, err))
			return
		}

		pending, pendingIDs = remainingAfterConflicts(pending, pendingIDs, conflicts, e.store.PrimaryPath())
	}
	if len(pending) > 0 {
		writeError(w, errors.NewStorage(errors.OpSet,
			fmt.Errorf("write retries exhausted for %d documents", len(pending))))
		return
	}

	respondJSON(w, http.StatusOK, okResponse{OK: true})
}

// handleDelete tombstones a list of primary keys. Missing ids are no-ops.
func (e *RestEndpoint) handleDelete(w http.ResponseWriter, r *http.Request) {
	applyCORS(w, e.cors)

	authData, err := e.resolveAuth(r)
	if err != nil {
		closeConnection(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var ids []string
	if err := json.NewDecoder(r.Body).Decode(&ids); err != nil {
		closeConnection(w, http.StatusBadRequest, "malformed id list")
		return
	}

	matcher, err := access.DocMatcher(e.modifier, authData)
	if err != nil {
		writeError(w, err)
		return
	}

	pending := ids
	for attempt := 0; attempt < writeAttempts && len(pending) > 0; attempt++ {
		current, err := e.store.FindDocumentsByIDs(r.Context(), pending, false)
		if err != nil {
			e.logger.LogError(err, "delete lookup failed")
			writeError(w, errors.NewStorage(errors.OpDelete, err))
			return
		}

		rows := make([]document.ChangeRow, 0, len(pending))
		for _, id := range pending {
			cur, ok := current[id]
			if !ok {
				continue
			}
			if !matcher(cur) {
				closeConnection(w, http.StatusForbidden, "document not allowed")
				return
			}
			tombstone := fields.Strip(cur, e.serverOnly)
			tombstone[document.DeletedField] = true
			if !e.validator(authData, document.ChangeRow{
				NewDocumentState:   tombstone,
				AssumedMasterState: fields.Strip(cur, e.serverOnly),
			}) {
				closeConnection(w, http.StatusForbidden, "deletion rejected by validator")
				return
			}
			rows = append(rows, document.ChangeRow{
				NewDocumentState:   fields.Merge(tombstone, cur, e.serverOnly),
				AssumedMasterState: cur,
			})
		}
		if len(rows) == 0 {
			break
		}

		conflicts, err := e.store.MasterWrite(r.Context(), rows)
		if err != nil {
			e.logger.LogError(err, "delete write failed")
			writeError(w, errors.NewStorage(errors.OpDelete, err))
			return
		}

		pending = pending[:0]
		for _, c := range conflicts {
			if c != nil {
				pending = append(pending, c.Primary(e.store.PrimaryPath()))
			}
		}
	}

	respondJSON(w, http.StatusOK, okResponse{OK: true})
}

func (e *RestEndpoint) runQuery(ctx context.Context, authData auth.Data, q query.Query) ([]document.Document, error) {
	q.ShowDeleted = false
	q, err := access.ModifyQuery(e.modifier, authData, q)
	if err != nil {
		return nil, err
	}
	docs, err := e.store.Query(ctx, q)
	if err != nil {
		return nil, errors.NewStorage(errors.OpQuery, err)
	}
	return fields.StripAll(docs, e.serverOnly), nil
}

// remainingAfterConflicts keeps the subset of pending writes whose ids came
// back as conflicts, preserving request order.
func remainingAfterConflicts(docs []document.Document, ids []string, conflicts []document.Document, primaryPath string) ([]document.Document, []string) {
	if len(conflicts) == 0 {
		return nil, nil
	}
	conflicted := make(map[string]struct{}, len(conflicts))
	for _, c := range conflicts {
		if c != nil {
			conflicted[c.Primary(primaryPath)] = struct{}{}
		}
	}
	outDocs := docs[:0]
	outIDs := ids[:0]
	for i, d := range docs {
		if _, ok := conflicted[ids[i]]; ok {
			outDocs = append(outDocs, d)
			outIDs = append(outIDs, ids[i])
		}
	}
	return outDocs, outIDs
}
