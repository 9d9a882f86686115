package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-replica-kit/access"
	"github.com/c0deZ3R0/go-replica-kit/auth"
	"github.com/c0deZ3R0/go-replica-kit/checkpoint"
	"github.com/c0deZ3R0/go-replica-kit/document"
	"github.com/c0deZ3R0/go-replica-kit/query"
	"github.com/c0deZ3R0/go-replica-kit/store/memory"
)

type testEnv struct {
	srv        *httptest.Server
	collection *memory.Collection
	base       string
}

// headerAuth resolves the caller identity from an X-User header; requests
// without one are rejected. rejectAll flips every request to 401 to
// exercise mid-stream credential expiry.
func headerAuth(rejectAll *atomic.Bool) auth.Handler {
	return func(header http.Header) (auth.Data, error) {
		if rejectAll != nil && rejectAll.Load() {
			return auth.Data{}, fmt.Errorf("credential expired")
		}
		user := header.Get("X-User")
		if user == "" {
			return auth.Data{}, fmt.Errorf("missing user")
		}
		return auth.Data{Data: map[string]any{"sub": user}}, nil
	}
}

func ownerModifier() access.QueryModifier {
	return func(authData auth.Data, q query.Query) query.Query {
		claims, _ := authData.Data.(map[string]any)
		q.Selector = query.Selector{
			"$and": []any{
				q.Selector,
				query.Selector{"owner": claims["sub"]},
			},
		}
		return q
	}
}

func newTestEnv(t *testing.T, authHandler auth.Handler, opts EndpointOptions) *testEnv {
	t.Helper()

	col := memory.NewCollection(testCollectionConfig())
	opts.Store = col

	s := New(Options{AuthHandler: authHandler})
	_, err := s.AddReplicationEndpoint(opts)
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { col.Close(context.Background()) })

	return &testEnv{
		srv:        srv,
		collection: col,
		base:       srv.URL + "/items/0",
	}
}

// testCollectionConfig builds the default test collection configuration.
func testCollectionConfig() memory.Config {
	return memory.Config{Name: "items", PrimaryPath: "id"}
}

func seed(t *testing.T, col *memory.Collection, docs ...document.Document) {
	t.Helper()
	rows := make([]document.ChangeRow, len(docs))
	for i, d := range docs {
		rows[i] = document.ChangeRow{NewDocumentState: d}
	}
	conflicts, err := col.MasterWrite(context.Background(), rows)
	require.NoError(t, err)
	require.Empty(t, conflicts)
}

func doPull(t *testing.T, env *testEnv, user string, cp checkpoint.Checkpoint, limit int) (PullResponse, *http.Response) {
	t.Helper()
	params := cp.Values()
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	req, err := http.NewRequest(http.MethodGet, env.base+"/pull?"+params.Encode(), nil)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("X-User", user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out PullResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	return out, resp
}

func doPush(t *testing.T, env *testEnv, user string, rows []document.ChangeRow) ([]document.Document, *http.Response) {
	t.Helper()
	body, err := json.Marshal(rows)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, env.base+"/push", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User", user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var conflicts []document.Document
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&conflicts))
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	return conflicts, resp
}

func TestPullEmptyCollectionEchoesCheckpoint(t *testing.T) {
	env := newTestEnv(t, headerAuth(nil), EndpointOptions{})

	cp := checkpoint.Checkpoint{ID: "x", LWT: 42}
	out, resp := doPull(t, env, "alice", cp, 10)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.NotNil(t, out.Documents)
	assert.Empty(t, out.Documents)
	assert.Equal(t, cp, out.Checkpoint)
}

func TestPullPaginatesInCheckpointOrder(t *testing.T) {
	env := newTestEnv(t, headerAuth(nil), EndpointOptions{})
	seed(t, env.collection,
		document.Document{"id": "a"},
		document.Document{"id": "b"},
		document.Document{"id": "c"},
	)

	cp := checkpoint.Checkpoint{}
	var pulled []string
	for {
		out, resp := doPull(t, env, "alice", cp, 2)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		if len(out.Documents) == 0 {
			break
		}
		for _, d := range out.Documents {
			pulled = append(pulled, d.Primary("id"))
		}
		require.NotEqual(t, cp, out.Checkpoint, "checkpoint must advance")
		cp = out.Checkpoint
	}
	assert.Equal(t, []string{"a", "b", "c"}, pulled)
}

func TestPullDefaultLimitIsOne(t *testing.T) {
	env := newTestEnv(t, headerAuth(nil), EndpointOptions{})
	seed(t, env.collection,
		document.Document{"id": "a"},
		document.Document{"id": "b"},
	)

	out, resp := doPull(t, env, "alice", checkpoint.Checkpoint{}, 0)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, out.Documents, 1)
}

func TestPullAppliesAccessFilter(t *testing.T) {
	env := newTestEnv(t, headerAuth(nil), EndpointOptions{QueryModifier: ownerModifier()})
	seed(t, env.collection,
		document.Document{"id": "a", "owner": "alice"},
		document.Document{"id": "b", "owner": "bob"},
	)

	out, resp := doPull(t, env, "alice", checkpoint.Checkpoint{}, 10)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, out.Documents, 1)
	assert.Equal(t, "a", out.Documents[0].Primary("id"))
}

func TestPullStripsHiddenFields(t *testing.T) {
	env := newTestEnv(t, headerAuth(nil), EndpointOptions{ServerOnlyFields: []string{"internalNotes"}})
	seed(t, env.collection,
		document.Document{"id": "a", "name": "x", "internalNotes": "secret"},
	)

	out, resp := doPull(t, env, "alice", checkpoint.Checkpoint{}, 10)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, out.Documents, 1)
	doc := out.Documents[0]
	assert.NotContains(t, doc, "internalNotes")
	assert.NotContains(t, doc, document.MetaField)
	assert.NotContains(t, doc, document.RevField)
	// The checkpoint still carries the ordering data the client needs.
	assert.Positive(t, out.Checkpoint.LWT)
}

func TestPullUnauthorized(t *testing.T) {
	env := newTestEnv(t, headerAuth(nil), EndpointOptions{})

	_, resp := doPull(t, env, "", checkpoint.Checkpoint{}, 10)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "close", resp.Header.Get("Connection"))
}

func TestPushInsertAndPull(t *testing.T) {
	env := newTestEnv(t, headerAuth(nil), EndpointOptions{})

	conflicts, resp := doPush(t, env, "alice", []document.ChangeRow{
		{NewDocumentState: document.Document{"id": "a", "n": float64(1)}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotNil(t, conflicts)
	assert.Empty(t, conflicts)

	out, _ := doPull(t, env, "alice", checkpoint.Checkpoint{}, 10)
	require.Len(t, out.Documents, 1)
	assert.Equal(t, "a", out.Documents[0].Primary("id"))
}

func TestPushConflictReturnsMasterState(t *testing.T) {
	env := newTestEnv(t, headerAuth(nil), EndpointOptions{})
	seed(t, env.collection, document.Document{"id": "a", "n": float64(1)})

	// Insert without assumed state against an existing doc.
	conflicts, resp := doPush(t, env, "alice", []document.ChangeRow{
		{NewDocumentState: document.Document{"id": "a", "n": float64(9)}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, conflicts, 1)
	assert.Equal(t, float64(1), conflicts[0]["n"])
	// Conflicts leave the server stripped like any other egress.
	assert.NotContains(t, conflicts[0], document.MetaField)
}

func TestPushRejectsMetadataInAssumedState(t *testing.T) {
	env := newTestEnv(t, headerAuth(nil), EndpointOptions{})

	_, resp := doPush(t, env, "alice", []document.ChangeRow{{
		NewDocumentState: document.Document{"id": "a"},
		AssumedMasterState: document.Document{
			"id":               "a",
			document.MetaField: map[string]any{document.MetaLWT: 1},
		},
	}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPushForbiddenIsAllOrNothing(t *testing.T) {
	env := newTestEnv(t, headerAuth(nil), EndpointOptions{QueryModifier: ownerModifier()})

	_, resp := doPush(t, env, "alice", []document.ChangeRow{
		{NewDocumentState: document.Document{"id": "a", "owner": "alice"}},
		{NewDocumentState: document.Document{"id": "b", "owner": "bob"}},
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	// The allowed row must not have been written either.
	found, err := env.collection.FindDocumentsByIDs(context.Background(), []string{"a", "b"}, true)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestPushRejectsServerOnlyFields(t *testing.T) {
	env := newTestEnv(t, headerAuth(nil), EndpointOptions{ServerOnlyFields: []string{"internalNotes"}})

	_, resp := doPush(t, env, "alice", []document.ChangeRow{
		{NewDocumentState: document.Document{"id": "a", "internalNotes": "forged"}},
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestPushPreservesHiddenFieldsAcrossClientUpdate(t *testing.T) {
	env := newTestEnv(t, headerAuth(nil), EndpointOptions{ServerOnlyFields: []string{"internalNotes"}})
	seed(t, env.collection, document.Document{"id": "a", "name": "old", "internalNotes": "secret"})

	// The client pushes an update based on the stripped view it pulled.
	out, _ := doPull(t, env, "alice", checkpoint.Checkpoint{}, 10)
	require.Len(t, out.Documents, 1)
	assumed := out.Documents[0]

	updated := assumed.Clone()
	updated["name"] = "new"
	conflicts, resp := doPush(t, env, "alice", []document.ChangeRow{
		{NewDocumentState: updated, AssumedMasterState: assumed},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, conflicts)

	stored, err := env.collection.FindDocumentsByIDs(context.Background(), []string{"a"}, false)
	require.NoError(t, err)
	assert.Equal(t, "new", stored["a"]["name"])
	assert.Equal(t, "secret", stored["a"]["internalNotes"])
}

func TestPushValidatorRejection(t *testing.T) {
	validator := func(_ auth.Data, row document.ChangeRow) bool {
		return row.NewDocumentState["status"] != "locked"
	}
	env := newTestEnv(t, headerAuth(nil), EndpointOptions{ChangeValidator: validator})

	_, resp := doPush(t, env, "alice", []document.ChangeRow{
		{NewDocumentState: document.Document{"id": "a", "status": "locked"}},
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestOutdatedVersionGate(t *testing.T) {
	col := memory.NewCollection(memory.Config{Name: "items", SchemaVersion: 2})
	s := New(Options{AuthHandler: headerAuth(nil)})
	_, err := s.AddReplicationEndpoint(EndpointOptions{Store: col})
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	for _, version := range []string{"0", "1"} {
		resp, err := http.Get(srv.URL + "/items/" + version + "/pull")
		require.NoError(t, err)

		assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
		var body errorBody
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		resp.Body.Close()

		assert.True(t, body.Error)
		assert.Equal(t, http.StatusUpgradeRequired, body.Code)
		assert.Contains(t, body.Message, "Outdated version")
	}

	// The current version still works.
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/items/2/pull", nil)
	req.Header.Set("X-User", "alice")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRegistrationAfterStartFails(t *testing.T) {
	s := New(Options{})
	s.started = true

	_, err := s.AddReplicationEndpoint(EndpointOptions{Store: memory.NewCollection(testCollectionConfig())})
	assert.Error(t, err)
}

func TestDuplicateEndpointNameFails(t *testing.T) {
	s := New(Options{})
	_, err := s.AddReplicationEndpoint(EndpointOptions{Store: memory.NewCollection(testCollectionConfig())})
	require.NoError(t, err)
	_, err = s.AddReplicationEndpoint(EndpointOptions{Store: memory.NewCollection(testCollectionConfig())})
	assert.Error(t, err)
}

// openStream connects to pullStream and returns a line-oriented reader over
// the SSE data frames.
func openStream(t *testing.T, env *testEnv, user string) (*bufio.Scanner, func()) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, env.base+"/pullStream", nil)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("X-User", user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	return bufio.NewScanner(resp.Body), func() { resp.Body.Close() }
}

func nextDataFrame(t *testing.T, scanner *bufio.Scanner) string {
	t.Helper()
	deadline := time.After(5 * time.Second)
	frames := make(chan string, 1)
	go func() {
		for scanner.Scan() {
			if payload, ok := strings.CutPrefix(scanner.Text(), "data: "); ok {
				frames <- payload
				return
			}
		}
	}()
	select {
	case payload := <-frames:
		return payload
	case <-deadline:
		t.Fatal("timed out waiting for stream frame")
		return ""
	}
}

func TestPullStreamDeliversBatches(t *testing.T) {
	env := newTestEnv(t, headerAuth(nil), EndpointOptions{ServerOnlyFields: []string{"internalNotes"}})

	scanner, closeStream := openStream(t, env, "alice")
	defer closeStream()

	seed(t, env.collection, document.Document{"id": "a", "internalNotes": "secret"})

	var batch PullResponse
	require.NoError(t, json.Unmarshal([]byte(nextDataFrame(t, scanner)), &batch))
	require.Len(t, batch.Documents, 1)
	assert.Equal(t, "a", batch.Documents[0].Primary("id"))
	assert.NotContains(t, batch.Documents[0], "internalNotes")
	assert.Positive(t, batch.Checkpoint.LWT)
}

func TestPullStreamForwardsResync(t *testing.T) {
	env := newTestEnv(t, headerAuth(nil), EndpointOptions{})

	scanner, closeStream := openStream(t, env, "alice")
	defer closeStream()

	env.collection.PublishResync()

	assert.Equal(t, `"RESYNC"`, nextDataFrame(t, scanner))
}

func TestPullStreamSuppressesFullyFilteredBatches(t *testing.T) {
	env := newTestEnv(t, headerAuth(nil), EndpointOptions{QueryModifier: ownerModifier()})

	scanner, closeStream := openStream(t, env, "alice")
	defer closeStream()

	// Not visible to alice; must not produce a frame.
	seed(t, env.collection, document.Document{"id": "b", "owner": "bob"})
	// Visible; this is the first frame alice sees.
	seed(t, env.collection, document.Document{"id": "a", "owner": "alice"})

	var batch PullResponse
	require.NoError(t, json.Unmarshal([]byte(nextDataFrame(t, scanner)), &batch))
	require.Len(t, batch.Documents, 1)
	assert.Equal(t, "a", batch.Documents[0].Primary("id"))
}

func TestPullStreamEndsWhenCredentialExpires(t *testing.T) {
	var rejectAll atomic.Bool
	env := newTestEnv(t, headerAuth(&rejectAll), EndpointOptions{})

	scanner, closeStream := openStream(t, env, "alice")
	defer closeStream()

	rejectAll.Store(true)
	seed(t, env.collection, document.Document{"id": "a"})

	var body errorBody
	require.NoError(t, json.Unmarshal([]byte(nextDataFrame(t, scanner)), &body))
	assert.True(t, body.Error)
	assert.Equal(t, http.StatusUnauthorized, body.Code)

	// After the error frame the stream closes.
	assert.False(t, scanner.Scan())
}

func TestPullStreamRequiresAuthUpfront(t *testing.T) {
	env := newTestEnv(t, headerAuth(nil), EndpointOptions{})

	resp, err := http.Get(env.base + "/pullStream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
