package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-replica-kit/auth"
	"github.com/c0deZ3R0/go-replica-kit/document"
	"github.com/c0deZ3R0/go-replica-kit/query"
	"github.com/c0deZ3R0/go-replica-kit/store/memory"
)

func newRestEnv(t *testing.T, authHandler auth.Handler, opts EndpointOptions) *testEnv {
	t.Helper()

	col := memory.NewCollection(testCollectionConfig())
	opts.Store = col

	s := New(Options{AuthHandler: authHandler})
	_, err := s.AddRestEndpoint(opts)
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

func restPost(t *testing.T, env *testEnv, user, path string, body any, out any) *http.Response {
	t.Helper()
	encoded, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, env.base+path, bytes.NewReader(encoded))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User", user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK && out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	return resp
}

func TestRestQueryFiltersAndStrips(t *testing.T) {
	env := newRestEnv(t, headerAuth(nil), EndpointOptions{
		QueryModifier:    ownerModifier(),
		ServerOnlyFields: []string{"internalNotes"},
	})
	seed(t, env.collection,
		document.Document{"id": "a", "owner": "alice", "internalNotes": "x"},
		document.Document{"id": "b", "owner": "bob"},
	)

	var out QueryResponse
	resp := restPost(t, env, "alice", "/query", query.Query{}, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, out.Documents, 1)
	assert.Equal(t, "a", out.Documents[0].Primary("id"))
	assert.NotContains(t, out.Documents[0], "internalNotes")
}

func TestRestQueryExcludesTombstones(t *testing.T) {
	env := newRestEnv(t, headerAuth(nil), EndpointOptions{})
	seed(t, env.collection, document.Document{"id": "a"})

	var out okResponse
	resp := restPost(t, env, "alice", "/delete", []string{"a"}, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var q QueryResponse
	resp = restPost(t, env, "alice", "/query", query.Query{ShowDeleted: true}, &q)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, q.Documents, "REST queries never expose tombstones")
}

func TestRestQueryRejectsRegex(t *testing.T) {
	env := newRestEnv(t, headerAuth(nil), EndpointOptions{})

	q := query.Query{Selector: query.Selector{"name": map[string]any{"$regex": "^a"}}}
	resp := restPost(t, env, "alice", "/query", q, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRestGet(t *testing.T) {
	env := newRestEnv(t, headerAuth(nil), EndpointOptions{QueryModifier: ownerModifier()})
	seed(t, env.collection,
		document.Document{"id": "a", "owner": "alice"},
		document.Document{"id": "b", "owner": "bob"},
	)

	var out QueryResponse
	resp := restPost(t, env, "alice", "/get", []string{"a", "b", "missing"}, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, out.Documents, 1)
	assert.Equal(t, "a", out.Documents[0].Primary("id"))
}

func TestRestSetCreatesAndUpdates(t *testing.T) {
	env := newRestEnv(t, headerAuth(nil), EndpointOptions{})

	var out okResponse
	resp := restPost(t, env, "alice", "/set", []document.Document{
		{"id": "a", "n": float64(1)},
	}, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, out.OK)

	resp = restPost(t, env, "alice", "/set", []document.Document{
		{"id": "a", "n": float64(2)},
	}, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stored, err := env.collection.FindDocumentsByIDs(context.Background(), []string{"a"}, false)
	require.NoError(t, err)
	assert.Equal(t, float64(2), stored["a"]["n"])
}

func TestRestSetPreservesHiddenFields(t *testing.T) {
	env := newRestEnv(t, headerAuth(nil), EndpointOptions{ServerOnlyFields: []string{"internalNotes"}})
	seed(t, env.collection, document.Document{"id": "a", "name": "old", "internalNotes": "secret"})

	resp := restPost(t, env, "alice", "/set", []document.Document{
		{"id": "a", "name": "new"},
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stored, err := env.collection.FindDocumentsByIDs(context.Background(), []string{"a"}, false)
	require.NoError(t, err)
	assert.Equal(t, "new", stored["a"]["name"])
	assert.Equal(t, "secret", stored["a"]["internalNotes"])
}

func TestRestSetRejectsServerOnlyFields(t *testing.T) {
	env := newRestEnv(t, headerAuth(nil), EndpointOptions{ServerOnlyFields: []string{"internalNotes"}})

	resp := restPost(t, env, "alice", "/set", []document.Document{
		{"id": "a", "internalNotes": "forged"},
	}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRestSetForbiddenDocument(t *testing.T) {
	env := newRestEnv(t, headerAuth(nil), EndpointOptions{QueryModifier: ownerModifier()})

	resp := restPost(t, env, "alice", "/set", []document.Document{
		{"id": "b", "owner": "bob"},
	}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRestDelete(t *testing.T) {
	env := newRestEnv(t, headerAuth(nil), EndpointOptions{})
	seed(t, env.collection, document.Document{"id": "a"})

	var out okResponse
	resp := restPost(t, env, "alice", "/delete", []string{"a", "missing"}, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, out.OK)

	found, err := env.collection.FindDocumentsByIDs(context.Background(), []string{"a"}, false)
	require.NoError(t, err)
	assert.Empty(t, found)

	// The tombstone still exists for replication.
	found, err = env.collection.FindDocumentsByIDs(context.Background(), []string{"a"}, true)
	require.NoError(t, err)
	assert.True(t, found["a"].Deleted())
}

func TestRestDeleteForbidden(t *testing.T) {
	env := newRestEnv(t, headerAuth(nil), EndpointOptions{QueryModifier: ownerModifier()})
	seed(t, env.collection, document.Document{"id": "b", "owner": "bob"})

	resp := restPost(t, env, "alice", "/delete", []string{"b"}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	found, err := env.collection.FindDocumentsByIDs(context.Background(), []string{"b"}, false)
	require.NoError(t, err)
	assert.Contains(t, found, "b")
}

func TestRestUnauthorized(t *testing.T) {
	env := newRestEnv(t, headerAuth(nil), EndpointOptions{})

	for _, path := range []string{"/query", "/get", "/set", "/delete"} {
		resp := restPost(t, env, "", path, []string{}, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestRestObserveEmitsInitialAndUpdatedResults(t *testing.T) {
	env := newRestEnv(t, headerAuth(nil), EndpointOptions{QueryModifier: ownerModifier()})
	seed(t, env.collection, document.Document{"id": "a", "owner": "alice"})

	req, err := http.NewRequest(http.MethodGet, env.base+"/query/observe", nil)
	require.NoError(t, err)
	req.Header.Set("X-User", "alice")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	scanner := bufio.NewScanner(resp.Body)

	var first QueryResponse
	require.NoError(t, json.Unmarshal([]byte(nextDataFrame(t, scanner)), &first))
	require.Len(t, first.Documents, 1)

	seed(t, env.collection, document.Document{"id": "c", "owner": "alice"})

	var second QueryResponse
	require.NoError(t, json.Unmarshal([]byte(nextDataFrame(t, scanner)), &second))
	assert.Len(t, second.Documents, 2)
}
