package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/c0deZ3R0/go-replica-kit/document"
	"github.com/c0deZ3R0/go-replica-kit/errors"
	"github.com/c0deZ3R0/go-replica-kit/query"
)

// RestClient talks to a REST endpoint mount, e.g. "http://host/items/0".
type RestClient struct {
	baseURL string
	client  *http.Client

	mu      sync.RWMutex
	headers map[string]string
}

// RestOptions configures a RestClient.
type RestOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	Headers    map[string]string
}

// NewRestClient creates a RestClient.
func NewRestClient(opts RestOptions) (*RestClient, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("BaseURL is required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}
	return &RestClient{
		baseURL: opts.BaseURL,
		client:  opts.HTTPClient,
		headers: headers,
	}, nil
}

// SetHeaders replaces the request headers, typically to rotate credentials.
func (c *RestClient) SetHeaders(headers map[string]string) {
	next := make(map[string]string, len(headers))
	for k, v := range headers {
		next[k] = v
	}
	c.mu.Lock()
	c.headers = next
	c.mu.Unlock()
}

type documentsEnvelope struct {
	Documents []document.Document `json:"documents"`
}

// Query runs a server-side query and returns the matching documents.
func (c *RestClient) Query(ctx context.Context, q query.Query) ([]document.Document, error) {
	var out documentsEnvelope
	if err := c.post(ctx, errors.OpQuery, "/query", q, &out); err != nil {
		return nil, err
	}
	return out.Documents, nil
}

// Get returns the documents for a list of primary keys. Unknown, deleted
// and inaccessible ids are absent from the result.
func (c *RestClient) Get(ctx context.Context, ids []string) ([]document.Document, error) {
	var out documentsEnvelope
	if err := c.post(ctx, errors.OpGet, "/get", ids, &out); err != nil {
		return nil, err
	}
	return out.Documents, nil
}

// Set upserts a list of documents on the server.
func (c *RestClient) Set(ctx context.Context, docs []document.Document) error {
	return c.post(ctx, errors.OpSet, "/set", docs, nil)
}

// Delete tombstones a list of primary keys on the server.
func (c *RestClient) Delete(ctx context.Context, ids []string) error {
	return c.post(ctx, errors.OpDelete, "/delete", ids, nil)
}

// ObserveQuery subscribes to a query's result set. The returned channel
// carries the current result immediately and an updated result after every
// change on the collection; it closes when the context ends or the stream
// breaks.
func (c *RestClient) ObserveQuery(ctx context.Context, q query.Query) (<-chan []document.Document, error) {
	encoded, err := json.Marshal(q)
	if err != nil {
		return nil, errors.NewProtocol(errors.OpQuery, err)
	}
	endpoint := c.baseURL + "/query/observe?query=" + url.QueryEscape(string(encoded))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.NewNetwork(errors.OpQuery, err)
	}
	c.applyHeaders(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.NewNetwork(errors.OpQuery, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, statusError(errors.OpQuery, resp.StatusCode)
	}

	results := make(chan []document.Document, 1)
	go func() {
		defer close(results)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			payload, ok := strings.CutPrefix(scanner.Text(), "data: ")
			if !ok {
				continue
			}
			// Error frames (credential expiry mid-stream) end the
			// subscription; they must not surface as an empty result set.
			var serr streamError
			if err := json.Unmarshal([]byte(payload), &serr); err == nil && serr.Error {
				return
			}
			var env documentsEnvelope
			if err := json.Unmarshal([]byte(payload), &env); err != nil {
				continue
			}
			select {
			case results <- env.Documents:
			case <-ctx.Done():
				return
			}
		}
	}()
	return results, nil
}

func (c *RestClient) post(ctx context.Context, op errors.Operation, path string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return errors.NewProtocol(op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return errors.NewNetwork(op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.applyHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.NewNetwork(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(op, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *RestClient) applyHeaders(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
}

func statusError(op errors.Operation, status int) error {
	cause := fmt.Errorf("server responded with status %d", status)
	switch errors.CodeFromStatus(status) {
	case errors.CodeUnauthorized:
		return errors.NewUnauthorized(op, cause)
	case errors.CodeForbidden:
		return errors.NewForbidden(op, cause)
	case errors.CodeOutdatedVersion:
		return errors.NewOutdated(op, cause)
	case errors.CodeProtocolViolation:
		return errors.NewProtocol(op, cause)
	default:
		return errors.NewNetwork(op, cause)
	}
}
