// Package client implements the replication driver and a REST client for
// servers speaking the checkpoint replication protocol. The driver keeps a
// LocalStore converged with one server endpoint: pull in batches until
// exhausted, push local writes, then follow the live change stream with a
// polling fallback.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c0deZ3R0/go-replica-kit/checkpoint"
	"github.com/c0deZ3R0/go-replica-kit/document"
	"github.com/c0deZ3R0/go-replica-kit/errors"
	"github.com/c0deZ3R0/go-replica-kit/logging"
)

// Options configures a Replication.
type Options struct {
	// BaseURL is the endpoint mount, e.g. "http://host:8080/items/0".
	BaseURL string

	// Local is the client-side replica to converge.
	Local LocalStore

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Headers are sent on every request, typically carrying credentials.
	// They can be swapped at runtime with SetHeaders.
	Headers map[string]string

	// Live keeps the replication running after the initial sync, following
	// the server's change stream.
	Live bool

	// PullLimit is the pull batch size. Defaults to 100.
	PullLimit int

	// RetryTime is the wait before stream reconnects. Defaults to 5s.
	RetryTime time.Duration

	// PollInterval, when non-zero, replaces the event stream with
	// interval-driven full pull cycles.
	PollInterval time.Duration

	// Logger defaults to logging.Default().
	Logger *logging.Logger
}

// Replication drives one endpoint's sync loop.
type Replication struct {
	id           string
	baseURL      string
	local        LocalStore
	client       *http.Client
	live         bool
	pullLimit    int
	retryTime    time.Duration
	pollInterval time.Duration
	logger       *logging.Logger

	headersMu sync.RWMutex
	headers   map[string]string

	unauthorized chan struct{}
	forbidden    chan struct{}
	outdated     chan struct{}
	resynced     chan struct{}
	errs         chan error

	syncMu   sync.Mutex
	inSync   bool
	inSyncCh chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Replication. Call Start to begin syncing.
func New(opts Options) (*Replication, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("BaseURL is required")
	}
	if opts.Local == nil {
		return nil, fmt.Errorf("Local store is required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.PullLimit <= 0 {
		opts.PullLimit = 100
	}
	if opts.RetryTime <= 0 {
		opts.RetryTime = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}
	return &Replication{
		id:           uuid.NewString(),
		baseURL:      opts.BaseURL,
		local:        opts.Local,
		client:       opts.HTTPClient,
		live:         opts.Live,
		pullLimit:    opts.PullLimit,
		retryTime:    opts.RetryTime,
		pollInterval: opts.PollInterval,
		logger:       opts.Logger.WithComponent("replication"),
		headers:      headers,
		unauthorized: make(chan struct{}, 1),
		forbidden:    make(chan struct{}, 1),
		outdated:     make(chan struct{}, 1),
		resynced:     make(chan struct{}, 1),
		errs:         make(chan error, 16),
		inSyncCh:     make(chan struct{}),
	}, nil
}

// ID returns the unique identifier of this replication run.
func (r *Replication) ID() string { return r.id }

// Unauthorized signals a 401 from the server. The caller should swap in
// fresh credentials with SetHeaders; the replication keeps retrying.
func (r *Replication) Unauthorized() <-chan struct{} { return r.unauthorized }

// Forbidden signals a rejected push. The offending local writes were
// dropped in favor of the master state.
func (r *Replication) Forbidden() <-chan struct{} { return r.forbidden }

// Outdated signals a 426: the client is built against an old endpoint
// version. The replication stops; only an upgrade helps.
func (r *Replication) Outdated() <-chan struct{} { return r.outdated }

// Resynced signals a completed full pull cycle triggered by the stream.
func (r *Replication) Resynced() <-chan struct{} { return r.resynced }

// Errors delivers replication errors for observability. The channel is
// buffered; when nobody listens, errors are dropped after logging.
func (r *Replication) Errors() <-chan error { return r.errs }

// SetHeaders replaces the request headers. The next request and the next
// stream reconnect use the new values.
func (r *Replication) SetHeaders(headers map[string]string) {
	next := make(map[string]string, len(headers))
	for k, v := range headers {
		next[k] = v
	}
	r.headersMu.Lock()
	r.headers = next
	r.headersMu.Unlock()
}

func (r *Replication) headerSnapshot() map[string]string {
	r.headersMu.RLock()
	defer r.headersMu.RUnlock()
	out := make(map[string]string, len(r.headers))
	for k, v := range r.headers {
		out[k] = v
	}
	return out
}

// Start launches the sync loop. It returns immediately; use AwaitInSync to
// wait for convergence.
func (r *Replication) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx)
}

// Cancel stops the sync loop and waits for it to wind down.
func (r *Replication) Cancel() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

// AwaitInSync blocks until the local store has converged with the master:
// no pending local writes and the last pull came back empty.
func (r *Replication) AwaitInSync(ctx context.Context) error {
	for {
		r.syncMu.Lock()
		if r.inSync {
			r.syncMu.Unlock()
			return nil
		}
		ch := r.inSyncCh
		r.syncMu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (r *Replication) run(ctx context.Context) {
	defer close(r.done)

	if err := r.syncCycle(ctx); err != nil {
		r.reportError(err)
		if errors.IsOutdated(err) {
			return
		}
	}

	if !r.live {
		return
	}

	var src liveSource
	if r.pollInterval > 0 {
		src = newPollSource(ctx, r.pollInterval)
	} else {
		src = newSSESource(ctx, r.baseURL+"/pullStream", r.headerSnapshot,
			r.client, r.retryTime, r.logger)
	}
	defer src.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case <-r.local.Changes():
			r.setInSync(false)
			if err := r.pushOnce(ctx); err != nil {
				r.reportError(err)
				if errors.IsOutdated(err) {
					return
				}
				continue
			}
			r.updateInSync()

		case ev, ok := <-src.Events():
			if !ok {
				return
			}
			switch {
			case ev.Err != nil:
				r.reportError(ev.Err)
				if errors.IsOutdated(ev.Err) {
					return
				}

			case ev.Resync:
				r.setInSync(false)
				if err := r.syncCycle(ctx); err != nil {
					r.reportError(err)
					if errors.IsOutdated(err) {
						return
					}
					continue
				}
				r.signal(r.resynced)

			default:
				r.local.ApplyPullBatch(ev.Documents, ev.Checkpoint)
				r.updateInSync()
			}
		}
	}
}

// syncCycle converges once: pull until the server has nothing newer, push
// pending local writes, then pull once more to pick up the effects of the
// push.
func (r *Replication) syncCycle(ctx context.Context) error {
	if err := r.fullPull(ctx); err != nil {
		return err
	}
	if err := r.pushOnce(ctx); err != nil {
		return err
	}
	if err := r.fullPull(ctx); err != nil {
		return err
	}
	r.updateInSync()
	return nil
}

func (r *Replication) fullPull(ctx context.Context) error {
	for {
		batch, err := r.pullOnce(ctx, r.local.Checkpoint())
		if err != nil {
			return err
		}
		r.local.ApplyPullBatch(batch.Documents, batch.Checkpoint)
		if len(batch.Documents) == 0 {
			return nil
		}
	}
}

func (r *Replication) pullOnce(ctx context.Context, cp checkpoint.Checkpoint) (pullBatch, error) {
	params := cp.Values()
	params.Set("limit", fmt.Sprintf("%d", r.pullLimit))
	endpoint := r.baseURL + "/pull?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return pullBatch{}, errors.NewNetwork(errors.OpPull, err)
	}
	r.applyHeaders(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return pullBatch{}, errors.NewNetwork(errors.OpPull, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return pullBatch{}, r.statusError(errors.OpPull, resp.StatusCode)
	}

	var batch pullBatch
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return pullBatch{}, errors.NewNetwork(errors.OpPull, err)
	}
	return batch, nil
}

func (r *Replication) pushOnce(ctx context.Context) error {
	rows := r.local.PendingRows()
	if len(rows) == 0 {
		return nil
	}

	body, err := json.Marshal(rows)
	if err != nil {
		return errors.NewProtocol(errors.OpPush, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.baseURL+"/push", bytes.NewReader(body))
	if err != nil {
		return errors.NewNetwork(errors.OpPush, err)
	}
	req.Header.Set("Content-Type", "application/json")
	r.applyHeaders(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return errors.NewNetwork(errors.OpPush, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return r.statusError(errors.OpPush, resp.StatusCode)
	}

	var conflicts []document.Document
	if err := json.NewDecoder(resp.Body).Decode(&conflicts); err != nil {
		return errors.NewNetwork(errors.OpPush, err)
	}

	conflicted := make(map[string]struct{}, len(conflicts))
	for _, master := range conflicts {
		// A conflict entry that names no document cannot be resolved. The
		// pending rows stay pending rather than being confirmed blind.
		if master == nil {
			return errors.NewProtocol(errors.OpPush,
				fmt.Errorf("conflict entry without master state"))
		}
		id := master.Primary(r.local.PrimaryPath())
		if id == "" {
			return errors.NewProtocol(errors.OpPush,
				fmt.Errorf("conflict entry without primary key %q", r.local.PrimaryPath()))
		}
		conflicted[id] = struct{}{}
		r.local.ResolveConflict(master)
	}

	accepted := make([]document.ChangeRow, 0, len(rows))
	for _, row := range rows {
		id := row.NewDocumentState.Primary(r.local.PrimaryPath())
		if _, ok := conflicted[id]; !ok {
			accepted = append(accepted, row)
		}
	}
	r.local.MarkWritten(accepted)
	return nil
}

// statusError turns a non-200 response into a typed error and fires the
// matching signal.
func (r *Replication) statusError(op errors.Operation, status int) error {
	err := statusError(op, status)
	if errors.IsForbidden(err) {
		r.signal(r.forbidden)
	}
	return err
}

func (r *Replication) reportError(err error) {
	r.logger.LogError(err, "replication error")
	if errors.IsUnauthorized(err) {
		r.signal(r.unauthorized)
	}
	if errors.IsOutdated(err) {
		r.signal(r.outdated)
	}
	select {
	case r.errs <- err:
	default:
	}
}

func (r *Replication) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (r *Replication) setInSync(v bool) {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()
	if v && !r.inSync {
		r.inSync = true
		close(r.inSyncCh)
	} else if !v && r.inSync {
		r.inSync = false
		r.inSyncCh = make(chan struct{})
	}
}

// updateInSync marks the replication in sync when no local writes wait.
func (r *Replication) updateInSync() {
	if len(r.local.PendingRows()) == 0 {
		r.setInSync(true)
	}
}

func (r *Replication) applyHeaders(req *http.Request) {
	for k, v := range r.headerSnapshot() {
		req.Header.Set(k, v)
	}
}
