// Package memory provides an in-memory DocumentStore with a change stream.
// It is the reference collaborator implementation used in tests and demos.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/c0deZ3R0/go-replica-kit/checkpoint"
	"github.com/c0deZ3R0/go-replica-kit/document"
	"github.com/c0deZ3R0/go-replica-kit/errors"
	"github.com/c0deZ3R0/go-replica-kit/query"
	"github.com/c0deZ3R0/go-replica-kit/store"
)

// Config holds collection configuration.
type Config struct {
	// Name is the collection name.
	Name string

	// PrimaryPath is the primary key field name. Defaults to "id".
	PrimaryPath string

	// SchemaVersion is the current schema version. Defaults to 0.
	SchemaVersion int

	// StreamBuffer is the per-subscriber change stream buffer size.
	StreamBuffer int

	// Logger is optional; nil disables logging.
	Logger *slog.Logger
}

// Collection is an in-memory document collection.
type Collection struct {
	name        string
	primaryPath string
	version     int
	logger      *slog.Logger

	mu     sync.RWMutex
	docs   map[string]document.Document
	lwtSeq int64

	broadcaster *store.Broadcaster
	closed      bool
}

var _ store.DocumentStore = (*Collection)(nil)

// NewCollection creates an empty collection.
func NewCollection(cfg Config) *Collection {
	if cfg.PrimaryPath == "" {
		cfg.PrimaryPath = "id"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Collection{
		name:        cfg.Name,
		primaryPath: cfg.PrimaryPath,
		version:     cfg.SchemaVersion,
		logger:      logger.With(slog.String("collection", cfg.Name)),
		docs:        make(map[string]document.Document),
		broadcaster: store.NewBroadcaster(cfg.StreamBuffer),
	}
}

func (c *Collection) Name() string        { return c.name }
func (c *Collection) PrimaryPath() string { return c.primaryPath }
func (c *Collection) SchemaVersion() int  { return c.version }

// Query executes the query against the current document set, tombstones
// included when the query asks for them.
func (c *Collection) Query(ctx context.Context, q query.Query) ([]document.Document, error) {
	c.mu.RLock()
	all := make([]document.Document, 0, len(c.docs))
	for _, d := range c.docs {
		all = append(all, d)
	}
	c.mu.RUnlock()

	return query.Execute(all, q)
}

// FindDocumentsByIDs returns the current documents for the given primary
// keys in one batched lookup.
func (c *Collection) FindDocumentsByIDs(ctx context.Context, ids []string, withDeleted bool) (map[string]document.Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]document.Document, len(ids))
	for _, id := range ids {
		d, ok := c.docs[id]
		if !ok {
			continue
		}
		if d.Deleted() && !withDeleted {
			continue
		}
		out[id] = d
	}
	return out, nil
}

// MasterWrite applies change rows with assumed-master conflict detection: a
// row wins only when its assumed state matches the current master state
// (ignoring storage metadata). Losing rows are returned as the current
// master documents. Winning rows are committed with a fresh monotonic
// last-write-time and revision, then published on the change stream as one
// batch.
func (c *Collection) MasterWrite(ctx context.Context, rows []document.ChangeRow) ([]document.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conflicts := make([]document.Document, 0)
	written := make([]document.Document, 0, len(rows))

	for _, row := range rows {
		id := row.NewDocumentState.Primary(c.primaryPath)
		if id == "" {
			return nil, errors.New(errors.OpWrite,
				fmt.Errorf("memory: row without primary key %q", c.primaryPath))
		}
		current, exists := c.docs[id]

		if conflicting(row, current, exists) {
			if !exists {
				// The assumed state names a document the master never had.
				// Answer with an id-bearing tombstone so every losing row
				// still maps to exactly one conflict entry on the wire.
				current = document.Document{
					c.primaryPath:         id,
					document.DeletedField: true,
				}
			}
			conflicts = append(conflicts, current.Clone())
			continue
		}

		c.lwtSeq++
		next := row.NewDocumentState.WithMeta(c.lwtSeq, nextRev(current))
		c.docs[id] = next
		written = append(written, next)
	}

	// Published under the write lock so stream batches keep the lwt order.
	if len(written) > 0 {
		cp := checkpoint.FromDocument(written[len(written)-1], c.primaryPath)
		c.broadcaster.Publish(store.BatchEvent(written, cp))
		c.logger.Debug("master write applied",
			slog.Int("written", len(written)),
			slog.Int("conflicts", len(conflicts)))
	}

	return conflicts, nil
}

// LatestCheckpoint returns the checkpoint of the most recent write.
func (c *Collection) LatestCheckpoint(ctx context.Context) (checkpoint.Checkpoint, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var latest checkpoint.Checkpoint
	for _, d := range c.docs {
		cp := checkpoint.FromDocument(d, c.primaryPath)
		if cp.Compare(latest) > 0 {
			latest = cp
		}
	}
	return latest, nil
}

// Subscribe attaches a consumer to the change stream.
func (c *Collection) Subscribe() *store.Subscription {
	return c.broadcaster.Subscribe()
}

// PublishResync forces every connected consumer through a full pull.
func (c *Collection) PublishResync() {
	c.broadcaster.Publish(store.ResyncEvent())
}

// Close terminates the change stream.
func (c *Collection) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.broadcaster.Close()
	return nil
}

// conflicting implements the assumed-master check. Storage metadata is
// excluded from the comparison because clients never see it.
func conflicting(row document.ChangeRow, current document.Document, exists bool) bool {
	if row.AssumedMasterState == nil {
		// Insert: conflicts when any state (tombstone included) exists.
		return exists
	}
	if !exists {
		return true
	}
	return !document.Equal(row.AssumedMasterState, current,
		document.MetaField, document.RevField, document.AttachmentsField)
}

// nextRev produces a revision marker "{height}-{token}" with the height one
// above the current document's.
func nextRev(current document.Document) string {
	height := 1
	if current != nil {
		if rev, ok := current[document.RevField].(string); ok {
			if idx := strings.IndexByte(rev, '-'); idx > 0 {
				if h, err := strconv.Atoi(rev[:idx]); err == nil {
					height = h + 1
				}
			}
		}
	}
	return fmt.Sprintf("%d-%s", height, uuid.NewString()[:8])
}
