// Package store defines the narrow interfaces through which the replication
// core talks to the underlying document store: query execution, batched id
// lookup, conflict-resolving master writes and the per-collection change
// stream. Implementations live in the subpackages.
package store

import (
	"context"

	"github.com/c0deZ3R0/go-replica-kit/checkpoint"
	"github.com/c0deZ3R0/go-replica-kit/document"
	"github.com/c0deZ3R0/go-replica-kit/query"
)

// DocumentStore is the document collection as seen by the replication and
// REST endpoints. Schema validation, query execution and the conflict
// resolution algorithm all live behind this interface.
type DocumentStore interface {
	// Name returns the collection name.
	Name() string

	// PrimaryPath returns the primary key field name.
	PrimaryPath() string

	// SchemaVersion returns the current schema version of the collection.
	SchemaVersion() int

	// Query executes a prepared query and returns matching documents.
	Query(ctx context.Context, q query.Query) ([]document.Document, error)

	// FindDocumentsByIDs returns the current documents for the given primary
	// keys in one batched lookup. Missing ids are absent from the result.
	FindDocumentsByIDs(ctx context.Context, ids []string, withDeleted bool) (map[string]document.Document, error)

	// MasterWrite applies merged change rows and returns the current master
	// state of every row that lost a conflict. Conflicts are data, not
	// errors.
	MasterWrite(ctx context.Context, rows []document.ChangeRow) ([]document.Document, error)

	// LatestCheckpoint returns the checkpoint of the most recent write.
	LatestCheckpoint(ctx context.Context) (checkpoint.Checkpoint, error)

	// Subscribe attaches a consumer to the collection's change stream. The
	// subscription must be released with Unsubscribe when the consumer goes
	// away.
	Subscribe() *Subscription

	// Close releases the store.
	Close(ctx context.Context) error
}

// StreamEvent is the tagged union carried on a change stream: either a
// resync marker ("re-run a full pull, do not trust incremental diffing") or
// a batch of changed documents with the checkpoint reached after them.
type StreamEvent struct {
	Resync     bool
	Documents  []document.Document
	Checkpoint checkpoint.Checkpoint
}

// ResyncEvent returns the resync marker.
func ResyncEvent() StreamEvent {
	return StreamEvent{Resync: true}
}

// BatchEvent returns a document-batch event.
func BatchEvent(docs []document.Document, cp checkpoint.Checkpoint) StreamEvent {
	return StreamEvent{Documents: docs, Checkpoint: cp}
}
