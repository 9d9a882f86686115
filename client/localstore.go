package client

import (
	"sort"
	"sync"

	"github.com/c0deZ3R0/go-replica-kit/checkpoint"
	"github.com/c0deZ3R0/go-replica-kit/document"
)

// LocalStore is the client-side replica the driver keeps in sync with the
// master. It tracks the last confirmed master state per document, the local
// writes not yet accepted by the master and the pull checkpoint.
type LocalStore interface {
	// PrimaryPath returns the primary key field name.
	PrimaryPath() string

	// Checkpoint returns the current pull cursor.
	Checkpoint() checkpoint.Checkpoint

	// SetCheckpoint advances the pull cursor.
	SetCheckpoint(cp checkpoint.Checkpoint)

	// ApplyPullBatch integrates master documents from a pull or stream
	// batch and advances the checkpoint. Documents with a local pending
	// write are not overwritten; the pending write is pushed and the
	// conflict, if any, resolved through ResolveConflict.
	ApplyPullBatch(docs []document.Document, cp checkpoint.Checkpoint)

	// PendingRows returns the local writes waiting to be pushed, with the
	// last confirmed master state as the assumed state.
	PendingRows() []document.ChangeRow

	// MarkWritten confirms rows the master accepted.
	MarkWritten(rows []document.ChangeRow)

	// ResolveConflict integrates the master state of a rejected write. The
	// master state wins; the pending local write is dropped.
	ResolveConflict(master document.Document)

	// Upsert records a local write.
	Upsert(doc document.Document)

	// Delete records a local tombstone write.
	Delete(id string)

	// Get returns the local view of one document. Tombstones report false.
	Get(id string) (document.Document, bool)

	// All returns the local view of every non-deleted document.
	All() []document.Document

	// Changes signals that local writes are waiting to be pushed.
	Changes() <-chan struct{}
}

// MemoryStore is an in-memory LocalStore.
type MemoryStore struct {
	mu          sync.Mutex
	primaryPath string
	master      map[string]document.Document
	pending     map[string]document.ChangeRow
	cp          checkpoint.Checkpoint
	changes     chan struct{}
}

var _ LocalStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory replica. primaryPath defaults
// to "id".
func NewMemoryStore(primaryPath string) *MemoryStore {
	if primaryPath == "" {
		primaryPath = "id"
	}
	return &MemoryStore{
		primaryPath: primaryPath,
		master:      make(map[string]document.Document),
		pending:     make(map[string]document.ChangeRow),
		changes:     make(chan struct{}, 1),
	}
}

func (s *MemoryStore) PrimaryPath() string { return s.primaryPath }

func (s *MemoryStore) Checkpoint() checkpoint.Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cp
}

func (s *MemoryStore) SetCheckpoint(cp checkpoint.Checkpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cp = cp
}

func (s *MemoryStore) ApplyPullBatch(docs []document.Document, cp checkpoint.Checkpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range docs {
		id := d.Primary(s.primaryPath)
		if id == "" {
			continue
		}
		if _, dirty := s.pending[id]; dirty {
			// A local write is in flight for this document. Keep it; the
			// push will surface the conflict.
			continue
		}
		s.master[id] = d
	}
	s.cp = cp
}

func (s *MemoryStore) PendingRows() []document.ChangeRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	rows := make([]document.ChangeRow, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, s.pending[id])
	}
	return rows
}

func (s *MemoryStore) MarkWritten(rows []document.ChangeRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		id := row.NewDocumentState.Primary(s.primaryPath)
		p, ok := s.pending[id]
		if !ok {
			continue
		}
		// Only confirm if the document was not edited again while the push
		// was in flight.
		if document.Equal(p.NewDocumentState, row.NewDocumentState) {
			delete(s.pending, id)
			s.master[id] = row.NewDocumentState
		}
	}
}

func (s *MemoryStore) ResolveConflict(master document.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := master.Primary(s.primaryPath)
	if id == "" {
		return
	}
	delete(s.pending, id)
	s.master[id] = master
}

func (s *MemoryStore) Upsert(doc document.Document) {
	s.mu.Lock()
	id := doc.Primary(s.primaryPath)
	if id != "" {
		row := document.ChangeRow{NewDocumentState: doc.Clone()}
		if p, dirty := s.pending[id]; dirty {
			// Keep the original assumed state across re-edits.
			row.AssumedMasterState = p.AssumedMasterState
		} else if cur, ok := s.master[id]; ok {
			row.AssumedMasterState = cur
		}
		s.pending[id] = row
	}
	s.mu.Unlock()
	s.notify()
}

func (s *MemoryStore) Delete(id string) {
	cur, ok := s.Get(id)
	if !ok {
		return
	}
	tombstone := cur.Clone()
	tombstone[document.DeletedField] = true
	s.Upsert(tombstone)
}

func (s *MemoryStore) Get(id string) (document.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.view(id)
	if !ok || d.Deleted() {
		return nil, false
	}
	return d.Clone(), true
}

func (s *MemoryStore) All() []document.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{}, len(s.master)+len(s.pending))
	for id := range s.master {
		seen[id] = struct{}{}
	}
	for id := range s.pending {
		seen[id] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]document.Document, 0, len(ids))
	for _, id := range ids {
		if d, ok := s.view(id); ok && !d.Deleted() {
			out = append(out, d.Clone())
		}
	}
	return out
}

func (s *MemoryStore) Changes() <-chan struct{} { return s.changes }

// view returns the effective local state of one document: the pending write
// if there is one, the confirmed master state otherwise.
func (s *MemoryStore) view(id string) (document.Document, bool) {
	if p, ok := s.pending[id]; ok {
		return p.NewDocumentState, true
	}
	d, ok := s.master[id]
	return d, ok
}

func (s *MemoryStore) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}
