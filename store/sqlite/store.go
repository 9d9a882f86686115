// Package sqlite provides a SQLite implementation of the DocumentStore.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c0deZ3R0/go-replica-kit/checkpoint"
	"github.com/c0deZ3R0/go-replica-kit/document"
	"github.com/c0deZ3R0/go-replica-kit/errors"
	"github.com/c0deZ3R0/go-replica-kit/query"
	"github.com/c0deZ3R0/go-replica-kit/store"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = stderrors.New("store is closed")

// Config holds configuration options for the SQLite collection.
//
// Production-ready defaults are applied by setDefaults including WAL mode
// and a small connection pool.
type Config struct {
	// DataSourceName is the connection string for the SQLite database.
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging mode for better concurrency.
	// When true, automatically appends "?_journal_mode=WAL" to DataSourceName.
	EnableWAL bool

	// Name is the collection name; also used as the table name.
	Name string

	// PrimaryPath is the primary key field name. Defaults to "id".
	PrimaryPath string

	// SchemaVersion is the current schema version. Defaults to 0.
	SchemaVersion int

	// StreamBuffer is the per-subscriber change stream buffer size.
	StreamBuffer int

	// Logger is optional; nil disables logging.
	Logger *slog.Logger

	// Connection pool settings.
	MaxOpenConns    int           // Default: 25
	MaxIdleConns    int           // Default: 5
	ConnMaxLifetime time.Duration // Default: 1h
	ConnMaxIdleTime time.Duration // Default: 5m
}

func (c *Config) setDefaults() {
	if c.PrimaryPath == "" {
		c.PrimaryPath = "id"
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
}

// Collection is a SQLite-backed document collection. Documents are stored as
// JSON with the ordering columns (lwt, id) extracted for the pull index.
type Collection struct {
	db          *sql.DB
	table       string
	name        string
	primaryPath string
	version     int
	logger      *slog.Logger
	broadcaster *store.Broadcaster
	closed      bool

	// writeMu serializes master writes so lwt assignment and the stream
	// publish happen in the same order.
	writeMu sync.Mutex
}

var _ store.DocumentStore = (*Collection)(nil)

// Open opens (and migrates) a SQLite-backed collection.
func Open(cfg Config) (*Collection, error) {
	cfg.setDefaults()
	if cfg.Name == "" {
		return nil, fmt.Errorf("sqlite: collection name is required")
	}

	dsn := cfg.DataSourceName
	if cfg.EnableWAL && !strings.Contains(dsn, "_journal_mode") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	c := &Collection{
		db:          db,
		table:       quoteIdent(cfg.Name),
		name:        cfg.Name,
		primaryPath: cfg.PrimaryPath,
		version:     cfg.SchemaVersion,
		logger:      logger.With(slog.String("collection", cfg.Name)),
		broadcaster: store.NewBroadcaster(cfg.StreamBuffer),
	}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Collection) migrate() error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id      TEXT PRIMARY KEY,
			deleted INTEGER NOT NULL DEFAULT 0,
			lwt     INTEGER NOT NULL,
			doc     TEXT NOT NULL
		)`, c.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (lwt, id)`,
			quoteIdent(c.name+"_lwt_id"), c.table),
	}
	for _, stmt := range stmts {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("sqlite: migrate: %w", err)
		}
	}
	return nil
}

func (c *Collection) Name() string        { return c.name }
func (c *Collection) PrimaryPath() string { return c.primaryPath }
func (c *Collection) SchemaVersion() int  { return c.version }

// Query loads the candidate rows in (lwt, id) order and delegates selector
// matching, sorting and limiting to the query executor. Selector trees are
// arbitrary, so matching happens on the decoded documents rather than in SQL.
func (c *Collection) Query(ctx context.Context, q query.Query) ([]document.Document, error) {
	if c.closed {
		return nil, ErrStoreClosed
	}

	stmt := fmt.Sprintf(`SELECT doc FROM %s`, c.table)
	if !q.ShowDeleted {
		stmt += ` WHERE deleted = 0`
	}
	stmt += ` ORDER BY lwt, id`

	rows, err := c.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query: %w", err)
	}
	defer rows.Close()

	var docs []document.Document
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("sqlite: scan: %w", err)
		}
		var d document.Document
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("sqlite: decode document: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: rows: %w", err)
	}

	return query.Execute(docs, q)
}

// FindDocumentsByIDs returns the stored documents for the given primary keys.
func (c *Collection) FindDocumentsByIDs(ctx context.Context, ids []string, withDeleted bool) (map[string]document.Document, error) {
	if c.closed {
		return nil, ErrStoreClosed
	}
	out := make(map[string]document.Document, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	stmt := fmt.Sprintf(`SELECT doc, deleted FROM %s WHERE id IN (%s)`, c.table, placeholders)
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := c.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: find by ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw string
		var deleted bool
		if err := rows.Scan(&raw, &deleted); err != nil {
			return nil, fmt.Errorf("sqlite: scan: %w", err)
		}
		if deleted && !withDeleted {
			continue
		}
		var d document.Document
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("sqlite: decode document: %w", err)
		}
		out[d.Primary(c.primaryPath)] = d
	}
	return out, rows.Err()
}

// MasterWrite applies change rows in one transaction with assumed-master
// conflict detection, then publishes the written batch on the change stream.
func (c *Collection) MasterWrite(ctx context.Context, rows []document.ChangeRow) ([]document.Document, error) {
	if c.closed {
		return nil, ErrStoreClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	var maxLWT int64
	if err := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COALESCE(MAX(lwt), 0) FROM %s`, c.table)).Scan(&maxLWT); err != nil {
		return nil, fmt.Errorf("sqlite: max lwt: %w", err)
	}

	conflicts := make([]document.Document, 0)
	written := make([]document.Document, 0, len(rows))

	for _, row := range rows {
		id := row.NewDocumentState.Primary(c.primaryPath)
		if id == "" {
			return nil, errors.NewWithComponent(errors.OpWrite, "sqlite",
				fmt.Errorf("row without primary key %q", c.primaryPath))
		}

		var raw sql.NullString
		err := tx.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT doc FROM %s WHERE id = ?`, c.table), id).Scan(&raw)
		exists := err == nil
		if err != nil && !stderrors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sqlite: lookup: %w", err)
		}

		var current document.Document
		if exists {
			if err := json.Unmarshal([]byte(raw.String), &current); err != nil {
				return nil, fmt.Errorf("sqlite: decode document: %w", err)
			}
		}

		if conflicting(row, current, exists) {
			if current == nil {
				// The assumed state names a document the master never had.
				// Answer with an id-bearing tombstone so every losing row
				// still maps to exactly one conflict entry on the wire.
				current = document.Document{
					c.primaryPath:         id,
					document.DeletedField: true,
				}
			}
			conflicts = append(conflicts, current)
			continue
		}

		maxLWT++
		next := row.NewDocumentState.WithMeta(maxLWT, nextRev(current))
		encoded, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("sqlite: encode document: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (id, deleted, lwt, doc) VALUES (?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET deleted = excluded.deleted, lwt = excluded.lwt, doc = excluded.doc`,
				c.table),
			id, next.Deleted(), maxLWT, string(encoded)); err != nil {
			return nil, fmt.Errorf("sqlite: upsert: %w", err)
		}
		written = append(written, next)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit: %w", err)
	}

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
	if c.closed {
		return checkpoint.Checkpoint{}, ErrStoreClosed
	}
	var cp checkpoint.Checkpoint
	err := c.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id, lwt FROM %s ORDER BY lwt DESC, id DESC LIMIT 1`, c.table)).
		Scan(&cp.ID, &cp.LWT)
	if stderrors.Is(err, sql.ErrNoRows) {
		return checkpoint.Checkpoint{}, nil
	}
	return cp, err
}

// Subscribe attaches a consumer to the change stream.
func (c *Collection) Subscribe() *store.Subscription {
	return c.broadcaster.Subscribe()
}

// Close terminates the change stream and releases the database handle.
func (c *Collection) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.broadcaster.Close()
	return c.db.Close()
}

func conflicting(row document.ChangeRow, current document.Document, exists bool) bool {
	if row.AssumedMasterState == nil {
		return exists
	}
	if !exists {
		return true
	}
	return !document.Equal(row.AssumedMasterState, current,
		document.MetaField, document.RevField, document.AttachmentsField)
}

func nextRev(current document.Document) string {
	height := 1
	if current != nil {
		if rev, ok := current[document.RevField].(string); ok {
			if idx := strings.IndexByte(rev, '-'); idx > 0 {
				var h int
				if _, err := fmt.Sscanf(rev[:idx], "%d", &h); err == nil {
					height = h + 1
				}
			}
		}
	}
	return fmt.Sprintf("%d-%s", height, uuid.NewString()[:8])
}

// quoteIdent quotes a SQLite identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
