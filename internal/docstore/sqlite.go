// ABOUTME: SQLite implementation of the document Store using JSON bodies
// ABOUTME: Supports modernc.org/sqlite and mattn/go-sqlite3 with automatic schema creation

package docstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names
const (
	DriverSQLite  = "sqlite"  // modernc.org/sqlite, pure Go
	DriverSQLite3 = "sqlite3" // github.com/mattn/go-sqlite3, requires cgo
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	feed   *changeFeed
	logger *slog.Logger

	clockMu sync.Mutex
	clock   func() time.Time
	last    time.Time

	pollInterval time.Duration
	stopPoll     context.CancelFunc
	pollDone     chan struct{}
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithClock replaces the wall clock used for server timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *SQLiteStore) {
		s.clock = clock
	}
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *SQLiteStore) {
		if logger != nil {
			s.logger = logger.With("component", "docstore")
		}
	}
}

// WithPollInterval sets how often the store checks the database file for
// commits made by other processes. Zero disables the check.
func WithPollInterval(d time.Duration) Option {
	return func(s *SQLiteStore) {
		if d >= 0 {
			s.pollInterval = d
		}
	}
}

// NewSQLiteStore opens a store at path using the pure Go driver.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	return Open(DriverSQLite, path, opts...)
}

// Open creates a new SQLite store at the given path with the named driver.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func Open(driver, path string, opts ...Option) (*SQLiteStore, error) {
	switch driver {
	case "":
		driver = DriverSQLite
	case DriverSQLite, DriverSQLite3:
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	s := &SQLiteStore{
		logger:       slog.Default().With("component", "docstore"),
		clock:        time.Now,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.feed = newChangeFeed(s.logger)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection serialises writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	s.db = db
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if s.pollInterval > 0 && path != ":memory:" {
		if err := s.startPolling(); err != nil {
			db.Close()
			return nil, err
		}
	}

	s.logger.Info("document store initialized", "driver", driver, "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			data       TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (collection, id)
		);

		CREATE INDEX IF NOT EXISTS idx_documents_collection_updated
			ON documents(collection, updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close stops all watchers and closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing document store")
	if s.stopPoll != nil {
		s.stopPoll()
		<-s.pollDone
	}
	s.feed.Close()
	return s.db.Close()
}

// Now returns the next server timestamp. Successive calls are strictly
// increasing even if the underlying clock stalls or steps backwards.
func (s *SQLiteStore) Now() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()

	t := s.clock().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Nanosecond)
	}
	s.last = t
	return t
}

type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getDocument(ctx context.Context, q rowQueryer, collection, id string) (*Document, error) {
	var data, createdAtStr, updatedAtStr string
	err := q.QueryRowContext(ctx, `
		SELECT data, created_at, updated_at
		FROM documents
		WHERE collection = ? AND id = ?
	`, collection, id).Scan(&data, &createdAtStr, &updatedAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying document: %w", err)
	}
	return newDocument(collection, id, data, createdAtStr, updatedAtStr)
}

func newDocument(collection, id, data, createdAtStr, updatedAtStr string) (*Document, error) {
	doc := &Document{Collection: collection, ID: id, Data: []byte(data)}

	var err error
	doc.CreatedAt, err = time.Parse(TimeLayout, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	doc.UpdatedAt, err = time.Parse(TimeLayout, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return doc, nil
}

// Get retrieves a document.
// Returns ErrNotFound if the document doesn't exist.
func (s *SQLiteStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	return getDocument(ctx, s.db, collection, id)
}

type writeMode int

const (
	writeReplace   writeMode = iota // overwrite the whole body, create if absent
	writeMerge                      // overwrite the given fields, create if absent
	writeMustExist                  // overwrite the given fields, ErrNotFound if absent
)

// Set creates or replaces a document with exactly the given fields.
func (s *SQLiteStore) Set(ctx context.Context, collection, id string, fields Fields) error {
	return s.write(ctx, collection, id, writeReplace, staticFields(fields))
}

// Merge creates a document or overwrites the given top-level fields of an
// existing one.
func (s *SQLiteStore) Merge(ctx context.Context, collection, id string, fields Fields) error {
	return s.write(ctx, collection, id, writeMerge, staticFields(fields))
}

// Update overwrites the given fields of an existing document.
// Returns ErrNotFound if the document doesn't exist.
func (s *SQLiteStore) Update(ctx context.Context, collection, id string, fields Fields) error {
	return s.write(ctx, collection, id, writeMustExist, staticFields(fields))
}

// Add creates a document under a new store-assigned id.
func (s *SQLiteStore) Add(ctx context.Context, collection string, fields Fields) (string, error) {
	id := uuid.New().String()
	if err := s.write(ctx, collection, id, writeReplace, staticFields(fields)); err != nil {
		return "", err
	}
	return id, nil
}

// Transact reads a document and merges the fields computed by fn in a single
// transaction. fn may call Now but must not read or write the store.
// Returns ErrNotFound if the document doesn't exist.
func (s *SQLiteStore) Transact(ctx context.Context, collection, id string, fn TransactFunc) error {
	return s.write(ctx, collection, id, writeMustExist, fn)
}

func staticFields(fields Fields) TransactFunc {
	return func(*Document) (Fields, error) {
		return fields, nil
	}
}

func (s *SQLiteStore) write(ctx context.Context, collection, id string, mode writeMode, fn TransactFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := getDocument(ctx, tx, collection, id)
	switch {
	case errors.Is(err, ErrNotFound):
		if mode == writeMustExist {
			return ErrNotFound
		}
		current = nil
	case err != nil:
		return err
	}

	fields, err := fn(current)
	if err != nil {
		return err
	}

	now := s.Now()
	base := []byte("{}")
	createdAt := now
	if current != nil {
		createdAt = current.CreatedAt
		if mode != writeReplace {
			base = current.Data
		}
	}

	body, err := applyFields(base, fields, now)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (collection, id, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`, collection, id, string(body), FormatTime(createdAt), FormatTime(now))
	if err != nil {
		return fmt.Errorf("writing document: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing document: %w", err)
	}

	s.logger.Debug("wrote document", "collection", collection, "id", id, "fields", len(fields))
	s.feed.Publish(Change{Collection: collection, ID: id})
	return nil
}

var pathEscaper = strings.NewReplacer(`\`, `\\`, ".", `\.`, "*", `\*`, "?", `\?`)

// applyFields writes each field into body in key order.
func applyFields(body []byte, fields Fields, now time.Time) ([]byte, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var err error
	for _, k := range keys {
		body, err = sjson.SetBytes(body, pathEscaper.Replace(k), storedValue(fields[k], now))
		if err != nil {
			return nil, fmt.Errorf("setting field %q: %w", k, err)
		}
	}
	return body, nil
}

// storedValue converts timestamps and the ServerTimestamp sentinel into
// their stored string form.
func storedValue(v any, now time.Time) any {
	switch x := v.(type) {
	case serverTimestamp:
		return FormatTime(now)
	case time.Time:
		return FormatTime(x)
	case *time.Time:
		if x == nil {
			return nil
		}
		return FormatTime(*x)
	}
	return v
}

// queryValue converts a filter value to what json_extract yields for it.
func queryValue(v any) any {
	switch x := v.(type) {
	case bool:
		if x {
			return 1
		}
		return 0
	case time.Time:
		return FormatTime(x)
	case fmt.Stringer:
		return x.String()
	}
	return v
}

func jsonPath(field string) string {
	return `$."` + strings.ReplaceAll(field, `"`, `\"`) + `"`
}

// Query returns the documents matching q.
func (s *SQLiteStore) Query(ctx context.Context, q Query) ([]*Document, error) {
	var sb strings.Builder
	args := []any{q.Collection}

	sb.WriteString(`SELECT id, data, created_at, updated_at FROM documents WHERE collection = ?`)
	for _, f := range q.Filters {
		sb.WriteString(` AND json_extract(data, ?) = ?`)
		args = append(args, jsonPath(f.Field), queryValue(f.Value))
	}

	if q.Order != "" {
		sb.WriteString(` ORDER BY json_extract(data, ?)`)
		args = append(args, jsonPath(q.Order))
		if q.Descending {
			sb.WriteString(` DESC`)
		}
		sb.WriteString(`, id`)
	} else {
		sb.WriteString(` ORDER BY id`)
	}

	if q.Max > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, q.Max)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		var id, data, createdAtStr, updatedAtStr string
		if err := rows.Scan(&id, &data, &createdAtStr, &updatedAtStr); err != nil {
			return nil, fmt.Errorf("scanning document row: %w", err)
		}
		doc, err := newDocument(q.Collection, id, data, createdAtStr, updatedAtStr)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating document rows: %w", err)
	}
	return docs, nil
}

// Watch delivers the result set of q immediately and again after every
// committed write that changes it. The channel is closed when ctx is
// cancelled or the store is closed.
func (s *SQLiteStore) Watch(ctx context.Context, q Query) (<-chan Snapshot, error) {
	watchCtx, cancel := context.WithCancel(ctx)

	// Subscribe before the first read so no write can slip between them.
	changes, subID := s.feed.Subscribe(watchCtx, q.Collection)

	first, err := s.snapshot(watchCtx, q)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan Snapshot, 1)
	out <- first

	s.logger.Debug("watch started", "collection", q.Collection, "sub_id", subID, "docs", len(first.Docs))

	go func() {
		defer cancel()
		defer close(out)

		last := fingerprint(first.Docs)
		for range changes {
			snap, err := s.snapshot(watchCtx, q)
			if err != nil {
				if watchCtx.Err() != nil {
					return
				}
				s.logger.Warn("watch re-query failed", "collection", q.Collection, "error", err)
				continue
			}

			fp := fingerprint(snap.Docs)
			if fp == last {
				continue
			}
			last = fp
			deliverLatest(out, snap)
		}
	}()

	return out, nil
}

func (s *SQLiteStore) snapshot(ctx context.Context, q Query) (Snapshot, error) {
	docs, err := s.Query(ctx, q)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Docs: docs, ReadTime: time.Now().UTC()}, nil
}

// deliverLatest replaces an undelivered snapshot with a newer one.
// Must only be called by the channel's single writer.
func deliverLatest(out chan Snapshot, snap Snapshot) {
	select {
	case out <- snap:
		return
	default:
	}
	select {
	case <-out:
	default:
	}
	out <- snap
}

func fingerprint(docs []*Document) string {
	h := sha256.New()
	for _, d := range docs {
		h.Write([]byte(d.ID))
		h.Write([]byte{0})
		h.Write([]byte(FormatTime(d.UpdatedAt)))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
