// ABOUTME: Document store interface, query builder and document types
// ABOUTME: Abstracts keyed JSON documents with merge writes, transactions and live queries

package docstore

import (
	"context"
	"errors"
	"time"

	"github.com/tidwall/gjson"
)

// ErrNotFound is returned when a requested document does not exist
var ErrNotFound = errors.New("document not found")

// TimeLayout is the fixed-width UTC layout used for every stored timestamp.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

type serverTimestamp struct{}

// ServerTimestamp is replaced by the store clock when a write is applied.
var ServerTimestamp = serverTimestamp{}

// Fields is a partial document body keyed by top-level field name.
type Fields map[string]any

// Document is a stored JSON object.
type Document struct {
	Collection string
	ID         string
	Data       []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Get returns the value at the given gjson path of the document body.
func (d *Document) Get(path string) gjson.Result {
	if d == nil {
		return gjson.Result{}
	}
	return gjson.GetBytes(d.Data, path)
}

// Time parses a stored timestamp field. Missing or malformed values yield nil.
func (d *Document) Time(path string) *time.Time {
	return ParseTime(d.Get(path))
}

// Filter is an equality condition on a top-level field.
type Filter struct {
	Field string
	Value any
}

// Query selects documents of one collection.
type Query struct {
	Collection string
	Filters    []Filter
	Order      string // field to order by; empty orders by id
	Descending bool
	Max        int // 0 means unbounded
}

// Collection starts a query over every document of a collection.
func Collection(path string) Query {
	return Query{Collection: path}
}

// Where returns a copy of q with an added equality filter.
func (q Query) Where(field string, value any) Query {
	filters := make([]Filter, len(q.Filters), len(q.Filters)+1)
	copy(filters, q.Filters)
	q.Filters = append(filters, Filter{Field: field, Value: value})
	return q
}

// OrderBy returns a copy of q ordered by the given field.
func (q Query) OrderBy(field string, descending bool) Query {
	q.Order = field
	q.Descending = descending
	return q
}

// Limit returns a copy of q bounded to n documents.
func (q Query) Limit(n int) Query {
	q.Max = n
	return q
}

// Snapshot is the complete result set of a watched query at one point in time.
type Snapshot struct {
	Docs     []*Document
	ReadTime time.Time
}

// TransactFunc computes the fields to merge into the current document.
// Returning an error aborts the transaction without writing.
type TransactFunc func(current *Document) (Fields, error)

// Store defines document persistence with live subscriptions
type Store interface {
	// Point reads and writes
	Get(ctx context.Context, collection, id string) (*Document, error)
	Set(ctx context.Context, collection, id string, fields Fields) error
	Merge(ctx context.Context, collection, id string, fields Fields) error
	Update(ctx context.Context, collection, id string, fields Fields) error
	Add(ctx context.Context, collection string, fields Fields) (string, error)

	// Transact atomically reads a document and merges the returned fields.
	// Returns ErrNotFound if the document does not exist.
	Transact(ctx context.Context, collection, id string, fn TransactFunc) error

	// Queries
	Query(ctx context.Context, q Query) ([]*Document, error)
	Watch(ctx context.Context, q Query) (<-chan Snapshot, error)

	// Now returns the store clock used for server timestamps
	Now() time.Time

	Close() error
}

// FormatTime renders t in the stored timestamp layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime reads a stored timestamp. RFC3339 values written by other
// clients are accepted as well.
func ParseTime(r gjson.Result) *time.Time {
	if r.Type != gjson.String || r.Str == "" {
		return nil
	}
	t, err := time.Parse(TimeLayout, r.Str)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, r.Str)
		if err != nil {
			return nil
		}
	}
	t = t.UTC()
	return &t
}
