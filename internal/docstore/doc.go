// Package docstore provides a document store with live query subscriptions.
//
// # Model
//
// Documents are JSON objects addressed by a collection path and an id.
// Collection paths may be nested to express subcollections:
//
//	agent-presence/{agentId}
//	agent-presence/{agentId}/task-history/{entryId}
//
// Writes are expressed as Fields, a map of top-level field names to values.
// Set replaces a document, Merge and Update overwrite only the given fields,
// and Add creates a document under a store-assigned id.
//
// # Server Timestamps
//
// The ServerTimestamp sentinel is replaced by the store clock when a write is
// applied. The clock is strictly monotonic per store, so two writes never
// share a timestamp. Timestamps are stored as fixed-width UTC strings
// (see FormatTime) so that string order equals time order.
//
// # Transactions
//
// Transact reads one document and merges the fields returned by the callback
// within a single database transaction:
//
//	err := s.Transact(ctx, "agent-presence", "nora", func(doc *docstore.Document) (docstore.Fields, error) {
//	    n := doc.Get("manifestoInjections").Int()
//	    return docstore.Fields{"manifestoInjections": n + 1}, nil
//	})
//
// # Queries and Subscriptions
//
// Queries support equality filters, a single order-by field and a limit:
//
//	q := docstore.Collection("agent-commands").Where("to", "nora").OrderBy("createdAt", true).Limit(50)
//
// Watch delivers the full result set immediately and again after every
// committed write that changes it. Subscribers that fall behind only ever
// see the latest snapshot.
//
// Several processes may share one database file. Each store polls
// PRAGMA data_version (see WithPollInterval) and re-runs its watches when
// another connection has committed.
//
// # Drivers
//
// SQLiteStore runs on modernc.org/sqlite ("sqlite", pure Go) by default or on
// github.com/mattn/go-sqlite3 ("sqlite3", cgo).
package docstore
