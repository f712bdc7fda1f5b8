// ABOUTME: Tests for the SQLite document store
// ABOUTME: Covers point writes, merges, transactions, queries and live watches

package docstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T, opts ...Option) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := NewSQLiteStore(dbPath, opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func receive(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		require.True(t, ok, "watch channel closed")
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return Snapshot{}
}

func ids(docs []*Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.ID)
	}
	return out
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open("postgres", filepath.Join(t.TempDir(), "x.db"))
	assert.Error(t, err)
}

func TestStore_SetAndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.Set(ctx, "agents", "nora", Fields{
		"displayName": "Nora",
		"steps":       []map[string]any{{"id": "step-0"}},
		"enabled":     true,
	})
	require.NoError(t, err)

	doc, err := store.Get(ctx, "agents", "nora")
	require.NoError(t, err)
	assert.Equal(t, "nora", doc.ID)
	assert.Equal(t, "agents", doc.Collection)
	assert.Equal(t, "Nora", doc.Get("displayName").String())
	assert.Equal(t, "step-0", doc.Get("steps.0.id").String())
	assert.True(t, doc.Get("enabled").Bool())
}

func TestStore_SetReplacesBody(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "agents", "nora", Fields{"a": 1, "b": 2}))
	require.NoError(t, store.Set(ctx, "agents", "nora", Fields{"a": 3}))

	doc, err := store.Get(ctx, "agents", "nora")
	require.NoError(t, err)
	assert.Equal(t, int64(3), doc.Get("a").Int())
	assert.False(t, doc.Get("b").Exists())
}

func TestStore_GetNotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.Get(context.Background(), "agents", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_MergeCreatesAndMerges(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Merge(ctx, "agents", "nora", Fields{"status": "idle", "notes": "hi"}))
	require.NoError(t, store.Merge(ctx, "agents", "nora", Fields{"status": "working"}))

	doc, err := store.Get(ctx, "agents", "nora")
	require.NoError(t, err)
	assert.Equal(t, "working", doc.Get("status").String())
	assert.Equal(t, "hi", doc.Get("notes").String())
	assert.True(t, doc.UpdatedAt.After(doc.CreatedAt))
}

func TestStore_MergeFieldWithDot(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Merge(ctx, "agents", "nora", Fields{"a.b": "dotted"}))

	doc, err := store.Get(ctx, "agents", "nora")
	require.NoError(t, err)
	assert.Equal(t, "dotted", doc.Get(`a\.b`).String())
}

func TestStore_UpdateNotFound(t *testing.T) {
	store := setupTestStore(t)

	err := store.Update(context.Background(), "agents", "missing", Fields{"status": "idle"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_AddAssignsID(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	id1, err := store.Add(ctx, "commands", Fields{"content": "one"})
	require.NoError(t, err)
	id2, err := store.Add(ctx, "commands", Fields{"content": "two"})
	require.NoError(t, err)
	assert.NotEmpty(t, id1)
	assert.NotEqual(t, id1, id2)

	doc, err := store.Get(ctx, "commands", id2)
	require.NoError(t, err)
	assert.Equal(t, "two", doc.Get("content").String())
}

func TestStore_ServerTimestamp(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := setupTestStore(t, WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "agents", "a", Fields{"lastUpdate": ServerTimestamp}))
	require.NoError(t, store.Set(ctx, "agents", "b", Fields{"lastUpdate": ServerTimestamp}))

	a, err := store.Get(ctx, "agents", "a")
	require.NoError(t, err)
	b, err := store.Get(ctx, "agents", "b")
	require.NoError(t, err)

	ta := a.Time("lastUpdate")
	tb := b.Time("lastUpdate")
	require.NotNil(t, ta)
	require.NotNil(t, tb)
	assert.False(t, ta.Before(fixed))
	assert.True(t, tb.After(*ta), "server timestamps must be strictly increasing")
}

func TestStore_NowMonotonic(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	calls := 0
	store := setupTestStore(t, WithClock(func() time.Time {
		calls++
		// clock steps backwards on every call
		return base.Add(-time.Duration(calls) * time.Second)
	}))

	prev := store.Now()
	for range 10 {
		next := store.Now()
		assert.True(t, next.After(prev))
		prev = next
	}
}

func TestStore_TimeValues(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	when := time.Date(2026, 1, 2, 3, 4, 5, 600, time.FixedZone("X", 3600))
	var missing *time.Time
	require.NoError(t, store.Set(ctx, "agents", "a", Fields{"at": when, "never": missing}))

	doc, err := store.Get(ctx, "agents", "a")
	require.NoError(t, err)
	got := doc.Time("at")
	require.NotNil(t, got)
	assert.True(t, got.Equal(when))
	assert.Nil(t, doc.Time("never"))
	assert.Equal(t, "2026-01-02T02:04:05.000000600Z", doc.Get("at").String())
}

func TestStore_TransactNotFound(t *testing.T) {
	store := setupTestStore(t)

	called := false
	err := store.Transact(context.Background(), "agents", "missing", func(*Document) (Fields, error) {
		called = true
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, called)
}

func TestStore_TransactErrorAborts(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "agents", "nora", Fields{"n": 1}))

	boom := errors.New("boom")
	err := store.Transact(ctx, "agents", "nora", func(*Document) (Fields, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	doc, err := store.Get(ctx, "agents", "nora")
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Get("n").Int())
}

func TestStore_TransactConcurrentIncrements(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "agents", "nora", Fields{"n": 0}))

	const workers = 20
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Transact(ctx, "agents", "nora", func(doc *Document) (Fields, error) {
				return Fields{"n": doc.Get("n").Int() + 1}, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	doc, err := store.Get(ctx, "agents", "nora")
	require.NoError(t, err)
	assert.Equal(t, int64(workers), doc.Get("n").Int(), "no increment may be lost")
}

func TestStore_Query(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rows := []struct {
		id, to, createdAt string
		urgent            bool
	}{
		{"m1", "nora", "2026-01-01T00:00:01.000000000Z", false},
		{"m2", "sage", "2026-01-01T00:00:02.000000000Z", true},
		{"m3", "nora", "2026-01-01T00:00:03.000000000Z", true},
		{"m4", "nora", "2026-01-01T00:00:04.000000000Z", false},
	}
	for _, r := range rows {
		require.NoError(t, store.Set(ctx, "commands", r.id, Fields{"to": r.to, "createdAt": r.createdAt, "urgent": r.urgent}))
	}
	require.NoError(t, store.Set(ctx, "other", "x", Fields{"to": "nora"}))

	tests := []struct {
		name string
		q    Query
		want []string
	}{
		{"all by id", Collection("commands"), []string{"m1", "m2", "m3", "m4"}},
		{"equality", Collection("commands").Where("to", "nora"), []string{"m1", "m3", "m4"}},
		{"two filters", Collection("commands").Where("to", "nora").Where("urgent", true), []string{"m3"}},
		{"desc with limit", Collection("commands").Where("to", "nora").OrderBy("createdAt", true).Limit(2), []string{"m4", "m3"}},
		{"asc", Collection("commands").OrderBy("createdAt", false), []string{"m1", "m2", "m3", "m4"}},
		{"no match", Collection("commands").Where("to", "nobody"), []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs, err := store.Query(ctx, tt.q)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(docs))
		})
	}
}

func TestQuery_BuilderDoesNotAlias(t *testing.T) {
	base := Collection("commands").Where("to", "nora")
	a := base.Where("status", "pending")
	b := base.Where("status", "failed")

	assert.Len(t, base.Filters, 1)
	assert.Equal(t, "pending", a.Filters[1].Value)
	assert.Equal(t, "failed", b.Filters[1].Value)
}

func TestStore_WatchDeliversInitialAndChanges(t *testing.T) {
	store := setupTestStore(t)
	ctx := t.Context()

	require.NoError(t, store.Set(ctx, "commands", "m1", Fields{"to": "nora"}))

	ch, err := store.Watch(ctx, Collection("commands").Where("to", "nora"))
	require.NoError(t, err)

	first := receive(t, ch)
	assert.Equal(t, []string{"m1"}, ids(first.Docs))

	require.NoError(t, store.Set(ctx, "commands", "m2", Fields{"to": "nora"}))

	// Latest-wins delivery may skip intermediate snapshots, so wait for the
	// one containing both documents.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-ch:
			if len(snap.Docs) == 2 {
				assert.Equal(t, []string{"m1", "m2"}, ids(snap.Docs))
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for updated snapshot")
		}
	}
}

func TestStore_WatchIgnoresUnrelatedWrites(t *testing.T) {
	store := setupTestStore(t)
	ctx := t.Context()

	ch, err := store.Watch(ctx, Collection("commands").Where("to", "nora"))
	require.NoError(t, err)
	receive(t, ch)

	// Same collection, but outside the result set
	require.NoError(t, store.Set(ctx, "commands", "m9", Fields{"to": "sage"}))

	select {
	case snap := <-ch:
		t.Fatalf("unexpected snapshot with %d docs", len(snap.Docs))
	case <-time.After(150 * time.Millisecond):
	}
}

func TestStore_WatchClosesOnCancel(t *testing.T) {
	store := setupTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := store.Watch(ctx, Collection("commands"))
	require.NoError(t, err)
	receive(t, ch)

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("watch channel not closed after cancel")
	}
}

func TestStore_WatchClosesOnStoreClose(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "close.db"))
	require.NoError(t, err)

	ch, err := store.Watch(t.Context(), Collection("commands"))
	require.NoError(t, err)
	receive(t, ch)

	require.NoError(t, store.Close())

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("watch channel not closed after store close")
	}
}

func TestStore_WatchSeesWritesFromAnotherStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "shared.db")

	watcher, err := NewSQLiteStore(dbPath, WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { watcher.Close() })

	writer, err := NewSQLiteStore(dbPath, WithPollInterval(0))
	require.NoError(t, err)
	t.Cleanup(func() { writer.Close() })

	ctx := t.Context()
	ch, err := watcher.Watch(ctx, Collection("commands").Where("to", "nora"))
	require.NoError(t, err)
	assert.Empty(t, receive(t, ch).Docs)

	id, err := writer.Add(ctx, "commands", Fields{"to": "nora", "status": "pending"})
	require.NoError(t, err)
	snap := receive(t, ch)
	assert.Equal(t, []string{id}, ids(snap.Docs))

	require.NoError(t, writer.Update(ctx, "commands", id, Fields{"response": "hello", "status": "completed"}))
	snap = receive(t, ch)
	require.Len(t, snap.Docs, 1)
	assert.Equal(t, "hello", snap.Docs[0].Get("response").String())

	// A commit elsewhere in the file wakes the watcher but the result set is
	// unchanged, so nothing is delivered.
	require.NoError(t, writer.Set(ctx, "agents", "nora", Fields{"status": "idle"}))
	select {
	case snap := <-ch:
		t.Fatalf("unexpected snapshot with %d docs", len(snap.Docs))
	case <-time.After(150 * time.Millisecond):
	}
}

func TestStore_PollingDisabled(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "shared.db")

	watcher, err := NewSQLiteStore(dbPath, WithPollInterval(0))
	require.NoError(t, err)
	t.Cleanup(func() { watcher.Close() })
	assert.Nil(t, watcher.pollDone)

	writer, err := NewSQLiteStore(dbPath, WithPollInterval(0))
	require.NoError(t, err)
	t.Cleanup(func() { writer.Close() })

	ch, err := watcher.Watch(t.Context(), Collection("commands"))
	require.NoError(t, err)
	receive(t, ch)

	_, err = writer.Add(t.Context(), "commands", Fields{"to": "nora"})
	require.NoError(t, err)
	select {
	case snap := <-ch:
		t.Fatalf("unexpected snapshot with %d docs", len(snap.Docs))
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDeliverLatest_ReplacesPending(t *testing.T) {
	out := make(chan Snapshot, 1)
	old := Snapshot{Docs: []*Document{{ID: "old"}}}
	latest := Snapshot{Docs: []*Document{{ID: "new"}}}

	deliverLatest(out, old)
	deliverLatest(out, latest)

	got := <-out
	assert.Equal(t, "new", got.Docs[0].ID)
	assert.Empty(t, out)
}
