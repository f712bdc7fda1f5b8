// ABOUTME: Tests for the in-memory change feed
// ABOUTME: Covers fan-out, collection isolation, coalescing, cancellation and close

package docstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receiveChange(t *testing.T, ch <-chan Change) Change {
	t.Helper()
	select {
	case c, ok := <-ch:
		require.True(t, ok, "feed channel closed")
		return c
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change")
	}
	return Change{}
}

func assertClosed(t *testing.T, ch <-chan Change) {
	t.Helper()
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "expected channel to be closed")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}

func TestFeed_SubscribersReceiveSameChange(t *testing.T) {
	f := newChangeFeed(nil)
	defer f.Close()

	ch1, _ := f.Subscribe(t.Context(), "agent-commands")
	ch2, _ := f.Subscribe(t.Context(), "agent-commands")

	f.Publish(Change{Collection: "agent-commands", ID: "m1"})

	assert.Equal(t, "m1", receiveChange(t, ch1).ID)
	assert.Equal(t, "m1", receiveChange(t, ch2).ID)
}

func TestFeed_CollectionsAreIsolated(t *testing.T) {
	f := newChangeFeed(nil)
	defer f.Close()

	presence, _ := f.Subscribe(t.Context(), "agent-presence")
	history, _ := f.Subscribe(t.Context(), "agent-presence/nora/task-history")

	f.Publish(Change{Collection: "agent-presence", ID: "nora"})

	assert.Equal(t, "nora", receiveChange(t, presence).ID)
	select {
	case c := <-history:
		t.Fatalf("history subscriber got unrelated change %v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFeed_PublishAllReachesEveryCollection(t *testing.T) {
	f := newChangeFeed(nil)
	defer f.Close()

	presence, _ := f.Subscribe(t.Context(), "agent-presence")
	commands, _ := f.Subscribe(t.Context(), "agent-commands")

	f.PublishAll()

	assert.Equal(t, "agent-presence", receiveChange(t, presence).Collection)
	assert.Equal(t, "agent-commands", receiveChange(t, commands).Collection)
}

func TestFeed_FullBufferDoesNotBlock(t *testing.T) {
	f := newChangeFeed(nil)
	defer f.Close()

	ch, _ := f.Subscribe(t.Context(), "c")

	done := make(chan struct{})
	go func() {
		for i := 0; i < feedBufferSize*3; i++ {
			f.Publish(Change{Collection: "c", ID: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.Len(t, ch, feedBufferSize)
}

func TestFeed_CancelUnsubscribes(t *testing.T) {
	f := newChangeFeed(nil)
	defer f.Close()

	ctx, cancel := context.WithCancel(t.Context())
	ch, _ := f.Subscribe(ctx, "c")
	cancel()

	assertClosed(t, ch)

	require.Eventually(t, func() bool {
		f.mu.RLock()
		defer f.mu.RUnlock()
		return len(f.subscribers) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestFeed_UnsubscribeTwice(t *testing.T) {
	f := newChangeFeed(nil)
	defer f.Close()

	ch, subID := f.Subscribe(t.Context(), "c")
	f.Unsubscribe("c", subID)
	f.Unsubscribe("c", subID)
	f.Unsubscribe("missing", subID)

	assertClosed(t, ch)
}

func TestFeed_CloseClosesSubscribers(t *testing.T) {
	f := newChangeFeed(nil)

	ch1, _ := f.Subscribe(t.Context(), "a")
	ch2, _ := f.Subscribe(t.Context(), "b")
	f.Close()

	assertClosed(t, ch1)
	assertClosed(t, ch2)

	late, _ := f.Subscribe(t.Context(), "a")
	assertClosed(t, late)

	// Publishing after close is a no-op.
	f.Publish(Change{Collection: "a", ID: "x"})
}

func TestFeed_ConcurrentPublishAndCancel(t *testing.T) {
	f := newChangeFeed(nil)
	defer f.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithCancel(t.Context())
		ch, _ := f.Subscribe(ctx, "c")

		wg.Add(2)
		go func() {
			defer wg.Done()
			for range ch {
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				f.Publish(Change{Collection: "c", ID: "x"})
			}
			cancel()
		}()
	}
	wg.Wait()
}
