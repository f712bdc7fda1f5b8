// ABOUTME: In-memory fan-out change feed for committed document writes
// ABOUTME: Notifies every watcher of a collection path so it can re-run its query

package docstore

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// feedBufferSize is the channel buffer for each subscriber.
	feedBufferSize = 64
)

// Change identifies a committed write.
type Change struct {
	Collection string
	ID         string
}

// changeFeed provides in-memory pub/sub for committed writes, keyed by
// collection path.
type changeFeed struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Change // collection -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

func newChangeFeed(logger *slog.Logger) *changeFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &changeFeed{
		subscribers: make(map[string]map[string]chan Change),
		logger:      logger.With("component", "changefeed"),
	}
}

// Subscribe registers for changes to the given collection. The subscription
// is removed and its channel closed when ctx is cancelled.
func (f *changeFeed) Subscribe(ctx context.Context, collection string) (<-chan Change, string) {
	subID := uuid.New().String()
	ch := make(chan Change, feedBufferSize)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := f.subscribers[collection]; !ok {
		f.subscribers[collection] = make(map[string]chan Change)
	}
	f.subscribers[collection][subID] = ch
	f.mu.Unlock()

	f.logger.Debug("subscriber added", "collection", collection, "sub_id", subID)

	go func() {
		<-ctx.Done()
		f.Unsubscribe(collection, subID)
	}()

	return ch, subID
}

// Publish notifies subscribers of a collection. Non-blocking: a subscriber
// with a full buffer already has a re-query pending, so the change is dropped.
func (f *changeFeed) Publish(change Change) {
	f.mu.RLock()
	subs := f.subscribers[change.Collection]
	targets := make([]chan Change, 0, len(subs))
	for _, ch := range subs {
		targets = append(targets, ch)
	}
	// Sends happen under the read lock so Unsubscribe cannot close a
	// channel mid-send.
	for _, ch := range targets {
		select {
		case ch <- change:
		default:
			f.logger.Debug("subscriber buffer full, coalescing change",
				"collection", change.Collection,
				"id", change.ID)
		}
	}
	f.mu.RUnlock()
}

// PublishAll notifies every subscriber of every collection. Used when a
// write is known to have happened but not where.
func (f *changeFeed) PublishAll() {
	f.mu.RLock()
	for collection, subs := range f.subscribers {
		for _, ch := range subs {
			select {
			case ch <- Change{Collection: collection}:
			default:
			}
		}
	}
	f.mu.RUnlock()
}

// Unsubscribe removes a subscription and closes its channel.
func (f *changeFeed) Unsubscribe(collection, subID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	subs, ok := f.subscribers[collection]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(f.subscribers, collection)
	}

	f.logger.Debug("subscriber removed", "collection", collection, "sub_id", subID)
}

// Close closes every subscriber channel. Later subscriptions receive a
// closed channel.
func (f *changeFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for collection, subs := range f.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(f.subscribers, collection)
	}
	f.closed = true
}
