// ABOUTME: Detects commits made to the database file by other processes
// ABOUTME: Polls PRAGMA data_version and wakes every watcher when it moves

package docstore

import (
	"context"
	"fmt"
	"time"
)

// DefaultPollInterval is how often a store looks for commits from other
// processes sharing its database file.
const DefaultPollInterval = 250 * time.Millisecond

// startPolling reads the baseline data_version and starts the poller. The
// value only moves when another connection commits, so the store's own
// writes never wake it.
func (s *SQLiteStore) startPolling() error {
	ctx, cancel := context.WithCancel(context.Background())

	version, err := s.dataVersion(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("reading data version: %w", err)
	}

	s.stopPoll = cancel
	s.pollDone = make(chan struct{})
	go s.poll(ctx, version)
	return nil
}

func (s *SQLiteStore) poll(ctx context.Context, version int64) {
	defer close(s.pollDone)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		v, err := s.dataVersion(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("reading data version failed", "error", err)
			continue
		}
		if v == version {
			continue
		}
		version = v

		s.logger.Debug("external commit detected", "data_version", v)
		s.feed.PublishAll()
	}
}

func (s *SQLiteStore) dataVersion(ctx context.Context) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}
