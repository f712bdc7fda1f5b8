// ABOUTME: Offline auto-fail policy for operator messages to unreachable agents
// ABOUTME: Periodically fails stale unanswered admin messages exactly once each

package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// OfflineResponse is the response written to messages failed on behalf of
// an offline agent.
const OfflineResponse = "Agent appears to be offline and did not pick up this message. Restart the agent and resend your message."

var errFeedClosed = errors.New("conversation feed closed")

// Liveness reports whether an agent is reachable.
type Liveness interface {
	IsOnline(ctx context.Context, agentID string) (bool, error)
}

// AutoFailer fails operator messages that an offline agent never answered.
// Each message is written at most once per AutoFailer, no matter how often
// the check runs.
type AutoFailer struct {
	ch       *Channel
	liveness Liveness
	agentID  string
	logger   *slog.Logger

	after    time.Duration
	interval time.Duration
	clock    func() time.Time

	mu     sync.Mutex
	failed map[string]struct{}
}

// AutoFailOption configures an AutoFailer.
type AutoFailOption func(*AutoFailer)

// WithFailAfter sets the minimum message age before it may be failed.
func WithFailAfter(d time.Duration) AutoFailOption {
	return func(a *AutoFailer) {
		if d > 0 {
			a.after = d
		}
	}
}

// WithCheckInterval sets how often Run re-checks the agent.
func WithCheckInterval(d time.Duration) AutoFailOption {
	return func(a *AutoFailer) {
		if d > 0 {
			a.interval = d
		}
	}
}

// WithFailClock sets the clock used to age messages.
func WithFailClock(clock func() time.Time) AutoFailOption {
	return func(a *AutoFailer) {
		a.clock = clock
	}
}

// NewAutoFailer creates the offline policy for messages sent to agentID.
func (c *Channel) NewAutoFailer(agentID string, liveness Liveness, opts ...AutoFailOption) *AutoFailer {
	a := &AutoFailer{
		ch:       c,
		liveness: liveness,
		agentID:  agentID,
		logger:   c.logger.With("agent_id", agentID),
		after:    DefaultAutoFailAfter,
		interval: DefaultCheckInterval,
		clock:    time.Now,
		failed:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Due returns the messages in msgs that qualify for auto-fail at now:
// operator messages to the agent that are still open, unanswered, stored
// and old enough, and that this AutoFailer has not failed yet.
func (a *AutoFailer) Due(msgs []Message, now time.Time) []Message {
	a.mu.Lock()
	defer a.mu.Unlock()

	var due []Message
	for _, m := range msgs {
		if m.To != a.agentID || m.From != AdminSender {
			continue
		}
		if !m.Status.Open() || m.Response != "" || m.Local || m.CreatedAt == nil {
			continue
		}
		if m.Age(now) < a.after {
			continue
		}
		if _, done := a.failed[m.ID]; done {
			continue
		}
		due = append(due, m)
	}
	return due
}

// Sweep fails every due message in msgs when the agent is offline and
// returns how many were written. An online agent is left alone, and a
// message answered since msgs was read keeps its answer.
func (a *AutoFailer) Sweep(ctx context.Context, msgs []Message) (int, error) {
	online, err := a.liveness.IsOnline(ctx, a.agentID)
	if err != nil {
		return 0, fmt.Errorf("checking liveness: %w", err)
	}
	if online {
		return 0, nil
	}

	var errs []error
	n := 0
	for _, m := range a.Due(msgs, a.clock()) {
		if !a.mark(m.ID) {
			continue
		}
		// m may be stale; the write only lands if the message is still open.
		wrote, err := a.ch.failIfOpen(ctx, m.ID, OfflineResponse)
		if err != nil {
			a.unmark(m.ID)
			errs = append(errs, err)
			continue
		}
		if !wrote {
			a.logger.Debug("message answered before auto-fail", "id", m.ID)
			continue
		}
		n++
		a.logger.Info("message auto-failed, agent offline", "id", m.ID, "age", m.Age(a.clock()).Round(time.Second))
	}
	return n, errors.Join(errs...)
}

// mark claims id in the ledger, reporting false if it was already claimed.
func (a *AutoFailer) mark(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.failed[id]; ok {
		return false
	}
	a.failed[id] = struct{}{}
	return true
}

func (a *AutoFailer) unmark(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.failed, id)
}

// Run observes the agent's conversation and sweeps the latest view every
// check interval until ctx is cancelled.
func (a *AutoFailer) Run(ctx context.Context) error {
	updates, err := a.ch.Observe(ctx, a.agentID)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.logger.Debug("auto-fail policy started", "after", a.after, "interval", a.interval)

	var latest []Message
	for {
		select {
		case <-ctx.Done():
			return nil
		case msgs, ok := <-updates:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errFeedClosed
			}
			latest = msgs
		case <-ticker.C:
			if _, err := a.Sweep(ctx, latest); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				a.logger.Warn("auto-fail sweep failed", "error", err)
			}
		}
	}
}
