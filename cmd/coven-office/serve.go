// ABOUTME: The serve command: follows agent presence and runs one auto-failer per agent
// ABOUTME: Logs status transitions, including agents going stale without a final write

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-office/internal/presence"
)

func runServe(ctx context.Context) error {
	printBanner()

	o, err := openOffice(false)
	if err != nil {
		return err
	}
	defer func() {
		if err := o.Close(); err != nil {
			o.logger.Error("error closing store", "error", err)
		}
	}()

	green := color.New(color.FgGreen)
	green.Printf("    ▶ Database:   %s (%s)\n", o.cfg.Database.Path, o.cfg.Database.Driver)
	green.Printf("    ▶ Stale after: %s\n", o.cfg.Presence.StaleThreshold)
	green.Printf("    ▶ Auto-fail:  %s (checked every %s)\n", o.cfg.Channel.AutoFailAfter, o.cfg.Channel.CheckInterval)
	fmt.Println()

	updates, err := o.presence.Listen(ctx)
	if err != nil {
		return fmt.Errorf("listening to presence: %w", err)
	}

	sup := newSupervisor(o, o.logger.With("component", "supervisor"))
	sup.run(ctx, updates)

	o.logger.Info("shutting down, waiting for auto-failers")
	sup.wait()
	o.logger.Info("office stopped")
	return nil
}

// supervisor starts an auto-failer for every agent it sees and remembers
// the last effective status of each so it can report transitions.
type supervisor struct {
	office *office
	logger *slog.Logger
	wg     sync.WaitGroup

	mu       sync.Mutex
	started  map[string]bool
	statuses map[string]presence.Status
	latest   []presence.AgentPresence
}

func newSupervisor(o *office, logger *slog.Logger) *supervisor {
	return &supervisor{
		office:   o,
		logger:   logger,
		started:  make(map[string]bool),
		statuses: make(map[string]presence.Status),
	}
}

// run consumes presence snapshots until ctx is cancelled or the feed closes.
// Staleness is re-evaluated on every check interval because an agent that
// dies never writes again.
func (s *supervisor) run(ctx context.Context, updates <-chan []presence.AgentPresence) {
	ticker := time.NewTicker(s.office.cfg.Channel.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case agents, ok := <-updates:
			if !ok {
				return
			}
			s.observe(ctx, agents)
		case <-ticker.C:
			s.mu.Lock()
			agents := s.latest
			s.mu.Unlock()
			s.observe(ctx, agents)
		}
	}
}

func (s *supervisor) observe(ctx context.Context, agents []presence.AgentPresence) {
	now := s.office.store.Now()
	threshold := s.office.presence.StaleThreshold()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = agents

	for i := range agents {
		a := &agents[i]

		status := a.EffectiveStatus(now, threshold)
		if prev, seen := s.statuses[a.ID]; !seen || prev != status {
			s.logTransition(a, prev, status)
			s.statuses[a.ID] = status
		}

		if !s.started[a.ID] {
			s.started[a.ID] = true
			s.startAutoFailer(ctx, a.ID)
		}
	}
}

func (s *supervisor) logTransition(a *presence.AgentPresence, from, to presence.Status) {
	attrs := []any{"agent_id", a.ID, "name", a.DisplayName, "status", to}
	if from != "" {
		attrs = append(attrs, "was", from)
	}
	if to == presence.StatusWorking && a.CurrentTask != "" {
		attrs = append(attrs, "task", a.CurrentTask, "progress", a.TaskProgress)
	}
	if to == presence.StatusOffline {
		s.logger.Warn("agent offline", attrs...)
		return
	}
	s.logger.Info("agent status", attrs...)
}

func (s *supervisor) startAutoFailer(ctx context.Context, agentID string) {
	failer := s.office.autoFailer(agentID)
	s.logger.Debug("starting auto-failer", "agent_id", agentID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := failer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("auto-failer stopped", "agent_id", agentID, "error", err)
		}
	}()
}

func (s *supervisor) wait() {
	s.wg.Wait()
}
