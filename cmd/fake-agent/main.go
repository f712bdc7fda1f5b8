// ABOUTME: Minimal fake agent for E2E testing: heartbeats presence, works through messages as checklists
// ABOUTME: Usage: fake-agent [-id e2e-echo-agent] [-name "Echo Agent"] [-config office.yaml] [-proactive 0]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/2389/coven-office/internal/channel"
	"github.com/2389/coven-office/internal/config"
	"github.com/2389/coven-office/internal/docstore"
	"github.com/2389/coven-office/internal/presence"
)

func main() {
	name := flag.String("name", "Echo Agent", "Agent display name")
	agentID := flag.String("id", "e2e-echo-agent", "Agent ID")
	emoji := flag.String("emoji", "🦉", "Agent emoji")
	configPath := flag.String("config", config.Path(), "config file")
	poll := flag.Duration("poll", time.Second, "how often to look for pending messages")
	stepDelay := flag.Duration("step-delay", 300*time.Millisecond, "simulated work per step")
	proactive := flag.Duration("proactive", 0, "send a proactive status message this often (0 disables)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("agent_id", *agentID)

	a := &agent{
		id:        *agentID,
		name:      *name,
		emoji:     *emoji,
		poll:      *poll,
		stepDelay: *stepDelay,
		proactive: *proactive,
		logger:    logger,
	}
	if err := a.run(*configPath); err != nil {
		logger.Error("fake agent failed", "error", err)
		os.Exit(1)
	}
}

type agent struct {
	id, name, emoji string
	poll            time.Duration
	stepDelay       time.Duration
	proactive       time.Duration
	logger          *slog.Logger

	presence *presence.Repository
	channel  *channel.Channel
}

func (a *agent) run(configPath string) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	store, err := docstore.Open(cfg.Database.Driver, cfg.Database.Path,
		docstore.WithLogger(a.logger),
		docstore.WithPollInterval(cfg.Database.PollInterval),
	)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer store.Close()

	a.presence = presence.NewRepository(store, a.logger,
		presence.WithStaleThreshold(cfg.Presence.StaleThreshold))
	a.channel = channel.NewChannel(store, a.logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	session := store.Now()
	if err := a.presence.UpdateAgentPresence(ctx, a.id, presence.Update{
		DisplayName:      a.name,
		Emoji:            a.emoji,
		Status:           presence.StatusIdle,
		Notes:            "Ready",
		SessionStartedAt: &session,
	}); err != nil {
		return fmt.Errorf("announcing presence: %w", err)
	}
	a.logger.Info("agent online", "name", a.name)

	defer func() {
		// ctx is already cancelled here
		offCtx, offCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer offCancel()
		if err := a.presence.SetOffline(offCtx, a.id); err != nil {
			a.logger.Warn("failed to mark offline", "error", err)
		}
	}()

	heartbeat := time.NewTicker(cfg.Presence.HeartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(a.poll)
	defer poll.Stop()

	var proactiveC <-chan time.Time
	if a.proactive > 0 {
		t := time.NewTicker(a.proactive)
		defer t.Stop()
		proactiveC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if err := a.presence.Heartbeat(ctx, a.id); err != nil && ctx.Err() == nil {
				a.logger.Warn("heartbeat failed", "error", err)
			}
		case <-poll.C:
			if err := a.drain(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warn("processing messages failed", "error", err)
			}
		case <-proactiveC:
			if _, err := a.channel.Send(ctx, a.id, channel.AdminSender, channel.TypeAuto,
				fmt.Sprintf("%s checking in at %s", a.name, time.Now().Format(time.TimeOnly)),
				map[string]any{"kind": "status"}); err != nil && ctx.Err() == nil {
				a.logger.Warn("proactive message failed", "error", err)
			}
		}
	}
}

// drain claims and answers every pending message addressed to the agent.
func (a *agent) drain(ctx context.Context) error {
	pending, err := a.channel.Pending(ctx, a.id)
	if err != nil {
		return err
	}

	for _, m := range pending {
		msg, err := a.channel.Claim(ctx, m.ID)
		if errors.Is(err, channel.ErrNotPending) {
			continue // someone else got it, or it was auto-failed
		}
		if err != nil {
			return err
		}

		a.logger.Info("received message", "message_id", msg.ID, "type", msg.Type, "content", msg.Content)
		reply, status := a.work(ctx, msg)
		if err := a.channel.Respond(ctx, msg.ID, reply, status); err != nil {
			return err
		}
	}
	return nil
}

// work runs msg through a three step checklist and archives the result.
func (a *agent) work(ctx context.Context, msg channel.Message) (string, channel.Status) {
	p, err := a.presence.Get(ctx, a.id)
	if err == nil && p.ManifestoEnabled {
		if err := a.presence.RecordManifestoInjection(ctx, a.id); err != nil {
			a.logger.Warn("recording manifesto injection failed", "error", err)
		}
	}

	taskName := summarize(msg.Content)
	steps := []string{"Read the message", "Draft a reply", "Check the reply"}
	if err := a.presence.StartTask(ctx, a.id, taskName, msg.ID, steps); err != nil {
		return err.Error(), channel.StatusFailed
	}

	reply := echoReply(msg.Content)
	outputs := []string{
		fmt.Sprintf("%d characters of %s", len(msg.Content), msg.Type),
		reply,
		"Looks right",
	}

	taskStatus := presence.StepCompleted
	failure := "I was asked to fail, so I did."
	for i := range steps {
		if err := a.presence.UpdateCurrentStepReasoning(ctx, a.id, i, fmt.Sprintf("Working on %q", steps[i])); err != nil {
			a.logger.Warn("updating step reasoning failed", "step", i, "error", err)
		}
		time.Sleep(a.stepDelay)

		if strings.Contains(strings.ToLower(msg.Content), "fail") && i == 1 {
			if err := a.presence.FailStep(ctx, a.id, i, "asked to fail"); err != nil {
				a.logger.Warn("failing step failed", "error", err)
			}
			taskStatus = presence.StepFailed
			break
		}

		var opts []presence.StepOption
		if i == 2 && msg.Type == channel.TypeEmail {
			opts = append(opts, presence.WithIssues(), presence.WithVerificationFlag("email not actually sent"))
			taskStatus = presence.StepCompletedWithIssues
		}
		if err := a.completeStep(ctx, i, outputs[i], opts...); err != nil {
			taskStatus = presence.StepFailed
			failure = err.Error()
			break
		}
	}

	a.archive(ctx, taskName, msg.ID, taskStatus)

	if err := a.presence.SetIdle(ctx, a.id, "Last: "+taskName); err != nil {
		a.logger.Warn("setting idle failed", "error", err)
	}

	if taskStatus == presence.StepFailed {
		return failure, channel.StatusFailed
	}
	return reply, channel.StatusCompleted
}

// completeStep finishes step i. If that fails the step is failed with the
// error so the checklist does not stay in progress.
func (a *agent) completeStep(ctx context.Context, i int, output string, opts ...presence.StepOption) error {
	_, err := a.presence.CompleteStep(ctx, a.id, i, output, opts...)
	if err == nil {
		return nil
	}
	a.logger.Warn("completing step failed", "step", i, "error", err)
	if ferr := a.presence.FailStep(ctx, a.id, i, err.Error()); ferr != nil {
		a.logger.Warn("failing step failed", "step", i, "error", ferr)
	}
	return err
}

func (a *agent) archive(ctx context.Context, taskName, taskID string, status presence.StepStatus) {
	p, err := a.presence.Get(ctx, a.id)
	if err != nil {
		a.logger.Warn("reading presence for archive failed", "error", err)
		return
	}
	startedAt := time.Now()
	if p.TaskStartedAt != nil {
		startedAt = *p.TaskStartedAt
	}
	if _, err := a.presence.SaveTaskHistory(ctx, a.id, taskName, taskID, p.ExecutionSteps, status, startedAt); err != nil {
		a.logger.Warn("archiving task failed", "error", err)
	}
}

func summarize(content string) string {
	runes := []rune(strings.TrimSpace(content))
	if len(runes) > 40 {
		return string(runes[:40]) + "…"
	}
	return string(runes)
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	return fmt.Sprintf("Echo: **%s**\n\nI received your message and am responding with some *formatted* text.", input)
}
