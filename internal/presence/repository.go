// ABOUTME: Presence repository: the agent-facing API for status, steps and task history
// ABOUTME: Read-modify-write operations run inside store transactions

package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-office/internal/docstore"
)

// ErrNotFound is returned when an agent has no presence document
var ErrNotFound = docstore.ErrNotFound

// ErrInvalidHistoryStatus is returned when archiving a task that has not finished
var ErrInvalidHistoryStatus = errors.New("task history status must be terminal")

// Repository owns the agent-presence collection and its task-history
// subcollections.
type Repository struct {
	store          docstore.Store
	logger         *slog.Logger
	staleThreshold time.Duration
	clock          func() time.Time
}

// Option configures a Repository.
type Option func(*Repository)

// WithStaleThreshold sets how old lastUpdate may get before an agent is
// treated as offline.
func WithStaleThreshold(d time.Duration) Option {
	return func(r *Repository) {
		if d > 0 {
			r.staleThreshold = d
		}
	}
}

// WithClock sets the wall clock used for staleness judgments.
func WithClock(clock func() time.Time) Option {
	return func(r *Repository) {
		r.clock = clock
	}
}

// NewRepository creates a presence repository backed by store.
func NewRepository(store docstore.Store, logger *slog.Logger, opts ...Option) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Repository{
		store:          store,
		logger:         logger.With("component", "presence"),
		staleThreshold: DefaultStaleThreshold,
		clock:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StaleThreshold returns the configured staleness window.
func (r *Repository) StaleThreshold() time.Duration {
	return r.staleThreshold
}

// Update is a presence snapshot written by UpdateAgentPresence. Zero values
// are replaced by the presence defaults.
type Update struct {
	DisplayName      string
	Emoji            string
	Status           Status
	CurrentTask      string
	CurrentTaskID    string
	Notes            string
	ExecutionSteps   []ThoughtStep
	CurrentStepIndex *int // nil means NoActiveStep
	TaskProgress     int
	TaskStartedAt    *time.Time
	SessionStartedAt *time.Time
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// UpdateAgentPresence merges a full presence snapshot with defaults applied.
func (r *Repository) UpdateAgentPresence(ctx context.Context, agentID string, u Update) error {
	status := u.Status
	if !validStatus(status) {
		status = StatusIdle
	}

	idx := NoActiveStep
	if u.CurrentStepIndex != nil {
		idx = *u.CurrentStepIndex
	}
	if !(Checklist{Steps: u.ExecutionSteps, Current: idx}).Valid() {
		r.logger.Warn("step index out of range, clearing",
			"agent_id", agentID,
			"index", idx,
			"steps", len(u.ExecutionSteps))
		idx = NoActiveStep
	}

	fields := docstore.Fields{
		fieldDisplayName:      orDefault(u.DisplayName, DefaultDisplayName),
		fieldEmoji:            orDefault(u.Emoji, DefaultEmoji),
		fieldStatus:           string(status),
		fieldCurrentTask:      u.CurrentTask,
		fieldCurrentTaskID:    u.CurrentTaskID,
		fieldNotes:            u.Notes,
		fieldExecutionSteps:   encodeSteps(u.ExecutionSteps),
		fieldCurrentStepIndex: idx,
		fieldTaskProgress:     min(max(u.TaskProgress, 0), 100),
		fieldLastUpdate:       docstore.ServerTimestamp,
	}
	if u.TaskStartedAt != nil {
		fields[fieldTaskStartedAt] = *u.TaskStartedAt
	}
	if u.SessionStartedAt != nil {
		fields[fieldSessionStartedAt] = *u.SessionStartedAt
	}

	if err := r.store.Merge(ctx, Collection, agentID, fields); err != nil {
		return fmt.Errorf("updating presence: %w", err)
	}
	r.logger.Debug("presence updated", "agent_id", agentID, "status", status)
	return nil
}

// Heartbeat refreshes lastUpdate without touching task state.
func (r *Repository) Heartbeat(ctx context.Context, agentID string) error {
	if err := r.store.Merge(ctx, Collection, agentID, docstore.Fields{
		fieldLastUpdate: docstore.ServerTimestamp,
	}); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// StartTask replaces the agent's checklist with a fresh one built from
// descriptions and marks the agent working on the first step.
func (r *Repository) StartTask(ctx context.Context, agentID, taskName, taskID string, descriptions []string) error {
	now := r.store.Now()
	steps := NewSteps(descriptions, now)

	idx := 0
	if len(steps) == 0 {
		idx = NoActiveStep
	}

	if err := r.store.Merge(ctx, Collection, agentID, docstore.Fields{
		fieldStatus:           string(StatusWorking),
		fieldCurrentTask:      taskName,
		fieldCurrentTaskID:    taskID,
		fieldExecutionSteps:   encodeSteps(steps),
		fieldCurrentStepIndex: idx,
		fieldTaskProgress:     0,
		fieldTaskStartedAt:    now,
		fieldLastUpdate:       docstore.ServerTimestamp,
	}); err != nil {
		return fmt.Errorf("starting task: %w", err)
	}

	r.logger.Info("task started",
		"agent_id", agentID,
		"task", taskName,
		"task_id", taskID,
		"steps", len(steps))
	return nil
}

// transact runs fn against the agent's current presence inside a store
// transaction.
func (r *Repository) transact(ctx context.Context, agentID string, fn func(p AgentPresence, now time.Time) (docstore.Fields, error)) error {
	err := r.store.Transact(ctx, Collection, agentID, func(doc *docstore.Document) (docstore.Fields, error) {
		return fn(ParsePresence(doc), r.store.Now())
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return err
}

// CompleteStep finishes step stepIndex with output, starts the next step and
// recomputes progress. When every step is completed the agent returns to
// idle with no active step.
// Returns ErrNotFound if the agent has no presence document.
func (r *Repository) CompleteStep(ctx context.Context, agentID string, stepIndex int, output string, opts ...StepOption) (Outcome, error) {
	var out Outcome
	err := r.transact(ctx, agentID, func(p AgentPresence, now time.Time) (docstore.Fields, error) {
		o, err := Checklist{Steps: p.ExecutionSteps, Current: p.CurrentStepIndex}.Complete(stepIndex, output, now, opts...)
		if err != nil {
			return nil, err
		}
		out = o

		fields := docstore.Fields{
			fieldExecutionSteps:   encodeSteps(o.Steps),
			fieldCurrentStepIndex: o.CurrentStepIndex,
			fieldTaskProgress:     o.Progress,
			fieldStatus:           string(o.Status),
			fieldLastUpdate:       docstore.ServerTimestamp,
		}
		if o.AllDone {
			fields[fieldNotes] = fmt.Sprintf("Completed all %d steps of %q", len(o.Steps), p.CurrentTask)
		}
		return fields, nil
	})
	if err != nil {
		return Outcome{}, err
	}

	r.logger.Debug("step completed",
		"agent_id", agentID,
		"step", stepIndex,
		"progress", out.Progress,
		"all_done", out.AllDone)
	return out, nil
}

// FailStep marks step stepIndex failed with reason and abandons the task:
// the agent returns to idle and no later step starts.
// Returns ErrNotFound if the agent has no presence document.
func (r *Repository) FailStep(ctx context.Context, agentID string, stepIndex int, reason string) error {
	err := r.transact(ctx, agentID, func(p AgentPresence, now time.Time) (docstore.Fields, error) {
		o, err := Checklist{Steps: p.ExecutionSteps, Current: p.CurrentStepIndex}.Fail(stepIndex, reason, now)
		if err != nil {
			return nil, err
		}
		return docstore.Fields{
			fieldExecutionSteps:   encodeSteps(o.Steps),
			fieldCurrentStepIndex: o.CurrentStepIndex,
			fieldTaskProgress:     o.Progress,
			fieldStatus:           string(o.Status),
			fieldNotes:            fmt.Sprintf("Failed at step %d: %s", stepIndex+1, reason),
			fieldLastUpdate:       docstore.ServerTimestamp,
		}, nil
	})
	if err != nil {
		return err
	}

	r.logger.Info("step failed", "agent_id", agentID, "step", stepIndex, "reason", reason)
	return nil
}

// UpdateCurrentStepReasoning replaces the reasoning text of one step. Used
// to stream an agent's thinking while the step is in progress.
// Returns ErrNotFound if the agent has no presence document.
func (r *Repository) UpdateCurrentStepReasoning(ctx context.Context, agentID string, stepIndex int, reasoning string) error {
	return r.transact(ctx, agentID, func(p AgentPresence, _ time.Time) (docstore.Fields, error) {
		steps, err := Checklist{Steps: p.ExecutionSteps, Current: p.CurrentStepIndex}.SetReasoning(stepIndex, reasoning)
		if err != nil {
			return nil, err
		}
		return docstore.Fields{
			fieldExecutionSteps: encodeSteps(steps),
			fieldLastUpdate:     docstore.ServerTimestamp,
		}, nil
	})
}

// SetIdle clears all task context and marks the agent idle.
func (r *Repository) SetIdle(ctx context.Context, agentID, notes string) error {
	if err := r.store.Merge(ctx, Collection, agentID, docstore.Fields{
		fieldStatus:           string(StatusIdle),
		fieldCurrentTask:      "",
		fieldCurrentTaskID:    "",
		fieldExecutionSteps:   encodeSteps(nil),
		fieldCurrentStepIndex: NoActiveStep,
		fieldTaskProgress:     0,
		fieldNotes:            notes,
		fieldLastUpdate:       docstore.ServerTimestamp,
	}); err != nil {
		return fmt.Errorf("setting idle: %w", err)
	}
	r.logger.Debug("agent idle", "agent_id", agentID)
	return nil
}

// SetOffline marks the agent offline and clears its checklist. The task
// name fields are kept as last known context.
func (r *Repository) SetOffline(ctx context.Context, agentID string) error {
	if err := r.store.Merge(ctx, Collection, agentID, docstore.Fields{
		fieldStatus:           string(StatusOffline),
		fieldExecutionSteps:   encodeSteps(nil),
		fieldCurrentStepIndex: NoActiveStep,
		fieldLastUpdate:       docstore.ServerTimestamp,
	}); err != nil {
		return fmt.Errorf("setting offline: %w", err)
	}
	r.logger.Info("agent offline", "agent_id", agentID)
	return nil
}

// ToggleManifesto sets the manifestoEnabled flag and nothing else.
// Returns ErrNotFound if the agent has no presence document.
func (r *Repository) ToggleManifesto(ctx context.Context, agentID string, enabled bool) error {
	err := r.store.Update(ctx, Collection, agentID, docstore.Fields{
		fieldManifestoEnabled: enabled,
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("toggling manifesto: %w", err)
	}
	r.logger.Info("manifesto toggled", "agent_id", agentID, "enabled", enabled)
	return nil
}

// RecordManifestoInjection counts one self-correction injection.
// Returns ErrNotFound if the agent has no presence document.
func (r *Repository) RecordManifestoInjection(ctx context.Context, agentID string) error {
	return r.transact(ctx, agentID, func(p AgentPresence, _ time.Time) (docstore.Fields, error) {
		return docstore.Fields{
			fieldManifestoInjections:    p.ManifestoInjections + 1,
			fieldLastManifestoInjection: docstore.ServerTimestamp,
		}, nil
	})
}

// Get returns the parsed presence of one agent.
// Returns ErrNotFound if the agent has no presence document.
func (r *Repository) Get(ctx context.Context, agentID string) (AgentPresence, error) {
	doc, err := r.store.Get(ctx, Collection, agentID)
	if errors.Is(err, docstore.ErrNotFound) {
		return AgentPresence{}, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return AgentPresence{}, fmt.Errorf("getting presence: %w", err)
	}
	return ParsePresence(doc), nil
}

// List returns every agent's presence ordered by id.
func (r *Repository) List(ctx context.Context) ([]AgentPresence, error) {
	docs, err := r.store.Query(ctx, docstore.Collection(Collection))
	if err != nil {
		return nil, fmt.Errorf("listing presence: %w", err)
	}
	return parseAll(docs), nil
}

func parseAll(docs []*docstore.Document) []AgentPresence {
	out := make([]AgentPresence, 0, len(docs))
	for _, d := range docs {
		out = append(out, ParsePresence(d))
	}
	return out
}

// IsOnline reports whether the agent can be expected to answer: it has a
// presence document, is not marked offline and is not stale.
func (r *Repository) IsOnline(ctx context.Context, agentID string) (bool, error) {
	p, err := r.Get(ctx, agentID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.EffectiveStatus(r.clock(), r.staleThreshold) != StatusOffline, nil
}

// Listen delivers the complete presence list immediately and after every
// change. The channel is closed when ctx is cancelled.
func (r *Repository) Listen(ctx context.Context) (<-chan []AgentPresence, error) {
	snaps, err := r.store.Watch(ctx, docstore.Collection(Collection))
	if err != nil {
		return nil, fmt.Errorf("watching presence: %w", err)
	}

	out := make(chan []AgentPresence, 1)
	go func() {
		defer close(out)
		for snap := range snaps {
			select {
			case out <- parseAll(snap.Docs):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// SaveTaskHistory archives a finished task. completedAt is the current
// server time.
func (r *Repository) SaveTaskHistory(ctx context.Context, agentID, taskName, taskID string, steps []ThoughtStep, status StepStatus, startedAt time.Time) (*TaskHistoryEntry, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHistoryStatus, status)
	}

	completedAt := r.store.Now()
	entry := &TaskHistoryEntry{
		AgentID:            agentID,
		TaskName:           taskName,
		TaskID:             taskID,
		Status:             status,
		Steps:              append([]ThoughtStep(nil), steps...),
		StartedAt:          startedAt.UTC(),
		CompletedAt:        completedAt,
		TotalDurationMs:    completedAt.Sub(startedAt).Milliseconds(),
		StepCount:          len(steps),
		CompletedStepCount: CompletedCount(steps),
	}

	id, err := r.store.Add(ctx, HistoryCollection(agentID), docstore.Fields{
		"taskName":           entry.TaskName,
		"taskId":             entry.TaskID,
		"status":             string(entry.Status),
		"steps":              encodeSteps(entry.Steps),
		"startedAt":          entry.StartedAt,
		"completedAt":        entry.CompletedAt,
		"totalDurationMs":    entry.TotalDurationMs,
		"stepCount":          entry.StepCount,
		"completedStepCount": entry.CompletedStepCount,
	})
	if err != nil {
		return nil, fmt.Errorf("saving task history: %w", err)
	}
	entry.ID = id

	r.logger.Info("task archived",
		"agent_id", agentID,
		"task", taskName,
		"status", status,
		"duration_ms", entry.TotalDurationMs)
	return entry, nil
}

// FetchTaskHistory returns the most recent count entries, newest first.
// A count of zero or less uses DefaultHistoryCount.
func (r *Repository) FetchTaskHistory(ctx context.Context, agentID string, count int) ([]TaskHistoryEntry, error) {
	if count <= 0 {
		count = DefaultHistoryCount
	}

	docs, err := r.store.Query(ctx, docstore.Collection(HistoryCollection(agentID)).
		OrderBy("completedAt", true).
		Limit(count))
	if err != nil {
		return nil, fmt.Errorf("fetching task history: %w", err)
	}

	entries := make([]TaskHistoryEntry, 0, len(docs))
	for _, d := range docs {
		entries = append(entries, parseHistoryEntry(d, agentID))
	}
	return entries, nil
}
