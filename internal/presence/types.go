// ABOUTME: Presence data types: agent status, thought steps and task history entries
// ABOUTME: Also holds the collection names and defaults shared by every read and write path

package presence

import (
	"time"
)

// Collection names
const (
	Collection        = "agent-presence"
	historySubcollect = "task-history"
)

// HistoryCollection returns the task-history subcollection path of an agent.
func HistoryCollection(agentID string) string {
	return Collection + "/" + agentID + "/" + historySubcollect
}

// Defaults applied when a field is absent
const (
	DefaultDisplayName  = "Unknown Agent"
	DefaultEmoji        = "🤖"
	DefaultHistoryCount = 10

	// DefaultStaleThreshold is how long after its last update an agent is
	// considered offline regardless of its stored status.
	DefaultStaleThreshold = 120 * time.Second
)

// NoActiveStep is the currentStepIndex value when no step is active.
const NoActiveStep = -1

// Status is the coarse state of an agent
type Status string

const (
	StatusOffline Status = "offline"
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
)

// StepStatus is the lifecycle state of a thought step
type StepStatus string

const (
	StepPending             StepStatus = "pending"
	StepInProgress          StepStatus = "in-progress"
	StepCompleted           StepStatus = "completed"
	StepCompletedWithIssues StepStatus = "completed-with-issues"
	StepFailed              StepStatus = "failed"
)

// Terminal reports whether the step can no longer transition.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepCompletedWithIssues || s == StepFailed
}

func validStepStatus(s StepStatus) bool {
	switch s {
	case StepPending, StepInProgress, StepCompleted, StepCompletedWithIssues, StepFailed:
		return true
	}
	return false
}

func validStatus(s Status) bool {
	return s == StatusOffline || s == StatusIdle || s == StatusWorking
}

// ThoughtStep is one unit of an agent's execution checklist
type ThoughtStep struct {
	ID               string
	Description      string
	Status           StepStatus
	StartedAt        *time.Time
	CompletedAt      *time.Time
	Reasoning        string
	Output           string
	DurationMs       int64
	VerificationFlag string
}

// AgentPresence is the live status record of one agent
type AgentPresence struct {
	ID          string
	DisplayName string
	Emoji       string
	Status      Status

	CurrentTask   string
	CurrentTaskID string
	Notes         string

	ExecutionSteps   []ThoughtStep
	CurrentStepIndex int
	TaskProgress     int

	TaskStartedAt    *time.Time
	SessionStartedAt *time.Time
	LastUpdate       *time.Time

	ManifestoEnabled       bool
	ManifestoInjections    int
	LastManifestoInjection *time.Time
}

// IsStale reports whether the agent has not written within threshold of now.
// An agent that never wrote is stale.
func (p *AgentPresence) IsStale(now time.Time, threshold time.Duration) bool {
	if p.LastUpdate == nil {
		return true
	}
	return now.Sub(*p.LastUpdate) > threshold
}

// EffectiveStatus is the status readers should display: offline when stale,
// otherwise the stored status.
func (p *AgentPresence) EffectiveStatus(now time.Time, threshold time.Duration) Status {
	if p.IsStale(now, threshold) {
		return StatusOffline
	}
	return p.Status
}

// CurrentStep returns the active step, or nil when no step is active.
func (p *AgentPresence) CurrentStep() *ThoughtStep {
	if p.CurrentStepIndex < 0 || p.CurrentStepIndex >= len(p.ExecutionSteps) {
		return nil
	}
	return &p.ExecutionSteps[p.CurrentStepIndex]
}

// TaskHistoryEntry is the immutable record of one finished task
type TaskHistoryEntry struct {
	ID                 string
	AgentID            string
	TaskName           string
	TaskID             string
	Status             StepStatus
	Steps              []ThoughtStep
	StartedAt          time.Time
	CompletedAt        time.Time
	TotalDurationMs    int64
	StepCount          int
	CompletedStepCount int
}
