// ABOUTME: Execution step tracker: the per-task checklist state machine
// ABOUTME: Pure transitions over thought steps, progress and task completion

package presence

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrStepOutOfRange is returned when a step index does not address a step
	ErrStepOutOfRange = errors.New("step index out of range")

	// ErrStepTerminal is returned when a finished step is transitioned again
	ErrStepTerminal = errors.New("step already finished")
)

// NewSteps builds a fresh checklist from step descriptions. The first step
// starts in progress at now; the rest are pending.
func NewSteps(descriptions []string, now time.Time) []ThoughtStep {
	steps := make([]ThoughtStep, len(descriptions))
	for i, d := range descriptions {
		steps[i] = ThoughtStep{
			ID:          fmt.Sprintf("step-%d", i),
			Description: d,
			Status:      StepPending,
		}
	}
	if len(steps) > 0 {
		started := now
		steps[0].Status = StepInProgress
		steps[0].StartedAt = &started
	}
	return steps
}

// CompletedCount counts steps whose status is exactly completed.
func CompletedCount(steps []ThoughtStep) int {
	n := 0
	for _, s := range steps {
		if s.Status == StepCompleted {
			n++
		}
	}
	return n
}

// Progress is the rounded percentage of completed steps. An empty checklist
// has no progress.
func Progress(steps []ThoughtStep) int {
	if len(steps) == 0 {
		return 0
	}
	return int(math.Round(float64(CompletedCount(steps)) / float64(len(steps)) * 100))
}

// Checklist is the step list of one task together with its active index.
type Checklist struct {
	Steps   []ThoughtStep
	Current int
}

// Valid reports whether Current is NoActiveStep or addresses a step.
func (c Checklist) Valid() bool {
	return c.Current == NoActiveStep || (c.Current >= 0 && c.Current < len(c.Steps))
}

// Outcome is the task-level state after a step transition.
type Outcome struct {
	Steps            []ThoughtStep
	CurrentStepIndex int
	Progress         int
	Status           Status
	AllDone          bool
}

// StepOption adjusts how a step is completed.
type StepOption func(*stepResult)

type stepResult struct {
	status        StepStatus
	flag          string
	nextReasoning string
}

// WithIssues marks the step completed-with-issues instead of completed.
// Such a step does not count towards progress.
func WithIssues() StepOption {
	return func(r *stepResult) {
		r.status = StepCompletedWithIssues
	}
}

// WithVerificationFlag records a detected problem with the step output.
func WithVerificationFlag(flag string) StepOption {
	return func(r *stepResult) {
		r.flag = flag
	}
}

// WithNextReasoning sets the reasoning of the step that starts next.
func WithNextReasoning(reasoning string) StepOption {
	return func(r *stepResult) {
		r.nextReasoning = reasoning
	}
}

func (c Checklist) step(idx int) ([]ThoughtStep, *ThoughtStep, error) {
	if idx < 0 || idx >= len(c.Steps) {
		return nil, nil, fmt.Errorf("%w: %d of %d", ErrStepOutOfRange, idx, len(c.Steps))
	}
	steps := make([]ThoughtStep, len(c.Steps))
	copy(steps, c.Steps)
	return steps, &steps[idx], nil
}

// Complete finishes step idx and starts the step after it.
//
// The task is all done only when every step is exactly completed. When the
// last step finishes while an earlier step did not complete cleanly, no step
// remains active and the agent returns to idle without being all done.
func (c Checklist) Complete(idx int, output string, now time.Time, opts ...StepOption) (Outcome, error) {
	steps, step, err := c.step(idx)
	if err != nil {
		return Outcome{}, err
	}
	if step.Status.Terminal() {
		return Outcome{}, fmt.Errorf("%w: step %d is %s", ErrStepTerminal, idx, step.Status)
	}

	res := stepResult{status: StepCompleted}
	for _, opt := range opts {
		opt(&res)
	}

	completedAt := now
	step.Status = res.status
	step.CompletedAt = &completedAt
	if output != "" {
		step.Output = output
	}
	if res.flag != "" {
		step.VerificationFlag = res.flag
	}
	if step.StartedAt != nil {
		step.DurationMs = now.Sub(*step.StartedAt).Milliseconds()
	}

	next := idx + 1
	if next < len(steps) && !steps[next].Status.Terminal() {
		startedAt := now
		steps[next].Status = StepInProgress
		steps[next].StartedAt = &startedAt
		if res.nextReasoning != "" {
			steps[next].Reasoning = res.nextReasoning
		}
	}

	out := Outcome{Steps: steps, Progress: Progress(steps)}
	switch {
	case CompletedCount(steps) == len(steps):
		out.AllDone = true
		out.CurrentStepIndex = NoActiveStep
		out.Status = StatusIdle
	case next < len(steps):
		out.CurrentStepIndex = next
		out.Status = StatusWorking
	default:
		out.CurrentStepIndex = NoActiveStep
		out.Status = StatusIdle
	}
	return out, nil
}

// Fail marks step idx failed with reason as its output. The task is
// abandoned: no later step starts, the active index is left as it was, and
// accrued progress is kept.
func (c Checklist) Fail(idx int, reason string, now time.Time) (Outcome, error) {
	steps, step, err := c.step(idx)
	if err != nil {
		return Outcome{}, err
	}
	if step.Status.Terminal() {
		return Outcome{}, fmt.Errorf("%w: step %d is %s", ErrStepTerminal, idx, step.Status)
	}

	completedAt := now
	step.Status = StepFailed
	step.CompletedAt = &completedAt
	step.Output = reason

	current := c.Current
	if !c.Valid() {
		current = NoActiveStep
	}
	return Outcome{
		Steps:            steps,
		CurrentStepIndex: current,
		Progress:         Progress(steps),
		Status:           StatusIdle,
	}, nil
}

// SetReasoning replaces the reasoning of step idx, leaving its status and
// timestamps untouched.
func (c Checklist) SetReasoning(idx int, reasoning string) ([]ThoughtStep, error) {
	steps, step, err := c.step(idx)
	if err != nil {
		return nil, err
	}
	step.Reasoning = reasoning
	return steps, nil
}
