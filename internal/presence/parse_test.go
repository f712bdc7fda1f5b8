// ABOUTME: Tests for presence document parsing and step encoding
// ABOUTME: Verifies defaults for missing fields and the step encode/parse round trip

package presence

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/2389/coven-office/internal/docstore"
)

func doc(id, body string) *docstore.Document {
	return &docstore.Document{Collection: Collection, ID: id, Data: []byte(body)}
}

func TestParsePresence_Defaults(t *testing.T) {
	p := ParsePresence(doc("nora", `{}`))

	assert.Equal(t, "nora", p.ID)
	assert.Equal(t, DefaultDisplayName, p.DisplayName)
	assert.Equal(t, DefaultEmoji, p.Emoji)
	assert.Equal(t, StatusIdle, p.Status)
	assert.NotNil(t, p.ExecutionSteps)
	assert.Empty(t, p.ExecutionSteps)
	assert.Equal(t, NoActiveStep, p.CurrentStepIndex)
	assert.Equal(t, 0, p.TaskProgress)
	assert.True(t, p.ManifestoEnabled)
	assert.Equal(t, 0, p.ManifestoInjections)
	assert.Nil(t, p.LastUpdate)
	assert.Nil(t, p.CurrentStep())
}

func TestParsePresence_Sanitizes(t *testing.T) {
	p := ParsePresence(doc("nora", `{
		"status": "dancing",
		"taskProgress": 140,
		"currentStepIndex": 3,
		"executionSteps": [{"description": "only"}],
		"manifestoEnabled": false
	}`))

	assert.Equal(t, StatusIdle, p.Status)
	assert.Equal(t, 100, p.TaskProgress)
	assert.Equal(t, NoActiveStep, p.CurrentStepIndex)
	assert.False(t, p.ManifestoEnabled)
	require.Len(t, p.ExecutionSteps, 1)
	assert.Equal(t, "step-0", p.ExecutionSteps[0].ID)
}

func TestParsePresence_Full(t *testing.T) {
	p := ParsePresence(doc("nora", `{
		"displayName": "Nora",
		"emoji": "🦊",
		"status": "working",
		"currentTask": "Deploy service",
		"currentTaskId": "t-1",
		"currentStepIndex": 1,
		"taskProgress": 50,
		"lastUpdate": "2026-05-01T09:00:00.000000000Z",
		"executionSteps": [
			{"id": "step-0", "description": "Build", "status": "completed", "durationMs": 1200},
			{"id": "step-1", "description": "Ship", "status": "in-progress", "reasoning": "pushing"}
		]
	}`))

	assert.Equal(t, "Nora", p.DisplayName)
	assert.Equal(t, "🦊", p.Emoji)
	assert.Equal(t, StatusWorking, p.Status)
	assert.Equal(t, "t-1", p.CurrentTaskID)
	require.NotNil(t, p.LastUpdate)
	assert.Equal(t, t0, *p.LastUpdate)

	step := p.CurrentStep()
	require.NotNil(t, step)
	assert.Equal(t, "Ship", step.Description)
	assert.Equal(t, "pushing", step.Reasoning)
	assert.Equal(t, int64(1200), p.ExecutionSteps[0].DurationMs)
}

func TestParseStep_MissingFields(t *testing.T) {
	s := parseStep(gjson.Parse(`{"description": "Build"}`), 4)

	assert.Equal(t, "step-4", s.ID)
	assert.Equal(t, "Build", s.Description)
	assert.Equal(t, StepPending, s.Status)
	assert.Equal(t, int64(0), s.DurationMs)
	assert.Nil(t, s.StartedAt)
	assert.Nil(t, s.CompletedAt)
	assert.Empty(t, s.VerificationFlag)
}

func TestStep_RoundTrip(t *testing.T) {
	started := t0
	done := t0.Add(2 * time.Second)

	tests := []struct {
		name string
		step ThoughtStep
	}{
		{"pending", ThoughtStep{ID: "step-1", Description: "Test", Status: StepPending}},
		{"in progress", ThoughtStep{ID: "step-0", Description: "Build", Status: StepInProgress, StartedAt: &started, Reasoning: "compiling"}},
		{"flagged", ThoughtStep{
			ID: "step-2", Description: "Deploy", Status: StepCompletedWithIssues,
			StartedAt: &started, CompletedAt: &done, Output: "partial", DurationMs: 2000,
			VerificationFlag: "one replica failed",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(encodeStep(tt.step))
			require.NoError(t, err)

			got := parseStep(gjson.ParseBytes(raw), 99)
			assert.Equal(t, tt.step, got)
		})
	}
}

func TestEncodeStep_OmitsEmptyFlag(t *testing.T) {
	m := encodeStep(ThoughtStep{ID: "step-0", Status: StepPending})
	_, ok := m["verificationFlag"]
	assert.False(t, ok)
	assert.Nil(t, m["startedAt"])
}

func TestEncodeSteps_NeverNil(t *testing.T) {
	raw, err := json.Marshal(encodeSteps(nil))
	require.NoError(t, err)
	assert.Equal(t, "[]", string(raw))
}

func TestParseHistoryEntry(t *testing.T) {
	e := parseHistoryEntry(&docstore.Document{ID: "h1", Data: []byte(`{
		"taskName": "Deploy service",
		"taskId": "t-1",
		"status": "failed",
		"steps": [{"description": "Build", "status": "completed"}],
		"startedAt": "2026-05-01T09:00:00.000000000Z",
		"completedAt": "2026-05-01T09:00:05.000000000Z",
		"totalDurationMs": 5000,
		"stepCount": 1,
		"completedStepCount": 1
	}`)}, "nora")

	assert.Equal(t, "h1", e.ID)
	assert.Equal(t, "nora", e.AgentID)
	assert.Equal(t, StepFailed, e.Status)
	assert.Equal(t, t0, e.StartedAt)
	assert.Equal(t, t0.Add(5*time.Second), e.CompletedAt)
	assert.Equal(t, int64(5000), e.TotalDurationMs)
	require.Len(t, e.Steps, 1)
	assert.Equal(t, StepCompleted, e.Steps[0].Status)
}
