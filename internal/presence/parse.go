// ABOUTME: Canonical encode/parse of presence, thought step and task history documents
// ABOUTME: Every read path goes through these so defaults are applied exactly once

package presence

import (
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/2389/coven-office/internal/docstore"
)

// Stored field names
const (
	fieldDisplayName            = "displayName"
	fieldEmoji                  = "emoji"
	fieldStatus                 = "status"
	fieldCurrentTask            = "currentTask"
	fieldCurrentTaskID          = "currentTaskId"
	fieldNotes                  = "notes"
	fieldExecutionSteps         = "executionSteps"
	fieldCurrentStepIndex       = "currentStepIndex"
	fieldTaskProgress           = "taskProgress"
	fieldTaskStartedAt          = "taskStartedAt"
	fieldSessionStartedAt       = "sessionStartedAt"
	fieldLastUpdate             = "lastUpdate"
	fieldManifestoEnabled       = "manifestoEnabled"
	fieldManifestoInjections    = "manifestoInjections"
	fieldLastManifestoInjection = "lastManifestoInjection"
)

func stringOr(r gjson.Result, def string) string {
	if r.Type != gjson.String || r.Str == "" {
		return def
	}
	return r.Str
}

func intOr(r gjson.Result, def int) int {
	if r.Type != gjson.Number {
		return def
	}
	return int(r.Int())
}

func boolOr(r gjson.Result, def bool) bool {
	if r.Type != gjson.True && r.Type != gjson.False {
		return def
	}
	return r.Bool()
}

// ParsePresence builds a fully defaulted AgentPresence from a stored
// document. Out-of-range step indices read back as NoActiveStep.
func ParsePresence(doc *docstore.Document) AgentPresence {
	p := AgentPresence{
		ID:          doc.ID,
		DisplayName: stringOr(doc.Get(fieldDisplayName), DefaultDisplayName),
		Emoji:       stringOr(doc.Get(fieldEmoji), DefaultEmoji),
		Status:      Status(stringOr(doc.Get(fieldStatus), string(StatusIdle))),

		CurrentTask:   doc.Get(fieldCurrentTask).String(),
		CurrentTaskID: doc.Get(fieldCurrentTaskID).String(),
		Notes:         doc.Get(fieldNotes).String(),

		ExecutionSteps:   parseSteps(doc.Get(fieldExecutionSteps)),
		CurrentStepIndex: intOr(doc.Get(fieldCurrentStepIndex), NoActiveStep),
		TaskProgress:     min(max(intOr(doc.Get(fieldTaskProgress), 0), 0), 100),

		TaskStartedAt:    doc.Time(fieldTaskStartedAt),
		SessionStartedAt: doc.Time(fieldSessionStartedAt),
		LastUpdate:       doc.Time(fieldLastUpdate),

		ManifestoEnabled:       boolOr(doc.Get(fieldManifestoEnabled), true),
		ManifestoInjections:    intOr(doc.Get(fieldManifestoInjections), 0),
		LastManifestoInjection: doc.Time(fieldLastManifestoInjection),
	}

	if !validStatus(p.Status) {
		p.Status = StatusIdle
	}
	if p.CurrentStepIndex < 0 || p.CurrentStepIndex >= len(p.ExecutionSteps) {
		p.CurrentStepIndex = NoActiveStep
	}
	return p
}

func parseSteps(r gjson.Result) []ThoughtStep {
	if !r.IsArray() {
		return []ThoughtStep{}
	}
	items := r.Array()
	steps := make([]ThoughtStep, 0, len(items))
	for i, item := range items {
		steps = append(steps, parseStep(item, i))
	}
	return steps
}

// parseStep reads one step; i is its position, used when the id is missing.
func parseStep(r gjson.Result, i int) ThoughtStep {
	s := ThoughtStep{
		ID:               stringOr(r.Get("id"), fmt.Sprintf("step-%d", i)),
		Description:      r.Get("description").String(),
		Status:           StepStatus(stringOr(r.Get("status"), string(StepPending))),
		StartedAt:        docstore.ParseTime(r.Get("startedAt")),
		CompletedAt:      docstore.ParseTime(r.Get("completedAt")),
		Reasoning:        r.Get("reasoning").String(),
		Output:           r.Get("output").String(),
		DurationMs:       r.Get("durationMs").Int(),
		VerificationFlag: r.Get("verificationFlag").String(),
	}
	if !validStepStatus(s.Status) {
		s.Status = StepPending
	}
	return s
}

func encodeStep(s ThoughtStep) map[string]any {
	m := map[string]any{
		"id":          s.ID,
		"description": s.Description,
		"status":      string(s.Status),
		"startedAt":   nil,
		"completedAt": nil,
		"reasoning":   s.Reasoning,
		"output":      s.Output,
		"durationMs":  s.DurationMs,
	}
	if s.StartedAt != nil {
		m["startedAt"] = docstore.FormatTime(*s.StartedAt)
	}
	if s.CompletedAt != nil {
		m["completedAt"] = docstore.FormatTime(*s.CompletedAt)
	}
	if s.VerificationFlag != "" {
		m["verificationFlag"] = s.VerificationFlag
	}
	return m
}

// encodeSteps never returns nil, so an empty checklist is stored as [].
func encodeSteps(steps []ThoughtStep) []map[string]any {
	out := make([]map[string]any, 0, len(steps))
	for _, s := range steps {
		out = append(out, encodeStep(s))
	}
	return out
}

func parseHistoryEntry(doc *docstore.Document, agentID string) TaskHistoryEntry {
	e := TaskHistoryEntry{
		ID:                 doc.ID,
		AgentID:            agentID,
		TaskName:           doc.Get("taskName").String(),
		TaskID:             doc.Get("taskId").String(),
		Status:             StepStatus(stringOr(doc.Get("status"), string(StepCompleted))),
		Steps:              parseSteps(doc.Get("steps")),
		TotalDurationMs:    doc.Get("totalDurationMs").Int(),
		StepCount:          intOr(doc.Get("stepCount"), 0),
		CompletedStepCount: intOr(doc.Get("completedStepCount"), 0),
	}
	if t := doc.Time("startedAt"); t != nil {
		e.StartedAt = *t
	}
	if t := doc.Time("completedAt"); t != nil {
		e.CompletedAt = *t
	}
	return e
}
