// ABOUTME: Message channel data types: chat messages, message types and lifecycle states
// ABOUTME: Messages live in one flat agent-commands collection correlated by from/to

package channel

import (
	"time"
)

// Collection holds every command and response document
const Collection = "agent-commands"

// AdminSender is the from/to value used for the human operator
const AdminSender = "admin"

// Stored field names
const (
	fieldFrom        = "from"
	fieldTo          = "to"
	fieldType        = "type"
	fieldContent     = "content"
	fieldResponse    = "response"
	fieldStatus      = "status"
	fieldCreatedAt   = "createdAt"
	fieldCompletedAt = "completedAt"
	fieldMetadata    = "metadata"
)

// MessageType tags how the receiving agent should interpret a message.
// The channel stores and delivers every type the same way.
type MessageType string

const (
	TypeAuto     MessageType = "auto"
	TypeTask     MessageType = "task"
	TypeCommand  MessageType = "command"
	TypeQuestion MessageType = "question"
	TypeChat     MessageType = "chat"
	TypeEmail    MessageType = "email"
)

// ValidType reports whether t is a known message type.
func ValidType(t MessageType) bool {
	switch t {
	case TypeAuto, TypeTask, TypeCommand, TypeQuestion, TypeChat, TypeEmail:
		return true
	}
	return false
}

// Status is the lifecycle state of a message
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Open reports whether the message still awaits a response.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusInProgress
}

func validStatus(s Status) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Message is one command, question or proactive update
type Message struct {
	ID          string
	From        string
	To          string
	Type        MessageType
	Content     string
	Response    string
	Status      Status
	CreatedAt   *time.Time
	CompletedAt *time.Time
	Metadata    map[string]any

	// Local marks an optimistic placeholder that has not been persisted.
	Local bool
}

// IsProactive reports whether the message was initiated by agentID.
func (m *Message) IsProactive(agentID string) bool {
	return m.From == agentID
}

// Age is how long ago the message was created. A message without a
// creation time has no age.
func (m *Message) Age(now time.Time) time.Duration {
	if m.CreatedAt == nil {
		return 0
	}
	return now.Sub(*m.CreatedAt)
}
