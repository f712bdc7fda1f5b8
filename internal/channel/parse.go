// ABOUTME: Canonical parse of agent-commands documents into Messages
// ABOUTME: Unknown types read as auto and unknown states as pending

package channel

import (
	"github.com/tidwall/gjson"

	"github.com/2389/coven-office/internal/docstore"
)

// ParseMessage builds a Message from a stored document.
func ParseMessage(doc *docstore.Document) Message {
	m := Message{
		ID:          doc.ID,
		From:        doc.Get(fieldFrom).String(),
		To:          doc.Get(fieldTo).String(),
		Type:        MessageType(doc.Get(fieldType).String()),
		Content:     doc.Get(fieldContent).String(),
		Response:    doc.Get(fieldResponse).String(),
		Status:      Status(doc.Get(fieldStatus).String()),
		CreatedAt:   doc.Time(fieldCreatedAt),
		CompletedAt: doc.Time(fieldCompletedAt),
		Metadata:    parseMetadata(doc.Get(fieldMetadata)),
	}
	if !ValidType(m.Type) {
		m.Type = TypeAuto
	}
	if !validStatus(m.Status) {
		m.Status = StatusPending
	}
	return m
}

func parseMetadata(r gjson.Result) map[string]any {
	if !r.IsObject() {
		return map[string]any{}
	}
	if m, ok := r.Value().(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func parseAll(docs []*docstore.Document) []Message {
	out := make([]Message, 0, len(docs))
	for _, d := range docs {
		out = append(out, ParseMessage(d))
	}
	return out
}
