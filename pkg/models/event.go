package models

import "encoding/json"

// EventType is the change kind carried by a push event.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Change tables emitted by the push event source.
const (
	TableMessages      = "messages"
	TableConversations = "conversations"
)

// ChangeEvent is one row-change notification from the push event source.
// Delivery is at-least-once and gaps are possible across reconnects, so
// consumers must treat events as hints and stay idempotent.
type ChangeEvent struct {
	Type  EventType       `json:"type"`
	Table string          `json:"table"`
	Old   json.RawMessage `json:"old,omitempty"`
	New   json.RawMessage `json:"new,omitempty"`
}

// Message decodes the New payload as a Message. Returns the zero value and
// false when the payload is absent or malformed.
func (e ChangeEvent) Message() (Message, bool) {
	var m Message
	if len(e.New) == 0 || json.Unmarshal(e.New, &m) != nil {
		return Message{}, false
	}
	return m, true
}

// OldMessage decodes the Old payload as a Message.
func (e ChangeEvent) OldMessage() (Message, bool) {
	var m Message
	if len(e.Old) == 0 || json.Unmarshal(e.Old, &m) != nil {
		return Message{}, false
	}
	return m, true
}

// Summary decodes the New payload as a ConversationSummary.
func (e ChangeEvent) Summary() (ConversationSummary, bool) {
	var s ConversationSummary
	if len(e.New) == 0 || json.Unmarshal(e.New, &s) != nil {
		return ConversationSummary{}, false
	}
	return s, true
}
