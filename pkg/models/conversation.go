package models

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
)

// ConversationSummary is the list-view projection of a conversation. The
// derived fields (LastMessageAt, LastMessagePreview, UnreadCount) are patched
// by the reconciler in the same pass as the message that produced them.
type ConversationSummary struct {
	ID                 string             `json:"id"`
	Tenant             string             `json:"tenant_id"`
	Contact            string             `json:"contact_id"`
	Channel            string             `json:"channel"`
	Status             ConversationStatus `json:"status"`
	LastMessageAt      int64              `json:"last_message_at"`
	LastMessagePreview string             `json:"last_message_preview,omitempty"`
	UnreadCount        int                `json:"unread_count"`
	AssignedTo         string             `json:"assigned_to,omitempty"`
	Tags               []string           `json:"tags,omitempty"`
	State              string             `json:"state,omitempty"`
}
