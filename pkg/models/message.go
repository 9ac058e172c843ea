package models

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"
)

// ProvisionalPrefix marks client-generated placeholder ids assigned by the
// optimistic writer before the record store has echoed an authoritative id.
const ProvisionalPrefix = "tmp-"

// SenderType identifies which party authored a message.
type SenderType string

const (
	SenderContact SenderType = "contact"
	SenderAgent   SenderType = "agent"
	SenderSystem  SenderType = "system"
	SenderAI      SenderType = "ai"
)

// DeliveryStatus tracks a message through the send pipeline.
// sending -> sent -> delivered -> read, or failed.
type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// Message is a single entry in a two-party conversation thread.
// CreatedAt is client-stamped (ns) while the message is provisional and
// server-stamped once authoritative. Seq is the insertion sequence used to
// break CreatedAt ties inside one conversation.
type Message struct {
	ID            string         `json:"id"`
	Conversation  string         `json:"conversation_id"`
	Sender        SenderType     `json:"sender_type"`
	Content       string         `json:"content"`
	ContentType   string         `json:"content_type,omitempty"`
	AttachmentURL string         `json:"attachment_url,omitempty"`
	Status        DeliveryStatus `json:"delivery_status"`
	CreatedAt     int64          `json:"created_at"`
	Seq           uint64         `json:"seq,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	// CorrelationID is a client-generated idempotency key echoed back by
	// the record store. Content matching remains the fallback when a push
	// event arrives without it.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Provisional reports whether the message still carries a placeholder id.
func (m Message) Provisional() bool {
	return strings.HasPrefix(m.ID, ProvisionalPrefix)
}

// Before orders messages by (CreatedAt, Seq).
func (m Message) Before(o Message) bool {
	if m.CreatedAt != o.CreatedAt {
		return m.CreatedAt < o.CreatedAt
	}
	return m.Seq < o.Seq
}

// Equal compares the externally observable fields. Seq is excluded: it is a
// cache-local ordering artifact, not part of the authoritative record.
func (m Message) Equal(o Message) bool {
	return m.ID == o.ID &&
		m.Conversation == o.Conversation &&
		m.Sender == o.Sender &&
		m.Content == o.Content &&
		m.ContentType == o.ContentType &&
		m.AttachmentURL == o.AttachmentURL &&
		m.Status == o.Status &&
		m.CreatedAt == o.CreatedAt &&
		m.ErrorMessage == o.ErrorMessage &&
		m.CorrelationID == o.CorrelationID
}

// NewID returns a random v4 UUID. Falls back to a timestamp id if the
// system entropy source fails.
func NewID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%d-%d", time.Now().UnixNano(), time.Now().UnixMilli())
	}
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
