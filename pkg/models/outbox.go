package models

// SendRequest is the payload captured at append time and replayed by the
// outbound queue until the record store accepts it.
type SendRequest struct {
	Conversation  string     `json:"conversation_id"`
	Sender        SenderType `json:"sender_type"`
	Content       string     `json:"content"`
	ContentType   string     `json:"content_type,omitempty"`
	AttachmentURL string     `json:"attachment_url,omitempty"`
	Channel       string     `json:"channel,omitempty"`
	// ProvisionalID ties the queue entry back to the cache placeholder.
	ProvisionalID string `json:"provisional_id"`
	// CorrelationID is sent to the record store as an idempotency key.
	CorrelationID string `json:"correlation_id"`
	CreatedAt     int64  `json:"created_at"`
}

// EntryStatus is the outbound queue state of one entry.
type EntryStatus string

const (
	EntryQueued  EntryStatus = "queued"
	EntrySending EntryStatus = "sending"
	EntryFailed  EntryStatus = "failed"
)

// OutboxEntry is a durably persisted pending send. Entries survive process
// restarts; any entry found in `sending` on open is reset to `queued`.
type OutboxEntry struct {
	QueueID      uint64      `json:"queue_id"`
	Conversation string      `json:"conversation_id"`
	Payload      SendRequest `json:"payload"`
	Status       EntryStatus `json:"status"`
	RetryCount   int         `json:"retry_count"`
	QueuedAt     int64       `json:"queued_at"`
	LastError    string      `json:"last_error,omitempty"`
	// ServerID is set once the record store has assigned an authoritative
	// id, so a retry after a gateway failure does not create a duplicate
	// record.
	ServerID string `json:"server_id,omitempty"`
}
