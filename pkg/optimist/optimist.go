// Package optimist implements the optimistic write path: a draft becomes a
// cache-visible provisional message the instant the user hits send, before
// any network round trip.
package optimist

import (
	"time"

	"convosync/pkg/cache"
	"convosync/pkg/logger"
	"convosync/pkg/models"
)

// Draft is the user-authored content handed to Append.
type Draft struct {
	Sender        models.SenderType
	Content       string
	ContentType   string
	AttachmentURL string
	Channel       string
}

// Writer appends provisional messages to the thread cache.
type Writer struct {
	cache *cache.ThreadCache
	now   func() time.Time
}

// New returns a Writer over the given cache.
func New(c *cache.ThreadCache) *Writer {
	return &Writer{cache: c, now: time.Now}
}

// Append inserts a provisional message at the tail of the conversation and
// eagerly patches the summary preview. It cannot fail: no I/O happens here,
// only a cache mutation. The returned message carries the provisional
// `tmp-` id and the correlation id the record store will echo back.
func (w *Writer) Append(conversationID string, d Draft) models.Message {
	sender := d.Sender
	if sender == "" {
		sender = models.SenderAgent
	}
	m := models.Message{
		ID:            models.ProvisionalPrefix + models.NewID(),
		Conversation:  conversationID,
		Sender:        sender,
		Content:       d.Content,
		ContentType:   d.ContentType,
		AttachmentURL: d.AttachmentURL,
		Status:        models.StatusSending,
		CreatedAt:     w.now().UnixNano(),
		CorrelationID: models.NewID(),
	}
	w.cache.MutateThread(conversationID, func(t *cache.Thread, s *models.ConversationSummary) bool {
		t.Append(m)
		// the tail may have had its timestamp clamped forward
		m = t.Messages[len(t.Messages)-1]
		if s.ID != "" {
			s.LastMessageAt = m.CreatedAt
			s.LastMessagePreview = m.Content
		}
		return true
	})
	logger.Debug("optimist_appended", "conversation", conversationID, "id", m.ID)
	return m
}
