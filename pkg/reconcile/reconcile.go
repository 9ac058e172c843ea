// Package reconcile merges authoritative backend records into the local
// thread cache. All entry points are idempotent: applying the same record
// twice produces no observable change and no watcher wakeup, which is what
// makes at-least-once push delivery safe.
package reconcile

import (
	"convosync/pkg/cache"
	"convosync/pkg/logger"
	"convosync/pkg/models"
	"convosync/pkg/telemetry"
)

// Reconciler applies authoritative message and conversation records.
type Reconciler struct {
	cache *cache.ThreadCache
}

// New returns a Reconciler over the given cache.
func New(c *cache.ThreadCache) *Reconciler {
	return &Reconciler{cache: c}
}

// Reconcile merges one authoritative message into its conversation thread.
//
// Matching order: exact id, then correlation id against provisional
// entries, then content match against provisional entries (the fallback
// for events that arrive without the correlation echo). A match is
// replaced in place so the message keeps its rendered position; anything
// else is inserted at its sorted position. Returns whether the cache
// changed.
func (r *Reconciler) Reconcile(conversationID string, auth models.Message) bool {
	if auth.ID == "" {
		return false
	}
	var kind string
	changed := r.cache.MutateThread(conversationID, func(t *cache.Thread, s *models.ConversationSummary) bool {
		i := t.IndexByID(auth.ID)
		if i < 0 {
			i = r.matchProvisional(t, auth)
		}
		if i >= 0 {
			if t.Messages[i].Equal(auth) {
				kind = "noop"
				return false
			}
			wasProvisional := t.Messages[i].Provisional()
			t.Replace(i, auth)
			if !t.Ordered(i) {
				// the server timestamp moved the message past a
				// neighbor; re-insert at its true position
				t.Remove(i)
				t.InsertSorted(auth)
			}
			if wasProvisional {
				kind = "replaced"
			} else {
				kind = "updated"
			}
		} else {
			t.InsertSorted(auth)
			kind = "inserted"
			if auth.Sender == models.SenderContact && s.ID != "" {
				s.UnreadCount++
			}
		}
		patchSummaryTail(t, s)
		return true
	})
	if kind == "" {
		kind = "noop"
	}
	telemetry.ReconcileOps.WithLabelValues(kind).Inc()
	if changed {
		logger.Debug("reconcile_applied", "conversation", conversationID, "id", auth.ID, "kind", kind)
	}
	return changed
}

// matchProvisional locates the provisional entry the authoritative record
// corresponds to: correlation id first, then content+sender.
func (r *Reconciler) matchProvisional(t *cache.Thread, auth models.Message) int {
	if i := t.IndexByCorrelation(auth.CorrelationID); i >= 0 && t.Messages[i].Provisional() {
		return i
	}
	for i := range t.Messages {
		m := &t.Messages[i]
		if m.Provisional() && m.Content == auth.Content && m.Sender == auth.Sender {
			return i
		}
	}
	return -1
}

// PatchStatus updates delivery status and error message of one message in
// place. No reorder: status changes never move a message. Returns whether
// anything changed.
func (r *Reconciler) PatchStatus(conversationID, messageID string, status models.DeliveryStatus, errMsg string) bool {
	changed := r.cache.MutateThread(conversationID, func(t *cache.Thread, s *models.ConversationSummary) bool {
		i := t.IndexByID(messageID)
		if i < 0 {
			return false
		}
		m := &t.Messages[i]
		if m.Status == status && m.ErrorMessage == errMsg {
			return false
		}
		m.Status = status
		m.ErrorMessage = errMsg
		return true
	})
	if changed {
		telemetry.ReconcileOps.WithLabelValues("patched").Inc()
	}
	return changed
}

// AdoptServerIdentity rewrites a provisional message with the identity the
// record store assigned (id, timestamp, status) while keeping its position
// when order allows. Used on the direct create-response path, where the
// authoritative record comes back over the request instead of a push event.
func (r *Reconciler) AdoptServerIdentity(conversationID, provisionalID string, auth models.Message) bool {
	changed := r.cache.MutateThread(conversationID, func(t *cache.Thread, s *models.ConversationSummary) bool {
		i := t.IndexByID(provisionalID)
		if i < 0 {
			// the push event may have reconciled it already
			i = t.IndexByID(auth.ID)
			if i < 0 || t.Messages[i].Equal(auth) {
				return false
			}
		}
		t.Replace(i, auth)
		if !t.Ordered(i) {
			t.Remove(i)
			t.InsertSorted(auth)
		}
		patchSummaryTail(t, s)
		return true
	})
	if changed {
		telemetry.ReconcileOps.WithLabelValues("replaced").Inc()
	}
	return changed
}

// Delete removes a message and recomputes the summary tail fields.
func (r *Reconciler) Delete(conversationID, messageID string) bool {
	changed := r.cache.MutateThread(conversationID, func(t *cache.Thread, s *models.ConversationSummary) bool {
		i := t.IndexByID(messageID)
		if i < 0 {
			return false
		}
		t.Remove(i)
		patchSummaryTail(t, s)
		return true
	})
	if changed {
		telemetry.ReconcileOps.WithLabelValues("deleted").Inc()
	}
	return changed
}

// ApplySummary merges an authoritative conversation summary.
func (r *Reconciler) ApplySummary(s models.ConversationSummary) bool {
	return r.cache.UpsertSummary(s)
}

// patchSummaryTail refreshes last_message_at and the preview from the
// thread tail. Runs inside the same critical section as the message
// mutation that made it necessary.
func patchSummaryTail(t *cache.Thread, s *models.ConversationSummary) {
	if s.ID == "" {
		return
	}
	last, ok := t.Last()
	if !ok {
		s.LastMessageAt = 0
		s.LastMessagePreview = ""
		return
	}
	s.LastMessageAt = last.CreatedAt
	s.LastMessagePreview = last.Content
}
