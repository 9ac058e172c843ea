// Package cache holds the in-memory conversation state: per-conversation
// message threads plus the conversation summary list. It is the single
// source of truth observers render from; all mutation goes through
// MutateThread/UpsertSummary so every change happens inside one critical
// section and wakes the right watchers.
package cache

import (
	"sort"
	"sync"

	"convosync/pkg/models"
	"convosync/pkg/telemetry"
)

// Scope keys used for watch registration.
func ConversationScope(id string) string { return "conv:" + id }
func TenantScope(id string) string       { return "tenant:" + id }

// Reader is the read-only view handed to observers and UI surfaces.
// Mutation stays with the owning components (optimistic writer,
// reconciler, outbox mirror).
type Reader interface {
	Messages(conversationID string) []models.Message
	Summary(conversationID string) (models.ConversationSummary, bool)
	Summaries(tenant string) []models.ConversationSummary
	Watch(scope string) (<-chan struct{}, func())
}

// Thread is one conversation's message array. Messages stay sorted
// ascending by (CreatedAt, Seq); Seq is assigned at insertion time so ties
// resolve in arrival order. Thread methods must only be called inside a
// MutateThread critical section.
type Thread struct {
	Conversation string
	Messages     []models.Message
	nextSeq      uint64
}

// NextSeq hands out the next insertion sequence number.
func (t *Thread) NextSeq() uint64 {
	t.nextSeq++
	return t.nextSeq
}

// Append places m at the tail regardless of timestamp. Used by the
// optimistic writer: a just-sent message always renders newest.
func (t *Thread) Append(m models.Message) {
	m.Seq = t.NextSeq()
	if n := len(t.Messages); n > 0 && m.CreatedAt < t.Messages[n-1].CreatedAt {
		// keep the sort invariant honest when the client clock lags
		m.CreatedAt = t.Messages[n-1].CreatedAt
	}
	t.Messages = append(t.Messages, m)
}

// InsertSorted places m at its ordered position by (CreatedAt, Seq).
func (t *Thread) InsertSorted(m models.Message) {
	m.Seq = t.NextSeq()
	i := sort.Search(len(t.Messages), func(i int) bool {
		return m.Before(t.Messages[i])
	})
	t.Messages = append(t.Messages, models.Message{})
	copy(t.Messages[i+1:], t.Messages[i:])
	t.Messages[i] = m
}

// Replace swaps the message at index i, keeping its position and Seq.
func (t *Thread) Replace(i int, m models.Message) {
	m.Seq = t.Messages[i].Seq
	t.Messages[i] = m
}

// Remove deletes the message at index i.
func (t *Thread) Remove(i int) {
	t.Messages = append(t.Messages[:i], t.Messages[i+1:]...)
}

// IndexByID returns the position of the message with the given id, or -1.
func (t *Thread) IndexByID(id string) int {
	for i := range t.Messages {
		if t.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

// IndexByCorrelation returns the position of the message carrying the
// given correlation id, or -1.
func (t *Thread) IndexByCorrelation(cid string) int {
	if cid == "" {
		return -1
	}
	for i := range t.Messages {
		if t.Messages[i].CorrelationID == cid {
			return i
		}
	}
	return -1
}

// Last returns the tail message.
func (t *Thread) Last() (models.Message, bool) {
	if len(t.Messages) == 0 {
		return models.Message{}, false
	}
	return t.Messages[len(t.Messages)-1], true
}

// Ordered reports whether the message at index i still sits correctly
// between its neighbors.
func (t *Thread) Ordered(i int) bool {
	if i > 0 && t.Messages[i].Before(t.Messages[i-1]) {
		return false
	}
	if i < len(t.Messages)-1 && t.Messages[i+1].Before(t.Messages[i]) {
		return false
	}
	return true
}

// ThreadCache is the shared conversation cache. One mutex guards threads,
// summaries and watcher registration; every mutation is a synchronous
// critical section.
type ThreadCache struct {
	mu        sync.Mutex
	threads   map[string]*Thread
	summaries map[string]models.ConversationSummary
	watchers  map[string]map[int]chan struct{}
	watchSeq  int
}

// New returns an empty cache.
func New() *ThreadCache {
	return &ThreadCache{
		threads:   make(map[string]*Thread),
		summaries: make(map[string]models.ConversationSummary),
		watchers:  make(map[string]map[int]chan struct{}),
	}
}

// MutateThread runs fn under the cache lock with the conversation's thread
// and a pointer to its summary (zero-valued when the summary is not cached
// yet). fn returns whether anything observable changed; on change the
// conversation scope and the summary's tenant scope are notified. The
// summary is written back only when fn reports a change and the summary
// carries an id.
func (c *ThreadCache) MutateThread(conversationID string, fn func(t *Thread, s *models.ConversationSummary) bool) bool {
	c.mu.Lock()
	t, ok := c.threads[conversationID]
	if !ok {
		t = &Thread{Conversation: conversationID}
		c.threads[conversationID] = t
		telemetry.CachedThreads.Set(float64(len(c.threads)))
	}
	s := c.summaries[conversationID]
	changed := fn(t, &s)
	var scopes []string
	if changed {
		if s.ID != "" {
			c.summaries[conversationID] = s
		}
		scopes = append(scopes, ConversationScope(conversationID))
		if s.Tenant != "" {
			scopes = append(scopes, TenantScope(s.Tenant))
		}
	}
	c.notifyLocked(scopes)
	c.mu.Unlock()
	return changed
}

// UpsertSummary merges an authoritative conversation summary into the
// cache. Returns false when the stored summary already matches.
func (c *ThreadCache) UpsertSummary(s models.ConversationSummary) bool {
	if s.ID == "" {
		return false
	}
	c.mu.Lock()
	prev, ok := c.summaries[s.ID]
	if ok && summariesEqual(prev, s) {
		c.mu.Unlock()
		return false
	}
	c.summaries[s.ID] = s
	scopes := []string{ConversationScope(s.ID)}
	if s.Tenant != "" {
		scopes = append(scopes, TenantScope(s.Tenant))
	}
	c.notifyLocked(scopes)
	c.mu.Unlock()
	return true
}

// DropThread evicts a conversation's messages (the summary stays). Used by
// the sweeper for archived conversations.
func (c *ThreadCache) DropThread(conversationID string) {
	c.mu.Lock()
	if _, ok := c.threads[conversationID]; ok {
		delete(c.threads, conversationID)
		telemetry.CachedThreads.Set(float64(len(c.threads)))
	}
	c.mu.Unlock()
}

// ThreadIDs returns the ids of all cached threads.
func (c *ThreadCache) ThreadIDs() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.threads))
	for id := range c.threads {
		out = append(out, id)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

// Messages returns a copy of the conversation's message array.
func (c *ThreadCache) Messages(conversationID string) []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.threads[conversationID]
	if !ok {
		return nil
	}
	out := make([]models.Message, len(t.Messages))
	copy(out, t.Messages)
	return out
}

// Summary returns the cached summary for a conversation.
func (c *ThreadCache) Summary(conversationID string) (models.ConversationSummary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.summaries[conversationID]
	return s, ok
}

// Summaries returns cached summaries for a tenant (all tenants when empty),
// newest activity first.
func (c *ThreadCache) Summaries(tenant string) []models.ConversationSummary {
	c.mu.Lock()
	out := make([]models.ConversationSummary, 0, len(c.summaries))
	for _, s := range c.summaries {
		if tenant != "" && s.Tenant != tenant {
			continue
		}
		out = append(out, s)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageAt != out[j].LastMessageAt {
			return out[i].LastMessageAt > out[j].LastMessageAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Watch registers a wakeup channel for a scope key (ConversationScope or
// TenantScope). The channel carries coalesced signals: a pending wakeup is
// never stacked. The returned func deregisters; callers must invoke it on
// teardown.
func (c *ThreadCache) Watch(scope string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	c.mu.Lock()
	c.watchSeq++
	id := c.watchSeq
	m, ok := c.watchers[scope]
	if !ok {
		m = make(map[int]chan struct{})
		c.watchers[scope] = m
	}
	m[id] = ch
	c.mu.Unlock()
	cancel := func() {
		c.mu.Lock()
		if m, ok := c.watchers[scope]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(c.watchers, scope)
			}
		}
		c.mu.Unlock()
	}
	return ch, cancel
}

func (c *ThreadCache) notifyLocked(scopes []string) {
	for _, scope := range scopes {
		for _, ch := range c.watchers[scope] {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}

func summariesEqual(a, b models.ConversationSummary) bool {
	if a.ID != b.ID || a.Tenant != b.Tenant || a.Contact != b.Contact ||
		a.Channel != b.Channel || a.Status != b.Status ||
		a.LastMessageAt != b.LastMessageAt ||
		a.LastMessagePreview != b.LastMessagePreview ||
		a.UnreadCount != b.UnreadCount || a.AssignedTo != b.AssignedTo ||
		a.State != b.State || len(a.Tags) != len(b.Tags) {
		return false
	}
	for i := range a.Tags {
		if a.Tags[i] != b.Tags[i] {
			return false
		}
	}
	return true
}
