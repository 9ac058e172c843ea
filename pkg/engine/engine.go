// Package engine wires the conversation sync components into one facade:
// optimistic append, durable outbound queue, reconciliation of
// authoritative records and the realtime event channel. Callers render
// from the cache and never see a delivery error as anything but message
// state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"convosync/pkg/cache"
	"convosync/pkg/connectivity"
	"convosync/pkg/logger"
	"convosync/pkg/models"
	"convosync/pkg/optimist"
	"convosync/pkg/outbox"
	"convosync/pkg/realtime"
	"convosync/pkg/reconcile"
)

// RecordStore is the hosted message persistence API.
type RecordStore interface {
	ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
	CreateMessage(ctx context.Context, req models.SendRequest) (models.Message, error)
	UpdateMessageStatus(ctx context.Context, id string, status models.DeliveryStatus, errMsg string) error
}

// DeliveryGateway pushes persisted messages out on their channel.
type DeliveryGateway interface {
	Deliver(ctx context.Context, messageID, conversationID, channel string) error
}

// IsPermanentFunc classifies a collaborator error as non-retryable.
type IsPermanentFunc func(error) bool

// Options assemble an Engine.
type Options struct {
	Store   *outbox.Store
	Records RecordStore
	Gateway DeliveryGateway
	// Source may be nil when no realtime channel is configured; the
	// engine then relies on explicit Resync calls.
	Source realtime.Source
	// IsPermanent classifies collaborator errors; defaults to
	// backend-agnostic "nothing is permanent".
	IsPermanent IsPermanentFunc

	MaxRetries      int
	RetryBase       time.Duration
	DrainRPS        float64
	DrainBurst      int
	MaxPayloadBytes int64

	ConversationDebounce time.Duration
	TenantDebounce       time.Duration

	// ResyncLimit caps how many messages a foreground resync pulls.
	ResyncLimit int
}

// Engine is the conversation sync facade.
type Engine struct {
	cache   *cache.ThreadCache
	writer  *optimist.Writer
	recon   *reconcile.Reconciler
	outbox  *outbox.Outbox
	router  *realtime.Router
	monitor *connectivity.Monitor

	records     RecordStore
	gateway     DeliveryGateway
	source      realtime.Source
	isPermanent IsPermanentFunc
	resyncLimit int

	mu      sync.Mutex
	open    string
	runCtx  context.Context
	stopRun context.CancelFunc
}

// New assembles an Engine. Start must be called before it does any work.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine: outbox store is required")
	}
	if opts.Records == nil || opts.Gateway == nil {
		return nil, errors.New("engine: record store and delivery gateway are required")
	}
	if opts.IsPermanent == nil {
		opts.IsPermanent = func(error) bool { return false }
	}
	if opts.ResyncLimit <= 0 {
		opts.ResyncLimit = 100
	}
	e := &Engine{
		cache:       cache.New(),
		records:     opts.Records,
		gateway:     opts.Gateway,
		source:      opts.Source,
		isPermanent: opts.IsPermanent,
		resyncLimit: opts.ResyncLimit,
		monitor:     connectivity.New(true),
	}
	e.writer = optimist.New(e.cache)
	e.recon = reconcile.New(e.cache)
	e.outbox = outbox.New(opts.Store, e.sendEntry, outbox.Hooks{
		OnStateChange: e.mirrorState,
		OnDelivered:   e.mirrorDelivered,
		OnFailed:      e.mirrorFailed,
	}, outbox.Options{
		MaxRetries:      opts.MaxRetries,
		RetryBase:       opts.RetryBase,
		DrainRPS:        opts.DrainRPS,
		DrainBurst:      opts.DrainBurst,
		MaxPayloadBytes: opts.MaxPayloadBytes,
	})
	e.router = realtime.NewRouter(opts.Source, sink{e}, realtime.Options{
		ConversationDebounce: opts.ConversationDebounce,
		TenantDebounce:       opts.TenantDebounce,
	})
	e.monitor.OnOnline(func() { go e.drain() })
	if e.source != nil {
		e.source.OnStateChange(e.onConnState)
	}
	return e, nil
}

// Start launches the realtime channel, the router loop and a recovery
// drain for entries persisted by a previous run.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.runCtx = runCtx
	e.stopRun = cancel
	e.mu.Unlock()
	if e.source != nil {
		if err := e.source.Start(runCtx); err != nil {
			return fmt.Errorf("start realtime source: %w", err)
		}
		go e.router.Run(runCtx)
	}
	go e.drain()
	return nil
}

// Stop tears down the realtime channel and stops background work. Pending
// outbox entries stay persisted for the next run.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.stopRun
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if e.source != nil {
		e.source.Stop()
	}
}

// Cache exposes the read-only cache view.
func (e *Engine) Cache() cache.Reader { return e.cache }

// SendMessage appends a provisional message and durably queues its
// delivery. The returned message is already cache-visible with status
// "sending"; the error only reports enqueue problems (a full disk, a
// closed store), in which case the message is marked failed in place.
func (e *Engine) SendMessage(ctx context.Context, conversationID string, d optimist.Draft) (models.Message, error) {
	m := e.writer.Append(conversationID, d)
	payload := models.SendRequest{
		Conversation:  conversationID,
		Sender:        m.Sender,
		Content:       m.Content,
		ContentType:   m.ContentType,
		AttachmentURL: m.AttachmentURL,
		Channel:       d.Channel,
		ProvisionalID: m.ID,
		CorrelationID: m.CorrelationID,
		CreatedAt:     m.CreatedAt,
	}
	if _, err := e.outbox.Enqueue(payload); err != nil {
		e.recon.PatchStatus(conversationID, m.ID, models.StatusFailed, err.Error())
		return m, fmt.Errorf("queue message: %w", err)
	}
	if e.monitor.IsOnline() {
		go e.drain()
	}
	return m, nil
}

// Messages returns the conversation's cached thread.
func (e *Engine) Messages(conversationID string) []models.Message {
	return e.cache.Messages(conversationID)
}

// Summaries returns cached conversation summaries for a tenant.
func (e *Engine) Summaries(tenant string) []models.ConversationSummary {
	return e.cache.Summaries(tenant)
}

// Watch returns a coalesced wakeup channel for a conversation thread. The
// cancel func must be called on teardown.
func (e *Engine) Watch(conversationID string) (<-chan struct{}, func()) {
	return e.cache.Watch(cache.ConversationScope(conversationID))
}

// WatchTenant returns a coalesced wakeup channel for a tenant's
// conversation list.
func (e *Engine) WatchTenant(tenant string) (<-chan struct{}, func()) {
	return e.cache.Watch(cache.TenantScope(tenant))
}

// Subscribe registers a debounced realtime wakeup for a scope key.
func (e *Engine) Subscribe(scope string, handler func()) { e.router.Subscribe(scope, handler) }

// Unsubscribe tears down a realtime subscription.
func (e *Engine) Unsubscribe(scope string) { e.router.Unsubscribe(scope) }

// RealtimeStatus reports the push channel's connection state.
func (e *Engine) RealtimeStatus() realtime.ConnState { return e.router.State() }

// Online reports the connectivity belief.
func (e *Engine) Online() bool { return e.monitor.IsOnline() }

// SetOnline feeds an external connectivity report into the monitor.
func (e *Engine) SetOnline(online bool) { e.monitor.SetOnline(online) }

// OutboxDepth reports queue depth by status for the ops surface.
func (e *Engine) OutboxDepth() (queued, sending, failed int) { return e.outbox.Depth() }

// Outbox exposes the queue for maintenance (sweeper pruning).
func (e *Engine) Outbox() *outbox.Outbox { return e.outbox }

// ThreadCache exposes the mutable cache to maintenance code.
func (e *Engine) ThreadCache() *cache.ThreadCache { return e.cache }

// RetryFailedMessages resets failed sends to queued and kicks a drain.
func (e *Engine) RetryFailedMessages() (int, error) {
	n, err := e.outbox.RetryFailed()
	if n > 0 {
		go e.drain()
	}
	return n, err
}

// ClearFailedMessages discards failed sends. Their cache entries keep the
// failed status until the conversation is resynced.
func (e *Engine) ClearFailedMessages() (int, error) {
	return e.outbox.ClearFailed()
}

// OpenConversation marks the conversation the user is looking at: its
// unread count resets and it is the one resynced after a reconnect. Pass
// "" when no conversation is open.
func (e *Engine) OpenConversation(conversationID string) {
	e.mu.Lock()
	e.open = conversationID
	e.mu.Unlock()
	if conversationID == "" {
		return
	}
	e.cache.MutateThread(conversationID, func(t *cache.Thread, s *models.ConversationSummary) bool {
		if s.ID == "" || s.UnreadCount == 0 {
			return false
		}
		s.UnreadCount = 0
		return true
	})
}

// MarkRead marks the conversation's inbound messages read, in the cache
// and on the record store. The local patch applies even when the remote
// update fails; the next resync converges. Returns how many messages were
// marked.
func (e *Engine) MarkRead(ctx context.Context, conversationID string) int {
	var ids []string
	for _, m := range e.cache.Messages(conversationID) {
		if m.Sender == models.SenderContact && m.Status != models.StatusRead && !m.Provisional() {
			ids = append(ids, m.ID)
		}
	}
	for _, id := range ids {
		e.recon.PatchStatus(conversationID, id, models.StatusRead, "")
		if err := e.records.UpdateMessageStatus(ctx, id, models.StatusRead, ""); err != nil {
			logger.Warn("mark_read_remote_failed", "id", id, "error", err.Error())
		}
	}
	return len(ids)
}

// Resync pulls the authoritative thread from the record store and
// reconciles it into the cache. Used on conversation open and after the
// push channel reconnects, since dropped events are not replayed.
func (e *Engine) Resync(ctx context.Context, conversationID string) error {
	msgs, err := e.records.ListMessages(ctx, conversationID, e.resyncLimit)
	if err != nil {
		// interrupted, not unreachable: a cancelled resync says nothing
		// about the backend
		if ctx.Err() == nil {
			e.monitor.SetOnline(false)
		}
		return fmt.Errorf("resync %s: %w", conversationID, err)
	}
	e.monitor.SetOnline(true)
	for _, m := range msgs {
		e.recon.Reconcile(conversationID, m)
	}
	logger.Debug("engine_resynced", "conversation", conversationID, "count", len(msgs))
	return nil
}

func (e *Engine) drain() {
	e.mu.Lock()
	ctx := e.runCtx
	e.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	err := e.outbox.Drain(ctx)
	if err != nil && !errors.Is(err, outbox.ErrDraining) && !errors.Is(err, context.Canceled) {
		logger.Error("outbox_drain_failed", "error", err.Error())
	}
}

// sendEntry is the outbox's delivery attempt: create the record if this
// entry has no authoritative id yet, then hand it to the gateway. A
// permanent collaborator error aborts retrying.
func (e *Engine) sendEntry(ctx context.Context, entry *models.OutboxEntry) error {
	if entry.ServerID == "" {
		auth, err := e.records.CreateMessage(ctx, entry.Payload)
		if err != nil {
			e.noteSendErr(err)
			if e.isPermanent(err) {
				return outbox.Permanent(err)
			}
			return err
		}
		e.monitor.SetOnline(true)
		if auth.Status == "" {
			auth.Status = models.StatusSent
		}
		entry.ServerID = auth.ID
		e.recon.AdoptServerIdentity(entry.Conversation, entry.Payload.ProvisionalID, auth)
	}
	if err := e.gateway.Deliver(ctx, entry.ServerID, entry.Conversation, entry.Payload.Channel); err != nil {
		e.noteSendErr(err)
		if e.isPermanent(err) {
			return outbox.Permanent(err)
		}
		return err
	}
	e.monitor.SetOnline(true)
	return nil
}

// noteSendErr downgrades the connectivity belief on non-permanent
// failures; a 4xx means the backend is reachable.
func (e *Engine) noteSendErr(err error) {
	if !e.isPermanent(err) {
		e.monitor.SetOnline(false)
	}
}

// cacheMessageID picks which cache row an outbox entry maps to.
func cacheMessageID(entry models.OutboxEntry) string {
	if entry.ServerID != "" {
		return entry.ServerID
	}
	return entry.Payload.ProvisionalID
}

func (e *Engine) mirrorState(entry models.OutboxEntry) {
	switch entry.Status {
	case models.EntryQueued, models.EntrySending:
		e.recon.PatchStatus(entry.Conversation, cacheMessageID(entry), models.StatusSending, "")
	}
}

func (e *Engine) mirrorDelivered(entry models.OutboxEntry) {
	e.recon.PatchStatus(entry.Conversation, cacheMessageID(entry), models.StatusSent, "")
}

func (e *Engine) mirrorFailed(entry models.OutboxEntry) {
	e.recon.PatchStatus(entry.Conversation, cacheMessageID(entry), models.StatusFailed, entry.LastError)
}

// onConnState maps realtime transitions onto connectivity and schedules
// the post-reconnect resync of the open conversation.
func (e *Engine) onConnState(st realtime.ConnState) {
	switch st {
	case realtime.StateConnected:
		e.monitor.SetOnline(true)
		e.mu.Lock()
		open := e.open
		ctx := e.runCtx
		e.mu.Unlock()
		if open != "" && ctx != nil {
			go func() {
				if err := e.Resync(ctx, open); err != nil {
					logger.Warn("engine_resync_failed", "conversation", open, "error", err.Error())
				}
			}()
		}
	case realtime.StateDisconnected, realtime.StateError:
		e.monitor.SetOnline(false)
	}
}

// sink adapts the engine's reconciler to the realtime router.
type sink struct{ e *Engine }

func (s sink) Reconcile(conversationID string, m models.Message) bool {
	return s.e.recon.Reconcile(conversationID, m)
}

func (s sink) Delete(conversationID, messageID string) bool {
	return s.e.recon.Delete(conversationID, messageID)
}

func (s sink) ApplySummary(sum models.ConversationSummary) bool {
	return s.e.recon.ApplySummary(sum)
}

func (s sink) TenantOf(conversationID string) string {
	if sum, ok := s.e.cache.Summary(conversationID); ok {
		return sum.Tenant
	}
	return ""
}
