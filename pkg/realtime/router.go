// Package realtime routes push change events into the local cache and
// wakes subscribed surfaces with per-scope debounce. The upstream feed is
// at-least-once with possible gaps across reconnects, so everything
// downstream of the router must stay idempotent.
package realtime

import (
	"context"
	"sync"
	"time"

	"convosync/pkg/cache"
	"convosync/pkg/logger"
	"convosync/pkg/models"
	"convosync/pkg/telemetry"
)

// Source is the push event transport: a stream of change events plus a
// connection state it maintains across reconnects.
type Source interface {
	Start(ctx context.Context) error
	Stop()
	Events() <-chan models.ChangeEvent
	State() ConnState
	OnStateChange(fn func(ConnState))
}

// Sink receives typed, already-decoded changes. Implemented by the
// reconciler (via the engine).
type Sink interface {
	Reconcile(conversationID string, m models.Message) bool
	Delete(conversationID, messageID string) bool
	ApplySummary(s models.ConversationSummary) bool
	// TenantOf resolves a conversation to its tenant for tenant-scope
	// wakeups; empty when unknown.
	TenantOf(conversationID string) string
}

type subscription struct {
	scope    string
	debounce time.Duration
	handler  func()
	timer    *time.Timer
}

// Router owns subscriptions and the event dispatch loop. At most one live
// subscription exists per scope key; Subscribe on an existing key swaps
// the handler in place rather than stacking a second delivery.
type Router struct {
	src            Source
	sink           Sink
	convDebounce   time.Duration
	tenantDebounce time.Duration

	mu   sync.Mutex
	subs map[string]*subscription
}

// Options tune the router's debounce windows.
type Options struct {
	ConversationDebounce time.Duration
	TenantDebounce       time.Duration
}

// NewRouter assembles a Router over a source and sink.
func NewRouter(src Source, sink Sink, opts Options) *Router {
	if opts.ConversationDebounce <= 0 {
		opts.ConversationDebounce = 100 * time.Millisecond
	}
	if opts.TenantDebounce <= 0 {
		opts.TenantDebounce = 300 * time.Millisecond
	}
	return &Router{
		src:            src,
		sink:           sink,
		convDebounce:   opts.ConversationDebounce,
		tenantDebounce: opts.TenantDebounce,
		subs:           make(map[string]*subscription),
	}
}

// State reports the source's connection state.
func (r *Router) State() ConnState {
	if r.src == nil {
		return StateInitializing
	}
	return r.src.State()
}

// Subscribe registers a debounced wakeup handler for a scope key
// (cache.ConversationScope / cache.TenantScope). Idempotent per key: a
// second Subscribe replaces the handler instead of duplicating delivery.
// The debounce window follows the scope kind.
func (r *Router) Subscribe(scope string, handler func()) {
	d := r.convDebounce
	if len(scope) > 7 && scope[:7] == "tenant:" {
		d = r.tenantDebounce
	}
	r.mu.Lock()
	if sub, ok := r.subs[scope]; ok {
		sub.handler = handler
		r.mu.Unlock()
		logger.Debug("realtime_resubscribed", "scope", scope)
		return
	}
	r.subs[scope] = &subscription{scope: scope, debounce: d, handler: handler}
	r.mu.Unlock()
	logger.Debug("realtime_subscribed", "scope", scope)
}

// Unsubscribe tears down the subscription for a scope key, cancelling any
// pending debounce timer. Mandatory on surface teardown.
func (r *Router) Unsubscribe(scope string) {
	r.mu.Lock()
	if sub, ok := r.subs[scope]; ok {
		if sub.timer != nil {
			sub.timer.Stop()
		}
		delete(r.subs, scope)
	}
	r.mu.Unlock()
	logger.Debug("realtime_unsubscribed", "scope", scope)
}

// Run consumes the source's events until ctx is done or the events channel
// closes. Events are applied to the sink immediately; handler wakeups are
// debounced per scope.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-r.src.Events():
			if !ok {
				return
			}
			r.dispatch(e)
		}
	}
}

func (r *Router) dispatch(e models.ChangeEvent) {
	telemetry.RealtimeEvents.WithLabelValues(e.Table).Inc()
	switch e.Table {
	case models.TableMessages:
		r.dispatchMessage(e)
	case models.TableConversations:
		r.dispatchConversation(e)
	default:
		logger.Debug("realtime_event_ignored", "table", e.Table, "type", string(e.Type))
	}
}

func (r *Router) dispatchMessage(e models.ChangeEvent) {
	var m models.Message
	var ok bool
	if e.Type == models.EventDelete {
		m, ok = e.OldMessage()
	} else {
		m, ok = e.Message()
	}
	if !ok || m.Conversation == "" {
		logger.Warn("realtime_event_malformed", "table", e.Table, "type", string(e.Type))
		return
	}
	switch e.Type {
	case models.EventDelete:
		r.sink.Delete(m.Conversation, m.ID)
	default:
		r.sink.Reconcile(m.Conversation, m)
	}
	r.notify(cache.ConversationScope(m.Conversation))
	if tenant := r.sink.TenantOf(m.Conversation); tenant != "" {
		r.notify(cache.TenantScope(tenant))
	}
}

func (r *Router) dispatchConversation(e models.ChangeEvent) {
	s, ok := e.Summary()
	if !ok || s.ID == "" {
		logger.Warn("realtime_event_malformed", "table", e.Table, "type", string(e.Type))
		return
	}
	if e.Type == models.EventDelete {
		// conversations are archived, not deleted, upstream
		return
	}
	r.sink.ApplySummary(s)
	r.notify(cache.ConversationScope(s.ID))
	if s.Tenant != "" {
		r.notify(cache.TenantScope(s.Tenant))
	}
}

// notify (re)arms the scope's debounce timer. A pending timer is cancelled
// and replaced, so a burst of events collapses into one trailing-edge
// handler call.
func (r *Router) notify(scope string) {
	r.mu.Lock()
	sub, ok := r.subs[scope]
	if !ok {
		r.mu.Unlock()
		return
	}
	if sub.timer != nil {
		sub.timer.Stop()
		telemetry.RealtimeCoalesced.Inc()
	}
	sub.timer = time.AfterFunc(sub.debounce, func() {
		r.mu.Lock()
		cur, ok := r.subs[scope]
		if !ok {
			r.mu.Unlock()
			return
		}
		cur.timer = nil
		h := cur.handler
		r.mu.Unlock()
		if h != nil {
			h()
		}
	})
	r.mu.Unlock()
}
