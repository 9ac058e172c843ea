// Package outbox is the durable outbound delivery queue. Every send is
// persisted before delivery is attempted; entries move through an explicit
// state machine (queued -> sending -> removed | queued(retry+1) | failed)
// and survive process restarts. One drain pass runs system-wide at a time.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"convosync/pkg/logger"
	"convosync/pkg/models"
	"convosync/pkg/telemetry"
)

var (
	// ErrClosed is returned after the store has been closed.
	ErrClosed = errors.New("outbox: store closed")
	// ErrDraining is returned when a drain is already in flight; the
	// running pass will pick up newly queued entries, so callers may
	// treat it as success.
	ErrDraining = errors.New("outbox: drain already in progress")
	// ErrPayloadTooLarge is returned by Enqueue when the serialized payload
	// exceeds the configured cap. The send is never persisted; retrying
	// without shrinking the content cannot succeed.
	ErrPayloadTooLarge = errors.New("outbox: payload exceeds size limit")
)

// PermanentError wraps a delivery error that must not be retried. The
// entry jumps straight to failed without consuming further attempts.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// SendFunc attempts delivery of one entry. Implementations may update
// e.ServerID when the record store assigns an authoritative id partway
// through (so a gateway retry does not re-create the record); the outbox
// persists the mutation with the rest of the entry state.
type SendFunc func(ctx context.Context, e *models.OutboxEntry) error

// Hooks mirror queue transitions into the rest of the engine. All hooks
// are optional and are called outside the store lock.
type Hooks struct {
	// OnStateChange fires on every persisted transition (queued,
	// sending, retry re-queue). Used to mirror status into the cache.
	OnStateChange func(e models.OutboxEntry)
	// OnDelivered fires after a successful send, before the entry is
	// removed.
	OnDelivered func(e models.OutboxEntry)
	// OnFailed fires when an entry becomes terminally failed.
	OnFailed func(e models.OutboxEntry)
}

// Options tune the retry state machine.
type Options struct {
	// MaxRetries is the total attempt ceiling (default 3).
	MaxRetries int
	// RetryBase is the backoff unit: attempt n (n >= 2) waits
	// RetryBase * 2^(n-2) before dialing out.
	RetryBase time.Duration
	// DrainRPS paces attempts during a drain; zero disables pacing.
	DrainRPS   float64
	DrainBurst int
	// MaxPayloadBytes caps the serialized size of an enqueued payload;
	// zero disables the cap.
	MaxPayloadBytes int64
}

// Outbox drives the outbound queue.
type Outbox struct {
	store      *Store
	send       SendFunc
	hooks      Hooks
	maxRetries int
	retryBase  time.Duration
	maxPayload int64
	limiter    *rate.Limiter
	draining   atomic.Bool
	sleep      func(ctx context.Context, d time.Duration) error
}

// New assembles an Outbox over an opened store.
func New(store *Store, send SendFunc, hooks Hooks, opts Options) *Outbox {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 2 * time.Second
	}
	var lim *rate.Limiter
	if opts.DrainRPS > 0 {
		burst := opts.DrainBurst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(opts.DrainRPS), burst)
	}
	o := &Outbox{
		store:      store,
		send:       send,
		hooks:      hooks,
		maxRetries: opts.MaxRetries,
		retryBase:  opts.RetryBase,
		maxPayload: opts.MaxPayloadBytes,
		limiter:    lim,
		sleep:      sleepCtx,
	}
	o.refreshDepth()
	return o
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Enqueue durably persists a pending send. The entry is only considered
// queued once the underlying write has synced. Payloads over the
// configured size cap are rejected up front with ErrPayloadTooLarge.
func (o *Outbox) Enqueue(payload models.SendRequest) (models.OutboxEntry, error) {
	if o.maxPayload > 0 {
		b, err := json.Marshal(payload)
		if err != nil {
			return models.OutboxEntry{}, fmt.Errorf("marshal payload: %w", err)
		}
		if int64(len(b)) > o.maxPayload {
			logger.Warn("outbox_payload_rejected", "conversation", payload.Conversation, "size", len(b), "limit", o.maxPayload)
			return models.OutboxEntry{}, fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(b), o.maxPayload)
		}
	}
	e := models.OutboxEntry{
		Conversation: payload.Conversation,
		Payload:      payload,
		QueuedAt:     time.Now().UnixNano(),
	}
	e, err := o.store.Append(e)
	if err != nil {
		return models.OutboxEntry{}, err
	}
	logger.Debug("outbox_enqueued", "queue_id", e.QueueID, "conversation", e.Conversation)
	o.refreshDepth()
	if o.hooks.OnStateChange != nil {
		o.hooks.OnStateChange(e)
	}
	return e, nil
}

// Drain works the queue until no queued entries remain or ctx is done.
// Single-flight: a second caller gets ErrDraining while a pass is running.
// Entries are attempted in FIFO order; an entry that fails transiently is
// re-queued with its retry count bumped and is revisited on a later lap of
// the same drain, after its backoff.
func (o *Outbox) Drain(ctx context.Context) error {
	if !o.draining.CompareAndSwap(false, true) {
		return ErrDraining
	}
	defer o.draining.Store(false)
	start := time.Now()
	defer func() {
		telemetry.DrainDuration.Observe(time.Since(start).Seconds())
		o.refreshDepth()
	}()

	for {
		entries, err := o.store.List()
		if err != nil {
			return err
		}
		progressed := false
		for _, e := range entries {
			if e.Status != models.EntryQueued {
				continue
			}
			if err := o.attempt(ctx, e); err != nil {
				return err
			}
			progressed = true
		}
		if !progressed {
			return nil
		}
	}
}

// attempt runs one delivery attempt for a queued entry. Only ctx errors
// propagate; delivery failures become entry state.
func (o *Outbox) attempt(ctx context.Context, e models.OutboxEntry) error {
	if e.RetryCount > 0 {
		delay := o.retryBase << (e.RetryCount - 1)
		if err := o.sleep(ctx, delay); err != nil {
			return err
		}
	}
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	e.Status = models.EntrySending
	if err := o.store.Put(e); err != nil {
		return err
	}
	if o.hooks.OnStateChange != nil {
		o.hooks.OnStateChange(e)
	}

	err := o.send(ctx, &e)
	if err == nil {
		telemetry.OutboxAttempts.WithLabelValues("success").Inc()
		if o.hooks.OnDelivered != nil {
			o.hooks.OnDelivered(e)
		}
		if err := o.store.Delete(e.QueueID); err != nil {
			return err
		}
		logger.Info("outbox_delivered", "queue_id", e.QueueID, "conversation", e.Conversation, "server_id", e.ServerID)
		return nil
	}
	if ctx.Err() != nil {
		// interrupted, not failed: hand the entry back to the queue
		e.Status = models.EntryQueued
		if perr := o.store.Put(e); perr != nil {
			return perr
		}
		return ctx.Err()
	}

	e.LastError = err.Error()
	if IsPermanent(err) {
		telemetry.OutboxAttempts.WithLabelValues("permanent").Inc()
		return o.fail(e)
	}
	telemetry.OutboxAttempts.WithLabelValues("transient").Inc()
	e.RetryCount++
	if e.RetryCount >= o.maxRetries {
		return o.fail(e)
	}
	e.Status = models.EntryQueued
	if err := o.store.Put(e); err != nil {
		return err
	}
	logger.Warn("outbox_retry_scheduled", "queue_id", e.QueueID, "retry_count", e.RetryCount, "error", e.LastError)
	if o.hooks.OnStateChange != nil {
		o.hooks.OnStateChange(e)
	}
	return nil
}

func (o *Outbox) fail(e models.OutboxEntry) error {
	e.Status = models.EntryFailed
	if err := o.store.Put(e); err != nil {
		return err
	}
	telemetry.OutboxExhausted.Inc()
	logger.Error("outbox_entry_failed", "queue_id", e.QueueID, "conversation", e.Conversation, "retry_count", e.RetryCount, "error", e.LastError)
	if o.hooks.OnFailed != nil {
		o.hooks.OnFailed(e)
	}
	return nil
}

// RetryFailed resets all failed entries back to queued with a fresh retry
// budget. Returns how many entries were reset; the caller decides when to
// trigger the next drain.
func (o *Outbox) RetryFailed() (int, error) {
	entries, err := o.store.List()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.Status != models.EntryFailed {
			continue
		}
		e.Status = models.EntryQueued
		e.RetryCount = 0
		e.LastError = ""
		if err := o.store.Put(e); err != nil {
			return n, err
		}
		if o.hooks.OnStateChange != nil {
			o.hooks.OnStateChange(e)
		}
		n++
	}
	o.refreshDepth()
	return n, nil
}

// ClearFailed discards all failed entries.
func (o *Outbox) ClearFailed() (int, error) {
	entries, err := o.store.List()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.Status != models.EntryFailed {
			continue
		}
		if err := o.store.Delete(e.QueueID); err != nil {
			return n, err
		}
		n++
	}
	o.refreshDepth()
	return n, nil
}

// PruneFailed deletes failed entries queued before cutoff. Used by the
// maintenance sweeper.
func (o *Outbox) PruneFailed(cutoff time.Time, limit int) (int, error) {
	entries, err := o.store.List()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.Status != models.EntryFailed || e.QueuedAt >= cutoff.UnixNano() {
			continue
		}
		if err := o.store.Delete(e.QueueID); err != nil {
			return n, err
		}
		n++
		if limit > 0 && n >= limit {
			break
		}
	}
	o.refreshDepth()
	return n, nil
}

// Depth returns current entry counts by status.
func (o *Outbox) Depth() (queued, sending, failed int) {
	entries, err := o.store.List()
	if err != nil {
		return 0, 0, 0
	}
	for _, e := range entries {
		switch e.Status {
		case models.EntryQueued:
			queued++
		case models.EntrySending:
			sending++
		case models.EntryFailed:
			failed++
		}
	}
	return
}

func (o *Outbox) refreshDepth() {
	q, s, f := o.Depth()
	telemetry.OutboxDepth.WithLabelValues(string(models.EntryQueued)).Set(float64(q))
	telemetry.OutboxDepth.WithLabelValues(string(models.EntrySending)).Set(float64(s))
	telemetry.OutboxDepth.WithLabelValues(string(models.EntryFailed)).Set(float64(f))
}
