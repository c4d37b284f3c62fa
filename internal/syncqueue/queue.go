// Package syncqueue buffers outbound events while the remote store is
// unreachable and replays them in arrival order once it is back.
package syncqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"cleanhelmet/internal/config"
	apperrors "cleanhelmet/internal/errors"
	"cleanhelmet/internal/infrastructure"
	"cleanhelmet/internal/remote"
	"cleanhelmet/internal/scheduler"
	"cleanhelmet/internal/store"
)

// Drop reasons reported to OnDrop.
const (
	DropOverflow   = "overflow"
	DropMaxRetries = "max_retries"
)

// Connectivity is the part of the connectivity monitor the queue needs.
type Connectivity interface {
	Online() bool
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// DropHandler is told about every item that leaves the queue undelivered.
type DropHandler func(ctx context.Context, item store.SyncItem, reason string)

// FlushResult summarizes one flush run.
type FlushResult struct {
	Skipped   bool `json:"skipped,omitempty"`
	Delivered int  `json:"delivered"`
	Retried   int  `json:"retried"`
	Dropped   int  `json:"dropped"`
	Remaining int  `json:"remaining"`
}

// Options configures a Queue.
type Options struct {
	Store        store.SyncItemStore
	Sink         remote.Sink
	Connectivity Connectivity
	Config       config.SyncConfig
	Clock        scheduler.Clock
	OnDrop       DropHandler
	Metrics      *infrastructure.KioskMetrics
	Logger       *slog.Logger
}

// Queue is a bounded FIFO of sync items persisted after every change.
type Queue struct {
	mu    sync.Mutex
	items []store.SyncItem
	seq   int64

	flushing atomic.Bool
	limiter  *rate.Limiter
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	unsub    func()

	store   store.SyncItemStore
	sink    remote.Sink
	conn    Connectivity
	cfg     config.SyncConfig
	clock   scheduler.Clock
	onDrop  DropHandler
	metrics *infrastructure.KioskMetrics
	logger  *slog.Logger
}

// New creates the queue and subscribes it to connectivity changes so it
// flushes whenever the link comes back.
func New(opts Options) (*Queue, error) {
	if opts.Store == nil {
		return nil, apperrors.NewConfigError("sync queue requires a store", nil)
	}
	if opts.Config.MaxItems <= 0 || opts.Config.MaxRetries <= 0 {
		return nil, apperrors.NewConfigError("sync queue limits must be positive", nil).
			WithContext("max_items", opts.Config.MaxItems).
			WithContext("max_retries", opts.Config.MaxRetries)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = scheduler.RealClock{}
	}

	limit := rate.Inf
	if opts.Config.ItemPause > 0 {
		limit = rate.Every(opts.Config.ItemPause)
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		limiter: rate.NewLimiter(limit, 1),
		ctx:     ctx,
		cancel:  cancel,
		store:   opts.Store,
		sink:    opts.Sink,
		conn:    opts.Connectivity,
		cfg:     opts.Config,
		clock:   clock,
		onDrop:  opts.OnDrop,
		metrics: opts.Metrics,
		logger:  logger.With(slog.String("component", "sync_queue")),
	}
	if q.conn != nil {
		q.unsub = q.conn.Subscribe(func(online bool) {
			if online {
				q.flushAsync()
			}
		})
	}
	return q, nil
}

// Load replaces the in-memory queue with the persisted one.
func (q *Queue) Load(ctx context.Context) error {
	items, err := q.store.LoadSyncItems(ctx)
	if err != nil {
		return apperrors.NewStorageError("failed to load sync queue", err)
	}

	q.mu.Lock()
	q.items = items
	for _, it := range items {
		if it.Seq > q.seq {
			q.seq = it.Seq
		}
	}
	n := len(items)
	q.mu.Unlock()

	q.metrics.RecordQueueDepth(ctx, n)
	q.logger.InfoContext(ctx, "sync queue loaded", slog.Int("items", n))
	return nil
}

// Enqueue appends an event. The payload is marshalled to JSON unless it
// already is raw JSON. When online a flush is started in the background.
func (q *Queue) Enqueue(ctx context.Context, typ store.SyncItemType, payload interface{}) (store.SyncItem, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return store.SyncItem{}, apperrors.NewAppValidationError("sync payload is not serializable").
			WithContext("type", string(typ)).
			WithContext("error", err.Error())
	}

	q.mu.Lock()
	q.seq++
	item := store.SyncItem{
		ID:        uuid.NewString(),
		Seq:       q.seq,
		Type:      typ,
		Payload:   raw,
		CreatedAt: q.clock.Now(),
	}
	q.items = append(q.items, item)

	var dropped []store.SyncItem
	if over := len(q.items) - q.cfg.MaxItems; over > 0 {
		dropped = append(dropped, q.items[:over]...)
		q.items = append([]store.SyncItem(nil), q.items[over:]...)
	}
	q.persistLocked(ctx)
	q.mu.Unlock()

	q.metrics.RecordQueueDepth(ctx, 1-len(dropped))
	for _, d := range dropped {
		q.drop(ctx, d, DropOverflow)
	}
	q.logger.DebugContext(ctx, "sync item enqueued",
		slog.String("item_id", item.ID),
		slog.String("type", string(typ)),
	)

	if q.online() {
		q.flushAsync()
	}
	return item, nil
}

// Flush delivers queued items one at a time. Only one flush runs at a
// time; a concurrent call returns immediately with Skipped set. Failed
// items go to the tail until they reach MaxRetries, then they are dropped.
func (q *Queue) Flush(ctx context.Context) FlushResult {
	if !q.flushing.CompareAndSwap(false, true) {
		return FlushResult{Skipped: true}
	}

	var res FlushResult
	if q.sink == nil {
		q.flushing.Store(false)
		q.logger.DebugContext(ctx, "no remote sink, flush skipped")
		res.Remaining = q.Len()
		return res
	}
	res = q.drain(ctx)
	q.flushing.Store(false)

	// an Enqueue that raced with the end of the loop saw flushing set
	if q.Len() > 0 && q.online() && ctx.Err() == nil {
		q.flushAsync()
	}
	return res
}

func (q *Queue) drain(ctx context.Context) FlushResult {
	var res FlushResult

	for q.online() {
		if err := q.limiter.Wait(ctx); err != nil {
			break
		}

		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			break
		}
		item := q.items[0]
		q.mu.Unlock()

		err := q.sink.Deliver(ctx, item)

		q.mu.Lock()
		present := q.removeLocked(item.ID)
		var droppedItem *store.SyncItem
		switch {
		case err == nil:
			res.Delivered++
		case !present:
			// evicted by overflow while in flight
		default:
			item.RetryCount++
			if item.RetryCount < q.cfg.MaxRetries {
				q.items = append(q.items, item)
				res.Retried++
			} else {
				res.Dropped++
				droppedItem = &item
			}
		}
		q.persistLocked(ctx)
		q.mu.Unlock()

		switch {
		case !present:
		case err == nil:
			q.metrics.RecordQueueDepth(ctx, -1)
			q.metrics.RecordSyncOutcome(ctx, true, "")
		case droppedItem != nil:
			q.metrics.RecordQueueDepth(ctx, -1)
			q.drop(ctx, *droppedItem, DropMaxRetries)
		default:
			q.logger.InfoContext(ctx, "sync delivery failed, will retry",
				slog.String("item_id", item.ID),
				slog.Int("retry_count", item.RetryCount),
				slog.String("error", err.Error()),
			)
		}
	}

	res.Remaining = q.Len()
	if res.Delivered+res.Dropped+res.Retried > 0 {
		q.logger.InfoContext(ctx, "sync flush finished",
			slog.Int("delivered", res.Delivered),
			slog.Int("retried", res.Retried),
			slog.Int("dropped", res.Dropped),
			slog.Int("remaining", res.Remaining),
		)
	}
	return res
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a copy of the queue in delivery order.
func (q *Queue) Items() []store.SyncItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]store.SyncItem(nil), q.items...)
}

// Flushing reports whether a flush is in progress.
func (q *Queue) Flushing() bool {
	return q.flushing.Load()
}

// Destroy stops listening for connectivity and waits for a running flush.
func (q *Queue) Destroy() {
	if q.unsub != nil {
		q.unsub()
	}
	q.mu.Lock()
	q.cancel()
	q.mu.Unlock()
	q.wg.Wait()
}

// flushAsync starts a background flush. The context check and wg.Add share
// q.mu with Destroy's cancel, so no flush is added once Destroy is waiting.
func (q *Queue) flushAsync() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ctx.Err() != nil || q.flushing.Load() {
		return
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.Flush(q.ctx)
	}()
}

func (q *Queue) online() bool {
	return q.conn == nil || q.conn.Online()
}

func (q *Queue) drop(ctx context.Context, item store.SyncItem, reason string) {
	q.logger.WarnContext(ctx, "sync item dropped, data lost",
		slog.String("event", string(store.ActivitySyncItemDropped)),
		slog.String("item_id", item.ID),
		slog.String("type", string(item.Type)),
		slog.String("reason", reason),
		slog.Int("retry_count", item.RetryCount),
	)
	q.metrics.RecordSyncOutcome(ctx, false, reason)
	if q.onDrop != nil {
		q.onDrop(ctx, item, reason)
	}
}

func (q *Queue) removeLocked(id string) bool {
	for i := range q.items {
		if q.items[i].ID == id {
			q.items = append(q.items[:i:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

func (q *Queue) persistLocked(ctx context.Context) {
	if err := q.store.SaveSyncItems(ctx, q.items); err != nil {
		q.logger.ErrorContext(ctx, "failed to persist sync queue",
			slog.Int("items", len(q.items)),
			slog.String("error", err.Error()),
		)
	}
}

func encodePayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("invalid raw JSON")
		}
		return p, nil
	case nil:
		return json.RawMessage("null"), nil
	default:
		return json.Marshal(p)
	}
}
