// Package queue implements the persisted priority queue that buffers HTTP
// requests while the device is offline.
//
// Ordering: priority rank descending (high > medium > low), then enqueue time
// ascending, so items within a band drain FIFO. Starvation protection is the
// caller's concern; there is no aging or promotion.
//
// The entire queue is the unit of persistence: it is loaded once at
// construction and saved after every mutation under a fixed storage key.
// Corrupt or missing stored data degrades to an empty queue.
package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-offline-client/internal/domain"
	"github.com/tbourn/go-offline-client/internal/storage"
	"github.com/tbourn/go-offline-client/internal/transport"
)

// StorageKey is the fixed key the serialized queue lives under.
const StorageKey = "networkRequestQueue"

var (
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "offline_request_queue_depth",
		Help: "Number of requests waiting in the offline queue.",
	})
	drainResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_request_drain_total",
			Help: "Outcomes of queued-request drain attempts.",
		},
		[]string{"result"}, // "delivered", "requeued", "dropped"
	)
)

func init() {
	prometheus.MustRegister(queueDepth, drainResults)
}

// EventSink receives drain outcomes so the UI layer can observe completion
// without polling. Implementations must be fast; callbacks run on the drain
// goroutine.
type EventSink interface {
	// Delivered is called when a queued request was sent successfully.
	Delivered(req domain.QueuedRequest, status int)
	// Requeued is called when a drain attempt failed and the request stays
	// queued for another pass.
	Requeued(req domain.QueuedRequest, err error)
	// Dropped is called when a request is discarded, either permanently
	// rejected by the server or out of retries.
	Dropped(req domain.QueuedRequest, err error)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Delivered(domain.QueuedRequest, int)  {}
func (NopSink) Requeued(domain.QueuedRequest, error) {}
func (NopSink) Dropped(domain.QueuedRequest, error)  {}

// StateSource reports current connectivity; satisfied by netstate.Monitor.
type StateSource interface {
	State() domain.NetworkState
}

// RequestQueue buffers requests that cannot be sent now and replays them when
// asked. Safe for concurrent use; enqueues may interleave with a running
// drain.
type RequestQueue struct {
	store  storage.Store
	exec   *transport.Executor
	states StateSource
	policy transport.RetryPolicy
	events EventSink

	maxRetries int
	limiter    *rate.Limiter

	mu    sync.Mutex
	items []domain.QueuedRequest

	draining atomic.Bool

	lg zerolog.Logger
}

// Options tunes a RequestQueue beyond its required collaborators.
type Options struct {
	// MaxRetries is the drop threshold per item; zero means the default of 3.
	MaxRetries int
	// DrainRPS paces replay after reconnect; zero or negative disables pacing.
	DrainRPS float64
	// DrainBurst is the pacing burst size; values < 1 are coerced to 1.
	DrainBurst int
	// Events receives drain outcomes; nil installs NopSink.
	Events EventSink
}

// NewRequestQueue loads any persisted queue from store and returns a queue
// ready to accept requests. A load failure is logged and treated as an empty
// queue, never surfaced to the caller.
func NewRequestQueue(store storage.Store, exec *transport.Executor, states StateSource, policy transport.RetryPolicy, opts Options) *RequestQueue {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.DrainBurst < 1 {
		opts.DrainBurst = 1
	}
	if opts.Events == nil {
		opts.Events = NopSink{}
	}
	limit := rate.Inf
	if opts.DrainRPS > 0 {
		limit = rate.Limit(opts.DrainRPS)
	}

	q := &RequestQueue{
		store:      store,
		exec:       exec,
		states:     states,
		policy:     policy,
		events:     opts.Events,
		maxRetries: opts.MaxRetries,
		limiter:    rate.NewLimiter(limit, opts.DrainBurst),
		lg:         log.With().Str("component", "request_queue").Logger(),
	}
	q.load()
	return q
}

// Enqueue accepts a request for later delivery. It assigns a fresh id and
// timestamp, re-sorts, and persists the whole queue. Enqueue never performs
// network I/O: the returned record means "accepted", not "sent".
func (q *RequestQueue) Enqueue(ctx context.Context, url string, spec domain.RequestSpec, priority domain.Priority) (domain.QueuedRequest, error) {
	if !priority.Valid() {
		priority = domain.PriorityMedium
	}
	req := domain.QueuedRequest{
		ID:         uuid.NewString(),
		URL:        url,
		Request:    spec,
		EnqueuedAt: time.Now().UTC(),
		RetryCount: 0,
		Priority:   priority,
	}

	q.mu.Lock()
	q.items = append(q.items, req)
	q.sortLocked()
	snapshot := q.copyLocked()
	q.mu.Unlock()

	queueDepth.Set(float64(len(snapshot)))
	q.persist(ctx, snapshot)

	q.lg.Debug().
		Str("request_id", req.ID).
		Str("url", url).
		Str("priority", string(priority)).
		Int("depth", len(snapshot)).
		Msg("request queued")
	return req, nil
}

// Len reports the number of pending requests.
func (q *RequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns a copy of the pending requests in drain order.
func (q *RequestQueue) Snapshot() []domain.QueuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.copyLocked()
}

// Clear discards all pending requests and persists the empty queue.
func (q *RequestQueue) Clear(ctx context.Context) {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
	queueDepth.Set(0)
	q.persist(ctx, nil)
}

// ProcessQueue drains pending requests through the retry executor. It is a
// no-op when a drain is already running, the queue is empty, or the device is
// offline. The drain iterates over a snapshot, so concurrent enqueues are
// safe; it stops early if connectivity is lost mid-run. The residual queue is
// persisted after the pass.
func (q *RequestQueue) ProcessQueue(ctx context.Context) {
	if !q.draining.CompareAndSwap(false, true) {
		return
	}
	defer q.draining.Store(false)

	if q.Len() == 0 || !q.states.State().Online() {
		return
	}

	tr := otel.Tracer("queue/RequestQueue")
	ctx, span := tr.Start(ctx, "ProcessQueue",
		trace.WithAttributes(attribute.Int("queue.depth", q.Len())),
	)
	defer span.End()

	pass := q.Snapshot()
	delivered := 0
	for _, item := range pass {
		if ctx.Err() != nil {
			break
		}
		if !q.states.State().Online() {
			q.lg.Info().Msg("connectivity lost, drain stopped")
			break
		}
		if err := q.limiter.Wait(ctx); err != nil {
			break
		}

		resp, err := q.exec.Execute(ctx, item.URL, item.Request, q.policy)
		switch {
		case err != nil:
			q.fail(item, err)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			// Permanent rejection; replaying the same request cannot succeed.
			resp.Body.Close()
			q.remove(item.ID)
			drainResults.WithLabelValues("dropped").Inc()
			q.lg.Warn().
				Str("request_id", item.ID).
				Int("status", resp.StatusCode).
				Msg("queued request rejected, dropped")
			q.events.Dropped(item, &StatusError{Status: resp.StatusCode})
		case resp.StatusCode >= 500:
			resp.Body.Close()
			q.fail(item, &StatusError{Status: resp.StatusCode})
		default:
			resp.Body.Close()
			q.remove(item.ID)
			delivered++
			drainResults.WithLabelValues("delivered").Inc()
			q.events.Delivered(item, resp.StatusCode)
		}
	}

	q.mu.Lock()
	residual := q.copyLocked()
	q.mu.Unlock()
	queueDepth.Set(float64(len(residual)))
	q.persist(ctx, residual)

	span.SetAttributes(
		attribute.Int("queue.delivered", delivered),
		attribute.Int("queue.residual", len(residual)),
	)
	q.lg.Info().
		Int("delivered", delivered).
		Int("residual", len(residual)).
		Msg("drain pass finished")
}

// fail bumps the item's retry count and either keeps it queued or drops it
// once the max is reached.
func (q *RequestQueue) fail(item domain.QueuedRequest, cause error) {
	q.mu.Lock()
	kept := false
	var updated domain.QueuedRequest
	for i := range q.items {
		if q.items[i].ID == item.ID {
			q.items[i].RetryCount++
			updated = q.items[i]
			if q.items[i].RetryCount < q.maxRetries {
				kept = true
			} else {
				q.items = append(q.items[:i], q.items[i+1:]...)
			}
			break
		}
	}
	q.sortLocked()
	q.mu.Unlock()

	if kept {
		drainResults.WithLabelValues("requeued").Inc()
		q.events.Requeued(updated, cause)
		return
	}
	drainResults.WithLabelValues("dropped").Inc()
	q.lg.Warn().
		Str("request_id", item.ID).
		Int("retries", updated.RetryCount).
		Err(cause).
		Msg("queued request out of retries, dropped")
	q.events.Dropped(updated, cause)
}

// remove deletes the item with the given id from the live queue.
func (q *RequestQueue) remove(id string) {
	q.mu.Lock()
	for i := range q.items {
		if q.items[i].ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	q.mu.Unlock()
}

func (q *RequestQueue) sortLocked() {
	sort.SliceStable(q.items, func(i, j int) bool {
		ri, rj := q.items[i].Priority.Rank(), q.items[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		return q.items[i].EnqueuedAt.Before(q.items[j].EnqueuedAt)
	})
}

func (q *RequestQueue) copyLocked() []domain.QueuedRequest {
	out := make([]domain.QueuedRequest, len(q.items))
	copy(out, q.items)
	return out
}

// load restores the queue from durable storage. Any failure leaves the queue
// empty; durability is best-effort.
func (q *RequestQueue) load() {
	data, err := q.store.Load(context.Background(), StorageKey)
	if err != nil {
		if err != storage.ErrNotFound {
			q.lg.Warn().Err(err).Msg("loading persisted queue failed, starting empty")
		}
		return
	}
	var items []domain.QueuedRequest
	if err := json.Unmarshal(data, &items); err != nil {
		q.lg.Warn().Err(err).Msg("persisted queue corrupt, starting empty")
		return
	}
	q.mu.Lock()
	q.items = items
	q.sortLocked()
	q.mu.Unlock()
	queueDepth.Set(float64(len(items)))
}

// persist writes the given snapshot. Failures are logged, never fatal: the
// in-memory queue stays authoritative for this process.
func (q *RequestQueue) persist(ctx context.Context, items []domain.QueuedRequest) {
	if items == nil {
		items = []domain.QueuedRequest{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		q.lg.Error().Err(err).Msg("serializing queue failed, write skipped")
		return
	}
	if err := q.store.Save(ctx, StorageKey, data); err != nil {
		q.lg.Error().Err(err).Msg("persisting queue failed, write skipped")
	}
}
