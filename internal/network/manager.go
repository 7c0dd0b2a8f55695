// Package network composes the state monitor, retry executor, and offline
// queue behind one fetch-like entry point.
//
// Offline behavior: Fetch never performs network I/O while the monitor
// reports offline. The request is queued and a QueuedError wrapping ErrQueued
// is returned, so callers can distinguish "accepted for later delivery" from
// a genuine failure and show "will send when back online" instead of an error
// toast. When connectivity returns, the queue drains automatically.
package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-offline-client/internal/domain"
	"github.com/tbourn/go-offline-client/internal/netstate"
	"github.com/tbourn/go-offline-client/internal/queue"
	"github.com/tbourn/go-offline-client/internal/transport"
)

// ErrQueued is the sentinel "queued, not yet sent" signal. It is deliberately
// an error so a Fetch caller can never mistake queuing for a real response.
var ErrQueued = errors.New("request queued for later delivery")

// QueuedError carries the queued record alongside ErrQueued.
type QueuedError struct {
	Request domain.QueuedRequest
}

// Error implements the error interface.
func (e *QueuedError) Error() string {
	return fmt.Sprintf("request %s queued for later delivery", e.Request.ID)
}

// Unwrap makes errors.Is(err, ErrQueued) hold.
func (e *QueuedError) Unwrap() error { return ErrQueued }

// FetchOption customizes one Fetch call.
type FetchOption func(*fetchOptions)

type fetchOptions struct {
	priority domain.Priority
	policy   *transport.RetryPolicy
}

// WithPriority sets the queue priority used if the request must be buffered.
func WithPriority(p domain.Priority) FetchOption {
	return func(o *fetchOptions) { o.priority = p }
}

// WithRetryPolicy overrides the canonical retry policy for this call only.
func WithRetryPolicy(pol transport.RetryPolicy) FetchOption {
	return func(o *fetchOptions) { o.policy = &pol }
}

// Manager is the single entry point the UI layer calls for outbound HTTP.
// Safe for concurrent use.
type Manager struct {
	monitor *netstate.Monitor
	exec    *transport.Executor
	queue   *queue.RequestQueue
	policy  transport.RetryPolicy

	unsubscribe func()
	lg          zerolog.Logger
}

// NewManager wires the collaborators together and subscribes to connectivity
// transitions; an offline→online transition triggers an automatic queue
// drain. Call Close to release the subscription.
func NewManager(monitor *netstate.Monitor, exec *transport.Executor, q *queue.RequestQueue, policy transport.RetryPolicy) *Manager {
	m := &Manager{
		monitor: monitor,
		exec:    exec,
		queue:   q,
		policy:  policy,
		lg:      log.With().Str("component", "network_manager").Logger(),
	}

	// The subscription callback fires immediately with the current state;
	// seed prevOnline from it so only real transitions trigger a drain.
	var (
		transMu    sync.Mutex
		first      = true
		prevOnline bool
	)
	m.unsubscribe = monitor.Subscribe(func(s domain.NetworkState) {
		transMu.Lock()
		defer transMu.Unlock()
		online := s.Online()
		if first {
			first = false
			prevOnline = online
			return
		}
		if online && !prevOnline {
			m.lg.Info().Msg("back online, draining queue")
			go m.queue.ProcessQueue(context.Background())
		}
		prevOnline = online
	})
	return m
}

// Fetch performs the request immediately when online, or queues it when
// offline. A queued request returns a nil response and a QueuedError wrapping
// ErrQueued, never a fabricated Response.
func (m *Manager) Fetch(ctx context.Context, url string, spec domain.RequestSpec, opts ...FetchOption) (*http.Response, error) {
	o := fetchOptions{priority: domain.PriorityMedium}
	for _, opt := range opts {
		opt(&o)
	}
	pol := m.policy
	if o.policy != nil {
		pol = *o.policy
	}

	tr := otel.Tracer("network/Manager")
	ctx, span := tr.Start(ctx, "Fetch",
		trace.WithAttributes(
			attribute.String("http.url", url),
			attribute.String("queue.priority", string(o.priority)),
		),
	)
	defer span.End()

	if !m.monitor.State().Online() {
		req, err := m.queue.Enqueue(ctx, url, spec, o.priority)
		if err != nil {
			return nil, err
		}
		span.SetAttributes(attribute.Bool("offline.queued", true))
		return nil, &QueuedError{Request: req}
	}

	return m.exec.Execute(ctx, url, spec, pol)
}

// ProcessQueue triggers a drain pass explicitly (e.g. from the diagnostics
// endpoint). Safe to call at any time; re-entrant calls are no-ops.
func (m *Manager) ProcessQueue(ctx context.Context) {
	m.queue.ProcessQueue(ctx)
}

// QueueLen reports the number of requests waiting for delivery.
func (m *Manager) QueueLen() int { return m.queue.Len() }

// State returns the current connectivity snapshot.
func (m *Manager) State() domain.NetworkState { return m.monitor.State() }

// Close releases the monitor subscription. Idempotent.
func (m *Manager) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
}
