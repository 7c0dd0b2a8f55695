// Package transport performs single HTTP operations with bounded
// exponential-backoff retry. The executor is stateless apart from its
// injected HTTP client, so independent calls are safe to run concurrently.
//
// Retry rules:
//   - transport/network errors are retried up to the policy bound
//   - 5xx responses are retried up to the policy bound
//   - 4xx responses are returned as-is, never retried
//   - a hard per-attempt timeout aborts the in-flight call; the cancellation
//     is classified as a retryable transient failure
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-offline-client/internal/domain"
)

// Doer abstracts the HTTP client so tests (and alternative stacks) can plug
// in anything that satisfies the standard request/response shape.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryPolicy bounds the backoff schedule. Delays follow
// min(BaseDelay * BackoffFactor^attempt, MaxDelay).
type RetryPolicy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryPolicy is the canonical policy: 3 retries, 1s base, 10s cap,
// factor 2.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		BaseDelay:     time.Second,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2,
	}
}

var retriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "offline_http_retries_total",
		Help: "Retry attempts performed by the transport executor, by cause.",
	},
	[]string{"cause"}, // "network" or "server"
)

func init() {
	prometheus.MustRegister(retriesTotal)
}

// Executor runs one HTTP operation with retry. Safe for concurrent use.
type Executor struct {
	client  Doer
	timeout time.Duration

	lg zerolog.Logger

	// sleep is a test seam; production uses a context-aware timer wait.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor builds an Executor around client with the given hard
// per-attempt timeout. A nil client falls back to http.DefaultClient; a
// non-positive timeout falls back to 30 seconds.
func NewExecutor(client Doer, timeout time.Duration) *Executor {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Executor{
		client:  client,
		timeout: timeout,
		lg:      log.With().Str("component", "transport").Logger(),
		sleep:   sleepCtx,
	}
}

// Execute performs the request described by spec against url, retrying per
// pol. The returned response may be non-2xx; only transport errors surface
// as Go errors. The caller owns the response body.
func (e *Executor) Execute(ctx context.Context, url string, spec domain.RequestSpec, pol RetryPolicy) (*http.Response, error) {
	sched := newSchedule(pol)

	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := e.attempt(ctx, url, spec)
		if err == nil {
			if resp.StatusCode >= 500 && resp.StatusCode < 600 && attempt < pol.MaxRetries {
				// Server-side failure; the body will not be read, release it
				// before the retry.
				drainAndClose(resp)
				retriesTotal.WithLabelValues("server").Inc()
				delay := sched.next()
				e.lg.Warn().
					Str("url", url).
					Int("status", resp.StatusCode).
					Int("attempt", attempt+1).
					Dur("delay", delay).
					Msg("retrying after server error")
				if serr := e.sleep(ctx, delay); serr != nil {
					return nil, serr
				}
				continue
			}
			return resp, nil
		}

		// Transport-level failure (includes the per-attempt timeout).
		if ctx.Err() != nil {
			// Caller cancelled; do not retry past their deadline.
			return nil, fmt.Errorf("request aborted: %w", ctx.Err())
		}
		lastErr = err
		if attempt >= pol.MaxRetries {
			break
		}
		retriesTotal.WithLabelValues("network").Inc()
		delay := sched.next()
		e.lg.Warn().
			Str("url", url).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Err(err).
			Msg("retrying after network error")
		if serr := e.sleep(ctx, delay); serr != nil {
			return nil, serr
		}
	}
	return nil, fmt.Errorf("request failed after %d retries: %w", pol.MaxRetries, lastErr)
}

// attempt performs a single HTTP call under the hard timeout.
func (e *Executor) attempt(ctx context.Context, url string, spec domain.RequestSpec) (*http.Response, error) {
	actx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(spec.Body) > 0 {
		body = bytes.NewReader(spec.Body)
	}
	req, err := http.NewRequestWithContext(actx, method, url, body)
	if err != nil {
		return nil, err
	}
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}
	if len(spec.Body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	// Detach the body from the per-attempt context so the caller can read it
	// after this function's cancel fires.
	data, rerr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if rerr != nil {
		return nil, rerr
	}
	resp.Body = io.NopCloser(bytes.NewReader(data))
	return resp, nil
}

// schedule yields deterministic exponential delays via cenkalti/backoff with
// randomization disabled: base, base*f, base*f^2, ... capped at MaxDelay.
type schedule struct {
	b *backoff.ExponentialBackOff
}

func newSchedule(pol RetryPolicy) *schedule {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = pol.BaseDelay
	b.MaxInterval = pol.MaxDelay
	b.Multiplier = pol.BackoffFactor
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0 // the attempt bound, not elapsed time, stops us
	b.Reset()
	return &schedule{b: b}
}

func (s *schedule) next() time.Duration {
	return s.b.NextBackOff()
}

// sleepCtx waits for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func drainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	resp.Body.Close()
}
