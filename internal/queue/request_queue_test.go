package queue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/tbourn/go-offline-client/internal/domain"
	"github.com/tbourn/go-offline-client/internal/storage"
	"github.com/tbourn/go-offline-client/internal/transport"
)

// fakeStates is a StateSource with a switchable state.
type fakeStates struct {
	mu     sync.Mutex
	online bool
}

func (f *fakeStates) State() domain.NetworkState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return domain.NetworkState{Connected: f.online, InternetReachable: f.online, Transport: domain.TransportWiFi}
}

func (f *fakeStates) set(online bool) {
	f.mu.Lock()
	f.online = online
	f.mu.Unlock()
}

// recorder collects drain events.
type recorder struct {
	mu        sync.Mutex
	delivered []string
	requeued  []string
	dropped   []string
}

func (r *recorder) Delivered(req domain.QueuedRequest, _ int) {
	r.mu.Lock()
	r.delivered = append(r.delivered, req.ID)
	r.mu.Unlock()
}

func (r *recorder) Requeued(req domain.QueuedRequest, _ error) {
	r.mu.Lock()
	r.requeued = append(r.requeued, req.ID)
	r.mu.Unlock()
}

func (r *recorder) Dropped(req domain.QueuedRequest, _ error) {
	r.mu.Lock()
	r.dropped = append(r.dropped, req.ID)
	r.mu.Unlock()
}

// fastPolicy keeps executor-level retries out of queue tests.
var fastPolicy = transport.RetryPolicy{
	MaxRetries:    0,
	BaseDelay:     time.Millisecond,
	MaxDelay:      time.Millisecond,
	BackoffFactor: 2,
}

func newTestQueue(t *testing.T, store storage.Store, states StateSource, opts Options) *RequestQueue {
	t.Helper()
	exec := transport.NewExecutor(nil, 5*time.Second)
	return NewRequestQueue(store, exec, states, fastPolicy, opts)
}

func TestEnqueue_PersistsAndAssignsIdentity(t *testing.T) {
	store := storage.NewMemoryStore()
	q := newTestQueue(t, store, &fakeStates{online: false}, Options{})

	req, err := q.Enqueue(context.Background(), "http://api.local/messages", domain.RequestSpec{Method: http.MethodPost}, domain.PriorityHigh)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if req.ID == "" || req.EnqueuedAt.IsZero() || req.RetryCount != 0 {
		t.Fatalf("enqueued record incomplete: %+v", req)
	}
	if q.Len() != 1 {
		t.Fatalf("Len = %d; want 1", q.Len())
	}

	// The persisted blob must restore into a fresh queue.
	q2 := newTestQueue(t, store, &fakeStates{online: false}, Options{})
	if q2.Len() != 1 {
		t.Fatalf("restored Len = %d; want 1", q2.Len())
	}
	if got := q2.Snapshot()[0]; got.ID != req.ID || got.URL != req.URL {
		t.Fatalf("restored item mismatch: %+v", got)
	}
}

func TestEnqueue_InvalidPriorityFallsBackToMedium(t *testing.T) {
	q := newTestQueue(t, storage.NewMemoryStore(), &fakeStates{}, Options{})
	req, _ := q.Enqueue(context.Background(), "http://api.local/x", domain.RequestSpec{}, domain.Priority("urgent"))
	if req.Priority != domain.PriorityMedium {
		t.Fatalf("priority = %q; want medium fallback", req.Priority)
	}
}

func TestSnapshot_PriorityThenFIFO(t *testing.T) {
	q := newTestQueue(t, storage.NewMemoryStore(), &fakeStates{}, Options{})
	ctx := context.Background()

	low, _ := q.Enqueue(ctx, "http://api.local/low", domain.RequestSpec{}, domain.PriorityLow)
	h1, _ := q.Enqueue(ctx, "http://api.local/h1", domain.RequestSpec{}, domain.PriorityHigh)
	med, _ := q.Enqueue(ctx, "http://api.local/med", domain.RequestSpec{}, domain.PriorityMedium)
	h2, _ := q.Enqueue(ctx, "http://api.local/h2", domain.RequestSpec{}, domain.PriorityHigh)

	want := []string{h1.ID, h2.ID, med.ID, low.ID}
	snap := q.Snapshot()
	if len(snap) != len(want) {
		t.Fatalf("Snapshot len = %d; want %d", len(snap), len(want))
	}
	for i, id := range want {
		if snap[i].ID != id {
			t.Fatalf("order[%d] = %s (%s); want %s", i, snap[i].ID, snap[i].URL, id)
		}
	}
}

func TestProcessQueue_DeliversInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		order = append(order, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	states := &fakeStates{online: true}
	rec := &recorder{}
	q := newTestQueue(t, storage.NewMemoryStore(), states, Options{Events: rec})
	ctx := context.Background()

	q.Enqueue(ctx, srv.URL+"/low", domain.RequestSpec{}, domain.PriorityLow)
	q.Enqueue(ctx, srv.URL+"/high1", domain.RequestSpec{}, domain.PriorityHigh)
	q.Enqueue(ctx, srv.URL+"/med", domain.RequestSpec{}, domain.PriorityMedium)
	q.Enqueue(ctx, srv.URL+"/high2", domain.RequestSpec{}, domain.PriorityHigh)

	q.ProcessQueue(ctx)

	if q.Len() != 0 {
		t.Fatalf("residual Len = %d; want 0", q.Len())
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{"/high1", "/high2", "/med", "/low"}
	if len(order) != len(want) {
		t.Fatalf("delivered %d requests; want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("drain order = %v; want %v", order, want)
		}
	}
	if len(rec.delivered) != 4 {
		t.Fatalf("delivered events = %d; want 4", len(rec.delivered))
	}
}

func TestProcessQueue_OfflineIsNoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request should be sent while offline")
	}))
	defer srv.Close()

	q := newTestQueue(t, storage.NewMemoryStore(), &fakeStates{online: false}, Options{})
	q.Enqueue(context.Background(), srv.URL+"/x", domain.RequestSpec{}, domain.PriorityHigh)

	q.ProcessQueue(context.Background())
	if q.Len() != 1 {
		t.Fatalf("offline drain must keep the queue intact, Len = %d", q.Len())
	}
}

func TestProcessQueue_ClientErrorDropsImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	rec := &recorder{}
	q := newTestQueue(t, storage.NewMemoryStore(), &fakeStates{online: true}, Options{Events: rec})
	req, _ := q.Enqueue(context.Background(), srv.URL+"/x", domain.RequestSpec{}, domain.PriorityMedium)

	q.ProcessQueue(context.Background())

	if q.Len() != 0 {
		t.Fatalf("4xx item must be removed, Len = %d", q.Len())
	}
	if len(rec.dropped) != 1 || rec.dropped[0] != req.ID {
		t.Fatalf("dropped events = %v; want [%s]", rec.dropped, req.ID)
	}
	if len(rec.requeued) != 0 {
		t.Fatalf("4xx must not requeue, got %v", rec.requeued)
	}
}

func TestProcessQueue_ServerErrorRequeuesUntilExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	rec := &recorder{}
	store := storage.NewMemoryStore()
	q := newTestQueue(t, store, &fakeStates{online: true}, Options{MaxRetries: 2, Events: rec})
	req, _ := q.Enqueue(context.Background(), srv.URL+"/x", domain.RequestSpec{}, domain.PriorityMedium)

	// Pass 1: retry count 0 -> 1, kept.
	q.ProcessQueue(context.Background())
	if q.Len() != 1 {
		t.Fatalf("after pass 1 Len = %d; want 1", q.Len())
	}
	if got := q.Snapshot()[0].RetryCount; got != 1 {
		t.Fatalf("RetryCount after pass 1 = %d; want 1", got)
	}
	if len(rec.requeued) != 1 || rec.requeued[0] != req.ID {
		t.Fatalf("requeued events = %v", rec.requeued)
	}

	// Pass 2: retry count 1 -> 2 == max, dropped.
	q.ProcessQueue(context.Background())
	if q.Len() != 0 {
		t.Fatalf("after pass 2 Len = %d; want 0", q.Len())
	}
	if len(rec.dropped) != 1 || rec.dropped[0] != req.ID {
		t.Fatalf("dropped events = %v", rec.dropped)
	}
}

func TestProcessQueue_StopsWhenConnectivityLost(t *testing.T) {
	states := &fakeStates{online: true}
	var hits int
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		// Drop offline after the first delivery.
		states.set(false)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := newTestQueue(t, storage.NewMemoryStore(), states, Options{})
	ctx := context.Background()
	q.Enqueue(ctx, srv.URL+"/a", domain.RequestSpec{}, domain.PriorityHigh)
	q.Enqueue(ctx, srv.URL+"/b", domain.RequestSpec{}, domain.PriorityHigh)

	q.ProcessQueue(ctx)

	if hits != 1 {
		t.Fatalf("server hits = %d; drain must stop after going offline", hits)
	}
	if q.Len() != 1 {
		t.Fatalf("residual Len = %d; want 1", q.Len())
	}
}

func TestClear_EmptiesAndPersists(t *testing.T) {
	store := storage.NewMemoryStore()
	q := newTestQueue(t, store, &fakeStates{}, Options{})
	q.Enqueue(context.Background(), "http://api.local/x", domain.RequestSpec{}, domain.PriorityLow)

	q.Clear(context.Background())
	if q.Len() != 0 {
		t.Fatalf("Len after Clear = %d", q.Len())
	}
	if newTestQueue(t, store, &fakeStates{}, Options{}).Len() != 0 {
		t.Fatalf("cleared queue must persist as empty")
	}
}

func TestLoad_CorruptBlobStartsEmpty(t *testing.T) {
	store := storage.NewMemoryStore()
	if err := store.Save(context.Background(), StorageKey, []byte("{not json")); err != nil {
		t.Fatalf("seeding corrupt blob: %v", err)
	}
	q := newTestQueue(t, store, &fakeStates{}, Options{})
	if q.Len() != 0 {
		t.Fatalf("corrupt blob must degrade to empty queue, Len = %d", q.Len())
	}
}
