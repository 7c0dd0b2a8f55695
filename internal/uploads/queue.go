// Package uploads implements the persisted FIFO retry queue for image
// uploads attempted while offline. Image processing and the upload itself
// are injected collaborators; the queue treats both as opaque.
//
// Unlike the original fetch-based probe of a local file URI, the "source
// still exists" check is an explicit filesystem stat, injectable for tests
// and non-file blob stores.
package uploads

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-offline-client/internal/domain"
	"github.com/tbourn/go-offline-client/internal/netstate"
	"github.com/tbourn/go-offline-client/internal/storage"
)

// StorageKey is the fixed key the serialized upload queue lives under.
const StorageKey = "imageUploadQueue"

var uploadResults = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "offline_image_upload_total",
		Help: "Outcomes of queued image-upload attempts.",
	},
	[]string{"result"}, // "uploaded", "requeued", "dropped", "missing"
)

func init() {
	prometheus.MustRegister(uploadResults)
}

// ProcessedArtifact is whatever the processing step produced; the queue only
// hands it on to the uploader.
type ProcessedArtifact struct {
	Data        []byte
	ContentType string
	FileName    string
}

// Processor turns a source URI into an upload-ready artifact. Returning a
// nil artifact without an error also counts as a processing failure.
type Processor func(ctx context.Context, sourceURI string) (*ProcessedArtifact, error)

// Uploader ships a processed artifact for a user.
type Uploader func(ctx context.Context, artifact *ProcessedArtifact, userID string) error

// ExistsFunc probes whether the source artifact is still present.
type ExistsFunc func(sourceURI string) bool

// fileExists is the default probe: a stat on the URI with any file:// scheme
// stripped.
func fileExists(sourceURI string) bool {
	path := strings.TrimPrefix(sourceURI, "file://")
	_, err := os.Stat(path)
	return err == nil
}

// StateSource reports current connectivity; satisfied by netstate.Monitor.
type StateSource interface {
	State() domain.NetworkState
}

// Config tunes an UploadQueue.
type Config struct {
	// MaxRetries per item; zero means the default of 3.
	MaxRetries int
	// DrainDelay is the pause after a reconnect before draining, letting
	// connectivity stabilize. Zero drains immediately.
	DrainDelay time.Duration
	// Exists overrides the filesystem probe; nil installs the default.
	Exists ExistsFunc
}

// UploadQueue is the persisted offline image-upload queue. Safe for
// concurrent use; Add may interleave with a running drain.
type UploadQueue struct {
	store    storage.Store
	states   StateSource
	process  Processor
	upload   Uploader
	exists   ExistsFunc
	maxRetry int
	delay    time.Duration

	mu    sync.Mutex
	items []domain.QueuedImageUpload

	processing atomic.Bool

	unsubscribe func()
	timerMu     sync.Mutex
	drainTimer  *time.Timer

	lg zerolog.Logger
}

// NewUploadQueue loads any persisted queue and returns a queue ready for
// use. A load failure is logged and treated as an empty queue.
func NewUploadQueue(store storage.Store, states StateSource, process Processor, upload Uploader, cfg Config) *UploadQueue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Exists == nil {
		cfg.Exists = fileExists
	}
	q := &UploadQueue{
		store:    store,
		states:   states,
		process:  process,
		upload:   upload,
		exists:   cfg.Exists,
		maxRetry: cfg.MaxRetries,
		delay:    cfg.DrainDelay,
		lg:       log.With().Str("component", "upload_queue").Logger(),
	}
	q.load()
	return q
}

// Add accepts an upload for later delivery with a fresh id and zero retry
// count, and persists the whole queue.
func (q *UploadQueue) Add(ctx context.Context, sourceURI, fileName, userID string) domain.QueuedImageUpload {
	item := domain.QueuedImageUpload{
		ID:         uuid.NewString(),
		SourceURI:  sourceURI,
		FileName:   fileName,
		UserID:     userID,
		EnqueuedAt: time.Now().UTC(),
		RetryCount: 0,
		MaxRetries: q.maxRetry,
	}
	q.mu.Lock()
	q.items = append(q.items, item)
	snapshot := q.copyLocked()
	q.mu.Unlock()
	q.persist(ctx, snapshot)

	q.lg.Debug().
		Str("upload_id", item.ID).
		Str("file", fileName).
		Int("depth", len(snapshot)).
		Msg("image upload queued")
	return item
}

// Len reports the number of pending uploads.
func (q *UploadQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns a copy of the pending uploads in FIFO order.
func (q *UploadQueue) Snapshot() []domain.QueuedImageUpload {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.copyLocked()
}

// Clear discards all pending uploads and persists the empty queue.
func (q *UploadQueue) Clear(ctx context.Context) {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
	q.persist(ctx, nil)
}

// ProcessQueue drains pending uploads. It is a no-op when already running or
// offline. For each item the source is probed, processed, and uploaded;
// failures bump the retry count and the item stays queued while under its
// max. The queue is persisted after the pass.
func (q *UploadQueue) ProcessQueue(ctx context.Context) {
	if !q.processing.CompareAndSwap(false, true) {
		return
	}
	defer q.processing.Store(false)

	if !q.states.State().Online() {
		return
	}

	pass := q.Snapshot()
	for _, item := range pass {
		if ctx.Err() != nil || !q.states.State().Online() {
			break
		}

		if !q.exists(item.SourceURI) {
			q.remove(item.ID)
			uploadResults.WithLabelValues("missing").Inc()
			q.lg.Warn().
				Str("upload_id", item.ID).
				Str("uri", item.SourceURI).
				Msg("source artifact gone, upload dropped")
			continue
		}

		artifact, err := q.process(ctx, item.SourceURI)
		if err == nil && artifact == nil {
			err = errNoArtifact
		}
		if err == nil {
			err = q.upload(ctx, artifact, item.UserID)
		}
		if err == nil {
			q.remove(item.ID)
			uploadResults.WithLabelValues("uploaded").Inc()
			q.lg.Info().Str("upload_id", item.ID).Msg("queued image uploaded")
			continue
		}

		q.fail(item, err)
	}

	q.mu.Lock()
	residual := q.copyLocked()
	q.mu.Unlock()
	q.persist(ctx, residual)
}

// InitNetworkListener subscribes to the monitor and schedules a drain (after
// the configured delay) whenever the device becomes connected and reachable.
// Call Close to release the subscription.
func (q *UploadQueue) InitNetworkListener(monitor *netstate.Monitor) {
	q.unsubscribe = monitor.Subscribe(func(s domain.NetworkState) {
		if !s.Online() {
			return
		}
		q.timerMu.Lock()
		if q.drainTimer != nil {
			q.drainTimer.Stop()
		}
		q.drainTimer = time.AfterFunc(q.delay, func() {
			q.ProcessQueue(context.Background())
		})
		q.timerMu.Unlock()
	})
}

// Close releases the monitor subscription and any pending drain timer.
// Idempotent.
func (q *UploadQueue) Close() {
	if q.unsubscribe != nil {
		q.unsubscribe()
	}
	q.timerMu.Lock()
	if q.drainTimer != nil {
		q.drainTimer.Stop()
	}
	q.timerMu.Unlock()
}

// --- internals ---

var errNoArtifact = &processError{msg: "image processing produced no artifact"}

type processError struct{ msg string }

func (e *processError) Error() string { return e.msg }

func (q *UploadQueue) fail(item domain.QueuedImageUpload, cause error) {
	q.mu.Lock()
	kept := false
	retries := item.RetryCount
	for i := range q.items {
		if q.items[i].ID == item.ID {
			q.items[i].RetryCount++
			retries = q.items[i].RetryCount
			if retries < q.items[i].MaxRetries {
				kept = true
			} else {
				q.items = append(q.items[:i], q.items[i+1:]...)
			}
			break
		}
	}
	q.mu.Unlock()

	if kept {
		uploadResults.WithLabelValues("requeued").Inc()
		q.lg.Warn().
			Str("upload_id", item.ID).
			Int("retries", retries).
			Err(cause).
			Msg("upload failed, kept for retry")
		return
	}
	uploadResults.WithLabelValues("dropped").Inc()
	q.lg.Warn().
		Str("upload_id", item.ID).
		Int("retries", retries).
		Err(cause).
		Msg("upload out of retries, dropped")
}

func (q *UploadQueue) remove(id string) {
	q.mu.Lock()
	for i := range q.items {
		if q.items[i].ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	q.mu.Unlock()
}

func (q *UploadQueue) copyLocked() []domain.QueuedImageUpload {
	out := make([]domain.QueuedImageUpload, len(q.items))
	copy(out, q.items)
	return out
}

func (q *UploadQueue) load() {
	data, err := q.store.Load(context.Background(), StorageKey)
	if err != nil {
		if err != storage.ErrNotFound {
			q.lg.Warn().Err(err).Msg("loading persisted upload queue failed, starting empty")
		}
		return
	}
	var items []domain.QueuedImageUpload
	if err := json.Unmarshal(data, &items); err != nil {
		q.lg.Warn().Err(err).Msg("persisted upload queue corrupt, starting empty")
		return
	}
	q.mu.Lock()
	q.items = items
	q.mu.Unlock()
}

func (q *UploadQueue) persist(ctx context.Context, items []domain.QueuedImageUpload) {
	if items == nil {
		items = []domain.QueuedImageUpload{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		q.lg.Error().Err(err).Msg("serializing upload queue failed, write skipped")
		return
	}
	if err := q.store.Save(ctx, StorageKey, data); err != nil {
		q.lg.Error().Err(err).Msg("persisting upload queue failed, write skipped")
	}
}
