package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-offline-client/internal/cache"
	"github.com/tbourn/go-offline-client/internal/domain"
	"github.com/tbourn/go-offline-client/internal/netstate"
	"github.com/tbourn/go-offline-client/internal/permits"
	"github.com/tbourn/go-offline-client/internal/queue"
	"github.com/tbourn/go-offline-client/internal/uploads"
)

// Lener reports the current size of a cache. Any cache exposing Len() int
// can be surfaced on the /caches endpoint.
type Lener interface {
	Len() int
}

// Handlers bundles the diagnostics endpoints with their dependencies.
// All fields except Monitor are optional; nil dependencies render as absent
// or zeroed sections in the responses.
type Handlers struct {
	Version  string
	Monitor  *netstate.Monitor
	Requests *queue.RequestQueue
	Uploads  *uploads.UploadQueue
	Messages *cache.MessageCache
	Permits  *permits.Counter
	// Caches maps a display name to a cache size provider, e.g. "profiles".
	Caches map[string]Lener
}

// New constructs the handler set.
func New(version string, monitor *netstate.Monitor) *Handlers {
	return &Handlers{Version: version, Monitor: monitor, Caches: map[string]Lener{}}
}

// statusResponse is the body of GET /status.
type statusResponse struct {
	Version             string              `json:"version,omitempty"`
	Network             domain.NetworkState `json:"network"`
	RequestQueueLen     int                 `json:"request_queue_len"`
	UploadQueueLen      int                 `json:"upload_queue_len"`
	MessagesSentToday   int                 `json:"messages_sent_today"`
	MessagesRemaining   int                 `json:"messages_remaining"`
	CachedConversations int                 `json:"cached_conversations"`
}

// Status reports connectivity, queue depths, and daily message usage.
func (h *Handlers) Status(c *gin.Context) {
	resp := statusResponse{
		Version:           h.Version,
		Network:           h.Monitor.State(),
		MessagesRemaining: -1,
	}
	if h.Requests != nil {
		resp.RequestQueueLen = h.Requests.Len()
	}
	if h.Uploads != nil {
		resp.UploadQueueLen = h.Uploads.Len()
	}
	if h.Permits != nil {
		resp.MessagesSentToday = h.Permits.Count()
		resp.MessagesRemaining = h.Permits.Remaining()
	}
	if h.Messages != nil {
		resp.CachedConversations = h.Messages.Len()
	}
	ok(c, http.StatusOK, resp)
}

// queueResponse is the body of GET /queue.
type queueResponse struct {
	Requests []domain.QueuedRequest     `json:"requests"`
	Uploads  []domain.QueuedImageUpload `json:"uploads"`
}

// Queue returns a snapshot of both persisted queues. Request bodies are
// included verbatim; callers inspecting the output should treat them as
// opaque payloads.
func (h *Handlers) Queue(c *gin.Context) {
	resp := queueResponse{
		Requests: []domain.QueuedRequest{},
		Uploads:  []domain.QueuedImageUpload{},
	}
	if h.Requests != nil {
		resp.Requests = h.Requests.Snapshot()
	}
	if h.Uploads != nil {
		resp.Uploads = h.Uploads.Snapshot()
	}
	ok(c, http.StatusOK, resp)
}

// Drain triggers a drain pass on both queues. The drains run in the
// background; the endpoint returns immediately with 202 Accepted. A drain
// already in progress is a no-op, not an error.
func (h *Handlers) Drain(c *gin.Context) {
	if !h.Monitor.State().Online() {
		fail(c, http.StatusConflict, ErrCodeConflict, "network is offline")
		return
	}
	// Detach from the request context: the drain outlives the response.
	if h.Requests != nil {
		go h.Requests.ProcessQueue(context.Background())
	}
	if h.Uploads != nil {
		go h.Uploads.ProcessQueue(context.Background())
	}
	ok(c, http.StatusAccepted, gin.H{"status": "draining"})
}

// CacheStats reports per-cache entry counts.
func (h *Handlers) CacheStats(c *gin.Context) {
	stats := map[string]int{}
	if h.Messages != nil {
		stats["messages"] = h.Messages.Len()
	}
	for name, l := range h.Caches {
		if l != nil {
			stats[name] = l.Len()
		}
	}
	ok(c, http.StatusOK, gin.H{"caches": stats})
}
