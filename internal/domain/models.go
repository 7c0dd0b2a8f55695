// Package domain defines the data model shared across the offline layer:
// network state, queued requests and uploads, cached messages, and the
// persisted daily-message counter. Every persisted type here must round-trip
// through JSON: no live timers, no closures, no unexported state.
package domain

import (
	"encoding/json"
	"time"
)

// TransportType classifies the link the device is currently using.
type TransportType string

// Known transport types. Unknown is the safe default when the platform
// connectivity source reports nothing useful.
const (
	TransportWiFi     TransportType = "wifi"
	TransportCellular TransportType = "cellular"
	TransportOther    TransportType = "other"
	TransportUnknown  TransportType = "unknown"
)

// NetworkState is the derived connectivity snapshot broadcast to subscribers.
// It is recomputed on every platform connectivity event and owned by no
// single request.
type NetworkState struct {
	Connected         bool          `json:"connected"`
	InternetReachable bool          `json:"internet_reachable"`
	Transport         TransportType `json:"transport"`
}

// Online reports whether the device is both connected and able to reach the
// internet. This is the single predicate the queues and the manager key off.
func (s NetworkState) Online() bool {
	return s.Connected && s.InternetReachable
}

// Priority orders queued requests. Higher ranks drain first; within a rank,
// older items drain first (FIFO).
type Priority string

// Priority bands, high to low.
const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank maps a priority to its numeric sort key: high(3) > medium(2) > low(1).
// Unrecognized values sort lowest.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Valid reports whether p is a known priority band.
func (p Priority) Valid() bool {
	return p.Rank() > 0
}

// RequestSpec captures the replayable parts of an HTTP request. The body is
// kept as raw JSON so the whole record serializes safely to durable storage.
type RequestSpec struct {
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// QueuedRequest is an HTTP operation accepted for later delivery. Owned
// exclusively by the request queue: created on enqueue, retry count bumped on
// each failed drain attempt, destroyed on success or after exhausting retries.
type QueuedRequest struct {
	ID         string      `json:"id"`
	URL        string      `json:"url"`
	Request    RequestSpec `json:"request"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
	RetryCount int         `json:"retry_count"`
	Priority   Priority    `json:"priority"`
}

// QueuedImageUpload is an image upload accepted while offline (or after a
// network-classified failure). It is removed from the queue on successful
// upload, and dropped once RetryCount reaches MaxRetries; the UI re-adds the
// item if the user retries manually.
type QueuedImageUpload struct {
	ID         string    `json:"id"`
	SourceURI  string    `json:"source_uri"`
	FileName   string    `json:"file_name"`
	UserID     string    `json:"user_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	RetryCount int       `json:"retry_count"`
	MaxRetries int       `json:"max_retries"`
}

// Message is a single chat message as the cache layer sees it. CreatedAt
// drives chronological ordering inside cached conversation lists.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// DailyCounter is the persisted daily-message usage record. ResetDate is a
// UTC calendar date (YYYY-MM-DD); the count resets when the date rolls over.
type DailyCounter struct {
	Count     int    `json:"count"`
	ResetDate string `json:"reset_date"`
}
