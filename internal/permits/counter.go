// Package permits owns messaging-permission state, currently the persisted
// daily-message counter. The counter is an explicit {count, resetDate}
// record stored through the same storage abstraction as the queues, with no
// global mutable state.
package permits

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-offline-client/internal/domain"
	"github.com/tbourn/go-offline-client/internal/storage"
)

// StorageKey is the fixed key the serialized counter lives under.
const StorageKey = "dailyMessageCounter"

const dateLayout = "2006-01-02"

// Counter tracks messages sent today against a daily limit. The count resets
// when the UTC calendar date rolls over. Safe for concurrent use.
type Counter struct {
	store storage.Store
	limit int

	mu  sync.Mutex
	rec domain.DailyCounter

	lg zerolog.Logger

	// now is a test seam.
	now func() time.Time
}

// NewCounter loads any persisted record. A limit of 0 disables the cap.
// Load failures are logged and start the counter at zero.
func NewCounter(store storage.Store, limit int) *Counter {
	c := &Counter{
		store: store,
		limit: limit,
		lg:    log.With().Str("component", "daily_counter").Logger(),
		now:   time.Now,
	}
	c.load()
	return c
}

// Allow reports whether another message may be sent today.
func (c *Counter) Allow() bool {
	if c.limit <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollLocked()
	return c.rec.Count < c.limit
}

// Increment records one sent message and persists the record. Returns the
// new count.
func (c *Counter) Increment(ctx context.Context) int {
	c.mu.Lock()
	c.rollLocked()
	c.rec.Count++
	rec := c.rec
	c.mu.Unlock()

	c.persist(ctx, rec)
	return rec.Count
}

// Count returns today's count.
func (c *Counter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollLocked()
	return c.rec.Count
}

// Remaining returns how many messages are left today; -1 when unlimited.
func (c *Counter) Remaining() int {
	if c.limit <= 0 {
		return -1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollLocked()
	if left := c.limit - c.rec.Count; left > 0 {
		return left
	}
	return 0
}

// rollLocked resets the count when the UTC date has changed since the record
// was written. Caller holds c.mu.
func (c *Counter) rollLocked() {
	today := c.now().UTC().Format(dateLayout)
	if c.rec.ResetDate != today {
		c.rec = domain.DailyCounter{Count: 0, ResetDate: today}
	}
}

func (c *Counter) load() {
	data, err := c.store.Load(context.Background(), StorageKey)
	if err != nil {
		if err != storage.ErrNotFound {
			c.lg.Warn().Err(err).Msg("loading daily counter failed, starting at zero")
		}
		return
	}
	var rec domain.DailyCounter
	if err := json.Unmarshal(data, &rec); err != nil {
		c.lg.Warn().Err(err).Msg("daily counter corrupt, starting at zero")
		return
	}
	c.mu.Lock()
	c.rec = rec
	c.mu.Unlock()
}

func (c *Counter) persist(ctx context.Context, rec domain.DailyCounter) {
	data, err := json.Marshal(rec)
	if err != nil {
		c.lg.Error().Err(err).Msg("serializing daily counter failed, write skipped")
		return
	}
	if err := c.store.Save(ctx, StorageKey, data); err != nil {
		c.lg.Error().Err(err).Msg("persisting daily counter failed, write skipped")
	}
}
