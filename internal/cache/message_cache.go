// MessageCache: an LRU+TTL cache of ordered message lists keyed by
// conversation id. Lists are deep-copied on the way in and out so callers can
// never mutate cached state, and every merge re-sorts by creation time so the
// cached list stays chronologically consistent no matter the arrival order
// (prepend on scroll-up, append on new message, out-of-order page loads).

package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tbourn/go-offline-client/internal/domain"
)

const messageCacheName = "messages"

// Heuristics for the advisory Optimize pass. Tuning knobs, not correctness
// constraints.
const (
	optimizeMemoryThreshold = 50 << 20 // estimated bytes before compaction
	optimizeCompactFraction = 0.20     // share of conversations dropped by access count
	optimizeOccupancyLow    = 0.5      // occupancy below which sweeps slow down
)

// Preload batching: small batches with a pause between them so a cold start
// does not saturate the network layer.
const (
	preloadBatchSize  = 3
	preloadBatchDelay = 100 * time.Millisecond
)

// MessageCacheConfig bounds a MessageCache.
type MessageCacheConfig struct {
	// MaxConversations is the LRU bound; values < 1 fall back to 100.
	MaxConversations int
	// MaxAge is the entry TTL; zero falls back to 30 minutes.
	MaxAge time.Duration
	// CleanupInterval is the sweeper period; zero falls back to 5 minutes.
	CleanupInterval time.Duration
}

type convEntry struct {
	messages       []domain.Message
	storedAt       time.Time
	accessCount    int
	lastAccessedAt time.Time
}

// MessageCache caches ordered message lists per conversation with LRU
// eviction at MaxConversations and TTL expiry at MaxAge. Expired entries are
// invisible to reads and physically deleted on next access; a background
// sweeper also removes them proactively. Safe for concurrent use.
//
// Call Stop when the owning component shuts down, or the sweeper goroutine
// outlives it.
type MessageCache struct {
	mu         sync.Mutex
	cfg        MessageCacheConfig
	entries    map[string]*convEntry
	sweepEvery time.Duration

	stop     chan struct{}
	stopOnce sync.Once

	lg zerolog.Logger

	// now is a test seam.
	now func() time.Time
}

// NewMessageCache constructs the cache and starts its sweeper goroutine.
func NewMessageCache(cfg MessageCacheConfig) *MessageCache {
	if cfg.MaxConversations < 1 {
		cfg.MaxConversations = 100
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	c := &MessageCache{
		cfg:        cfg,
		entries:    make(map[string]*convEntry),
		sweepEvery: cfg.CleanupInterval,
		stop:       make(chan struct{}),
		lg:         log.With().Str("component", "message_cache").Logger(),
		now:        time.Now,
	}
	go c.sweepLoop()
	return c
}

// Stop cancels the sweeper. Idempotent.
func (c *MessageCache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Set replaces the cached list for a conversation. The input is deep-copied
// and sorted; inserting a new conversation beyond the LRU bound evicts the
// least-recently-accessed one.
func (c *MessageCache) Set(conversationID string, msgs []domain.Message) {
	now := c.now()
	cp := copyMessages(msgs)
	sortByCreatedAt(cp)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[conversationID]; !exists && len(c.entries) >= c.cfg.MaxConversations {
		c.evictLRULocked()
	}
	c.entries[conversationID] = &convEntry{
		messages:       cp,
		storedAt:       now,
		lastAccessedAt: now,
	}
}

// Get returns a copy of the cached list, or false on a miss. An expired
// entry is deleted on the spot.
func (c *MessageCache) Get(conversationID string) ([]domain.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.liveLocked(conversationID)
	if e == nil {
		cacheMisses.WithLabelValues(messageCacheName).Inc()
		return nil, false
	}
	e.accessCount++
	e.lastAccessedAt = c.now()
	cacheHits.WithLabelValues(messageCacheName).Inc()
	return copyMessages(e.messages), true
}

// Has reports whether a live entry exists, with the same lazy-expiry side
// effect as Get but without counting an access.
func (c *MessageCache) Has(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(conversationID) != nil
}

// AddMessages merges new messages into the cached list: duplicates (by
// message id) are dropped, then the merged list is re-sorted by creation
// time ascending. Calling it twice with identical input is a no-op the
// second time. A conversation not yet cached is created.
func (c *MessageCache) AddMessages(conversationID string, msgs []domain.Message) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.liveLocked(conversationID)
	if e == nil {
		if len(c.entries) >= c.cfg.MaxConversations {
			c.evictLRULocked()
		}
		e = &convEntry{storedAt: now, lastAccessedAt: now}
		c.entries[conversationID] = e
	}

	seen := make(map[string]struct{}, len(e.messages))
	for _, m := range e.messages {
		seen[m.ID] = struct{}{}
	}
	for _, m := range msgs {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		e.messages = append(e.messages, m)
	}
	sortByCreatedAt(e.messages)
	e.storedAt = now
	e.lastAccessedAt = now
}

// UpdateMessage replaces the message with msg.ID in the cached list.
// Returns false when the conversation or message is not cached.
func (c *MessageCache) UpdateMessage(conversationID string, msg domain.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.liveLocked(conversationID)
	if e == nil {
		return false
	}
	for i := range e.messages {
		if e.messages[i].ID == msg.ID {
			e.messages[i] = msg
			sortByCreatedAt(e.messages)
			e.lastAccessedAt = c.now()
			return true
		}
	}
	return false
}

// RemoveMessage deletes a message by id from the cached list. Returns false
// when nothing was removed.
func (c *MessageCache) RemoveMessage(conversationID, messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.liveLocked(conversationID)
	if e == nil {
		return false
	}
	for i := range e.messages {
		if e.messages[i].ID == messageID {
			e.messages = append(e.messages[:i], e.messages[i+1:]...)
			e.lastAccessedAt = c.now()
			return true
		}
	}
	return false
}

// Range returns cached messages created within [from, to], oldest first.
func (c *MessageCache) Range(conversationID string, from, to time.Time) []domain.Message {
	msgs, ok := c.Get(conversationID)
	if !ok {
		return nil
	}
	out := msgs[:0]
	for _, m := range msgs {
		if m.CreatedAt.Before(from) || m.CreatedAt.After(to) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Recent returns the n newest cached messages, oldest first.
func (c *MessageCache) Recent(conversationID string, n int) []domain.Message {
	msgs, ok := c.Get(conversationID)
	if !ok || n <= 0 {
		return nil
	}
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return msgs
}

// Search returns cached messages whose content contains query,
// case-insensitively, oldest first.
func (c *MessageCache) Search(conversationID, query string) []domain.Message {
	msgs, ok := c.Get(conversationID)
	if !ok {
		return nil
	}
	q := strings.ToLower(query)
	out := msgs[:0]
	for _, m := range msgs {
		if strings.Contains(strings.ToLower(m.Content), q) {
			out = append(out, m)
		}
	}
	return out
}

// Invalidate removes a single conversation.
func (c *MessageCache) Invalidate(conversationID string) {
	c.mu.Lock()
	delete(c.entries, conversationID)
	c.mu.Unlock()
}

// Clear removes all conversations.
func (c *MessageCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*convEntry)
	c.mu.Unlock()
}

// Len reports the number of cached conversations, including any not yet
// swept.
func (c *MessageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Preload fetches conversations not already cached through loader, in small
// batches with a pause in between so the network layer is not saturated.
// Per-conversation failures are logged and swallowed; they never abort the
// batch.
func (c *MessageCache) Preload(ctx context.Context, conversationIDs []string, loader func(ctx context.Context, conversationID string) ([]domain.Message, error)) {
	tr := otel.Tracer("cache/MessageCache")
	ctx, span := tr.Start(ctx, "Preload")
	defer span.End()

	var missing []string
	for _, id := range conversationIDs {
		if !c.Has(id) {
			missing = append(missing, id)
		}
	}
	span.SetAttributes(attribute.Int("preload.missing", len(missing)))

	for i := 0; i < len(missing); i += preloadBatchSize {
		if ctx.Err() != nil {
			return
		}
		end := i + preloadBatchSize
		if end > len(missing) {
			end = len(missing)
		}
		var wg sync.WaitGroup
		for _, id := range missing[i:end] {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				msgs, err := loader(ctx, id)
				if err != nil {
					c.lg.Warn().Str("conversation_id", id).Err(err).Msg("preload failed")
					return
				}
				c.Set(id, msgs)
			}(id)
		}
		wg.Wait()
		if end < len(missing) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(preloadBatchDelay):
			}
		}
	}
}

// Optimize is a best-effort maintenance pass: it halves sweep frequency when
// the cache is under half full, and compacts the bottom share of
// conversations by access count when the estimated footprint crosses the
// memory threshold. Advisory only; skipping it changes no behavior.
func (c *MessageCache) Optimize() {
	c.mu.Lock()
	defer c.mu.Unlock()

	occupancy := float64(len(c.entries)) / float64(c.cfg.MaxConversations)
	if occupancy < optimizeOccupancyLow {
		c.sweepEvery = c.cfg.CleanupInterval * 2
	} else {
		c.sweepEvery = c.cfg.CleanupInterval
	}

	if c.estimateBytesLocked() <= optimizeMemoryThreshold {
		return
	}
	drop := int(float64(len(c.entries)) * optimizeCompactFraction)
	if drop == 0 {
		return
	}
	type scored struct {
		id    string
		count int
	}
	ranked := make([]scored, 0, len(c.entries))
	for id, e := range c.entries {
		ranked = append(ranked, scored{id: id, count: e.accessCount})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].count < ranked[j].count })
	for _, s := range ranked[:drop] {
		delete(c.entries, s.id)
	}
	cacheEvictions.WithLabelValues(messageCacheName, "compacted").Add(float64(drop))
	c.lg.Info().Int("dropped", drop).Msg("cache compacted")
}

// --- internals ---

// liveLocked returns the entry when it exists and is within MaxAge, deleting
// it otherwise. Caller holds c.mu.
func (c *MessageCache) liveLocked(conversationID string) *convEntry {
	e, ok := c.entries[conversationID]
	if !ok {
		return nil
	}
	if c.now().Sub(e.storedAt) >= c.cfg.MaxAge {
		delete(c.entries, conversationID)
		cacheEvictions.WithLabelValues(messageCacheName, "expired").Inc()
		return nil
	}
	return e
}

// evictLRULocked removes the single least-recently-accessed conversation.
// Linear scan; the conversation count is small by construction.
func (c *MessageCache) evictLRULocked() {
	var victim string
	var oldest time.Time
	for id, e := range c.entries {
		if victim == "" || e.lastAccessedAt.Before(oldest) {
			victim = id
			oldest = e.lastAccessedAt
		}
	}
	if victim != "" {
		delete(c.entries, victim)
		cacheEvictions.WithLabelValues(messageCacheName, "lru").Inc()
	}
}

// estimateBytesLocked is a rough footprint estimate for the Optimize
// heuristic: content bytes plus a fixed per-message overhead.
func (c *MessageCache) estimateBytesLocked() int {
	const perMessageOverhead = 256
	total := 0
	for _, e := range c.entries {
		for _, m := range e.messages {
			total += len(m.Content) + len(m.ID) + len(m.SenderID) + perMessageOverhead
		}
	}
	return total
}

func (c *MessageCache) sweepLoop() {
	for {
		c.mu.Lock()
		d := c.sweepEvery
		c.mu.Unlock()
		t := time.NewTimer(d)
		select {
		case <-c.stop:
			t.Stop()
			return
		case <-t.C:
			c.sweep()
		}
	}
}

// sweep proactively removes expired entries independent of access.
func (c *MessageCache) sweep() {
	now := c.now()
	c.mu.Lock()
	removed := 0
	for id, e := range c.entries {
		if now.Sub(e.storedAt) >= c.cfg.MaxAge {
			delete(c.entries, id)
			removed++
		}
	}
	c.mu.Unlock()
	if removed > 0 {
		cacheEvictions.WithLabelValues(messageCacheName, "expired").Add(float64(removed))
		c.lg.Debug().Int("removed", removed).Msg("sweep removed expired conversations")
	}
}

func copyMessages(msgs []domain.Message) []domain.Message {
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out
}

func sortByCreatedAt(msgs []domain.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}
