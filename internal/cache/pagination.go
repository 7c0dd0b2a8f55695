// Pagination bookkeeping. Tracks which pages of a conversation have been
// fetched, the server's total count, and an in-flight loading flag.
// Deliberately independent of the message cache: a page stays "known loaded"
// even after its cached messages are evicted.

package cache

import (
	"sort"
	"sync"
)

// Pagination tracks per-conversation page coverage. Safe for concurrent use.
type Pagination struct {
	mu     sync.Mutex
	states map[string]*pageState
}

type pageState struct {
	loaded     map[int]struct{}
	totalCount int
	loading    bool
}

// NewPagination returns empty pagination state.
func NewPagination() *Pagination {
	return &Pagination{states: make(map[string]*pageState)}
}

func (p *Pagination) stateLocked(conversationID string) *pageState {
	s, ok := p.states[conversationID]
	if !ok {
		s = &pageState{loaded: make(map[int]struct{})}
		p.states[conversationID] = s
	}
	return s
}

// MarkPageLoaded records that page has been fetched.
func (p *Pagination) MarkPageLoaded(conversationID string, page int) {
	if page < 0 {
		return
	}
	p.mu.Lock()
	p.stateLocked(conversationID).loaded[page] = struct{}{}
	p.mu.Unlock()
}

// SetTotalCount records the server-reported message total.
func (p *Pagination) SetTotalCount(conversationID string, total int) {
	p.mu.Lock()
	p.stateLocked(conversationID).totalCount = total
	p.mu.Unlock()
}

// SetLoading flips the in-flight flag for a conversation.
func (p *Pagination) SetLoading(conversationID string, loading bool) {
	p.mu.Lock()
	p.stateLocked(conversationID).loading = loading
	p.mu.Unlock()
}

// IsLoading reports whether a fetch is in flight for the conversation.
func (p *Pagination) IsLoading(conversationID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.states[conversationID]
	return ok && s.loading
}

// LoadedPages returns the sorted page indices fetched so far.
func (p *Pagination) LoadedPages(conversationID string) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.states[conversationID]
	if !ok {
		return nil
	}
	out := make([]int, 0, len(s.loaded))
	for pg := range s.loaded {
		out = append(out, pg)
	}
	sort.Ints(out)
	return out
}

// HasMorePages reports whether another page may exist: optimistically true
// while nothing is loaded, otherwise true while the highest loaded page is
// below the last page implied by the total count.
func (p *Pagination) HasMorePages(conversationID string, pageSize int) bool {
	if pageSize <= 0 {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.states[conversationID]
	if !ok || len(s.loaded) == 0 {
		return true
	}
	lastPage := (s.totalCount + pageSize - 1) / pageSize // ceil
	return maxPage(s.loaded) < lastPage-1
}

// NextPage returns the page to fetch next: the first gap in [0, maxLoaded],
// else maxLoaded+1. Filling gaps before extending means out-of-order loads
// still converge to full coverage.
func (p *Pagination) NextPage(conversationID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.states[conversationID]
	if !ok || len(s.loaded) == 0 {
		return 0
	}
	max := maxPage(s.loaded)
	for pg := 0; pg <= max; pg++ {
		if _, loaded := s.loaded[pg]; !loaded {
			return pg
		}
	}
	return max + 1
}

// Reset forgets all pagination state for a conversation.
func (p *Pagination) Reset(conversationID string) {
	p.mu.Lock()
	delete(p.states, conversationID)
	p.mu.Unlock()
}

func maxPage(loaded map[int]struct{}) int {
	max := 0
	for pg := range loaded {
		if pg > max {
			max = pg
		}
	}
	return max
}
