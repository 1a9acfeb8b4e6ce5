package cache

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/estateflow/responsecache/pkg/observability"
)

// ProcessCache is the L1 tier: a bounded, TTL-based, in-process LRU.
// It is process-local by design — no cross-process synchronization is
// attempted. Its short TTL bounds how long a remotely invalidated entry can
// keep being served from this process.
type ProcessCache struct {
	lru    *expirable.LRU[string, *CacheEntry]
	ttl    time.Duration
	logger observability.Logger

	now func() time.Time
}

// NewProcessCache creates an L1 cache holding at most capacity entries, each
// for at most ttl.
func NewProcessCache(capacity int, ttl time.Duration, logger observability.Logger) *ProcessCache {
	if logger == nil {
		logger = observability.NewLogger("cache.l1")
	}
	return &ProcessCache{
		lru:    expirable.NewLRU[string, *CacheEntry](capacity, nil, ttl),
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// Get returns the entry for key if present and still fresh. Freshness is
// checked against the entry's own TTL class as well as the L1 TTL: an entry
// whose class expired is dropped and reported as a miss even if the LRU has
// not evicted it yet.
func (p *ProcessCache) Get(key CacheKey) (*CacheEntry, bool) {
	entry, ok := p.lru.Get(key.String())
	if !ok {
		return nil, false
	}
	if entry.Expired(p.now()) {
		p.lru.Remove(key.String())
		return nil, false
	}
	return entry, true
}

// Put stores an entry. The L1 residency TTL is fixed at construction and is
// never extended by reads.
func (p *ProcessCache) Put(entry *CacheEntry) {
	p.lru.Add(entry.Key.String(), entry)
}

// RemoveSubject drops every locally cached entry for an (operation, subject)
// pair. Used by the invalidation bus for the local process only; remote
// processes rely on the L1 TTL.
func (p *ProcessCache) RemoveSubject(version int, op Operation, subjectID string) int {
	scope := subjectScope(version, op, subjectID)
	removed := 0
	for _, key := range p.lru.Keys() {
		if strings.HasPrefix(key, scope) {
			p.lru.Remove(key)
			removed++
		}
	}
	return removed
}

// Purge drops all entries.
func (p *ProcessCache) Purge() {
	p.lru.Purge()
}

// Len returns the current entry count.
func (p *ProcessCache) Len() int {
	return p.lru.Len()
}
