package core

import (
	"PerpClearing/internal/observability"
	"container/list"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// IdempotencyChecker implements two-tier command deduplication. Tier 1 is
// an in-memory LRU that also remembers the response of each command, so a
// retried request gets the original answer. Tier 2 is the durable key table
// that survives restarts but holds no responses.
type IdempotencyChecker struct {
	mu  sync.Mutex
	lru *IdempotencyLRU

	// Tier 2: Postgres (injected via interface)
	dbChecker DBIdempotencyChecker

	metrics *observability.Metrics
	logger  zerolog.Logger
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(operation, idempotencyKey string) (bool, error)
	Record(operation, idempotencyKey string) error
}

// Lookup results
type Dedup int

const (
	// DedupNew: never seen, process the command
	DedupNew Dedup = iota
	// DedupReplay: seen and the response is cached
	DedupReplay
	// DedupConflict: seen by an earlier process, response unknown
	DedupConflict
)

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics, logger zerolog.Logger) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
		logger:    logger,
	}
}

func compositeKey(operation, key string) string {
	return fmt.Sprintf("%s:%s", operation, key)
}

// Check looks key up in both tiers. For DedupReplay it returns the cached
// response.
func (ic *IdempotencyChecker) Check(operation, idempotencyKey string) (Dedup, any) {
	ck := compositeKey(operation, idempotencyKey)

	ic.mu.Lock()
	resp, ok := ic.lru.Get(ck)
	ic.mu.Unlock()
	// Tier 1: LRU check (hot path)
	if ok {
		ic.recordDuplicate("lru")
		if resp == nil {
			// warmed from the key table, response unknown
			return DedupConflict, nil
		}
		return DedupReplay, resp
	}

	// Tier 2: Postgres check (cold path)
	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(operation, idempotencyKey)
		if err != nil {
			// a DB outage must not block commands: assume not duplicate
			ic.logger.Warn().Err(err).Str("operation", operation).Msg("idempotency tier 2 lookup failed")
			return DedupNew, nil
		}
		if isDup {
			ic.recordDuplicate("postgres")
			return DedupConflict, nil
		}
	}
	return DedupNew, nil
}

// MarkProcessed caches the response and records the key durably.
func (ic *IdempotencyChecker) MarkProcessed(operation, idempotencyKey string, response any) {
	ic.mu.Lock()
	ic.lru.Add(compositeKey(operation, idempotencyKey), response)
	size := ic.lru.Size()
	ic.mu.Unlock()

	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(size))
	}
	if ic.dbChecker != nil {
		if err := ic.dbChecker.Record(operation, idempotencyKey); err != nil {
			ic.logger.Warn().Err(err).Str("operation", operation).Msg("idempotency key not recorded")
		}
	}
}

// Warm loads recently processed composite keys into the LRU so restarts do
// not fall through to Postgres for hot keys.
func (ic *IdempotencyChecker) Warm(keys []string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.lru.WarmFromKeys(keys)
}

func (ic *IdempotencyChecker) recordDuplicate(tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(tier).Inc()
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU cache for idempotency keys and their responses.
// Not thread-safe; IdempotencyChecker guards it.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64 // For metrics
}

type lruEntry struct {
	key      string
	response any
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	_, ok := lru.Get(key)
	return ok
}

// Get returns the cached response (promotes to front)
func (lru *IdempotencyLRU) Get(key string) (any, bool) {
	elem, exists := lru.cache[key]
	if !exists {
		return nil, false
	}
	lru.lruList.MoveToFront(elem)
	return elem.Value.(*lruEntry).response, true
}

// Add inserts a key (or promotes and replaces the response if it exists)
func (lru *IdempotencyLRU) Add(key string, response any) {
	if elem, exists := lru.cache[key]; exists {
		elem.Value.(*lruEntry).response = response
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(&lruEntry{key: key, response: response})
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		entry := elem.Value.(*lruEntry)
		delete(lru.cache, entry.key)
		lru.evictions++
	}
}

// WarmFromKeys loads a batch of composite keys into the LRU without
// responses.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		if _, exists := lru.cache[key]; exists {
			continue
		}
		lru.Add(key, nil)
	}
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions (for metrics)
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
