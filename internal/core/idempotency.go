package core

import (
	"container/list"
)

// Dedup tiers reported by IdempotencyChecker.Lookup.
const (
	TierNone     = ""
	TierLRU      = "lru"
	TierPostgres = "postgres"
)

// IdempotencyChecker implements two-tier deduplication: a bounded in-memory LRU in
// front of the persisted event log.
type IdempotencyChecker struct {
	lru       *IdempotencyLRU
	dbChecker DBIdempotencyChecker

	tier2Errors int64
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
	}
}

// CompositeKey scopes an idempotency key to its event type.
func CompositeKey(eventType, idempotencyKey string) string {
	return eventType + ":" + idempotencyKey
}

// Lookup returns the tier that recognised the key, or TierNone for a new event.
// A tier-2 failure counts as "not seen": the sequence validator still rejects
// replays that arrive behind the partition cursor.
func (ic *IdempotencyChecker) Lookup(eventType string, idempotencyKey string) string {
	compositeKey := CompositeKey(eventType, idempotencyKey)

	if ic.lru.Contains(compositeKey) {
		return TierLRU
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
		if err != nil {
			ic.tier2Errors++
			return TierNone
		}
		if isDup {
			ic.lru.Add(compositeKey)
			return TierPostgres
		}
	}

	return TierNone
}

// LookupLocal checks the LRU only. Replay uses it since every logged event is
// already in the Postgres tier.
func (ic *IdempotencyChecker) LookupLocal(eventType string, idempotencyKey string) string {
	if ic.lru.Contains(CompositeKey(eventType, idempotencyKey)) {
		return TierLRU
	}
	return TierNone
}

// IsDuplicate checks if event has been processed (two-tier lookup)
func (ic *IdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) bool {
	return ic.Lookup(eventType, idempotencyKey) != TierNone
}

// MarkProcessed adds key to LRU after successful processing
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	ic.lru.Add(CompositeKey(eventType, idempotencyKey))
}

// Warm loads composite keys, oldest first, e.g. from a snapshot.
func (ic *IdempotencyChecker) Warm(keys []string) {
	ic.lru.WarmFromKeys(keys)
}

// Keys returns the cached composite keys, oldest first.
func (ic *IdempotencyChecker) Keys() []string {
	return ic.lru.GetAllKeys()
}

// Size returns the LRU occupancy.
func (ic *IdempotencyChecker) Size() int {
	return ic.lru.Size()
}

// Tier2Errors returns how many Postgres lookups failed.
func (ic *IdempotencyChecker) Tier2Errors() int64 {
	return ic.tier2Errors
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU cache for idempotency keys.
// Not thread-safe; only accessed from the single-threaded deterministic core.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	lru.cache[key] = lru.lruList.PushFront(key)

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(string))
		lru.evictions++
	}
}

// WarmFromKeys loads keys given oldest first, so the newest end up most recent.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		lru.Add(key)
	}
}

// GetAllKeys returns every key, least recently used first.
func (lru *IdempotencyLRU) GetAllKeys() []string {
	keys := make([]string, 0, lru.lruList.Len())
	for e := lru.lruList.Back(); e != nil; e = e.Prev() {
		keys = append(keys, e.Value.(string))
	}
	return keys
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
