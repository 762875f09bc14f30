package core

import (
	"container/list"

	"StreamPay/internal/observability"
)

// DBIdempotencyChecker is the Postgres tier: it finds commands that are in
// the event log but no longer in memory.
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

// dedupKey is the LRU key of a command. Request ids are only unique per
// command type.
func dedupKey(eventType, idempotencyKey string) string {
	return eventType + ":" + idempotencyKey
}

// IdempotencyChecker deduplicates commands in two tiers: recent keys in
// memory, everything else through the event log.
type IdempotencyChecker struct {
	recent  *keyLRU
	store   DBIdempotencyChecker
	metrics *observability.Metrics
}

func NewIdempotencyChecker(capacity int, store DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		recent:  newKeyLRU(capacity),
		store:   store,
		metrics: metrics,
	}
}

// IsDuplicate reports whether the command was already applied or rejected.
func (ic *IdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) bool {
	key := dedupKey(eventType, idempotencyKey)
	if ic.recent.touch(key) {
		ic.duplicate(eventType, "lru")
		return true
	}
	if ic.store == nil {
		return false
	}

	found, err := ic.store.IsDuplicate(eventType, idempotencyKey)
	if err != nil {
		// Treated as new; the event log's unique index still refuses a
		// second row for the same command.
		ic.duplicate(eventType, "postgres_error")
		return false
	}
	if found {
		ic.duplicate(eventType, "postgres")
		ic.recent.add(key)
	}
	return found
}

// MarkProcessed remembers a command once the core recorded it.
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	ic.recent.add(dedupKey(eventType, idempotencyKey))
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.recent.len()))
	}
}

// Warm loads keys, oldest first, so restarts keep recent commands off the
// Postgres path.
func (ic *IdempotencyChecker) Warm(keys []string) {
	for _, k := range keys {
		ic.recent.add(k)
	}
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.recent.len()))
	}
}

// RecentKeys returns the in-memory keys from least to most recently used.
func (ic *IdempotencyChecker) RecentKeys() []string {
	return ic.recent.keys()
}

// Size returns how many keys are held in memory.
func (ic *IdempotencyChecker) Size() int {
	return ic.recent.len()
}

func (ic *IdempotencyChecker) duplicate(eventType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
	}
}

// keyLRU is a bounded set of keys evicting the least recently used.
// Not thread-safe: only accessed from the single-threaded deterministic core.
type keyLRU struct {
	capacity int
	index    map[string]*list.Element
	order    *list.List // front is most recent
}

func newKeyLRU(capacity int) *keyLRU {
	return &keyLRU{
		capacity: capacity,
		index:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// touch reports whether key is present and marks it most recent.
func (l *keyLRU) touch(key string) bool {
	e, ok := l.index[key]
	if ok {
		l.order.MoveToFront(e)
	}
	return ok
}

func (l *keyLRU) add(key string) {
	if l.touch(key) {
		return
	}
	l.index[key] = l.order.PushFront(key)
	for l.order.Len() > l.capacity {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.index, oldest.Value.(string))
	}
}

func (l *keyLRU) keys() []string {
	out := make([]string, 0, l.order.Len())
	for e := l.order.Back(); e != nil; e = e.Prev() {
		out = append(out, e.Value.(string))
	}
	return out
}

func (l *keyLRU) len() int {
	return l.order.Len()
}
