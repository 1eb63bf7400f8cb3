package timefork

import (
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

var QueryCacheRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "timefork",
	Subsystem: "query_cache",
	Name:      "requests",
}, []string{"result"})

var QueryCacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "timefork",
	Subsystem: "query_cache",
	Name:      "evictions",
})

// QueryCacheKey identifies one point-in-time query result.
type QueryCacheKey struct {
	Timestamp uint64
	Branch    string
	Spec      SearchSpec
}

type CacheStats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// QueryCache is a bounded LRU from (timestamp, branch, spec) to the set of
// logical identifiers that matched. It never watches the index: after a
// successful mutation the owner must call Clear, since entries for
// open-ended queries are stale from that point on. Historical entries would
// survive a finer-grained invalidation, but none is attempted.
type QueryCache struct {
	cache   *lru.Cache[QueryCacheKey, IdentifierSet]
	group   singleflight.Group
	record  bool
	purging atomic.Bool

	// mu fences result installation against Clear; gen counts clears and
	// is guarded by mu.
	mu  sync.Mutex
	gen uint64

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

func NewQueryCache(maxSize int, recordStats bool) *QueryCache {
	if maxSize <= 0 {
		maxSize = 10_000
	}
	qc := &QueryCache{record: recordStats}
	qc.cache, _ = lru.NewWithEvict[QueryCacheKey, IdentifierSet](maxSize, qc.onEvict)
	return qc
}

func (qc *QueryCache) onEvict(QueryCacheKey, IdentifierSet) {
	if qc.purging.Load() {
		return
	}
	QueryCacheEvictions.Inc()
	if qc.record {
		qc.evictions.Add(1)
	}
}

func (qc *QueryCache) hit() {
	QueryCacheRequests.WithLabelValues("hit").Inc()
	if qc.record {
		qc.hits.Add(1)
	}
}

func (qc *QueryCache) miss() {
	QueryCacheRequests.WithLabelValues("miss").Inc()
	if qc.record {
		qc.misses.Add(1)
	}
}

// flightKey renders the cache key with every field NUL-delimited. Branch
// names and spec fields cannot contain NUL (rejected at construction), so
// distinct keys never render equally.
func flightKey(key QueryCacheKey) string {
	s := key.Spec
	return fmt.Sprintf("%d\x00%s\x00%s\x00%c%c%c\x00%s",
		key.Timestamp, key.Branch, s.Index, s.Condition, s.Mode, s.Value.Kind, s.Value.String())
}

// GetOrCompute returns the cached result for the key, or runs compute,
// stores its result and returns it. Concurrent callers racing on the same
// key share one in-flight computation; a compute failure reaches every
// waiter and leaves the cache unpopulated so a retry can succeed. The
// returned set is shared and must not be mutated.
func (qc *QueryCache) GetOrCompute(timestamp uint64, branch string, spec SearchSpec, compute func() (IdentifierSet, error)) (IdentifierSet, error) {
	key := QueryCacheKey{Timestamp: timestamp, Branch: branch, Spec: spec}
	if set, ok := qc.cache.Get(key); ok {
		qc.hit()
		return set, nil
	}
	v, err, _ := qc.group.Do(flightKey(key), func() (any, error) {
		if set, ok := qc.cache.Get(key); ok {
			qc.hit()
			return set, nil
		}
		qc.miss()
		qc.mu.Lock()
		gen := qc.gen
		qc.mu.Unlock()
		set, err := compute()
		if err != nil {
			return nil, err
		}
		// a Clear during the computation invalidates the result
		qc.mu.Lock()
		if qc.gen == gen {
			qc.cache.Add(key, set)
		}
		qc.mu.Unlock()
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(IdentifierSet), nil
}

// Clear drops every entry and discards results of in-flight computations.
// Purged entries are not counted as evictions.
func (qc *QueryCache) Clear() {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	qc.gen++
	qc.purging.Store(true)
	qc.cache.Purge()
	qc.purging.Store(false)
}

func (qc *QueryCache) Len() int {
	return qc.cache.Len()
}

func (qc *QueryCache) Stats() CacheStats {
	return CacheStats{
		Hits:      qc.hits.Load(),
		Misses:    qc.misses.Load(),
		Evictions: qc.evictions.Load(),
	}
}
