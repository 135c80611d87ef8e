// Package memory implements the aggregation backend with plain maps.
// Aggregates are computed once on load, so Compare is a pair of map
// lookups plus a result-cache write. Data is lost on restart.
package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/javier96ke/plazas/pkg/backend"
	"github.com/javier96ke/plazas/pkg/dataset"
	"github.com/javier96ke/plazas/pkg/period"
)

type periodEntry struct {
	agr        map[int]dataset.RegionAggregate
	rows       int
	loadedAt   time.Time
	lastAccess time.Time
}

type resultKey struct {
	key1, key2 period.Key
	filter     int
}

type resultEntry struct {
	agr1, agr2   map[int]dataset.RegionAggregate
	calculatedAt time.Time
	lastAccess   time.Time
	hits         int64
}

// Backend is the in-memory implementation of backend.Backend.
type Backend struct {
	mu        sync.Mutex
	periods   map[period.Key]*periodEntry
	results   map[resultKey]*resultEntry
	cacheHits int64

	maxPeriods int
	maxResults int
	now        func() time.Time
}

// New creates an in-memory backend with the default capacity bounds.
func New() *Backend {
	return &Backend{
		periods:    make(map[period.Key]*periodEntry),
		results:    make(map[resultKey]*resultEntry),
		maxPeriods: backend.MaxPeriods,
		maxResults: backend.MaxResults,
		now:        time.Now,
	}
}

// LoadPeriod aggregates the dataset by region and installs it.
func (b *Backend) LoadPeriod(key period.Key, ds *dataset.Dataset) (int, error) {
	if ds.Empty() {
		return 0, fmt.Errorf("load period %s: empty dataset", key)
	}
	agr := dataset.Aggregate(ds)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.periods[key] = &periodEntry{
		agr:        agr,
		rows:       ds.Len(),
		loadedAt:   b.now(),
		lastAccess: b.now(),
	}
	b.enforcePeriodCapLocked()
	return ds.Len(), nil
}

// IsCached reports whether the period is loaded.
func (b *Backend) IsCached(key period.Key) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.periods[key]
	if ok {
		e.lastAccess = b.now()
	}
	return ok
}

// HasResult reports whether a cached comparison exists.
func (b *Backend) HasResult(key1, key2 period.Key, filter int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.results[resultKey{key1, key2, filter}]
	return ok
}

// Compare aggregates both periods, serving from the result cache first.
func (b *Backend) Compare(key1, key2 period.Key, filter int) (*backend.Comparison, error) {
	rk := resultKey{key1, key2, filter}

	b.mu.Lock()
	defer b.mu.Unlock()

	if res, ok := b.results[rk]; ok {
		res.hits++
		res.lastAccess = b.now()
		b.cacheHits++
		return &backend.Comparison{
			Agr1:     cloneAgr(res.agr1),
			Agr2:     cloneAgr(res.agr2),
			CacheHit: true,
		}, nil
	}

	p1, ok1 := b.periods[key1]
	p2, ok2 := b.periods[key2]
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("compare %s vs %s: period not loaded", key1, key2)
	}
	p1.lastAccess = b.now()
	p2.lastAccess = b.now()

	agr1 := filterAgr(p1.agr, filter)
	agr2 := filterAgr(p2.agr, filter)

	b.results[rk] = &resultEntry{
		agr1:         agr1,
		agr2:         agr2,
		calculatedAt: b.now(),
		lastAccess:   b.now(),
	}
	b.enforceResultCapLocked()

	return &backend.Comparison{Agr1: cloneAgr(agr1), Agr2: cloneAgr(agr2)}, nil
}

// PurgeExpiredResults drops results older than ttl.
func (b *Backend) PurgeExpiredResults(ttl time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := b.now().Add(-ttl)
	removed := 0
	for k, res := range b.results {
		if !res.calculatedAt.After(cutoff) {
			delete(b.results, k)
			removed++
		}
	}
	return removed
}

// EvictLRU keeps at most maxPeriods periods, never touching the current
// year's periods. Results referencing an evicted period are dropped too.
func (b *Backend) EvictLRU(maxPeriods, currentYear int) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	type cand struct {
		key    period.Key
		access time.Time
	}
	var evictable []cand
	for k, e := range b.periods {
		if k.Year() == currentYear {
			continue
		}
		evictable = append(evictable, cand{k, e.lastAccess})
	}
	excess := len(evictable) - maxPeriods
	if excess <= 0 {
		return 0
	}

	// Oldest access first
	sort.Slice(evictable, func(i, j int) bool {
		return evictable[i].access.Before(evictable[j].access)
	})

	for _, c := range evictable[:excess] {
		delete(b.periods, c.key)
		b.dropResultsForLocked(c.key)
	}
	return excess
}

// ResultInfo lists cached results for diagnostics.
func (b *Backend) ResultInfo() []backend.ResultInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]backend.ResultInfo, 0, len(b.results))
	for k, res := range b.results {
		out = append(out, backend.ResultInfo{
			Key1:   k.key1,
			Key2:   k.key2,
			Filter: k.filter,
			Age:    b.now().Sub(res.calculatedAt).Seconds(),
			Hits:   res.hits,
		})
	}
	return out
}

// Stats returns a diagnostic snapshot.
func (b *Backend) Stats() backend.Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	var bytes int64
	for _, e := range b.periods {
		// Rough estimate: one aggregate is 7 int64 fields
		bytes += int64(len(e.agr)) * 7 * 8
	}
	return backend.Stats{
		Periods:   len(b.periods),
		Results:   len(b.results),
		CacheHits: b.cacheHits,
		DataBytes: bytes,
	}
}

// Close is a no-op for the in-memory backend.
func (b *Backend) Close() error { return nil }

func (b *Backend) enforcePeriodCapLocked() {
	for len(b.periods) > b.maxPeriods {
		var oldest period.Key
		var oldestAt time.Time
		first := true
		for k, e := range b.periods {
			if first || e.lastAccess.Before(oldestAt) {
				oldest, oldestAt, first = k, e.lastAccess, false
			}
		}
		delete(b.periods, oldest)
		b.dropResultsForLocked(oldest)
	}
}

func (b *Backend) enforceResultCapLocked() {
	for len(b.results) > b.maxResults {
		var oldest resultKey
		var oldestAt time.Time
		first := true
		for k, res := range b.results {
			if first || res.lastAccess.Before(oldestAt) {
				oldest, oldestAt, first = k, res.lastAccess, false
			}
		}
		delete(b.results, oldest)
	}
}

func (b *Backend) dropResultsForLocked(key period.Key) {
	for rk := range b.results {
		if rk.key1 == key || rk.key2 == key {
			delete(b.results, rk)
		}
	}
}

func filterAgr(agr map[int]dataset.RegionAggregate, filter int) map[int]dataset.RegionAggregate {
	if filter == backend.FilterAll {
		return cloneAgr(agr)
	}
	out := make(map[int]dataset.RegionAggregate, 1)
	if a, ok := agr[filter]; ok {
		out[filter] = a
	}
	return out
}

func cloneAgr(agr map[int]dataset.RegionAggregate) map[int]dataset.RegionAggregate {
	out := make(map[int]dataset.RegionAggregate, len(agr))
	for k, v := range agr {
		out[k] = v
	}
	return out
}
