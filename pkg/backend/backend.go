// Package backend defines the pluggable aggregation backend used by the
// comparison engine.
//
// Two implementations exist:
//   - memory: plain maps, aggregation computed on load. Always correct,
//     no external state. This is the fallback when acceleration is off.
//   - badger: BadgerDB-backed store with a persistent result cache.
//
// The engine must work with a nil backend too; every call into a
// backend is best-effort and falls back to in-memory aggregation over
// the period store's rows.
package backend

import (
	"time"

	"github.com/javier96ke/plazas/pkg/dataset"
	"github.com/javier96ke/plazas/pkg/period"
)

// FilterAll disables region filtering in Compare and result-cache keys.
const FilterAll = -1

// Default capacity bounds, carried over from the accelerated engine.
const (
	MaxPeriods = 24
	MaxResults = 200
)

// Comparison is the raw two-period aggregation a backend returns.
// Agr1/Agr2 map region id to that period's summed metrics.
type Comparison struct {
	Agr1     map[int]dataset.RegionAggregate
	Agr2     map[int]dataset.RegionAggregate
	CacheHit bool
}

// ResultInfo describes one cached comparison result, for diagnostics.
type ResultInfo struct {
	Key1   period.Key `json:"key1"`
	Key2   period.Key `json:"key2"`
	Filter int        `json:"filtro"`
	Age    float64    `json:"edad_s"`
	Hits   int64      `json:"accesos"`
}

// Stats is a backend's diagnostic snapshot.
type Stats struct {
	Periods   int   `json:"periodos_cargados"`
	Results   int   `json:"resultados_cacheados"`
	CacheHits int64 `json:"cache_hits_total"`
	DataBytes int64 `json:"ram_datos_bytes"`
}

// Backend is the acceleration contract. Implementations own an
// independent copy of period data and keep their own TTL/LRU
// bookkeeping; the period store mirrors into them best-effort.
type Backend interface {
	// LoadPeriod installs (or replaces) a period's data and returns the
	// row count ingested.
	LoadPeriod(key period.Key, ds *dataset.Dataset) (int, error)

	// IsCached reports whether the backend holds the period.
	IsCached(key period.Key) bool

	// Compare aggregates both periods by region, serving from the
	// result cache when possible. filter is a region id or FilterAll.
	Compare(key1, key2 period.Key, filter int) (*Comparison, error)

	// HasResult reports whether a non-expired comparison result exists.
	HasResult(key1, key2 period.Key, filter int) bool

	// PurgeExpiredResults drops results older than ttl and returns the
	// count removed. A zero ttl drops everything.
	PurgeExpiredResults(ttl time.Duration) int

	// EvictLRU keeps at most maxPeriods periods, dropping the least
	// recently used first. Periods of currentYear are never evicted.
	EvictLRU(maxPeriods, currentYear int) int

	// ResultInfo lists cached results for the cache-info endpoint.
	ResultInfo() []ResultInfo

	// Stats returns a diagnostic snapshot.
	Stats() Stats

	// Close releases backend resources.
	Close() error
}
