// Package badger implements the aggregation backend on BadgerDB.
// Period aggregates and comparison results live in the LSM tree, while
// access-time bookkeeping (needed for LRU decisions) stays in memory.
// The value log is kept small: values here are compact JSON aggregates,
// not raw rows.
package badger

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/goccy/go-json"

	"github.com/javier96ke/plazas/pkg/backend"
	"github.com/javier96ke/plazas/pkg/dataset"
	"github.com/javier96ke/plazas/pkg/period"
)

var (
	periodPrefix = []byte("p:")
	resultPrefix = []byte("r:")
)

// Config holds BadgerDB configuration.
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (testing, or when persistence is unwanted)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = defaults)
	MaxMemoryMB int64
}

// Backend implements backend.Backend using BadgerDB.
type Backend struct {
	db *badger.DB

	mu          sync.Mutex
	access      map[period.Key]time.Time
	resultKeys  map[uint64]resultMeta
	cacheHits   int64
	periodBytes int64
}

type resultMeta struct {
	key1, key2   period.Key
	filter       int
	calculatedAt time.Time
	hits         int64
}

type storedPeriod struct {
	Rows     int                             `json:"rows"`
	Agr      map[int]dataset.RegionAggregate `json:"agr"`
	LoadedAt int64                           `json:"loaded_at"`
}

type storedResult struct {
	Agr1         map[int]dataset.RegionAggregate `json:"agr1"`
	Agr2         map[int]dataset.RegionAggregate `json:"agr2"`
	CalculatedAt int64                           `json:"calculated_at"`
}

// New opens a BadgerDB-backed aggregation backend.
func New(cfg Config) (*Backend, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// Conservative memory bounds: aggregates are tiny, BadgerDB's
	// defaults are sized for much bigger workloads.
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}
	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithMaxLevels(4).
		WithNumCompactors(2).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	b := &Backend{
		db:         db,
		access:     make(map[period.Key]time.Time),
		resultKeys: make(map[uint64]resultMeta),
	}
	if err := b.rebuildBookkeeping(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// rebuildBookkeeping rescans stored keys after a restart so LRU and
// TTL decisions keep working over persisted data.
func (b *Backend) rebuildBookkeeping() error {
	return b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			k := item.Key()
			switch {
			case bytes.HasPrefix(k, periodPrefix):
				key := decodePeriodKey(k)
				var sp storedPeriod
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &sp)
				}); err != nil {
					continue
				}
				b.access[key] = time.Unix(sp.LoadedAt, 0)
				b.periodBytes += int64(item.EstimatedSize())
			case bytes.HasPrefix(k, resultPrefix):
				var sr storedResult
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &sr)
				}); err != nil {
					continue
				}
				// key1/key2 are unrecoverable from the hash alone;
				// restarted results keep working for Compare but are
				// listed without labels until recomputed.
				b.resultKeys[decodeResultHash(k)] = resultMeta{
					calculatedAt: time.Unix(sr.CalculatedAt, 0),
					filter:       backend.FilterAll,
				}
			}
		}
		return nil
	})
}

// LoadPeriod aggregates the dataset and stores it under the period key.
func (b *Backend) LoadPeriod(key period.Key, ds *dataset.Dataset) (int, error) {
	if ds.Empty() {
		return 0, fmt.Errorf("load period %s: empty dataset", key)
	}
	sp := storedPeriod{
		Rows:     ds.Len(),
		Agr:      dataset.Aggregate(ds),
		LoadedAt: time.Now().Unix(),
	}
	val, err := json.Marshal(sp)
	if err != nil {
		return 0, fmt.Errorf("encode period %s: %w", key, err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(makePeriodKey(key), val)
	})
	if err != nil {
		return 0, fmt.Errorf("store period %s: %w", key, err)
	}

	b.mu.Lock()
	b.access[key] = time.Now()
	b.periodBytes += int64(len(val))
	b.mu.Unlock()
	return ds.Len(), nil
}

// IsCached reports whether the backend holds the period.
func (b *Backend) IsCached(key period.Key) bool {
	b.mu.Lock()
	_, ok := b.access[key]
	if ok {
		b.access[key] = time.Now()
	}
	b.mu.Unlock()
	return ok
}

// HasResult reports whether a cached comparison result exists.
func (b *Backend) HasResult(key1, key2 period.Key, filter int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.resultKeys[resultHash(key1, key2, filter)]
	return ok
}

// Compare aggregates two periods by region, serving cached results
// when available.
func (b *Backend) Compare(key1, key2 period.Key, filter int) (*backend.Comparison, error) {
	h := resultHash(key1, key2, filter)

	b.mu.Lock()
	meta, cached := b.resultKeys[h]
	b.mu.Unlock()

	if cached {
		var sr storedResult
		err := b.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(makeResultKey(h))
			if err != nil {
				return err
			}
			return item.Value(func(val []byte) error {
				return json.Unmarshal(val, &sr)
			})
		})
		if err == nil {
			b.mu.Lock()
			meta.hits++
			b.resultKeys[h] = meta
			b.cacheHits++
			b.mu.Unlock()
			return &backend.Comparison{Agr1: sr.Agr1, Agr2: sr.Agr2, CacheHit: true}, nil
		}
		// Result vanished under us (purge race): fall through and
		// recompute.
	}

	sp1, err := b.readPeriod(key1)
	if err != nil {
		return nil, err
	}
	sp2, err := b.readPeriod(key2)
	if err != nil {
		return nil, err
	}

	agr1 := filterAgr(sp1.Agr, filter)
	agr2 := filterAgr(sp2.Agr, filter)

	sr := storedResult{Agr1: agr1, Agr2: agr2, CalculatedAt: time.Now().Unix()}
	if val, err := json.Marshal(sr); err == nil {
		_ = b.db.Update(func(txn *badger.Txn) error {
			return txn.Set(makeResultKey(h), val)
		})
		b.mu.Lock()
		b.resultKeys[h] = resultMeta{
			key1: key1, key2: key2, filter: filter,
			calculatedAt: time.Unix(sr.CalculatedAt, 0),
		}
		b.enforceResultCapLocked()
		b.mu.Unlock()
	}

	return &backend.Comparison{Agr1: agr1, Agr2: agr2}, nil
}

func (b *Backend) readPeriod(key period.Key) (*storedPeriod, error) {
	var sp storedPeriod
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(makePeriodKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &sp)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("period %s not loaded: %w", key, err)
	}
	b.mu.Lock()
	b.access[key] = time.Now()
	b.mu.Unlock()
	return &sp, nil
}

// PurgeExpiredResults drops results older than ttl.
func (b *Backend) PurgeExpiredResults(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	b.mu.Lock()
	var expired []uint64
	for h, meta := range b.resultKeys {
		if !meta.calculatedAt.After(cutoff) {
			expired = append(expired, h)
		}
	}
	for _, h := range expired {
		delete(b.resultKeys, h)
	}
	b.mu.Unlock()

	for _, h := range expired {
		_ = b.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(makeResultKey(h))
		})
	}
	return len(expired)
}

// EvictLRU keeps at most maxPeriods periods, never evicting the
// current year's.
func (b *Backend) EvictLRU(maxPeriods, currentYear int) int {
	b.mu.Lock()
	type cand struct {
		key    period.Key
		access time.Time
	}
	var evictable []cand
	for k, at := range b.access {
		if k.Year() == currentYear {
			continue
		}
		evictable = append(evictable, cand{k, at})
	}
	excess := len(evictable) - maxPeriods
	if excess <= 0 {
		b.mu.Unlock()
		return 0
	}
	sort.Slice(evictable, func(i, j int) bool {
		return evictable[i].access.Before(evictable[j].access)
	})
	victims := make([]period.Key, 0, excess)
	for _, c := range evictable[:excess] {
		delete(b.access, c.key)
		victims = append(victims, c.key)
	}
	var staleResults []uint64
	for h, meta := range b.resultKeys {
		for _, v := range victims {
			if meta.key1 == v || meta.key2 == v {
				staleResults = append(staleResults, h)
				break
			}
		}
	}
	for _, h := range staleResults {
		delete(b.resultKeys, h)
	}
	b.mu.Unlock()

	_ = b.db.Update(func(txn *badger.Txn) error {
		for _, v := range victims {
			if err := txn.Delete(makePeriodKey(v)); err != nil {
				return err
			}
		}
		for _, h := range staleResults {
			if err := txn.Delete(makeResultKey(h)); err != nil {
				return err
			}
		}
		return nil
	})
	return excess
}

// ResultInfo lists cached results for diagnostics.
func (b *Backend) ResultInfo() []backend.ResultInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]backend.ResultInfo, 0, len(b.resultKeys))
	for _, meta := range b.resultKeys {
		out = append(out, backend.ResultInfo{
			Key1:   meta.key1,
			Key2:   meta.key2,
			Filter: meta.filter,
			Age:    time.Since(meta.calculatedAt).Seconds(),
			Hits:   meta.hits,
		})
	}
	return out
}

// Stats returns a diagnostic snapshot.
func (b *Backend) Stats() backend.Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	lsm, vlog := b.db.Size()
	size := lsm + vlog
	if size == 0 {
		size = b.periodBytes
	}
	return backend.Stats{
		Periods:   len(b.access),
		Results:   len(b.resultKeys),
		CacheHits: b.cacheHits,
		DataBytes: size,
	}
}

// RunGC runs BadgerDB's value log garbage collection. No-op for
// in-memory databases.
func (b *Backend) RunGC(discardRatio float64) error {
	return b.db.RunValueLogGC(discardRatio)
}

// Close shuts down BadgerDB cleanly.
func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) enforceResultCapLocked() {
	for len(b.resultKeys) > backend.MaxResults {
		var oldest uint64
		var oldestAt time.Time
		first := true
		for h, meta := range b.resultKeys {
			if first || meta.calculatedAt.Before(oldestAt) {
				oldest, oldestAt, first = h, meta.calculatedAt, false
			}
		}
		delete(b.resultKeys, oldest)
		h := oldest
		go func() {
			_ = b.db.Update(func(txn *badger.Txn) error {
				return txn.Delete(makeResultKey(h))
			})
		}()
	}
}

// makePeriodKey builds "p:" + big-endian period key.
func makePeriodKey(key period.Key) []byte {
	k := make([]byte, 0, 6)
	k = append(k, periodPrefix...)
	k = binary.BigEndian.AppendUint32(k, uint32(key))
	return k
}

func decodePeriodKey(k []byte) period.Key {
	return period.Key(binary.BigEndian.Uint32(k[len(periodPrefix):]))
}

// resultHash derives the result-cache key from (key1, key2, filter).
func resultHash(key1, key2 period.Key, filter int) uint64 {
	var buf [12]byte
	binary.BigEndian.PutUint32(buf[0:4], uint32(key1))
	binary.BigEndian.PutUint32(buf[4:8], uint32(key2))
	binary.BigEndian.PutUint32(buf[8:12], uint32(int32(filter)))
	return xxhash.Sum64(buf[:])
}

func makeResultKey(h uint64) []byte {
	k := make([]byte, 0, 10)
	k = append(k, resultPrefix...)
	k = binary.BigEndian.AppendUint64(k, h)
	return k
}

func decodeResultHash(k []byte) uint64 {
	return binary.BigEndian.Uint64(k[len(resultPrefix):])
}

func filterAgr(agr map[int]dataset.RegionAggregate, filter int) map[int]dataset.RegionAggregate {
	if filter == backend.FilterAll {
		return agr
	}
	out := make(map[int]dataset.RegionAggregate, 1)
	if a, ok := agr[filter]; ok {
		out[filter] = a
	}
	return out
}
