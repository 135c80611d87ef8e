// Package store owns the resident period datasets: which periods are in
// memory, their region-name maps, access timestamps and protection
// status. It is the single source of truth the comparison engine reads
// from; the acceleration backend only ever holds best-effort mirrors.
package store

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/javier96ke/plazas/pkg/backend"
	"github.com/javier96ke/plazas/pkg/dataset"
	"github.com/javier96ke/plazas/pkg/period"
	"github.com/javier96ke/plazas/pkg/telemetry"
)

// PeriodStore holds resident periods behind one mutex. The lock is
// never held across I/O: fetched data is prepared outside and swapped
// in under a short critical section.
type PeriodStore struct {
	mu        sync.Mutex
	periods   map[period.Key]*dataset.Dataset
	names     map[period.Key]map[int]string
	access    map[period.Key]time.Time
	protected map[period.Key]struct{}

	currentYear int
	backend     backend.Backend // optional mirror target, may be nil
}

// New creates a PeriodStore. be may be nil when no acceleration backend
// is configured.
func New(currentYear int, be backend.Backend) *PeriodStore {
	return &PeriodStore{
		periods:     make(map[period.Key]*dataset.Dataset),
		names:       make(map[period.Key]map[int]string),
		access:      make(map[period.Key]time.Time),
		protected:   make(map[period.Key]struct{}),
		currentYear: currentYear,
		backend:     be,
	}
}

// IndexProtected partitions the local dataset by (year, month), installs
// one protected period per group and mirrors each into the backend.
// Malformed groups are skipped, not fatal; an unusable dataset (no
// parseable group at all) adds nothing and returns an error.
func (s *PeriodStore) IndexProtected(ds *dataset.Dataset) (int, error) {
	if ds.Empty() {
		return 0, fmt.Errorf("index protected: empty dataset")
	}

	parts := ds.PartitionByPeriod()
	if len(parts) == 0 {
		return 0, fmt.Errorf("index protected: no usable year/month groups")
	}

	indexed := make([]string, 0, len(parts))
	for key, part := range parts {
		s.mu.Lock()
		s.periods[key] = part
		s.names[key] = part.RegionNames()
		s.access[key] = time.Now()
		s.protected[key] = struct{}{}
		s.mu.Unlock()

		s.mirror(key, part)
		indexed = append(indexed, key.String())
	}
	sort.Strings(indexed)
	log.Printf("✅ Local dataset indexed and protected: %d periods → %v", len(indexed), indexed)
	s.updateGauges()
	return len(indexed), nil
}

// PutHistorical inserts or replaces a non-protected period. Replacement
// is atomic: the new dataset and its region-name map swap in together.
func (s *PeriodStore) PutHistorical(key period.Key, ds *dataset.Dataset) {
	names := ds.RegionNames()

	s.mu.Lock()
	s.periods[key] = ds
	s.names[key] = names
	s.access[key] = time.Now()
	s.mu.Unlock()
	s.updateGauges()
}

// Get returns the period's dataset, refreshing its access timestamp.
func (s *PeriodStore) Get(key period.Key) (*dataset.Dataset, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.periods[key]
	if ok {
		s.access[key] = time.Now()
	}
	return ds, ok
}

// Contains reports residency without refreshing the access timestamp.
func (s *PeriodStore) Contains(key period.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.periods[key]
	return ok
}

// Touch stamps an access time for the key, resident or not. The fetch
// path calls this up front so LRU ranking sees in-flight demand.
func (s *PeriodStore) Touch(key period.Key) {
	s.mu.Lock()
	s.access[key] = time.Now()
	s.mu.Unlock()
}

// IsProtected reports whether the key belongs to the protected set.
func (s *PeriodStore) IsProtected(key period.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.protected[key]
	return ok
}

// RegionNames returns a copy of the period's region id → name map,
// building it lazily when only the dataset is resident.
func (s *PeriodStore) RegionNames(key period.Key) map[int]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.names[key]; ok {
		return cloneNames(m)
	}
	if ds, ok := s.periods[key]; ok {
		m := ds.RegionNames()
		s.names[key] = m
		return cloneNames(m)
	}
	return map[int]string{}
}

// ResidentMonths returns year → sorted distinct resident months, with
// no listing filter applied.
func (s *PeriodStore) ResidentMonths() map[int][]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	byYear := make(map[int]map[int]struct{})
	for key := range s.periods {
		y, m := period.Decode(key)
		if byYear[y] == nil {
			byYear[y] = make(map[int]struct{})
		}
		byYear[y][m] = struct{}{}
	}
	out := make(map[int][]int, len(byYear))
	for y, months := range byYear {
		for m := range months {
			out[y] = append(out[y], m)
		}
		sort.Ints(out[y])
	}
	return out
}

// AvailablePeriods applies the listing rule to resident months: the
// current year is reported with whatever months are resident, any
// other year only when all twelve months are present.
func (s *PeriodStore) AvailablePeriods() map[int][]int {
	return FilterComplete(s.ResidentMonths(), s.currentYear)
}

// FilterComplete applies the "current year unrestricted, other years
// need all 12 months" listing rule to a year → months map.
func FilterComplete(byYear map[int][]int, currentYear int) map[int][]int {
	out := make(map[int][]int, len(byYear))
	for y, months := range byYear {
		if y == currentYear {
			out[y] = months
			continue
		}
		if len(months) == 12 {
			out[y] = months
		}
	}
	return out
}

// EvictLRU removes the oldest-accessed non-protected periods until at
// most maxHistorical remain. Protected keys are filtered out before
// ranking, so this can never remove one regardless of access time.
func (s *PeriodStore) EvictLRU(maxHistorical int) int {
	s.mu.Lock()
	type cand struct {
		key    period.Key
		access time.Time
	}
	var historical []cand
	for key := range s.periods {
		if _, ok := s.protected[key]; ok {
			continue
		}
		historical = append(historical, cand{key, s.access[key]})
	}
	excess := len(historical) - maxHistorical
	if excess <= 0 {
		s.mu.Unlock()
		return 0
	}
	sort.Slice(historical, func(i, j int) bool {
		return historical[i].access.Before(historical[j].access)
	})
	for _, c := range historical[:excess] {
		delete(s.periods, c.key)
		delete(s.names, c.key)
		delete(s.access, c.key)
	}
	protectedCount := len(s.protected)
	s.mu.Unlock()

	log.Printf("♻️  Store eviction: %d historical periods removed (%d protected intact)",
		excess, protectedCount)
	telemetry.EvictionsTotal.WithLabelValues("store").Add(float64(excess))
	s.updateGauges()
	return excess
}

// SyncWithBackend removes non-protected periods the backend no longer
// caches, keeping the two stores from diverging. Protected keys are
// skipped. Returns the count removed.
func (s *PeriodStore) SyncWithBackend() int {
	if s.backend == nil {
		return 0
	}

	s.mu.Lock()
	keys := make([]period.Key, 0, len(s.periods))
	for key := range s.periods {
		if _, ok := s.protected[key]; !ok {
			keys = append(keys, key)
		}
	}
	s.mu.Unlock()

	removed := 0
	for _, key := range keys {
		if s.backend.IsCached(key) {
			continue
		}
		s.mu.Lock()
		if _, stillProtected := s.protected[key]; !stillProtected {
			delete(s.periods, key)
			delete(s.names, key)
			delete(s.access, key)
			removed++
		}
		s.mu.Unlock()
	}
	if removed > 0 {
		log.Printf("🧹 SyncWithBackend: %d periods dropped to match backend", removed)
		s.updateGauges()
	}
	return removed
}

// Mirror pushes a resident period into the backend. Failures are logged
// and swallowed: mirroring is best-effort by design.
func (s *PeriodStore) Mirror(key period.Key) bool {
	s.mu.Lock()
	ds, ok := s.periods[key]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return s.mirror(key, ds)
}

func (s *PeriodStore) mirror(key period.Key, ds *dataset.Dataset) bool {
	if s.backend == nil {
		return false
	}
	n, err := s.backend.LoadPeriod(key, ds)
	if err != nil {
		log.Printf("⚠️  mirror %s into backend: %v", key, err)
		return false
	}
	log.Printf("🚀 %s: %d rows mirrored into backend", key, n)
	return true
}

// Counts returns (total, protected, historical) resident period counts.
func (s *PeriodStore) Counts() (total, protected, historical int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total = len(s.periods)
	protected = len(s.protected)
	return total, protected, total - protected
}

// ProtectedKeys returns a snapshot of the protected set.
func (s *PeriodStore) ProtectedKeys() []period.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]period.Key, 0, len(s.protected))
	for key := range s.protected {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func (s *PeriodStore) updateGauges() {
	_, prot, hist := s.Counts()
	telemetry.ResidentPeriods.WithLabelValues("protected").Set(float64(prot))
	telemetry.ResidentPeriods.WithLabelValues("historical").Set(float64(hist))
}

func cloneNames(m map[int]string) map[int]string {
	out := make(map[int]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
