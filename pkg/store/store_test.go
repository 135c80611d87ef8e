package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javier96ke/plazas/pkg/backend/memory"
	"github.com/javier96ke/plazas/pkg/dataset"
	"github.com/javier96ke/plazas/pkg/period"
)

const testCurrentYear = 2025

func mustKey(t *testing.T, year, month int) period.Key {
	t.Helper()
	k, err := period.Encode(year, month)
	require.NoError(t, err)
	return k
}

func monthDS(year, month int) *dataset.Dataset {
	return &dataset.Dataset{Rows: []dataset.Row{
		{PlazaKey: "P1", RegionID: 9, Region: "Cdmx", Year: year, Month: month, CNTotal: 100},
	}}
}

// localDS builds a multi-month dataset the way the protected parquet
// export looks: one flat table covering several periods.
func localDS(year int, months ...int) *dataset.Dataset {
	ds := &dataset.Dataset{}
	for _, m := range months {
		ds.Rows = append(ds.Rows, monthDS(year, m).Rows...)
	}
	return ds
}

func TestIndexProtected(t *testing.T) {
	s := New(testCurrentYear, nil)

	n, err := s.IndexProtected(localDS(2025, 1, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, m := range []int{1, 2, 3} {
		key := mustKey(t, 2025, m)
		assert.True(t, s.Contains(key))
		assert.True(t, s.IsProtected(key))
	}
	_, prot, hist := s.Counts()
	assert.Equal(t, 3, prot)
	assert.Equal(t, 0, hist)
}

func TestIndexProtected_Idempotent(t *testing.T) {
	s := New(testCurrentYear, nil)

	ds := localDS(2025, 1, 2)
	_, err := s.IndexProtected(ds)
	require.NoError(t, err)
	first := s.ProtectedKeys()

	_, err = s.IndexProtected(ds)
	require.NoError(t, err)
	assert.Equal(t, first, s.ProtectedKeys())

	total, _, _ := s.Counts()
	assert.Equal(t, 2, total)
}

func TestIndexProtected_Unusable(t *testing.T) {
	s := New(testCurrentYear, nil)

	_, err := s.IndexProtected(&dataset.Dataset{})
	assert.Error(t, err)

	// All groups malformed → nothing indexed, error returned
	bad := &dataset.Dataset{Rows: []dataset.Row{{Year: 2025, Month: 0}}}
	_, err = s.IndexProtected(bad)
	assert.Error(t, err)
	total, _, _ := s.Counts()
	assert.Equal(t, 0, total)
}

func TestGet_RefreshesAccess(t *testing.T) {
	s := New(testCurrentYear, nil)
	k1 := mustKey(t, 2022, 1)
	k2 := mustKey(t, 2022, 2)
	s.PutHistorical(k1, monthDS(2022, 1))
	time.Sleep(time.Millisecond)
	s.PutHistorical(k2, monthDS(2022, 2))

	// Touch k1 so k2 becomes the LRU victim
	time.Sleep(time.Millisecond)
	_, ok := s.Get(k1)
	require.True(t, ok)

	assert.Equal(t, 1, s.EvictLRU(1))
	assert.True(t, s.Contains(k1))
	assert.False(t, s.Contains(k2))
}

func TestEvictLRU_NeverRemovesProtected(t *testing.T) {
	s := New(testCurrentYear, nil)
	n, err := s.IndexProtected(localDS(2025, 1, 2, 3))
	require1(t, n, err)

	// Historical periods with older and newer access than protected
	for m := 1; m <= 6; m++ {
		s.PutHistorical(mustKey(t, 2022, m), monthDS(2022, m))
	}

	// Repeated aggressive evictions must never touch the protected set
	for _, max := range []int{3, 1, 0, 0} {
		s.EvictLRU(max)
		for _, key := range []period.Key{mustKey(t, 2025, 1), mustKey(t, 2025, 2), mustKey(t, 2025, 3)} {
			assert.True(t, s.Contains(key), "protected %s must survive EvictLRU(%d)", key, max)
		}
	}
	_, prot, hist := s.Counts()
	assert.Equal(t, 3, prot)
	assert.Equal(t, 0, hist)
}

func TestEvictLRU_Bound(t *testing.T) {
	s := New(testCurrentYear, nil)
	var keys []period.Key
	for m := 1; m <= 5; m++ {
		k := mustKey(t, 2022, m)
		s.PutHistorical(k, monthDS(2022, m))
		keys = append(keys, k)
		time.Sleep(time.Millisecond)
	}

	evicted := s.EvictLRU(2)
	assert.Equal(t, 3, evicted)

	// Exactly the 3 oldest-by-access went
	for _, k := range keys[:3] {
		assert.False(t, s.Contains(k))
	}
	for _, k := range keys[3:] {
		assert.True(t, s.Contains(k))
	}
	_, _, hist := s.Counts()
	assert.LessOrEqual(t, hist, 2)
}

func TestAvailablePeriods_ListingAsymmetry(t *testing.T) {
	s := New(testCurrentYear, nil)

	// 2023: months 1-6 only, 2024: complete, 2025 (current): 1-3
	for m := 1; m <= 6; m++ {
		s.PutHistorical(mustKey(t, 2023, m), monthDS(2023, m))
	}
	for m := 1; m <= 12; m++ {
		s.PutHistorical(mustKey(t, 2024, m), monthDS(2024, m))
	}
	for m := 1; m <= 3; m++ {
		s.PutHistorical(mustKey(t, 2025, m), monthDS(2025, m))
	}

	avail := s.AvailablePeriods()
	assert.NotContains(t, avail, 2023)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, avail[2024])
	assert.Equal(t, []int{1, 2, 3}, avail[2025])

	// Unfiltered view still sees the partial year
	resident := s.ResidentMonths()
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, resident[2023])
}

func TestRegionNames(t *testing.T) {
	s := New(testCurrentYear, nil)
	k := mustKey(t, 2024, 1)
	s.PutHistorical(k, monthDS(2024, 1))

	names := s.RegionNames(k)
	assert.Equal(t, "Cdmx", names[9])

	// Mutating the returned copy must not affect the store
	names[9] = "changed"
	assert.Equal(t, "Cdmx", s.RegionNames(k)[9])

	assert.Empty(t, s.RegionNames(mustKey(t, 1999+1, 1)))
}

func TestSyncWithBackend(t *testing.T) {
	be := memory.New()
	s := New(testCurrentYear, be)

	n, err := s.IndexProtected(localDS(2025, 1))
	require1(t, n, err)
	hist := mustKey(t, 2022, 5)
	s.PutHistorical(hist, monthDS(2022, 5))
	s.Mirror(hist)

	// Backend still has everything → nothing to remove
	assert.Equal(t, 0, s.SyncWithBackend())

	// Drop all historicals from the backend; the store follows suit,
	// but protected keys stay even if the backend lost them
	be.EvictLRU(0, 0)
	removed := s.SyncWithBackend()
	assert.Equal(t, 1, removed)
	assert.False(t, s.Contains(hist))
	assert.True(t, s.Contains(mustKey(t, 2025, 1)))
}

func TestMirror_NoBackend(t *testing.T) {
	s := New(testCurrentYear, nil)
	k := mustKey(t, 2024, 1)
	s.PutHistorical(k, monthDS(2024, 1))
	assert.False(t, s.Mirror(k))
	assert.Equal(t, 0, s.SyncWithBackend())
}

func require1(t *testing.T, n int, err error) {
	t.Helper()
	require.NoError(t, err)
	require.Greater(t, n, 0)
}
