package badger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javier96ke/plazas/pkg/backend"
	"github.com/javier96ke/plazas/pkg/dataset"
	"github.com/javier96ke/plazas/pkg/period"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func mustKey(t *testing.T, year, month int) period.Key {
	t.Helper()
	k, err := period.Encode(year, month)
	require.NoError(t, err)
	return k
}

func sampleDS(regionID int, cnTotal int64) *dataset.Dataset {
	return &dataset.Dataset{Rows: []dataset.Row{
		{PlazaKey: "P1", RegionID: regionID, CNTotal: cnTotal, IncTotal: cnTotal * 2},
	}}
}

func TestLoadPeriod_AndIsCached(t *testing.T) {
	b := newTestBackend(t)

	k := mustKey(t, 2024, 3)
	n, err := b.LoadPeriod(k, sampleDS(9, 100))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, b.IsCached(k))
	assert.False(t, b.IsCached(mustKey(t, 2024, 4)))
}

func TestLoadPeriod_EmptyDataset(t *testing.T) {
	b := newTestBackend(t)
	_, err := b.LoadPeriod(mustKey(t, 2024, 3), &dataset.Dataset{})
	assert.Error(t, err)
}

func TestCompare_WithResultCache(t *testing.T) {
	b := newTestBackend(t)

	k1 := mustKey(t, 2024, 1)
	k2 := mustKey(t, 2024, 6)
	require.NoError(t, load(b, k1, sampleDS(9, 100)))
	require.NoError(t, load(b, k2, sampleDS(9, 600)))

	res, err := b.Compare(k1, k2, backend.FilterAll)
	require.NoError(t, err)
	assert.False(t, res.CacheHit)
	assert.Equal(t, int64(100), res.Agr1[9].CNTotal)
	assert.Equal(t, int64(600), res.Agr2[9].CNTotal)

	res, err = b.Compare(k1, k2, backend.FilterAll)
	require.NoError(t, err)
	assert.True(t, res.CacheHit)

	stats := b.Stats()
	assert.Equal(t, 2, stats.Periods)
	assert.Equal(t, 1, stats.Results)
	assert.Equal(t, int64(1), stats.CacheHits)
}

func TestCompare_MissingPeriod(t *testing.T) {
	b := newTestBackend(t)
	require.NoError(t, load(b, mustKey(t, 2024, 1), sampleDS(9, 100)))
	_, err := b.Compare(mustKey(t, 2024, 1), mustKey(t, 2024, 2), backend.FilterAll)
	assert.Error(t, err)
}

func TestCompare_Filter(t *testing.T) {
	b := newTestBackend(t)

	k1 := mustKey(t, 2024, 1)
	k2 := mustKey(t, 2024, 2)
	multi := &dataset.Dataset{Rows: []dataset.Row{
		{RegionID: 9, CNTotal: 10},
		{RegionID: 15, CNTotal: 20},
	}}
	require.NoError(t, load(b, k1, multi))
	require.NoError(t, load(b, k2, multi))

	res, err := b.Compare(k1, k2, 15)
	require.NoError(t, err)
	assert.Len(t, res.Agr1, 1)
	assert.Equal(t, int64(20), res.Agr1[15].CNTotal)
}

func TestPurgeExpiredResults_ZeroTTL(t *testing.T) {
	b := newTestBackend(t)

	k1 := mustKey(t, 2024, 1)
	k2 := mustKey(t, 2024, 2)
	require.NoError(t, load(b, k1, sampleDS(9, 10)))
	require.NoError(t, load(b, k2, sampleDS(9, 20)))
	_, err := b.Compare(k1, k2, backend.FilterAll)
	require.NoError(t, err)

	assert.Equal(t, 1, b.PurgeExpiredResults(0))
	assert.False(t, b.HasResult(k1, k2, backend.FilterAll))

	// Long TTL keeps fresh results
	_, err = b.Compare(k1, k2, backend.FilterAll)
	require.NoError(t, err)
	assert.Equal(t, 0, b.PurgeExpiredResults(4*time.Hour))
}

func TestEvictLRU_NeverEvictsCurrentYear(t *testing.T) {
	b := newTestBackend(t)

	h1 := mustKey(t, 2022, 1)
	h2 := mustKey(t, 2022, 2)
	cur := mustKey(t, 2025, 1)
	require.NoError(t, load(b, h1, sampleDS(9, 1)))
	require.NoError(t, load(b, h2, sampleDS(9, 2)))
	require.NoError(t, load(b, cur, sampleDS(9, 3)))

	// Refresh h2 so h1 is the LRU victim
	assert.True(t, b.IsCached(h2))

	evicted := b.EvictLRU(1, 2025)
	assert.Equal(t, 1, evicted)
	assert.False(t, b.IsCached(h1))
	assert.True(t, b.IsCached(h2))
	assert.True(t, b.IsCached(cur))

	// Evicting everything still spares the current year
	assert.Equal(t, 1, b.EvictLRU(0, 2025))
	assert.True(t, b.IsCached(cur))
}

func load(b *Backend, k period.Key, ds *dataset.Dataset) error {
	_, err := b.LoadPeriod(k, ds)
	return err
}
