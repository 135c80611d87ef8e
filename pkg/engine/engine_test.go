package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javier96ke/plazas/pkg/backend/memory"
	"github.com/javier96ke/plazas/pkg/dataset"
	"github.com/javier96ke/plazas/pkg/period"
	"github.com/javier96ke/plazas/pkg/remote"
	"github.com/javier96ke/plazas/pkg/store"
)

const engineTestYear = 2025

func emptyIndex(t *testing.T) *remote.Index {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tree.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"index": {}}`), 0o644))
	ix := remote.NewIndex(path)
	require.NoError(t, ix.Load())
	return ix
}

func indexWith(t *testing.T, labels ...string) *remote.Index {
	t.Helper()
	body := `{"index": {`
	for i, l := range labels {
		if i > 0 {
			body += ","
		}
		body += fmt.Sprintf(`%q: {"url": "http://example.invalid/%s"}`, l, l)
	}
	body += `}}`
	path := filepath.Join(t.TempDir(), "tree.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	ix := remote.NewIndex(path)
	require.NoError(t, ix.Load())
	return ix
}

// row builds one plaza row with the given CN total; the other metrics
// derive from it so sums stay easy to predict.
func row(plaza string, region int, name string, year, month int, cnTotal int64) dataset.Row {
	return dataset.Row{
		PlazaKey:  plaza,
		RegionID:  region,
		Region:    name,
		Year:      year,
		Month:     month,
		CNTotal:   cnTotal,
		CNInicial: cnTotal / 2,
		IncTotal:  cnTotal * 2,
		AtenTotal: cnTotal * 3,
	}
}

func put(t *testing.T, s *store.PeriodStore, year, month int, rows ...dataset.Row) {
	t.Helper()
	key, err := period.Encode(year, month)
	require.NoError(t, err)
	s.PutHistorical(key, &dataset.Dataset{Rows: rows})
}

func newTestEngine(t *testing.T, ix *remote.Index) (*Engine, *store.PeriodStore) {
	t.Helper()
	s := store.New(engineTestYear, nil)
	f := remote.NewFetcher(s, ix, nil, time.Second, 0)
	return New(s, ix, f, nil, engineTestYear), s
}

func TestCompare_Basic(t *testing.T) {
	e, s := newTestEngine(t, emptyIndex(t))
	put(t, s, 2024, 1, row("P1", 9, "Cdmx", 2024, 1, 100))
	put(t, s, 2024, 6, row("P1", 9, "Cdmx", 2024, 6, 600))

	resp, err := e.Compare(context.Background(), 2024, 1, 2024, 6, "Todos")
	require.NoError(t, err)

	assert.Equal(t, "success", resp.Status)
	assert.False(t, resp.CacheHit)
	assert.Equal(t, "Enero 2024", resp.Label1)
	assert.Equal(t, "Junio 2024", resp.Label2)

	cn := resp.Comparacion.MetricasGlobales["CN_Tot_Acum"]
	assert.Equal(t, int64(100), cn.Periodo1)
	assert.Equal(t, int64(600), cn.Periodo2)
	assert.Equal(t, int64(500), cn.Cambio)
	assert.Equal(t, int64(500), cn.Incremento)
	assert.Equal(t, 500.0, cn.PorcentajeCambio)
	assert.Equal(t, "numerica", cn.Tipo)

	assert.Equal(t, int64(500), resp.MetricasPrincipales.IncrementoCNTotal)
	assert.Equal(t, "CN Total +500", resp.MetricasPrincipales.ResumenCambios)

	edo := resp.Comparacion.AnalisisPorEstado["Cdmx"]
	assert.Equal(t, int64(1), edo.TotalPeriodo1)
	assert.Equal(t, int64(500), edo.Metricas["CN_Tot_Acum"].Cambio)

	// Second call over the same pair hits the local result cache
	resp2, err := e.Compare(context.Background(), 2024, 1, 2024, 6, "Todos")
	require.NoError(t, err)
	assert.True(t, resp2.CacheHit)
	assert.Equal(t, resp.Comparacion.MetricasGlobales, resp2.Comparacion.MetricasGlobales)
}

func TestCompare_TwoDigitYears(t *testing.T) {
	e, s := newTestEngine(t, emptyIndex(t))
	put(t, s, 2024, 1, row("P1", 9, "Cdmx", 2024, 1, 100))
	put(t, s, 2024, 2, row("P1", 9, "Cdmx", 2024, 2, 200))

	resp, err := e.Compare(context.Background(), 24, 1, 24, 2, "")
	require.NoError(t, err)
	assert.Equal(t, "Enero 2024", resp.Label1)
	assert.Equal(t, "Febrero 2024", resp.Label2)
}

func TestCompare_InvalidMonth(t *testing.T) {
	e, _ := newTestEngine(t, emptyIndex(t))
	_, err := e.Compare(context.Background(), 2024, 13, 2024, 1, "")
	assert.ErrorIs(t, err, period.ErrInvalidPeriod)
}

func TestCompare_ZeroDenominator(t *testing.T) {
	e, s := newTestEngine(t, emptyIndex(t))
	put(t, s, 2024, 1, row("P1", 9, "Cdmx", 2024, 1, 0))
	put(t, s, 2024, 2, row("P1", 9, "Cdmx", 2024, 2, 300))

	resp, err := e.Compare(context.Background(), 2024, 1, 2024, 2, "")
	require.NoError(t, err)

	cn := resp.Comparacion.MetricasGlobales["CN_Tot_Acum"]
	assert.Equal(t, int64(300), cn.Cambio)
	assert.Equal(t, 0.0, cn.PorcentajeCambio, "zero base never divides")
}

func TestCompare_RegionFilter(t *testing.T) {
	e, s := newTestEngine(t, emptyIndex(t))
	put(t, s, 2024, 1,
		row("P1", 9, "Cdmx", 2024, 1, 100),
		row("P2", 14, "Jalisco", 2024, 1, 50))
	put(t, s, 2024, 2,
		row("P1", 9, "Cdmx", 2024, 2, 200),
		row("P2", 14, "Jalisco", 2024, 2, 75))

	// Case-insensitive name match restricts both sides
	resp, err := e.Compare(context.Background(), 2024, 1, 2024, 2, "  jALiScO ")
	require.NoError(t, err)
	cn := resp.Comparacion.MetricasGlobales["CN_Tot_Acum"]
	assert.Equal(t, int64(50), cn.Periodo1)
	assert.Equal(t, int64(75), cn.Periodo2)
	assert.Len(t, resp.Comparacion.AnalisisPorEstado, 1)
	assert.Contains(t, resp.Comparacion.AnalisisPorEstado, "Jalisco")

	// Unknown filter falls back to the full comparison
	resp, err = e.Compare(context.Background(), 2024, 1, 2024, 2, "Atlantis")
	require.NoError(t, err)
	assert.Equal(t, int64(150), resp.Comparacion.MetricasGlobales["CN_Tot_Acum"].Periodo1)
	assert.Len(t, resp.Comparacion.AnalisisPorEstado, 2)
}

func TestCompare_PlazaChurnExact(t *testing.T) {
	e, s := newTestEngine(t, emptyIndex(t))
	put(t, s, 2024, 1,
		row("P1", 9, "Cdmx", 2024, 1, 10),
		row("P2", 9, "Cdmx", 2024, 1, 10))
	put(t, s, 2024, 2,
		row("P2", 9, "Cdmx", 2024, 2, 10),
		row("P3", 9, "Cdmx", 2024, 2, 10),
		row("P4", 9, "Cdmx", 2024, 2, 10))

	resp, err := e.Compare(context.Background(), 2024, 1, 2024, 2, "")
	require.NoError(t, err)

	ap := resp.Comparacion.AnalisisPlazas
	assert.Equal(t, int64(2), ap.TotalPeriodo1)
	assert.Equal(t, int64(3), ap.TotalPeriodo2)
	assert.Equal(t, int64(2), ap.Nuevas, "P3 and P4 are new")
	assert.Equal(t, int64(1), ap.Eliminadas, "P1 went away")
	assert.Equal(t, int64(3), ap.OperacionPeriodo2)
}

func TestCompare_PlazaChurnFallback(t *testing.T) {
	e, s := newTestEngine(t, emptyIndex(t))
	// No plaza keys at all → churn falls back to clamped count diffs
	put(t, s, 2024, 1,
		row("", 9, "Cdmx", 2024, 1, 10),
		row("", 9, "Cdmx", 2024, 1, 10),
		row("", 9, "Cdmx", 2024, 1, 10))
	put(t, s, 2024, 2,
		row("", 9, "Cdmx", 2024, 2, 10))

	resp, err := e.Compare(context.Background(), 2024, 1, 2024, 2, "")
	require.NoError(t, err)

	ap := resp.Comparacion.AnalisisPlazas
	assert.Equal(t, int64(0), ap.Nuevas)
	assert.Equal(t, int64(2), ap.Eliminadas)
}

func TestCompare_MissingPeriodFails(t *testing.T) {
	e, s := newTestEngine(t, emptyIndex(t))
	put(t, s, 2024, 1, row("P1", 9, "Cdmx", 2024, 1, 100))

	_, err := e.Compare(context.Background(), 2024, 1, 2020, 7, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2020-07")
}

func TestCompare_WithMemoryBackend(t *testing.T) {
	be := memory.New()
	s := store.New(engineTestYear, be)
	ix := emptyIndex(t)
	f := remote.NewFetcher(s, ix, be, time.Second, 0)
	e := New(s, ix, f, be, engineTestYear)

	put(t, s, 2024, 1, row("P1", 9, "Cdmx", 2024, 1, 100))
	put(t, s, 2024, 2, row("P1", 9, "Cdmx", 2024, 2, 250))
	k1, _ := period.Encode(2024, 1)
	k2, _ := period.Encode(2024, 2)
	require.True(t, s.Mirror(k1))
	require.True(t, s.Mirror(k2))

	resp, err := e.Compare(context.Background(), 2024, 1, 2024, 2, "")
	require.NoError(t, err)
	assert.False(t, resp.CacheHit)
	assert.Equal(t, int64(150), resp.Comparacion.MetricasGlobales["CN_Tot_Acum"].Cambio)

	resp, err = e.Compare(context.Background(), 2024, 1, 2024, 2, "")
	require.NoError(t, err)
	assert.True(t, resp.CacheHit, "backend result cache answers the second call")
}

func TestCompareYears_PartialYearRollsUp(t *testing.T) {
	e, s := newTestEngine(t, emptyIndex(t))

	// 2023: six months 100..600; 2024: six months 200..1200
	for m := 1; m <= 6; m++ {
		put(t, s, 2023, m, row("P1", 9, "Cdmx", 2023, m, int64(m*100)))
		put(t, s, 2024, m, row("P1", 9, "Cdmx", 2024, m, int64(m*200)))
	}

	resp, err := e.CompareYears(context.Background(), 2023, 2024)
	require.NoError(t, err)

	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, 2023, resp.Año1)
	assert.Equal(t, 2024, resp.Año2)

	cn := resp.Diferencias.Metricas["CN_Tot_Acum"]
	assert.Equal(t, int64(2100), cn.Año1, "partial years still sum all resident months")
	assert.Equal(t, int64(4200), cn.Año2)
	assert.Equal(t, int64(2100), cn.Cambio)
	assert.Equal(t, 100.0, cn.PorcentajeCambio)

	assert.Equal(t, int64(6), resp.ResumenAño1.TotalPlazas)
	assert.Equal(t, int64(2100), resp.ResumenAño1.Metricas["CN_Tot_Acum"])
	assert.Equal(t, int64(4200), resp.ResumenAño2.Metricas["CN_Tot_Acum"])

	edo := resp.PorEstado["Cdmx"]
	assert.Equal(t, int64(2100), edo.Diferencias.Metricas["CN_Tot_Acum"].Cambio)
	assert.Equal(t, int64(6), edo.ResumenAño2.PlazasOp)
}

func TestCompareYears_NoDataForYear(t *testing.T) {
	e, s := newTestEngine(t, emptyIndex(t))
	put(t, s, 2024, 1, row("P1", 9, "Cdmx", 2024, 1, 100))

	_, err := e.CompareYears(context.Background(), 2019, 2024)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2019")
}

func TestCompareYears_TwoDigitYears(t *testing.T) {
	e, s := newTestEngine(t, emptyIndex(t))
	put(t, s, 2023, 1, row("P1", 9, "Cdmx", 2023, 1, 100))
	put(t, s, 2024, 1, row("P1", 9, "Cdmx", 2024, 1, 150))

	resp, err := e.CompareYears(context.Background(), 23, 24)
	require.NoError(t, err)
	assert.Equal(t, 2023, resp.Año1)
	assert.Equal(t, 2024, resp.Año2)
}

func TestPeriodsAvailable_MergesIndexAndListingRule(t *testing.T) {
	ix := indexWith(t,
		"2023-07", "2023-08", "2023-09", "2023-10", "2023-11", "2023-12",
		"2025-04")
	e, s := newTestEngine(t, ix)

	// 2023: months 1-6 resident, 7-12 only in the index → complete
	for m := 1; m <= 6; m++ {
		put(t, s, 2023, m, row("P1", 9, "Cdmx", 2023, m, 10))
	}
	// 2022: months 1-3 resident only → hidden
	for m := 1; m <= 3; m++ {
		put(t, s, 2022, m, row("P1", 9, "Cdmx", 2022, m, 10))
	}
	// Current year: partial, listed anyway (2025-03 resident, 04 remote)
	put(t, s, 2025, 3, row("P1", 9, "Cdmx", 2025, 3, 10))

	resp := e.PeriodsAvailable()
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, []string{"2025", "2023"}, resp.Years)
	assert.Equal(t,
		[]string{"01", "02", "03", "04", "05", "06", "07", "08", "09", "10", "11", "12"},
		resp.MesesPorAnio["2023"])
	assert.Equal(t, []string{"03", "04"}, resp.MesesPorAnio["2025"])
	assert.NotContains(t, resp.MesesPorAnio, "2022")
}

func TestPurgeExpiredResults_Local(t *testing.T) {
	e, s := newTestEngine(t, emptyIndex(t))
	put(t, s, 2024, 1, row("P1", 9, "Cdmx", 2024, 1, 100))
	put(t, s, 2024, 2, row("P1", 9, "Cdmx", 2024, 2, 200))

	base := time.Now()
	e.now = func() time.Time { return base }

	_, err := e.Compare(context.Background(), 2024, 1, 2024, 2, "")
	require.NoError(t, err)
	assert.Len(t, e.ResultInfo(), 1)

	// Young result survives a TTL purge
	assert.Equal(t, 0, e.PurgeExpiredResults(time.Hour))

	e.now = func() time.Time { return base.Add(2 * time.Hour) }
	assert.Equal(t, 1, e.PurgeExpiredResults(time.Hour))
	assert.Empty(t, e.ResultInfo())
}

func TestClearCaches(t *testing.T) {
	e, s := newTestEngine(t, emptyIndex(t))
	put(t, s, 2024, 1, row("P1", 9, "Cdmx", 2024, 1, 100))
	put(t, s, 2024, 2, row("P1", 9, "Cdmx", 2024, 2, 200))

	_, err := e.Compare(context.Background(), 2024, 1, 2024, 2, "")
	require.NoError(t, err)
	assert.Equal(t, 1, e.ClearCaches())

	resp, err := e.Compare(context.Background(), 2024, 1, 2024, 2, "")
	require.NoError(t, err)
	assert.False(t, resp.CacheHit)

	// Period data is untouched by a cache clear
	k, _ := period.Encode(2024, 1)
	assert.True(t, s.Contains(k))
}

func TestPctChangeRounding(t *testing.T) {
	assert.Equal(t, 33.33, pctChange(3, 1))
	assert.Equal(t, -50.0, pctChange(200, -100))
	assert.Equal(t, 0.0, pctChange(0, 12345))
}

func TestGroupDigits(t *testing.T) {
	assert.Equal(t, "0", groupDigits(0))
	assert.Equal(t, "999", groupDigits(999))
	assert.Equal(t, "1,234", groupDigits(1234))
	assert.Equal(t, "12,345,678", groupDigits(12345678))
	assert.Equal(t, "-1,234", groupDigits(-1234))
}
