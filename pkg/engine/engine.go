// Package engine builds the comparison responses the dashboard consumes:
// two-period comparisons, full-year rollups and the available-period
// listing. All arithmetic is integer summation; percentages are the only
// floats and they are rounded at the edge.
package engine

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/javier96ke/plazas/pkg/backend"
	"github.com/javier96ke/plazas/pkg/dataset"
	"github.com/javier96ke/plazas/pkg/period"
	"github.com/javier96ke/plazas/pkg/remote"
	"github.com/javier96ke/plazas/pkg/store"
	"github.com/javier96ke/plazas/pkg/telemetry"
)

// Metric column names as the frontend expects them, paired with their
// aggregate accessors. Order is stable so responses don't churn.
var metricPairs = []struct {
	Name string
	Get  func(dataset.RegionAggregate) int64
}{
	{"CN_Tot_Acum", func(a dataset.RegionAggregate) int64 { return a.CNTotal }},
	{"CN_Inicial_Acum", func(a dataset.RegionAggregate) int64 { return a.CNInicial }},
	{"CN_Prim_Acum", func(a dataset.RegionAggregate) int64 { return a.CNPrim }},
	{"CN_Sec_Acum", func(a dataset.RegionAggregate) int64 { return a.CNSec }},
	{"Inc_Total", func(a dataset.RegionAggregate) int64 { return a.IncTotal }},
	{"Aten_Total", func(a dataset.RegionAggregate) int64 { return a.AtenTotal }},
}

// GlobalMetric is one metric's before/after pair in metricas_globales.
type GlobalMetric struct {
	Periodo1         int64   `json:"periodo1"`
	Periodo2         int64   `json:"periodo2"`
	Incremento       int64   `json:"incremento"`
	Cambio           int64   `json:"cambio"`
	PorcentajeCambio float64 `json:"porcentaje_cambio"`
	Tipo             string  `json:"tipo"`
}

// StateMetric is the per-region variant, without the legacy aliases.
type StateMetric struct {
	Periodo1         int64   `json:"periodo1"`
	Periodo2         int64   `json:"periodo2"`
	Cambio           int64   `json:"cambio"`
	PorcentajeCambio float64 `json:"porcentaje_cambio"`
}

// PlazaAnalysis reports plaza-population churn between the two periods.
type PlazaAnalysis struct {
	TotalPeriodo1     int64 `json:"total_plazas_periodo1"`
	TotalPeriodo2     int64 `json:"total_plazas_periodo2"`
	Nuevas            int64 `json:"plazas_nuevas"`
	Eliminadas        int64 `json:"plazas_eliminadas"`
	OperacionPeriodo2 int64 `json:"plazas_operacion_periodo2"`
}

// StateComparison is the per-region block of analisis_por_estado.
type StateComparison struct {
	TotalPeriodo1     int64                  `json:"total_plazas_periodo1"`
	TotalPeriodo2     int64                  `json:"total_plazas_periodo2"`
	OperacionPeriodo2 int64                  `json:"plazas_operacion_periodo2"`
	Metricas          map[string]StateMetric `json:"metricas"`
}

// Comparison is the full comparison body under "comparacion".
type Comparison struct {
	AnalisisPlazas    PlazaAnalysis              `json:"analisis_plazas"`
	MetricasGlobales  map[string]GlobalMetric    `json:"metricas_globales"`
	AnalisisPorEstado map[string]StateComparison `json:"analisis_por_estado"`
}

// Highlights feeds the summary cards.
type Highlights struct {
	PlazasNuevas      int64  `json:"plazas_nuevas"`
	PlazasEliminadas  int64  `json:"plazas_eliminadas"`
	IncrementoCNTotal int64  `json:"incremento_cn_total"`
	ResumenCambios    string `json:"resumen_cambios"`
}

// CompareResponse is the two-period comparison payload.
type CompareResponse struct {
	Status              string      `json:"status"`
	CacheHit            bool        `json:"cache_hit"`
	Label1              string      `json:"label1"`
	Label2              string      `json:"label2"`
	Comparacion         *Comparison `json:"comparacion"`
	MetricasPrincipales Highlights  `json:"metricas_principales"`
}

// YearMetric is one metric's year-over-year pair.
type YearMetric struct {
	Año1             int64   `json:"año1"`
	Año2             int64   `json:"año2"`
	Cambio           int64   `json:"cambio"`
	PorcentajeCambio float64 `json:"porcentaje_cambio"`
}

// YearSummary is resumen_año1 / resumen_año2.
type YearSummary struct {
	TotalPlazas int64            `json:"total_plazas"`
	PlazasOp    int64            `json:"plazas_op,omitempty"`
	Metricas    map[string]int64 `json:"metricas"`
}

// YearStateBlock is the per-region block of the annual breakdown.
type YearStateBlock struct {
	ResumenAño1 YearSummary                       `json:"resumen_año1"`
	ResumenAño2 YearSummary                       `json:"resumen_año2"`
	Diferencias struct {
		Metricas map[string]YearMetric `json:"metricas"`
	} `json:"diferencias"`
}

// YearCompareResponse is the full-year comparison payload.
type YearCompareResponse struct {
	Status      string `json:"status"`
	Año1        int    `json:"año1"`
	Año2        int    `json:"año2"`
	ResumenAño1 YearSummary `json:"resumen_año1"`
	ResumenAño2 YearSummary `json:"resumen_año2"`
	Diferencias struct {
		Metricas map[string]YearMetric `json:"metricas"`
	} `json:"diferencias"`
	PorEstado map[string]YearStateBlock `json:"por_estado"`
}

// PeriodsResponse lists the comparable periods.
type PeriodsResponse struct {
	Status       string              `json:"status"`
	Years        []string            `json:"years"`
	MesesPorAnio map[string][]string `json:"meses_por_anio"`
}

// Engine wires the period store, remote fetcher and optional backend
// into the comparison API. Safe for concurrent use.
type Engine struct {
	store       *store.PeriodStore
	index       *remote.Index
	fetcher     *remote.Fetcher
	backend     backend.Backend // may be nil
	currentYear int

	// fallback result cache, used only when no backend is configured
	mu      sync.Mutex
	results map[[2]period.Key]*localResult
	now     func() time.Time
}

type localResult struct {
	agr1, agr2 map[int]dataset.RegionAggregate
	created    time.Time
	hits       int64
}

// New builds an Engine. be may be nil; the engine then aggregates
// directly over the store and keeps its own small result cache.
func New(s *store.PeriodStore, ix *remote.Index, f *remote.Fetcher, be backend.Backend, currentYear int) *Engine {
	return &Engine{
		store:       s,
		index:       ix,
		fetcher:     f,
		backend:     be,
		currentYear: currentYear,
		results:     make(map[[2]period.Key]*localResult),
		now:         time.Now,
	}
}

// Compare compares two periods, optionally restricted to one region by
// display name. An unresolvable filter falls back to the unfiltered
// comparison rather than failing.
func (e *Engine) Compare(ctx context.Context, year1, month1, year2, month2 int, regionFilter string) (*CompareResponse, error) {
	key1, err := period.Encode(year1, month1)
	if err != nil {
		return nil, err
	}
	key2, err := period.Encode(year2, month2)
	if err != nil {
		return nil, err
	}

	cacheHit := e.hasResult(key1, key2)

	// A cached result means the backend already aggregated both sides:
	// skip the fetch entirely, even if the raw rows were evicted.
	if !cacheHit {
		if _, err := e.fetcher.Ensure(ctx, key1.Year(), key1.Month()); err != nil {
			return nil, fmt.Errorf("no se pudo cargar %s: %w", key1, err)
		}
		if _, err := e.fetcher.Ensure(ctx, key2.Year(), key2.Month()); err != nil {
			return nil, fmt.Errorf("no se pudo cargar %s: %w", key2, err)
		}
	}

	agr1, agr2 := e.aggregates(key1, key2)

	names := mergeNames(e.store.RegionNames(key2), e.store.RegionNames(key1))
	filterID := resolveFilter(regionFilter, names)

	keys1 := e.plazaKeys(key1)
	keys2 := e.plazaKeys(key2)

	comp := buildComparison(agr1, agr2, names, filterID, keys1, keys2)

	if cacheHit {
		telemetry.ComparisonsTotal.WithLabelValues("hit").Inc()
	} else {
		telemetry.ComparisonsTotal.WithLabelValues("miss").Inc()
	}

	return &CompareResponse{
		Status:              "success",
		CacheHit:            cacheHit,
		Label1:              key1.Label(),
		Label2:              key2.Label(),
		Comparacion:         comp,
		MetricasPrincipales: highlights(comp),
	}, nil
}

// CompareYears rolls up every obtainable month of each year and compares
// the totals. A year participates with whatever months exist — partial
// years are summed, not rejected.
func (e *Engine) CompareYears(ctx context.Context, year1, year2 int) (*YearCompareResponse, error) {
	y1 := period.NormalizeYear(year1)
	y2 := period.NormalizeYear(year2)

	months1 := e.monthsOf(y1)
	months2 := e.monthsOf(y2)
	if len(months1) == 0 {
		return nil, fmt.Errorf("sin meses disponibles para el año %d", y1)
	}
	if len(months2) == 0 {
		return nil, fmt.Errorf("sin meses disponibles para el año %d", y2)
	}

	// Best-effort residency: a month that cannot be fetched is logged
	// and excluded from the rollup, it never fails the whole year.
	for _, m := range months1 {
		if _, err := e.fetcher.Ensure(ctx, y1, m); err != nil {
			log.Printf("⚠️  comparar_años: no se pudo cargar %d-%s: %v", y1, period.PadMonth(m), err)
		}
	}
	for _, m := range months2 {
		if _, err := e.fetcher.Ensure(ctx, y2, m); err != nil {
			log.Printf("⚠️  comparar_años: no se pudo cargar %d-%s: %v", y2, period.PadMonth(m), err)
		}
	}

	agr1 := e.accumulateYear(y1, months1)
	agr2 := e.accumulateYear(y2, months2)
	if len(agr1) == 0 {
		return nil, fmt.Errorf("sin datos residentes para el año %d", y1)
	}
	if len(agr2) == 0 {
		return nil, fmt.Errorf("sin datos residentes para el año %d", y2)
	}

	names := make(map[int]string)
	for _, ym := range []struct {
		year   int
		months []int
	}{{y1, months1}, {y2, months2}} {
		for _, m := range ym.months {
			if key, err := period.Encode(ym.year, m); err == nil {
				for id, name := range e.store.RegionNames(key) {
					names[id] = name
				}
			}
		}
	}

	t1 := dataset.SumAggregates(agr1)
	t2 := dataset.SumAggregates(agr2)

	diff := yearMetrics(t1, t2)

	porEstado := make(map[string]YearStateBlock)
	for _, id := range unionRegionIDs(agr1, agr2) {
		name, ok := names[id]
		if !ok {
			name = fmt.Sprintf("Estado_%d", id)
		}
		d1 := agr1[id]
		d2 := agr2[id]
		m := yearMetrics(d1, d2)

		var block YearStateBlock
		block.ResumenAño1 = YearSummary{TotalPlazas: d1.Plazas, Metricas: firstYearValues(m)}
		block.ResumenAño2 = YearSummary{TotalPlazas: d2.Plazas, PlazasOp: d2.Plazas, Metricas: secondYearValues(m)}
		block.Diferencias.Metricas = m
		porEstado[name] = block
	}

	resp := &YearCompareResponse{
		Status:      "success",
		Año1:        y1,
		Año2:        y2,
		ResumenAño1: YearSummary{TotalPlazas: t1.Plazas, PlazasOp: t1.Plazas, Metricas: firstYearValues(diff)},
		ResumenAño2: YearSummary{TotalPlazas: t2.Plazas, PlazasOp: t2.Plazas, Metricas: secondYearValues(diff)},
		PorEstado:   porEstado,
	}
	resp.Diferencias.Metricas = diff
	return resp, nil
}

// PeriodsAvailable lists comparable periods: the union of resident
// periods and the remote index, with the listing rule applied (current
// year unrestricted, other years only when complete).
func (e *Engine) PeriodsAvailable() *PeriodsResponse {
	merged := e.store.ResidentMonths()
	if e.index != nil {
		for y, months := range e.index.Months() {
			merged[y] = unionMonths(merged[y], months)
		}
	}
	listed := store.FilterComplete(merged, e.currentYear)

	years := make([]string, 0, len(listed))
	byYear := make(map[string][]string, len(listed))
	for y, months := range listed {
		ys := strconv.Itoa(y)
		years = append(years, ys)
		padded := make([]string, 0, len(months))
		for _, m := range months {
			padded = append(padded, period.PadMonth(m))
		}
		sort.Strings(padded)
		byYear[ys] = padded
	}
	sort.Sort(sort.Reverse(sort.StringSlice(years)))

	return &PeriodsResponse{Status: "success", Years: years, MesesPorAnio: byYear}
}

// PurgeExpiredResults drops cached comparison results older than ttl.
// Dispatches to the backend when one is configured.
func (e *Engine) PurgeExpiredResults(ttl time.Duration) int {
	if e.backend != nil {
		return e.backend.PurgeExpiredResults(ttl)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for k, r := range e.results {
		if ttl <= 0 || e.now().Sub(r.created) > ttl {
			delete(e.results, k)
			removed++
		}
	}
	if removed > 0 {
		telemetry.ResultsPurged.Add(float64(removed))
	}
	return removed
}

// ClearCaches drops every cached result. Resident period data stays.
func (e *Engine) ClearCaches() int {
	return e.PurgeExpiredResults(0)
}

// ResultInfo lists the cached results for diagnostics.
func (e *Engine) ResultInfo() []backend.ResultInfo {
	if e.backend != nil {
		return e.backend.ResultInfo()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]backend.ResultInfo, 0, len(e.results))
	for k, r := range e.results {
		out = append(out, backend.ResultInfo{
			Key1:   k[0],
			Key2:   k[1],
			Filter: backend.FilterAll,
			Age:    e.now().Sub(r.created).Seconds(),
			Hits:   r.hits,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key1 != out[j].Key1 {
			return out[i].Key1 < out[j].Key1
		}
		return out[i].Key2 < out[j].Key2
	})
	return out
}

// hasResult reports whether a cached comparison exists for the pair.
// The engine always caches unfiltered; region filters apply afterwards.
func (e *Engine) hasResult(key1, key2 period.Key) bool {
	if e.backend != nil {
		return e.backend.HasResult(key1, key2, backend.FilterAll)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.results[[2]period.Key{key1, key2}]
	return ok
}

// aggregates returns the per-region sums for both periods, preferring
// the backend and falling back to direct aggregation over the store.
func (e *Engine) aggregates(key1, key2 period.Key) (map[int]dataset.RegionAggregate, map[int]dataset.RegionAggregate) {
	if e.backend != nil {
		comp, err := e.backend.Compare(key1, key2, backend.FilterAll)
		if err == nil {
			return comp.Agr1, comp.Agr2
		}
		log.Printf("⚠️  backend compare %s/%s: %v — falling back to store aggregation", key1, key2, err)
	}

	e.mu.Lock()
	if r, ok := e.results[[2]period.Key{key1, key2}]; ok {
		r.hits++
		agr1, agr2 := r.agr1, r.agr2
		e.mu.Unlock()
		return agr1, agr2
	}
	e.mu.Unlock()

	agr1 := e.aggregateLocal(key1)
	agr2 := e.aggregateLocal(key2)

	if e.backend == nil {
		e.mu.Lock()
		if len(e.results) >= backend.MaxResults {
			e.dropOldestLocked()
		}
		e.results[[2]period.Key{key1, key2}] = &localResult{agr1: agr1, agr2: agr2, created: e.now()}
		e.mu.Unlock()
	}
	return agr1, agr2
}

func (e *Engine) aggregateLocal(key period.Key) map[int]dataset.RegionAggregate {
	ds, ok := e.store.Get(key)
	if !ok {
		return map[int]dataset.RegionAggregate{}
	}
	return dataset.Aggregate(ds)
}

func (e *Engine) dropOldestLocked() {
	var oldest [2]period.Key
	var oldestAt time.Time
	first := true
	for k, r := range e.results {
		if first || r.created.Before(oldestAt) {
			oldest, oldestAt, first = k, r.created, false
		}
	}
	if !first {
		delete(e.results, oldest)
	}
}

func (e *Engine) plazaKeys(key period.Key) map[string]struct{} {
	ds, ok := e.store.Get(key)
	if !ok {
		return nil
	}
	return ds.PlazaKeys()
}

// accumulateYear sums the per-region aggregates of every resident month.
func (e *Engine) accumulateYear(year int, months []int) map[int]dataset.RegionAggregate {
	acc := make(map[int]dataset.RegionAggregate)
	for _, m := range months {
		key, err := period.Encode(year, m)
		if err != nil {
			continue
		}
		ds, ok := e.store.Get(key)
		if !ok {
			continue
		}
		for id, a := range dataset.Aggregate(ds) {
			cur := acc[id]
			cur.Add(a)
			acc[id] = cur
		}
	}
	return acc
}

// monthsOf merges resident and index months for one year, unlisted.
// The annual rollup works on obtainable data, not the listing rule: a
// six-month year still produces a six-month total.
func (e *Engine) monthsOf(year int) []int {
	months := e.store.ResidentMonths()[year]
	if e.index != nil {
		months = unionMonths(months, e.index.Months()[year])
	}
	return months
}

// buildComparison assembles the full comparison body.
func buildComparison(
	agr1, agr2 map[int]dataset.RegionAggregate,
	names map[int]string,
	filterID int,
	keys1, keys2 map[string]struct{},
) *Comparison {
	if filterID >= 0 {
		agr1 = filterRegion(agr1, filterID)
		agr2 = filterRegion(agr2, filterID)
	}

	t1 := dataset.SumAggregates(agr1)
	t2 := dataset.SumAggregates(agr2)

	// Exact churn needs both plaza-key sets; otherwise fall back to the
	// count difference clamped at zero.
	var nuevas, eliminadas int64
	if len(keys1) > 0 && len(keys2) > 0 {
		nuevas = int64(countMissing(keys2, keys1))
		eliminadas = int64(countMissing(keys1, keys2))
	} else {
		nuevas = max64(0, t2.Plazas-t1.Plazas)
		eliminadas = max64(0, t1.Plazas-t2.Plazas)
	}

	globales := make(map[string]GlobalMetric, len(metricPairs))
	for _, p := range metricPairs {
		v1, v2 := p.Get(t1), p.Get(t2)
		c := v2 - v1
		globales[p.Name] = GlobalMetric{
			Periodo1:         v1,
			Periodo2:         v2,
			Incremento:       c,
			Cambio:           c,
			PorcentajeCambio: pctChange(v1, c),
			Tipo:             "numerica",
		}
	}

	porEstado := make(map[string]StateComparison)
	for _, id := range unionRegionIDs(agr1, agr2) {
		name, ok := names[id]
		if !ok {
			name = fmt.Sprintf("Estado_%d", id)
		}
		d1 := agr1[id]
		d2 := agr2[id]
		metricas := make(map[string]StateMetric, len(metricPairs))
		for _, p := range metricPairs {
			v1, v2 := p.Get(d1), p.Get(d2)
			c := v2 - v1
			metricas[p.Name] = StateMetric{
				Periodo1:         v1,
				Periodo2:         v2,
				Cambio:           c,
				PorcentajeCambio: pctChange(v1, c),
			}
		}
		porEstado[name] = StateComparison{
			TotalPeriodo1:     d1.Plazas,
			TotalPeriodo2:     d2.Plazas,
			OperacionPeriodo2: d2.Plazas,
			Metricas:          metricas,
		}
	}

	return &Comparison{
		AnalisisPlazas: PlazaAnalysis{
			TotalPeriodo1:     t1.Plazas,
			TotalPeriodo2:     t2.Plazas,
			Nuevas:            nuevas,
			Eliminadas:        eliminadas,
			OperacionPeriodo2: t2.Plazas,
		},
		MetricasGlobales:  globales,
		AnalisisPorEstado: porEstado,
	}
}

func yearMetrics(a1, a2 dataset.RegionAggregate) map[string]YearMetric {
	out := make(map[string]YearMetric, len(metricPairs))
	for _, p := range metricPairs {
		v1, v2 := p.Get(a1), p.Get(a2)
		c := v2 - v1
		out[p.Name] = YearMetric{
			Año1:             v1,
			Año2:             v2,
			Cambio:           c,
			PorcentajeCambio: pctChange(v1, c),
		}
	}
	return out
}

func firstYearValues(m map[string]YearMetric) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v.Año1
	}
	return out
}

func secondYearValues(m map[string]YearMetric) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v.Año2
	}
	return out
}

// highlights distills the summary-card figures from a comparison.
func highlights(comp *Comparison) Highlights {
	cn := comp.MetricasGlobales["CN_Tot_Acum"]
	sign := ""
	if cn.Cambio >= 0 {
		sign = "+"
	}
	return Highlights{
		PlazasNuevas:      comp.AnalisisPlazas.Nuevas,
		PlazasEliminadas:  comp.AnalisisPlazas.Eliminadas,
		IncrementoCNTotal: cn.Cambio,
		ResumenCambios:    fmt.Sprintf("CN Total %s%s", sign, groupDigits(cn.Cambio)),
	}
}

// pctChange computes the rounded percentage change of delta over base.
// A zero base yields 0.0, never a division error.
func pctChange(base, delta int64) float64 {
	if base == 0 {
		return 0.0
	}
	return math.Round(float64(delta)/float64(base)*100*100) / 100
}

// resolveFilter maps a region display name to its id, case-insensitive.
// "Todos"/"all"/empty and unknown names disable filtering.
func resolveFilter(filter string, names map[int]string) int {
	norm := strings.ToLower(strings.TrimSpace(filter))
	if norm == "" || norm == "todos" || norm == "all" {
		return backend.FilterAll
	}
	for id, name := range names {
		if strings.ToLower(strings.TrimSpace(name)) == norm {
			return id
		}
	}
	return backend.FilterAll
}

func filterRegion(agr map[int]dataset.RegionAggregate, id int) map[int]dataset.RegionAggregate {
	out := make(map[int]dataset.RegionAggregate, 1)
	if a, ok := agr[id]; ok {
		out[id] = a
	}
	return out
}

// mergeNames overlays preferred on top of base.
func mergeNames(base, preferred map[int]string) map[int]string {
	out := make(map[int]string, len(base)+len(preferred))
	for id, name := range base {
		out[id] = name
	}
	for id, name := range preferred {
		out[id] = name
	}
	return out
}

func unionRegionIDs(a, b map[int]dataset.RegionAggregate) []int {
	seen := make(map[int]struct{}, len(a)+len(b))
	for id := range a {
		seen[id] = struct{}{}
	}
	for id := range b {
		seen[id] = struct{}{}
	}
	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func unionMonths(a, b []int) []int {
	seen := make(map[int]struct{}, len(a)+len(b))
	for _, m := range a {
		seen[m] = struct{}{}
	}
	for _, m := range b {
		seen[m] = struct{}{}
	}
	out := make([]int, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Ints(out)
	return out
}

func countMissing(of, in map[string]struct{}) int {
	n := 0
	for k := range of {
		if _, ok := in[k]; !ok {
			n++
		}
	}
	return n
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// groupDigits formats n with thousands separators: 12345 → "12,345".
func groupDigits(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}
