package dataset

import (
	"log"
	"strings"

	"github.com/javier96ke/plazas/pkg/period"
)

// Row is one plaza record within a period's dataset.
// Column names follow the upstream parquet schema.
type Row struct {
	PlazaKey  string  `json:"Clave_Plaza"`
	RegionID  int     `json:"Clave_Edo"`
	Region    string  `json:"Estado"`
	Year      int     `json:"Año"`
	Month     int     `json:"Cve-mes"`
	IncTotal  int64   `json:"Inc_Total"`
	AtenTotal int64   `json:"Aten_Total"`
	CNInicial int64   `json:"CN_Inicial_Acum"`
	CNPrim    int64   `json:"CN_Prim_Acum"`
	CNSec     int64   `json:"CN_Sec_Acum"`
	CNTotal   int64   `json:"CN_Tot_Acum"`
	Lat       float64 `json:"Latitud,omitempty"`
	Lng       float64 `json:"Longitud,omitempty"`
}

// Dataset holds the rows of one period (or, before partitioning, of the
// whole local parquet export).
type Dataset struct {
	Rows []Row
}

// Len returns the row count.
func (ds *Dataset) Len() int {
	if ds == nil {
		return 0
	}
	return len(ds.Rows)
}

// Empty reports whether the dataset has no rows.
func (ds *Dataset) Empty() bool { return ds.Len() == 0 }

// RegionAggregate holds per-region summed metrics for one period.
// All sums are integer: repeated float addition would lose precision on
// large certification counts.
type RegionAggregate struct {
	Plazas    int64 `json:"plazas"`
	IncTotal  int64 `json:"inc_total"`
	AtenTotal int64 `json:"aten_total"`
	CNTotal   int64 `json:"cn_total"`
	CNInicial int64 `json:"cn_ini"`
	CNPrim    int64 `json:"cn_prim"`
	CNSec     int64 `json:"cn_sec"`
}

// Add accumulates another aggregate into a.
func (a *RegionAggregate) Add(b RegionAggregate) {
	a.Plazas += b.Plazas
	a.IncTotal += b.IncTotal
	a.AtenTotal += b.AtenTotal
	a.CNTotal += b.CNTotal
	a.CNInicial += b.CNInicial
	a.CNPrim += b.CNPrim
	a.CNSec += b.CNSec
}

// Aggregate groups the dataset's rows by region id and sums each metric.
func Aggregate(ds *Dataset) map[int]RegionAggregate {
	agr := make(map[int]RegionAggregate)
	if ds == nil {
		return agr
	}
	for _, r := range ds.Rows {
		e := agr[r.RegionID]
		e.Plazas++
		e.IncTotal += r.IncTotal
		e.AtenTotal += r.AtenTotal
		e.CNTotal += r.CNTotal
		e.CNInicial += r.CNInicial
		e.CNPrim += r.CNPrim
		e.CNSec += r.CNSec
		agr[r.RegionID] = e
	}
	return agr
}

// SumAggregates folds per-region aggregates into one global total.
func SumAggregates(agr map[int]RegionAggregate) RegionAggregate {
	var total RegionAggregate
	for _, a := range agr {
		total.Add(a)
	}
	return total
}

// RegionNames builds the region id → display name map for the dataset.
// Blank and placeholder names are skipped.
func (ds *Dataset) RegionNames() map[int]string {
	names := make(map[int]string)
	if ds == nil {
		return names
	}
	for _, r := range ds.Rows {
		name := strings.TrimSpace(r.Region)
		if name == "" {
			continue
		}
		switch strings.ToLower(name) {
		case "nan", "none", "null":
			continue
		}
		names[r.RegionID] = name
	}
	return names
}

// PlazaKeys returns the set of distinct plaza identifiers in the dataset.
// Used for exact new/removed churn between two periods.
func (ds *Dataset) PlazaKeys() map[string]struct{} {
	keys := make(map[string]struct{})
	if ds == nil {
		return keys
	}
	for _, r := range ds.Rows {
		k := strings.TrimSpace(r.PlazaKey)
		if k != "" {
			keys[k] = struct{}{}
		}
	}
	return keys
}

// PartitionByPeriod splits the dataset by (year, month). Rows whose
// year/month cannot form a valid key are counted and skipped; a bad
// group never aborts the rest.
func (ds *Dataset) PartitionByPeriod() map[period.Key]*Dataset {
	parts := make(map[period.Key]*Dataset)
	if ds == nil {
		return parts
	}
	skipped := 0
	for _, r := range ds.Rows {
		key, err := period.Encode(r.Year, r.Month)
		if err != nil {
			skipped++
			continue
		}
		p, ok := parts[key]
		if !ok {
			p = &Dataset{}
			parts[key] = p
		}
		p.Rows = append(p.Rows, r)
	}
	if skipped > 0 {
		log.Printf("⚠️  PartitionByPeriod: %d rows with unusable year/month skipped", skipped)
	}
	return parts
}
