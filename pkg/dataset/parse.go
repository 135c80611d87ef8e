package dataset

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/javier96ke/plazas/pkg/period"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Decompress transparently inflates gzip or zstd payloads, detected by
// magic bytes. Anything else passes through untouched.
func Decompress(raw []byte) ([]byte, error) {
	switch {
	case bytes.HasPrefix(raw, gzipMagic):
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return out, nil
	case bytes.HasPrefix(raw, zstdMagic):
		zr, err := zstd.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr.IOReadCloser())
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return out, nil
	default:
		return raw, nil
	}
}

// Parse decodes a payload into a Dataset, picking the format from the
// file name extension. Unknown extensions try JSON first, then CSV.
func Parse(raw []byte, name string) (*Dataset, error) {
	raw, err := Decompress(raw)
	if err != nil {
		return nil, err
	}

	switch {
	case hasExt(name, ".csv"):
		return ParseCSV(raw)
	case hasExt(name, ".json"):
		return ParseJSON(raw)
	default:
		ds, jsonErr := ParseJSON(raw)
		if jsonErr == nil && !ds.Empty() {
			return ds, nil
		}
		ds, csvErr := ParseCSV(raw)
		if csvErr == nil && !ds.Empty() {
			return ds, nil
		}
		return nil, fmt.Errorf("unrecognized payload %q (json: %v, csv: %v)", name, jsonErr, csvErr)
	}
}

// ParseFile reads and parses a local dataset file, typically the
// protected parquet export converted to CSV or JSON.
func ParseFile(path string) (*Dataset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(raw, path)
}

// ParseJSON decodes an array of row objects. Numeric fields may arrive
// as strings or floats, so rows are coerced field by field.
func ParseJSON(raw []byte) (*Dataset, error) {
	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("json rows: %w", err)
	}
	ds := &Dataset{Rows: make([]Row, 0, len(rows))}
	for _, m := range rows {
		ds.Rows = append(ds.Rows, rowFromFields(func(candidates ...string) (string, bool) {
			for _, c := range candidates {
				for k, v := range m {
					if strings.EqualFold(k, c) {
						return anyToString(v), true
					}
				}
			}
			return "", false
		}))
	}
	return ds, nil
}

// ParseCSV decodes a header-labelled CSV payload. Upstream exports are
// not consistently UTF-8, so invalid byte sequences fall back to a
// Latin-1 interpretation before parsing.
func ParseCSV(raw []byte) (*Dataset, error) {
	if !utf8.Valid(raw) {
		raw = latin1ToUTF8(raw)
	}

	r := csv.NewReader(bytes.NewReader(raw))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	colIdx := func(candidates ...string) int {
		for _, c := range candidates {
			for i, h := range header {
				if strings.EqualFold(h, c) {
					return i
				}
			}
		}
		return -1
	}
	idx := map[string]int{
		"plaza":     colIdx("Clave_Plaza", "clave", "Clave"),
		"regionID":  colIdx("Clave_Edo", "clave_edo"),
		"region":    colIdx("Estado", "estado"),
		"year":      colIdx("Año", "anio", "ANIO", "year"),
		"month":     colIdx("Cve-mes", "cve_mes", "Mes", "mes"),
		"incTotal":  colIdx("Inc_Total"),
		"atenTotal": colIdx("Aten_Total"),
		"cnIni":     colIdx("CN_Inicial_Acum"),
		"cnPrim":    colIdx("CN_Prim_Acum"),
		"cnSec":     colIdx("CN_Sec_Acum"),
		"cnTotal":   colIdx("CN_Tot_Acum"),
		"lat":       colIdx("Latitud"),
		"lng":       colIdx("Longitud"),
	}

	named := map[string]string{
		"Clave_Plaza":     "plaza",
		"Clave_Edo":       "regionID",
		"Estado":          "region",
		"Año":             "year",
		"Cve-mes":         "month",
		"Inc_Total":       "incTotal",
		"Aten_Total":      "atenTotal",
		"CN_Inicial_Acum": "cnIni",
		"CN_Prim_Acum":    "cnPrim",
		"CN_Sec_Acum":     "cnSec",
		"CN_Tot_Acum":     "cnTotal",
		"Latitud":         "lat",
		"Longitud":        "lng",
	}

	ds := &Dataset{}
	badRows := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			badRows++
			continue
		}
		field := func(candidates ...string) (string, bool) {
			for _, c := range candidates {
				slot, ok := named[c]
				if !ok {
					continue
				}
				i := idx[slot]
				if i >= 0 && i < len(record) {
					return record[i], true
				}
			}
			return "", false
		}
		ds.Rows = append(ds.Rows, rowFromFields(field))
	}
	if badRows > 0 {
		log.Printf("⚠️  ParseCSV: %d malformed rows skipped", badRows)
	}
	return ds, nil
}

// rowFromFields coerces named columns into a Row. The lookup is
// case-insensitive and tolerant of missing columns.
func rowFromFields(field func(candidates ...string) (string, bool)) Row {
	str := func(candidates ...string) string {
		v, _ := field(candidates...)
		return strings.TrimSpace(v)
	}
	num := func(candidates ...string) int64 {
		v, ok := field(candidates...)
		if !ok {
			return 0
		}
		return toInt64(v)
	}
	flt := func(candidates ...string) float64 {
		v, ok := field(candidates...)
		if !ok {
			return 0
		}
		f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f
	}
	return Row{
		PlazaKey:  str("Clave_Plaza"),
		RegionID:  int(num("Clave_Edo")),
		Region:    str("Estado"),
		Year:      period.NormalizeYear(int(num("Año"))),
		Month:     int(num("Cve-mes")),
		IncTotal:  num("Inc_Total"),
		AtenTotal: num("Aten_Total"),
		CNInicial: num("CN_Inicial_Acum"),
		CNPrim:    num("CN_Prim_Acum"),
		CNSec:     num("CN_Sec_Acum"),
		CNTotal:   num("CN_Tot_Acum"),
		Lat:       flt("Latitud"),
		Lng:       flt("Longitud"),
	}
}

// toInt64 parses integers that may be formatted as floats ("100.0").
func toInt64(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(f)
	}
	return 0
}

func anyToString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprintf("%v", t)
	}
}

// latin1ToUTF8 reinterprets a byte slice as Latin-1. Every byte maps
// directly to the code point of the same value.
func latin1ToUTF8(raw []byte) []byte {
	buf := make([]byte, 0, len(raw)*2)
	for _, b := range raw {
		buf = utf8.AppendRune(buf, rune(b))
	}
	return buf
}

func hasExt(name, ext string) bool {
	return strings.HasSuffix(strings.ToLower(name), ext)
}
