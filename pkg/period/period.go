package period

import (
	"errors"
	"fmt"
)

// ErrInvalidPeriod is returned when a year/month pair cannot form a key.
// It is rejected before any I/O and never retried.
var ErrInvalidPeriod = errors.New("invalid period")

// Key encodes a (year, month) pair as year*100+month.
// Example: March 2024 → 202403.
type Key int

// Spanish month names, indexed by month-1.
// These feed user-facing labels and must stay aligned with the dashboard.
var monthNames = [12]string{
	"Enero", "Febrero", "Marzo",
	"Abril", "Mayo", "Junio",
	"Julio", "Agosto", "Septiembre",
	"Octubre", "Noviembre", "Diciembre",
}

// NormalizeYear expands two-digit years: 24 → 2024.
func NormalizeYear(year int) int {
	if year < 100 {
		return year + 2000
	}
	return year
}

// Encode builds a Key from a year and month.
// Two-digit years are normalized; months outside [1,12] are rejected.
func Encode(year, month int) (Key, error) {
	if month < 1 || month > 12 {
		return 0, fmt.Errorf("%w: month %d out of range", ErrInvalidPeriod, month)
	}
	y := NormalizeYear(year)
	return Key(y*100 + month), nil
}

// Year returns the encoded year.
func (k Key) Year() int { return int(k) / 100 }

// Month returns the encoded month (1-12).
func (k Key) Month() int { return int(k) % 100 }

// Decode splits a key back into (year, month).
func Decode(k Key) (year, month int) {
	return k.Year(), k.Month()
}

// String returns the remote-index label form "YYYY-MM".
func (k Key) String() string {
	return fmt.Sprintf("%04d-%02d", k.Year(), k.Month())
}

// Label returns the display form "Enero 2024".
// Unknown months fall back to the zero-padded number.
func (k Key) Label() string {
	return Label(k.Year(), k.Month())
}

// Label returns the display form for a (year, month) pair.
func Label(year, month int) string {
	if month >= 1 && month <= 12 {
		return fmt.Sprintf("%s %d", monthNames[month-1], year)
	}
	return fmt.Sprintf("%02d %d", month, year)
}

// MonthName returns the Spanish name for a month, or its zero-padded
// number when out of range.
func MonthName(month int) string {
	if month >= 1 && month <= 12 {
		return monthNames[month-1]
	}
	return fmt.Sprintf("%02d", month)
}

// PadMonth formats a month the way the frontend expects: "03".
func PadMonth(month int) string {
	return fmt.Sprintf("%02d", month)
}
