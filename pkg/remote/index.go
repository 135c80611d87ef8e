// Package remote handles the historical side of the cache: the manifest
// of downloadable periods and the retrying fetch path that makes a
// requested period resident.
package remote

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

// Entry is one downloadable period in the manifest.
type Entry struct {
	DownloadURL string `json:"download_url"`
	ViewURL     string `json:"view_url"`
	URL         string `json:"url"`
	Name        string `json:"name"`
}

// Locator returns the first usable URL, or "" when the entry has none.
func (e Entry) Locator() string {
	switch {
	case e.DownloadURL != "":
		return e.DownloadURL
	case e.ViewURL != "":
		return e.ViewURL
	default:
		return e.URL
	}
}

// Index maps "YYYY-MM" labels to fetch descriptors. It is read-only
// after load except for explicit Reload.
type Index struct {
	mu      sync.RWMutex
	path    string
	entries map[string]Entry
	loaded  bool
}

// NewIndex creates an index backed by the manifest at path. Call Load
// (or Reload) before first use.
func NewIndex(path string) *Index {
	return &Index{path: path, entries: make(map[string]Entry)}
}

// Load reads the manifest. Two shapes are supported:
//
//	{ "index": { "2023-05": {"download_url": ...}, ... } }  ← preferred
//	{ "2023-05": {"download_url": ...}, ... }               ← flat root
//
// Entries without a usable locator are discarded with a logged count.
func (ix *Index) Load() error {
	raw, err := os.ReadFile(ix.path)
	if err != nil {
		return fmt.Errorf("load index %s: %w", ix.path, err)
	}

	var wrapped struct {
		Index map[string]Entry `json:"index"`
	}
	entries := map[string]Entry{}
	if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Index) > 0 {
		entries = wrapped.Index
	} else {
		var flat map[string]Entry
		if err := json.Unmarshal(raw, &flat); err != nil {
			return fmt.Errorf("parse index %s: %w", ix.path, err)
		}
		for label, e := range flat {
			if isPeriodLabel(label) {
				entries[label] = e
			}
		}
	}

	valid := make(map[string]Entry, len(entries))
	noURL := 0
	for label, e := range entries {
		if e.Locator() == "" {
			noURL++
			continue
		}
		valid[normalizeLabel(label)] = e
	}

	ix.mu.Lock()
	ix.entries = valid
	ix.loaded = true
	ix.mu.Unlock()

	if noURL > 0 {
		log.Printf("✅ Remote index: %d valid entries (%d without URL discarded)", len(valid), noURL)
	} else {
		log.Printf("✅ Remote index: %d valid entries", len(valid))
	}
	return nil
}

// Reload re-reads the manifest; an explicit admin action, never
// automatic.
func (ix *Index) Reload() error { return ix.Load() }

// Lookup returns the entry for a "YYYY-MM" label.
func (ix *Index) Lookup(label string) (Entry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.entries[label]
	return e, ok
}

// Months returns year → distinct months present in the index.
func (ix *Index) Months() map[int][]int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	byYear := make(map[int]map[int]struct{})
	for label := range ix.entries {
		y, m, ok := splitLabel(label)
		if !ok {
			continue
		}
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
	}
	return out
}

// Len returns the entry count.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Loaded reports whether a Load ever succeeded.
func (ix *Index) Loaded() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.loaded
}

// isPeriodLabel matches "YYYY-MM" and "YYYY-M".
func isPeriodLabel(label string) bool {
	_, _, ok := splitLabel(label)
	return ok
}

func splitLabel(label string) (year, month int, ok bool) {
	parts := strings.SplitN(label, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	y, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || m < 1 || m > 12 || y < 1900 {
		return 0, 0, false
	}
	return y, m, true
}

// normalizeLabel zero-pads single-digit months: "2023-5" → "2023-05".
func normalizeLabel(label string) string {
	y, m, ok := splitLabel(label)
	if !ok {
		return label
	}
	return fmt.Sprintf("%04d-%02d", y, m)
}
