// Package telemetry exposes the service's Prometheus collectors.
// Everything is registered on the default registry and served by
// promhttp on /metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DownloadsTotal counts remote period downloads by outcome
	// (ok, timeout, http_error, network_error, parse_failed).
	DownloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plazas",
		Subsystem: "fetcher",
		Name:      "downloads_total",
		Help:      "Remote period downloads by outcome.",
	}, []string{"outcome"})

	// DownloadRetries counts retry attempts after a failed download.
	DownloadRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "plazas",
		Subsystem: "fetcher",
		Name:      "download_retries_total",
		Help:      "Download retry attempts.",
	})

	// ComparisonsTotal counts comparisons by cache outcome (hit, miss).
	ComparisonsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plazas",
		Subsystem: "engine",
		Name:      "comparisons_total",
		Help:      "Period comparisons by result-cache outcome.",
	}, []string{"cache"})

	// EvictionsTotal counts evicted historical periods by tier
	// (store, backend).
	EvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plazas",
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Historical periods evicted, by cache tier.",
	}, []string{"tier"})

	// ResidentPeriods tracks periods currently held by the store.
	ResidentPeriods = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "plazas",
		Subsystem: "cache",
		Name:      "resident_periods",
		Help:      "Resident periods by class (protected, historical).",
	}, []string{"class"})

	// WatchdogCycles counts completed watchdog maintenance cycles.
	WatchdogCycles = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "plazas",
		Subsystem: "watchdog",
		Name:      "cycles_total",
		Help:      "Completed watchdog cycles.",
	})

	// ResultsPurged counts comparison results removed by TTL purges.
	ResultsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "plazas",
		Subsystem: "watchdog",
		Name:      "results_purged_total",
		Help:      "Expired comparison results purged.",
	})
)
