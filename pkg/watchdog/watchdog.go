// Package watchdog runs the periodic cache maintenance cycle: result
// TTL purge, backend synchronization and RAM-pressure eviction, with a
// last-resort process kill when memory stays critical.
package watchdog

import (
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/javier96ke/plazas/pkg/backend"
	"github.com/javier96ke/plazas/pkg/engine"
	"github.com/javier96ke/plazas/pkg/store"
	"github.com/javier96ke/plazas/pkg/telemetry"
)

// Config bounds one watchdog instance.
type Config struct {
	Interval      time.Duration
	ResultTTL     time.Duration
	MaxHistorical int
	RAMWarnBytes  uint64
	RAMKillBytes  uint64
	CurrentYear   int
}

// Watchdog drives the maintenance cycle on a ticker. Start/Stop are
// idempotent; the cycle itself is also callable directly for tests and
// for the admin endpoints.
type Watchdog struct {
	cfg     Config
	store   *store.PeriodStore
	engine  *engine.Engine
	backend backend.Backend // may be nil
	monitor *Monitor

	// memUsage and kill are swappable: tests drive RAM pressure
	// scenarios without allocating, and nothing should SIGTERM a test
	// runner.
	memUsage func() uint64
	kill     func()

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// New builds a watchdog. be may be nil.
func New(cfg Config, s *store.PeriodStore, e *engine.Engine, be backend.Backend) *Watchdog {
	return &Watchdog{
		cfg:      cfg,
		store:    s,
		engine:   e,
		backend:  be,
		monitor:  &Monitor{interval: cfg.Interval},
		memUsage: heapBytes,
		kill:     killProcess,
	}
}

// Monitor exposes the health tracker for the status endpoint.
func (w *Watchdog) Monitor() *Monitor { return w.monitor }

// Running reports whether the maintenance loop is active.
func (w *Watchdog) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Start launches the maintenance loop. Calling Start on a running
// watchdog is a no-op.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop(w.stop, w.done)

	log.Printf("🐕 Watchdog ON  ttl=%s interval=%s ram_warn=%dMB ram_kill=%dMB",
		w.cfg.ResultTTL, w.cfg.Interval,
		w.cfg.RAMWarnBytes/1024/1024, w.cfg.RAMKillBytes/1024/1024)
}

// Stop halts the loop and waits for the in-flight cycle to finish.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stop)
	done := w.done
	w.mu.Unlock()

	<-done
	log.Printf("🛑 Watchdog detenido")
}

func (w *Watchdog) loop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Cycle()
		case <-stop:
			return
		}
	}
}

// Cycle runs one maintenance pass:
//
//  1. purge expired comparison results
//  2. drop store periods the backend no longer holds
//  3. sample RAM; below the warn threshold nothing else happens
//  4. evict historical periods, backend first then store
//  5. re-sample; above the kill threshold, terminate the process
func (w *Watchdog) Cycle() {
	defer func() {
		if r := recover(); r != nil {
			w.monitor.RecordFailure(r)
			log.Printf("🔴 watchdog cycle panic: %v", r)
		}
	}()

	if n := w.engine.PurgeExpiredResults(w.cfg.ResultTTL); n > 0 {
		log.Printf("🧹 Watchdog: %d resultados expirados eliminados", n)
	}

	w.store.SyncWithBackend()

	ram := w.memUsage()
	_, prot, hist := w.store.Counts()
	telemetry.WatchdogCycles.Inc()

	if ram < w.cfg.RAMWarnBytes {
		w.monitor.RecordCycle(ram, false)
		return
	}

	log.Printf("⚠️  RAM alta: %dMB (%d protegidos + %d históricos)",
		ram/1024/1024, prot, hist)

	if w.backend != nil {
		if n := w.backend.EvictLRU(w.cfg.MaxHistorical, w.cfg.CurrentYear); n > 0 {
			log.Printf("♻️  LRU backend: %d periodos históricos evictados", n)
		}
	}
	w.store.EvictLRU(w.cfg.MaxHistorical)

	ram = w.memUsage()
	w.monitor.RecordCycle(ram, true)
	if ram >= w.cfg.RAMKillBytes {
		log.Printf("🔴 RAM crítica %dMB — terminando proceso", ram/1024/1024)
		w.kill()
	}
}

// heapBytes samples live heap usage. RSS would be closer to what the
// container sees, but the heap is the only part eviction can shrink.
func heapBytes() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}
