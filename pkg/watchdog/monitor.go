package watchdog

import (
	"fmt"
	"sync"
	"time"
)

// Monitor tracks watchdog health for the status endpoint.
type Monitor struct {
	mu            sync.RWMutex
	interval      time.Duration
	lastCycle     time.Time
	lastRAM       uint64
	lastPressure  bool
	cycleFailures int
	lastError     string
}

// RecordCycle records a completed cycle and its RAM sample.
func (m *Monitor) RecordCycle(ram uint64, pressure bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastCycle = time.Now()
	m.lastRAM = ram
	m.lastPressure = pressure
	m.cycleFailures = 0
	m.lastError = ""
}

// RecordFailure records a cycle that panicked.
func (m *Monitor) RecordFailure(cause any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycleFailures++
	m.lastError = fmt.Sprint(cause)
}

// IsHealthy reports whether cycles are completing on schedule.
func (m *Monitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isHealthyLocked()
}

// Status is the watchdog block of the status endpoint.
type Status struct {
	Healthy     bool   `json:"healthy"`
	LastCycle   string `json:"ultimo_ciclo,omitempty"`
	RAMMB       uint64 `json:"ram_mb"`
	RAMPressure bool   `json:"presion_ram"`
	Failures    int    `json:"fallos_consecutivos,omitempty"`
	LastError   string `json:"ultimo_error,omitempty"`
}

// Status snapshots the current health state.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Status{
		Healthy:     m.isHealthyLocked(),
		RAMMB:       m.lastRAM / 1024 / 1024,
		RAMPressure: m.lastPressure,
	}
	if !m.lastCycle.IsZero() {
		st.LastCycle = m.lastCycle.Format(time.RFC3339)
	}
	if m.cycleFailures > 0 {
		st.Failures = m.cycleFailures
		st.LastError = m.lastError
	}
	return st
}

func (m *Monitor) isHealthyLocked() bool {
	if m.lastCycle.IsZero() {
		// Fresh process, no cycle yet
		return m.cycleFailures == 0
	}
	if m.interval > 0 && time.Since(m.lastCycle) > 3*m.interval {
		return false
	}
	return m.cycleFailures <= 3
}
