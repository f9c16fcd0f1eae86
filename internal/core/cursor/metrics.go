package cursor

import (
	"sync"
	"time"
)

// advanceRecord holds timing data for one cursor advance.
type advanceRecord struct {
	Height     uint64
	AdvancedAt time.Time
}

// Metrics holds cursor performance data.
type Metrics struct {
	BlocksPerSecond float64      `json:"blocks_per_second"`
	LastAdvanceAt   *time.Time   `json:"last_advance_at,omitempty"`
	LastRewindAt    *time.Time   `json:"last_rewind_at,omitempty"`
	Rewinds         int          `json:"rewinds"`
	StateHistory    []Transition `json:"state_history"`
}

// MetricsCollector tracks cursor progress over time.
type MetricsCollector struct {
	mu           sync.Mutex
	windowSize   int             // number of advances to track
	advances     []advanceRecord // ring buffer of advances
	transitions  []Transition    // recent state changes
	lastRewindAt *time.Time
	rewinds      int
}

// RecordAdvance records one cursor advance.
func (mc *MetricsCollector) RecordAdvance(height uint64, at time.Time) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	record := advanceRecord{Height: height, AdvancedAt: at}
	if len(mc.advances) >= mc.windowSize {
		// Shift elements left, drop oldest
		copy(mc.advances, mc.advances[1:])
		mc.advances[len(mc.advances)-1] = record
	} else {
		mc.advances = append(mc.advances, record)
	}
}

// RecordRewind records a reorg rewind.
func (mc *MetricsCollector) RecordRewind(at time.Time) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.lastRewindAt = &at
	mc.rewinds++
}

// RecordTransition records a state transition.
func (mc *MetricsCollector) RecordTransition(t Transition) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	// Keep only last 10 transitions
	if len(mc.transitions) >= 10 {
		copy(mc.transitions, mc.transitions[1:])
		mc.transitions[len(mc.transitions)-1] = t
	} else {
		mc.transitions = append(mc.transitions, t)
	}
}

// GetMetrics returns current metrics.
func (mc *MetricsCollector) GetMetrics() Metrics {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	m := Metrics{
		LastRewindAt: mc.lastRewindAt,
		Rewinds:      mc.rewinds,
		StateHistory: make([]Transition, len(mc.transitions)),
	}
	copy(m.StateHistory, mc.transitions)

	if n := len(mc.advances); n > 0 {
		last := mc.advances[n-1].AdvancedAt
		m.LastAdvanceAt = &last
	}

	if len(mc.advances) >= 2 {
		first := mc.advances[0]
		last := mc.advances[len(mc.advances)-1]
		duration := last.AdvancedAt.Sub(first.AdvancedAt)
		if duration > 0 && last.Height > first.Height {
			m.BlocksPerSecond = float64(last.Height-first.Height) / duration.Seconds()
		}
	}

	return m
}

// Reset clears all collected metrics.
func (mc *MetricsCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.advances = mc.advances[:0]
	mc.transitions = mc.transitions[:0]
	mc.lastRewindAt = nil
	mc.rewinds = 0
}
