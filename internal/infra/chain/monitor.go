package chain

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Monitor tracks ledger API health: latency, failures and rate-limit hints.
type Monitor struct {
	mu sync.RWMutex

	recentLatencies  []time.Duration
	maxLatencyWindow int

	requestCount  int
	failureCount  int
	throttleCount int
	lastSuccessAt time.Time
	lastFailureAt time.Time
	throttleUntil time.Time

	now func() time.Time
}

// MonitorStats is a snapshot of Monitor.
type MonitorStats struct {
	AverageLatency time.Duration `json:"average_latency"`
	Requests       int           `json:"requests"`
	Failures       int           `json:"failures"`
	Throttles      int           `json:"throttles"`
	ErrorRate      float64       `json:"error_rate"`
	LastSuccessAt  time.Time     `json:"last_success_at"`
	LastFailureAt  time.Time     `json:"last_failure_at"`
	RetryAfter     time.Duration `json:"retry_after"`
}

// NewMonitor creates a monitor with a 100-sample latency window.
func NewMonitor() *Monitor {
	return &Monitor{
		recentLatencies:  make([]time.Duration, 0, 100),
		maxLatencyWindow: 100,
		now:              time.Now,
	}
}

// RecordSuccess records a successful call with its latency.
func (m *Monitor) RecordSuccess(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requestCount++
	m.lastSuccessAt = m.now()
	m.recentLatencies = append(m.recentLatencies, latency)
	if len(m.recentLatencies) > m.maxLatencyWindow {
		m.recentLatencies = m.recentLatencies[1:]
	}
}

// RecordFailure records a failed call.
func (m *Monitor) RecordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requestCount++
	m.failureCount++
	m.lastFailureAt = m.now()
}

// RecordThrottle records a 429 and returns how long to wait before the next
// call, derived from Retry-After or X-RateLimit-Reset. Zero means no hint.
func (m *Monitor) RecordThrottle(h http.Header) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.throttleCount++
	now := m.now()
	wait := retryAfter(h, now)
	if wait > 0 {
		m.throttleUntil = now.Add(wait)
	}
	return wait
}

// RetryAfter returns the remaining time of the last rate-limit hint.
func (m *Monitor) RetryAfter() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if remaining := m.throttleUntil.Sub(m.now()); remaining > 0 {
		return remaining
	}
	return 0
}

// Stats returns a snapshot.
func (m *Monitor) Stats() MonitorStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := MonitorStats{
		Requests:      m.requestCount,
		Failures:      m.failureCount,
		Throttles:     m.throttleCount,
		LastSuccessAt: m.lastSuccessAt,
		LastFailureAt: m.lastFailureAt,
	}
	if m.requestCount > 0 {
		s.ErrorRate = float64(m.failureCount) / float64(m.requestCount)
	}
	if len(m.recentLatencies) > 0 {
		var total time.Duration
		for _, l := range m.recentLatencies {
			total += l
		}
		s.AverageLatency = total / time.Duration(len(m.recentLatencies))
	}
	if remaining := m.throttleUntil.Sub(m.now()); remaining > 0 {
		s.RetryAfter = remaining
	}
	return s
}

// retryAfter parses Retry-After (seconds or HTTP date) and falls back to
// X-RateLimit-Reset (unix seconds, or seconds-until-reset when small).
func retryAfter(h http.Header, now time.Time) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		if t, err := http.ParseTime(v); err == nil && t.After(now) {
			return t.Sub(now)
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			if n > 1_000_000_000 {
				if t := time.Unix(n, 0); t.After(now) {
					return t.Sub(now)
				}
				return 0
			}
			return time.Duration(n) * time.Second
		}
	}
	return 0
}
