package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/paywatch/internal/indexing/poller"
	"github.com/vietddude/paywatch/internal/infra/chain"
)

// PollerStats exposes the poller's in-memory view.
type PollerStats interface {
	Stats() poller.Stats
}

// ChainStats exposes chain client call statistics.
type ChainStats interface {
	Stats() chain.MonitorStats
}

// PendingCounter counts undelivered webhook rows.
type PendingCounter interface {
	CountPending(ctx context.Context) (int, error)
}

// Pinger is a dependency with a liveness check, e.g. the database.
type Pinger interface {
	Health(ctx context.Context) error
}

// Thresholds above which the system is reported degraded or critical.
const (
	degradedLag     = 10
	criticalLag     = 100
	degradedPending = 100
)

// Monitor aggregates health status from various system components.
type Monitor struct {
	poller     PollerStats
	chain      ChainStats
	webhooks   PendingCounter
	components map[string]Pinger
	lastCheck  time.Time
	lastReport *Report
	mu         sync.Mutex
}

// NewMonitor creates a new health monitor. chain and webhooks may be nil.
func NewMonitor(p PollerStats, chain ChainStats, webhooks PendingCounter) *Monitor {
	return &Monitor{
		poller:     p,
		chain:      chain,
		webhooks:   webhooks,
		components: make(map[string]Pinger),
	}
}

// AddComponent registers a dependency checked on every report.
func (m *Monitor) AddComponent(name string, p Pinger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[name] = p
}

// CheckHealth builds a report, reusing the previous one for up to 10 seconds
// so frequent health checks do not hammer the database.
func (m *Monitor) CheckHealth(ctx context.Context) Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastReport != nil && time.Since(m.lastCheck) < 10*time.Second {
		return *m.lastReport
	}

	report := Report{
		SystemStatus: StatusHealthy,
		Poller:       m.poller.Stats(),
		Components:   make(map[string]SystemStatus),
	}
	if m.chain != nil {
		stats := m.chain.Stats()
		report.Chain = &stats
	}
	if m.webhooks != nil {
		if n, err := m.webhooks.CountPending(ctx); err == nil {
			report.WebhookPending = n
		}
	}

	degraded, critical := false, false
	for name, p := range m.components {
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := p.Health(checkCtx)
		cancel()
		if err != nil {
			slog.Warn("Health check failed", "component", name, "error", err)
			report.Components[name] = StatusCritical
			critical = true
			continue
		}
		report.Components[name] = StatusHealthy
	}

	switch {
	case !report.Poller.Running || report.Poller.LagBlocks > criticalLag:
		critical = true
	case report.Poller.LagBlocks > degradedLag,
		report.Poller.LastOutcome == "error",
		report.WebhookPending > degradedPending:
		degraded = true
	}
	if report.Chain != nil && report.Chain.ErrorRate > 0.5 {
		degraded = true
	}

	switch {
	case critical:
		report.SystemStatus = StatusCritical
	case degraded:
		report.SystemStatus = StatusDegraded
	}

	m.lastCheck = time.Now()
	m.lastReport = &report
	return report
}
