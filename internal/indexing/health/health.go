// Package health provides system health monitoring and status reporting.
package health

import (
	"github.com/vietddude/paywatch/internal/indexing/poller"
	"github.com/vietddude/paywatch/internal/infra/chain"
)

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// Report contains the full system health report.
type Report struct {
	SystemStatus   SystemStatus            `json:"system_status"`
	Poller         poller.Stats            `json:"poller"`
	Chain          *chain.MonitorStats     `json:"chain,omitempty"`
	WebhookPending int                     `json:"webhook_pending"`
	Components     map[string]SystemStatus `json:"components"`
}
