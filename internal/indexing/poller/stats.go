package poller

import (
	"time"

	"github.com/vietddude/paywatch/internal/core/cursor"
	"github.com/vietddude/paywatch/internal/core/domain"
	"github.com/vietddude/paywatch/internal/indexing/metrics"
)

// Stats is the in-memory view of the poller served on /health/detailed.
type Stats struct {
	Running       bool           `json:"running"`
	LastRunAt     *time.Time     `json:"last_run_at,omitempty"`
	LastHeight    uint64         `json:"last_height"`
	LastTxID      string         `json:"last_tx_id,omitempty"`
	LastBlockHash string         `json:"last_block_hash,omitempty"`
	TipHeight     uint64         `json:"tip_height"`
	LagBlocks     uint64         `json:"lag_blocks"`
	State         cursor.State   `json:"state"`
	RewindTarget  *uint64        `json:"rewind_target,omitempty"`
	LastOutcome   string         `json:"last_outcome,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
	Cursor        cursor.Metrics `json:"cursor"`
}

// Stats returns a snapshot.
func (p *Poller) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := p.stats
	s.Cursor = p.deps.Cursors.GetMetrics()
	return s
}

func (p *Poller) setRunning(running bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Running = running
}

// refresh runs at the end of every tick, successful or not.
func (p *Poller) refresh(tip *domain.Tip, start time.Time, outcome string, err error) {
	elapsed := time.Since(start)
	metrics.TicksTotal.WithLabelValues(outcome).Inc()
	metrics.TickDuration.Observe(elapsed.Seconds())

	cur := p.deps.Cursors.Current()

	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	p.stats.LastRunAt = &now
	p.stats.LastOutcome = outcome
	p.stats.LastError = ""
	if err != nil {
		p.stats.LastError = err.Error()
	}
	p.stats.State = p.deps.Cursors.State()
	p.stats.RewindTarget = nil
	if target, ok := p.deps.Cursors.RewindTarget(); ok {
		p.stats.RewindTarget = &target
	}
	if tip != nil {
		p.stats.TipHeight = tip.Height
	}
	if cur != nil {
		p.stats.LastHeight = cur.LastHeight
		p.stats.LastTxID = cur.LastTxID
		p.stats.LastBlockHash = cur.LastBlockHash
		metrics.CursorHeight.Set(float64(cur.LastHeight))
	}
	p.stats.LagBlocks = p.deps.Cursors.GetLag(p.stats.TipHeight)
	metrics.LagBlocks.Set(float64(p.stats.LagBlocks))
}
