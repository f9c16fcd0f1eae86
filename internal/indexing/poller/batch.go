package poller

import (
	"github.com/vietddude/paywatch/internal/core/domain"
)

// batch splits a tick's events into those with enough confirmations and
// those deferred to a later tick. Both keep the fetch order.
type batch struct {
	ready    []*domain.NormalizedEvent
	deferred []*domain.NormalizedEvent
}

func newBatch(events []*domain.NormalizedEvent, tipHeight, minConf uint64) *batch {
	b := &batch{}
	for _, ev := range events {
		if domain.Confirmations(tipHeight, ev.BlockHeight) >= minConf && ev.BlockHeight <= tipHeight {
			b.ready = append(b.ready, ev)
		} else {
			b.deferred = append(b.deferred, ev)
		}
	}
	return b
}

func (b *batch) minDeferred() (uint64, bool) {
	if len(b.deferred) == 0 {
		return 0, false
	}
	lowest := b.deferred[0].BlockHeight
	for _, ev := range b.deferred[1:] {
		lowest = min(lowest, ev.BlockHeight)
	}
	return lowest, true
}

// lastTxID is the tx of the last ready event at or below height.
func (b *batch) lastTxID(height uint64) string {
	for i := len(b.ready) - 1; i >= 0; i-- {
		if b.ready[i].BlockHeight <= height {
			return b.ready[i].TxID
		}
	}
	return ""
}
