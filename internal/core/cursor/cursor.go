// Package cursor owns the poller's position on the chain.
//
// # Purpose
//
// The cursor is the bookmark of the reconciliation loop:
//   - Last height: everything at or below it has been applied and confirmed
//   - Block hash: the ancestry check compares it with the next block's parent
//   - Last tx id: the last event applied, for operators
//
// # Key Features
//
// Monotonic - Advance refuses to move the cursor backwards while scanning.
//
// Bounded Rewind - After a reorg, Rewind sets a restart height at most the
// configured window below the cursor. The persisted cursor is untouched
// until the next successful Advance, which may land below it.
//
// Single Writer - The poller is the only caller of Advance and Rewind.
// Reset exists for the operator CLI and persists immediately.
//
// # Quick Start
//
//	manager := cursor.NewManager(cursorRepo, 12)
//
//	c, _ := manager.Load(ctx)
//	if c == nil {
//	    manager.Initialize(ctx, tipHeight-6, seedHash)
//	}
//
//	from := manager.FromHeight()         // last+1, or the rewind target
//	manager.Advance(ctx, 1010, "0xabc", "0xtx")
//	manager.Rewind(1010-12, "parent hash mismatch")
//
// # Package Structure
//
//   - state.go   - State machine definitions and valid transitions
//   - manager.go - Manager with monotonic advance and bounded rewind
//   - metrics.go - Advance rate and state history
package cursor

// NewManager creates a cursor manager. window bounds how far Rewind may go
// below the current cursor.
func NewManager(repo Repository, window uint64) *Manager {
	return &Manager{
		repo:    repo,
		window:  window,
		state:   StateInit,
		metrics: NewMetricsCollector(100),
	}
}

// NewMetricsCollector creates a new metrics collector with the given window size.
func NewMetricsCollector(windowSize int) *MetricsCollector {
	if windowSize <= 0 {
		windowSize = 100
	}
	return &MetricsCollector{
		windowSize:  windowSize,
		advances:    make([]advanceRecord, 0, windowSize),
		transitions: make([]Transition, 0, 10),
	}
}
