package cursor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/paywatch/internal/core/domain"
)

var (
	// ErrNotInitialized is returned when the cursor has not been loaded or seeded.
	ErrNotInitialized = errors.New("cursor not initialized")

	// ErrRegression is returned when Advance would move the cursor backwards
	// outside a rewind.
	ErrRegression = errors.New("cursor regression")

	// ErrRewindTooDeep is returned when a rewind target lies outside the window.
	ErrRewindTooDeep = errors.New("rewind exceeds window")
)

// Repository persists the single cursor.
type Repository interface {
	Get(ctx context.Context) (*domain.Cursor, error)
	Save(ctx context.Context, cursor *domain.Cursor) error
}

// Manager holds the current cursor and enforces its invariants.
type Manager struct {
	repo          Repository
	window        uint64
	mu            sync.RWMutex
	current       *domain.Cursor
	state         State
	rewindTarget  *uint64
	metrics       *MetricsCollector
	stateCallback func(Transition)
}

// Load reads the persisted cursor. It returns nil when none was saved yet.
func (m *Manager) Load(ctx context.Context) (*domain.Cursor, error) {
	c, err := m.repo.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load cursor: %w", err)
	}
	if c == nil {
		return nil, nil
	}

	m.mu.Lock()
	m.current = c.Clone()
	m.mu.Unlock()
	m.transition(StateScanning, "loaded")
	return c, nil
}

// Sync re-reads the persisted cursor, which another instance may have moved.
// A pending rewind is dropped when the stored cursor differs from ours.
func (m *Manager) Sync(ctx context.Context) error {
	c, err := m.repo.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to load cursor: %w", err)
	}
	if c == nil {
		return nil
	}

	m.mu.Lock()
	moved := m.current == nil ||
		m.current.LastHeight != c.LastHeight ||
		m.current.LastBlockHash != c.LastBlockHash
	if moved {
		m.current = c.Clone()
		m.rewindTarget = nil
	}
	m.mu.Unlock()

	if moved {
		m.transition(StateScanning, fmt.Sprintf("synced at %d", c.LastHeight))
	}
	return nil
}

// Initialize seeds and persists the cursor at height.
func (m *Manager) Initialize(ctx context.Context, height uint64, blockHash string) (*domain.Cursor, error) {
	c := &domain.Cursor{
		LastHeight:    height,
		LastBlockHash: blockHash,
		UpdatedAt:     time.Now(),
	}
	if err := m.repo.Save(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to save cursor: %w", err)
	}

	m.mu.Lock()
	m.current = c.Clone()
	m.mu.Unlock()
	m.transition(StateScanning, fmt.Sprintf("seeded at %d", height))
	return c, nil
}

// Current returns a copy of the cursor, or nil before Load/Initialize.
func (m *Manager) Current() *domain.Cursor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Clone()
}

// State returns the current mode.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// FromHeight is the first height the next tick must fetch.
func (m *Manager) FromHeight() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.rewindTarget != nil {
		return *m.rewindTarget
	}
	if m.current == nil {
		return 0
	}
	return m.current.LastHeight + 1
}

// RewindTarget returns the pending rewind height, if any.
func (m *Manager) RewindTarget() (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.rewindTarget == nil {
		return 0, false
	}
	return *m.rewindTarget, true
}

// Rewind makes the next tick restart at target. Nothing is persisted.
func (m *Manager) Rewind(target uint64, reason string) error {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	last := m.current.LastHeight
	if target > last || last-target > m.window {
		m.mu.Unlock()
		return fmt.Errorf("%w: target %d, cursor %d, window %d", ErrRewindTooDeep, target, last, m.window)
	}
	t := target
	m.rewindTarget = &t
	m.mu.Unlock()

	m.metrics.RecordRewind(time.Now())
	m.transition(StateRewinding, reason)
	return nil
}

// Advance persists the cursor at height. Outside a rewind the height must not
// be below the current one; an equal height is a no-op. During a rewind the
// height must be at least the rewind target, and a successful advance ends
// the rewind.
func (m *Manager) Advance(ctx context.Context, height uint64, blockHash, txID string) error {
	m.mu.RLock()
	if m.current == nil {
		m.mu.RUnlock()
		return ErrNotInitialized
	}
	last := m.current.LastHeight
	prevTxID := m.current.LastTxID
	rewinding := m.rewindTarget != nil
	var target uint64
	if rewinding {
		target = *m.rewindTarget
	}
	m.mu.RUnlock()

	switch {
	case rewinding && height < target:
		return fmt.Errorf("%w: %d below rewind target %d", ErrRegression, height, target)
	case !rewinding && height < last:
		return fmt.Errorf("%w: %d below cursor %d", ErrRegression, height, last)
	case !rewinding && height == last:
		return nil
	}

	c := &domain.Cursor{
		LastHeight:    height,
		LastBlockHash: blockHash,
		LastTxID:      txID,
		UpdatedAt:     time.Now(),
	}
	if txID == "" {
		c.LastTxID = prevTxID
	}
	if err := m.repo.Save(ctx, c); err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}

	m.mu.Lock()
	m.current = c.Clone()
	m.rewindTarget = nil
	m.mu.Unlock()

	m.metrics.RecordAdvance(height, c.UpdatedAt)
	if rewinding {
		m.transition(StateScanning, fmt.Sprintf("rewind completed at %d", height))
	}
	return nil
}

// Reset persists the cursor at height regardless of its current value and
// drops any pending rewind. It is an operator action.
func (m *Manager) Reset(ctx context.Context, height uint64) error {
	c := &domain.Cursor{LastHeight: height, UpdatedAt: time.Now()}
	if err := m.repo.Save(ctx, c); err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	m.mu.Lock()
	m.current = c.Clone()
	m.rewindTarget = nil
	m.mu.Unlock()
	m.transition(StateScanning, fmt.Sprintf("reset to %d", height))
	return nil
}

// GetLag returns how many blocks the cursor is behind tipHeight.
func (m *Manager) GetLag(tipHeight uint64) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil || tipHeight <= m.current.LastHeight {
		return 0
	}
	return tipHeight - m.current.LastHeight
}

// GetMetrics returns advance rate and state history.
func (m *Manager) GetMetrics() Metrics {
	return m.metrics.GetMetrics()
}

// SetStateChangeCallback registers a callback for state changes.
func (m *Manager) SetStateChangeCallback(fn func(t Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateCallback = fn
}

func (m *Manager) transition(to State, reason string) {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return
	}
	if !CanTransition(from, to) {
		slog.Warn("Unexpected cursor transition", "from", from, "to", to, "reason", reason)
	}
	m.state = to
	cb := m.stateCallback
	m.mu.Unlock()

	t := NewTransition(from, to, reason)
	m.metrics.RecordTransition(t)
	if cb != nil {
		cb(t)
	}
}
