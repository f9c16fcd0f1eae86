package cursor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/paywatch/internal/core/domain"
)

// =============================================================================
// Mock Repository
// =============================================================================

type mockCursorRepo struct {
	mu     sync.Mutex
	cursor *domain.Cursor
	saves  int
	err    error
}

func (r *mockCursorRepo) Get(ctx context.Context) (*domain.Cursor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor.Clone(), nil
}

func (r *mockCursorRepo) Save(ctx context.Context, c *domain.Cursor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.cursor = c.Clone()
	r.saves++
	return nil
}

func (r *mockCursorRepo) height() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor.LastHeight
}

// =============================================================================
// Tests
// =============================================================================

func TestLoadEmpty(t *testing.T) {
	m := NewManager(&mockCursorRepo{}, 12)
	c, err := m.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c != nil {
		t.Errorf("expected nil cursor, got %+v", c)
	}
	if m.State() != StateInit {
		t.Errorf("expected init state, got %s", m.State())
	}
	if err := m.Advance(context.Background(), 5, "", ""); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized, got %v", err)
	}
}

func TestInitializeAndAdvance(t *testing.T) {
	repo := &mockCursorRepo{}
	m := NewManager(repo, 12)
	ctx := context.Background()

	if _, err := m.Initialize(ctx, 94, "0xseed"); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if m.FromHeight() != 95 {
		t.Errorf("expected from height 95, got %d", m.FromHeight())
	}

	if err := m.Advance(ctx, 100, "0xtip", "0xtx"); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if repo.height() != 100 {
		t.Errorf("expected persisted height 100, got %d", repo.height())
	}

	// Same height is a no-op, lower is refused.
	saves := repo.saves
	if err := m.Advance(ctx, 100, "0xtip", ""); err != nil {
		t.Errorf("equal advance should be a no-op, got %v", err)
	}
	if repo.saves != saves {
		t.Error("equal advance must not persist")
	}
	if err := m.Advance(ctx, 99, "0xold", ""); !errors.Is(err, ErrRegression) {
		t.Errorf("expected ErrRegression, got %v", err)
	}

	// An advance without a tx keeps the previous one.
	if err := m.Advance(ctx, 101, "0xnext", ""); err != nil {
		t.Fatal(err)
	}
	if got := m.Current().LastTxID; got != "0xtx" {
		t.Errorf("expected last tx to be kept, got %q", got)
	}
}

func TestRewindIsBounded(t *testing.T) {
	repo := &mockCursorRepo{cursor: &domain.Cursor{LastHeight: 200, LastBlockHash: "0xa"}}
	m := NewManager(repo, 12)
	ctx := context.Background()
	if _, err := m.Load(ctx); err != nil {
		t.Fatal(err)
	}

	if err := m.Rewind(187, "too deep"); !errors.Is(err, ErrRewindTooDeep) {
		t.Fatalf("expected ErrRewindTooDeep, got %v", err)
	}
	if err := m.Rewind(188, "parent hash mismatch"); err != nil {
		t.Fatalf("Rewind failed: %v", err)
	}
	if m.State() != StateRewinding || m.FromHeight() != 188 {
		t.Fatalf("expected rewinding from 188, got %s from %d", m.State(), m.FromHeight())
	}
	if repo.height() != 200 {
		t.Errorf("rewind must not persist, stored height %d", repo.height())
	}

	if err := m.Advance(ctx, 187, "0xb", ""); !errors.Is(err, ErrRegression) {
		t.Errorf("expected advance below rewind target to fail, got %v", err)
	}
	// The chain shrank: the post-rewind cursor may land below the old one.
	if err := m.Advance(ctx, 195, "0xb", ""); err != nil {
		t.Fatalf("Advance after rewind failed: %v", err)
	}
	if m.State() != StateScanning {
		t.Errorf("expected scanning after rewind, got %s", m.State())
	}
	if _, ok := m.RewindTarget(); ok {
		t.Error("rewind target should be cleared")
	}
	if m.FromHeight() != 196 {
		t.Errorf("expected from height 196, got %d", m.FromHeight())
	}

	metrics := m.GetMetrics()
	if metrics.Rewinds != 1 || metrics.LastRewindAt == nil {
		t.Errorf("expected one recorded rewind, got %+v", metrics)
	}
}

func TestAdvanceSaveFailureKeepsState(t *testing.T) {
	repo := &mockCursorRepo{cursor: &domain.Cursor{LastHeight: 50}}
	m := NewManager(repo, 12)
	ctx := context.Background()
	_, _ = m.Load(ctx)
	_ = m.Rewind(40, "reorg")

	repo.err = errors.New("db down")
	if err := m.Advance(ctx, 60, "0x", ""); err == nil {
		t.Fatal("expected save error")
	}
	if target, ok := m.RewindTarget(); !ok || target != 40 {
		t.Errorf("rewind target lost after failed save: %d %v", target, ok)
	}
	if m.Current().LastHeight != 50 {
		t.Errorf("in-memory cursor moved despite failed save")
	}
}

func TestSyncPicksUpForeignAdvance(t *testing.T) {
	repo := &mockCursorRepo{cursor: &domain.Cursor{LastHeight: 50, LastBlockHash: "0xa"}}
	m := NewManager(repo, 12)
	ctx := context.Background()
	_, _ = m.Load(ctx)

	// Unchanged store keeps a pending rewind.
	_ = m.Rewind(45, "reorg")
	if err := m.Sync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if target, ok := m.RewindTarget(); !ok || target != 45 {
		t.Fatalf("rewind dropped without a foreign advance: %d %v", target, ok)
	}

	repo.cursor = &domain.Cursor{LastHeight: 58, LastBlockHash: "0xb"}
	if err := m.Sync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if _, ok := m.RewindTarget(); ok {
		t.Error("stale rewind target kept after foreign advance")
	}
	if m.FromHeight() != 59 || m.State() != StateScanning {
		t.Errorf("expected scanning from 59, got %s from %d", m.State(), m.FromHeight())
	}
}

func TestReset(t *testing.T) {
	repo := &mockCursorRepo{cursor: &domain.Cursor{LastHeight: 500, LastBlockHash: "0xa"}}
	m := NewManager(repo, 12)
	_, _ = m.Load(context.Background())

	if err := m.Reset(context.Background(), 10); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if repo.height() != 10 || m.Current().LastBlockHash != "" {
		t.Errorf("unexpected cursor after reset: %+v", m.Current())
	}
}

func TestStateCallback(t *testing.T) {
	repo := &mockCursorRepo{cursor: &domain.Cursor{LastHeight: 50}}
	m := NewManager(repo, 12)

	var got []Transition
	m.SetStateChangeCallback(func(t Transition) { got = append(got, t) })

	_, _ = m.Load(context.Background())
	_ = m.Rewind(45, "reorg")
	_ = m.Advance(context.Background(), 52, "0x", "")

	want := []State{StateScanning, StateRewinding, StateScanning}
	if len(got) != len(want) {
		t.Fatalf("expected %d transitions, got %d", len(want), len(got))
	}
	for i, s := range want {
		if got[i].To != s {
			t.Errorf("transition %d: expected %s, got %s", i, s, got[i].To)
		}
		if !CanTransition(got[i].From, got[i].To) {
			t.Errorf("transition %d is not allowed: %s -> %s", i, got[i].From, got[i].To)
		}
	}
}

func TestMetricsCollector(t *testing.T) {
	mc := NewMetricsCollector(3)
	start := time.Unix(1000, 0)
	for i := range 5 {
		mc.RecordAdvance(uint64(100+i*10), start.Add(time.Duration(i)*time.Second))
	}
	m := mc.GetMetrics()
	// Window keeps heights 120, 130, 140 over 2 seconds.
	if m.BlocksPerSecond != 10 {
		t.Errorf("expected 10 blocks/s, got %f", m.BlocksPerSecond)
	}
	mc.Reset()
	if mc.GetMetrics().LastAdvanceAt != nil {
		t.Error("expected empty metrics after reset")
	}
}
