package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vietddude/paywatch/internal/core/cursor"
	"github.com/vietddude/paywatch/internal/core/domain"
	"github.com/vietddude/paywatch/internal/indexing/applier"
	"github.com/vietddude/paywatch/internal/indexing/expiration"
	"github.com/vietddude/paywatch/internal/infra/storage"
	"github.com/vietddude/paywatch/internal/infra/storage/memory"
	"github.com/vietddude/paywatch/internal/webhook"
)

// =============================================================================
// Fakes
// =============================================================================

func blockHash(h uint64) string { return fmt.Sprintf("0x%064x", h) }

type fakeChain struct {
	mu       sync.Mutex
	tip      uint64
	hashes   map[uint64]string // overrides
	onchain  map[string]*domain.OnChainInvoice
	tipCalls int
}

func (c *fakeChain) setTip(h uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tip = h
}

func (c *fakeChain) hash(h uint64) string {
	if v, ok := c.hashes[h]; ok {
		return v
	}
	return blockHash(h)
}

func (c *fakeChain) GetTip(ctx context.Context) (*domain.Tip, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tipCalls++
	return &domain.Tip{Height: c.tip, BlockHash: c.hash(c.tip)}, nil
}

func (c *fakeChain) GetBlockHeader(ctx context.Context, h uint64) (*domain.BlockHeader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h > c.tip {
		return nil, errors.New("not found")
	}
	return &domain.BlockHeader{Height: h, BlockHash: c.hash(h), ParentBlockHash: c.hash(h - 1)}, nil
}

func (c *fakeChain) ReadInvoice(ctx context.Context, id string) (*domain.OnChainInvoice, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inv, ok := c.onchain[id]
	return inv, ok, nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []*domain.NormalizedEvent
	froms  []uint64
	block  chan struct{}
}

func (f *fakeEvents) Fetch(ctx context.Context, from uint64) ([]*domain.NormalizedEvent, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.froms = append(f.froms, from)
	var out []*domain.NormalizedEvent
	for _, ev := range f.events {
		if ev.BlockHeight >= from {
			out = append(out, ev)
		}
	}
	return out, nil
}

type fixture struct {
	chain   *fakeChain
	events  *fakeEvents
	mem     *memory.MemoryStorage
	store   storage.Store
	cursors *cursor.Manager
	poller  *Poller
}

func newFixture(t *testing.T, tip uint64, start *domain.Cursor) *fixture {
	t.Helper()
	mem := memory.NewMemoryStorage(domain.RetrySchedule{time.Minute})
	store := mem.Store()
	ctx := context.Background()
	if start != nil {
		if err := store.Cursors.Save(ctx, start); err != nil {
			t.Fatal(err)
		}
	}

	ch := &fakeChain{tip: tip, hashes: map[uint64]string{}, onchain: map[string]*domain.OnChainInvoice{}}
	events := &fakeEvents{}

	planner := webhook.NewPlanner(store.Webhooks, domain.RetrySchedule{time.Minute}, 5)
	signer := webhook.NewSignatureService(5*time.Minute, 10*time.Minute, nil)
	dispatcher := webhook.NewDispatcher(store.Merchants, store.Invoices, planner, signer, nil, time.Second)

	cursors := cursor.NewManager(store.Cursors, 12)
	if _, err := cursors.Load(ctx); err != nil {
		t.Fatal(err)
	}

	p := New(Config{
		MinConfirmations:  6,
		ReorgWindowBlocks: 12,
		PollInterval:      time.Minute,
		SweepLimit:        200,
	}, Deps{
		Chain:         ch,
		Events:        events,
		Cursors:       cursors,
		Invoices:      store.Invoices,
		Applier:       applier.NewInvoiceEventApplier(store.Invoices, store.Webhooks, dispatcher),
		Subscriptions: applier.NewSubscriptionLifecycleProcessor(store, dispatcher),
		Expirations:   expiration.NewMonitor(store.Invoices, store.Webhooks, dispatcher, 200),
	})
	return &fixture{chain: ch, events: events, mem: mem, store: store, cursors: cursors, poller: p}
}

func (f *fixture) storedHeight(t *testing.T) uint64 {
	t.Helper()
	c, err := f.store.Cursors.Get(context.Background())
	if err != nil || c == nil {
		t.Fatalf("no stored cursor: %v", err)
	}
	return c.LastHeight
}

func testID(n int) string { return fmt.Sprintf("%064x", n) }

// =============================================================================
// Tests
// =============================================================================

func TestTickBootstrapsBelowTip(t *testing.T) {
	f := newFixture(t, 100, nil)

	if err := f.poller.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	// Seeded at 94, then advanced to the tip in the same tick.
	if f.events.froms[0] != 95 {
		t.Errorf("expected first fetch from 95, got %d", f.events.froms[0])
	}
	if got := f.storedHeight(t); got != 100 {
		t.Errorf("expected cursor at tip 100, got %d", got)
	}
}

func TestTickDefersUnconfirmedEvents(t *testing.T) {
	f := newFixture(t, 100, &domain.Cursor{LastHeight: 90, LastBlockHash: blockHash(90)})
	id := testID(1)
	f.mem.PutInvoice(&domain.Invoice{ID: id, StoreID: "s1", AmountSats: 1000, Status: domain.InvoiceUnpaid})
	f.events.events = []*domain.NormalizedEvent{{
		Type: domain.EventInvoicePaid, IDHex: id, BlockHeight: 96, TxID: "0xpay", Sender: "SPPAYER",
	}}
	ctx := context.Background()

	if err := f.poller.Tick(ctx); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	inv, _ := f.store.Invoices.Get(ctx, id)
	if inv.Status != domain.InvoiceUnpaid {
		t.Fatalf("event with 5 confirmations applied early, status %s", inv.Status)
	}
	if got := f.storedHeight(t); got != 95 {
		t.Fatalf("expected cursor held at 95, got %d", got)
	}

	f.chain.setTip(101)
	if err := f.poller.Tick(ctx); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if f.events.froms[1] != 96 {
		t.Errorf("expected refetch from 96, got %d", f.events.froms[1])
	}
	inv, _ = f.store.Invoices.Get(ctx, id)
	if inv.Status != domain.InvoicePaid {
		t.Fatalf("expected paid at tip 101, got %s", inv.Status)
	}
	if got := f.storedHeight(t); got != 101 {
		t.Errorf("expected cursor at 101, got %d", got)
	}
	if got := f.cursors.Current().LastTxID; got != "0xpay" {
		t.Errorf("expected last tx 0xpay, got %q", got)
	}
}

func TestTickReorgRewindsWithinWindow(t *testing.T) {
	f := newFixture(t, 105, &domain.Cursor{LastHeight: 100, LastBlockHash: "0xorphaned"})
	ctx := context.Background()
	heights := []uint64{f.storedHeight(t)}

	if err := f.poller.Tick(ctx); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	heights = append(heights, f.storedHeight(t))
	if stats := f.poller.Stats(); stats.LastOutcome != "reorg" || stats.RewindTarget == nil || *stats.RewindTarget != 88 {
		t.Fatalf("expected reorg with rewind to 88, got %+v", stats)
	}

	if err := f.poller.Tick(ctx); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	heights = append(heights, f.storedHeight(t))

	if f.events.froms[1] != 88 {
		t.Errorf("expected refetch from 88, got %d", f.events.froms[1])
	}
	if f.cursors.State() != cursor.StateScanning {
		t.Errorf("expected scanning after rewind, got %s", f.cursors.State())
	}

	// Cursor never decreases except by the bounded rewind.
	for i := 1; i < len(heights); i++ {
		if heights[i] < heights[i-1] && heights[i-1]-heights[i] > 12 {
			t.Errorf("cursor moved back more than the window: %v", heights)
		}
	}
	if heights[len(heights)-1] != 105 {
		t.Errorf("expected cursor at 105, got %v", heights)
	}
}

func TestTickChainShrinkTriggersRewind(t *testing.T) {
	f := newFixture(t, 95, &domain.Cursor{LastHeight: 100, LastBlockHash: blockHash(100)})

	if err := f.poller.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	target, ok := f.cursors.RewindTarget()
	if !ok || target != 88 {
		t.Fatalf("expected rewind to 88, got %d %v", target, ok)
	}
	if got := f.storedHeight(t); got != 100 {
		t.Errorf("cursor must not be persisted on reorg, got %d", got)
	}
}

func TestTickIsNonReentrant(t *testing.T) {
	f := newFixture(t, 100, &domain.Cursor{LastHeight: 99, LastBlockHash: blockHash(99)})
	f.events.block = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- f.poller.Tick(context.Background()) }()

	// Wait until the first tick is inside Fetch.
	deadline := time.Now().Add(2 * time.Second)
	for !f.poller.ticking.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if err := f.poller.Tick(context.Background()); !errors.Is(err, ErrTickInProgress) {
		t.Errorf("expected ErrTickInProgress, got %v", err)
	}
	close(f.events.block)
	if err := <-done; err != nil {
		t.Fatalf("first tick failed: %v", err)
	}

	// The flag is released afterwards.
	if err := f.poller.Tick(context.Background()); err != nil {
		t.Errorf("expected next tick to run, got %v", err)
	}
}

func TestTickSweepsMissedPayment(t *testing.T) {
	f := newFixture(t, 100, &domain.Cursor{LastHeight: 100, LastBlockHash: blockHash(100)})
	id := testID(2)
	f.mem.PutInvoice(&domain.Invoice{ID: id, StoreID: "s1", AmountSats: 1000, Status: domain.InvoiceUnpaid})
	paidAt := uint64(90)
	f.chain.onchain[id] = &domain.OnChainInvoice{Status: domain.InvoicePaid, Payer: "SPPAYER", PaidAt: &paidAt}

	if err := f.poller.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	inv, _ := f.store.Invoices.Get(context.Background(), id)
	if inv.Status != domain.InvoicePaid {
		t.Errorf("expected sweep to apply payment, got %s", inv.Status)
	}
	stats := f.poller.Stats()
	if stats.LastOutcome != "ok" || stats.LagBlocks != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

type stubLock struct {
	acquired bool
	lost     bool
	extends  atomic.Int32
}

func (l *stubLock) Acquire(ctx context.Context) (bool, error) { return l.acquired, nil }
func (l *stubLock) Release(ctx context.Context) error        { return nil }

func (l *stubLock) Extend(ctx context.Context) (bool, error) {
	l.extends.Add(1)
	return !l.lost, nil
}

func TestTickSkipsWhenLockHeldElsewhere(t *testing.T) {
	f := newFixture(t, 100, &domain.Cursor{LastHeight: 90, LastBlockHash: blockHash(90)})
	f.poller.deps.Lock = &stubLock{acquired: false}

	if err := f.poller.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if f.chain.tipCalls != 0 {
		t.Error("tick ran without holding the lock")
	}
	if f.poller.Stats().LastOutcome != "locked" {
		t.Errorf("expected locked outcome, got %q", f.poller.Stats().LastOutcome)
	}
}

func TestTickReloadsCursorAdvancedElsewhere(t *testing.T) {
	f := newFixture(t, 100, &domain.Cursor{LastHeight: 90, LastBlockHash: blockHash(90)})
	f.poller.deps.Lock = &stubLock{acquired: true}

	// Another instance ticked while this one held a stale cursor.
	if err := f.store.Cursors.Save(context.Background(), &domain.Cursor{LastHeight: 97, LastBlockHash: blockHash(97)}); err != nil {
		t.Fatal(err)
	}

	if err := f.poller.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if len(f.events.froms) != 1 || f.events.froms[0] != 98 {
		t.Errorf("expected fetch from reloaded cursor 98, got %v", f.events.froms)
	}
	if got := f.storedHeight(t); got != 100 {
		t.Errorf("expected cursor at 100, got %d", got)
	}
}

func TestTickAbandonedWhenLeaseLost(t *testing.T) {
	f := newFixture(t, 100, &domain.Cursor{LastHeight: 90, LastBlockHash: blockHash(90)})
	lock := &stubLock{acquired: true, lost: true}
	f.poller.deps.Lock = lock
	f.poller.cfg.PollInterval = 10 * time.Millisecond
	f.events.block = make(chan struct{})

	// Fetch stays blocked until the lost lease cancels the tick.
	err := f.poller.Tick(context.Background())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled tick, got %v", err)
	}
	if lock.extends.Load() == 0 {
		t.Error("lease was never extended")
	}
	if got := f.storedHeight(t); got != 90 {
		t.Errorf("cursor advanced after losing the lease: %d", got)
	}
}
