// Package poller drives reconciliation: on each tick it reads the chain tip,
// applies confirmed contract events, runs the paid, refund and expiration
// sweeps, checks for reorgs and advances the cursor.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vietddude/paywatch/internal/core/cursor"
	"github.com/vietddude/paywatch/internal/core/domain"
	"github.com/vietddude/paywatch/internal/indexing/applier"
	"github.com/vietddude/paywatch/internal/indexing/expiration"
	"github.com/vietddude/paywatch/internal/indexing/metrics"
	"github.com/vietddude/paywatch/internal/indexing/reorg"
	"github.com/vietddude/paywatch/internal/infra/chain"
	"github.com/vietddude/paywatch/internal/infra/storage"
)

// ErrTickInProgress is returned by Tick while another tick is running.
var ErrTickInProgress = errors.New("poller: tick already running")

// Chain is the ledger surface the poller reads.
type Chain interface {
	reorg.HeaderFetcher
	chain.InvoiceReader
	GetTip(ctx context.Context) (*domain.Tip, error)
}

// EventFetcher returns the ordered, validated events at or above a height.
type EventFetcher interface {
	Fetch(ctx context.Context, fromHeight uint64) ([]*domain.NormalizedEvent, error)
}

// TickLock serializes ticks across instances sharing one store. Extend
// reports false once the lease has passed to another holder.
type TickLock interface {
	Acquire(ctx context.Context) (bool, error)
	Extend(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Config controls the tick.
type Config struct {
	MinConfirmations  uint64
	ReorgWindowBlocks uint64
	PollInterval      time.Duration
	SweepLimit        int
}

// Deps are the collaborators of the poller.
type Deps struct {
	Chain         Chain
	Events        EventFetcher
	Cursors       *cursor.Manager
	Invoices      storage.InvoiceRepository
	Applier       *applier.InvoiceEventApplier
	Subscriptions *applier.SubscriptionLifecycleProcessor
	Expirations   *expiration.Monitor
	Lock          TickLock // optional
}

// Poller is the reconciliation loop. The cursor has exactly one writer: the
// tick of this poller.
type Poller struct {
	cfg  Config
	deps Deps

	guard   *reorg.Guard
	ticking atomic.Bool
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu    sync.RWMutex
	stats Stats

	log *slog.Logger
}

// New creates a poller.
func New(cfg Config, deps Deps) *Poller {
	if cfg.PollInterval < 5*time.Second {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = 200
	}
	return &Poller{
		cfg:   cfg,
		deps:  deps,
		guard: reorg.NewGuard(deps.Chain),
		log:   slog.Default().With("component", "poller"),
	}
}

// Start runs a tick immediately and then every PollInterval until ctx is
// canceled or Stop is called.
func (p *Poller) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return nil
	}
	if _, err := p.deps.Cursors.Load(ctx); err != nil {
		p.running.Store(false)
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.setRunning(true)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.loop(ctx)
	}()
	p.log.Info("Poller started",
		"interval", p.cfg.PollInterval,
		"min_confirmations", p.cfg.MinConfirmations,
		"reorg_window", p.cfg.ReorgWindowBlocks,
	)
	return nil
}

func (p *Poller) loop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := p.Tick(ctx); err != nil && ctx.Err() == nil {
			if errors.Is(err, ErrTickInProgress) {
				p.log.Debug("Skipping tick, previous tick still running")
			} else {
				p.log.Error("Tick failed", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop cancels the loop and waits for the running tick to return.
func (p *Poller) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.setRunning(false)
	p.log.Info("Poller stopped")
}

// Tick runs one reconciliation pass. Concurrent calls return
// ErrTickInProgress.
func (p *Poller) Tick(ctx context.Context) (err error) {
	if !p.ticking.CompareAndSwap(false, true) {
		return ErrTickInProgress
	}
	defer p.ticking.Store(false)

	start := time.Now()
	var tip *domain.Tip
	outcome := "error"
	defer func() {
		p.refresh(tip, start, outcome, err)
	}()

	if p.deps.Lock != nil {
		acquired, lockErr := p.deps.Lock.Acquire(ctx)
		if lockErr != nil {
			return fmt.Errorf("failed to acquire tick lock: %w", lockErr)
		}
		if !acquired {
			outcome = "locked"
			return nil
		}
		defer func() {
			if relErr := p.deps.Lock.Release(context.WithoutCancel(ctx)); relErr != nil {
				p.log.Warn("Failed to release tick lock", "error", relErr)
			}
		}()

		// Another instance may have advanced the cursor since our last tick.
		if err = p.deps.Cursors.Sync(ctx); err != nil {
			return err
		}

		leaseCtx, cancel := context.WithCancel(ctx)
		held := make(chan struct{})
		go func() {
			defer close(held)
			p.holdLease(leaseCtx, cancel)
		}()
		defer func() {
			cancel()
			<-held
		}()
		ctx = leaseCtx
	}

	tip, err = p.deps.Chain.GetTip(ctx)
	if err != nil {
		return fmt.Errorf("failed to get tip: %w", err)
	}
	metrics.ChainTipHeight.Set(float64(tip.Height))

	outcome, err = p.tick(ctx, tip)
	return err
}

// holdLease extends the tick lock every half poll interval until ctx ends.
// Losing the lease cancels the tick.
func (p *Poller) holdLease(ctx context.Context, lost context.CancelFunc) {
	interval := p.cfg.PollInterval / 2
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := p.deps.Lock.Extend(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.log.Warn("Failed to extend tick lock", "error", err)
				continue
			}
			if !ok {
				p.log.Warn("Tick lock lost, abandoning tick")
				lost()
				return
			}
		}
	}
}

func (p *Poller) tick(ctx context.Context, tip *domain.Tip) (string, error) {
	if p.deps.Cursors.Current() == nil {
		if err := p.bootstrap(ctx, tip); err != nil {
			return "error", err
		}
	}
	cur := p.deps.Cursors.Current()
	from := p.deps.Cursors.FromHeight()
	rewindTarget, rewinding := p.deps.Cursors.RewindTarget()

	events, err := p.deps.Events.Fetch(ctx, from)
	if err != nil {
		return "error", err
	}

	view := chain.NewInvoiceCache(p.deps.Chain)
	batch := newBatch(events, tip.Height, p.cfg.MinConfirmations)
	if err := p.applyEvents(ctx, view, batch); err != nil {
		return "error", err
	}
	if err := p.sweep(ctx, view, tip); err != nil {
		return "error", err
	}

	if !rewinding {
		detected, err := p.guard.DetectReorg(ctx, cur.LastHeight+1, tip, cur)
		if err != nil {
			return "error", fmt.Errorf("failed to check ancestry: %w", err)
		}
		if detected {
			target := reorg.ComputeRewindTarget(cur, p.cfg.ReorgWindowBlocks)
			if err := p.deps.Cursors.Rewind(target, "ancestry mismatch"); err != nil {
				return "error", err
			}
			metrics.ReorgsDetected.Inc()
			p.log.Warn("Reorg detected, rewinding",
				"cursor", cur.LastHeight,
				"cursor_hash", cur.LastBlockHash,
				"tip", tip.Height,
				"rewind_to", target,
			)
			return "reorg", nil
		}
	}

	height, hash := tip.Height, tip.BlockHash
	if deferred, ok := batch.minDeferred(); ok {
		height = deferred - 1
		hash = p.hashAt(ctx, height, tip)
		p.log.Debug("Holding cursor below deferred event", "deferred_height", deferred, "count", len(batch.deferred))
	}

	switch {
	case rewinding && height < rewindTarget:
		p.log.Debug("Tip still below rewind target", "tip", tip.Height, "rewind_to", rewindTarget)
		return "ok", nil
	case !rewinding && height <= cur.LastHeight:
		return "ok", nil
	}

	// A lost tick lock cancels ctx; the new holder owns the cursor.
	if err := ctx.Err(); err != nil {
		return "error", fmt.Errorf("tick abandoned before advancing cursor: %w", err)
	}
	if err := p.deps.Cursors.Advance(ctx, height, hash, batch.lastTxID(height)); err != nil {
		return "error", err
	}
	return "ok", nil
}

// bootstrap seeds the cursor minConfirmations blocks below the tip, with the
// seed block's own hash so the first ancestry check compares like with like.
func (p *Poller) bootstrap(ctx context.Context, tip *domain.Tip) error {
	depth := max(1, p.cfg.MinConfirmations)
	var seed uint64
	if tip.Height > depth {
		seed = tip.Height - depth
	}
	hash := p.hashAt(ctx, seed, tip)
	if _, err := p.deps.Cursors.Initialize(ctx, seed, hash); err != nil {
		return err
	}
	p.log.Info("Cursor bootstrapped", "height", seed, "tip", tip.Height)
	return nil
}

// hashAt returns the block hash at height, or "" when it cannot be read. An
// empty hash skips the next ancestry check rather than faking one.
func (p *Poller) hashAt(ctx context.Context, height uint64, tip *domain.Tip) string {
	if height == tip.Height {
		return tip.BlockHash
	}
	if height == 0 {
		return ""
	}
	header, err := p.deps.Chain.GetBlockHeader(ctx, height)
	if err != nil {
		p.log.Warn("Failed to read block header for cursor", "height", height, "error", err)
		return ""
	}
	return header.BlockHash
}

// applyEvents runs the three subscription passes and then the invoice events.
// Events without enough confirmations are left for a later tick.
func (p *Poller) applyEvents(ctx context.Context, view chain.InvoiceReader, b *batch) error {
	for _, typ := range []domain.EventType{
		domain.EventSubscriptionCreated,
		domain.EventSubscriptionCanceled,
		domain.EventSubscriptionPaid,
	} {
		for _, ev := range b.ready {
			if ev.Type != typ {
				continue
			}
			if err := p.deps.Subscriptions.Apply(ctx, ev); err != nil {
				return fmt.Errorf("failed to apply %s %s: %w", ev.Type, ev.TxID, err)
			}
		}
	}

	for _, ev := range b.ready {
		if ev.Type.IsSubscription() {
			continue
		}
		if err := p.deps.Applier.Apply(ctx, view, ev); err != nil {
			return fmt.Errorf("failed to apply %s %s: %w", ev.Type, ev.TxID, err)
		}
	}
	return nil
}

// sweep runs the paid, refund and expiration safety nets, each bounded by
// the sweep limit.
func (p *Poller) sweep(ctx context.Context, view chain.InvoiceReader, tip *domain.Tip) error {
	unpaid, err := p.deps.Invoices.ListByStatus(ctx, []domain.InvoiceStatus{domain.InvoiceUnpaid}, p.cfg.SweepLimit)
	if err != nil {
		return fmt.Errorf("failed to list unpaid invoices: %w", err)
	}
	if _, err := p.deps.Applier.SweepPaid(ctx, view, unpaid, tip.Height, p.cfg.MinConfirmations); err != nil {
		return fmt.Errorf("paid sweep: %w", err)
	}

	refundable, err := p.deps.Invoices.ListByStatus(ctx,
		[]domain.InvoiceStatus{domain.InvoicePaid, domain.InvoicePartiallyRefunded}, p.cfg.SweepLimit)
	if err != nil {
		return fmt.Errorf("failed to list refundable invoices: %w", err)
	}
	if _, err := p.deps.Applier.SweepRefunds(ctx, view, refundable, tip.Height, p.cfg.MinConfirmations); err != nil {
		return fmt.Errorf("refund sweep: %w", err)
	}

	candidates := make([]string, 0, len(unpaid))
	for _, inv := range unpaid {
		candidates = append(candidates, inv.ID)
	}
	if _, err := p.deps.Expirations.Sweep(ctx, view, candidates); err != nil {
		return fmt.Errorf("expiration sweep: %w", err)
	}
	return nil
}
