// Package expiration marks invoices expired when the chain says so or when
// their local quote deadline has passed, and notifies merchants.
package expiration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/paywatch/internal/core/domain"
	"github.com/vietddude/paywatch/internal/indexing/metrics"
	"github.com/vietddude/paywatch/internal/infra/chain"
	"github.com/vietddude/paywatch/internal/infra/storage"
	"github.com/vietddude/paywatch/internal/webhook"
)

// Dispatcher sends a webhook event.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev webhook.Event) error
}

// Monitor runs the expiration sweep.
type Monitor struct {
	invoices   storage.InvoiceRepository
	webhooks   storage.WebhookRepository
	dispatcher Dispatcher
	limit      int
	now        func() time.Time
	log        *slog.Logger
}

// NewMonitor creates an expiration monitor. limit bounds each store scan.
func NewMonitor(
	invoices storage.InvoiceRepository,
	webhooks storage.WebhookRepository,
	dispatcher Dispatcher,
	limit int,
) *Monitor {
	if limit <= 0 {
		limit = 200
	}
	return &Monitor{
		invoices:   invoices,
		webhooks:   webhooks,
		dispatcher: dispatcher,
		limit:      limit,
		now:        time.Now,
		log:        slog.Default().With("component", "expiration"),
	}
}

// Result summarizes one sweep.
type Result struct {
	Marked  int
	Emitted int
}

// Sweep expires the union of candidates the chain reports expired and unpaid
// invoices whose quote deadline has passed, then emits one webhook per
// expired invoice that has none yet. Marking happens before emitting, and
// emission checks the attempt log, so a sweep interrupted between the two is
// completed by the next one.
func (m *Monitor) Sweep(ctx context.Context, reader chain.InvoiceReader, candidates []string) (Result, error) {
	var res Result
	ids := newIDSet()

	for _, id := range candidates {
		if !chain.ValidID(id) {
			m.log.Debug("Skipping malformed invoice id", "invoice_id", id)
			continue
		}
		if reader == nil {
			break
		}
		onchain, ok, err := reader.ReadInvoice(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			m.log.Warn("Failed to read invoice status", "invoice_id", id, "error", err)
			continue
		}
		if ok && onchain.Status == domain.InvoiceExpired {
			ids.add(id)
		}
	}

	quoteExpired, err := m.invoices.ListQuoteExpired(ctx, m.now(), m.limit)
	if err != nil {
		return res, fmt.Errorf("failed to list quote-expired invoices: %w", err)
	}
	for _, inv := range quoteExpired {
		ids.add(inv.ID)
	}

	if len(ids.order) > 0 {
		marked, err := m.invoices.MarkExpired(ctx, ids.order)
		if err != nil {
			return res, fmt.Errorf("failed to mark invoices expired: %w", err)
		}
		res.Marked = len(marked)
		if res.Marked > 0 {
			metrics.SweepApplied.WithLabelValues("expired").Add(float64(res.Marked))
			m.log.Info("Invoices expired", "count", res.Marked)
		}
	}

	// Expired invoices a previous sweep marked but never notified.
	orphans, err := m.invoices.ListExpiredWithoutAttempt(ctx, domain.EventInvoiceExpired, m.limit)
	if err != nil {
		return res, fmt.Errorf("failed to list unnotified expired invoices: %w", err)
	}
	for _, inv := range orphans {
		ids.add(inv.ID)
	}

	for _, id := range ids.order {
		emitted, err := m.emit(ctx, id)
		if err != nil {
			return res, err
		}
		if emitted {
			res.Emitted++
		}
	}
	return res, nil
}

// emit sends the expired webhook unless the invoice is not expired locally
// or its history already holds an attempt.
func (m *Monitor) emit(ctx context.Context, id string) (bool, error) {
	inv, err := m.invoices.Get(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to reload invoice %s: %w", id, err)
	}
	if inv.Status != domain.InvoiceExpired {
		return false, nil
	}

	delivered, err := m.webhooks.ExistsSuccessfulDeliveryFor(ctx, inv.StoreID, inv.ID, domain.EventInvoiceExpired)
	if err != nil {
		return false, fmt.Errorf("failed to check webhook history: %w", err)
	}
	if delivered {
		return false, nil
	}
	// A failed or pending attempt is owned by the retry scheduler.
	attempted, err := m.webhooks.ExistsAttemptFor(ctx, inv.StoreID, inv.ID, domain.EventInvoiceExpired)
	if err != nil {
		return false, fmt.Errorf("failed to check webhook history: %w", err)
	}
	if attempted {
		return false, nil
	}

	err = m.dispatcher.Dispatch(ctx, webhook.Event{
		StoreID:   inv.StoreID,
		InvoiceID: inv.ID,
		Type:      domain.EventInvoiceExpired,
		Payload: map[string]string{
			"invoiceId": inv.ID,
			"status":    string(domain.InvoiceExpired),
		},
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

type idSet struct {
	seen  map[string]struct{}
	order []string
}

func newIDSet() *idSet {
	return &idSet{seen: make(map[string]struct{})}
}

func (s *idSet) add(id string) {
	if _, ok := s.seen[id]; ok {
		return
	}
	s.seen[id] = struct{}{}
	s.order = append(s.order, id)
}
