package applier

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/paywatch/internal/core/domain"
	"github.com/vietddude/paywatch/internal/indexing/metrics"
	"github.com/vietddude/paywatch/internal/infra/chain"
	"github.com/vietddude/paywatch/internal/infra/storage"
	"github.com/vietddude/paywatch/internal/webhook"
)

// InvoiceEventApplier applies paid, refund and cancel events, and the paid
// and refund sweeps that back them up.
type InvoiceEventApplier struct {
	invoices   storage.InvoiceRepository
	webhooks   storage.WebhookRepository
	dispatcher Dispatcher
	log        *slog.Logger
}

func NewInvoiceEventApplier(
	invoices storage.InvoiceRepository,
	webhooks storage.WebhookRepository,
	dispatcher Dispatcher,
) *InvoiceEventApplier {
	return &InvoiceEventApplier{
		invoices:   invoices,
		webhooks:   webhooks,
		dispatcher: dispatcher,
		log:        slog.Default().With("component", "invoice-applier"),
	}
}

// Apply routes ev to its handler. reader may be nil, in which case refunds
// are applied without the on-chain cap.
func (a *InvoiceEventApplier) Apply(ctx context.Context, reader chain.InvoiceReader, ev *domain.NormalizedEvent) error {
	switch ev.Type {
	case domain.EventInvoicePaid:
		return a.ApplyPaid(ctx, ev)
	case domain.EventInvoiceRefunded:
		return a.ApplyRefund(ctx, reader, ev)
	case domain.EventInvoiceCanceled:
		return a.ApplyCanceled(ctx, ev)
	default:
		return fmt.Errorf("not an invoice event: %s", ev.Type)
	}
}

// ApplyPaid moves an unpaid invoice to paid.
func (a *InvoiceEventApplier) ApplyPaid(ctx context.Context, ev *domain.NormalizedEvent) error {
	applied, err := a.invoices.MarkPaid(ctx, ev.IDHex, domain.Payment{
		TxID:   ev.TxID,
		Payer:  ev.Sender,
		Height: ev.BlockHeight,
	})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to mark invoice %s paid: %w", ev.IDHex, err)
	}
	countEvent(ev.Type, applied)
	return a.emitPaid(ctx, ev.IDHex, applied)
}

func (a *InvoiceEventApplier) emitPaid(ctx context.Context, id string, applied bool) error {
	inv, err := a.invoices.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to reload invoice %s: %w", id, err)
	}
	if !isPaid(inv.Status) {
		return nil
	}
	if applied {
		a.log.Info("Invoice paid", "invoice_id", id, "store_id", inv.StoreID, "tx_id", deref(inv.PaidTxID))
	}
	return emitGuarded(ctx, a.webhooks, a.dispatcher, applied, webhook.Event{
		StoreID:   inv.StoreID,
		InvoiceID: inv.ID,
		Type:      domain.EventInvoicePaid,
		Payload: PaidPayload{
			InvoiceID:  inv.ID,
			Status:     string(domain.InvoicePaid),
			TxID:       inv.PaidTxID,
			Payer:      inv.Payer,
			AmountSats: inv.AmountSats,
		},
	})
}

// ApplyRefund adds the event's refund to the invoice total, keyed by the
// transaction id. The increment is capped at what the chain reports beyond
// the local total, so a refund already absorbed by the sweep is not counted
// again. A failed chain read fails the event so it is retried with the cap.
func (a *InvoiceEventApplier) ApplyRefund(
	ctx context.Context,
	reader chain.InvoiceReader,
	ev *domain.NormalizedEvent,
) error {
	if ev.RefundAmountSats == nil {
		return nil
	}
	amount := *ev.RefundAmountSats

	recorded, ok, err := a.invoices.GetRefund(ctx, ev.IDHex, ev.TxID)
	if err != nil {
		return fmt.Errorf("failed to look up refund %s: %w", ev.TxID, err)
	}
	if ok {
		countEvent(ev.Type, false)
		return a.emitRefund(ctx, ev.IDHex, ev.TxID, ev.TxID, recorded, false)
	}

	if reader != nil {
		onchain, found, err := reader.ReadInvoice(ctx, ev.IDHex)
		if err != nil {
			return fmt.Errorf("failed to read on-chain refund total of invoice %s: %w", ev.IDHex, err)
		}
		if found {
			local, err := a.invoices.Get(ctx, ev.IDHex)
			if err != nil {
				if isNotFound(err) {
					return nil
				}
				return fmt.Errorf("failed to load invoice %s: %w", ev.IDHex, err)
			}
			amount = min(amount, onchain.RefundAmountSats-local.RefundAmount)
		}
	}

	if amount <= 0 {
		countEvent(ev.Type, false)
		return nil
	}
	_, err = a.refund(ctx, ev.IDHex, ev.TxID, ev.TxID, amount, "event")
	return err
}

func (a *InvoiceEventApplier) refund(ctx context.Context, id, key, txID string, amount int64, source string) (bool, error) {
	res, err := a.invoices.ApplyRefund(ctx, id, key, amount)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to apply refund to invoice %s: %w", id, err)
	}
	countEvent(domain.EventInvoiceRefunded, res.Applied)
	if !res.Applied {
		recorded, ok, err := a.invoices.GetRefund(ctx, id, key)
		if err != nil {
			return false, fmt.Errorf("failed to look up refund %s: %w", key, err)
		}
		if !ok {
			return false, nil
		}
		return false, a.emitRefund(ctx, id, key, txID, recorded, false)
	}

	a.log.Info("Invoice refund applied",
		"invoice_id", id,
		"source", source,
		"amount", amount,
		"refund_total", res.RefundAmount,
		"status", res.Status,
	)
	return true, a.emitRefund(ctx, id, key, txID, amount, true)
}

// emitRefund notifies one refund, identified by its refund key.
func (a *InvoiceEventApplier) emitRefund(ctx context.Context, id, key, txID string, amount int64, applied bool) error {
	inv, err := a.invoices.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to reload invoice %s: %w", id, err)
	}
	var tx *string
	if txID != "" {
		tx = &txID
	}
	return emitGuarded(ctx, a.webhooks, a.dispatcher, applied, webhook.Event{
		StoreID:   inv.StoreID,
		InvoiceID: inv.ID,
		Type:      domain.EventInvoiceRefunded,
		Key:       key,
		Payload: RefundPayload{
			InvoiceID:        inv.ID,
			Status:           string(inv.Status),
			TxID:             tx,
			RefundAmountSats: amount,
			RefundAmount:     inv.RefundAmount,
			AmountSats:       inv.AmountSats,
		},
	})
}

// ApplyCanceled moves an unpaid invoice to canceled.
func (a *InvoiceEventApplier) ApplyCanceled(ctx context.Context, ev *domain.NormalizedEvent) error {
	applied, err := a.invoices.MarkCanceled(ctx, ev.IDHex, ev.TxID)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to cancel invoice %s: %w", ev.IDHex, err)
	}
	countEvent(ev.Type, applied)

	inv, err := a.invoices.Get(ctx, ev.IDHex)
	if err != nil {
		return fmt.Errorf("failed to reload invoice %s: %w", ev.IDHex, err)
	}
	if inv.Status != domain.InvoiceCanceled {
		return nil
	}
	txID := ev.TxID
	return emitGuarded(ctx, a.webhooks, a.dispatcher, applied, webhook.Event{
		StoreID:   inv.StoreID,
		InvoiceID: inv.ID,
		Type:      domain.EventInvoiceCanceled,
		Payload: StatusPayload{
			InvoiceID: inv.ID,
			Status:    string(domain.InvoiceCanceled),
			TxID:      &txID,
		},
	})
}

// -----------------------------------------------------------------------------
// Sweeps
// -----------------------------------------------------------------------------

// SweepPaid reads the chain status of each unpaid candidate and applies
// payments the event feed missed, once the payment has minConf
// confirmations. It returns the number of invoices marked paid.
func (a *InvoiceEventApplier) SweepPaid(
	ctx context.Context,
	reader chain.InvoiceReader,
	candidates []*domain.Invoice,
	tipHeight, minConf uint64,
) (int, error) {
	applied := 0
	for _, inv := range candidates {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		if inv.Status != domain.InvoiceUnpaid || !chain.ValidID(inv.ID) {
			continue
		}
		onchain, ok, err := reader.ReadInvoice(ctx, inv.ID)
		if err != nil {
			a.log.Warn("Paid sweep: failed to read invoice", "invoice_id", inv.ID, "error", err)
			continue
		}
		if !ok || !isPaid(onchain.Status) {
			continue
		}
		if onchain.PaidAt == nil || domain.Confirmations(tipHeight, *onchain.PaidAt) < minConf {
			continue
		}

		ok, err = a.invoices.MarkPaid(ctx, inv.ID, domain.Payment{
			Payer:  onchain.Payer,
			Height: *onchain.PaidAt,
		})
		if err != nil {
			return applied, fmt.Errorf("failed to mark invoice %s paid: %w", inv.ID, err)
		}
		if !ok {
			continue
		}
		applied++
		metrics.SweepApplied.WithLabelValues("paid").Inc()
		a.log.Info("Paid sweep recovered missed payment", "invoice_id", inv.ID, "paid_at", *onchain.PaidAt)
		if err := a.emitPaid(ctx, inv.ID, true); err != nil {
			return applied, err
		}
	}
	return applied, nil
}

// SweepRefunds compares the on-chain cumulative refund of each candidate with
// the local total and applies the positive difference once the latest refund
// has minConf confirmations.
func (a *InvoiceEventApplier) SweepRefunds(
	ctx context.Context,
	reader chain.InvoiceReader,
	candidates []*domain.Invoice,
	tipHeight, minConf uint64,
) (int, error) {
	applied := 0
	for _, inv := range candidates {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		if !inv.Status.Refundable() || !chain.ValidID(inv.ID) {
			continue
		}
		onchain, ok, err := reader.ReadInvoice(ctx, inv.ID)
		if err != nil {
			a.log.Warn("Refund sweep: failed to read invoice", "invoice_id", inv.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		key := fmt.Sprintf("sweep:%s:%d", inv.ID, onchain.RefundAmountSats)
		if onchain.RefundAmountSats <= inv.RefundAmount {
			if err := a.resumeSweepRefund(ctx, inv, key); err != nil {
				return applied, err
			}
			continue
		}
		if onchain.RefundedAt == nil || domain.Confirmations(tipHeight, *onchain.RefundedAt) < minConf {
			continue
		}

		delta := onchain.RefundAmountSats - inv.RefundAmount
		ok, err = a.refund(ctx, inv.ID, key, "", delta, "sweep")
		if ok {
			applied++
			metrics.SweepApplied.WithLabelValues("refund").Inc()
		}
		if err != nil {
			return applied, err
		}
	}
	return applied, nil
}

// resumeSweepRefund re-emits the refund a previous sweep applied under key
// when its webhook was never recorded.
func (a *InvoiceEventApplier) resumeSweepRefund(ctx context.Context, inv *domain.Invoice, key string) error {
	if inv.RefundAmount == 0 {
		return nil
	}
	recorded, ok, err := a.invoices.GetRefund(ctx, inv.ID, key)
	if err != nil {
		return fmt.Errorf("failed to look up refund %s: %w", key, err)
	}
	if !ok {
		return nil
	}
	return a.emitRefund(ctx, inv.ID, key, "", recorded, false)
}

// isPaid reports whether the status is paid or any refund state after it.
func isPaid(s domain.InvoiceStatus) bool {
	switch s {
	case domain.InvoicePaid, domain.InvoicePartiallyRefunded, domain.InvoiceRefunded:
		return true
	}
	return false
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
