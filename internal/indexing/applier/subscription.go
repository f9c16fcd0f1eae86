package applier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/vietddude/paywatch/internal/core/domain"
	"github.com/vietddude/paywatch/internal/infra/storage"
	"github.com/vietddude/paywatch/internal/webhook"
)

// SubscriptionLifecycleProcessor applies create, cancel and pay events for
// subscriptions.
type SubscriptionLifecycleProcessor struct {
	subscriptions storage.SubscriptionRepository
	invoices      storage.InvoiceRepository
	merchants     storage.MerchantRepository
	webhooks      storage.WebhookRepository
	dispatcher    Dispatcher
	log           *slog.Logger
}

func NewSubscriptionLifecycleProcessor(store storage.Store, dispatcher Dispatcher) *SubscriptionLifecycleProcessor {
	return &SubscriptionLifecycleProcessor{
		subscriptions: store.Subscriptions,
		invoices:      store.Invoices,
		merchants:     store.Merchants,
		webhooks:      store.Webhooks,
		dispatcher:    dispatcher,
		log:           slog.Default().With("component", "subscription-processor"),
	}
}

// Apply routes ev to its handler.
func (p *SubscriptionLifecycleProcessor) Apply(ctx context.Context, ev *domain.NormalizedEvent) error {
	switch ev.Type {
	case domain.EventSubscriptionCreated:
		return p.Create(ctx, ev)
	case domain.EventSubscriptionCanceled:
		return p.Cancel(ctx, ev)
	case domain.EventSubscriptionPaid:
		return p.Pay(ctx, ev)
	default:
		return fmt.Errorf("not a subscription event: %s", ev.Type)
	}
}

// Create stores a new active subscription for the merchant that owns the
// principal. Subscriptions for unknown merchants are ignored.
func (p *SubscriptionLifecycleProcessor) Create(ctx context.Context, ev *domain.NormalizedEvent) error {
	if ev.AmountSats == nil || ev.IntervalBlocks == nil {
		return nil
	}
	merchant, err := p.merchants.GetByPrincipal(ctx, ev.MerchantPrincipal)
	if err != nil {
		if isNotFound(err) {
			p.log.Debug("Dropping subscription for unknown merchant",
				"subscription_id", ev.IDHex, "merchant", ev.MerchantPrincipal)
			return nil
		}
		return fmt.Errorf("failed to resolve merchant %s: %w", ev.MerchantPrincipal, err)
	}

	created, err := p.subscriptions.Create(ctx, &domain.Subscription{
		ID:                ev.IDHex,
		StoreID:           merchant.StoreID,
		MerchantPrincipal: ev.MerchantPrincipal,
		Subscriber:        ev.Subscriber,
		AmountSats:        *ev.AmountSats,
		IntervalBlocks:    *ev.IntervalBlocks,
		Active:            true,
		NextInvoiceAt:     ev.BlockHeight,
		CreatedTxID:       ev.TxID,
	})
	if err != nil {
		return fmt.Errorf("failed to create subscription %s: %w", ev.IDHex, err)
	}
	countEvent(ev.Type, created)
	return p.emitLifecycle(ctx, ev, created, "active")
}

// Cancel deactivates an active subscription.
func (p *SubscriptionLifecycleProcessor) Cancel(ctx context.Context, ev *domain.NormalizedEvent) error {
	applied, err := p.subscriptions.Deactivate(ctx, ev.IDHex)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to cancel subscription %s: %w", ev.IDHex, err)
	}
	countEvent(ev.Type, applied)
	return p.emitLifecycle(ctx, ev, applied, "canceled")
}

func (p *SubscriptionLifecycleProcessor) emitLifecycle(
	ctx context.Context,
	ev *domain.NormalizedEvent,
	applied bool,
	status string,
) error {
	sub, err := p.subscriptions.Get(ctx, ev.IDHex)
	if err != nil {
		return fmt.Errorf("failed to reload subscription %s: %w", ev.IDHex, err)
	}
	if (status == "active") != sub.Active {
		return nil
	}
	if applied {
		p.log.Info("Subscription "+status, "subscription_id", sub.ID, "store_id", sub.StoreID)
	}
	return emitGuarded(ctx, p.webhooks, p.dispatcher, applied, webhook.Event{
		StoreID:        sub.StoreID,
		SubscriptionID: sub.ID,
		Type:           ev.Type,
		Payload: SubscriptionPayload{
			SubscriptionID:    sub.ID,
			Status:            status,
			TxID:              ev.TxID,
			MerchantPrincipal: sub.MerchantPrincipal,
			Subscriber:        sub.Subscriber,
			AmountSats:        sub.AmountSats,
			IntervalBlocks:    sub.IntervalBlocks,
			NextInvoiceAt:     sub.NextInvoiceAt,
		},
	})
}

// Pay records one paid period: it creates the paid invoice for the period
// and advances next_invoice_at by the subscription interval. A payment
// transaction is counted once; its webhook is sent until an attempt for the
// period is recorded.
func (p *SubscriptionLifecycleProcessor) Pay(ctx context.Context, ev *domain.NormalizedEvent) error {
	sub, err := p.subscriptions.Get(ctx, ev.IDHex)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load subscription %s: %w", ev.IDHex, err)
	}

	amount := sub.AmountSats
	if ev.AmountSats != nil {
		amount = *ev.AmountSats
	}
	invoiceID := PeriodInvoiceID(sub.ID, ev.TxID)
	subID := sub.ID
	txID := ev.TxID
	height := ev.BlockHeight
	inv := &domain.Invoice{
		ID:             invoiceID,
		StoreID:        sub.StoreID,
		SubscriptionID: &subID,
		AmountSats:     amount,
		Status:         domain.InvoicePaid,
		PaidTxID:       &txID,
		PaidHeight:     &height,
	}
	if ev.Sender != "" {
		payer := ev.Sender
		inv.Payer = &payer
	}
	if _, err := p.invoices.CreateForSubscription(ctx, inv); err != nil {
		return fmt.Errorf("failed to create invoice for subscription %s: %w", sub.ID, err)
	}

	recorded, err := p.subscriptions.RecordPayment(ctx, sub.ID, domain.SubscriptionPayment{
		SubscriptionID: sub.ID,
		InvoiceID:      invoiceID,
		TxID:           ev.TxID,
		Payer:          ev.Sender,
		AmountSats:     amount,
		Height:         ev.BlockHeight,
	})
	if err != nil {
		return fmt.Errorf("failed to record subscription payment %s: %w", ev.TxID, err)
	}
	countEvent(ev.Type, recorded)

	sub, err = p.subscriptions.Get(ctx, sub.ID)
	if err != nil {
		return fmt.Errorf("failed to reload subscription %s: %w", ev.IDHex, err)
	}
	if recorded {
		p.log.Info("Subscription payment recorded",
			"subscription_id", sub.ID,
			"invoice_id", invoiceID,
			"next_invoice_at", sub.NextInvoiceAt,
		)
	}
	return emitGuarded(ctx, p.webhooks, p.dispatcher, recorded, webhook.Event{
		StoreID:        sub.StoreID,
		SubscriptionID: sub.ID,
		Type:           domain.EventSubscriptionPaid,
		Key:            invoiceID,
		Payload: SubscriptionPaidPayload{
			SubscriptionID: sub.ID,
			InvoiceID:      invoiceID,
			Status:         string(domain.InvoicePaid),
			TxID:           ev.TxID,
			Payer:          ev.Sender,
			AmountSats:     amount,
			NextInvoiceAt:  sub.NextInvoiceAt,
		},
	})
}

// PeriodInvoiceID derives the invoice id for a subscription payment, so a
// replayed payment maps to the same invoice.
func PeriodInvoiceID(subscriptionID, txID string) string {
	sum := sha256.Sum256([]byte(subscriptionID + ":" + txID))
	return hex.EncodeToString(sum[:])
}
