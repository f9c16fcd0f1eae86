package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/vietddude/paywatch/internal/core/domain"
	"github.com/vietddude/paywatch/internal/indexing/metrics"
	"github.com/vietddude/paywatch/internal/infra/storage"
)

// Event is one notification to deliver.
type Event struct {
	StoreID        string
	InvoiceID      string
	SubscriptionID string
	Type           domain.EventType
	Key            string // set for events that repeat per entity
	Payload        any
	Attempts       int // 0 means first attempt
}

// EntityID returns the invoice or subscription id.
func (e Event) EntityID() string {
	if e.InvoiceID != "" {
		return e.InvoiceID
	}
	return e.SubscriptionID
}

type target struct {
	url    string
	secret string
}

// Dispatcher resolves where an event goes, signs it and sends it.
type Dispatcher struct {
	merchants storage.MerchantRepository
	invoices  storage.InvoiceRepository
	planner   *Planner
	signer    *SignatureService
	scheduler *RetryScheduler
	client    *http.Client
	log       *slog.Logger
	now       func() time.Time
}

// NewDispatcher creates a dispatcher and binds it to the scheduler, which
// uses it to send due retries.
func NewDispatcher(
	merchants storage.MerchantRepository,
	invoices storage.InvoiceRepository,
	planner *Planner,
	signer *SignatureService,
	scheduler *RetryScheduler,
	timeout time.Duration,
) *Dispatcher {
	d := &Dispatcher{
		merchants: merchants,
		invoices:  invoices,
		planner:   planner,
		signer:    signer,
		scheduler: scheduler,
		client:    &http.Client{Timeout: timeout},
		log:       slog.Default().With("component", "webhook"),
		now:       time.Now,
	}
	if scheduler != nil {
		scheduler.deliverer = d
	}
	return d
}

// Dispatch records and sends ev. A store without a webhook URL is a silent
// no-op. Delivery failures are not returned: they are recorded and retried.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	t, err := d.resolve(ctx, ev.StoreID, ev.InvoiceID)
	if err != nil {
		return err
	}
	if t == nil {
		return nil
	}

	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", ev.Type, err)
	}

	a, err := d.planner.Record(ctx, ev, payload)
	if err != nil {
		return err
	}
	claimed, err := d.planner.repo.Claim(ctx, a.ID, d.now())
	if err != nil {
		return fmt.Errorf("failed to claim webhook attempt: %w", err)
	}
	if !claimed {
		return nil
	}
	return d.send(ctx, a, t)
}

// Deliver sends an already recorded attempt row, e.g. a due retry. Rows
// another worker claimed first are skipped.
func (d *Dispatcher) Deliver(ctx context.Context, a *domain.WebhookAttempt) error {
	invoiceID := ""
	if a.InvoiceID != nil {
		invoiceID = *a.InvoiceID
	}
	t, err := d.resolve(ctx, a.StoreID, invoiceID)
	if err != nil {
		return err
	}

	claimed, err := d.planner.repo.Claim(ctx, a.ID, d.now())
	if err != nil {
		return fmt.Errorf("failed to claim webhook attempt: %w", err)
	}
	if !claimed {
		return nil
	}
	if t == nil {
		// Destination removed since the row was written.
		return d.planner.repo.MarkFailed(ctx, a.ID, nil, d.now())
	}
	return d.send(ctx, a, t)
}

// resolve returns nil when the store has no destination or no secret.
func (d *Dispatcher) resolve(ctx context.Context, storeID, invoiceID string) (*target, error) {
	t := &target{}
	if invoiceID != "" {
		inv, err := d.invoices.Get(ctx, invoiceID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("failed to load invoice %s: %w", invoiceID, err)
		}
		if inv != nil && inv.WebhookURL != nil {
			t.url = *inv.WebhookURL
		}
	}

	m, err := d.merchants.Get(ctx, storeID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load merchant %s: %w", storeID, err)
	}
	if m != nil {
		if t.url == "" && m.WebhookURL != nil {
			t.url = *m.WebhookURL
		}
		if m.WebhookSecret != nil {
			t.secret = *m.WebhookSecret
		}
	}

	if t.url == "" {
		return nil, nil
	}
	if t.secret == "" {
		d.log.Warn("Webhook URL configured without a secret, skipping", "store_id", storeID)
		return nil, nil
	}
	return t, nil
}

func (d *Dispatcher) send(ctx context.Context, a *domain.WebhookAttempt, t *target) error {
	code, err := d.post(ctx, a, t)
	if err == nil && code >= 200 && code < 300 {
		metrics.WebhookDeliveries.WithLabelValues(string(a.EventType), "delivered").Inc()
		if err := d.planner.MarkSuccess(ctx, a, code); err != nil {
			return fmt.Errorf("failed to mark webhook delivered: %w", err)
		}
		return nil
	}

	metrics.WebhookDeliveries.WithLabelValues(string(a.EventType), "failed").Inc()
	var statusCode *int
	if err == nil {
		statusCode = &code
	}
	d.log.Warn("Webhook delivery failed",
		"store_id", a.StoreID,
		"entity_id", a.EntityID(),
		"event_type", a.EventType,
		"attempt", a.Attempts,
		"status", code,
		"error", err,
	)

	next, markErr := d.planner.MarkFailure(ctx, a, statusCode)
	if markErr != nil {
		return fmt.Errorf("failed to mark webhook failed: %w", markErr)
	}
	if next == nil {
		d.log.Error("Webhook retries exhausted",
			"store_id", a.StoreID,
			"entity_id", a.EntityID(),
			"event_type", a.EventType,
		)
		return nil
	}
	if d.scheduler != nil {
		d.scheduler.Enqueue(next, d.planner.RetryDelay(next))
	}
	return nil
}

func (d *Dispatcher) post(ctx context.Context, a *domain.WebhookAttempt, t *target) (int, error) {
	start := time.Now()
	defer func() { metrics.WebhookLatency.Observe(time.Since(start).Seconds()) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(a.Payload))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	for k, v := range d.signer.BuildOutboundHeaders(t.secret, a.Payload, d.now()) {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "paywatch-webhook/1")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}
