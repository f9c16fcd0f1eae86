package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/paywatch/internal/core/domain"
)

var (
	// ErrNotFound is returned when a record doesn't exist
	ErrNotFound = errors.New("record not found")
)

// CursorRepository persists the poller cursor. There is exactly one cursor.
type CursorRepository interface {
	// Get returns the stored cursor, or nil when none has been saved yet
	Get(ctx context.Context) (*domain.Cursor, error)

	// Save upserts the cursor
	Save(ctx context.Context, cursor *domain.Cursor) error
}

// InvoiceRepository handles invoice reads and guarded status mutations.
// Every mutation returns applied=false when the guard rejected it, so
// re-applying the same event is a no-op.
type InvoiceRepository interface {
	// Get retrieves an invoice by id
	Get(ctx context.Context, id string) (*domain.Invoice, error)

	// Exists reports whether an invoice with this id is known locally
	Exists(ctx context.Context, id string) (bool, error)

	// ListByStatus returns up to limit invoices in any of the given statuses,
	// oldest first
	ListByStatus(ctx context.Context, statuses []domain.InvoiceStatus, limit int) ([]*domain.Invoice, error)

	// ListQuoteExpired returns unpaid invoices whose quote deadline is before now
	ListQuoteExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Invoice, error)

	// ListExpiredWithoutAttempt returns expired invoices that have no webhook
	// attempt row for the given event type
	ListExpiredWithoutAttempt(ctx context.Context, eventType domain.EventType, limit int) ([]*domain.Invoice, error)

	// MarkPaid moves an unpaid invoice to paid
	MarkPaid(ctx context.Context, id string, payment domain.Payment) (bool, error)

	// ApplyRefund adds amount to the cumulative refund, keyed by refundKey so
	// the same refund is counted once. The total is clamped to amount_sats.
	ApplyRefund(ctx context.Context, id, refundKey string, amount int64) (*domain.RefundResult, error)

	// GetRefund returns the amount recorded for refundKey on the invoice, and
	// false when that refund was never applied
	GetRefund(ctx context.Context, id, refundKey string) (int64, bool, error)

	// MarkCanceled moves an unpaid invoice to canceled
	MarkCanceled(ctx context.Context, id, txID string) (bool, error)

	// MarkExpired moves the unpaid invoices among ids to expired and returns
	// the ids that actually transitioned
	MarkExpired(ctx context.Context, ids []string) ([]string, error)

	// CreateForSubscription inserts the paid invoice generated for a
	// subscription period. Returns false if it already exists.
	CreateForSubscription(ctx context.Context, invoice *domain.Invoice) (bool, error)
}

// SubscriptionRepository handles subscription lifecycle persistence.
type SubscriptionRepository interface {
	// Get retrieves a subscription by id
	Get(ctx context.Context, id string) (*domain.Subscription, error)

	// Exists reports whether a subscription with this id is known locally
	Exists(ctx context.Context, id string) (bool, error)

	// Create inserts a subscription. Returns false if it already exists.
	Create(ctx context.Context, sub *domain.Subscription) (bool, error)

	// Deactivate marks an active subscription inactive
	Deactivate(ctx context.Context, id string) (bool, error)

	// RecordPayment advances next_invoice_at by one interval for a payment
	// not seen before. Returns false for a repeated txID.
	RecordPayment(ctx context.Context, id string, payment domain.SubscriptionPayment) (bool, error)
}

// MerchantRepository resolves stores and their webhook settings.
type MerchantRepository interface {
	// Get retrieves a merchant by store id
	Get(ctx context.Context, storeID string) (*domain.Merchant, error)

	// GetByPrincipal retrieves a merchant by on-chain principal
	GetByPrincipal(ctx context.Context, principal string) (*domain.Merchant, error)
}

// WebhookRepository is the append-only webhook attempt log.
type WebhookRepository interface {
	// Insert appends an attempt row
	Insert(ctx context.Context, attempt *domain.WebhookAttempt) error

	// Get retrieves an attempt row
	Get(ctx context.Context, id string) (*domain.WebhookAttempt, error)

	// Claim moves a pending (or stale sending) row to sending. Only the
	// caller that gets true may send it.
	Claim(ctx context.Context, id string, now time.Time) (bool, error)

	// MarkDelivered records a 2xx response
	MarkDelivered(ctx context.Context, id string, statusCode int, at time.Time) error

	// MarkFailed records a non-2xx response or transport failure
	MarkFailed(ctx context.Context, id string, statusCode *int, at time.Time) error

	// ListDue returns pending rows whose backoff has elapsed, and sending
	// rows left stale by a crash
	ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.WebhookAttempt, error)

	// ExistsSuccessfulDeliveryFor reports whether a 2xx delivery was recorded
	ExistsSuccessfulDeliveryFor(ctx context.Context, storeID, entityID string, eventType domain.EventType) (bool, error)

	// ExistsAttemptFor reports whether any attempt row was recorded
	ExistsAttemptFor(ctx context.Context, storeID, entityID string, eventType domain.EventType) (bool, error)

	// ExistsAttemptForKey reports whether any attempt row was recorded for
	// one occurrence of a repeating event, such as a single refund
	ExistsAttemptForKey(ctx context.Context, storeID string, eventType domain.EventType, key string) (bool, error)

	// CountPending returns the number of rows not yet delivered or failed
	CountPending(ctx context.Context) (int, error)
}

// Store bundles every repository the reconciliation core consumes.
type Store struct {
	Cursors       CursorRepository
	Invoices      InvoiceRepository
	Subscriptions SubscriptionRepository
	Merchants     MerchantRepository
	Webhooks      WebhookRepository
}
