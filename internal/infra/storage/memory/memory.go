package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/paywatch/internal/core/domain"
	"github.com/vietddude/paywatch/internal/infra/storage"
)

type refundEntry struct {
	invoiceID string
	amount    int64
}

// MemoryStorage keeps every table in process memory. It backs the service when
// no database URL is configured and serves as the store in tests.
type MemoryStorage struct {
	cursor        *domain.Cursor
	merchants     map[string]*domain.Merchant
	invoices      map[string]*domain.Invoice
	refundKeys    map[string]refundEntry
	subscriptions map[string]*domain.Subscription
	subPayments   map[string]struct{}
	attempts      map[string]*domain.WebhookAttempt
	attemptOrder  []string
	schedule      domain.RetrySchedule
	now           func() time.Time
	mu            sync.RWMutex
}

func NewMemoryStorage(schedule domain.RetrySchedule) *MemoryStorage {
	return &MemoryStorage{
		merchants:     make(map[string]*domain.Merchant),
		invoices:      make(map[string]*domain.Invoice),
		refundKeys:    make(map[string]refundEntry),
		subscriptions: make(map[string]*domain.Subscription),
		subPayments:   make(map[string]struct{}),
		attempts:      make(map[string]*domain.WebhookAttempt),
		schedule:      schedule,
		now:           time.Now,
	}
}

// Store returns the repository bundle backed by this storage.
func (s *MemoryStorage) Store() storage.Store {
	return storage.Store{
		Cursors:       &CursorRepo{store: s},
		Invoices:      &InvoiceRepo{store: s},
		Subscriptions: &SubscriptionRepo{store: s},
		Merchants:     &MerchantRepo{store: s},
		Webhooks:      &WebhookRepo{store: s},
	}
}

// PutMerchant seeds a merchant.
func (s *MemoryStorage) PutMerchant(m *domain.Merchant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.merchants[m.StoreID] = &cp
}

// PutInvoice seeds or overwrites an invoice.
func (s *MemoryStorage) PutInvoice(inv *domain.Invoice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *inv
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.invoices[inv.ID] = &cp
}

// Attempts returns a snapshot of the webhook log in insertion order.
func (s *MemoryStorage) Attempts() []*domain.WebhookAttempt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.WebhookAttempt, 0, len(s.attemptOrder))
	for _, id := range s.attemptOrder {
		cp := *s.attempts[id]
		out = append(out, &cp)
	}
	return out
}

// -----------------------------------------------------------------------------
// Cursor Repository
// -----------------------------------------------------------------------------

type CursorRepo struct {
	store *MemoryStorage
}

func (r *CursorRepo) Get(ctx context.Context) (*domain.Cursor, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return r.store.cursor.Clone(), nil
}

func (r *CursorRepo) Save(ctx context.Context, cursor *domain.Cursor) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c := cursor.Clone()
	c.UpdatedAt = r.store.now()
	r.store.cursor = c
	return nil
}

// -----------------------------------------------------------------------------
// Merchant Repository
// -----------------------------------------------------------------------------

type MerchantRepo struct {
	store *MemoryStorage
}

func (r *MerchantRepo) Get(ctx context.Context, storeID string) (*domain.Merchant, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	m, ok := r.store.merchants[storeID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *MerchantRepo) GetByPrincipal(ctx context.Context, principal string) (*domain.Merchant, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for _, m := range r.store.merchants {
		if m.Principal == principal {
			cp := *m
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

// -----------------------------------------------------------------------------
// Invoice Repository
// -----------------------------------------------------------------------------

type InvoiceRepo struct {
	store *MemoryStorage
}

func (r *InvoiceRepo) Get(ctx context.Context, id string) (*domain.Invoice, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	inv, ok := r.store.invoices[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (r *InvoiceRepo) Exists(ctx context.Context, id string) (bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	_, ok := r.store.invoices[id]
	return ok, nil
}

func (r *InvoiceRepo) list(match func(*domain.Invoice) bool, limit int) []*domain.Invoice {
	var out []*domain.Invoice
	for _, inv := range r.store.invoices {
		if match(inv) {
			cp := *inv
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *InvoiceRepo) ListByStatus(
	ctx context.Context,
	statuses []domain.InvoiceStatus,
	limit int,
) ([]*domain.Invoice, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return r.list(func(inv *domain.Invoice) bool {
		return slices.Contains(statuses, inv.Status)
	}, limit), nil
}

func (r *InvoiceRepo) ListQuoteExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Invoice, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return r.list(func(inv *domain.Invoice) bool {
		return inv.Status == domain.InvoiceUnpaid && inv.QuoteExpiresAt != nil && inv.QuoteExpiresAt.Before(now)
	}, limit), nil
}

func (r *InvoiceRepo) ListExpiredWithoutAttempt(
	ctx context.Context,
	eventType domain.EventType,
	limit int,
) ([]*domain.Invoice, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return r.list(func(inv *domain.Invoice) bool {
		if inv.Status != domain.InvoiceExpired {
			return false
		}
		return !r.store.hasAttempt(inv.StoreID, inv.ID, eventType, false)
	}, limit), nil
}

func (r *InvoiceRepo) MarkPaid(ctx context.Context, id string, p domain.Payment) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	inv, ok := r.store.invoices[id]
	if !ok {
		return false, storage.ErrNotFound
	}
	if inv.Status != domain.InvoiceUnpaid {
		return false, nil
	}
	inv.Status = domain.InvoicePaid
	inv.PaidTxID = nonEmpty(p.TxID)
	inv.Payer = nonEmpty(p.Payer)
	height := p.Height
	inv.PaidHeight = &height
	inv.UpdatedAt = r.store.now()
	return true, nil
}

func (r *InvoiceRepo) ApplyRefund(
	ctx context.Context,
	id, refundKey string,
	amount int64,
) (*domain.RefundResult, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	inv, ok := r.store.invoices[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	result := &domain.RefundResult{
		Status:       inv.Status,
		RefundAmount: inv.RefundAmount,
		AmountSats:   inv.AmountSats,
	}
	if !inv.Status.Refundable() || amount <= 0 {
		return result, nil
	}
	if _, seen := r.store.refundKeys[refundKey]; seen {
		return result, nil
	}
	r.store.refundKeys[refundKey] = refundEntry{invoiceID: id, amount: amount}

	inv.RefundAmount = min(inv.RefundAmount+amount, inv.AmountSats)
	inv.Status = domain.RefundStatus(inv.RefundAmount, inv.AmountSats)
	inv.UpdatedAt = r.store.now()

	result.Applied = true
	result.Status = inv.Status
	result.RefundAmount = inv.RefundAmount
	return result, nil
}

func (r *InvoiceRepo) GetRefund(ctx context.Context, id, refundKey string) (int64, bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	e, ok := r.store.refundKeys[refundKey]
	if !ok || e.invoiceID != id {
		return 0, false, nil
	}
	return e.amount, true, nil
}

func (r *InvoiceRepo) MarkCanceled(ctx context.Context, id, txID string) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	inv, ok := r.store.invoices[id]
	if !ok {
		return false, storage.ErrNotFound
	}
	if inv.Status != domain.InvoiceUnpaid {
		return false, nil
	}
	inv.Status = domain.InvoiceCanceled
	inv.UpdatedAt = r.store.now()
	return true, nil
}

func (r *InvoiceRepo) MarkExpired(ctx context.Context, ids []string) ([]string, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var marked []string
	for _, id := range ids {
		inv, ok := r.store.invoices[id]
		if !ok || inv.Status != domain.InvoiceUnpaid {
			continue
		}
		inv.Status = domain.InvoiceExpired
		inv.UpdatedAt = r.store.now()
		marked = append(marked, id)
	}
	return marked, nil
}

func (r *InvoiceRepo) CreateForSubscription(ctx context.Context, invoice *domain.Invoice) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.invoices[invoice.ID]; ok {
		return false, nil
	}
	cp := *invoice
	cp.CreatedAt = r.store.now()
	cp.UpdatedAt = cp.CreatedAt
	r.store.invoices[invoice.ID] = &cp
	return true, nil
}

// -----------------------------------------------------------------------------
// Subscription Repository
// -----------------------------------------------------------------------------

type SubscriptionRepo struct {
	store *MemoryStorage
}

func (r *SubscriptionRepo) Get(ctx context.Context, id string) (*domain.Subscription, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	sub, ok := r.store.subscriptions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (r *SubscriptionRepo) Exists(ctx context.Context, id string) (bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	_, ok := r.store.subscriptions[id]
	return ok, nil
}

func (r *SubscriptionRepo) Create(ctx context.Context, sub *domain.Subscription) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.subscriptions[sub.ID]; ok {
		return false, nil
	}
	cp := *sub
	cp.CreatedAt = r.store.now()
	cp.UpdatedAt = cp.CreatedAt
	r.store.subscriptions[sub.ID] = &cp
	return true, nil
}

func (r *SubscriptionRepo) Deactivate(ctx context.Context, id string) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	sub, ok := r.store.subscriptions[id]
	if !ok {
		return false, storage.ErrNotFound
	}
	if !sub.Active {
		return false, nil
	}
	sub.Active = false
	sub.UpdatedAt = r.store.now()
	return true, nil
}

func (r *SubscriptionRepo) RecordPayment(
	ctx context.Context,
	id string,
	p domain.SubscriptionPayment,
) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	sub, ok := r.store.subscriptions[id]
	if !ok {
		return false, storage.ErrNotFound
	}
	if _, seen := r.store.subPayments[p.TxID]; seen {
		return false, nil
	}
	r.store.subPayments[p.TxID] = struct{}{}
	sub.NextInvoiceAt += sub.IntervalBlocks
	txID := p.TxID
	sub.LastPaidTxID = &txID
	sub.UpdatedAt = r.store.now()
	return true, nil
}

// -----------------------------------------------------------------------------
// Webhook Repository
// -----------------------------------------------------------------------------

type WebhookRepo struct {
	store *MemoryStorage
}

func (r *WebhookRepo) Insert(ctx context.Context, a *domain.WebhookAttempt) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *a
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = r.store.now()
	}
	r.store.attempts[a.ID] = &cp
	r.store.attemptOrder = append(r.store.attemptOrder, a.ID)
	return nil
}

func (r *WebhookRepo) Get(ctx context.Context, id string) (*domain.WebhookAttempt, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	a, ok := r.store.attempts[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *WebhookRepo) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	a, ok := r.store.attempts[id]
	if !ok {
		return false, storage.ErrNotFound
	}
	switch a.State {
	case domain.AttemptPending:
	case domain.AttemptSending:
		if now.Sub(a.LastAttemptAt) < domain.StaleSendingAfter {
			return false, nil
		}
	default:
		return false, nil
	}
	a.State = domain.AttemptSending
	a.LastAttemptAt = now
	return true, nil
}

func (r *WebhookRepo) MarkDelivered(ctx context.Context, id string, statusCode int, at time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	a, ok := r.store.attempts[id]
	if !ok {
		return storage.ErrNotFound
	}
	a.State = domain.AttemptDelivered
	a.Success = true
	code := statusCode
	a.StatusCode = &code
	a.LastAttemptAt = at
	return nil
}

func (r *WebhookRepo) MarkFailed(ctx context.Context, id string, statusCode *int, at time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	a, ok := r.store.attempts[id]
	if !ok {
		return storage.ErrNotFound
	}
	a.State = domain.AttemptFailed
	a.Success = false
	a.StatusCode = statusCode
	a.LastAttemptAt = at
	return nil
}

func (r *WebhookRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.WebhookAttempt, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.WebhookAttempt
	for _, id := range r.store.attemptOrder {
		a := r.store.attempts[id]
		if !r.store.schedule.IsDue(a, now) {
			continue
		}
		cp := *a
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *WebhookRepo) ExistsSuccessfulDeliveryFor(
	ctx context.Context,
	storeID, entityID string,
	eventType domain.EventType,
) (bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return r.store.hasAttempt(storeID, entityID, eventType, true), nil
}

func (r *WebhookRepo) ExistsAttemptFor(
	ctx context.Context,
	storeID, entityID string,
	eventType domain.EventType,
) (bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return r.store.hasAttempt(storeID, entityID, eventType, false), nil
}

func (r *WebhookRepo) ExistsAttemptForKey(
	ctx context.Context,
	storeID string,
	eventType domain.EventType,
	key string,
) (bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for _, a := range r.store.attempts {
		if a.StoreID == storeID && a.EventType == eventType && a.EventKey != nil && *a.EventKey == key {
			return true, nil
		}
	}
	return false, nil
}

func (r *WebhookRepo) CountPending(ctx context.Context) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	n := 0
	for _, a := range r.store.attempts {
		if a.State == domain.AttemptPending || a.State == domain.AttemptSending {
			n++
		}
	}
	return n, nil
}

// hasAttempt must be called with mu held.
func (s *MemoryStorage) hasAttempt(storeID, entityID string, eventType domain.EventType, successOnly bool) bool {
	for _, a := range s.attempts {
		if a.StoreID != storeID || a.EventType != eventType || a.EntityID() != entityID {
			continue
		}
		if !successOnly || a.Success {
			return true
		}
	}
	return false
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
