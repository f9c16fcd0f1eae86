package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/vietddude/paywatch/internal/core/domain"
	"github.com/vietddude/paywatch/internal/infra/storage"
)

const invoiceColumns = `id, store_id, subscription_id, amount_sats, refund_amount, status, payer,
	paid_tx_id, paid_height, webhook_url, quote_expires_at, created_at, updated_at`

// InvoiceRepo implements storage.InvoiceRepository using PostgreSQL.
type InvoiceRepo struct {
	db *DB
}

// NewInvoiceRepo creates a new PostgreSQL invoice repository.
func NewInvoiceRepo(db *DB) *InvoiceRepo {
	return &InvoiceRepo{db: db}
}

func (r *InvoiceRepo) Get(ctx context.Context, id string) (*domain.Invoice, error) {
	var inv domain.Invoice
	err := r.db.GetContext(ctx, &inv, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice %s: %w", id, err)
	}
	return &inv, nil
}

func (r *InvoiceRepo) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM invoices WHERE id = $1)`, id)
	if err != nil {
		return false, fmt.Errorf("failed to check invoice %s: %w", id, err)
	}
	return exists, nil
}

func (r *InvoiceRepo) ListByStatus(
	ctx context.Context,
	statuses []domain.InvoiceStatus,
	limit int,
) ([]*domain.Invoice, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	var out []*domain.Invoice
	err := r.db.SelectContext(ctx, &out, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE status = ANY($1)
		ORDER BY created_at, id
		LIMIT $2`, pq.Array(names), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices by status: %w", err)
	}
	return out, nil
}

func (r *InvoiceRepo) ListQuoteExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Invoice, error) {
	var out []*domain.Invoice
	err := r.db.SelectContext(ctx, &out, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE status = 'unpaid' AND quote_expires_at IS NOT NULL AND quote_expires_at < $1
		ORDER BY created_at, id
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list quote-expired invoices: %w", err)
	}
	return out, nil
}

func (r *InvoiceRepo) ListExpiredWithoutAttempt(
	ctx context.Context,
	eventType domain.EventType,
	limit int,
) ([]*domain.Invoice, error) {
	var out []*domain.Invoice
	err := r.db.SelectContext(ctx, &out, `
		SELECT `+invoiceColumns+` FROM invoices i
		WHERE i.status = 'expired'
		  AND NOT EXISTS (
			SELECT 1 FROM webhook_attempts w
			WHERE w.store_id = i.store_id AND w.invoice_id = i.id AND w.event_type = $1
		  )
		ORDER BY i.created_at, i.id
		LIMIT $2`, string(eventType), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired invoices: %w", err)
	}
	return out, nil
}

func (r *InvoiceRepo) MarkPaid(ctx context.Context, id string, p domain.Payment) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE invoices
		SET status = 'paid', paid_tx_id = NULLIF($2, ''), payer = NULLIF($3, ''), paid_height = $4, updated_at = now()
		WHERE id = $1 AND status = 'unpaid'`,
		id, p.TxID, p.Payer, int64(p.Height))
	if err != nil {
		return false, fmt.Errorf("failed to mark invoice %s paid: %w", id, err)
	}
	return r.guarded(ctx, id, res)
}

func (r *InvoiceRepo) GetRefund(ctx context.Context, id, refundKey string) (int64, bool, error) {
	var amount int64
	err := r.db.GetContext(ctx, &amount,
		`SELECT amount_sats FROM invoice_refunds WHERE refund_key = $1 AND invoice_id = $2`, refundKey, id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get refund %s: %w", refundKey, err)
	}
	return amount, true, nil
}

func (r *InvoiceRepo) MarkCanceled(ctx context.Context, id, txID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE invoices SET status = 'canceled', updated_at = now()
		WHERE id = $1 AND status = 'unpaid'`, id)
	if err != nil {
		return false, fmt.Errorf("failed to cancel invoice %s: %w", id, err)
	}
	return r.guarded(ctx, id, res)
}

// guarded turns a zero-row guarded update into (false, nil) for known
// invoices and ErrNotFound for unknown ones.
func (r *InvoiceRepo) guarded(ctx context.Context, id string, res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	exists, err := r.Exists(ctx, id)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, storage.ErrNotFound
	}
	return false, nil
}

func (r *InvoiceRepo) MarkExpired(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var marked []string
	err := r.db.SelectContext(ctx, &marked, `
		UPDATE invoices SET status = 'expired', updated_at = now()
		WHERE id = ANY($1) AND status = 'unpaid'
		RETURNING id`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to expire invoices: %w", err)
	}
	return marked, nil
}

func (r *InvoiceRepo) ApplyRefund(
	ctx context.Context,
	id, refundKey string,
	amount int64,
) (*domain.RefundResult, error) {
	var result *domain.RefundResult
	err := r.db.RunInTx(ctx, func(tx *sqlx.Tx) error {
		var row struct {
			AmountSats   int64                `db:"amount_sats"`
			RefundAmount int64                `db:"refund_amount"`
			Status       domain.InvoiceStatus `db:"status"`
		}
		err := tx.GetContext(ctx, &row,
			`SELECT amount_sats, refund_amount, status FROM invoices WHERE id = $1 FOR UPDATE`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}

		result = &domain.RefundResult{
			Status:       row.Status,
			RefundAmount: row.RefundAmount,
			AmountSats:   row.AmountSats,
		}
		if !row.Status.Refundable() || amount <= 0 {
			return nil
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO invoice_refunds (refund_key, invoice_id, amount_sats)
			VALUES ($1, $2, $3)
			ON CONFLICT (refund_key) DO NOTHING`, refundKey, id, amount)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		total := min(row.RefundAmount+amount, row.AmountSats)
		status := domain.RefundStatus(total, row.AmountSats)
		if _, err := tx.ExecContext(ctx, `
			UPDATE invoices SET refund_amount = $2, status = $3, updated_at = now()
			WHERE id = $1`, id, total, string(status)); err != nil {
			return err
		}

		result.Applied = true
		result.Status = status
		result.RefundAmount = total
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to apply refund to invoice %s: %w", id, err)
	}
	return result, nil
}

func (r *InvoiceRepo) CreateForSubscription(ctx context.Context, inv *domain.Invoice) (bool, error) {
	var paidHeight *int64
	if inv.PaidHeight != nil {
		h := int64(*inv.PaidHeight)
		paidHeight = &h
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO invoices (id, store_id, subscription_id, amount_sats, status, payer, paid_tx_id, paid_height, webhook_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		inv.ID, inv.StoreID, inv.SubscriptionID, inv.AmountSats, string(inv.Status),
		inv.Payer, inv.PaidTxID, paidHeight, inv.WebhookURL)
	if err != nil {
		return false, fmt.Errorf("failed to create subscription invoice %s: %w", inv.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
