package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/paywatch/internal/core/domain"
	"github.com/vietddude/paywatch/internal/infra/storage"
)

const subscriptionColumns = `id, store_id, merchant_principal, subscriber, amount_sats, interval_blocks,
	active, next_invoice_at, last_paid_tx_id, created_tx_id, created_at, updated_at`

// SubscriptionRepo implements storage.SubscriptionRepository using PostgreSQL.
type SubscriptionRepo struct {
	db *DB
}

// NewSubscriptionRepo creates a new PostgreSQL subscription repository.
func NewSubscriptionRepo(db *DB) *SubscriptionRepo {
	return &SubscriptionRepo{db: db}
}

func (r *SubscriptionRepo) Get(ctx context.Context, id string) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := r.db.GetContext(ctx, &sub, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription %s: %w", id, err)
	}
	return &sub, nil
}

func (r *SubscriptionRepo) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM subscriptions WHERE id = $1)`, id)
	if err != nil {
		return false, fmt.Errorf("failed to check subscription %s: %w", id, err)
	}
	return exists, nil
}

func (r *SubscriptionRepo) Create(ctx context.Context, sub *domain.Subscription) (bool, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, store_id, merchant_principal, subscriber, amount_sats,
			interval_blocks, active, next_invoice_at, created_tx_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sub.ID, sub.StoreID, sub.MerchantPrincipal, sub.Subscriber, sub.AmountSats,
		int64(sub.IntervalBlocks), sub.Active, int64(sub.NextInvoiceAt), sub.CreatedTxID)
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create subscription %s: %w", sub.ID, err)
	}
	return true, nil
}

func (r *SubscriptionRepo) Deactivate(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE subscriptions SET active = FALSE, updated_at = now()
		WHERE id = $1 AND active`, id)
	if err != nil {
		return false, fmt.Errorf("failed to deactivate subscription %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
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

func (r *SubscriptionRepo) RecordPayment(
	ctx context.Context,
	id string,
	p domain.SubscriptionPayment,
) (bool, error) {
	applied := false
	err := r.db.RunInTx(ctx, func(tx *sqlx.Tx) error {
		var interval int64
		err := tx.GetContext(ctx, &interval,
			`SELECT interval_blocks FROM subscriptions WHERE id = $1 FOR UPDATE`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO subscription_payments (tx_id, subscription_id, invoice_id, payer, amount_sats, height)
			VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6)
			ON CONFLICT (tx_id) DO NOTHING`,
			p.TxID, id, p.InvoiceID, p.Payer, p.AmountSats, int64(p.Height))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE subscriptions
			SET next_invoice_at = next_invoice_at + $2, last_paid_tx_id = $3, updated_at = now()
			WHERE id = $1`, id, interval, p.TxID); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, err
		}
		return false, fmt.Errorf("failed to record subscription payment %s: %w", p.TxID, err)
	}
	return applied, nil
}
