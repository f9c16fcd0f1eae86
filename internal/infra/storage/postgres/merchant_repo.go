package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vietddude/paywatch/internal/core/domain"
	"github.com/vietddude/paywatch/internal/infra/storage"
)

// MerchantRepo implements storage.MerchantRepository using PostgreSQL.
type MerchantRepo struct {
	db *DB
}

// NewMerchantRepo creates a new PostgreSQL merchant repository.
func NewMerchantRepo(db *DB) *MerchantRepo {
	return &MerchantRepo{db: db}
}

func (r *MerchantRepo) Get(ctx context.Context, storeID string) (*domain.Merchant, error) {
	return r.getBy(ctx, "store_id", storeID)
}

func (r *MerchantRepo) GetByPrincipal(ctx context.Context, principal string) (*domain.Merchant, error) {
	return r.getBy(ctx, "principal", principal)
}

func (r *MerchantRepo) getBy(ctx context.Context, column, value string) (*domain.Merchant, error) {
	var m domain.Merchant
	err := r.db.GetContext(ctx, &m,
		`SELECT store_id, principal, webhook_url, webhook_secret FROM merchants WHERE `+column+` = $1`, value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get merchant by %s: %w", column, err)
	}
	return &m, nil
}
