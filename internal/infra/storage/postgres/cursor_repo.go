package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vietddude/paywatch/internal/core/domain"
)

// CursorRepo implements storage.CursorRepository using PostgreSQL.
type CursorRepo struct {
	db *DB
}

// NewCursorRepo creates a new PostgreSQL cursor repository.
func NewCursorRepo(db *DB) *CursorRepo {
	return &CursorRepo{db: db}
}

// Get retrieves the cursor, or nil when none has been persisted.
func (r *CursorRepo) Get(ctx context.Context) (*domain.Cursor, error) {
	var c domain.Cursor
	err := r.db.GetContext(ctx, &c,
		`SELECT last_height, last_block_hash, last_tx_id, updated_at FROM poller_cursor WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}
	return &c, nil
}

// Save upserts the single cursor row.
func (r *CursorRepo) Save(ctx context.Context, cursor *domain.Cursor) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO poller_cursor (id, last_height, last_block_hash, last_tx_id, updated_at)
		VALUES (1, $1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE SET
			last_height = EXCLUDED.last_height,
			last_block_hash = EXCLUDED.last_block_hash,
			last_tx_id = EXCLUDED.last_tx_id,
			updated_at = EXCLUDED.updated_at`,
		int64(cursor.LastHeight), cursor.LastBlockHash, cursor.LastTxID)
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}
