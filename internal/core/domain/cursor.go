package domain

import "time"

// Cursor is the persisted pointer to the last fully processed, reorg-safe
// chain position.
type Cursor struct {
	LastHeight    uint64    `db:"last_height"     json:"last_height"`
	LastBlockHash string    `db:"last_block_hash" json:"last_block_hash,omitempty"`
	LastTxID      string    `db:"last_tx_id"      json:"last_tx_id,omitempty"`
	UpdatedAt     time.Time `db:"updated_at"      json:"updated_at"`
}

// Clone returns a copy safe to hand to another goroutine.
func (c *Cursor) Clone() *Cursor {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}
