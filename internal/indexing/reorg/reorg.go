// Package reorg detects chain reorganizations between poller ticks.
//
// # Detection
//
// The cursor stores the hash of the last fully processed block. On the next
// tick the header of the first unprocessed block is fetched and its parent
// hash compared to the stored hash:
//   - tip below the cursor: the chain shrank, reorg
//   - cursor at height 0: bootstrap, nothing to compare
//   - parent hash mismatch: reorg
//
// # Recovery
//
// There is no common-ancestor walk. A detected reorg rewinds the next fetch
// by a fixed window of blocks, and every applier tolerates seeing an event a
// second time.
//
//	guard := reorg.NewGuard(client)
//	if detected, _ := guard.DetectReorg(ctx, cur.LastHeight+1, tip, cur); detected {
//	    from := reorg.ComputeRewindTarget(cur, window)
//	}
package reorg

import (
	"context"
	"fmt"
	"strings"

	"github.com/vietddude/paywatch/internal/core/domain"
)

// HeaderFetcher reads block headers from the ledger.
type HeaderFetcher interface {
	GetBlockHeader(ctx context.Context, height uint64) (*domain.BlockHeader, error)
}

// Guard compares the cursor against current chain ancestry.
type Guard struct {
	headers HeaderFetcher
}

// NewGuard creates a reorg guard.
func NewGuard(headers HeaderFetcher) *Guard {
	return &Guard{headers: headers}
}

// DetectReorg reports whether the block the cursor points at is no longer on
// the canonical chain. firstHeight is the first height not yet processed.
func (g *Guard) DetectReorg(
	ctx context.Context,
	firstHeight uint64,
	tip *domain.Tip,
	cur *domain.Cursor,
) (bool, error) {
	if tip.Height < cur.LastHeight {
		return true, nil
	}
	if cur.LastHeight == 0 || cur.LastBlockHash == "" {
		return false, nil
	}

	if firstHeight > tip.Height {
		// Nothing new since the last tick; the tip itself must still match.
		if tip.Height == cur.LastHeight && tip.BlockHash != "" {
			return !SameHash(tip.BlockHash, cur.LastBlockHash), nil
		}
		return false, nil
	}

	header, err := g.headers.GetBlockHeader(ctx, firstHeight)
	if err != nil {
		return false, fmt.Errorf("failed to get header %d: %w", firstHeight, err)
	}
	return !SameHash(header.ParentBlockHash, cur.LastBlockHash), nil
}

// ComputeRewindTarget returns lastHeight - window, floored at zero.
func ComputeRewindTarget(cur *domain.Cursor, window uint64) uint64 {
	if cur.LastHeight <= window {
		return 0
	}
	return cur.LastHeight - window
}

// SameHash compares block hashes ignoring case and a 0x prefix.
func SameHash(a, b string) bool {
	return trimHash(a) == trimHash(b)
}

func trimHash(h string) string {
	return strings.TrimPrefix(strings.ToLower(h), "0x")
}
