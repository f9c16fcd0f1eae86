package domain

// Tip is the current head of the chain.
type Tip struct {
	Height    uint64
	BlockHash string
}

// BlockHeader is the subset of a block needed for ancestry checks.
type BlockHeader struct {
	Height          uint64
	BlockHash       string
	ParentBlockHash string
}

// Confirmations returns tip - height + 1, or 0 when the block is above the tip.
func Confirmations(tipHeight, blockHeight uint64) uint64 {
	if blockHeight > tipHeight {
		return 0
	}
	return tipHeight - blockHeight + 1
}
