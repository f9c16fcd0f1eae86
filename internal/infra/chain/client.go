package chain

import (
	"context"
	"errors"
	"regexp"
	"sync"

	"github.com/vietddude/paywatch/internal/core/domain"
)

var (
	// ErrNotFound is returned for a block or contract entry the ledger does not know
	ErrNotFound = errors.New("chain: not found")

	// ErrRateLimited is returned when the ledger keeps answering 429
	ErrRateLimited = errors.New("chain: rate limited")

	// ErrInvalidID is returned for an identifier that is not 32 bytes of lowercase hex
	ErrInvalidID = errors.New("chain: invalid id")
)

var idPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ValidID reports whether id is a 32-byte lowercase hex identifier.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// EventQuery selects contract-call events at or above FromHeight.
type EventQuery struct {
	FromHeight uint64
	Limit      int // page size, 0 for the client default
	MaxPages   int // 0 for the client default
}

// Client is the ledger API consumed by the reconciliation core.
type Client interface {
	// GetTip returns the current chain head
	GetTip(ctx context.Context) (*domain.Tip, error)

	// GetBlockHeader returns the header at height, or ErrNotFound
	GetBlockHeader(ctx context.Context, height uint64) (*domain.BlockHeader, error)

	// GetContractCallEvents returns successful calls to the payment contract
	// at or above q.FromHeight, in no particular order
	GetContractCallEvents(ctx context.Context, q EventQuery) ([]*domain.RawContractCall, error)

	// ReadInvoice reads the contract's invoice entry. ok is false when the
	// contract has no entry or the tuple could not be normalized.
	ReadInvoice(ctx context.Context, idHex string) (inv *domain.OnChainInvoice, ok bool, err error)
}

// InvoiceReader is the slice of Client used by the appliers and sweeps.
type InvoiceReader interface {
	ReadInvoice(ctx context.Context, idHex string) (*domain.OnChainInvoice, bool, error)
}

type invoiceRead struct {
	inv *domain.OnChainInvoice
	ok  bool
}

// InvoiceCache memoizes ReadInvoice for the lifetime of one tick, so the
// sweeps and the event path agree on a single chain view. Errors are not
// cached.
type InvoiceCache struct {
	reader InvoiceReader
	mu     sync.Mutex
	reads  map[string]invoiceRead
}

// NewInvoiceCache wraps reader with a fresh cache.
func NewInvoiceCache(reader InvoiceReader) *InvoiceCache {
	return &InvoiceCache{reader: reader, reads: make(map[string]invoiceRead)}
}

func (c *InvoiceCache) ReadInvoice(ctx context.Context, idHex string) (*domain.OnChainInvoice, bool, error) {
	c.mu.Lock()
	r, hit := c.reads[idHex]
	c.mu.Unlock()
	if hit {
		return r.inv, r.ok, nil
	}

	inv, ok, err := c.reader.ReadInvoice(ctx, idHex)
	if err != nil {
		return nil, false, err
	}
	c.mu.Lock()
	c.reads[idHex] = invoiceRead{inv: inv, ok: ok}
	c.mu.Unlock()
	return inv, ok, nil
}
