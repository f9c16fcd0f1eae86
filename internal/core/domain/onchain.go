package domain

// OnChainInvoice is the contract's view of an invoice, normalized from
// whatever tuple shape the read-only call returned.
type OnChainInvoice struct {
	Status           InvoiceStatus
	Payer            string
	AmountSats       int64
	RefundAmountSats int64
	PaidAt           *uint64
	RefundedAt       *uint64
	ExpiresAt        *uint64
}
