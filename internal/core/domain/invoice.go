package domain

import "time"

type InvoiceStatus string

const (
	InvoiceUnpaid            InvoiceStatus = "unpaid"
	InvoicePaid              InvoiceStatus = "paid"
	InvoicePartiallyRefunded InvoiceStatus = "partially_refunded"
	InvoiceRefunded          InvoiceStatus = "refunded"
	InvoiceCanceled          InvoiceStatus = "canceled"
	InvoiceExpired           InvoiceStatus = "expired"
)

// invoiceTransitions lists the allowed status moves. Nothing returns to unpaid.
var invoiceTransitions = map[InvoiceStatus][]InvoiceStatus{
	InvoiceUnpaid:            {InvoicePaid, InvoiceCanceled, InvoiceExpired},
	InvoicePaid:              {InvoicePartiallyRefunded, InvoiceRefunded},
	InvoicePartiallyRefunded: {InvoicePartiallyRefunded, InvoiceRefunded},
	InvoiceRefunded:          {InvoicePartiallyRefunded},
}

// CanTransition reports whether an invoice may move from one status to another.
func (s InvoiceStatus) CanTransition(to InvoiceStatus) bool {
	for _, t := range invoiceTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Refundable reports whether refunds may still be applied.
func (s InvoiceStatus) Refundable() bool {
	return s == InvoicePaid || s == InvoicePartiallyRefunded
}

// RefundStatus returns the status implied by a cumulative refund total.
func RefundStatus(refunded, amount int64) InvoiceStatus {
	if refunded >= amount {
		return InvoiceRefunded
	}
	return InvoicePartiallyRefunded
}

// Invoice is the store's invoice record.
type Invoice struct {
	ID             string        `db:"id"`
	StoreID        string        `db:"store_id"`
	SubscriptionID *string       `db:"subscription_id"`
	AmountSats     int64         `db:"amount_sats"`
	RefundAmount   int64         `db:"refund_amount"`
	Status         InvoiceStatus `db:"status"`
	Payer          *string       `db:"payer"`
	PaidTxID       *string       `db:"paid_tx_id"`
	PaidHeight     *uint64       `db:"paid_height"`
	WebhookURL     *string       `db:"webhook_url"`
	QuoteExpiresAt *time.Time    `db:"quote_expires_at"`
	CreatedAt      time.Time     `db:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at"`
}

// Payment describes an observed invoice payment.
type Payment struct {
	TxID   string
	Payer  string
	Height uint64
}

// RefundResult is the invoice state after a refund application.
type RefundResult struct {
	Applied      bool
	Status       InvoiceStatus
	RefundAmount int64
	AmountSats   int64
}
