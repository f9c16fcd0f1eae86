package domain

import "time"

// Subscription is a recurring payment agreement between a merchant and a subscriber.
type Subscription struct {
	ID                string    `db:"id"`
	StoreID           string    `db:"store_id"`
	MerchantPrincipal string    `db:"merchant_principal"`
	Subscriber        string    `db:"subscriber"`
	AmountSats        int64     `db:"amount_sats"`
	IntervalBlocks    uint64    `db:"interval_blocks"`
	Active            bool      `db:"active"`
	NextInvoiceAt     uint64    `db:"next_invoice_at"`
	LastPaidTxID      *string   `db:"last_paid_tx_id"`
	CreatedTxID       string    `db:"created_tx_id"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

// SubscriptionPayment records one paid subscription period.
type SubscriptionPayment struct {
	SubscriptionID string
	InvoiceID      string
	TxID           string
	Payer          string
	AmountSats     int64
	Height         uint64
}
