package applier

// Webhook bodies. Field names are part of the merchant-facing contract.

type PaidPayload struct {
	InvoiceID  string  `json:"invoiceId"`
	Status     string  `json:"status"`
	TxID       *string `json:"txId"`
	Payer      *string `json:"payer"`
	AmountSats int64   `json:"amountSats"`
}

type RefundPayload struct {
	InvoiceID        string  `json:"invoiceId"`
	Status           string  `json:"status"`
	TxID             *string `json:"txId"`
	RefundAmountSats int64   `json:"refundAmountSats"`
	RefundAmount     int64   `json:"refundAmount"`
	AmountSats       int64   `json:"amountSats"`
}

// StatusPayload is used for cancel and expire notifications.
type StatusPayload struct {
	InvoiceID string  `json:"invoiceId"`
	Status    string  `json:"status"`
	TxID      *string `json:"txId,omitempty"`
}

type SubscriptionPayload struct {
	SubscriptionID    string `json:"subscriptionId"`
	Status            string `json:"status"`
	TxID              string `json:"txId"`
	MerchantPrincipal string `json:"merchant,omitempty"`
	Subscriber        string `json:"subscriber,omitempty"`
	AmountSats        int64  `json:"amountSats"`
	IntervalBlocks    uint64 `json:"intervalBlocks"`
	NextInvoiceAt     uint64 `json:"nextInvoiceAt"`
}

type SubscriptionPaidPayload struct {
	SubscriptionID string `json:"subscriptionId"`
	InvoiceID      string `json:"invoiceId"`
	Status         string `json:"status"`
	TxID           string `json:"txId"`
	Payer          string `json:"payer,omitempty"`
	AmountSats     int64  `json:"amountSats"`
	NextInvoiceAt  uint64 `json:"nextInvoiceAt"`
}
