package domain

// EventType names a normalized contract operation.
type EventType string

const (
	EventInvoicePaid          EventType = "invoice-paid"
	EventInvoiceRefunded      EventType = "invoice-refunded"
	EventInvoiceCanceled      EventType = "invoice-canceled"
	EventInvoiceExpired       EventType = "invoice-expired"
	EventSubscriptionCreated  EventType = "subscription-created"
	EventSubscriptionCanceled EventType = "subscription-canceled"
	EventSubscriptionPaid     EventType = "subscription-paid"
)

// IsSubscription reports whether the event belongs to the subscription lifecycle.
func (t EventType) IsSubscription() bool {
	switch t {
	case EventSubscriptionCreated, EventSubscriptionCanceled, EventSubscriptionPaid:
		return true
	}
	return false
}

// RawContractCall is a contract-call transaction as returned by the chain API,
// before any decoding.
type RawContractCall struct {
	TxID         string
	TxIndex      uint32
	BlockHeight  uint64
	Sender       string
	FunctionName string
	Args         []RawArg
}

// RawArg is one serialized function argument.
type RawArg struct {
	Name string
	Hex  string
	Repr string
}

// NormalizedEvent is a decoded, validated contract event. Amounts are in sats.
type NormalizedEvent struct {
	Type              EventType
	IDHex             string
	BlockHeight       uint64
	TxID              string
	TxIndex           uint32
	Sender            string
	MerchantPrincipal string
	Subscriber        string
	AmountSats        *int64
	IntervalBlocks    *uint64
	RefundAmountSats  *int64
}
