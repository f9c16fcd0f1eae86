package chain

import (
	"strings"

	"github.com/vietddude/paywatch/internal/core/domain"
	"github.com/vietddude/paywatch/internal/infra/chain/clarity"
)

// Numeric invoice status codes used by the contract.
var statusCodes = map[uint64]domain.InvoiceStatus{
	0: domain.InvoiceUnpaid,
	1: domain.InvoicePaid,
	2: domain.InvoicePartiallyRefunded,
	3: domain.InvoiceRefunded,
	4: domain.InvoiceCanceled,
	5: domain.InvoiceExpired,
}

var statusNames = map[string]domain.InvoiceStatus{
	"unpaid":            domain.InvoiceUnpaid,
	"pending":           domain.InvoiceUnpaid,
	"paid":              domain.InvoicePaid,
	"partiallyrefunded": domain.InvoicePartiallyRefunded,
	"refunded":          domain.InvoiceRefunded,
	"canceled":          domain.InvoiceCanceled,
	"cancelled":         domain.InvoiceCanceled,
	"expired":           domain.InvoiceExpired,
}

// NormalizeInvoice maps a get-invoice result onto OnChainInvoice. Field names
// are matched after lowercasing and dropping '-' and '_', so "refund-amount",
// "refund_amount" and "refundAmount" are the same field. Returns false for
// none, err responses, or a tuple without a recognizable status.
func NormalizeInvoice(v *clarity.Value) (*domain.OnChainInvoice, bool) {
	t := v.Unwrap()
	if t == nil || t.Type != clarity.TypeTuple {
		return nil, false
	}
	fields := make(map[string]*clarity.Value, len(t.Tuple))
	for name, field := range t.Tuple {
		fields[normalizeKey(name)] = field
	}
	lookup := func(names ...string) *clarity.Value {
		for _, n := range names {
			if f, ok := fields[n]; ok {
				return f.Unwrap()
			}
		}
		return nil
	}

	status, ok := parseStatus(lookup("status", "state"))
	if !ok {
		return nil, false
	}

	inv := &domain.OnChainInvoice{Status: status}
	if amount, ok := lookup("amount", "amountsats").Int64(); ok {
		inv.AmountSats = amount
	}
	if refund, ok := lookup("refundamount", "refundedamount", "refundamountsats", "refunded").Int64(); ok {
		inv.RefundAmountSats = refund
	}
	if payer, ok := lookup("payer", "paidby").Text(); ok {
		inv.Payer = payer
	}
	inv.PaidAt = height(lookup("paidat", "paidheight", "paidatblock"))
	inv.RefundedAt = height(lookup("refundedat", "refundheight", "refundedatblock"))
	inv.ExpiresAt = height(lookup("expiresat", "expiry", "expiresatblock"))

	// Some contract versions only report "refunded"; the totals decide.
	if inv.RefundAmountSats > 0 && inv.AmountSats > 0 &&
		(status == domain.InvoicePaid || status == domain.InvoiceRefunded || status == domain.InvoicePartiallyRefunded) {
		inv.Status = domain.RefundStatus(inv.RefundAmountSats, inv.AmountSats)
	}
	return inv, true
}

func normalizeKey(s string) string {
	return strings.NewReplacer("-", "", "_", "").Replace(strings.ToLower(s))
}

func parseStatus(v *clarity.Value) (domain.InvoiceStatus, bool) {
	if v == nil {
		return "", false
	}
	if code, ok := v.Uint64(); ok {
		s, known := statusCodes[code]
		return s, known
	}
	if text, ok := v.Text(); ok {
		s, known := statusNames[normalizeKey(text)]
		return s, known
	}
	return "", false
}

func height(v *clarity.Value) *uint64 {
	h, ok := v.Uint64()
	if !ok {
		return nil
	}
	return &h
}
