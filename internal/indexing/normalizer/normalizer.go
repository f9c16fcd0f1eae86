// Package normalizer turns raw contract calls into ordered, typed events.
package normalizer

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/vietddude/paywatch/internal/core/domain"
	"github.com/vietddude/paywatch/internal/indexing/metrics"
	"github.com/vietddude/paywatch/internal/infra/chain"
	"github.com/vietddude/paywatch/internal/infra/chain/clarity"
	"github.com/vietddude/paywatch/internal/infra/storage"
)

// Contract functions the poller understands. Anything else is dropped.
var operations = map[string]domain.EventType{
	"pay-invoice":         domain.EventInvoicePaid,
	"refund-invoice":      domain.EventInvoiceRefunded,
	"cancel-invoice":      domain.EventInvoiceCanceled,
	"create-subscription": domain.EventSubscriptionCreated,
	"cancel-subscription": domain.EventSubscriptionCanceled,
	"pay-subscription":    domain.EventSubscriptionPaid,
}

// EventSource provides raw contract calls.
type EventSource interface {
	GetContractCallEvents(ctx context.Context, q chain.EventQuery) ([]*domain.RawContractCall, error)
}

// Normalizer fetches, filters, decodes and orders contract events.
type Normalizer struct {
	source        EventSource
	invoices      storage.InvoiceRepository
	subscriptions storage.SubscriptionRepository
	log           *slog.Logger
}

// New creates a normalizer.
func New(source EventSource, invoices storage.InvoiceRepository, subscriptions storage.SubscriptionRepository) *Normalizer {
	return &Normalizer{
		source:        source,
		invoices:      invoices,
		subscriptions: subscriptions,
		log:           slog.Default().With("component", "normalizer"),
	}
}

// Fetch returns the events at or above fromHeight, sorted by
// (blockHeight, txIndex). Malformed calls are logged and skipped; a store
// error aborts the fetch.
func (n *Normalizer) Fetch(ctx context.Context, fromHeight uint64) ([]*domain.NormalizedEvent, error) {
	raw, err := n.source.GetContractCallEvents(ctx, chain.EventQuery{FromHeight: fromHeight})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch contract events: %w", err)
	}

	events := make([]*domain.NormalizedEvent, 0, len(raw))
	// subscriptions created in this batch are not stored yet
	created := make(map[string]bool)
	for _, call := range raw {
		ev, _ := decode(call)
		if ev != nil && ev.Type == domain.EventSubscriptionCreated {
			created[ev.IDHex] = true
		}
	}

	for _, call := range raw {
		ev, reason := decode(call)
		if ev == nil {
			n.drop(call, reason)
			continue
		}

		switch ev.Type {
		case domain.EventSubscriptionCreated:
		case domain.EventSubscriptionPaid, domain.EventSubscriptionCanceled:
			if created[ev.IDHex] {
				break
			}
			exists, err := n.subscriptions.Exists(ctx, ev.IDHex)
			if err != nil {
				return nil, fmt.Errorf("failed to check subscription %s: %w", ev.IDHex, err)
			}
			if !exists {
				n.drop(call, "unknown_subscription")
				continue
			}
		default:
			exists, err := n.invoices.Exists(ctx, ev.IDHex)
			if err != nil {
				return nil, fmt.Errorf("failed to check invoice %s: %w", ev.IDHex, err)
			}
			if !exists {
				n.drop(call, "unknown_invoice")
				continue
			}
		}
		events = append(events, ev)
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].BlockHeight != events[j].BlockHeight {
			return events[i].BlockHeight < events[j].BlockHeight
		}
		return events[i].TxIndex < events[j].TxIndex
	})
	return events, nil
}

func (n *Normalizer) drop(call *domain.RawContractCall, reason string) {
	metrics.EventsDropped.WithLabelValues(reason).Inc()
	n.log.Debug("Dropped contract call",
		"tx_id", call.TxID,
		"function", call.FunctionName,
		"height", call.BlockHeight,
		"reason", reason,
	)
}

// decode maps one call onto a NormalizedEvent, or returns a drop reason.
func decode(call *domain.RawContractCall) (*domain.NormalizedEvent, string) {
	typ, ok := operations[call.FunctionName]
	if !ok {
		return nil, "unknown_function"
	}
	args := argList(call.Args)

	id, ok := decodeID(args.get(0, "id", "invoice-id", "subscription-id"))
	if !ok {
		return nil, "bad_id"
	}

	ev := &domain.NormalizedEvent{
		Type:        typ,
		IDHex:       id,
		BlockHeight: call.BlockHeight,
		TxID:        call.TxID,
		TxIndex:     call.TxIndex,
		Sender:      call.Sender,
	}

	switch typ {
	case domain.EventInvoicePaid, domain.EventSubscriptionPaid:
		if amount, ok := positiveInt(args.get(1, "amount", "amount-sats")); ok {
			ev.AmountSats = &amount
		}

	case domain.EventInvoiceRefunded:
		amount, ok := positiveInt(args.get(1, "amount", "refund-amount", "amount-sats"))
		if !ok {
			return nil, "bad_args"
		}
		ev.RefundAmountSats = &amount

	case domain.EventSubscriptionCreated:
		merchant, ok := principal(args.get(1, "merchant", "merchant-principal"))
		if !ok {
			return nil, "bad_args"
		}
		subscriber, ok := principal(args.get(2, "subscriber"))
		if !ok {
			subscriber = call.Sender
		}
		amount, ok := positiveInt(args.get(3, "amount", "amount-sats"))
		if !ok {
			return nil, "bad_args"
		}
		interval, ok := args.get(4, "interval", "interval-blocks").Uint64()
		if !ok || interval == 0 {
			return nil, "bad_args"
		}
		ev.MerchantPrincipal = merchant
		ev.Subscriber = subscriber
		ev.AmountSats = &amount
		ev.IntervalBlocks = &interval
	}
	return ev, ""
}

type decodedArg struct {
	name  string
	value *clarity.Value
}

type argSet []decodedArg

func argList(raw []domain.RawArg) argSet {
	out := make(argSet, len(raw))
	for i, a := range raw {
		out[i].name = a.Name
		if v, err := clarity.DecodeHex(a.Hex); err == nil {
			out[i].value = v
		}
	}
	return out
}

// get looks an argument up by name, falling back to its position.
func (a argSet) get(pos int, names ...string) *clarity.Value {
	for _, arg := range a {
		for _, name := range names {
			if arg.name == name {
				return arg.value.Unwrap()
			}
		}
	}
	if pos < len(a) {
		return a[pos].value.Unwrap()
	}
	return nil
}

// decodeID accepts a 32-byte buffer or its 64-character hex text.
func decodeID(v *clarity.Value) (string, bool) {
	if v == nil {
		return "", false
	}
	var id string
	switch v.Type {
	case clarity.TypeBuffer:
		if len(v.Bytes) != 32 {
			return "", false
		}
		id = hex.EncodeToString(v.Bytes)
	case clarity.TypeStringASCII, clarity.TypeStringUTF8:
		id = strings.ToLower(strings.TrimPrefix(v.Str, "0x"))
	default:
		return "", false
	}
	return id, chain.ValidID(id)
}

func positiveInt(v *clarity.Value) (int64, bool) {
	n, ok := v.Int64()
	if !ok || n <= 0 {
		return 0, false
	}
	return n, true
}

func principal(v *clarity.Value) (string, bool) {
	if v == nil || (v.Type != clarity.TypeStandardPrincipal && v.Type != clarity.TypeContractPrincipal) {
		return "", false
	}
	return v.Str, true
}
