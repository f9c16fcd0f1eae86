package chain

import (
	"net/http"
	"testing"
	"time"

	"github.com/vietddude/paywatch/internal/core/domain"
	"github.com/vietddude/paywatch/internal/infra/chain/clarity"
)

func TestNormalizeInvoice(t *testing.T) {
	tests := []struct {
		name   string
		value  *clarity.Value
		want   domain.InvoiceStatus
		refund int64
		ok     bool
	}{
		{
			name: "numeric status in ok response",
			value: clarity.Ok(clarity.Some(clarity.Tuple(map[string]*clarity.Value{
				"status": clarity.Uint(5),
				"amount": clarity.Uint(10),
			}))),
			want: domain.InvoiceExpired,
			ok:   true,
		},
		{
			name: "underscore keys and string status",
			value: clarity.Tuple(map[string]*clarity.Value{
				"Status":        clarity.StringASCII("Partially_Refunded"),
				"amount_sats":   clarity.Uint(1000),
				"refund_amount": clarity.Uint(400),
			}),
			want:   domain.InvoicePartiallyRefunded,
			refund: 400,
			ok:     true,
		},
		{
			name: "refunded with partial total",
			value: clarity.Tuple(map[string]*clarity.Value{
				"status":       clarity.StringASCII("refunded"),
				"amount":       clarity.Uint(1000),
				"refundAmount": clarity.Uint(800),
			}),
			want:   domain.InvoicePartiallyRefunded,
			refund: 800,
			ok:     true,
		},
		{
			name: "unknown status",
			value: clarity.Tuple(map[string]*clarity.Value{
				"status": clarity.StringASCII("frozen"),
			}),
		},
		{name: "none", value: clarity.None()},
		{name: "err response", value: clarity.Err(clarity.Uint(404))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, ok := NormalizeInvoice(tt.value)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if inv.Status != tt.want {
				t.Errorf("status = %s, want %s", inv.Status, tt.want)
			}
			if inv.RefundAmountSats != tt.refund {
				t.Errorf("refund = %d, want %d", inv.RefundAmountSats, tt.refund)
			}
		})
	}
}

func TestRetryAfter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	h := http.Header{}
	h.Set("Retry-After", "3")
	if got := retryAfter(h, now); got != 3*time.Second {
		t.Errorf("Retry-After seconds: got %v", got)
	}

	h = http.Header{}
	h.Set("X-RateLimit-Reset", "1700000010")
	if got := retryAfter(h, now); got != 10*time.Second {
		t.Errorf("X-RateLimit-Reset unix: got %v", got)
	}

	h = http.Header{}
	h.Set("X-RateLimit-Reset", "5")
	if got := retryAfter(h, now); got != 5*time.Second {
		t.Errorf("X-RateLimit-Reset delta: got %v", got)
	}

	if got := retryAfter(http.Header{}, now); got != 0 {
		t.Errorf("no hint: got %v", got)
	}
}
