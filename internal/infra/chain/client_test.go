package chain

import (
	"context"
	"errors"
	"testing"

	"github.com/vietddude/paywatch/internal/core/domain"
)

type countingReader struct {
	calls int
	err   error
}

func (r *countingReader) ReadInvoice(ctx context.Context, idHex string) (*domain.OnChainInvoice, bool, error) {
	r.calls++
	if r.err != nil {
		return nil, false, r.err
	}
	if idHex == "missing" {
		return nil, false, nil
	}
	return &domain.OnChainInvoice{Status: domain.InvoicePaid}, true, nil
}

func TestInvoiceCacheMemoizes(t *testing.T) {
	reader := &countingReader{}
	cache := NewInvoiceCache(reader)
	ctx := context.Background()

	for range 3 {
		inv, ok, err := cache.ReadInvoice(ctx, "a")
		if err != nil || !ok || inv.Status != domain.InvoicePaid {
			t.Fatalf("unexpected read: %v %v %v", inv, ok, err)
		}
		if _, ok, _ := cache.ReadInvoice(ctx, "missing"); ok {
			t.Fatal("expected missing entry")
		}
	}
	if reader.calls != 2 {
		t.Errorf("expected 2 underlying reads, got %d", reader.calls)
	}
}

func TestInvoiceCacheDoesNotCacheErrors(t *testing.T) {
	reader := &countingReader{err: errors.New("boom")}
	cache := NewInvoiceCache(reader)

	_, _, _ = cache.ReadInvoice(context.Background(), "a")
	_, _, _ = cache.ReadInvoice(context.Background(), "a")
	if reader.calls != 2 {
		t.Errorf("expected errors to be retried, got %d calls", reader.calls)
	}
}

func TestValidID(t *testing.T) {
	good := "a46ff88886c2ef9762d970b4d2c63678835bd39da46ff88886c2ef9762d970b4"
	if !ValidID(good) {
		t.Errorf("expected %s to be valid", good)
	}
	for _, bad := range []string{"", "abc", "0x" + good[2:], "A" + good[1:]} {
		if ValidID(bad) {
			t.Errorf("expected %q to be invalid", bad)
		}
	}
}
