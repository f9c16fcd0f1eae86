package reorg

import (
	"context"
	"errors"
	"testing"

	"github.com/vietddude/paywatch/internal/core/domain"
)

type mockHeaders struct {
	headers map[uint64]*domain.BlockHeader
	calls   int
}

func (m *mockHeaders) GetBlockHeader(ctx context.Context, height uint64) (*domain.BlockHeader, error) {
	m.calls++
	h, ok := m.headers[height]
	if !ok {
		return nil, errors.New("not found")
	}
	return h, nil
}

func TestDetectReorg(t *testing.T) {
	headers := &mockHeaders{headers: map[uint64]*domain.BlockHeader{
		91: {Height: 91, BlockHash: "0x91", ParentBlockHash: "0x90"},
	}}
	guard := NewGuard(headers)
	ctx := context.Background()

	tests := []struct {
		name   string
		first  uint64
		tip    domain.Tip
		cursor domain.Cursor
		want   bool
	}{
		{"chain shrank", 91, domain.Tip{Height: 85}, domain.Cursor{LastHeight: 90, LastBlockHash: "0x90"}, true},
		{"bootstrap", 1, domain.Tip{Height: 100}, domain.Cursor{}, false},
		{"parent matches", 91, domain.Tip{Height: 100}, domain.Cursor{LastHeight: 90, LastBlockHash: "0x90"}, false},
		{"parent matches ignoring case", 91, domain.Tip{Height: 100}, domain.Cursor{LastHeight: 90, LastBlockHash: "90"}, false},
		{"parent mismatch", 91, domain.Tip{Height: 100}, domain.Cursor{LastHeight: 90, LastBlockHash: "0xdead"}, true},
		{"idle tip matches", 91, domain.Tip{Height: 90, BlockHash: "0x90"}, domain.Cursor{LastHeight: 90, LastBlockHash: "0x90"}, false},
		{"idle tip replaced", 91, domain.Tip{Height: 90, BlockHash: "0x9f"}, domain.Cursor{LastHeight: 90, LastBlockHash: "0x90"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := guard.DetectReorg(ctx, tt.first, &tt.tip, &tt.cursor)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("DetectReorg() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDetectReorg_HeaderError(t *testing.T) {
	guard := NewGuard(&mockHeaders{headers: map[uint64]*domain.BlockHeader{}})
	_, err := guard.DetectReorg(context.Background(), 91,
		&domain.Tip{Height: 100}, &domain.Cursor{LastHeight: 90, LastBlockHash: "0x90"})
	if err == nil {
		t.Error("expected error when the header cannot be read")
	}
}

func TestDetectReorg_BootstrapSkipsFetch(t *testing.T) {
	headers := &mockHeaders{}
	guard := NewGuard(headers)
	if _, err := guard.DetectReorg(context.Background(), 1, &domain.Tip{Height: 10}, &domain.Cursor{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if headers.calls != 0 {
		t.Errorf("expected no header fetch at bootstrap, got %d", headers.calls)
	}
}

func TestComputeRewindTarget(t *testing.T) {
	tests := []struct {
		last, window, want uint64
	}{
		{100, 12, 88},
		{12, 12, 0},
		{5, 12, 0},
		{0, 12, 0},
	}
	for _, tt := range tests {
		if got := ComputeRewindTarget(&domain.Cursor{LastHeight: tt.last}, tt.window); got != tt.want {
			t.Errorf("ComputeRewindTarget(%d, %d) = %d, want %d", tt.last, tt.window, got, tt.want)
		}
	}
}
