package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vietddude/paywatch/internal/core/config"
	"github.com/vietddude/paywatch/internal/core/domain"
	"github.com/vietddude/paywatch/internal/infra/chain/clarity"
)

const (
	testContractAddress = "SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7"
	testContractName    = "payments"
	testID              = "0101010101010101010101010101010101010101010101010101010101010101"
)

func newTestClient(url string) *HTTPClient {
	return NewHTTPClient(config.ChainConfig{
		APIURL:          url,
		ContractAddress: testContractAddress,
		ContractName:    testContractName,
		Timeout:         2 * time.Second,
		MaxRetries:      3,
		BaseBackoff:     time.Millisecond,
		MaxBackoff:      10 * time.Millisecond,
		PageLimit:       2,
		MaxPages:        5,
	})
}

func TestHTTPClient_GetTip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/extended/v2/blocks" || r.URL.Query().Get("limit") != "1" {
			t.Errorf("unexpected request %s", r.URL)
		}
		_, _ = w.Write([]byte(`{"limit":1,"offset":0,"total":500,"results":[{"height":500,"hash":"0xabc","parent_block_hash":"0xabb"}]}`))
	}))
	defer server.Close()

	tip, err := newTestClient(server.URL).GetTip(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tip.Height != 500 || tip.BlockHash != "0xabc" {
		t.Errorf("unexpected tip %+v", tip)
	}
}

func TestHTTPClient_GetBlockHeader_NotFound(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).GetBlockHeader(context.Background(), 42)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("not-found must not be retried, got %d calls", calls.Load())
	}
}

func TestHTTPClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"height":42,"hash":"0x42","parent_block_hash":"0x41"}`))
	}))
	defer server.Close()

	h, err := newTestClient(server.URL).GetBlockHeader(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.ParentBlockHash != "0x41" {
		t.Errorf("unexpected header %+v", h)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
}

func TestHTTPClient_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).GetTip(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	// one call plus three retries
	if calls.Load() != 4 {
		t.Errorf("expected 4 calls, got %d", calls.Load())
	}
}

func TestHTTPClient_RateLimitHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"results":[{"height":7,"hash":"0x7"}]}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	tip, err := client.GetTip(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tip.Height != 7 {
		t.Errorf("unexpected tip %+v", tip)
	}
	if stats := client.Monitor.Stats(); stats.Throttles != 1 {
		t.Errorf("expected 1 throttle, got %d", stats.Throttles)
	}
}

func txPage(txs ...string) string {
	return `{"limit":2,"offset":0,"total":100,"results":[` + strings.Join(txs, ",") + `]}`
}

func tx(id string, height uint64, index uint32, status, contract, fn string) string {
	return fmt.Sprintf(`{"tx_id":%q,"tx_status":%q,"tx_type":"contract_call","block_height":%d,"tx_index":%d,
		"sender_address":"SP000000000000000000002Q6VF78",
		"contract_call":{"contract_id":%q,"function_name":%q,
		"function_args":[{"hex":"0x0200000020%s","repr":"0x%s","name":"id","type":"(buff 32)"}]}}`,
		id, status, height, index, contract, fn, testID, testID)
}

func TestHTTPClient_GetContractCallEvents_PagesToFloor(t *testing.T) {
	contractID := testContractAddress + "." + testContractName
	pages := []string{
		txPage(tx("0xa", 105, 1, "success", contractID, "pay-invoice"),
			tx("0xb", 104, 0, "abort_by_response", contractID, "pay-invoice")),
		txPage(tx("0xc", 103, 2, "success", "SP000000000000000000002Q6VF78.other", "pay-invoice"),
			tx("0xd", 102, 0, "success", contractID, "cancel-invoice")),
		txPage(tx("0xe", 99, 0, "success", contractID, "pay-invoice"),
			tx("0xf", 98, 0, "success", contractID, "pay-invoice")),
		txPage(),
	}

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/extended/v1/address/"+contractID+"/transactions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		_, _ = w.Write([]byte(pages[offset/2]))
	}))
	defer server.Close()

	got, err := newTestClient(server.URL).GetContractCallEvents(context.Background(), EventQuery{FromHeight: 100})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(got))
	}
	if got[0].TxID != "0xa" || got[1].TxID != "0xd" {
		t.Errorf("unexpected calls %s, %s", got[0].TxID, got[1].TxID)
	}
	if got[1].FunctionName != "cancel-invoice" || len(got[1].Args) != 1 || got[1].Args[0].Name != "id" {
		t.Errorf("unexpected decoded call %+v", got[1])
	}
	if calls.Load() != 3 {
		t.Errorf("expected paging to stop at the floor after 3 pages, got %d", calls.Load())
	}
}

func TestHTTPClient_GetContractCallEvents_MaxPages(t *testing.T) {
	contractID := testContractAddress + "." + testContractName
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		h := uint64(1000 - 2*n)
		_, _ = w.Write([]byte(txPage(
			tx(fmt.Sprintf("0x%d", h), h+1, 0, "success", contractID, "pay-invoice"),
			tx(fmt.Sprintf("0x%d", h-1), h, 0, "success", contractID, "pay-invoice"),
		)))
	}))
	defer server.Close()

	got, err := newTestClient(server.URL).GetContractCallEvents(context.Background(),
		EventQuery{FromHeight: 1, MaxPages: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 2 || len(got) != 4 {
		t.Errorf("expected 2 pages and 4 calls, got %d pages and %d calls", calls.Load(), len(got))
	}
}

func TestHTTPClient_ReadInvoice(t *testing.T) {
	result, err := clarity.EncodeHex(clarity.Some(clarity.Tuple(map[string]*clarity.Value{
		"status":        clarity.Uint(1),
		"amount":        clarity.Uint(1000),
		"refund-amount": clarity.Uint(0),
		"payer":         clarity.Some(clarity.Principal(testContractAddress)),
		"paid-at":       clarity.Some(clarity.Uint(96)),
		"refunded-at":   clarity.None(),
		"expires-at":    clarity.Uint(200),
	})))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := "/v2/contracts/call-read/" + testContractAddress + "/" + testContractName + "/get-invoice"
		if r.Method != http.MethodPost || r.URL.Path != want {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body callReadRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if len(body.Arguments) != 1 || body.Arguments[0] != "0x0200000020"+testID {
			t.Errorf("unexpected arguments %v", body.Arguments)
		}
		_ = json.NewEncoder(w).Encode(callReadResponse{Okay: true, Result: result})
	}))
	defer server.Close()

	inv, ok, err := newTestClient(server.URL).ReadInvoice(context.Background(), testID)
	if err != nil || !ok {
		t.Fatalf("ReadInvoice() = %v, %v", ok, err)
	}
	if inv.Status != domain.InvoicePaid || inv.AmountSats != 1000 || inv.Payer != testContractAddress {
		t.Errorf("unexpected invoice %+v", inv)
	}
	if inv.PaidAt == nil || *inv.PaidAt != 96 || inv.RefundedAt != nil || inv.ExpiresAt == nil || *inv.ExpiresAt != 200 {
		t.Errorf("unexpected heights %+v", inv)
	}
}

func TestHTTPClient_ReadInvoice_None(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(callReadResponse{Okay: true, Result: "0x09"})
	}))
	defer server.Close()

	_, ok, err := newTestClient(server.URL).ReadInvoice(context.Background(), testID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected ok=false for none")
	}
}

func TestHTTPClient_ReadInvoice_InvalidID(t *testing.T) {
	client := newTestClient("http://127.0.0.1:1")
	if _, _, err := client.ReadInvoice(context.Background(), "ABC"); !errors.Is(err, ErrInvalidID) {
		t.Errorf("expected ErrInvalidID for malformed id, got %v", err)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorAction
	}{
		{ErrNotFound, ActionFatal},
		{fmt.Errorf("%w: x", ErrRateLimited), ActionRetry},
		{&statusError{Code: 502}, ActionRetry},
		{&statusError{Code: 400}, ActionFatal},
		{&decodeError{err: errors.New("bad json")}, ActionFatal},
		{errors.New("connection reset by peer"), ActionRetry},
		{context.Canceled, ActionFatal},
	}
	for _, tt := range tests {
		if got := ClassifyError(tt.err); got != tt.want {
			t.Errorf("ClassifyError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
