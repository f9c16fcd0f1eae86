package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vietddude/paywatch/internal/core/config"
	"github.com/vietddude/paywatch/internal/core/domain"
	"github.com/vietddude/paywatch/internal/indexing/metrics"
	"github.com/vietddude/paywatch/internal/infra/chain/clarity"
)

// HTTPClient implements Client against the ledger's REST API.
type HTTPClient struct {
	baseURL         string
	contractAddress string
	contractName    string
	pageLimit       int
	maxPages        int

	maxRetries  uint64
	baseBackoff time.Duration
	maxBackoff  time.Duration

	httpClient *http.Client
	log        *slog.Logger

	Monitor *Monitor
}

// NewHTTPClient creates a ledger client. Every call gets cfg.Timeout and is
// retried with capped exponential backoff.
func NewHTTPClient(cfg config.ChainConfig) *HTTPClient {
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 50
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 10
	}
	return &HTTPClient{
		baseURL:         strings.TrimRight(cfg.APIURL, "/"),
		contractAddress: cfg.ContractAddress,
		contractName:    cfg.ContractName,
		pageLimit:       cfg.PageLimit,
		maxPages:        cfg.MaxPages,
		maxRetries:      cfg.MaxRetries,
		baseBackoff:     cfg.BaseBackoff,
		maxBackoff:      cfg.MaxBackoff,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log:     slog.Default().With("component", "chain"),
		Monitor: NewMonitor(),
	}
}

// ContractID returns "<address>.<name>".
func (c *HTTPClient) ContractID() string {
	return c.contractAddress + "." + c.contractName
}

// Close cleans up idle connections.
func (c *HTTPClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// -----------------------------------------------------------------------------
// Wire types
// -----------------------------------------------------------------------------

type blockJSON struct {
	Height          uint64 `json:"height"`
	Hash            string `json:"hash"`
	ParentBlockHash string `json:"parent_block_hash"`
}

type blockListJSON struct {
	Results []blockJSON `json:"results"`
}

type txListJSON struct {
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
	Total   int      `json:"total"`
	Results []txJSON `json:"results"`
}

type txJSON struct {
	TxID          string `json:"tx_id"`
	TxStatus      string `json:"tx_status"`
	TxType        string `json:"tx_type"`
	BlockHeight   uint64 `json:"block_height"`
	TxIndex       uint32 `json:"tx_index"`
	SenderAddress string `json:"sender_address"`
	ContractCall  *struct {
		ContractID   string `json:"contract_id"`
		FunctionName string `json:"function_name"`
		FunctionArgs []struct {
			Hex  string `json:"hex"`
			Repr string `json:"repr"`
			Name string `json:"name"`
		} `json:"function_args"`
	} `json:"contract_call"`
}

type callReadRequest struct {
	Sender    string   `json:"sender"`
	Arguments []string `json:"arguments"`
}

type callReadResponse struct {
	Okay   bool   `json:"okay"`
	Result string `json:"result"`
	Cause  string `json:"cause"`
}

// -----------------------------------------------------------------------------
// Client
// -----------------------------------------------------------------------------

// GetTip returns the newest block.
func (c *HTTPClient) GetTip(ctx context.Context) (*domain.Tip, error) {
	var out blockListJSON
	if err := c.do(ctx, "tip", http.MethodGet, "/extended/v2/blocks?limit=1", nil, &out); err != nil {
		return nil, fmt.Errorf("get tip: %w", err)
	}
	if len(out.Results) == 0 {
		return nil, fmt.Errorf("get tip: empty block list")
	}
	b := out.Results[0]
	metrics.ChainTipHeight.Set(float64(b.Height))
	return &domain.Tip{Height: b.Height, BlockHash: b.Hash}, nil
}

// GetBlockHeader returns the header at height.
func (c *HTTPClient) GetBlockHeader(ctx context.Context, height uint64) (*domain.BlockHeader, error) {
	var b blockJSON
	path := "/extended/v2/blocks/" + strconv.FormatUint(height, 10)
	if err := c.do(ctx, "block", http.MethodGet, path, nil, &b); err != nil {
		return nil, fmt.Errorf("get block %d: %w", height, err)
	}
	return &domain.BlockHeader{Height: b.Height, BlockHash: b.Hash, ParentBlockHash: b.ParentBlockHash}, nil
}

// GetContractCallEvents pages the contract's transaction history newest
// first until it passes below q.FromHeight or hits the page cap.
func (c *HTTPClient) GetContractCallEvents(ctx context.Context, q EventQuery) ([]*domain.RawContractCall, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = c.pageLimit
	}
	maxPages := q.MaxPages
	if maxPages <= 0 {
		maxPages = c.maxPages
	}
	contractID := c.ContractID()

	var calls []*domain.RawContractCall
	offset := 0
	for page := 0; ; page++ {
		if page >= maxPages {
			c.log.Warn("Contract history truncated, sweeps will cover the gap",
				"from_height", q.FromHeight, "pages", maxPages, "offset", offset)
			break
		}

		var out txListJSON
		path := fmt.Sprintf("/extended/v1/address/%s/transactions?limit=%d&offset=%d",
			url.PathEscape(contractID), limit, offset)
		if err := c.do(ctx, "transactions", http.MethodGet, path, nil, &out); err != nil {
			return nil, fmt.Errorf("list contract transactions: %w", err)
		}

		reachedFloor := false
		for _, tx := range out.Results {
			if tx.BlockHeight < q.FromHeight {
				reachedFloor = true
				continue
			}
			if tx.TxStatus != "success" || tx.ContractCall == nil || tx.ContractCall.ContractID != contractID {
				continue
			}
			call := &domain.RawContractCall{
				TxID:         tx.TxID,
				TxIndex:      tx.TxIndex,
				BlockHeight:  tx.BlockHeight,
				Sender:       tx.SenderAddress,
				FunctionName: tx.ContractCall.FunctionName,
			}
			for _, a := range tx.ContractCall.FunctionArgs {
				call.Args = append(call.Args, domain.RawArg{Name: a.Name, Hex: a.Hex, Repr: a.Repr})
			}
			calls = append(calls, call)
		}

		offset += len(out.Results)
		if reachedFloor || len(out.Results) < limit || (out.Total > 0 && offset >= out.Total) {
			break
		}
	}
	return calls, nil
}

// ReadInvoice calls the contract's get-invoice read-only function.
func (c *HTTPClient) ReadInvoice(ctx context.Context, idHex string) (*domain.OnChainInvoice, bool, error) {
	v, err := c.callRead(ctx, "get-invoice", idHex)
	if err != nil {
		return nil, false, err
	}
	inv, ok := NormalizeInvoice(v)
	return inv, ok, nil
}

func (c *HTTPClient) callRead(ctx context.Context, function, idHex string) (*clarity.Value, error) {
	if !ValidID(idHex) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, idHex)
	}
	raw, _ := hex.DecodeString(idHex)
	arg, err := clarity.EncodeHex(clarity.Buffer(raw))
	if err != nil {
		return nil, err
	}

	var out callReadResponse
	path := fmt.Sprintf("/v2/contracts/call-read/%s/%s/%s",
		url.PathEscape(c.contractAddress), url.PathEscape(c.contractName), url.PathEscape(function))
	body := callReadRequest{Sender: c.contractAddress, Arguments: []string{arg}}
	if err := c.do(ctx, "call-read", http.MethodPost, path, body, &out); err != nil {
		return nil, fmt.Errorf("call %s: %w", function, err)
	}
	if !out.Okay {
		return nil, fmt.Errorf("call %s rejected: %s", function, out.Cause)
	}
	v, err := clarity.DecodeHex(out.Result)
	if err != nil {
		return nil, fmt.Errorf("decode %s result: %w", function, err)
	}
	return v, nil
}

// -----------------------------------------------------------------------------
// Transport
// -----------------------------------------------------------------------------

// statusError is a non-2xx response.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

// do performs one logical call, retrying transient failures.
func (c *HTTPClient) do(ctx context.Context, endpoint, method, path string, body, out any) error {
	backoff := retry.WithMaxRetries(c.maxRetries,
		retry.WithCappedDuration(c.maxBackoff, retry.NewExponential(c.baseBackoff)))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := c.once(ctx, endpoint, method, path, body, out)
		if err == nil {
			return nil
		}
		action := ClassifyError(err)
		metrics.ChainErrorsTotal.WithLabelValues(endpoint, action.String()).Inc()
		if action == ActionRetry {
			c.log.Debug("Retrying ledger call", "endpoint", endpoint, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *HTTPClient) once(ctx context.Context, endpoint, method, path string, body, out any) error {
	start := time.Now()
	metrics.ChainCallsTotal.WithLabelValues(endpoint).Inc()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.Monitor.RecordFailure()
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.Monitor.RecordFailure()
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.Monitor.RecordFailure()
		if wait := min(c.Monitor.RecordThrottle(resp.Header), c.maxBackoff); wait > 0 {
			c.log.Warn("Ledger API rate limited", "endpoint", endpoint, "retry_after", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		return fmt.Errorf("%w: %w", ErrRateLimited, &statusError{Code: resp.StatusCode, Body: truncate(data)})
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		c.Monitor.RecordFailure()
		return &statusError{Code: resp.StatusCode, Body: truncate(data)}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			c.Monitor.RecordFailure()
			return &decodeError{err: err}
		}
	}

	latency := time.Since(start)
	metrics.ChainLatency.WithLabelValues(endpoint).Observe(latency.Seconds())
	c.Monitor.RecordSuccess(latency)
	return nil
}

type decodeError struct{ err error }

func (e *decodeError) Error() string { return "parse response: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

// ErrorAction determines how a failed call is handled.
type ErrorAction int

const (
	ActionRetry ErrorAction = iota
	ActionFatal
)

func (a ErrorAction) String() string {
	if a == ActionRetry {
		return "transient"
	}
	return "fatal"
}

// ClassifyError reports whether a call error is worth retrying: transport
// failures, 5xx and 429 are; 4xx, not-found and malformed bodies are not.
func ClassifyError(err error) ErrorAction {
	if err == nil || errors.Is(err, context.Canceled) {
		return ActionFatal
	}
	if errors.Is(err, ErrRateLimited) {
		return ActionRetry
	}
	if errors.Is(err, ErrNotFound) {
		return ActionFatal
	}
	var de *decodeError
	if errors.As(err, &de) {
		return ActionFatal
	}
	var se *statusError
	if errors.As(err, &se) {
		if se.Code >= 500 || se.Code == http.StatusRequestTimeout {
			return ActionRetry
		}
		return ActionFatal
	}
	return ActionRetry
}
