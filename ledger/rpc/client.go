package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"dealescrow/ledger"
)

// ErrUnavailable wraps transport failures and server-side errors. Callers
// treat it as retryable.
var ErrUnavailable = errors.New("ledger rpc: unavailable")

// Client implements the ledger boundary against a remote JSON-RPC server.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithClientTimeout overrides the per-request timeout.
func WithClientTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.http.Timeout = timeout
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// NewClient returns a client for the ledger JSON-RPC endpoint at baseURL.
// An empty authToken sends no Authorization header.
func NewClient(baseURL, authToken string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:   baseURL,
		authToken: authToken,
		http: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Submit sends a signed transaction and returns its receipt.
func (c *Client) Submit(ctx context.Context, tx *ledger.Transaction) (*ledger.Receipt, error) {
	var receipt ledger.Receipt
	if err := c.call(ctx, MethodSubmit, []interface{}{tx}, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// Account returns the state of addr.
func (c *Client) Account(ctx context.Context, addr [20]byte) (*ledger.AccountState, error) {
	var state ledger.AccountState
	if err := c.call(ctx, MethodGetAccount, []interface{}{common.Address(addr)}, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Sequence returns the next sequence number expected from addr.
func (c *Client) Sequence(ctx context.Context, addr [20]byte) (uint64, error) {
	var seq uint64
	if err := c.call(ctx, MethodSequence, []interface{}{common.Address(addr)}, &seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// Transactions returns up to limit of the most recent receipts involving addr.
func (c *Client) Transactions(ctx context.Context, addr [20]byte, limit int) ([]ledger.Receipt, error) {
	var out []ledger.Receipt
	if err := c.call(ctx, MethodTransactions, []interface{}{common.Address(addr), limit}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Receipt looks up a transaction outcome by hash.
func (c *Client) Receipt(ctx context.Context, hash common.Hash) (*ledger.Receipt, error) {
	var receipt ledger.Receipt
	if err := c.call(ctx, MethodReceipt, []interface{}{hash}, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// Mint credits addr on a ledger with the faucet enabled.
func (c *Client) Mint(ctx context.Context, addr [20]byte, amount *uint256.Int) (*ledger.AccountState, error) {
	var state ledger.AccountState
	if err := c.call(ctx, MethodMint, []interface{}{common.Address(addr), amount}, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	bodyStruct := jsonRPCRequest{
		JSONRPC: jsonRPCVersion,
		Method:  method,
		Params:  params,
		ID:      id,
	}
	buf, err := json.Marshal(bodyStruct)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %s: read body: %v", ErrUnavailable, method, err)
	}
	var rpcResp jsonRPCResponse
	if decodeErr := json.Unmarshal(body, &rpcResp); decodeErr != nil || (rpcResp.Error == nil && resp.StatusCode != http.StatusOK) {
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: %s: status=%d", ErrUnavailable, method, resp.StatusCode)
		}
		return fmt.Errorf("ledger rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	if rpcResp.Error != nil {
		return mapRPCError(method, rpcResp.Error)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("ledger rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}

func mapRPCError(method string, e *jsonRPCErrorObj) error {
	var sentinel error
	switch e.Code {
	case codeSequenceMismatch:
		sentinel = ledger.ErrSequenceMismatch
	case codeInsufficient:
		sentinel = ledger.ErrInsufficientBalance
	case codeRetired:
		sentinel = ledger.ErrAddressRetired
	case codeBadSignature:
		sentinel = ledger.ErrBadSignature
	case codeRejected:
		sentinel = ledger.ErrMalformedTx
	case codeNotFound:
		sentinel = ledger.ErrReceiptNotFound
	case codeServerError:
		sentinel = ErrUnavailable
	default:
		return fmt.Errorf("ledger rpc %s error %d: %s", method, e.Code, e.Message)
	}
	return fmt.Errorf("%w: %s", sentinel, e.Message)
}
