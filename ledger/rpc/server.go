package rpc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"dealescrow/ledger"
)

const (
	jsonRPCVersion = "2.0"
	maxRequestBody = 1 << 20

	MethodSubmit       = "ledger_submit"
	MethodGetAccount   = "ledger_getAccount"
	MethodSequence     = "ledger_sequence"
	MethodTransactions = "ledger_transactions"
	MethodReceipt      = "ledger_receipt"
	MethodMint         = "ledger_mint"
)

const (
	codeParseError       = -32700
	codeInvalidRequest   = -32600
	codeMethodNotFound   = -32601
	codeInvalidParams    = -32602
	codeUnauthorized     = -32001
	codeServerError      = -32000
	codeSequenceMismatch = -32030
	codeInsufficient     = -32031
	codeRetired          = -32032
	codeBadSignature     = -32033
	codeRejected         = -32034
	codeNotFound         = -32035
)

// Backend is the ledger surface exposed over JSON-RPC.
type Backend interface {
	Submit(ctx context.Context, tx *ledger.Transaction) (*ledger.Receipt, error)
	Account(ctx context.Context, addr [20]byte) (*ledger.AccountState, error)
	Sequence(ctx context.Context, addr [20]byte) (uint64, error)
	Transactions(ctx context.Context, addr [20]byte, limit int) ([]ledger.Receipt, error)
	Receipt(ctx context.Context, hash common.Hash) (*ledger.Receipt, error)
	Mint(ctx context.Context, addr [20]byte, amount *uint256.Int) (*ledger.AccountState, error)
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Server serves the ledger JSON-RPC API.
type Server struct {
	backend    Backend
	authToken  string
	enableMint bool
	logger     *slog.Logger
}

// ServerOption customises a Server.
type ServerOption func(*Server)

// WithAuthToken requires a bearer token on every request.
func WithAuthToken(token string) ServerOption {
	return func(s *Server) { s.authToken = strings.TrimSpace(token) }
}

// WithMint exposes the development faucet.
func WithMint(enabled bool) ServerOption {
	return func(s *Server) { s.enableMint = enabled }
}

// WithServerLogger sets the request logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewServer(backend Backend, opts ...ServerOption) *Server {
	s := &Server{backend: backend, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, nil, codeInvalidRequest, "POST required", nil)
		return
	}
	if s.authToken != "" {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer"))
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			writeError(w, http.StatusUnauthorized, nil, codeUnauthorized, "unauthorized", nil)
			return
		}
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "failed to read body", err.Error())
		return
	}
	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	ctx := r.Context()
	switch req.Method {
	case MethodSubmit:
		s.handleSubmit(ctx, w, &req)
	case MethodGetAccount:
		s.handleGetAccount(ctx, w, &req)
	case MethodSequence:
		s.handleSequence(ctx, w, &req)
	case MethodTransactions:
		s.handleTransactions(ctx, w, &req)
	case MethodReceipt:
		s.handleReceipt(ctx, w, &req)
	case MethodMint:
		if !s.enableMint {
			writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "mint disabled", nil)
			return
		}
		s.handleMint(ctx, w, &req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
	}
}

func (s *Server) handleSubmit(ctx context.Context, w http.ResponseWriter, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected transaction parameter", nil)
		return
	}
	var tx ledger.Transaction
	if err := json.Unmarshal(req.Params[0], &tx); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid transaction", err.Error())
		return
	}
	receipt, err := s.backend.Submit(ctx, &tx)
	if err != nil {
		s.writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, receipt)
}

func (s *Server) handleGetAccount(ctx context.Context, w http.ResponseWriter, req *RPCRequest) {
	addr, ok := parseAddressParam(w, req, 0)
	if !ok {
		return
	}
	state, err := s.backend.Account(ctx, addr)
	if err != nil {
		s.writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, state)
}

func (s *Server) handleSequence(ctx context.Context, w http.ResponseWriter, req *RPCRequest) {
	addr, ok := parseAddressParam(w, req, 0)
	if !ok {
		return
	}
	seq, err := s.backend.Sequence(ctx, addr)
	if err != nil {
		s.writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, seq)
}

func (s *Server) handleTransactions(ctx context.Context, w http.ResponseWriter, req *RPCRequest) {
	addr, ok := parseAddressParam(w, req, 0)
	if !ok {
		return
	}
	limit := 50
	if len(req.Params) > 1 {
		if err := json.Unmarshal(req.Params[1], &limit); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "limit must be an integer", err.Error())
			return
		}
	}
	txs, err := s.backend.Transactions(ctx, addr, limit)
	if err != nil {
		s.writeLedgerError(w, req.ID, err)
		return
	}
	if txs == nil {
		txs = []ledger.Receipt{}
	}
	writeResult(w, req.ID, txs)
}

func (s *Server) handleReceipt(ctx context.Context, w http.ResponseWriter, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected hash parameter", nil)
		return
	}
	var hash common.Hash
	if err := json.Unmarshal(req.Params[0], &hash); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid hash", err.Error())
		return
	}
	receipt, err := s.backend.Receipt(ctx, hash)
	if err != nil {
		s.writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, receipt)
}

func (s *Server) handleMint(ctx context.Context, w http.ResponseWriter, req *RPCRequest) {
	addr, ok := parseAddressParam(w, req, 0)
	if !ok {
		return
	}
	if len(req.Params) != 2 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected address and amount", nil)
		return
	}
	amount := new(uint256.Int)
	if err := json.Unmarshal(req.Params[1], amount); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid amount", err.Error())
		return
	}
	state, err := s.backend.Mint(ctx, addr, amount)
	if err != nil {
		s.writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, state)
}

func (s *Server) writeLedgerError(w http.ResponseWriter, id interface{}, err error) {
	code := codeServerError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrSequenceMismatch):
		code, status = codeSequenceMismatch, http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientBalance):
		code, status = codeInsufficient, http.StatusBadRequest
	case errors.Is(err, ledger.ErrAddressRetired):
		code, status = codeRetired, http.StatusConflict
	case errors.Is(err, ledger.ErrBadSignature):
		code, status = codeBadSignature, http.StatusBadRequest
	case errors.Is(err, ledger.ErrAddressMismatch), errors.Is(err, ledger.ErrDeployValue),
		errors.Is(err, ledger.ErrUnknownKind), errors.Is(err, ledger.ErrMalformedTx):
		code, status = codeRejected, http.StatusBadRequest
	case errors.Is(err, ledger.ErrReceiptNotFound):
		code, status = codeNotFound, http.StatusNotFound
	default:
		s.logger.Error("ledger rpc backend failure", slog.Any("error", err))
	}
	writeError(w, status, id, code, err.Error(), nil)
}

func parseAddressParam(w http.ResponseWriter, req *RPCRequest, idx int) ([20]byte, bool) {
	if len(req.Params) <= idx {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "address parameter required", nil)
		return [20]byte{}, false
	}
	var addr common.Address
	if err := json.Unmarshal(req.Params[idx], &addr); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
		return [20]byte{}, false
	}
	return addr, true
}
