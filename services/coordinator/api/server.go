// Package api exposes the escrow coordinator over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"dealescrow/crypto"
	"dealescrow/native/deal"
	"dealescrow/services/coordinator"
	"dealescrow/services/settlement"
)

const maxRequestBody = 1 << 20 // 1 MiB

// Coordinator is the subset of the coordinator service served over HTTP.
type Coordinator interface {
	CreateEscrow(ctx context.Context, params coordinator.CreateParams) (*coordinator.CreateResult, error)
	GetStatus(ctx context.Context, dealID string, fresh bool) (*coordinator.Status, error)
	Release(ctx context.Context, dealID string) (*coordinator.DispatchResult, error)
	Refund(ctx context.Context, dealID string) (*coordinator.DispatchResult, error)
	Resolve(ctx context.Context, dealID string, favorBeneficiary bool) (*coordinator.DispatchResult, error)
	ExtendDeadline(ctx context.Context, dealID string, newDeadline uint32) (*coordinator.DispatchResult, error)
	DisputeIntent(ctx context.Context, dealID string) (coordinator.PayIntent, error)
	Settlement(ctx context.Context, dealID string) (*settlement.Settlement, error)
	Payout(ctx context.Context, dealID string) (*settlement.Settlement, error)
}

var _ Coordinator = (*coordinator.Service)(nil)

// Server routes HTTP requests to the coordinator.
type Server struct {
	svc     Coordinator
	auth    *Authenticator
	limiter *RateLimiter
	logger  *slog.Logger
	timeout time.Duration
}

// Options configures NewServer.
type Options struct {
	Auth    *Authenticator
	Limiter *RateLimiter
	Logger  *slog.Logger
	// Timeout bounds each coordinator call; lifecycle calls wait for the
	// ledger receipt.
	Timeout time.Duration
}

func NewServer(svc Coordinator, opts Options) *Server {
	if svc == nil {
		panic("coordinator required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	auth := opts.Auth
	if auth == nil {
		auth = NewAuthenticator(AuthConfig{}, logger)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Server{svc: svc, auth: auth, limiter: opts.Limiter, logger: logger, timeout: timeout}
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1/escrows", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}
		r.With(s.auth.Middleware(ScopeWrite)).Post("/", s.handleCreate)
		r.Route("/{dealId}", func(r chi.Router) {
			r.With(s.auth.Middleware(ScopeRead)).Get("/", s.handleStatus)
			r.With(s.auth.Middleware(ScopeRead)).Get("/dispute-intent", s.handleDisputeIntent)
			r.With(s.auth.Middleware(ScopeRead)).Get("/settlement", s.handleSettlement)
			r.Group(func(r chi.Router) {
				r.Use(s.auth.Middleware(ScopeWrite))
				r.Post("/release", s.handleRelease)
				r.Post("/refund", s.handleRefund)
				r.Post("/resolve", s.handleResolve)
				r.Post("/extend", s.handleExtend)
				r.Post("/payout", s.handlePayout)
			})
		})
	})
	return otelhttp.NewHandler(r, "escrowd")
}

type referralRequest struct {
	AccountID string `json:"accountId"`
	Amount    string `json:"amount"`
}

// CreateRequest is the JSON body of POST /v1/escrows. Amounts are decimal
// coin strings; addresses are bech32 account addresses or 0x hex.
type CreateRequest struct {
	BusinessID        string            `json:"businessId"`
	Funder            string            `json:"funder"`
	Beneficiary       string            `json:"beneficiary"`
	TotalAmount       string            `json:"totalAmount"`
	BeneficiaryAmount string            `json:"beneficiaryAmount"`
	Deadline          uint32            `json:"deadline"`
	FundingLowerBound uint32            `json:"fundingLowerBound,omitempty"`
	Referrals         []referralRequest `json:"referrals,omitempty"`
}

func (req CreateRequest) params() (coordinator.CreateParams, error) {
	funder, err := parseAddress(req.Funder)
	if err != nil {
		return coordinator.CreateParams{}, fmt.Errorf("funder: %w", err)
	}
	beneficiary, err := parseAddress(req.Beneficiary)
	if err != nil {
		return coordinator.CreateParams{}, fmt.Errorf("beneficiary: %w", err)
	}
	total, err := deal.ParseCoins(req.TotalAmount)
	if err != nil {
		return coordinator.CreateParams{}, fmt.Errorf("totalAmount: %w", err)
	}
	benAmount, err := deal.ParseCoins(req.BeneficiaryAmount)
	if err != nil {
		return coordinator.CreateParams{}, fmt.Errorf("beneficiaryAmount: %w", err)
	}
	referrals := make([]settlement.Referral, 0, len(req.Referrals))
	for i, ref := range req.Referrals {
		amount, err := deal.ParseCoins(ref.Amount)
		if err != nil {
			return coordinator.CreateParams{}, fmt.Errorf("referrals[%d]: %w", i, err)
		}
		referrals = append(referrals, settlement.Referral{AccountID: strings.TrimSpace(ref.AccountID), Amount: amount})
	}
	return coordinator.CreateParams{
		BusinessID:        req.BusinessID,
		Funder:            funder,
		Beneficiary:       beneficiary,
		TotalAmount:       total,
		BeneficiaryAmount: benAmount,
		Deadline:          req.Deadline,
		Referrals:         referrals,
		FundingLowerBound: req.FundingLowerBound,
	}, nil
}

func parseAddress(raw string) ([20]byte, error) {
	raw = strings.TrimSpace(raw)
	if common.IsHexAddress(raw) {
		return common.HexToAddress(raw), nil
	}
	addr, err := crypto.DecodeAddress(raw)
	if err != nil {
		return [20]byte{}, err
	}
	if addr.Prefix() != crypto.AccountPrefix {
		return [20]byte{}, fmt.Errorf("expected %s address, got %s", crypto.AccountPrefix, addr.Prefix())
	}
	return addr.Array(), nil
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	params, err := req.params()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := s.context(r)
	defer cancel()
	res, err := s.svc.CreateEscrow(ctx, params)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Existing {
		status = http.StatusOK
	}
	s.logger.Info("escrow created",
		slog.String("dealId", res.DealID),
		slog.String("contract", res.ContractAddress),
		slog.String("subject", SubjectFromContext(r.Context())))
	writeJSON(w, status, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	fresh := false
	if raw := r.URL.Query().Get("fresh"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("fresh: %w", err))
			return
		}
		fresh = parsed
	}
	ctx, cancel := s.context(r)
	defer cancel()
	status, err := s.svc.GetStatus(ctx, chi.URLParam(r, "dealId"), fresh)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleDisputeIntent(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.context(r)
	defer cancel()
	intent, err := s.svc.DisputeIntent(ctx, chi.URLParam(r, "dealId"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

func (s *Server) handleSettlement(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.context(r)
	defer cancel()
	record, err := s.svc.Settlement(ctx, chi.URLParam(r, "dealId"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handlePayout(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.context(r)
	defer cancel()
	record, err := s.svc.Payout(ctx, chi.URLParam(r, "dealId"))
	if err != nil {
		if record != nil {
			writeJSON(w, http.StatusBadGateway, map[string]interface{}{"error": err.Error(), "settlement": record})
			return
		}
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, func(ctx context.Context, dealID string) (*coordinator.DispatchResult, error) {
		return s.svc.Release(ctx, dealID)
	})
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, func(ctx context.Context, dealID string) (*coordinator.DispatchResult, error) {
		return s.svc.Refund(ctx, dealID)
	})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FavorBeneficiary *bool `json:"favorBeneficiary"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.FavorBeneficiary == nil {
		writeError(w, http.StatusBadRequest, errors.New("favorBeneficiary required"))
		return
	}
	s.lifecycle(w, r, func(ctx context.Context, dealID string) (*coordinator.DispatchResult, error) {
		return s.svc.Resolve(ctx, dealID, *req.FavorBeneficiary)
	})
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Deadline uint32 `json:"deadline"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Deadline == 0 {
		writeError(w, http.StatusBadRequest, errors.New("deadline required"))
		return
	}
	s.lifecycle(w, r, func(ctx context.Context, dealID string) (*coordinator.DispatchResult, error) {
		return s.svc.ExtendDeadline(ctx, dealID, req.Deadline)
	})
}

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, call func(context.Context, string) (*coordinator.DispatchResult, error)) {
	ctx, cancel := s.context(r)
	defer cancel()
	res, err := call(ctx, chi.URLParam(r, "dealId"))
	if err != nil {
		var ce *deal.ContractError
		if errors.As(err, &ce) {
			// Rejected on the ledger: report the exit code with the receipt.
			writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"error":    err.Error(),
				"exitCode": deal.ExitCode(err),
				"dispatch": res,
			})
			return
		}
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) context(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.timeout)
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	var ce *deal.ContractError
	switch {
	case errors.Is(err, coordinator.ErrInvalidParams):
		return http.StatusBadRequest
	case errors.Is(err, coordinator.ErrNotFound), errors.Is(err, settlement.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrConflict), errors.Is(err, settlement.ErrInvalidStatus):
		return http.StatusConflict
	case errors.As(err, &ce):
		return http.StatusUnprocessableEntity
	case errors.Is(err, coordinator.ErrQueueFull), errors.Is(err, coordinator.ErrDispatcherStopped):
		return http.StatusServiceUnavailable
	case coordinator.IsRetryable(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, dst interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return err
	}
	if len(body) > maxRequestBody {
		return errors.New("request body too large")
	}
	if len(body) == 0 {
		return errors.New("request body required")
	}
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON payload: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
