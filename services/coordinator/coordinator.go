package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"dealescrow/crypto"
	"dealescrow/ledger"
	"dealescrow/native/deal"
	"dealescrow/services/mirror"
	"dealescrow/services/settlement"
)

// Dispatch actions.
const (
	ActionDeploy         = "deploy"
	ActionRelease        = "release"
	ActionRefund         = "refund"
	ActionResolve        = "resolve"
	ActionExtendDeadline = "extend_deadline"
)

// Options wires a Service.
type Options struct {
	Client     LedgerClient
	Keys       *crypto.KeySource
	Records    *Store
	Mirror     *mirror.Store
	Books      *settlement.Books
	Notifier   *Notifier
	Logger     *slog.Logger
	Now        func() time.Time
	Funding    FundingConfig
	Dispatch   DispatchConfig
	Reconcile  ReconcileConfig
	FundPolicy deal.FundPolicy
	AutoPayout bool
	// DispatchValue is attached to every lifecycle message; zero by default.
	DispatchValue *uint256.Int
}

// Service is the escrow coordinator. Reads and polls run concurrently per
// deal; every signed submission goes through the single Dispatcher.
type Service struct {
	client     LedgerClient
	keys       *crypto.KeySource
	records    *Store
	mirror     mirror.Reader
	books      *settlement.Books
	dispatcher *Dispatcher
	reconciler *Reconciler
	poller     *FundingPoller
	notifier   *Notifier
	logger     *slog.Logger
	now        func() time.Time
	value      *uint256.Int
	reconcile  time.Duration

	mu        sync.Mutex
	runCtx    context.Context
	watchers  sync.WaitGroup
	watching  map[string]struct{}
	callbacks []func(FundingConfirmation)
}

// New constructs a Service. Only the reconciler receives the writable
// mirror; the service itself reads through mirror.Reader.
func New(opts Options) (*Service, error) {
	if opts.Client == nil {
		return nil, errors.New("coordinator: ledger client required")
	}
	if opts.Keys == nil {
		return nil, errors.New("coordinator: key source required")
	}
	if opts.Records == nil || opts.Mirror == nil {
		return nil, errors.New("coordinator: record and mirror stores required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = NewNotifier(nil, nil, 0, logger)
	}
	reconciler, err := NewReconciler(ReconcilerConfig{
		Client:      opts.Client,
		Records:     opts.Records,
		Mirror:      opts.Mirror,
		Books:       opts.Books,
		Notifier:    notifier,
		Logger:      logger.With(slog.String("component", "reconciler")),
		Now:         now,
		HistorySize: opts.Reconcile.HistorySize,
		AutoPayout:  opts.AutoPayout,
	})
	if err != nil {
		return nil, err
	}
	dispatcher := NewDispatcher(DispatcherConfig{
		Client:         opts.Client,
		Store:          opts.Records,
		Logger:         logger.With(slog.String("component", "dispatcher")),
		QueueSize:      opts.Dispatch.QueueSize,
		MaxAttempts:    opts.Dispatch.MaxAttempts,
		InitialBackoff: opts.Dispatch.InitialBackoff.Duration,
		MaxBackoff:     opts.Dispatch.MaxBackoff.Duration,
	})
	poller := NewFundingPoller(FundingPollerConfig{
		Client:          opts.Client,
		Reconciler:      reconciler,
		Interval:        opts.Funding.PollInterval.Duration,
		Timeout:         opts.Funding.Timeout.Duration,
		ConfirmationBps: opts.Funding.ConfirmationBps,
		Policy:          opts.FundPolicy,
		HistorySize:     opts.Reconcile.HistorySize,
		Logger:          logger.With(slog.String("component", "funding")),
		Now:             now,
	})
	value := new(uint256.Int)
	if opts.DispatchValue != nil {
		value.Set(opts.DispatchValue)
	}
	return &Service{
		client:     opts.Client,
		keys:       opts.Keys,
		records:    opts.Records,
		mirror:     opts.Mirror,
		books:      opts.Books,
		dispatcher: dispatcher,
		reconciler: reconciler,
		poller:     poller,
		notifier:   notifier,
		logger:     logger,
		now:        now,
		value:      value,
		reconcile:  opts.Reconcile.Interval.Duration,
		watching:   make(map[string]struct{}),
	}, nil
}

// Notifier exposes the notification fan-out for subscriptions.
func (s *Service) Notifier() *Notifier { return s.notifier }

// Mirror exposes the read side of the settlement mirror.
func (s *Service) Mirror() mirror.Reader { return s.mirror }

// OnFundingConfirmed registers a callback invoked once per deal when funding
// is confirmed.
func (s *Service) OnFundingConfirmed(fn func(FundingConfirmation)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.callbacks = append(s.callbacks, fn)
	s.mu.Unlock()
}

// Run starts the dispatcher, notifier and reconciliation loop, recovers
// in-flight work and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); s.dispatcher.Run(ctx) }()
	go func() { defer wg.Done(); s.notifier.Run(ctx) }()
	go func() { defer wg.Done(); s.reconciler.Run(ctx, s.reconcile) }()

	s.waitForDispatcher(ctx)
	if err := s.Recover(ctx); err != nil {
		s.logger.Error("crash recovery incomplete", slog.Any("error", err))
	}

	<-ctx.Done()
	wg.Wait()
	s.watchers.Wait()
	return nil
}

func (s *Service) waitForDispatcher(ctx context.Context) {
	select {
	case <-s.dispatcher.Ready():
	case <-ctx.Done():
	}
}

// CreateParams are the inputs of CreateEscrow.
type CreateParams struct {
	BusinessID        string
	Funder            [20]byte
	Beneficiary       [20]byte
	TotalAmount       *uint256.Int
	BeneficiaryAmount *uint256.Int
	Deadline          uint32
	Referrals         []settlement.Referral
	// FundingLowerBound defaults to the creation time.
	FundingLowerBound uint32
}

// CreateResult is returned by CreateEscrow.
type CreateResult struct {
	DealID          string    `json:"dealId"`
	ContractAddress string    `json:"contractAddress"`
	Address         string    `json:"address"`
	Custodian       string    `json:"custodian"`
	Status          string    `json:"status"`
	PlatformFee     string    `json:"platformFee"`
	PayIntent       PayIntent `json:"payIntent"`
	Existing        bool      `json:"existing,omitempty"`
}

// CreateEscrow computes the contract address, derives the custodian key,
// deploys the contract and starts funding confirmation. The address is known
// before any ledger call. A key derivation failure aborts before anything is
// deployed. Repeating the call with identical terms is a no-op.
func (s *Service) CreateEscrow(ctx context.Context, params CreateParams) (*CreateResult, error) {
	businessID := strings.TrimSpace(params.BusinessID)
	if businessID == "" {
		return nil, fmt.Errorf("%w: business id required", ErrInvalidParams)
	}
	dealID := deal.DealIDFromBusinessID(businessID)
	key, err := s.keys.SigningKey(dealID)
	if err != nil {
		return nil, fmt.Errorf("derive custodian key: %w", err)
	}
	cfg := deal.Config{
		DealID:            dealID,
		Funder:            params.Funder,
		Beneficiary:       params.Beneficiary,
		Custodian:         key.PubKey().Address().Array(),
		TotalAmount:       params.TotalAmount,
		BeneficiaryAmount: params.BeneficiaryAmount,
		Deadline:          params.Deadline,
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if err := validateReferrals(params.Referrals, cfg.PlatformFee()); err != nil {
		return nil, err
	}
	addr, err := deal.ComputeAddress(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	now := s.now().UTC()
	lowerBound := params.FundingLowerBound
	if lowerBound == 0 {
		lowerBound = uint32(now.Unix())
	}
	rec := Record{
		DealID:            deal.DealIDHex(dealID),
		BusinessID:        businessID,
		ContractAddress:   common.Address(addr).Hex(),
		Funder:            common.Address(cfg.Funder).Hex(),
		Beneficiary:       common.Address(cfg.Beneficiary).Hex(),
		Custodian:         common.Address(cfg.Custodian).Hex(),
		TotalAmount:       cfg.TotalAmount.Dec(),
		BeneficiaryAmount: cfg.BeneficiaryAmount.Dec(),
		Deadline:          cfg.Deadline,
		FundingLowerBound: lowerBound,
		Referrals:         params.Referrals,
		Status:            deal.StatusPending.String(),
		PendingAction:     ActionDeploy,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	existing := false
	if err := s.records.InsertRecord(ctx, rec); err != nil {
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		stored, getErr := s.records.GetRecord(ctx, rec.DealID)
		if getErr != nil {
			return nil, getErr
		}
		if stored.ContractAddress != rec.ContractAddress {
			return nil, fmt.Errorf("%w: %s", ErrConflict, businessID)
		}
		rec = *stored
		existing = true
	}

	if rec.PendingAction == ActionDeploy {
		if err := s.deploy(ctx, &rec, cfg, key); err != nil {
			return nil, err
		}
	}
	if !rec.Archived && rec.Status == deal.StatusPending.String() {
		s.watchFunding(rec)
	}

	return &CreateResult{
		DealID:          rec.DealID,
		ContractAddress: rec.ContractAddress,
		Address:         crypto.AddressFrom20(crypto.DealPrefix, addr).String(),
		Custodian:       crypto.AddressFrom20(crypto.AccountPrefix, cfg.Custodian).String(),
		Status:          rec.Status,
		PlatformFee:     cfg.PlatformFee().Dec(),
		PayIntent:       FundingIntent(addr, cfg.TotalAmount, queryIDFor(uuid.NewSHA1(uuid.NameSpaceOID, []byte(rec.DealID)))),
		Existing:        existing,
	}, nil
}

func validateReferrals(referrals []settlement.Referral, fee *uint256.Int) error {
	total := new(uint256.Int)
	for _, ref := range referrals {
		if strings.TrimSpace(ref.AccountID) == "" || ref.Amount == nil {
			return fmt.Errorf("%w: referral requires account and amount", ErrInvalidParams)
		}
		if _, overflow := total.AddOverflow(total, ref.Amount); overflow {
			return fmt.Errorf("%w: referral total overflows", ErrInvalidParams)
		}
	}
	if total.Cmp(fee) > 0 {
		return fmt.Errorf("%w: referrals %s exceed platform fee %s", ErrInvalidParams, total.Dec(), fee.Dec())
	}
	return nil
}

func (s *Service) deploy(ctx context.Context, rec *Record, cfg deal.Config, key *crypto.PrivateKey) error {
	d, reused, err := s.journal(ctx, rec.DealID, ActionDeploy, false, 0)
	if err != nil {
		return err
	}
	if reused {
		s.logger.Info("deploy already in flight", slog.String("dealId", rec.DealID), slog.String("dispatchId", d.ID.String()))
	}
	receipt, err := s.dispatcher.Submit(ctx, Submission{
		DispatchID: d.ID,
		Action:     ActionDeploy,
		Key:        key,
		Build: func(seq uint64) (*ledger.Transaction, error) {
			return ledger.NewDeployTx(cfg, seq)
		},
	})
	if err != nil {
		s.finishDispatch(d.ID, DispatchFailed, "", 0, err.Error())
		return fmt.Errorf("deploy %s: %w", rec.DealID, err)
	}
	if !receipt.Success {
		s.finishDispatch(d.ID, DispatchFailed, receipt.Hash.Hex(), receipt.ExitCode, receipt.Error)
		return fmt.Errorf("deploy %s: %w", rec.DealID, receipt.ContractError())
	}
	s.finishDispatch(d.ID, DispatchConfirmed, receipt.Hash.Hex(), 0, "")
	none := ""
	if err := s.records.UpdateRecord(ctx, rec.DealID, RecordUpdate{PendingAction: &none}); err != nil {
		return err
	}
	rec.PendingAction = ""
	if _, err := s.reconciler.Reconcile(ctx, rec); err != nil {
		s.logger.Warn("post-deploy reconcile failed", slog.String("dealId", rec.DealID), slog.Any("error", err))
	}
	s.logger.Info("deal deployed",
		slog.String("dealId", rec.DealID),
		slog.String("contract", rec.ContractAddress),
		slog.Bool("alreadyDeployed", receipt.Ignored))
	return nil
}

// journal records a PENDING dispatch, or returns the in-flight one with the
// same fingerprint.
func (s *Service) journal(ctx context.Context, dealID, action string, favor bool, deadline uint32) (*Dispatch, bool, error) {
	fp := Fingerprint(dealID, action, favor, deadline)
	if existing, err := s.records.InFlightByFingerprint(ctx, fp); err != nil {
		return nil, false, err
	} else if existing != nil {
		return existing, true, nil
	}
	now := s.now().UTC()
	id := uuid.New()
	d := Dispatch{
		ID:               id,
		DealID:           dealID,
		Action:           action,
		FavorBeneficiary: favor,
		NewDeadline:      deadline,
		QueryID:          queryIDFor(id),
		Fingerprint:      fp,
		State:            DispatchPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.records.InsertDispatch(ctx, d); err != nil {
		return nil, false, err
	}
	return &d, false, nil
}

func (s *Service) finishDispatch(id uuid.UUID, state DispatchState, txHash string, exit uint32, msg string) {
	if err := s.records.FinishDispatch(context.Background(), id, state, txHash, exit, msg); err != nil {
		s.logger.Error("journal update failed", slog.String("dispatchId", id.String()), slog.Any("error", err))
	}
}

func (s *Service) watchFunding(rec Record) {
	s.mu.Lock()
	ctx := s.runCtx
	if ctx == nil {
		s.mu.Unlock()
		s.logger.Debug("service not running, funding watch deferred to recovery", slog.String("dealId", rec.DealID))
		return
	}
	if _, ok := s.watching[rec.DealID]; ok {
		s.mu.Unlock()
		return
	}
	s.watching[rec.DealID] = struct{}{}
	s.watchers.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.watchers.Done()
		defer func() {
			s.mu.Lock()
			delete(s.watching, rec.DealID)
			s.mu.Unlock()
		}()
		confirmation, err := s.poller.Await(ctx, &rec)
		if err != nil {
			if errors.Is(err, ErrFundingTimeout) {
				s.logger.Warn("funding not confirmed before timeout", slog.String("dealId", rec.DealID))
				s.notifier.Publish(Notification{Type: EventFundingTimeout, DealID: rec.DealID, ContractAddress: rec.ContractAddress})
			}
			return
		}
		s.fundingConfirmed(*confirmation)
	}()
}

func (s *Service) fundingConfirmed(c FundingConfirmation) {
	hash := c.TxHash
	if err := s.records.UpdateRecord(context.Background(), c.DealID, RecordUpdate{FundingTxHash: &hash}); err != nil {
		s.logger.Warn("record funding hash", slog.String("dealId", c.DealID), slog.Any("error", err))
	}
	s.logger.Info("funding confirmed",
		slog.String("dealId", c.DealID),
		slog.String("amount", c.Amount),
		slog.String("txHash", c.TxHash))
	s.notifier.Publish(Notification{
		Type:            EventFundingConfirmed,
		DealID:          c.DealID,
		ContractAddress: c.ContractAddress,
		Attributes:      map[string]string{"amount": c.Amount, "txHash": c.TxHash},
	})
	s.mu.Lock()
	callbacks := append(([]func(FundingConfirmation))(nil), s.callbacks...)
	s.mu.Unlock()
	for _, fn := range callbacks {
		fn(c)
	}
}

// Status is the answer to GetStatus.
type Status struct {
	DealID          string    `json:"dealId"`
	ContractAddress string    `json:"contractAddress"`
	Status          string    `json:"status"`
	Balance         string    `json:"balance,omitempty"`
	Deadline        uint32    `json:"deadline"`
	LastPolledAt    time.Time `json:"lastPolledAt"`
	Settled         bool      `json:"settled"`
	Archived        bool      `json:"archived"`
	Fresh           bool      `json:"fresh"`
}

// GetStatus returns the cached mirror status, or reconciles against the
// ledger when fresh is set or nothing is cached.
func (s *Service) GetStatus(ctx context.Context, dealID string, fresh bool) (*Status, error) {
	rec, err := s.record(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if !fresh {
		entry, err := s.mirror.Get(rec.DealID)
		if err == nil {
			return &Status{
				DealID:          rec.DealID,
				ContractAddress: rec.ContractAddress,
				Status:          entry.LastKnownStatus,
				Balance:         entry.Balance,
				Deadline:        entry.Deadline,
				LastPolledAt:    entry.LastPolledAt,
				Settled:         rec.Settled,
				Archived:        rec.Archived,
			}, nil
		}
		if !errors.Is(err, mirror.ErrNotFound) {
			return nil, err
		}
	}
	obs, err := s.reconciler.Reconcile(ctx, rec)
	if err != nil {
		return nil, err
	}
	deadline := obs.Deadline
	if !obs.Deployed || obs.Status.Terminal() {
		deadline = rec.Deadline
	}
	return &Status{
		DealID:          rec.DealID,
		ContractAddress: rec.ContractAddress,
		Status:          obs.Status.String(),
		Balance:         obs.Balance.Dec(),
		Deadline:        deadline,
		LastPolledAt:    rec.LastPolledAt,
		Settled:         rec.Settled,
		Archived:        rec.Archived,
		Fresh:           true,
	}, nil
}

func (s *Service) record(ctx context.Context, dealID string) (*Record, error) {
	id, err := deal.ParseDealIDHex(dealID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return s.records.GetRecord(ctx, deal.DealIDHex(id))
}

// DispatchResult describes the outcome of a lifecycle dispatch.
type DispatchResult struct {
	DispatchID string `json:"dispatchId"`
	DealID     string `json:"dealId"`
	Action     string `json:"action"`
	TxHash     string `json:"txHash"`
	Status     string `json:"status"`
	Ignored    bool   `json:"ignored,omitempty"`
}

// Release asks the contract to pay the whole balance to the custodian.
func (s *Service) Release(ctx context.Context, dealID string) (*DispatchResult, error) {
	return s.dispatch(ctx, dealID, ActionRelease, false, 0)
}

// Refund asks the contract to return the whole balance to the funder.
func (s *Service) Refund(ctx context.Context, dealID string) (*DispatchResult, error) {
	return s.dispatch(ctx, dealID, ActionRefund, false, 0)
}

// Resolve settles a dispute for either party.
func (s *Service) Resolve(ctx context.Context, dealID string, favorBeneficiary bool) (*DispatchResult, error) {
	return s.dispatch(ctx, dealID, ActionResolve, favorBeneficiary, 0)
}

// ExtendDeadline moves the deadline to newDeadline.
func (s *Service) ExtendDeadline(ctx context.Context, dealID string, newDeadline uint32) (*DispatchResult, error) {
	return s.dispatch(ctx, dealID, ActionExtendDeadline, false, newDeadline)
}

// DisputeIntent returns the unsigned Dispute message a party sends itself.
func (s *Service) DisputeIntent(ctx context.Context, dealID string) (PayIntent, error) {
	rec, err := s.record(ctx, dealID)
	if err != nil {
		return PayIntent{}, err
	}
	return DisputeIntent(rec.Address(), queryIDFor(uuid.New())), nil
}

func bodyFor(action string, queryID uint64, favor bool, deadline uint32) ([]byte, error) {
	switch action {
	case ActionRelease:
		return deal.ReleaseBody(queryID), nil
	case ActionRefund:
		return deal.RefundBody(queryID), nil
	case ActionResolve:
		return deal.ResolveBody(queryID, favor), nil
	case ActionExtendDeadline:
		return deal.ExtendDeadlineBody(queryID, deadline), nil
	default:
		return nil, fmt.Errorf("coordinator: unknown action %q", action)
	}
}

func (s *Service) dispatch(ctx context.Context, dealID, action string, favor bool, deadline uint32) (*DispatchResult, error) {
	rec, err := s.record(ctx, dealID)
	if err != nil {
		return nil, err
	}
	d, _, err := s.journal(ctx, rec.DealID, action, favor, deadline)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, rec, d)
}

// execute signs and submits a journalled dispatch, then reconciles.
func (s *Service) execute(ctx context.Context, rec *Record, d *Dispatch) (*DispatchResult, error) {
	dealID, err := deal.ParseDealIDHex(rec.DealID)
	if err != nil {
		return nil, err
	}
	key, err := s.keys.SigningKey(dealID)
	if err != nil {
		s.finishDispatch(d.ID, DispatchFailed, "", 0, err.Error())
		return nil, fmt.Errorf("derive custodian key: %w", err)
	}
	if common.Address(key.PubKey().Address().Array()).Hex() != rec.Custodian {
		err := fmt.Errorf("%w: signing key does not match custodian of %s", crypto.ErrKeyDerivation, rec.DealID)
		s.finishDispatch(d.ID, DispatchFailed, "", 0, err.Error())
		return nil, err
	}
	body, err := bodyFor(d.Action, d.QueryID, d.FavorBeneficiary, d.NewDeadline)
	if err != nil {
		s.finishDispatch(d.ID, DispatchFailed, "", 0, err.Error())
		return nil, err
	}
	pending := d.Action
	if err := s.records.UpdateRecord(ctx, rec.DealID, RecordUpdate{PendingAction: &pending}); err != nil {
		return nil, err
	}
	receipt, err := s.dispatcher.Submit(ctx, Submission{
		DispatchID: d.ID,
		Action:     d.Action,
		Key:        key,
		Build: func(seq uint64) (*ledger.Transaction, error) {
			return ledger.NewMessageTx(rec.Address(), seq, s.value, body), nil
		},
	})
	if err != nil && IsRetryable(err) {
		if landed, lookupErr := s.landedReceipt(ctx, d.ID); lookupErr != nil {
			s.logger.Warn("journalled receipt lookup failed", slog.String("dealId", rec.DealID), slog.Any("error", lookupErr))
		} else if landed != nil {
			receipt, err = landed, nil
		}
	}
	if err != nil {
		// The journal stays PROCESSING when the transaction may have reached
		// the ledger; recovery resolves it against ledger truth.
		if !IsRetryable(err) {
			s.finishDispatch(d.ID, DispatchFailed, "", 0, err.Error())
			s.clearPending(rec.DealID)
		}
		return nil, err
	}

	result := &DispatchResult{
		DispatchID: d.ID.String(),
		DealID:     rec.DealID,
		Action:     d.Action,
		TxHash:     receipt.Hash.Hex(),
		Ignored:    receipt.Ignored,
	}
	if !receipt.Success {
		s.finishDispatch(d.ID, DispatchFailed, result.TxHash, receipt.ExitCode, receipt.Error)
		s.clearPending(rec.DealID)
		return result, receipt.ContractError()
	}
	s.finishDispatch(d.ID, DispatchConfirmed, result.TxHash, 0, "")
	s.clearPending(rec.DealID)
	rec.PendingAction = ""

	obs, err := s.reconciler.Reconcile(ctx, rec)
	if err != nil {
		s.logger.Warn("post-dispatch reconcile failed", slog.String("dealId", rec.DealID), slog.Any("error", err))
		result.Status = rec.Status
	} else {
		result.Status = obs.Status.String()
	}
	return result, nil
}

func (s *Service) clearPending(dealID string) {
	none := ""
	if err := s.records.UpdateRecord(context.Background(), dealID, RecordUpdate{PendingAction: &none}); err != nil {
		s.logger.Warn("clear pending action", slog.String("dealId", dealID), slog.Any("error", err))
	}
}

// Recover resolves journal entries left in flight by a crash. A PROCESSING
// entry whose transaction is found in the custodian's history is finished
// from that receipt; anything else is reconciled and resubmitted if the deal
// still needs it. Funding watches are restarted for unfunded deals.
func (s *Service) Recover(ctx context.Context) error {
	inflight, err := s.records.InFlightDispatches(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for i := range inflight {
		if err := s.recoverDispatch(ctx, &inflight[i]); err != nil {
			errs = append(errs, fmt.Errorf("dispatch %s: %w", inflight[i].ID, err))
		}
	}

	active, err := s.records.ListActive(ctx)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	for i := range active {
		rec := active[i]
		if rec.PendingAction == ActionDeploy {
			cfg, err := rec.Config()
			if err == nil {
				var key *crypto.PrivateKey
				if key, err = s.keys.SigningKey(cfg.DealID); err == nil {
					err = s.deploy(ctx, &rec, cfg, key)
				}
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("redeploy %s: %w", rec.DealID, err))
				continue
			}
		}
		if rec.PendingAction == "" && rec.Status == deal.StatusPending.String() {
			s.watchFunding(rec)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) recoverDispatch(ctx context.Context, d *Dispatch) error {
	rec, err := s.records.GetRecord(ctx, d.DealID)
	if err != nil {
		return err
	}
	logger := s.logger.With(
		slog.String("dealId", d.DealID),
		slog.String("dispatchId", d.ID.String()),
		slog.String("action", d.Action))

	if d.State == DispatchProcessing && d.TxHash != "" {
		receipt, err := s.findReceipt(ctx, d.TxHash)
		if err != nil {
			return err
		}
		if receipt != nil {
			state := DispatchConfirmed
			if !receipt.Success {
				state = DispatchFailed
			}
			s.finishDispatch(d.ID, state, d.TxHash, receipt.ExitCode, receipt.Error)
			s.clearPending(rec.DealID)
			logger.Info("recovered dispatch from ledger receipt", slog.String("state", string(state)))
			_, err := s.reconciler.Reconcile(ctx, rec)
			return err
		}
	}

	obs, err := s.reconciler.Reconcile(ctx, rec)
	if err != nil {
		return err
	}
	if d.Action == ActionDeploy {
		if obs.Deployed || obs.Status != deal.StatusPending {
			s.finishDispatch(d.ID, DispatchConfirmed, d.TxHash, 0, "")
			s.clearPending(rec.DealID)
			return nil
		}
		cfg, err := rec.Config()
		if err != nil {
			return err
		}
		key, err := s.keys.SigningKey(cfg.DealID)
		if err != nil {
			s.finishDispatch(d.ID, DispatchFailed, "", 0, err.Error())
			return err
		}
		logger.Info("resubmitting deployment")
		return s.deploy(ctx, rec, cfg, key)
	}
	if obs.Status.Terminal() {
		s.finishDispatch(d.ID, DispatchFailed, d.TxHash, 0, "deal already "+obs.Status.String())
		return nil
	}
	logger.Info("resubmitting dispatch")
	_, err = s.execute(ctx, rec, d)
	return err
}

// findReceipt returns the receipt of txHash, or nil when the ledger has not
// seen it.
func (s *Service) findReceipt(ctx context.Context, txHash string) (*ledger.Receipt, error) {
	receipt, err := s.client.Receipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ledger.ErrReceiptNotFound) {
		return nil, nil
	}
	return receipt, err
}

// landedReceipt looks up the transaction last journalled for dispatch id.
func (s *Service) landedReceipt(ctx context.Context, id uuid.UUID) (*ledger.Receipt, error) {
	d, err := s.records.GetDispatch(ctx, id)
	if err != nil || d.TxHash == "" {
		return nil, err
	}
	return s.findReceipt(ctx, d.TxHash)
}

// Settlement returns the off-ledger settlement of a deal.
func (s *Service) Settlement(ctx context.Context, dealID string) (*settlement.Settlement, error) {
	if s.books == nil {
		return nil, fmt.Errorf("%w: settlement books not configured", ErrNotFound)
	}
	rec, err := s.record(ctx, dealID)
	if err != nil {
		return nil, err
	}
	return s.books.Settlement(ctx, rec.DealID)
}

// Payout transfers a released deal's beneficiary credit out of the books.
func (s *Service) Payout(ctx context.Context, dealID string) (*settlement.Settlement, error) {
	if s.books == nil {
		return nil, fmt.Errorf("%w: settlement books not configured", ErrNotFound)
	}
	rec, err := s.record(ctx, dealID)
	if err != nil {
		return nil, err
	}
	return s.books.Payout(ctx, rec.DealID)
}

// Export writes the settlement report for [start, end) into dir.
func (s *Service) Export(ctx context.Context, start, end time.Time, dir string) (*settlement.Report, error) {
	if s.books == nil {
		return nil, fmt.Errorf("%w: settlement books not configured", ErrNotFound)
	}
	return s.books.Export(ctx, start, end, dir)
}
