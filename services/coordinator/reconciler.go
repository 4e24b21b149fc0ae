package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"dealescrow/ledger"
	"dealescrow/native/deal"
	"dealescrow/observability"
	"dealescrow/services/mirror"
	"dealescrow/services/settlement"
)

// Observation is the ledger's view of one deal.
type Observation struct {
	Deployed bool
	Status   deal.Status
	Balance  *uint256.Int
	Deadline uint32
	// Terminal is the receipt that swept the balance, set once the contract
	// has been destroyed.
	Terminal *ledger.Receipt
}

// ReconcilerConfig wires a Reconciler.
type ReconcilerConfig struct {
	Client      LedgerClient
	Records     *Store
	Mirror      *mirror.Store
	Books       *settlement.Books
	Notifier    *Notifier
	Logger      *slog.Logger
	Now         func() time.Time
	HistorySize int
	AutoPayout  bool
}

// Reconciler is the only writer of the settlement mirror. It reads ledger
// truth, overwrites the mirror when they disagree and bridges terminal
// transitions into the off-ledger books.
type Reconciler struct {
	client      LedgerClient
	records     *Store
	mirror      *mirror.Store
	books       *settlement.Books
	notifier    *Notifier
	logger      *slog.Logger
	now         func() time.Time
	historySize int
	autoPayout  bool

	locks sync.Map
}

// NewReconciler validates cfg and returns a reconciler.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Client == nil {
		return nil, errors.New("coordinator: reconciler requires a ledger client")
	}
	if cfg.Records == nil || cfg.Mirror == nil {
		return nil, errors.New("coordinator: reconciler requires record and mirror stores")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	history := cfg.HistorySize
	if history <= 0 {
		history = 100
	}
	return &Reconciler{
		client:      cfg.Client,
		records:     cfg.Records,
		mirror:      cfg.Mirror,
		books:       cfg.Books,
		notifier:    cfg.Notifier,
		logger:      logger,
		now:         now,
		historySize: history,
		autoPayout:  cfg.AutoPayout,
	}, nil
}

func (r *Reconciler) lock(dealID string) func() {
	v, _ := r.locks.LoadOrStore(dealID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Observe reads the ledger state of the deal contract at addr.
func (r *Reconciler) Observe(ctx context.Context, addr [20]byte) (Observation, error) {
	acct, err := r.client.Account(ctx, addr)
	if err != nil {
		return Observation{}, err
	}
	obs := Observation{Status: deal.StatusPending, Balance: new(uint256.Int)}
	if acct.Balance != nil {
		obs.Balance = acct.Balance.Clone()
	}
	if acct.Contract != nil {
		esc, err := acct.Contract.Escrow()
		if err != nil {
			return Observation{}, fmt.Errorf("decode contract state: %w", err)
		}
		obs.Deployed = true
		obs.Status = esc.Status
		obs.Deadline = esc.Deadline
		return obs, nil
	}
	if !acct.Retired {
		return obs, nil
	}
	if acct.SweepReceipt != nil {
		status, err := deal.ParseStatus(acct.FinalStatus)
		if err != nil {
			return Observation{}, fmt.Errorf("decode final status: %w", err)
		}
		rc, err := r.client.Receipt(ctx, *acct.SweepReceipt)
		if err != nil {
			return Observation{}, fmt.Errorf("sweep receipt: %w", err)
		}
		obs.Deployed = true
		obs.Status = status
		obs.Terminal = rc
		obs.Balance = new(uint256.Int)
		return obs, nil
	}
	// Ledgers that do not report the sweep receipt are searched by history.
	receipts, err := r.client.Transactions(ctx, addr, r.historySize)
	if err != nil {
		return Observation{}, err
	}
	for i := len(receipts) - 1; i >= 0; i-- {
		rc := receipts[i]
		if !rc.Success || rc.Payout == nil || rc.To != addr {
			continue
		}
		for _, evt := range rc.Events {
			switch evt.Type {
			case deal.EventTypeReleased:
				obs.Status = deal.StatusReleased
			case deal.EventTypeRefunded:
				obs.Status = deal.StatusRefunded
			default:
				continue
			}
			obs.Deployed = true
			obs.Terminal = &rc
			obs.Balance = new(uint256.Int)
			return obs, nil
		}
	}
	return Observation{}, fmt.Errorf("coordinator: contract %x retired but terminal receipt not in last %d transactions", addr, r.historySize)
}

// Reconcile refreshes the mirror entry and record of rec from ledger truth
// and bridges a terminal transition into the books exactly once.
func (r *Reconciler) Reconcile(ctx context.Context, rec *Record) (Observation, error) {
	unlock := r.lock(rec.DealID)
	defer unlock()

	obs, err := r.Observe(ctx, rec.Address())
	if err != nil {
		observability.Coordinator().RecordReconcile("error")
		return Observation{}, err
	}
	now := r.now().UTC()
	status := obs.Status.String()
	entry := mirror.Entry{
		DealID:          rec.DealID,
		ContractAddress: rec.ContractAddress,
		LastKnownStatus: status,
		Balance:         obs.Balance.Dec(),
		Deadline:        obs.Deadline,
		LastPolledAt:    now,
	}
	if !obs.Deployed {
		entry.Deadline = rec.Deadline
	}
	prev, err := r.mirror.Upsert(entry)
	if err != nil {
		observability.Coordinator().RecordReconcile("error")
		return Observation{}, fmt.Errorf("mirror upsert: %w", err)
	}
	if prev != nil && prev.LastKnownStatus != status {
		observability.Coordinator().RecordDisagreement(prev.LastKnownStatus, status)
		r.logger.Info("mirror disagreed with ledger, ledger wins",
			slog.String("dealId", rec.DealID),
			slog.String("mirror", prev.LastKnownStatus),
			slog.String("ledger", status))
	}

	previous := rec.Status
	upd := RecordUpdate{Status: &status, LastPolledAt: &now}
	if err := r.records.UpdateRecord(ctx, rec.DealID, upd); err != nil {
		observability.Coordinator().RecordReconcile("error")
		return Observation{}, err
	}
	rec.Status = status
	rec.LastPolledAt = now

	if previous != status {
		r.announceTransition(rec, previous, obs)
	} else if obs.Deployed && prev != nil && prev.Deadline != 0 && prev.Deadline != obs.Deadline && !obs.Status.Terminal() {
		r.publish(EventDeadlineExtended, rec, map[string]string{
			"previousDeadline": fmt.Sprint(prev.Deadline),
			"deadline":         fmt.Sprint(obs.Deadline),
		})
	}

	if obs.Status.Terminal() && !rec.Settled {
		if err := r.settle(ctx, rec, obs); err != nil {
			observability.Coordinator().RecordReconcile("error")
			return obs, err
		}
	}
	observability.Coordinator().RecordReconcile("ok")
	return obs, nil
}

func (r *Reconciler) announceTransition(rec *Record, previous string, obs Observation) {
	r.logger.Info("deal status changed",
		slog.String("dealId", rec.DealID),
		slog.String("from", previous),
		slog.String("to", obs.Status.String()))
	if obs.Status == deal.StatusDisputed {
		r.publish(EventDisputed, rec, nil)
	}
}

func (r *Reconciler) settle(ctx context.Context, rec *Record, obs Observation) error {
	amount := new(uint256.Int)
	receiptHash := ""
	if obs.Terminal != nil {
		receiptHash = obs.Terminal.Hash.Hex()
		if obs.Terminal.Payout != nil && obs.Terminal.Payout.Amount != nil {
			amount = obs.Terminal.Payout.Amount.Clone()
		}
	}
	attrs := map[string]string{"amount": amount.Dec(), "receiptHash": receiptHash}
	if r.books != nil {
		switch obs.Status {
		case deal.StatusReleased:
			benAmount, err := uint256.FromDecimal(rec.BeneficiaryAmount)
			if err != nil {
				return fmt.Errorf("beneficiary amount: %w", err)
			}
			booked, err := r.books.ApplyRelease(ctx, settlement.ReleaseInput{
				DealID:             rec.DealID,
				ReceiptHash:        receiptHash,
				Released:           amount,
				BeneficiaryAccount: BeneficiaryAccountID(rec.Beneficiary),
				BeneficiaryAmount:  benAmount,
				Referrals:          rec.Referrals,
			})
			if err != nil {
				return fmt.Errorf("settle release: %w", err)
			}
			attrs["beneficiaryCredit"] = booked.BeneficiaryCredit
			attrs["platformFee"] = booked.PlatformFee
			attrs["referrals"] = booked.ReferralTotal
			if r.autoPayout {
				if _, err := r.books.Payout(ctx, rec.DealID); err != nil {
					// The books have already compensated; the balance stays
					// available for a later payout.
					r.logger.Warn("auto payout failed", slog.String("dealId", rec.DealID), slog.Any("error", err))
				}
			}
		case deal.StatusRefunded:
			if _, err := r.books.ApplyRefund(ctx, settlement.RefundInput{
				DealID:      rec.DealID,
				ReceiptHash: receiptHash,
				Refunded:    amount,
			}); err != nil {
				return fmt.Errorf("settle refund: %w", err)
			}
		}
	}
	settled, archived, none := true, true, ""
	if err := r.records.UpdateRecord(ctx, rec.DealID, RecordUpdate{Settled: &settled, Archived: &archived, PendingAction: &none}); err != nil {
		return err
	}
	rec.Settled, rec.Archived, rec.PendingAction = true, true, ""
	eventType := EventReleased
	if obs.Status == deal.StatusRefunded {
		eventType = EventRefunded
	}
	r.publish(eventType, rec, attrs)
	r.logger.Info("deal settled and archived",
		slog.String("dealId", rec.DealID),
		slog.String("status", obs.Status.String()),
		slog.String("amount", amount.Dec()))
	return nil
}

func (r *Reconciler) publish(eventType string, rec *Record, attrs map[string]string) {
	if r.notifier == nil {
		return
	}
	r.notifier.Publish(Notification{
		Type:            eventType,
		DealID:          rec.DealID,
		ContractAddress: rec.ContractAddress,
		Attributes:      attrs,
	})
}

// ReconcileAll reconciles every active record. Individual failures are
// logged and do not stop the pass.
func (r *Reconciler) ReconcileAll(ctx context.Context) int {
	records, err := r.records.ListActive(ctx)
	if err != nil {
		r.logger.Error("list active deals", slog.Any("error", err))
		return 0
	}
	ok := 0
	for i := range records {
		if ctx.Err() != nil {
			break
		}
		if _, err := r.Reconcile(ctx, &records[i]); err != nil {
			r.logger.Warn("reconcile failed", slog.String("dealId", records[i].DealID), slog.Any("error", err))
			continue
		}
		ok++
	}
	return ok
}

// Run reconciles all active deals every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReconcileAll(ctx)
		}
	}
}

// BeneficiaryAccountID names the off-ledger account credited on release.
func BeneficiaryAccountID(beneficiary string) string {
	return "beneficiary:" + strings.ToLower(beneficiary)
}
