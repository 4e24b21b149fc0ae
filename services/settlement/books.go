package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"dealescrow/observability"
)

var (
	// ErrNotFound is returned when no settlement exists for a deal.
	ErrNotFound = errors.New("settlement: not found")
	// ErrInsufficientBalance is returned when an account cannot cover a debit.
	ErrInsufficientBalance = errors.New("settlement: insufficient balance")
	// ErrInvalidStatus is returned when a payout is attempted from the wrong status.
	ErrInvalidStatus = errors.New("settlement: invalid status")
)

// Payouter moves an off-ledger balance to its owner outside the books, e.g.
// a bank or wallet transfer. It returns an external reference.
type Payouter interface {
	Pay(ctx context.Context, accountID string, amount *uint256.Int) (string, error)
}

// FuncPayouter adapts a function to the Payouter interface.
type FuncPayouter func(ctx context.Context, accountID string, amount *uint256.Int) (string, error)

// Pay implements Payouter.
func (f FuncPayouter) Pay(ctx context.Context, accountID string, amount *uint256.Int) (string, error) {
	if f == nil {
		return "", errors.New("settlement: payouter not configured")
	}
	return f(ctx, accountID, amount)
}

// Config wires the dependencies for Books.
type Config struct {
	DB       *gorm.DB
	Now      func() time.Time
	Logger   *slog.Logger
	Payouter Payouter
}

// Books records the off-ledger consequences of terminal deal transitions.
type Books struct {
	db       *gorm.DB
	now      func() time.Time
	logger   *slog.Logger
	payouter Payouter
}

// NewBooks constructs the bookkeeping service.
func NewBooks(cfg Config) (*Books, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("settlement: db required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Books{db: cfg.DB, now: now, logger: logger, payouter: cfg.Payouter}, nil
}

// ReleaseInput describes a release observed on the ledger.
type ReleaseInput struct {
	DealID             string
	ReceiptHash        string
	Released           *uint256.Int
	BeneficiaryAccount string
	BeneficiaryAmount  *uint256.Int
	Referrals          []Referral
}

// RefundInput describes a refund observed on the ledger.
type RefundInput struct {
	DealID      string
	ReceiptHash string
	Refunded    *uint256.Int
}

// ApplyRelease books a release in a single transaction: the beneficiary
// credit, each referral share and the retained platform fee. Replays for a
// deal that is already booked return the existing settlement unchanged.
func (b *Books) ApplyRelease(ctx context.Context, in ReleaseInput) (*Settlement, error) {
	dealID := strings.TrimSpace(in.DealID)
	if dealID == "" {
		return nil, errors.New("settlement: deal id required")
	}
	beneficiary := strings.TrimSpace(in.BeneficiaryAccount)
	if beneficiary == "" {
		return nil, errors.New("settlement: beneficiary account required")
	}
	split, err := ComputeSplit(in.Released, in.BeneficiaryAmount, in.Referrals)
	if err != nil {
		return nil, err
	}
	now := b.now().UTC()
	var result Settlement
	replay := false
	err = b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := findSettlement(tx, dealID)
		if err == nil {
			result = *existing
			replay = true
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		result = Settlement{
			ID:                 uuid.New(),
			DealID:             dealID,
			Kind:               KindRelease,
			Status:             StatusApplied,
			ReceiptHash:        in.ReceiptHash,
			Released:           split.Released.Dec(),
			BeneficiaryAccount: beneficiary,
			BeneficiaryCredit:  split.Beneficiary.Dec(),
			PlatformFee:        split.PlatformFee.Dec(),
			ReferralTotal:      split.ReferralTotal().Dec(),
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := tx.Create(&result).Error; err != nil {
			return err
		}
		if err := b.credit(tx, result.ID, dealID, beneficiary, EntryBeneficiaryCredit, split.Beneficiary, now); err != nil {
			return err
		}
		for _, share := range split.Referrals {
			row := ReferralSplit{
				ID:           uuid.New(),
				SettlementID: result.ID,
				AccountID:    share.AccountID,
				Requested:    share.Requested.Dec(),
				Amount:       share.Amount.Dec(),
				CreatedAt:    now,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			result.Referrals = append(result.Referrals, row)
			if err := b.credit(tx, result.ID, dealID, share.AccountID, EntryReferralSplit, share.Amount, now); err != nil {
				return err
			}
		}
		return b.credit(tx, result.ID, dealID, PlatformAccountID, EntryPlatformFee, split.PlatformFee, now)
	})
	if err != nil {
		return nil, err
	}
	if !replay {
		observability.Coordinator().RecordSettlement(string(KindRelease))
		b.logger.Info("settlement applied",
			slog.String("dealId", dealID),
			slog.String("released", result.Released),
			slog.String("beneficiaryCredit", result.BeneficiaryCredit),
			slog.String("platformFee", result.PlatformFee),
			slog.String("referrals", result.ReferralTotal))
	}
	return &result, nil
}

// ApplyRefund records a refund. Refunded value went back to the funder on the
// ledger, so no off-ledger balance is credited; an audit entry is kept.
func (b *Books) ApplyRefund(ctx context.Context, in RefundInput) (*Settlement, error) {
	dealID := strings.TrimSpace(in.DealID)
	if dealID == "" {
		return nil, errors.New("settlement: deal id required")
	}
	refunded := new(uint256.Int)
	if in.Refunded != nil {
		refunded.Set(in.Refunded)
	}
	now := b.now().UTC()
	var result Settlement
	replay := false
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := findSettlement(tx, dealID)
		if err == nil {
			result = *existing
			replay = true
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		zero := "0"
		result = Settlement{
			ID:                uuid.New(),
			DealID:            dealID,
			Kind:              KindRefund,
			Status:            StatusApplied,
			ReceiptHash:       in.ReceiptHash,
			Released:          refunded.Dec(),
			BeneficiaryCredit: zero,
			PlatformFee:       zero,
			ReferralTotal:     zero,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := tx.Create(&result).Error; err != nil {
			return err
		}
		entry := LedgerEntry{
			ID:           uuid.New(),
			SettlementID: result.ID,
			DealID:       dealID,
			AccountID:    "",
			Kind:         EntryRefund,
			Amount:       refunded.Dec(),
			Memo:         "returned to funder on ledger",
			CreatedAt:    now,
		}
		return tx.Create(&entry).Error
	})
	if err != nil {
		return nil, err
	}
	if !replay {
		observability.Coordinator().RecordSettlement(string(KindRefund))
		b.logger.Info("refund recorded", slog.String("dealId", dealID), slog.String("refunded", result.Released))
	}
	return &result, nil
}

// Payout transfers the beneficiary credit of a release out of the books. The
// balance is debited before the external transfer; if the transfer fails the
// balance is restored and a compensating entry is recorded.
func (b *Books) Payout(ctx context.Context, dealID string) (*Settlement, error) {
	if b.payouter == nil {
		return nil, errors.New("settlement: payouter not configured")
	}
	dealID = strings.TrimSpace(dealID)
	now := b.now().UTC()
	var record Settlement
	var amount *uint256.Int
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row Settlement
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "deal_id = ?", dealID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if row.Kind != KindRelease || (row.Status != StatusApplied && row.Status != StatusCompensated) {
			return fmt.Errorf("%w: %s %s", ErrInvalidStatus, row.Kind, row.Status)
		}
		credit, err := uint256.FromDecimal(row.BeneficiaryCredit)
		if err != nil {
			return err
		}
		if err := b.debit(tx, row.ID, dealID, row.BeneficiaryAccount, EntryPayout, credit, now); err != nil {
			return err
		}
		row.Status = StatusPayoutPending
		row.UpdatedAt = now
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		record = row
		amount = credit
		return nil
	})
	if err != nil {
		return nil, err
	}

	ref, payErr := b.payouter.Pay(ctx, record.BeneficiaryAccount, amount)
	if payErr != nil {
		b.logger.Warn("payout failed, compensating",
			slog.String("dealId", dealID),
			slog.String("account", record.BeneficiaryAccount),
			slog.Any("error", payErr))
		if err := b.compensate(context.WithoutCancel(ctx), &record, amount, payErr); err != nil {
			return nil, fmt.Errorf("settlement: compensate after payout failure (%v): %w", payErr, err)
		}
		observability.Coordinator().RecordCompensation()
		return &record, fmt.Errorf("settlement: payout: %w", payErr)
	}
	record.Status = StatusPaidOut
	record.PayoutError = ""
	record.UpdatedAt = b.now().UTC()
	if err := b.db.WithContext(ctx).Model(&Settlement{}).Where("id = ?", record.ID).
		Updates(map[string]any{"status": record.Status, "payout_error": "", "updated_at": record.UpdatedAt}).Error; err != nil {
		return nil, err
	}
	b.logger.Info("payout completed", slog.String("dealId", dealID), slog.String("reference", ref))
	return &record, nil
}

func (b *Books) compensate(ctx context.Context, record *Settlement, amount *uint256.Int, cause error) error {
	now := b.now().UTC()
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := b.credit(tx, record.ID, record.DealID, record.BeneficiaryAccount, EntryCompensation, amount, now); err != nil {
			return err
		}
		record.Status = StatusCompensated
		record.PayoutError = truncate(cause.Error(), 512)
		record.UpdatedAt = now
		return tx.Model(&Settlement{}).Where("id = ?", record.ID).
			Updates(map[string]any{"status": record.Status, "payout_error": record.PayoutError, "updated_at": now}).Error
	})
}

// Settlement returns the booking for dealID.
func (b *Books) Settlement(ctx context.Context, dealID string) (*Settlement, error) {
	return findSettlement(b.db.WithContext(ctx), strings.TrimSpace(dealID))
}

// Balance returns the current balance of accountID; unknown accounts are zero.
func (b *Books) Balance(ctx context.Context, accountID string) (*uint256.Int, error) {
	var acct Account
	err := b.db.WithContext(ctx).First(&acct, "id = ?", accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return uint256.FromDecimal(acct.Balance)
}

// Entries returns the ledger entries booked for dealID in insertion order.
func (b *Books) Entries(ctx context.Context, dealID string) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	err := b.db.WithContext(ctx).Where("deal_id = ?", dealID).Order("created_at asc").Find(&entries).Error
	return entries, err
}

func findSettlement(tx *gorm.DB, dealID string) (*Settlement, error) {
	var row Settlement
	err := tx.Preload("Referrals").First(&row, "deal_id = ?", dealID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (b *Books) credit(tx *gorm.DB, settlementID uuid.UUID, dealID, accountID, kind string, amount *uint256.Int, now time.Time) error {
	return b.adjust(tx, settlementID, dealID, accountID, kind, amount, true, now)
}

func (b *Books) debit(tx *gorm.DB, settlementID uuid.UUID, dealID, accountID, kind string, amount *uint256.Int, now time.Time) error {
	return b.adjust(tx, settlementID, dealID, accountID, kind, amount, false, now)
}

func (b *Books) adjust(tx *gorm.DB, settlementID uuid.UUID, dealID, accountID, kind string, amount *uint256.Int, credit bool, now time.Time) error {
	var acct Account
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&acct, "id = ?", accountID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		acct = Account{ID: accountID, Balance: "0", CreatedAt: now}
		if err := tx.Create(&acct).Error; err != nil {
			return err
		}
	case err != nil:
		return err
	}
	balance, err := uint256.FromDecimal(acct.Balance)
	if err != nil {
		return fmt.Errorf("settlement: account %s balance: %w", accountID, err)
	}
	if credit {
		if _, overflow := balance.AddOverflow(balance, amount); overflow {
			return fmt.Errorf("settlement: account %s balance overflow", accountID)
		}
	} else {
		if balance.Cmp(amount) < 0 {
			return fmt.Errorf("%w: %s", ErrInsufficientBalance, accountID)
		}
		balance.Sub(balance, amount)
	}
	if err := tx.Model(&Account{}).Where("id = ?", accountID).
		Updates(map[string]any{"balance": balance.Dec(), "updated_at": now}).Error; err != nil {
		return err
	}
	entry := LedgerEntry{
		ID:           uuid.New(),
		SettlementID: settlementID,
		DealID:       dealID,
		AccountID:    accountID,
		Kind:         kind,
		Credit:       credit,
		Amount:       amount.Dec(),
		CreatedAt:    now,
	}
	return tx.Create(&entry).Error
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
