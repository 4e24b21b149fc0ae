package settlement

import (
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Kind distinguishes release settlements from refund settlements.
type Kind string

const (
	KindRelease Kind = "release"
	KindRefund  Kind = "refund"
)

// Status tracks the payout leg of a settlement.
type Status string

const (
	StatusApplied       Status = "APPLIED"
	StatusPayoutPending Status = "PAYOUT_PENDING"
	StatusPaidOut       Status = "PAID_OUT"
	StatusCompensated   Status = "COMPENSATED"
)

// Entry kinds recorded in the books.
const (
	EntryBeneficiaryCredit = "beneficiary_credit"
	EntryPlatformFee       = "platform_fee"
	EntryReferralSplit     = "referral_split"
	EntryPayout            = "payout"
	EntryCompensation      = "compensation"
	EntryRefund            = "refund"
)

// PlatformAccountID is the account that retains custodian fees.
const PlatformAccountID = "platform:fees"

// Account is an off-ledger balance. Amounts are decimal strings of integer
// ledger units.
type Account struct {
	ID        string `gorm:"primaryKey;size:128"`
	Balance   string `gorm:"size:80;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LedgerEntry is one immutable movement against an account.
type LedgerEntry struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	SettlementID uuid.UUID `gorm:"type:uuid;index"`
	DealID       string    `gorm:"size:80;index"`
	AccountID    string    `gorm:"size:128;index"`
	Kind         string    `gorm:"size:32"`
	Credit       bool
	Amount       string `gorm:"size:80;not null"`
	Memo         string `gorm:"size:256"`
	CreatedAt    time.Time
}

// Settlement is the single booking made for a deal's terminal transition.
type Settlement struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	DealID             string    `gorm:"size:80;uniqueIndex"`
	Kind               Kind      `gorm:"size:16;index"`
	Status             Status    `gorm:"size:32;index"`
	ReceiptHash        string    `gorm:"size:80"`
	Released           string    `gorm:"size:80"`
	BeneficiaryAccount string    `gorm:"size:128"`
	BeneficiaryCredit  string    `gorm:"size:80"`
	PlatformFee        string    `gorm:"size:80"`
	ReferralTotal      string    `gorm:"size:80"`
	PayoutError        string    `gorm:"size:512"`
	CreatedAt          time.Time `gorm:"index"`
	UpdatedAt          time.Time
	Referrals          []ReferralSplit
}

// ReferralSplit records the share of a release paid to one referrer.
type ReferralSplit struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	SettlementID uuid.UUID `gorm:"type:uuid;index"`
	AccountID    string    `gorm:"size:128"`
	Requested    string    `gorm:"size:80"`
	Amount       string    `gorm:"size:80"`
	CreatedAt    time.Time
}

// AutoMigrate creates or updates the settlement tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &LedgerEntry{}, &Settlement{}, &ReferralSplit{})
}

// OpenDB opens the books database. DSNs starting with postgres:// or
// postgresql:// use the Postgres driver; anything else is a SQLite path.
// Query diagnostics go to logger.
func OpenDB(dsn string, logger *slog.Logger) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	var dialector gorm.Dialector
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		dialector = postgres.Open(trimmed)
	} else {
		dialector = sqlite.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: newQueryLogger(logger)})
	if err != nil {
		return nil, err
	}
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}
