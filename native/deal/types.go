package deal

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Status represents the lifecycle state of a deal contract.
type Status uint8

const (
	StatusPending Status = iota
	StatusFunded
	StatusDisputed
	StatusReleased
	StatusRefunded
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusFunded, StatusDisputed, StatusReleased, StatusRefunded:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status ends the contract's life.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// Custodial reports whether the contract is expected to hold funds in this
// status.
func (s Status) Custodial() bool {
	return s == StatusFunded || s == StatusDisputed
}

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusFunded:
		return "FUNDED"
	case StatusDisputed:
		return "DISPUTED"
	case StatusReleased:
		return "RELEASED"
	case StatusRefunded:
		return "REFUNDED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// ParseStatus converts the canonical string form back into a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "PENDING":
		return StatusPending, nil
	case "FUNDED":
		return StatusFunded, nil
	case "DISPUTED":
		return StatusDisputed, nil
	case "RELEASED":
		return StatusReleased, nil
	case "REFUNDED":
		return StatusRefunded, nil
	default:
		return 0, fmt.Errorf("deal: unknown status %q", s)
	}
}

// Config is the immutable deployment configuration of a deal contract. The
// contract address is a pure function of these fields.
type Config struct {
	DealID            *uint256.Int
	Funder            [20]byte
	Beneficiary       [20]byte
	Custodian         [20]byte
	TotalAmount       *uint256.Int
	BeneficiaryAmount *uint256.Int
	Deadline          uint32
}

// Validate checks the static invariants of a deployment configuration.
func (c Config) Validate() error {
	if c.DealID == nil {
		return fmt.Errorf("deal: deal id required")
	}
	if c.Funder == ([20]byte{}) {
		return fmt.Errorf("deal: funder address required")
	}
	if c.Beneficiary == ([20]byte{}) {
		return fmt.Errorf("deal: beneficiary address required")
	}
	if c.Custodian == ([20]byte{}) {
		return fmt.Errorf("deal: custodian address required")
	}
	if c.TotalAmount == nil || c.TotalAmount.IsZero() {
		return fmt.Errorf("deal: total amount must be positive")
	}
	if c.BeneficiaryAmount == nil {
		return fmt.Errorf("deal: beneficiary amount required")
	}
	if c.BeneficiaryAmount.Gt(c.TotalAmount) {
		return fmt.Errorf("deal: beneficiary amount exceeds total amount")
	}
	if c.Deadline == 0 {
		return fmt.Errorf("deal: deadline required")
	}
	return nil
}

// PlatformFee returns totalAmount - beneficiaryAmount.
func (c Config) PlatformFee() *uint256.Int {
	if c.TotalAmount == nil || c.BeneficiaryAmount == nil {
		return uint256.NewInt(0)
	}
	return new(uint256.Int).Sub(c.TotalAmount, c.BeneficiaryAmount)
}

// DealEscrow is the persistent on-ledger state of one deal contract.
type DealEscrow struct {
	DealID            *uint256.Int
	Funder            [20]byte
	Beneficiary       [20]byte
	Custodian         [20]byte
	TotalAmount       *uint256.Int
	BeneficiaryAmount *uint256.Int
	Status            Status
	Deadline          uint32
	CreatedAt         uint32
}

// NewDealEscrow builds the initial PENDING state for a validated config.
func NewDealEscrow(cfg Config, createdAt uint32) (*DealEscrow, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &DealEscrow{
		DealID:            cfg.DealID.Clone(),
		Funder:            cfg.Funder,
		Beneficiary:       cfg.Beneficiary,
		Custodian:         cfg.Custodian,
		TotalAmount:       cfg.TotalAmount.Clone(),
		BeneficiaryAmount: cfg.BeneficiaryAmount.Clone(),
		Status:            StatusPending,
		Deadline:          cfg.Deadline,
		CreatedAt:         createdAt,
	}, nil
}

// Clone returns a deep copy so callers can mutate the copy without affecting
// the stored instance.
func (e *DealEscrow) Clone() *DealEscrow {
	if e == nil {
		return nil
	}
	clone := *e
	clone.DealID = cloneInt(e.DealID)
	clone.TotalAmount = cloneInt(e.TotalAmount)
	clone.BeneficiaryAmount = cloneInt(e.BeneficiaryAmount)
	return &clone
}

// Config reconstructs the deployment configuration the contract was created
// with. The deadline reflects the current (possibly extended) value.
func (e *DealEscrow) Config() Config {
	return Config{
		DealID:            cloneInt(e.DealID),
		Funder:            e.Funder,
		Beneficiary:       e.Beneficiary,
		Custodian:         e.Custodian,
		TotalAmount:       cloneInt(e.TotalAmount),
		BeneficiaryAmount: cloneInt(e.BeneficiaryAmount),
		Deadline:          e.Deadline,
	}
}

// PlatformFee is fixed at creation and never recomputed from a rate.
func (e *DealEscrow) PlatformFee() *uint256.Int {
	return e.Config().PlatformFee()
}

func cloneInt(v *uint256.Int) *uint256.Int {
	if v == nil {
		return uint256.NewInt(0)
	}
	return v.Clone()
}
