package settlement

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// Referral is a fixed share of the platform fee owed to a referrer.
type Referral struct {
	AccountID string       `json:"accountId"`
	Amount    *uint256.Int `json:"amount"`
}

// Share is the amount actually credited to an account by a split.
type Share struct {
	AccountID string
	Requested *uint256.Int
	Amount    *uint256.Int
}

// Split is the exact partition of a released balance.
type Split struct {
	Released    *uint256.Int
	Beneficiary *uint256.Int
	PlatformFee *uint256.Int
	Referrals   []Share
}

// ReferralTotal sums the credited referral shares.
func (s Split) ReferralTotal() *uint256.Int {
	total := new(uint256.Int)
	for _, share := range s.Referrals {
		total.Add(total, share.Amount)
	}
	return total
}

// Sum returns beneficiary + fee + referrals. It always equals Released.
func (s Split) Sum() *uint256.Int {
	sum := new(uint256.Int).Add(s.Beneficiary, s.PlatformFee)
	return sum.Add(sum, s.ReferralTotal())
}

// ComputeSplit partitions released between the beneficiary, the referrers and
// the platform. The beneficiary is credited first up to beneficiaryAmount;
// referrers are paid in order from what remains, each capped by the
// remainder; the platform keeps the rest. Network cost shortfalls therefore
// reduce the platform fee before anything else, and overfunding accrues to
// the platform.
func ComputeSplit(released, beneficiaryAmount *uint256.Int, referrals []Referral) (Split, error) {
	if released == nil || beneficiaryAmount == nil {
		return Split{}, errors.New("settlement: released and beneficiary amounts required")
	}
	split := Split{Released: new(uint256.Int).Set(released)}
	if beneficiaryAmount.Cmp(released) < 0 {
		split.Beneficiary = new(uint256.Int).Set(beneficiaryAmount)
	} else {
		split.Beneficiary = new(uint256.Int).Set(released)
	}
	remaining := new(uint256.Int).Sub(released, split.Beneficiary)
	seen := make(map[string]struct{}, len(referrals))
	for _, ref := range referrals {
		id := strings.TrimSpace(ref.AccountID)
		if id == "" {
			return Split{}, errors.New("settlement: referral account required")
		}
		if _, dup := seen[id]; dup {
			return Split{}, fmt.Errorf("settlement: duplicate referral account %s", id)
		}
		seen[id] = struct{}{}
		requested := new(uint256.Int)
		if ref.Amount != nil {
			requested.Set(ref.Amount)
		}
		credited := new(uint256.Int).Set(requested)
		if credited.Cmp(remaining) > 0 {
			credited.Set(remaining)
		}
		remaining.Sub(remaining, credited)
		split.Referrals = append(split.Referrals, Share{AccountID: id, Requested: requested, Amount: credited})
	}
	split.PlatformFee = remaining
	return split, nil
}
