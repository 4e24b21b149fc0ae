package coordinator

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"dealescrow/ledger"
)

func TestFundingThresholdRoundsUp(t *testing.T) {
	cases := []struct {
		expected uint64
		bps      uint32
		want     uint64
	}{
		{1000, 9000, 900},
		{1001, 9000, 901},
		{7, 10000, 7},
		{7, 1, 1},
		{0, 9000, 0},
	}
	for _, tc := range cases {
		got := FundingThreshold(uint256.NewInt(tc.expected), tc.bps)
		if got.Uint64() != tc.want {
			t.Fatalf("threshold(%d, %d) = %d, want %d", tc.expected, tc.bps, got.Uint64(), tc.want)
		}
	}
}

func TestMatchFunding(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	other := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	receipt := func(to common.Address, value uint64, ts uint32, mutate func(*ledger.Receipt)) ledger.Receipt {
		r := ledger.Receipt{Kind: ledger.KindMessage, To: to, Value: uint256.NewInt(value), Success: true, Timestamp: ts}
		r.Hash[0] = byte(value)
		if mutate != nil {
			mutate(&r)
		}
		return r
	}
	expected := uint256.NewInt(100)

	receipts := []ledger.Receipt{
		receipt(addr, 100, 50, nil),
		receipt(other, 100, 200, nil),
		receipt(addr, 89, 200, nil),
		receipt(addr, 100, 200, func(r *ledger.Receipt) { r.Success = false }),
		receipt(addr, 100, 200, func(r *ledger.Receipt) { r.Ignored = true }),
		receipt(addr, 100, 200, func(r *ledger.Receipt) { r.Kind = ledger.KindDeploy }),
	}
	if got := MatchFunding(receipts, addr, expected, 9000, 100); got != nil {
		t.Fatalf("unexpected match: %+v", got)
	}

	receipts = append(receipts, receipt(addr, 90, 100, nil))
	got := MatchFunding(receipts, addr, expected, 9000, 100)
	if got == nil || got.Value.Uint64() != 90 {
		t.Fatalf("expected the 90 unit transfer at the lower bound, got %+v", got)
	}
	if MatchFunding(receipts, addr, expected, 10000, 100) != nil {
		t.Fatal("full confirmation must reject a partial transfer")
	}
}

func TestFromSenderFiltersFunder(t *testing.T) {
	funder := common.HexToAddress("0x00000000000000000000000000000000000000f1")
	stranger := common.HexToAddress("0x00000000000000000000000000000000000000f2")
	addr := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	receipts := []ledger.Receipt{
		{Kind: ledger.KindMessage, From: stranger, To: addr, Value: uint256.NewInt(100), Success: true, Timestamp: 10},
		{Kind: ledger.KindMessage, From: funder, To: addr, Value: uint256.NewInt(95), Success: true, Timestamp: 11},
	}
	if got := MatchFunding(receipts, addr, uint256.NewInt(100), 9000, 0); got == nil || got.From != stranger {
		t.Fatalf("any-sender match should take the first transfer, got %+v", got)
	}
	filtered := FromSender(receipts, funder)
	if len(filtered) != 1 {
		t.Fatalf("expected one funder receipt, got %d", len(filtered))
	}
	if got := MatchFunding(filtered, addr, uint256.NewInt(100), 9000, 0); got == nil || got.From != funder {
		t.Fatalf("funder-only match should take the funder transfer, got %+v", got)
	}
}
