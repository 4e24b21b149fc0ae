package deal

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/holiman/uint256"
)

func TestMessageWireLayout(t *testing.T) {
	cases := []struct {
		name string
		body []byte
		want string
	}{
		{"fund", FundBody(0x0102030405060708), "00000001" + "0102030405060708"},
		{"release", ReleaseBody(1), "00000002" + "0000000000000001"},
		{"refund", RefundBody(2), "00000003" + "0000000000000002"},
		{"dispute", DisputeBody(3), "00000004" + "0000000000000003"},
		{"resolve true", ResolveBody(4, true), "00000005" + "0000000000000004" + "01"},
		{"resolve false", ResolveBody(4, false), "00000005" + "0000000000000004" + "00"},
		{"extend", ExtendDeadlineBody(5, 0x65000000), "00000006" + "0000000000000005" + "65000000"},
	}
	for _, tc := range cases {
		if got := hex.EncodeToString(tc.body); got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

func TestDecodeMessage(t *testing.T) {
	msg, err := DecodeMessage(ExtendDeadlineBody(77, 1234))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Op != OpExtendDeadline || msg.QueryID != 77 || msg.NewDeadline != 1234 {
		t.Fatalf("unexpected message %+v", msg)
	}

	// Only the low bit of the resolve flag is significant.
	body := ResolveBody(1, false)
	body[HeaderSize] = 0xFE
	msg, err = DecodeMessage(body)
	if err != nil || msg.FavorBeneficiary {
		t.Fatalf("expected favorBeneficiary=false, got %+v err=%v", msg, err)
	}
	body[HeaderSize] = 0x03
	if msg, _ = DecodeMessage(body); !msg.FavorBeneficiary {
		t.Fatalf("expected favorBeneficiary=true")
	}

	if _, err := DecodeMessage(ResolveBody(1, true)[:HeaderSize]); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected malformed, got %v", err)
	}
	if _, err := DecodeMessage([]byte{0, 0, 0}); !errors.Is(err, ErrUnknownOp) {
		t.Fatalf("expected unknown op for short header, got %v", err)
	}
	if _, err := ParseOp("extend_deadline"); err != nil {
		t.Fatalf("parse op: %v", err)
	}
}

func TestStorageRecordSizes(t *testing.T) {
	if RecordOneSize > MaxRecordBytes || RecordTwoSize > MaxRecordBytes {
		t.Fatalf("records exceed per-record limit: %d %d", RecordOneSize, RecordTwoSize)
	}
	st, err := EncodeStorage(newTestEscrow(t))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(st.RecordOne) != 105 || len(st.RecordTwo) != 92 {
		t.Fatalf("unexpected record sizes %d %d", len(st.RecordOne), len(st.RecordTwo))
	}
	ref := st.Ref()
	if !bytes.Equal(st.RecordOne[RecordOneSize-32:], ref[:]) {
		t.Fatalf("record one does not reference record two")
	}
	if st.RecordOne[0] != byte(StatusPending) {
		t.Fatalf("status must lead record one")
	}
	if !bytes.Equal(st.RecordTwo[:20], testCustodian[:]) {
		t.Fatalf("custodian must lead record two")
	}
}

func TestStorageRoundTripAllStatuses(t *testing.T) {
	for _, status := range []Status{StatusPending, StatusFunded, StatusDisputed, StatusReleased, StatusRefunded} {
		esc := newTestEscrow(t)
		esc.Status = status
		esc.Deadline = 0xFFFFFFFF
		esc.TotalAmount = new(uint256.Int).SetAllOne()
		esc.BeneficiaryAmount = uint256.NewInt(0)
		st, err := EncodeStorage(esc)
		if err != nil {
			t.Fatalf("encode %s: %v", status, err)
		}
		got, err := DecodeStorage(st)
		if err != nil {
			t.Fatalf("decode %s: %v", status, err)
		}
		if got.Status != esc.Status || !got.DealID.Eq(esc.DealID) || got.Funder != esc.Funder ||
			got.Beneficiary != esc.Beneficiary || got.Custodian != esc.Custodian ||
			!got.TotalAmount.Eq(esc.TotalAmount) || !got.BeneficiaryAmount.Eq(esc.BeneficiaryAmount) ||
			got.Deadline != esc.Deadline || got.CreatedAt != esc.CreatedAt {
			t.Fatalf("round trip mismatch for %s: %+v vs %+v", status, got, esc)
		}
	}
}

func TestDecodeStorageRejectsTampering(t *testing.T) {
	st, err := EncodeStorage(newTestEscrow(t))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	st.RecordTwo[len(st.RecordTwo)-1] ^= 0xFF
	if _, err := DecodeStorage(st); err == nil {
		t.Fatalf("expected reference mismatch")
	}
	if _, err := DecodeStorage(Storage{RecordOne: make([]byte, 3)}); err == nil {
		t.Fatalf("expected size error")
	}
}

func TestComputeAddressDeterministic(t *testing.T) {
	cfg := testConfig()
	a1, err := ComputeAddress(cfg)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	a2, _ := ComputeAddress(testConfig())
	if a1 != a2 {
		t.Fatalf("address not deterministic")
	}

	mutations := map[string]func(*Config){
		"dealId":      func(c *Config) { c.DealID = DealIDFromBusinessID("order-43") },
		"funder":      func(c *Config) { c.Funder = newTestAddress(0x66) },
		"beneficiary": func(c *Config) { c.Beneficiary = newTestAddress(0x67) },
		"custodian":   func(c *Config) { c.Custodian = newTestAddress(0x68) },
		"total":       func(c *Config) { c.TotalAmount = MustCoins("10.000000001") },
		"beneficiaryAmount": func(c *Config) {
			c.BeneficiaryAmount = MustCoins("9.4")
		},
		"deadline": func(c *Config) { c.Deadline++ },
	}
	seen := map[[20]byte]string{a1: "base"}
	for name, mutate := range mutations {
		c := testConfig()
		mutate(&c)
		addr, err := ComputeAddress(c)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if prev, dup := seen[addr]; dup {
			t.Fatalf("%s collides with %s", name, prev)
		}
		seen[addr] = name
	}
}

func TestComputeAddressRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.BeneficiaryAmount = MustCoins("11")
	if _, err := ComputeAddress(cfg); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestDealIDHexRoundTrip(t *testing.T) {
	id := DealIDFromBusinessID("campaign/17/deal/3")
	parsed, err := ParseDealIDHex(DealIDHex(id))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.Eq(id) {
		t.Fatalf("round trip mismatch")
	}
	if DealIDFromBusinessID("a").Eq(DealIDFromBusinessID("b")) {
		t.Fatalf("distinct business ids must map to distinct deal ids")
	}
}

func TestCoinsParsing(t *testing.T) {
	cases := map[string]uint64{
		"10":          10_000_000_000,
		"9.5":         9_500_000_000,
		"10.05":       10_050_000_000,
		"0.000000001": 1,
		".5":          500_000_000,
	}
	for in, want := range cases {
		got, err := ParseCoins(in)
		if err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if got.Uint64() != want {
			t.Fatalf("%s: got %d want %d", in, got.Uint64(), want)
		}
	}
	if _, err := ParseCoins("1.0000000001"); err == nil {
		t.Fatalf("expected precision error")
	}
	if _, err := ParseCoins("abc"); err == nil {
		t.Fatalf("expected parse error")
	}
	if got := FormatCoins(MustCoins("10.05")); got != "10.05" {
		t.Fatalf("format: %s", got)
	}
	if got := FormatCoins(MustCoins("3")); got != "3" {
		t.Fatalf("format: %s", got)
	}
}
