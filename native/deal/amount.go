package deal

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// UnitDecimals is the number of fractional digits of one coin expressed in
// ledger units.
const UnitDecimals = 9

var unitScale = uint256.NewInt(1_000_000_000)

// ParseCoins converts a decimal coin amount such as "10.05" into ledger units.
// Amounts with more than UnitDecimals fractional digits are rejected rather
// than rounded.
func ParseCoins(s string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, fmt.Errorf("deal: empty amount")
	}
	whole, frac, _ := strings.Cut(trimmed, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > UnitDecimals {
		return nil, fmt.Errorf("deal: amount %q has more than %d decimals", s, UnitDecimals)
	}
	frac += strings.Repeat("0", UnitDecimals-len(frac))
	w, err := uint256.FromDecimal(whole)
	if err != nil {
		return nil, fmt.Errorf("deal: invalid amount %q: %w", s, err)
	}
	f, err := uint256.FromDecimal(frac)
	if err != nil {
		return nil, fmt.Errorf("deal: invalid amount %q: %w", s, err)
	}
	out, overflow := new(uint256.Int).MulOverflow(w, unitScale)
	if overflow {
		return nil, fmt.Errorf("deal: amount %q overflows", s)
	}
	if _, overflow := out.AddOverflow(out, f); overflow {
		return nil, fmt.Errorf("deal: amount %q overflows", s)
	}
	return out, nil
}

// MustCoins is ParseCoins for constants and tests.
func MustCoins(s string) *uint256.Int {
	v, err := ParseCoins(s)
	if err != nil {
		panic(err)
	}
	return v
}

// FormatCoins renders ledger units as a decimal coin amount with trailing
// zeros trimmed.
func FormatCoins(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	q, r := new(uint256.Int).DivMod(v, unitScale, new(uint256.Int))
	if r.IsZero() {
		return q.Dec()
	}
	frac := fmt.Sprintf("%0*d", UnitDecimals, r.Uint64())
	return q.Dec() + "." + strings.TrimRight(frac, "0")
}

func hexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

func hexDecodeFixed(s string, size int) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("deal: invalid hex: %w", err)
	}
	if len(raw) != size {
		return nil, fmt.Errorf("deal: expected %d bytes, got %d", size, len(raw))
	}
	return raw, nil
}
