package deal

import (
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

const (
	addressDomainTag = "dealescrow/contract-address/v1"
	codeIdentifier   = "dealescrow.deal.v1"
)

// CodeHash identifies the contract code every deal is deployed with.
var CodeHash = ethcrypto.Keccak256Hash([]byte(codeIdentifier))

// ComputeAddress derives the deterministic contract address for cfg without
// any ledger round trip. It hashes the domain tag, the code hash and the
// canonical init-state encoding and keeps the trailing 20 bytes.
func ComputeAddress(cfg Config) ([20]byte, error) {
	init, err := InitStorage(cfg)
	if err != nil {
		return [20]byte{}, err
	}
	digest := ethcrypto.Keccak256([]byte(addressDomainTag), CodeHash.Bytes(), init.Bytes())
	var addr [20]byte
	copy(addr[:], digest[len(digest)-20:])
	return addr, nil
}

// DealIDFromBusinessID hashes an opaque business identifier into the fixed
// width deal id. The identifier is not recoverable from the result.
func DealIDFromBusinessID(businessID string) *uint256.Int {
	sum := ethcrypto.Keccak256([]byte(strings.TrimSpace(businessID)))
	return new(uint256.Int).SetBytes32(sum)
}

// DealIDBytes returns the 32-byte big-endian form used in keys and payloads.
func DealIDBytes(id *uint256.Int) [32]byte {
	return cloneInt(id).Bytes32()
}

// DealIDHex renders a deal id as 0x-prefixed 64 hex characters.
func DealIDHex(id *uint256.Int) string {
	b := DealIDBytes(id)
	return "0x" + hexEncode(b[:])
}

// ParseDealIDHex parses the format produced by DealIDHex.
func ParseDealIDHex(s string) (*uint256.Int, error) {
	b, err := hexDecodeFixed(s, 32)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).SetBytes32(b), nil
}
