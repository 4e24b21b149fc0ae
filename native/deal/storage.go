package deal

import (
	"bytes"
	"encoding/binary"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Persistent layout. External tooling reads these records directly so the
// field order and widths are fixed.
//
//	record one: status(1) | dealId(32) | funder(20) | beneficiary(20) | ref(32)
//	record two: custodian(20) | totalAmount(32) | beneficiaryAmount(32) | deadline(4) | createdAt(4)
//
// ref is keccak256(record two).
const (
	RecordOneSize  = 1 + 32 + 20 + 20 + 32
	RecordTwoSize  = 20 + 32 + 32 + 4 + 4
	MaxRecordBytes = 127
)

// Storage is the encoded contract state as held by the ledger.
type Storage struct {
	RecordOne []byte
	RecordTwo []byte
}

// Ref returns the link from record one to record two.
func (s Storage) Ref() [32]byte {
	return ethcrypto.Keccak256Hash(s.RecordTwo)
}

// Bytes concatenates both records, which is the canonical init-state encoding
// used for address derivation.
func (s Storage) Bytes() []byte {
	out := make([]byte, 0, len(s.RecordOne)+len(s.RecordTwo))
	out = append(out, s.RecordOne...)
	return append(out, s.RecordTwo...)
}

// EncodeStorage serialises the escrow into its two linked records.
func EncodeStorage(esc *DealEscrow) (Storage, error) {
	if esc == nil {
		return Storage{}, fmt.Errorf("deal: nil escrow")
	}
	if !esc.Status.Valid() {
		return Storage{}, fmt.Errorf("deal: invalid status %d", esc.Status)
	}
	two := make([]byte, RecordTwoSize)
	off := 0
	off += copy(two[off:], esc.Custodian[:])
	total := cloneInt(esc.TotalAmount).Bytes32()
	off += copy(two[off:], total[:])
	ben := cloneInt(esc.BeneficiaryAmount).Bytes32()
	off += copy(two[off:], ben[:])
	binary.BigEndian.PutUint32(two[off:], esc.Deadline)
	off += 4
	binary.BigEndian.PutUint32(two[off:], esc.CreatedAt)

	one := make([]byte, RecordOneSize)
	one[0] = byte(esc.Status)
	off = 1
	id := cloneInt(esc.DealID).Bytes32()
	off += copy(one[off:], id[:])
	off += copy(one[off:], esc.Funder[:])
	off += copy(one[off:], esc.Beneficiary[:])
	ref := ethcrypto.Keccak256(two)
	copy(one[off:], ref)

	return Storage{RecordOne: one, RecordTwo: two}, nil
}

// DecodeStorage reverses EncodeStorage and verifies the record link.
func DecodeStorage(s Storage) (*DealEscrow, error) {
	if len(s.RecordOne) != RecordOneSize {
		return nil, fmt.Errorf("deal: record one has %d bytes, want %d", len(s.RecordOne), RecordOneSize)
	}
	if len(s.RecordTwo) != RecordTwoSize {
		return nil, fmt.Errorf("deal: record two has %d bytes, want %d", len(s.RecordTwo), RecordTwoSize)
	}
	ref := s.RecordOne[RecordOneSize-32:]
	if !bytes.Equal(ref, ethcrypto.Keccak256(s.RecordTwo)) {
		return nil, fmt.Errorf("deal: record two does not match reference")
	}
	esc := &DealEscrow{Status: Status(s.RecordOne[0])}
	if !esc.Status.Valid() {
		return nil, fmt.Errorf("deal: invalid status %d", s.RecordOne[0])
	}
	off := 1
	esc.DealID = new(uint256.Int).SetBytes32(s.RecordOne[off : off+32])
	off += 32
	copy(esc.Funder[:], s.RecordOne[off:off+20])
	off += 20
	copy(esc.Beneficiary[:], s.RecordOne[off:off+20])

	off = 0
	copy(esc.Custodian[:], s.RecordTwo[off:off+20])
	off += 20
	esc.TotalAmount = new(uint256.Int).SetBytes32(s.RecordTwo[off : off+32])
	off += 32
	esc.BeneficiaryAmount = new(uint256.Int).SetBytes32(s.RecordTwo[off : off+32])
	off += 32
	esc.Deadline = binary.BigEndian.Uint32(s.RecordTwo[off : off+4])
	off += 4
	esc.CreatedAt = binary.BigEndian.Uint32(s.RecordTwo[off : off+4])
	return esc, nil
}

// InitStorage encodes the deployment configuration as the initial PENDING
// state with a zero creation time. The ledger stamps createdAt when the
// deployment executes; the address only commits to the configuration.
func InitStorage(cfg Config) (Storage, error) {
	if err := cfg.Validate(); err != nil {
		return Storage{}, err
	}
	esc, err := NewDealEscrow(cfg, 0)
	if err != nil {
		return Storage{}, err
	}
	return EncodeStorage(esc)
}
