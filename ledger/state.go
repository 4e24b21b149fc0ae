package ledger

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"dealescrow/native/deal"
	"dealescrow/storage"
)

// state reads and writes ledger records through kv, which is either the
// ledger database or a batch staged over it.
type state struct {
	kv storage.Database
}

func (s state) accountState(addr [20]byte) (*AccountState, error) {
	acc, err := s.loadAccount(addr)
	if err != nil {
		return nil, err
	}
	balance, overflow := uint256.FromBig(acc.Balance)
	if overflow {
		return nil, fmt.Errorf("ledger: balance overflow for %x", addr)
	}
	state := &AccountState{
		Address:  common.Address(addr),
		Balance:  balance,
		Sequence: acc.Sequence,
		Retired:  acc.Flags&flagRetired != 0,
	}
	if state.Retired && len(acc.Sweep) == common.HashLength {
		state.FinalStatus = deal.Status(acc.Final).String()
		sweep := common.BytesToHash(acc.Sweep)
		state.SweepReceipt = &sweep
	}
	if acc.Flags&flagContract != 0 {
		one, err := s.kv.Get(key(prefixRecordOne, addr[:]))
		if err != nil {
			return nil, fmt.Errorf("ledger: read record one: %w", err)
		}
		two, err := s.kv.Get(key(prefixRecordTwo, addr[:]))
		if err != nil {
			return nil, fmt.Errorf("ledger: read record two: %w", err)
		}
		state.Contract = &ContractState{RecordOne: one, RecordTwo: two}
	}
	return state, nil
}

func (s state) loadAccount(addr [20]byte) (*accountRecord, error) {
	raw, err := s.kv.Get(key(prefixAccount, addr[:]))
	if errors.Is(err, storage.ErrNotFound) {
		return &accountRecord{Balance: new(big.Int)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read account: %w", err)
	}
	acc := new(accountRecord)
	if err := rlp.DecodeBytes(raw, acc); err != nil {
		return nil, fmt.Errorf("ledger: decode account: %w", err)
	}
	if acc.Balance == nil {
		acc.Balance = new(big.Int)
	}
	return acc, nil
}

func (s state) storeAccount(addr [20]byte, acc *accountRecord) error {
	enc, err := rlp.EncodeToBytes(acc)
	if err != nil {
		return err
	}
	return s.kv.Put(key(prefixAccount, addr[:]), enc)
}

func (s state) loadContract(addr [20]byte) (*deal.DealEscrow, error) {
	one, err := s.kv.Get(key(prefixRecordOne, addr[:]))
	if err != nil {
		return nil, fmt.Errorf("ledger: read record one: %w", err)
	}
	two, err := s.kv.Get(key(prefixRecordTwo, addr[:]))
	if err != nil {
		return nil, fmt.Errorf("ledger: read record two: %w", err)
	}
	return deal.DecodeStorage(deal.Storage{RecordOne: one, RecordTwo: two})
}

func (s state) storeContract(addr [20]byte, st deal.Storage) error {
	if len(st.RecordOne) > deal.MaxRecordBytes || len(st.RecordTwo) > deal.MaxRecordBytes {
		return fmt.Errorf("ledger: contract record exceeds %d bytes", deal.MaxRecordBytes)
	}
	if err := s.kv.Put(key(prefixRecordTwo, addr[:]), st.RecordTwo); err != nil {
		return err
	}
	return s.kv.Put(key(prefixRecordOne, addr[:]), st.RecordOne)
}

func (s state) deleteContract(addr [20]byte) error {
	if err := s.kv.Delete(key(prefixRecordOne, addr[:])); err != nil {
		return err
	}
	return s.kv.Delete(key(prefixRecordTwo, addr[:]))
}

func (s state) recordReceipt(receipt *Receipt, addrs [][20]byte) error {
	enc, err := json.Marshal(receipt)
	if err != nil {
		return err
	}
	if err := s.kv.Put(key(prefixReceipt, receipt.Hash[:]), enc); err != nil {
		return err
	}
	seen := make(map[[20]byte]struct{}, len(addrs))
	for _, addr := range addrs {
		if addr == ([20]byte{}) {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		count, err := s.txCount(addr)
		if err != nil {
			return err
		}
		if err := s.kv.Put(txLogKey(addr, count), receipt.Hash[:]); err != nil {
			return err
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], count+1)
		if err := s.kv.Put(key(prefixTxCount, addr[:]), buf[:]); err != nil {
			return err
		}
	}
	return nil
}

func (s state) loadReceipt(hash common.Hash) (*Receipt, error) {
	raw, err := s.kv.Get(key(prefixReceipt, hash[:]))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrReceiptNotFound, hash.Hex())
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read receipt %s: %w", hash.Hex(), err)
	}
	receipt := new(Receipt)
	if err := json.Unmarshal(raw, receipt); err != nil {
		return nil, fmt.Errorf("ledger: decode receipt: %w", err)
	}
	return receipt, nil
}

func (s state) txCount(addr [20]byte) (uint64, error) {
	raw, err := s.kv.Get(key(prefixTxCount, addr[:]))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("ledger: corrupt tx counter")
	}
	return binary.BigEndian.Uint64(raw), nil
}
