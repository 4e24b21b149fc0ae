package ledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"dealescrow/native/deal"
	"dealescrow/storage"
)

// DefaultMessageFee is the network cost charged per message, in ledger units.
var DefaultMessageFee = uint256.NewInt(1_000_000)

const maxTransactionsPage = 500

var (
	prefixAccount   = []byte("acct/")
	prefixRecordOne = []byte("kv1/")
	prefixRecordTwo = []byte("kv2/")
	prefixTxCount   = []byte("txc/")
	prefixTxLog     = []byte("txl/")
	prefixReceipt   = []byte("rcp/")
)

const (
	flagContract uint8 = 1 << iota
	flagRetired
)

type accountRecord struct {
	Sequence uint64
	Balance  *big.Int
	Flags    uint8
	// Final and Sweep are set when a terminal transition retires a contract.
	Final uint8  `rlp:"optional"`
	Sweep []byte `rlp:"optional"`
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source used to stamp transactions.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithMessageFee sets the network fee charged per message or transfer.
func WithMessageFee(fee *uint256.Int) Option {
	return func(l *Ledger) {
		if fee != nil {
			l.fee = fee.Clone()
		}
	}
}

// WithFundPolicy selects the funding policy of the deployed contract code.
func WithFundPolicy(policy deal.FundPolicy) Option {
	return func(l *Ledger) { l.engine.SetFundPolicy(policy) }
}

// WithLogger sets the logger used by the ledger and its contract engine.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
			l.engine.SetLogger(logger)
		}
	}
}

// WithEmitter forwards committed contract events.
func WithEmitter(emitter deal.Emitter) Option {
	return func(l *Ledger) {
		if emitter != nil {
			l.emitter = emitter
		}
	}
}

// Ledger is a single-node development ledger hosting deal contracts. All
// writes are serialised; reads take a shared lock.
type Ledger struct {
	mu      sync.RWMutex
	db      storage.Database
	engine  *deal.Engine
	fee     *uint256.Int
	now     func() time.Time
	logger  *slog.Logger
	emitter deal.Emitter
}

// New opens a ledger over db.
func New(db storage.Database, opts ...Option) *Ledger {
	l := &Ledger{
		db:      db,
		engine:  deal.NewEngine(),
		fee:     DefaultMessageFee.Clone(),
		now:     time.Now,
		logger:  slog.Default(),
		emitter: deal.NoopEmitter{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// MessageFee reports the configured network fee.
func (l *Ledger) MessageFee() *uint256.Int { return l.fee.Clone() }

// FundPolicy reports the funding policy of the hosted contract code.
func (l *Ledger) FundPolicy() deal.FundPolicy { return l.engine.FundPolicy() }

// view reads committed state. Callers hold l.mu.
func (l *Ledger) view() state { return state{kv: l.db} }

func (l *Ledger) timestamp() uint32 {
	return uint32(l.now().Unix())
}

// Mint credits an address out of thin air. It exists for development
// networks and tests only.
func (l *Ledger) Mint(_ context.Context, addr [20]byte, amount *uint256.Int) (*AccountState, error) {
	if amount == nil || amount.IsZero() {
		return nil, fmt.Errorf("ledger: mint amount must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.view()
	acc, err := st.loadAccount(addr)
	if err != nil {
		return nil, err
	}
	if acc.Flags&flagContract != 0 {
		return nil, fmt.Errorf("ledger: cannot mint to a contract")
	}
	acc.Balance.Add(acc.Balance, amount.ToBig())
	if err := st.storeAccount(addr, acc); err != nil {
		return nil, err
	}
	return st.accountState(addr)
}

// Account returns the state of addr. Unknown addresses have zero balance.
func (l *Ledger) Account(_ context.Context, addr [20]byte) (*AccountState, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.view().accountState(addr)
}

// Sequence returns the next sequence number expected from addr.
func (l *Ledger) Sequence(_ context.Context, addr [20]byte) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acc, err := l.view().loadAccount(addr)
	if err != nil {
		return 0, err
	}
	return acc.Sequence, nil
}

// Transactions returns up to limit receipts involving addr, oldest first,
// starting at the most recent ones.
func (l *Ledger) Transactions(_ context.Context, addr [20]byte, limit int) ([]Receipt, error) {
	if limit <= 0 || limit > maxTransactionsPage {
		limit = maxTransactionsPage
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	st := l.view()
	count, err := st.txCount(addr)
	if err != nil {
		return nil, err
	}
	start := uint64(0)
	if count > uint64(limit) {
		start = count - uint64(limit)
	}
	out := make([]Receipt, 0, count-start)
	for i := start; i < count; i++ {
		raw, err := st.kv.Get(txLogKey(addr, i))
		if err != nil {
			return nil, fmt.Errorf("ledger: read tx log: %w", err)
		}
		var hash common.Hash
		copy(hash[:], raw)
		receipt, err := st.loadReceipt(hash)
		if err != nil {
			return nil, err
		}
		out = append(out, *receipt)
	}
	return out, nil
}

// Receipt looks up a transaction outcome by hash.
func (l *Ledger) Receipt(_ context.Context, hash common.Hash) (*Receipt, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.view().loadReceipt(hash)
}

// Submit validates the envelope of tx and executes it. Envelope problems
// (signature, sequence, sender balance) return an error and leave no trace.
// Anything past the envelope yields a receipt, including contract rejections.
func (l *Ledger) Submit(_ context.Context, tx *Transaction) (*Receipt, error) {
	if tx == nil {
		return nil, ErrMalformedTx
	}
	if err := tx.VerifySignature(); err != nil {
		return nil, err
	}
	hash, err := tx.Hash()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Every write of one transaction lands in a single batch so a failure
	// part way leaves the database untouched.
	batch := storage.NewBatch(l.db)
	defer batch.Close()
	st := state{kv: batch}

	sender, err := st.loadAccount(tx.From)
	if err != nil {
		return nil, err
	}
	if tx.Sequence != sender.Sequence {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrSequenceMismatch, sender.Sequence, tx.Sequence)
	}
	value := tx.Value
	if value == nil {
		value = uint256.NewInt(0)
	}

	receipt := &Receipt{
		Hash:      hash,
		Kind:      tx.Kind,
		From:      tx.From,
		To:        tx.To,
		Sequence:  tx.Sequence,
		Value:     value.Clone(),
		Fee:       uint256.NewInt(0),
		Timestamp: l.timestamp(),
	}

	var touched [][20]byte
	switch tx.Kind {
	case KindDeploy:
		touched, err = l.applyDeploy(st, tx, sender, value, receipt)
	case KindTransfer, KindMessage:
		touched, err = l.applyValue(st, tx, sender, value, receipt)
	default:
		err = ErrUnknownKind
	}
	if err != nil {
		return nil, err
	}
	if err := st.recordReceipt(receipt, append(touched, tx.From, tx.To)); err != nil {
		return nil, err
	}
	if err := batch.Commit(); err != nil {
		return nil, fmt.Errorf("ledger: commit: %w", err)
	}
	for _, evt := range receipt.Events {
		l.emitter.Emit(evt)
	}
	l.logger.Debug("ledger transaction applied",
		slog.String("hash", hash.Hex()),
		slog.String("kind", tx.Kind.String()),
		slog.Bool("success", receipt.Success),
		slog.Uint64("exitCode", uint64(receipt.ExitCode)))
	return receipt, nil
}

func (l *Ledger) applyDeploy(st state, tx *Transaction, sender *accountRecord, value *uint256.Int, receipt *Receipt) ([][20]byte, error) {
	if !value.IsZero() {
		return nil, ErrDeployValue
	}
	esc, err := deal.DecodeStorage(deal.Storage{RecordOne: tx.InitOne, RecordTwo: tx.InitTwo})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTx, err)
	}
	if esc.Status != deal.StatusPending || esc.CreatedAt != 0 {
		return nil, fmt.Errorf("%w: init state must be pending with zero createdAt", ErrMalformedTx)
	}
	addr, err := deal.ComputeAddress(esc.Config())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTx, err)
	}
	if common.Address(addr) != tx.To {
		return nil, ErrAddressMismatch
	}
	target, err := st.loadAccount(addr)
	if err != nil {
		return nil, err
	}
	if target.Flags&flagRetired != 0 {
		return nil, ErrAddressRetired
	}

	sender.Sequence++
	if err := st.storeAccount(tx.From, sender); err != nil {
		return nil, err
	}
	receipt.Success = true
	if target.Flags&flagContract != 0 {
		// Same address implies the same configuration.
		receipt.Ignored = true
		return nil, nil
	}

	esc.CreatedAt = receipt.Timestamp
	enc, err := deal.EncodeStorage(esc)
	if err != nil {
		return nil, err
	}
	if err := st.storeContract(addr, enc); err != nil {
		return nil, err
	}
	target.Flags |= flagContract
	if err := st.storeAccount(addr, target); err != nil {
		return nil, err
	}
	receipt.Events = []deal.Event{deal.NewDeployedEvent(esc)}
	return nil, nil
}

func (l *Ledger) applyValue(st state, tx *Transaction, sender *accountRecord, value *uint256.Int, receipt *Receipt) ([][20]byte, error) {
	if sender.Balance.Cmp(value.ToBig()) < 0 {
		return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, sender.Balance, value.Dec())
	}
	target, err := st.loadAccount(tx.To)
	if err != nil {
		return nil, err
	}
	isContract := target.Flags&flagContract != 0

	if tx.Kind == KindTransfer && !isContract && target.Flags&flagRetired == 0 {
		// Plain transfer between accounts; the sender pays the fee on top.
		need := new(uint256.Int).Add(value, l.fee)
		if sender.Balance.Cmp(need.ToBig()) < 0 {
			return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, sender.Balance, need.Dec())
		}
		sender.Balance.Sub(sender.Balance, need.ToBig())
		sender.Sequence++
		if tx.From == tx.To {
			target = sender
		}
		target.Balance.Add(target.Balance, value.ToBig())
		if err := st.storeAccount(tx.From, sender); err != nil {
			return nil, err
		}
		if err := st.storeAccount(tx.To, target); err != nil {
			return nil, err
		}
		receipt.Fee = l.fee.Clone()
		receipt.Success = true
		return nil, nil
	}

	sender.Sequence++
	sender.Balance.Sub(sender.Balance, value.ToBig())

	if !isContract {
		receipt.ExitCode = ExitNoContract
		receipt.Error = "no contract at target"
		l.bounce(sender, value, receipt)
		return nil, st.storeAccount(tx.From, sender)
	}

	var body []byte
	if tx.Kind == KindMessage {
		body = tx.Body
	}
	if op, ok := deal.PeekOp(body); ok {
		receipt.Op = uint32(op)
	}
	esc, err := st.loadContract(tx.To)
	if err != nil {
		return nil, err
	}

	// Value lands in the contract and the fee is taken from its balance.
	balance, _ := uint256.FromBig(target.Balance)
	balance.Add(balance, value)
	fee := minInt(l.fee, balance)
	afterFee := new(uint256.Int).Sub(balance, fee)

	out, execErr := l.engine.Execute(esc, deal.Env{Self: tx.To, Now: receipt.Timestamp, Balance: afterFee}, deal.Inbound{
		Sender: tx.From,
		Value:  value,
		Body:   body,
	})
	if execErr != nil {
		receipt.ExitCode = deal.ExitCode(execErr)
		if receipt.ExitCode == deal.ExitOK {
			return nil, execErr
		}
		receipt.Error = execErr.Error()
		l.bounce(sender, value, receipt)
		return nil, st.storeAccount(tx.From, sender)
	}

	receipt.Success = true
	receipt.Fee = fee
	receipt.Ignored = out.Ignored
	receipt.Events = out.Events
	if !out.Ignored {
		receipt.QueryID = out.Message.QueryID
	}
	target.Balance = afterFee.ToBig()

	var touched [][20]byte
	if out.Payout != nil {
		amount := afterFee.Clone()
		receipt.Payout = &PayoutRecord{To: common.Address(out.Payout.To), Amount: amount}
		target.Balance = new(big.Int)
		if out.Payout.To == tx.From {
			sender.Balance.Add(sender.Balance, amount.ToBig())
		} else {
			recipient, err := st.loadAccount(out.Payout.To)
			if err != nil {
				return nil, err
			}
			recipient.Balance.Add(recipient.Balance, amount.ToBig())
			if err := st.storeAccount(out.Payout.To, recipient); err != nil {
				return nil, err
			}
		}
		touched = append(touched, out.Payout.To)
	}
	if err := st.storeAccount(tx.From, sender); err != nil {
		return nil, err
	}
	if out.Destroy {
		target.Flags = (target.Flags &^ flagContract) | flagRetired
		target.Final = uint8(out.Escrow.Status)
		target.Sweep = append([]byte(nil), receipt.Hash[:]...)
		if err := st.deleteContract(tx.To); err != nil {
			return nil, err
		}
	} else {
		enc, err := deal.EncodeStorage(out.Escrow)
		if err != nil {
			return nil, err
		}
		if err := st.storeContract(tx.To, enc); err != nil {
			return nil, err
		}
	}
	if err := st.storeAccount(tx.To, target); err != nil {
		return nil, err
	}
	return touched, nil
}

// bounce returns value minus the network fee to the sender. The fee is
// charged even when value does not cover it, up to what the sender holds.
// The contract balance is untouched. sender.Balance already excludes value.
func (l *Ledger) bounce(sender *accountRecord, value *uint256.Int, receipt *Receipt) {
	available, _ := uint256.FromBig(sender.Balance)
	available.Add(available, value)
	fee := minInt(l.fee, available)
	back := new(uint256.Int)
	if value.Gt(fee) {
		back.Sub(value, fee)
	}
	sender.Balance = new(big.Int).Sub(available.ToBig(), fee.ToBig())
	receipt.Fee = fee
	receipt.Bounced = back
}

func key(prefix []byte, parts ...[]byte) []byte {
	out := append([]byte(nil), prefix...)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func txLogKey(addr [20]byte, index uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], index)
	return key(prefixTxLog, addr[:], buf[:])
}

func minInt(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return a.Clone()
	}
	return b.Clone()
}
