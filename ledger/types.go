package ledger

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"dealescrow/crypto"
	"dealescrow/native/deal"
)

// TxKind selects how the ledger interprets a transaction.
type TxKind uint8

const (
	// KindTransfer moves value. Transfers into a contract are delivered as a
	// message with an empty body.
	KindTransfer TxKind = iota + 1
	// KindDeploy creates a deal contract from its init records.
	KindDeploy
	// KindMessage delivers Body and Value to the contract at To.
	KindMessage
)

func (k TxKind) String() string {
	switch k {
	case KindTransfer:
		return "transfer"
	case KindDeploy:
		return "deploy"
	case KindMessage:
		return "message"
	default:
		return fmt.Sprintf("kind_%d", uint8(k))
	}
}

// ExitNoContract is reported when a message targets an address with no live
// contract, including one destroyed by a terminal transition.
const ExitNoContract uint32 = 120

var (
	ErrBadSignature        = errors.New("ledger: signature does not match sender")
	ErrSequenceMismatch    = errors.New("ledger: sequence mismatch")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrAddressRetired      = errors.New("ledger: address retired by a terminal transition")
	ErrAddressMismatch     = errors.New("ledger: deploy target does not match derived address")
	ErrDeployValue         = errors.New("ledger: deploy must not carry value")
	ErrUnknownKind         = errors.New("ledger: unknown transaction kind")
	ErrMalformedTx         = errors.New("ledger: malformed transaction")
	ErrReceiptNotFound     = errors.New("ledger: receipt not found")
)

// Transaction is a signed ledger operation.
type Transaction struct {
	Kind      TxKind         `json:"kind"`
	From      common.Address `json:"from"`
	Sequence  uint64         `json:"sequence"`
	To        common.Address `json:"to"`
	Value     *uint256.Int   `json:"value"`
	Body      hexutil.Bytes  `json:"body,omitempty"`
	InitOne   hexutil.Bytes  `json:"initOne,omitempty"`
	InitTwo   hexutil.Bytes  `json:"initTwo,omitempty"`
	Signature hexutil.Bytes  `json:"signature,omitempty"`
}

type txSigningPayload struct {
	Kind     uint8
	From     []byte
	Sequence uint64
	To       []byte
	Value    []byte
	Body     []byte
	InitOne  []byte
	InitTwo  []byte
}

func (tx *Transaction) signingPayload() txSigningPayload {
	value := tx.Value
	if value == nil {
		value = uint256.NewInt(0)
	}
	return txSigningPayload{
		Kind:     uint8(tx.Kind),
		From:     tx.From.Bytes(),
		Sequence: tx.Sequence,
		To:       tx.To.Bytes(),
		Value:    value.Bytes(),
		Body:     tx.Body,
		InitOne:  tx.InitOne,
		InitTwo:  tx.InitTwo,
	}
}

// SigningHash is keccak256 of the RLP encoding of every field but the
// signature.
func (tx *Transaction) SigningHash() (common.Hash, error) {
	enc, err := rlp.EncodeToBytes(tx.signingPayload())
	if err != nil {
		return common.Hash{}, err
	}
	return ethcrypto.Keccak256Hash(enc), nil
}

// Hash identifies the signed transaction.
func (tx *Transaction) Hash() (common.Hash, error) {
	digest, err := tx.SigningHash()
	if err != nil {
		return common.Hash{}, err
	}
	return ethcrypto.Keccak256Hash(digest.Bytes(), tx.Signature), nil
}

// Sign fills From from the key and attaches a recoverable signature.
func (tx *Transaction) Sign(key *crypto.PrivateKey) error {
	if key == nil {
		return fmt.Errorf("ledger: nil signing key")
	}
	tx.From = common.Address(key.PubKey().Address().Array())
	digest, err := tx.SigningHash()
	if err != nil {
		return err
	}
	sig, err := key.Sign(digest.Bytes())
	if err != nil {
		return err
	}
	tx.Signature = sig
	return nil
}

// VerifySignature checks that the signature was produced by From.
func (tx *Transaction) VerifySignature() error {
	if len(tx.Signature) != 65 {
		return ErrBadSignature
	}
	digest, err := tx.SigningHash()
	if err != nil {
		return err
	}
	signer, err := crypto.RecoverAddress(digest.Bytes(), tx.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if common.Address(signer) != tx.From {
		return ErrBadSignature
	}
	return nil
}

// NewDeployTx builds an unsigned deployment for cfg targeting its derived
// address.
func NewDeployTx(cfg deal.Config, sequence uint64) (*Transaction, error) {
	init, err := deal.InitStorage(cfg)
	if err != nil {
		return nil, err
	}
	addr, err := deal.ComputeAddress(cfg)
	if err != nil {
		return nil, err
	}
	return &Transaction{
		Kind:     KindDeploy,
		Sequence: sequence,
		To:       common.Address(addr),
		Value:    uint256.NewInt(0),
		InitOne:  init.RecordOne,
		InitTwo:  init.RecordTwo,
	}, nil
}

// NewMessageTx builds an unsigned contract message.
func NewMessageTx(to [20]byte, sequence uint64, value *uint256.Int, body []byte) *Transaction {
	if value == nil {
		value = uint256.NewInt(0)
	}
	return &Transaction{
		Kind:     KindMessage,
		Sequence: sequence,
		To:       common.Address(to),
		Value:    value.Clone(),
		Body:     append([]byte(nil), body...),
	}
}

// Receipt records the outcome of an accepted transaction. Contract-level
// rejections are receipts with a non-zero exit code, not submission errors.
type Receipt struct {
	Hash      common.Hash    `json:"hash"`
	Kind      TxKind         `json:"kind"`
	From      common.Address `json:"from"`
	To        common.Address `json:"to"`
	Sequence  uint64         `json:"sequence"`
	Value     *uint256.Int   `json:"value"`
	Op        uint32         `json:"op,omitempty"`
	QueryID   uint64         `json:"queryId,omitempty"`
	Success   bool           `json:"success"`
	ExitCode  uint32         `json:"exitCode"`
	Error     string         `json:"error,omitempty"`
	Fee       *uint256.Int   `json:"fee"`
	Bounced   *uint256.Int   `json:"bounced,omitempty"`
	Payout    *PayoutRecord  `json:"payout,omitempty"`
	Ignored   bool           `json:"ignored,omitempty"`
	Events    []deal.Event   `json:"events,omitempty"`
	Timestamp uint32         `json:"timestamp"`
}

// PayoutRecord describes the terminal sweep of a contract balance.
type PayoutRecord struct {
	To     common.Address `json:"to"`
	Amount *uint256.Int   `json:"amount"`
}

// ContractError maps the receipt exit code back onto the contract error
// taxonomy.
func (r *Receipt) ContractError() error {
	if r == nil || r.Success {
		return nil
	}
	if r.ExitCode == ExitNoContract {
		return fmt.Errorf("ledger: no contract at %s", r.To.Hex())
	}
	return deal.ErrorFromExitCode(r.ExitCode)
}

// AccountState is the externally visible state of an address.
type AccountState struct {
	Address  common.Address `json:"address"`
	Balance  *uint256.Int   `json:"balance"`
	Sequence uint64         `json:"sequence"`
	Retired  bool           `json:"retired,omitempty"`
	Contract *ContractState `json:"contract,omitempty"`
	// FinalStatus and SweepReceipt describe the terminal transition that
	// retired a contract address.
	FinalStatus  string       `json:"finalStatus,omitempty"`
	SweepReceipt *common.Hash `json:"sweepReceipt,omitempty"`
}

// ContractState exposes the raw records of a live contract alongside their
// decoded form.
type ContractState struct {
	RecordOne hexutil.Bytes `json:"recordOne"`
	RecordTwo hexutil.Bytes `json:"recordTwo"`
}

// Escrow decodes the contract records.
func (c *ContractState) Escrow() (*deal.DealEscrow, error) {
	if c == nil {
		return nil, fmt.Errorf("ledger: no contract state")
	}
	return deal.DecodeStorage(deal.Storage{RecordOne: c.RecordOne, RecordTwo: c.RecordTwo})
}
