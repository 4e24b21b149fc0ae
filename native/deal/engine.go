package deal

import (
	"errors"
	"log/slog"

	"github.com/holiman/uint256"
)

var errNilEscrow = errors.New("deal engine: escrow not loaded")

// FundPolicy selects which senders may fund a pending contract. It is fixed
// per ledger deployment.
type FundPolicy uint8

const (
	// FundAnySender accepts Fund from any account.
	FundAnySender FundPolicy = iota
	// FundFunderOnly accepts Fund only from the configured funder.
	FundFunderOnly
)

func (p FundPolicy) String() string {
	if p == FundFunderOnly {
		return "funder_only"
	}
	return "any_sender"
}

// ParseFundPolicy accepts "any_sender" (or empty) and "funder_only".
func ParseFundPolicy(s string) (FundPolicy, error) {
	switch s {
	case "", "any_sender":
		return FundAnySender, nil
	case "funder_only":
		return FundFunderOnly, nil
	default:
		return 0, errors.New("deal engine: unknown funding policy " + s)
	}
}

// Env describes the execution context the ledger provides for one message.
type Env struct {
	Self [20]byte
	Now  uint32
	// Balance is the contract balance after the inbound value has been
	// credited and the network fee has been charged.
	Balance *uint256.Int
}

// Inbound is a message delivered to the contract.
type Inbound struct {
	Sender [20]byte
	Value  *uint256.Int
	Body   []byte
}

// Payout instructs the ledger to send the entire remaining contract balance
// to To.
type Payout struct {
	To     [20]byte
	Amount *uint256.Int
}

// Outcome is the effect of an accepted message. Rejected messages produce an
// error and no outcome.
type Outcome struct {
	Escrow  *DealEscrow
	Message Message
	Payout  *Payout
	Destroy bool
	Ignored bool
	Events  []Event
}

// Engine applies lifecycle messages to deal state. It holds no state of its
// own and is safe for concurrent use.
type Engine struct {
	policy FundPolicy
	logger *slog.Logger
}

// NewEngine returns an engine that accepts funding from any sender.
func NewEngine() *Engine {
	return &Engine{logger: slog.Default()}
}

// SetFundPolicy configures which senders may fund a pending contract.
func (e *Engine) SetFundPolicy(policy FundPolicy) { e.policy = policy }

// FundPolicy reports the configured funding policy.
func (e *Engine) FundPolicy() FundPolicy { return e.policy }

// SetLogger overrides the logger. Passing nil restores slog.Default.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// Execute validates and applies one inbound message. The supplied escrow is
// never mutated; the updated copy is returned in the outcome. Checks run in
// the order status, caller, guard so the reported error names the first
// violated rule.
func (e *Engine) Execute(esc *DealEscrow, env Env, in Inbound) (*Outcome, error) {
	if esc == nil {
		return nil, errNilEscrow
	}
	if esc.Status.Terminal() {
		return nil, contractErr(ErrInvalidState, "contract is %s", esc.Status)
	}
	msg, err := DecodeMessage(in.Body)
	if err != nil {
		var ce *ContractError
		if errors.As(err, &ce) && ce.Code == ExitUnknownOp {
			return e.unknown(esc, msg, in)
		}
		return nil, err
	}
	next := esc.Clone()
	out := &Outcome{Escrow: next, Message: msg}
	balance := cloneInt(env.Balance)

	switch msg.Op {
	case OpFund:
		if next.Status != StatusPending {
			return nil, contractErr(ErrInvalidState, "fund requires PENDING, contract is %s", next.Status)
		}
		if e.policy == FundFunderOnly && in.Sender != next.Funder {
			return nil, contractErr(ErrUnauthorized, "only the funder may fund")
		}
		value := cloneInt(in.Value)
		if value.Lt(next.TotalAmount) {
			return nil, contractErr(ErrInsufficientFunds, "value %s below total %s", value.Dec(), next.TotalAmount.Dec())
		}
		next.Status = StatusFunded
		out.Events = append(out.Events, NewFundedEvent(next, value.Dec()))

	case OpRelease:
		if next.Status != StatusFunded {
			return nil, contractErr(ErrInvalidState, "release requires FUNDED, contract is %s", next.Status)
		}
		if in.Sender != next.Custodian {
			return nil, contractErr(ErrUnauthorized, "only the custodian may release")
		}
		e.settle(out, StatusReleased, next.Custodian, balance)

	case OpRefund:
		if next.Status != StatusFunded {
			return nil, contractErr(ErrInvalidState, "refund requires FUNDED, contract is %s", next.Status)
		}
		switch in.Sender {
		case next.Custodian:
		case next.Funder:
			if env.Now < next.Deadline {
				return nil, contractErr(ErrInvalidDeadline, "funder refund before deadline %d", next.Deadline)
			}
		default:
			return nil, contractErr(ErrUnauthorized, "only the custodian or funder may refund")
		}
		e.settle(out, StatusRefunded, next.Funder, balance)

	case OpDispute:
		if next.Status != StatusFunded {
			return nil, contractErr(ErrInvalidState, "dispute requires FUNDED, contract is %s", next.Status)
		}
		if in.Sender != next.Funder && in.Sender != next.Beneficiary {
			return nil, contractErr(ErrUnauthorized, "only the funder or beneficiary may dispute")
		}
		next.Status = StatusDisputed
		out.Events = append(out.Events, NewDisputedEvent(next, in.Sender))

	case OpResolve:
		if next.Status != StatusDisputed {
			return nil, contractErr(ErrInvalidState, "resolve requires DISPUTED, contract is %s", next.Status)
		}
		if in.Sender != next.Custodian {
			return nil, contractErr(ErrUnauthorized, "only the custodian may resolve")
		}
		if msg.FavorBeneficiary {
			e.settle(out, StatusReleased, next.Custodian, balance)
		} else {
			e.settle(out, StatusRefunded, next.Funder, balance)
		}
		out.Events = append([]Event{NewResolvedEvent(next, msg.FavorBeneficiary)}, out.Events...)

	case OpExtendDeadline:
		if !next.Status.Custodial() {
			return nil, contractErr(ErrInvalidState, "extend deadline requires FUNDED or DISPUTED, contract is %s", next.Status)
		}
		if in.Sender != next.Custodian {
			return nil, contractErr(ErrUnauthorized, "only the custodian may extend the deadline")
		}
		if msg.NewDeadline <= env.Now {
			return nil, contractErr(ErrInvalidDeadline, "deadline %d not after now %d", msg.NewDeadline, env.Now)
		}
		previous := next.Deadline
		next.Deadline = msg.NewDeadline
		out.Events = append(out.Events, NewDeadlineExtendedEvent(next, previous))
	}
	return out, nil
}

// unknown handles opcodes the contract does not recognise. A funded contract
// accepts them as a no-op so value sent alongside stays in custody; every
// other status rejects them.
func (e *Engine) unknown(esc *DealEscrow, msg Message, in Inbound) (*Outcome, error) {
	if esc.Status != StatusFunded {
		return nil, contractErr(ErrUnknownOp, "unknown op %d in %s", uint32(msg.Op), esc.Status)
	}
	e.logger.Warn("deal: ignoring unrecognised op while funded",
		slog.String("dealId", DealIDHex(esc.DealID)),
		slog.Uint64("op", uint64(msg.Op)),
		slog.Int("bodyLen", len(in.Body)))
	next := esc.Clone()
	return &Outcome{
		Escrow:  next,
		Message: msg,
		Ignored: true,
		Events:  []Event{NewIgnoredEvent(next, msg.Op)},
	}, nil
}

func (e *Engine) settle(out *Outcome, status Status, to [20]byte, balance *uint256.Int) {
	out.Escrow.Status = status
	out.Payout = &Payout{To: to, Amount: balance}
	out.Destroy = true
	amount := balance.Dec()
	if status == StatusReleased {
		out.Events = append(out.Events, NewReleasedEvent(out.Escrow, amount))
	} else {
		out.Events = append(out.Events, NewRefundedEvent(out.Escrow, amount))
	}
}
