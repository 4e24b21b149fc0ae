package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"dealescrow/ledger"
	"dealescrow/native/deal"
	"dealescrow/observability"
)

// FundingConfirmation is delivered to funding-confirmed callbacks.
type FundingConfirmation struct {
	DealID          string    `json:"dealId"`
	ContractAddress string    `json:"contractAddress"`
	TxHash          string    `json:"txHash,omitempty"`
	Amount          string    `json:"amount"`
	ConfirmedAt     time.Time `json:"confirmedAt"`
}

// FundingPollerConfig tunes a FundingPoller.
type FundingPollerConfig struct {
	Client     LedgerClient
	Reconciler *Reconciler
	Interval   time.Duration
	Timeout    time.Duration
	// ConfirmationBps is the share of the expected amount, in basis points,
	// an inbound transfer must carry.
	ConfirmationBps uint32
	// Policy mirrors the funding policy of the contract code. Under
	// FundFunderOnly transfers from anyone else never confirm funding.
	Policy      deal.FundPolicy
	HistorySize int
	Logger      *slog.Logger
	Now         func() time.Time
}

// FundingPoller watches a freshly deployed contract until it is funded.
type FundingPoller struct {
	client      LedgerClient
	reconciler  *Reconciler
	interval    time.Duration
	timeout     time.Duration
	bps         uint32
	policy      deal.FundPolicy
	historySize int
	logger      *slog.Logger
	now         func() time.Time
}

// NewFundingPoller applies defaults to cfg.
func NewFundingPoller(cfg FundingPollerConfig) *FundingPoller {
	p := &FundingPoller{
		client:      cfg.Client,
		reconciler:  cfg.Reconciler,
		interval:    cfg.Interval,
		timeout:     cfg.Timeout,
		bps:         cfg.ConfirmationBps,
		policy:      cfg.Policy,
		historySize: cfg.HistorySize,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
	if p.interval <= 0 {
		p.interval = 5 * time.Second
	}
	if p.timeout <= 0 {
		p.timeout = 30 * time.Minute
	}
	if p.bps == 0 || p.bps > 10_000 {
		p.bps = DefaultFundingConfirmationBps
	}
	if p.historySize <= 0 {
		p.historySize = 100
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Await polls until rec is funded, the timeout elapses or ctx is cancelled.
// Every tick also reconciles the deal so the mirror tracks the ledger while
// waiting.
func (p *FundingPoller) Await(ctx context.Context, rec *Record) (*FundingConfirmation, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	started := p.now()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		confirmation, err := p.check(ctx, rec)
		if err != nil {
			p.logger.Debug("funding check failed", slog.String("dealId", rec.DealID), slog.Any("error", err))
		}
		if confirmation != nil {
			observability.Coordinator().RecordFunding("confirmed", p.now().Sub(started))
			return confirmation, nil
		}
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				observability.Coordinator().RecordFunding("timeout", 0)
				return nil, fmt.Errorf("%w: %s after %s", ErrFundingTimeout, rec.DealID, p.timeout)
			}
			observability.Coordinator().RecordFunding("cancelled", 0)
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *FundingPoller) check(ctx context.Context, rec *Record) (*FundingConfirmation, error) {
	var status deal.Status
	if p.reconciler != nil {
		obs, err := p.reconciler.Reconcile(ctx, rec)
		if err != nil {
			return nil, err
		}
		status = obs.Status
	}
	expected, err := uint256.FromDecimal(rec.TotalAmount)
	if err != nil {
		return nil, err
	}
	addr := rec.Address()
	receipts, err := p.client.Transactions(ctx, addr, p.historySize)
	if err != nil {
		return nil, err
	}
	if p.policy == deal.FundFunderOnly {
		receipts = FromSender(receipts, common.HexToAddress(rec.Funder))
	}
	if match := MatchFunding(receipts, addr, expected, p.bps, rec.FundingLowerBound); match != nil {
		return &FundingConfirmation{
			DealID:          rec.DealID,
			ContractAddress: rec.ContractAddress,
			TxHash:          match.Hash.Hex(),
			Amount:          match.Value.Dec(),
			ConfirmedAt:     p.now().UTC(),
		}, nil
	}
	// Ledger truth: a contract past PENDING has been funded even when the
	// transfer fell out of the inspected history.
	if status == deal.StatusFunded || status == deal.StatusDisputed || status.Terminal() {
		return &FundingConfirmation{
			DealID:          rec.DealID,
			ContractAddress: rec.ContractAddress,
			Amount:          expected.Dec(),
			ConfirmedAt:     p.now().UTC(),
		}, nil
	}
	return nil, nil
}

// MatchFunding returns the first successful inbound transfer to addr that
// arrived at or after lowerBound and carries at least bps/10000 of expected.
func MatchFunding(receipts []ledger.Receipt, addr [20]byte, expected *uint256.Int, bps uint32, lowerBound uint32) *ledger.Receipt {
	threshold := FundingThreshold(expected, bps)
	for i := range receipts {
		rc := receipts[i]
		if !rc.Success || rc.To != addr || rc.Timestamp < lowerBound || rc.Value == nil {
			continue
		}
		if rc.Kind == ledger.KindDeploy || rc.Ignored {
			continue
		}
		if rc.Value.Cmp(threshold) >= 0 {
			return &receipts[i]
		}
	}
	return nil
}

// FromSender keeps the receipts sent by sender.
func FromSender(receipts []ledger.Receipt, sender [20]byte) []ledger.Receipt {
	out := make([]ledger.Receipt, 0, len(receipts))
	for _, rc := range receipts {
		if rc.From == sender {
			out = append(out, rc)
		}
	}
	return out
}

// FundingThreshold is ceil(expected * bps / 10000).
func FundingThreshold(expected *uint256.Int, bps uint32) *uint256.Int {
	if expected == nil {
		return new(uint256.Int)
	}
	scaled, overflow := new(uint256.Int).MulOverflow(expected, uint256.NewInt(uint64(bps)))
	if overflow {
		// Divide first; loses at most one unit of precision at this scale.
		q := new(uint256.Int).Div(expected, uint256.NewInt(10_000))
		return q.Mul(q, uint256.NewInt(uint64(bps)))
	}
	denom := uint256.NewInt(10_000)
	q, r := new(uint256.Int).DivMod(scaled, denom, new(uint256.Int))
	if !r.IsZero() {
		q.AddUint64(q, 1)
	}
	return q
}
