package coordinator

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"lukechampine.com/blake3"

	"dealescrow/crypto"
	"dealescrow/ledger"
	"dealescrow/observability"
)

// Submission is one signed transaction to push through the dispatcher. Build
// is called with the sequence number chosen by the dispatcher; the dispatcher
// signs the result with Key.
type Submission struct {
	DispatchID uuid.UUID
	Action     string
	Key        *crypto.PrivateKey
	Build      func(sequence uint64) (*ledger.Transaction, error)
}

type dispatchResult struct {
	receipt *ledger.Receipt
	err     error
}

type dispatchRequest struct {
	ctx        context.Context
	sub        Submission
	enqueuedAt time.Time
	reply      chan dispatchResult
}

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Client         LedgerClient
	Store          *Store
	Logger         *slog.Logger
	QueueSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Dispatcher is the single writer for signed submissions. One goroutine owns
// sequence allocation for every signing identity and submits strictly one
// transaction at a time, so two lifecycle messages can never race for the
// same sequence number. Reads and polls never go through it.
type Dispatcher struct {
	client      LedgerClient
	store       *Store
	logger      *slog.Logger
	requests    chan dispatchRequest
	maxAttempts int
	initial     time.Duration
	maxBackoff  time.Duration

	// next is only touched by the Run goroutine.
	next map[[20]byte]uint64

	mu        sync.Mutex
	running   bool
	ready     chan struct{}
	readyOnce sync.Once
}

// NewDispatcher constructs a dispatcher; call Run to start it.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 256
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 5
	}
	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = 250 * time.Millisecond
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 5 * time.Second
	}
	return &Dispatcher{
		client:      cfg.Client,
		store:       cfg.Store,
		logger:      logger,
		requests:    make(chan dispatchRequest, size),
		maxAttempts: attempts,
		initial:     initial,
		maxBackoff:  maxBackoff,
		next:        make(map[[20]byte]uint64),
		ready:       make(chan struct{}),
	}
}

// Ready is closed once Run has started accepting submissions.
func (d *Dispatcher) Ready() <-chan struct{} { return d.ready }

// Run processes submissions until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.mu.Lock()
	d.running = true
	d.mu.Unlock()
	d.readyOnce.Do(func() { close(d.ready) })
	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		d.drain()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-d.requests:
			observability.Coordinator().SetQueueDepth(len(d.requests))
			receipt, err := d.handle(ctx, req)
			outcome := "ok"
			switch {
			case err != nil:
				outcome = "error"
			case !receipt.Success:
				outcome = "rejected"
			}
			observability.Coordinator().RecordDispatch(req.sub.Action, outcome, time.Since(req.enqueuedAt))
			req.reply <- dispatchResult{receipt: receipt, err: err}
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case req := <-d.requests:
			req.reply <- dispatchResult{err: ErrDispatcherStopped}
		default:
			return
		}
	}
}

// Submit enqueues sub and waits for the ledger receipt. A receipt with
// Success=false is a contract rejection, not an error.
func (d *Dispatcher) Submit(ctx context.Context, sub Submission) (*ledger.Receipt, error) {
	if sub.Key == nil || sub.Build == nil {
		return nil, errors.New("coordinator: submission requires key and builder")
	}
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()
	if !running {
		return nil, ErrDispatcherStopped
	}
	req := dispatchRequest{ctx: ctx, sub: sub, enqueuedAt: time.Now(), reply: make(chan dispatchResult, 1)}
	select {
	case d.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, ErrQueueFull
	}
	observability.Coordinator().SetQueueDepth(len(d.requests))
	select {
	case res := <-req.reply:
		return res.receipt, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) handle(runCtx context.Context, req dispatchRequest) (*ledger.Receipt, error) {
	ctx, cancel := mergeContexts(runCtx, req.ctx)
	defer cancel()

	identity := req.sub.Key.PubKey().Address().Array()
	logger := d.logger.With(slog.String("action", req.sub.Action), slog.String("dispatchId", req.sub.DispatchID.String()))

	var receipt *ledger.Receipt
	var signed common.Hash
	attempt := 0
	op := func() error {
		attempt++
		if signed != (common.Hash{}) {
			// The previous attempt may have landed even though its response
			// was lost. Adopt that receipt instead of signing a second message.
			got, err := d.landed(ctx, signed)
			if err != nil {
				if IsRetryable(err) {
					return err
				}
				return backoff.Permanent(err)
			}
			if got != nil {
				logger.Info("adopted receipt of earlier attempt", slog.String("hash", signed.Hex()))
				d.next[identity] = got.Sequence + 1
				receipt = got
				return nil
			}
		}
		seq, err := d.sequence(ctx, identity)
		if err != nil {
			if IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		tx, err := req.sub.Build(seq)
		if err != nil {
			return backoff.Permanent(err)
		}
		tx.Sequence = seq
		if err := tx.Sign(req.sub.Key); err != nil {
			return backoff.Permanent(err)
		}
		hash, err := tx.Hash()
		if err != nil {
			return backoff.Permanent(err)
		}
		if d.store != nil && req.sub.DispatchID != uuid.Nil {
			if err := d.store.MarkProcessing(ctx, req.sub.DispatchID, seq, hash.Hex()); err != nil {
				return backoff.Permanent(fmt.Errorf("journal: %w", err))
			}
		}
		signed = hash
		got, err := d.client.Submit(ctx, tx)
		if err != nil {
			if errors.Is(err, ledger.ErrSequenceMismatch) {
				// Our local view is stale; re-read on the next attempt.
				delete(d.next, identity)
				signed = common.Hash{}
			}
			logger.Warn("submission failed", slog.Int("attempt", attempt), slog.Uint64("sequence", seq), slog.Any("error", err))
			if IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		d.next[identity] = seq + 1
		receipt = got
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.initial
	policy.MaxInterval = d.maxBackoff
	policy.MaxElapsedTime = 0
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(d.maxAttempts-1)), ctx))
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// landed returns the receipt of hash, or nil when the ledger has not seen it.
func (d *Dispatcher) landed(ctx context.Context, hash common.Hash) (*ledger.Receipt, error) {
	got, err := d.client.Receipt(ctx, hash)
	if errors.Is(err, ledger.ErrReceiptNotFound) {
		return nil, nil
	}
	return got, err
}

// sequence returns the sequence to use for identity. The ledger is asked
// first. When the lookup fails transiently the dispatcher falls back to the
// lowest value it has not already used locally (zero for an identity it has
// never signed for). The fallback can collide with a submission made by
// another replica; the ledger then rejects it with a sequence mismatch, the
// local value is dropped and the retry re-reads the ledger.
func (d *Dispatcher) sequence(ctx context.Context, identity [20]byte) (uint64, error) {
	seq, err := d.client.Sequence(ctx, identity)
	if err == nil {
		return seq, nil
	}
	if !IsRetryable(err) {
		return 0, err
	}
	local, ok := d.next[identity]
	source := "local"
	if !ok {
		source = "zero"
	}
	observability.Coordinator().RecordSequenceFallback(source)
	d.logger.Warn("sequence lookup failed, using fallback",
		slog.String("identity", hex.EncodeToString(identity[:])),
		slog.Uint64("sequence", local),
		slog.String("source", source),
		slog.Any("error", err))
	return local, nil
}

// mergeContexts returns a context cancelled when either parent is.
func mergeContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	if b == nil {
		return context.WithCancel(a)
	}
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Fingerprint identifies a dispatch intent: the same action with the same
// arguments on the same deal yields the same fingerprint.
func Fingerprint(dealID, action string, favorBeneficiary bool, newDeadline uint32) string {
	h := blake3.New(32, nil)
	h.Write([]byte("dealescrow/dispatch/v1"))
	h.Write([]byte(dealID))
	h.Write([]byte{0})
	h.Write([]byte(action))
	var tail [5]byte
	if favorBeneficiary {
		tail[0] = 1
	}
	binary.BigEndian.PutUint32(tail[1:], newDeadline)
	h.Write(tail[:])
	return hex.EncodeToString(h.Sum(nil))
}

// queryIDFor derives the message query id from the dispatch id so that a
// replayed dispatch carries the same query id.
func queryIDFor(id uuid.UUID) uint64 {
	return binary.BigEndian.Uint64(id[:8])
}
