package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"dealescrow/ledger"
	"dealescrow/ledger/rpc"
	"dealescrow/native/deal"
	"dealescrow/storage"
)

// flakyClient fails Sequence lookups while failSequence is positive.
type flakyClient struct {
	*ledger.Ledger

	mu           sync.Mutex
	failSequence int
	calls        int
}

func (c *flakyClient) Sequence(ctx context.Context, addr [20]byte) (uint64, error) {
	c.mu.Lock()
	c.calls++
	if c.failSequence != 0 {
		if c.failSequence > 0 {
			c.failSequence--
		}
		c.mu.Unlock()
		return 0, fmt.Errorf("%w: connection refused", rpc.ErrUnavailable)
	}
	c.mu.Unlock()
	return c.Ledger.Sequence(ctx, addr)
}

// lossyClient applies submissions but reports the next drops responses as
// lost in transit.
type lossyClient struct {
	*ledger.Ledger

	mu    sync.Mutex
	drops int
}

func (c *lossyClient) dropNext(n int) {
	c.mu.Lock()
	c.drops = n
	c.mu.Unlock()
}

func (c *lossyClient) Submit(ctx context.Context, tx *ledger.Transaction) (*ledger.Receipt, error) {
	receipt, err := c.Ledger.Submit(ctx, tx)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil && c.drops > 0 {
		c.drops--
		return nil, fmt.Errorf("%w: connection reset by peer", rpc.ErrUnavailable)
	}
	return receipt, err
}

func startDispatcher(t *testing.T, client LedgerClient) *Dispatcher {
	t.Helper()
	d := NewDispatcher(DispatcherConfig{
		Client:         client,
		Logger:         discardLogger(),
		QueueSize:      4,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	select {
	case <-d.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not start")
	}
	return d
}

func selfTransfer(to [20]byte) func(uint64) (*ledger.Transaction, error) {
	return func(seq uint64) (*ledger.Transaction, error) {
		tx := ledger.NewMessageTx(to, seq, uint256.NewInt(0), deal.FundBody(1))
		tx.Kind = ledger.KindTransfer
		tx.Body = nil
		return tx, nil
	}
}

func TestDispatcherFallsBackToLocalSequence(t *testing.T) {
	l := ledger.New(storage.NewMemDB())
	client := &flakyClient{Ledger: l, failSequence: -1}
	d := startDispatcher(t, client)

	key := mustKey(t)
	if _, err := l.Mint(context.Background(), addrOf(key), deal.MustCoins("1")); err != nil {
		t.Fatalf("mint: %v", err)
	}
	for want := uint64(0); want < 3; want++ {
		receipt, err := d.Submit(context.Background(), Submission{Action: "transfer", Key: key, Build: selfTransfer(addrOf(key))})
		if err != nil {
			t.Fatalf("submit %d: %v", want, err)
		}
		if receipt.Sequence != want || !receipt.Success {
			t.Fatalf("receipt %d: %+v", want, receipt)
		}
	}
}

func TestDispatcherRecoversFromStaleFallback(t *testing.T) {
	l := ledger.New(storage.NewMemDB())
	key := mustKey(t)
	if _, err := l.Mint(context.Background(), addrOf(key), deal.MustCoins("1")); err != nil {
		t.Fatalf("mint: %v", err)
	}
	// Another replica already used sequence 0.
	tx, _ := selfTransfer(addrOf(key))(0)
	if err := tx.Sign(key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := l.Submit(context.Background(), tx); err != nil {
		t.Fatalf("submit: %v", err)
	}

	client := &flakyClient{Ledger: l, failSequence: 1}
	d := startDispatcher(t, client)
	receipt, err := d.Submit(context.Background(), Submission{Action: "transfer", Key: key, Build: selfTransfer(addrOf(key))})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if receipt.Sequence != 1 {
		t.Fatalf("expected sequence 1 after mismatch retry, got %d", receipt.Sequence)
	}
	if client.calls != 2 {
		t.Fatalf("expected a ledger re-read after the mismatch, got %d lookups", client.calls)
	}
}

func TestDispatcherGivesUpAfterMaxAttempts(t *testing.T) {
	l := ledger.New(storage.NewMemDB())
	key := mustKey(t)
	if _, err := l.Mint(context.Background(), addrOf(key), deal.MustCoins("1")); err != nil {
		t.Fatalf("mint: %v", err)
	}
	tx, _ := selfTransfer(addrOf(key))(0)
	_ = tx.Sign(key)
	if _, err := l.Submit(context.Background(), tx); err != nil {
		t.Fatalf("submit: %v", err)
	}
	client := &flakyClient{Ledger: l, failSequence: -1}
	d := startDispatcher(t, client)
	_, err := d.Submit(context.Background(), Submission{Action: "transfer", Key: key, Build: selfTransfer(addrOf(key))})
	if !errors.Is(err, ledger.ErrSequenceMismatch) {
		t.Fatalf("expected sequence mismatch, got %v", err)
	}
}

func TestDispatcherRejectsWhenStopped(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Client: ledger.New(storage.NewMemDB())})
	key := mustKey(t)
	_, err := d.Submit(context.Background(), Submission{Action: "transfer", Key: key, Build: selfTransfer(addrOf(key))})
	if !errors.Is(err, ErrDispatcherStopped) {
		t.Fatalf("expected stopped, got %v", err)
	}
}

func TestFingerprintDistinguishesArguments(t *testing.T) {
	base := Fingerprint("0x01", ActionResolve, true, 0)
	if base != Fingerprint("0x01", ActionResolve, true, 0) {
		t.Fatal("fingerprint not deterministic")
	}
	for _, other := range []string{
		Fingerprint("0x01", ActionResolve, false, 0),
		Fingerprint("0x02", ActionResolve, true, 0),
		Fingerprint("0x01", ActionExtendDeadline, true, 0),
		Fingerprint("0x01", ActionResolve, true, 5),
	} {
		if other == base {
			t.Fatal("fingerprint collision")
		}
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{fmt.Errorf("%w: dial", rpc.ErrUnavailable), true},
		{fmt.Errorf("wrap: %w", ledger.ErrSequenceMismatch), true},
		{context.DeadlineExceeded, true},
		{context.Canceled, false},
		{deal.ErrInvalidState, false},
		{ledger.ErrInsufficientBalance, false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Fatalf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestDispatcherAdoptsLandedSubmission(t *testing.T) {
	l := ledger.New(storage.NewMemDB())
	key := mustKey(t)
	if _, err := l.Mint(context.Background(), addrOf(key), deal.MustCoins("1")); err != nil {
		t.Fatalf("mint: %v", err)
	}
	client := &lossyClient{Ledger: l}
	client.dropNext(1)
	d := startDispatcher(t, client)

	receipt, err := d.Submit(context.Background(), Submission{Action: "transfer", Key: key, Build: selfTransfer(addrOf(key))})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !receipt.Success || receipt.Sequence != 0 {
		t.Fatalf("expected the first receipt to be adopted, got %+v", receipt)
	}
	seq, _ := l.Sequence(context.Background(), addrOf(key))
	if seq != 1 {
		t.Fatalf("a lost response must not be signed twice, ledger sequence %d", seq)
	}
}

func TestDispatcherReadyAfterRun(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{Client: ledger.New(storage.NewMemDB())})
	select {
	case <-d.Ready():
		t.Fatal("ready before Run")
	default:
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()
	select {
	case <-d.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("ready not closed after Run")
	}
	cancel()
	<-done
}
