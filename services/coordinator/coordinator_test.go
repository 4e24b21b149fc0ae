package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"dealescrow/crypto"
	"dealescrow/ledger"
	"dealescrow/native/deal"
	"dealescrow/services/mirror"
	"dealescrow/services/settlement"
	"dealescrow/storage"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	t           *testing.T
	clock       *testClock
	ledger      *ledger.Ledger
	keys        *crypto.KeySource
	records     *Store
	books       *settlement.Books
	svc         *Service
	funder      *crypto.PrivateKey
	beneficiary *crypto.PrivateKey
	cancel      context.CancelFunc
	done        chan struct{}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func addrOf(key *crypto.PrivateKey) [20]byte {
	return key.PubKey().Address().Array()
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	clock := &testClock{now: time.Unix(1_750_000_000, 0).UTC()}
	dir := t.TempDir()

	records, err := OpenStore(filepath.Join(dir, "records.db"))
	if err != nil {
		t.Fatalf("open records: %v", err)
	}
	t.Cleanup(func() { _ = records.Close() })
	mirrorStore, err := mirror.Open(filepath.Join(dir, "mirror.db"), nil)
	if err != nil {
		t.Fatalf("open mirror: %v", err)
	}
	t.Cleanup(func() { _ = mirrorStore.Close() })
	db, err := settlement.OpenDB(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()), discardLogger())
	if err != nil {
		t.Fatalf("open books: %v", err)
	}
	books, err := settlement.NewBooks(settlement.Config{DB: db, Now: clock.Now, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("books: %v", err)
	}

	h := &harness{
		t:           t,
		clock:       clock,
		ledger:      ledger.New(storage.NewMemDB(), ledger.WithClock(clock.Now), ledger.WithLogger(discardLogger())),
		keys:        crypto.NewKeySource([]byte("coordinator-test-master-secret"), discardLogger()),
		records:     records,
		books:       books,
		funder:      mustKey(t),
		beneficiary: mustKey(t),
	}
	opts := Options{
		Client:  h.ledger,
		Keys:    h.keys,
		Records: records,
		Mirror:  mirrorStore,
		Books:   books,
		Logger:  discardLogger(),
		Now:     clock.Now,
		Funding: FundingConfig{
			ConfirmationBps: DefaultFundingConfirmationBps,
			PollInterval:    Duration{5 * time.Millisecond},
			Timeout:         Duration{5 * time.Second},
		},
		Dispatch: DispatchConfig{
			MaxAttempts:    3,
			InitialBackoff: Duration{time.Millisecond},
			MaxBackoff:     Duration{5 * time.Millisecond},
			QueueSize:      8,
		},
		Reconcile: ReconcileConfig{Interval: Duration{time.Hour}},
	}
	if mutate != nil {
		mutate(&opts)
	}
	svc, err := New(opts)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	h.svc = svc
	if _, err := h.ledger.Mint(context.Background(), addrOf(h.funder), deal.MustCoins("1000")); err != nil {
		t.Fatalf("mint: %v", err)
	}
	return h
}

func (h *harness) start() {
	h.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go func() {
		defer close(h.done)
		_ = h.svc.Run(ctx)
	}()
	h.svc.waitForDispatcher(ctx)
	h.t.Cleanup(h.stop)
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	h.cancel = nil
}

func (h *harness) params(businessID string) CreateParams {
	return CreateParams{
		BusinessID:        businessID,
		Funder:            addrOf(h.funder),
		Beneficiary:       addrOf(h.beneficiary),
		TotalAmount:       deal.MustCoins("10"),
		BeneficiaryAmount: deal.MustCoins("9.5"),
		Deadline:          uint32(h.clock.Now().Add(24 * time.Hour).Unix()),
	}
}

func (h *harness) create(params CreateParams) *CreateResult {
	h.t.Helper()
	res, err := h.svc.CreateEscrow(context.Background(), params)
	if err != nil {
		h.t.Fatalf("create escrow: %v", err)
	}
	return res
}

// send signs a message from key to the contract.
func (h *harness) send(key *crypto.PrivateKey, to string, value *uint256.Int, body []byte) *ledger.Receipt {
	h.t.Helper()
	ctx := context.Background()
	seq, err := h.ledger.Sequence(ctx, addrOf(key))
	if err != nil {
		h.t.Fatalf("sequence: %v", err)
	}
	rec := Record{ContractAddress: to}
	tx := ledger.NewMessageTx(rec.Address(), seq, value, body)
	if err := tx.Sign(key); err != nil {
		h.t.Fatalf("sign: %v", err)
	}
	receipt, err := h.ledger.Submit(ctx, tx)
	if err != nil {
		h.t.Fatalf("submit: %v", err)
	}
	return receipt
}

func (h *harness) fund(res *CreateResult) {
	h.t.Helper()
	receipt := h.send(h.funder, res.ContractAddress, deal.MustCoins("10"), deal.FundBody(7))
	if !receipt.Success {
		h.t.Fatalf("fund rejected: %s", receipt.Error)
	}
}

func (h *harness) record(dealID string) *Record {
	h.t.Helper()
	rec, err := h.records.GetRecord(context.Background(), dealID)
	if err != nil {
		h.t.Fatalf("get record: %v", err)
	}
	return rec
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type notificationLog struct {
	mu     sync.Mutex
	events []Notification
}

func (l *notificationLog) handler(_ context.Context, n Notification) {
	l.mu.Lock()
	l.events = append(l.events, n)
	l.mu.Unlock()
}

func (l *notificationLog) has(eventType, dealID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, n := range l.events {
		if n.Type == eventType && n.DealID == dealID {
			return true
		}
	}
	return false
}

func TestCreateFundReleaseSettles(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	notes := &notificationLog{}
	h.svc.Notifier().Subscribe(notes.handler)
	confirmed := make(chan FundingConfirmation, 1)
	h.svc.OnFundingConfirmed(func(c FundingConfirmation) { confirmed <- c })

	params := h.params("order-1001")
	params.Referrals = []settlement.Referral{{AccountID: "referrer:alice", Amount: deal.MustCoins("0.1")}}
	res := h.create(params)

	dealID := deal.DealIDFromBusinessID("order-1001")
	if res.DealID != deal.DealIDHex(dealID) {
		t.Fatalf("deal id mismatch: %s", res.DealID)
	}
	custodian, err := h.keys.Address(dealID)
	if err != nil {
		t.Fatalf("custodian: %v", err)
	}
	if res.Custodian != crypto.AddressFrom20(crypto.AccountPrefix, custodian).String() {
		t.Fatalf("custodian mismatch: %s", res.Custodian)
	}
	if res.Status != "PENDING" || res.PlatformFee != deal.MustCoins("0.5").Dec() {
		t.Fatalf("unexpected create result: %+v", res)
	}
	if res.PayIntent.Amount != "10" {
		t.Fatalf("pay intent amount: %s", res.PayIntent.Amount)
	}
	rec := h.record(res.DealID)
	acct, err := h.ledger.Account(context.Background(), rec.Address())
	if err != nil || acct.Contract == nil {
		t.Fatalf("contract not deployed: %v", err)
	}

	h.fund(res)
	select {
	case c := <-confirmed:
		if c.DealID != res.DealID || c.Amount != deal.MustCoins("10").Dec() {
			t.Fatalf("unexpected confirmation: %+v", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("funding not confirmed")
	}
	eventually(t, "funding notification", func() bool { return notes.has(EventFundingConfirmed, res.DealID) })

	status, err := h.svc.GetStatus(context.Background(), res.DealID, true)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != "FUNDED" || !status.Fresh {
		t.Fatalf("expected fresh FUNDED, got %+v", status)
	}

	out, err := h.svc.Release(context.Background(), res.DealID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if out.Status != "RELEASED" {
		t.Fatalf("release status: %+v", out)
	}

	rec = h.record(res.DealID)
	if !rec.Settled || !rec.Archived || rec.PendingAction != "" {
		t.Fatalf("record not settled and archived: %+v", rec)
	}
	booked, err := h.books.Settlement(context.Background(), res.DealID)
	if err != nil {
		t.Fatalf("settlement: %v", err)
	}
	released, _ := uint256.FromDecimal(booked.Released)
	fee, _ := uint256.FromDecimal(booked.PlatformFee)
	credit, _ := uint256.FromDecimal(booked.BeneficiaryCredit)
	referrals, _ := uint256.FromDecimal(booked.ReferralTotal)
	sum := new(uint256.Int).Add(credit, fee)
	sum.Add(sum, referrals)
	if !sum.Eq(released) {
		t.Fatalf("split %s+%s+%s != released %s", credit, fee, referrals, released)
	}
	if !credit.Eq(deal.MustCoins("9.5")) || !referrals.Eq(deal.MustCoins("0.1")) {
		t.Fatalf("unexpected split: %+v", booked)
	}
	balance, err := h.books.Balance(context.Background(), BeneficiaryAccountID(rec.Beneficiary))
	if err != nil || !balance.Eq(deal.MustCoins("9.5")) {
		t.Fatalf("beneficiary balance %v: %v", balance, err)
	}
	eventually(t, "release notification", func() bool { return notes.has(EventReleased, res.DealID) })

	dispatches, err := h.records.DispatchesForDeal(context.Background(), res.DealID)
	if err != nil {
		t.Fatalf("dispatches: %v", err)
	}
	if len(dispatches) != 2 {
		t.Fatalf("expected deploy and release dispatches, got %d", len(dispatches))
	}
	for _, d := range dispatches {
		if d.State != DispatchConfirmed {
			t.Fatalf("dispatch %s in state %s", d.Action, d.State)
		}
	}

	// Settlement happens once even when reconciliation runs again.
	if _, err := h.svc.GetStatus(context.Background(), res.DealID, true); err != nil {
		t.Fatalf("status after release: %v", err)
	}
	balance, _ = h.books.Balance(context.Background(), BeneficiaryAccountID(rec.Beneficiary))
	if !balance.Eq(deal.MustCoins("9.5")) {
		t.Fatalf("settlement applied twice: %s", balance)
	}
}

func TestCreateEscrowIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	first := h.create(h.params("order-2002"))
	second := h.create(h.params("order-2002"))
	if !second.Existing || second.ContractAddress != first.ContractAddress {
		t.Fatalf("expected existing deal, got %+v", second)
	}
	changed := h.params("order-2002")
	changed.TotalAmount = deal.MustCoins("11")
	if _, err := h.svc.CreateEscrow(context.Background(), changed); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	dispatches, _ := h.records.DispatchesForDeal(context.Background(), first.DealID)
	if len(dispatches) != 1 {
		t.Fatalf("expected a single deploy dispatch, got %d", len(dispatches))
	}
}

func TestCreateEscrowRejectsInvalidParams(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	cases := map[string]func(*CreateParams){
		"missing business id": func(p *CreateParams) { p.BusinessID = " " },
		"beneficiary exceeds": func(p *CreateParams) { p.BeneficiaryAmount = deal.MustCoins("11") },
		"referrals exceed fee": func(p *CreateParams) {
			p.Referrals = []settlement.Referral{{AccountID: "r", Amount: deal.MustCoins("0.6")}}
		},
	}
	for name, mutate := range cases {
		p := h.params("order-invalid")
		mutate(&p)
		if _, err := h.svc.CreateEscrow(context.Background(), p); !errors.Is(err, ErrInvalidParams) {
			t.Fatalf("%s: expected invalid params, got %v", name, err)
		}
	}
}

func TestRefundSettlesWithoutCredit(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	res := h.create(h.params("order-3003"))
	h.fund(res)
	eventually(t, "funded", func() bool { return h.record(res.DealID).Status == "FUNDED" })

	out, err := h.svc.Refund(context.Background(), res.DealID)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if out.Status != "REFUNDED" {
		t.Fatalf("refund status: %+v", out)
	}
	booked, err := h.books.Settlement(context.Background(), res.DealID)
	if err != nil {
		t.Fatalf("settlement: %v", err)
	}
	if booked.Kind != settlement.KindRefund {
		t.Fatalf("expected refund settlement, got %s", booked.Kind)
	}
	balance, _ := h.books.Balance(context.Background(), BeneficiaryAccountID(h.record(res.DealID).Beneficiary))
	if !balance.IsZero() {
		t.Fatalf("refund credited beneficiary: %s", balance)
	}
}

func TestDisputeBlocksReleaseUntilResolved(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	notes := &notificationLog{}
	h.svc.Notifier().Subscribe(notes.handler, EventDisputed, EventRefunded)
	res := h.create(h.params("order-4004"))
	h.fund(res)
	eventually(t, "funded", func() bool { return h.record(res.DealID).Status == "FUNDED" })

	intent, err := h.svc.DisputeIntent(context.Background(), res.DealID)
	if err != nil {
		t.Fatalf("dispute intent: %v", err)
	}
	if intent.Op != deal.OpDispute.String() {
		t.Fatalf("unexpected dispute intent: %+v", intent)
	}
	receipt := h.send(h.beneficiary, res.ContractAddress, uint256.NewInt(0), deal.DisputeBody(9))
	if !receipt.Success {
		t.Fatalf("dispute rejected: %s", receipt.Error)
	}
	status, err := h.svc.GetStatus(context.Background(), res.DealID, true)
	if err != nil || status.Status != "DISPUTED" {
		t.Fatalf("expected DISPUTED, got %+v (%v)", status, err)
	}
	eventually(t, "dispute notification", func() bool { return notes.has(EventDisputed, res.DealID) })

	out, err := h.svc.Release(context.Background(), res.DealID)
	if !errors.Is(err, deal.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if out == nil || out.TxHash == "" {
		t.Fatalf("rejected dispatch should carry its receipt hash")
	}

	out, err = h.svc.Resolve(context.Background(), res.DealID, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out.Status != "REFUNDED" {
		t.Fatalf("resolve status: %+v", out)
	}
	eventually(t, "refund notification", func() bool { return notes.has(EventRefunded, res.DealID) })

	dispatches, _ := h.records.DispatchesForDeal(context.Background(), res.DealID)
	states := map[string]DispatchState{}
	for _, d := range dispatches {
		states[d.Action] = d.State
	}
	if states[ActionRelease] != DispatchFailed || states[ActionResolve] != DispatchConfirmed {
		t.Fatalf("unexpected journal states: %v", states)
	}
}

func TestExtendDeadlineUpdatesMirror(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	res := h.create(h.params("order-5005"))
	h.fund(res)
	eventually(t, "funded", func() bool { return h.record(res.DealID).Status == "FUNDED" })

	newDeadline := uint32(h.clock.Now().Add(72 * time.Hour).Unix())
	if _, err := h.svc.ExtendDeadline(context.Background(), res.DealID, newDeadline); err != nil {
		t.Fatalf("extend: %v", err)
	}
	status, err := h.svc.GetStatus(context.Background(), res.DealID, false)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Fresh || status.Deadline != newDeadline || status.Status != "FUNDED" {
		t.Fatalf("unexpected cached status: %+v", status)
	}

	if _, err := h.svc.ExtendDeadline(context.Background(), res.DealID, 1); !errors.Is(err, deal.ErrInvalidDeadline) {
		t.Fatalf("expected invalid deadline, got %v", err)
	}
}

func TestFundingTimeoutNotifies(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Funding.Timeout = Duration{30 * time.Millisecond}
	})
	h.start()
	notes := &notificationLog{}
	h.svc.Notifier().Subscribe(notes.handler, EventFundingTimeout)
	res := h.create(h.params("order-6006"))
	eventually(t, "timeout notification", func() bool { return notes.has(EventFundingTimeout, res.DealID) })
}

func TestGetStatusUnknownDeal(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	if _, err := h.svc.GetStatus(context.Background(), deal.DealIDHex(uint256.NewInt(42)), false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := h.svc.GetStatus(context.Background(), "not-hex", false); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("expected invalid params, got %v", err)
	}
}

func TestRecoverRedeploysAfterStoppedDispatcher(t *testing.T) {
	h := newHarness(t, nil)
	params := h.params("order-7007")
	if _, err := h.svc.CreateEscrow(context.Background(), params); !errors.Is(err, ErrDispatcherStopped) {
		t.Fatalf("expected dispatcher stopped, got %v", err)
	}
	dealID := deal.DealIDHex(deal.DealIDFromBusinessID("order-7007"))
	rec := h.record(dealID)
	if rec.PendingAction != ActionDeploy {
		t.Fatalf("expected pending deploy, got %q", rec.PendingAction)
	}

	h.start()
	eventually(t, "redeploy", func() bool {
		acct, err := h.ledger.Account(context.Background(), rec.Address())
		return err == nil && acct.Contract != nil
	})
	eventually(t, "pending action cleared", func() bool { return h.record(dealID).PendingAction == "" })
}

func TestRecoverFinishesProcessingDispatchFromReceipt(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	res := h.create(h.params("order-8008"))
	h.fund(res)
	eventually(t, "funded", func() bool { return h.record(res.DealID).Status == "FUNDED" })
	h.stop()

	// Simulate a crash between ledger acceptance and the journal update.
	ctx := context.Background()
	id := uuid.New()
	d := Dispatch{
		ID:          id,
		DealID:      res.DealID,
		Action:      ActionRelease,
		QueryID:     queryIDFor(id),
		Fingerprint: Fingerprint(res.DealID, ActionRelease, false, 0),
		State:       DispatchPending,
		CreatedAt:   h.clock.Now(),
		UpdatedAt:   h.clock.Now(),
	}
	if err := h.records.InsertDispatch(ctx, d); err != nil {
		t.Fatalf("insert dispatch: %v", err)
	}
	key, err := h.keys.SigningKey(deal.DealIDFromBusinessID("order-8008"))
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	seq, _ := h.ledger.Sequence(ctx, addrOf(key))
	rec := h.record(res.DealID)
	tx := ledger.NewMessageTx(rec.Address(), seq, uint256.NewInt(0), deal.ReleaseBody(d.QueryID))
	if err := tx.Sign(key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	hash, _ := tx.Hash()
	if err := h.records.MarkProcessing(ctx, id, seq, hash.Hex()); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if receipt, err := h.ledger.Submit(ctx, tx); err != nil || !receipt.Success {
		t.Fatalf("submit release: %v", err)
	}

	h.start()
	eventually(t, "journal confirmed", func() bool {
		got, err := h.records.GetDispatch(ctx, id)
		return err == nil && got.State == DispatchConfirmed
	})
	eventually(t, "settled", func() bool { return h.record(res.DealID).Settled })
	if got := h.record(res.DealID); got.Status != "RELEASED" || !got.Archived {
		t.Fatalf("unexpected record after recovery: %+v", got)
	}
}

func TestReleaseSurvivesLostResponse(t *testing.T) {
	lossy := &lossyClient{}
	h := newHarness(t, func(o *Options) {
		lossy.Ledger = o.Client.(*ledger.Ledger)
		o.Client = lossy
	})
	h.start()
	res := h.create(h.params("order-9009"))
	h.fund(res)
	eventually(t, "funded", func() bool { return h.record(res.DealID).Status == "FUNDED" })

	lossy.dropNext(1)
	out, err := h.svc.Release(context.Background(), res.DealID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if out.Status != "RELEASED" {
		t.Fatalf("release status: %+v", out)
	}
	dispatches, err := h.records.DispatchesForDeal(context.Background(), res.DealID)
	if err != nil {
		t.Fatalf("dispatches: %v", err)
	}
	for _, d := range dispatches {
		if d.State != DispatchConfirmed {
			t.Fatalf("dispatch %s in state %s: %s", d.Action, d.State, d.Error)
		}
	}
	if rec := h.record(res.DealID); !rec.Settled {
		t.Fatalf("record not settled: %+v", rec)
	}
}

func TestFreshStatusFindsSweepBeyondHistory(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	res := h.create(h.params("order-1111"))
	h.fund(res)
	eventually(t, "funded", func() bool { return h.record(res.DealID).Status == "FUNDED" })
	h.stop()

	// Released out of band while the coordinator is down, then buried under
	// more than a history page of bounced messages.
	key, err := h.keys.SigningKey(deal.DealIDFromBusinessID("order-1111"))
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	if r := h.send(key, res.ContractAddress, uint256.NewInt(0), deal.ReleaseBody(5)); !r.Success {
		t.Fatalf("release: %+v", r)
	}
	for i := 0; i < 101; i++ {
		if r := h.send(h.funder, res.ContractAddress, uint256.NewInt(0), deal.FundBody(uint64(i))); r.ExitCode != ledger.ExitNoContract {
			t.Fatalf("expected bounce, got %+v", r)
		}
	}

	h.start()
	status, err := h.svc.GetStatus(context.Background(), res.DealID, true)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != "RELEASED" {
		t.Fatalf("expected RELEASED, got %+v", status)
	}
	eventually(t, "settled", func() bool { return h.record(res.DealID).Settled })
	if _, err := h.books.Settlement(context.Background(), res.DealID); err != nil {
		t.Fatalf("settlement: %v", err)
	}
}
