package manager

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/klingon-exchange/swapd/internal/chain"
	"github.com/klingon-exchange/swapd/internal/config"
	"github.com/klingon-exchange/swapd/internal/driver"
	"github.com/klingon-exchange/swapd/internal/storage"
	"github.com/klingon-exchange/swapd/internal/swap"
	"github.com/klingon-exchange/swapd/internal/task"
	"github.com/klingon-exchange/swapd/internal/transport"
	"github.com/klingon-exchange/swapd/pkg/logging"
)

// =============================================================================
// Ledger
// =============================================================================

// ledgerLock is an HTLC lock on the in-memory ledger.
type ledgerLock struct {
	txID     string
	amount   uint64
	reward   uint64
	refundAt time.Time
	spendTx  string
	secret   []byte
	refunded bool
}

func (l ledgerLock) spent() bool { return l.spendTx != "" }

// ledger is a shared fake chain for every currency.
type ledger struct {
	mu    sync.Mutex
	locks map[string]*ledgerLock
	seq   int
}

func newLedger() *ledger {
	return &ledger{locks: make(map[string]*ledgerLock)}
}

func ledgerKey(currency string, hash []byte) string {
	return currency + ":" + hex.EncodeToString(hash)
}

func (l *ledger) nextTx() string {
	l.seq++
	return fmt.Sprintf("tx%04d", l.seq)
}

func (l *ledger) lock(currency string, hash []byte, amount, reward uint64, refundAt time.Time) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := ledgerKey(currency, hash)
	if _, ok := l.locks[key]; ok {
		return "", fmt.Errorf("lock %s exists", key)
	}
	tx := l.nextTx()
	l.locks[key] = &ledgerLock{txID: tx, amount: amount, reward: reward, refundAt: refundAt.Truncate(time.Second)}
	return tx, nil
}

func (l *ledger) get(currency string, hash []byte) *ledgerLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.locks[ledgerKey(currency, hash)]
	if !ok {
		return nil
	}
	c := *lk
	return &c
}

func (l *ledger) redeem(currency string, scheme swap.HashScheme, hash, secret []byte) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.locks[ledgerKey(currency, hash)]
	switch {
	case !ok:
		return "", errors.New("no lock")
	case lk.spent():
		return "", errors.New("lock already spent")
	case !swap.VerifyPreimage(scheme, secret, hash):
		return "", swap.ErrSecretMismatch
	}
	lk.spendTx = l.nextTx()
	lk.secret = append([]byte(nil), secret...)
	return lk.spendTx, nil
}

func (l *ledger) refund(currency string, hash []byte) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.locks[ledgerKey(currency, hash)]
	switch {
	case !ok:
		return "", errors.New("no lock")
	case lk.spent():
		return "", errors.New("lock already spent")
	}
	lk.spendTx = l.nextTx()
	lk.refunded = true
	return lk.spendTx, nil
}

// =============================================================================
// Driver
// =============================================================================

// fakeDriver settles swap legs on the ledger. Watches run on the real task
// runner, so the manager's step logic is exercised against real timing.
type fakeDriver struct {
	currency string
	family   chain.Family
	scheme   swap.HashScheme
	ledger   *ledger
	runner   *task.Runner
	listener driver.Listener
	cfg      config.SwapConfig

	reward     uint64
	balance    uint64 // 0 means unlimited
	payShortBy uint64
	failNext   int // transient Pay failures to inject

	mu    sync.Mutex
	calls map[string]int
}

var _ driver.Driver = (*fakeDriver)(nil)

func (d *fakeDriver) count(op string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.calls == nil {
		d.calls = make(map[string]int)
	}
	d.calls[op]++
}

func (d *fakeDriver) called(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

func (d *fakeDriver) update(s *swap.Swap, flags swap.StateFlags, status swap.Status) {
	added := s.SetFlags(flags)
	addedStatus := s.SetStatus(status)
	if added != swap.FlagsEmpty || addedStatus != swap.StatusEmpty {
		d.listener.SwapUpdated(s, added)
	}
}

func (d *fakeDriver) newTask(s *swap.Swap, name string) *task.Task {
	return &task.Task{
		Name:           name,
		SwapID:         s.ID,
		Currency:       d.currency,
		Interval:       d.cfg.ConfirmationCheckInterval,
		MaxAttempts:    d.cfg.MaxAttempts,
		IsSwapCanceled: s.IsCanceled,
	}
}

func (d *fakeDriver) onCanceled(s *swap.Swap, name string) func(context.Context, task.Outcome) {
	return func(ctx context.Context, out task.Outcome) {
		switch out.Reason {
		case task.ReasonSwapCanceled, task.ReasonExternallyCanceled:
		case task.ReasonProtocolViolation:
			if s.Cancel(out.Err.Error()) {
				d.listener.SwapUpdated(s, swap.IsCanceled)
			}
			d.listener.SwapFailed(s, out.Err)
		default:
			d.listener.SwapFailed(s, fmt.Errorf("%w: %s: %s", driver.ErrWatchCanceled, name, out))
		}
	}
}

func paymentStatus(initiator bool) swap.Status {
	if initiator {
		return swap.StatusInitiatorPaymentReceived
	}
	return swap.StatusAcceptorPaymentReceived
}

func redeemStatus(initiator bool) swap.Status {
	if initiator {
		return swap.StatusInitiatorRedeemReceived
	}
	return swap.StatusAcceptorRedeemReceived
}

func refundStatus(initiator bool) swap.Status {
	if initiator {
		return swap.StatusInitiatorRefundReceived
	}
	return swap.StatusAcceptorRefundReceived
}

func (d *fakeDriver) Currency() string        { return d.currency }
func (d *fakeDriver) Family() chain.Family    { return d.family }
func (d *fakeDriver) Scheme() swap.HashScheme { return d.scheme }

func (d *fakeDriver) Pay(ctx context.Context, s *swap.Swap) error {
	d.count("pay")
	if s.HasFlags(swap.IsPaymentBroadcast) {
		return nil
	}
	amount := s.SoldAmount + s.Remote().RewardForRedeem
	if d.balance > 0 && amount > d.balance {
		return swap.InsufficientFunds("pay", amount, d.balance)
	}

	// Signed, then the broadcast fails.
	d.update(s, swap.HasPayment|swap.IsPaymentSigned, swap.StatusEmpty)
	d.mu.Lock()
	fail := d.failNext > 0
	if fail {
		d.failNext--
	}
	d.mu.Unlock()
	if fail {
		return swap.Transient("pay", errors.New("connection refused"))
	}
	tx, err := d.ledger.lock(d.currency, s.SecretHash(), amount-d.payShortBy, s.Remote().RewardForRedeem, s.PaymentRefundTime())
	if err != nil {
		return swap.Internal("pay", err)
	}
	s.UpdateLocal(func(p *swap.Party) { p.PaymentTxID = tx })
	d.update(s, swap.HasPayment|swap.IsPaymentSigned|swap.IsPaymentBroadcast|swap.IsPaymentConfirmed, paymentStatus(s.IsInitiator))
	return nil
}

func (d *fakeDriver) DetectCounterpartyLock(ctx context.Context, s *swap.Swap) (*driver.Lock, error) {
	d.count("detect")
	lk := d.ledger.get(d.currency, s.SecretHash())
	if lk == nil {
		return nil, nil
	}
	want := s.Local().RewardForRedeem
	if lk.reward != want {
		return nil, swap.Protocol("detect", fmt.Errorf("%w: reward %d, agreed %d", swap.ErrProtocolViolation, lk.reward, want))
	}
	if lk.amount < s.PurchasedAmount+want {
		return nil, nil
	}
	if lk.refundAt.Before(s.PartyPaymentRefundTime().Truncate(time.Second)) {
		return nil, nil
	}
	return &driver.Lock{TxID: lk.txID, Amount: lk.amount, Reward: lk.reward, RefundTime: lk.refundAt, Confirmations: 1}, nil
}

func (d *fakeDriver) StartPartyPaymentControl(ctx context.Context, s *swap.Swap) error {
	if s.HasFlags(swap.IsPartyPaymentConfirmed) {
		return nil
	}
	t := d.newTask(s, driver.TaskPartyPayment)
	t.Deadline = s.PartyPaymentRefundTime()
	t.Check = func(ctx context.Context) (task.Outcome, error) {
		lock, err := d.DetectCounterpartyLock(ctx, s)
		if err != nil || lock == nil {
			return task.Pending(), err
		}
		return task.Completed(lock), nil
	}
	t.OnCompleted = func(ctx context.Context, payload any) {
		lock := payload.(*driver.Lock)
		s.UpdateRemote(func(p *swap.Party) { p.PaymentTxID = lock.TxID })
		d.update(s, swap.HasPartyPayment|swap.IsPartyPaymentConfirmed, paymentStatus(!s.IsInitiator))
		if s.IsInitiator {
			d.listener.AcceptorPaymentConfirmed(s)
		} else {
			d.listener.InitiatorPaymentConfirmed(s)
		}
	}
	t.OnCanceled = d.onCanceled(s, driver.TaskPartyPayment)
	_, err := d.runner.Start(t)
	return err
}

func (d *fakeDriver) Redeem(ctx context.Context, s *swap.Swap) error {
	d.count("redeem")
	switch {
	case s.HasFlags(swap.IsRedeemBroadcast):
		return nil
	case !s.HasFlags(swap.IsPartyPaymentConfirmed):
		return swap.Precondition("redeem", driver.ErrPartyPaymentUnconfirmed)
	}
	secret := s.Secret()
	if secret == nil {
		return swap.Precondition("redeem", swap.ErrSecretUnknown)
	}
	defer secret.Wipe()
	tx, err := d.ledger.redeem(d.currency, s.Scheme, s.SecretHash(), secret.Bytes())
	if err != nil {
		return swap.Internal("redeem", err)
	}
	s.SetRedeemTxID(tx)
	d.update(s, swap.HasRedeem|swap.IsRedeemSigned|swap.IsRedeemBroadcast|swap.IsRedeemConfirmed, redeemStatus(s.IsInitiator))
	return nil
}

func (d *fakeDriver) RedeemForParty(ctx context.Context, s *swap.Swap) error {
	d.count("redeem_for_party")
	if s.HasFlags(swap.IsPaymentSpent) {
		return nil
	}
	secret := s.Secret()
	if secret == nil {
		return swap.Precondition("redeem for party", swap.ErrSecretUnknown)
	}
	defer secret.Wipe()
	lk := d.ledger.get(d.currency, s.SecretHash())
	if lk == nil {
		return swap.Transient("redeem for party", driver.ErrPaymentNotFound)
	}
	if want := s.Remote().RewardForRedeem; lk.reward != want {
		err := swap.Protocol("redeem for party", fmt.Errorf("%w: reward %d, agreed %d", swap.ErrProtocolViolation, lk.reward, want))
		if s.Cancel(err.Error()) {
			d.listener.SwapUpdated(s, swap.IsCanceled)
		}
		d.listener.SwapFailed(s, err)
		return err
	}
	tx, err := d.ledger.redeem(d.currency, s.Scheme, s.SecretHash(), secret.Bytes())
	if err != nil {
		return swap.Internal("redeem for party", err)
	}
	s.SetPartyRedeemTxID(tx)
	d.update(s, swap.IsPaymentSpent, redeemStatus(!s.IsInitiator))
	return nil
}

func (d *fakeDriver) StartWaitForPartyRedeem(ctx context.Context, s *swap.Swap) error {
	d.count("wait_party_redeem")
	t := d.newTask(s, driver.TaskWaitPartyRedeem)
	t.Check = func(ctx context.Context) (task.Outcome, error) {
		lk := d.ledger.get(d.currency, s.SecretHash())
		if lk == nil || !lk.spent() || lk.refunded {
			return task.Pending(), nil
		}
		return task.Completed(lk.spendTx), nil
	}
	t.OnCompleted = func(ctx context.Context, payload any) {
		s.SetRedeemTxID(payload.(string))
		d.update(s, swap.HasRedeem|swap.IsRedeemBroadcast|swap.IsRedeemConfirmed, redeemStatus(s.IsInitiator))
	}
	t.OnCanceled = d.onCanceled(s, driver.TaskWaitPartyRedeem)
	_, err := d.runner.Start(t)
	return err
}

func (d *fakeDriver) Refund(ctx context.Context, s *swap.Swap) error {
	d.count("refund")
	switch {
	case s.HasFlags(swap.IsRefundBroadcast):
		return nil
	case !s.HasFlags(swap.IsPaymentBroadcast):
		return swap.Precondition("refund", driver.ErrNoPayment)
	case time.Now().Before(s.PaymentRefundTime()):
		return swap.Precondition("refund", swap.ErrRefundTooEarly)
	}
	tx, err := d.ledger.refund(d.currency, s.SecretHash())
	if err != nil {
		return swap.Internal("refund", err)
	}
	s.SetRefundTxID(tx)
	d.update(s, swap.HasRefund|swap.IsRefundSigned|swap.IsRefundBroadcast|swap.IsRefundConfirmed, refundStatus(s.IsInitiator))
	return nil
}

func (d *fakeDriver) WaitForRedeem(ctx context.Context, s *swap.Swap) (*swap.Secret, error) {
	if secret := s.Secret(); secret != nil && s.HasFlags(swap.IsPaymentSpent) {
		return secret, nil
	}
	return nil, swap.Precondition("wait for redeem", swap.ErrSecretUnknown)
}

func (d *fakeDriver) StartWaitForRedeem(ctx context.Context, s *swap.Swap) error {
	d.count("wait_redeem")
	t := d.newTask(s, driver.TaskWaitRedeem)
	t.Deadline = s.PaymentRefundTime()
	t.CancelOnlyWhenRefundTimeReached = true
	t.IsSwapCanceled = func() bool { return s.IsCanceled() && !s.NeedsRefund() }
	t.Check = func(ctx context.Context) (task.Outcome, error) {
		lk := d.ledger.get(d.currency, s.SecretHash())
		if lk == nil || !lk.spent() {
			return task.Pending(), nil
		}
		return task.Completed(lk), nil
	}
	t.OnCompleted = func(ctx context.Context, payload any) {
		lk := payload.(*ledgerLock)
		if lk.refunded {
			return
		}
		secret, err := swap.SecretFromBytes(lk.secret)
		if err != nil {
			d.listener.SwapFailed(s, err)
			return
		}
		defer secret.Wipe()
		if err := s.SetSecret(secret); err != nil {
			d.listener.SwapFailed(s, err)
			return
		}
		s.SetPartyRedeemTxID(lk.spendTx)
		d.update(s, swap.IsPaymentSpent|swap.HasSecret, redeemStatus(!s.IsInitiator))
		if !s.IsInitiator {
			d.listener.AcceptorPaymentSpent(s)
		}
	}
	t.OnCanceled = func(ctx context.Context, out task.Outcome) {
		if out.Reason != task.ReasonRefundTimeReached {
			d.onCanceled(s, driver.TaskWaitRedeem)(ctx, out)
			return
		}
		rt := d.newTask(s, driver.TaskRefund)
		rt.IsSwapCanceled = nil
		rt.Check = func(ctx context.Context) (task.Outcome, error) {
			err := d.Refund(ctx, s)
			if errors.Is(err, swap.ErrRefundTooEarly) {
				return task.Pending(), nil
			}
			return task.Completed(nil), err
		}
		rt.OnCanceled = d.onCanceled(s, driver.TaskRefund)
		if _, err := d.runner.Start(rt); err != nil {
			d.listener.SwapFailed(s, err)
		}
	}
	_, err := d.runner.Start(t)
	return err
}

func (d *fakeDriver) RewardForRedeem(ctx context.Context, s *swap.Swap) (uint64, error) {
	return d.reward, nil
}

func (d *fakeDriver) RestoreFromSoldSide(ctx context.Context, s *swap.Swap) error {
	d.count("restore_sold")
	f := s.Flags()
	if f.Has(swap.IsPaymentBroadcast) && !f.Any(swap.IsPaymentSpent|swap.IsRefundBroadcast) {
		return d.StartWaitForRedeem(ctx, s)
	}
	return nil
}

func (d *fakeDriver) RestoreFromPurchasedSide(ctx context.Context, s *swap.Swap) error {
	d.count("restore_purchased")
	if s.IsActive() && !s.HasFlags(swap.IsPartyPaymentConfirmed) && (!s.IsInitiator || s.HasFlags(swap.IsPaymentBroadcast)) {
		return d.StartPartyPaymentControl(ctx, s)
	}
	return nil
}

// =============================================================================
// Test node
// =============================================================================

type fakeRequisites struct{ name string }

func (r fakeRequisites) Requisites(ctx context.Context, sold, purchased string) (swap.Party, error) {
	return swap.Party{
		Address:       r.name + "-" + purchased,
		RefundAddress: r.name + "-" + sold,
	}, nil
}

// pipe delivers notifications to the peer node's manager.
type pipe struct {
	from string
	to   func() *Manager
}

func (p *pipe) deliver(typ transport.MessageType, r swap.Record) error {
	peer := p.to()
	if peer == nil {
		return nil
	}
	msg := transport.NewMessage(typ, p.from, r)
	go peer.HandleSwap(context.Background(), msg)
	return nil
}

func (p *pipe) NotifyInitiate(ctx context.Context, r swap.Record) error {
	return p.deliver(transport.TypeInitiate, r)
}

func (p *pipe) NotifyAccept(ctx context.Context, r swap.Record) error {
	return p.deliver(transport.TypeAccept, r)
}

func (p *pipe) NotifyStatus(ctx context.Context, r swap.Record) error {
	return p.deliver(transport.TypeStatus, r)
}

type testNode struct {
	name    string
	m       *Manager
	store   storage.Store
	runner  *task.Runner
	drivers map[string]*fakeDriver
	pipe    *pipe
	events  <-chan Event
}

func testSwapConfig() config.SwapConfig {
	cfg := config.DefaultSwapConfig()
	cfg.ConfirmationCheckInterval = 10 * time.Millisecond
	cfg.OutputSpentCheckInterval = 10 * time.Millisecond
	cfg.RedeemWaitInterval = 10 * time.Millisecond
	cfg.SwapTimeout = time.Minute
	cfg.MaxAttempts = 0
	return cfg
}

type nodeOption func(n *testNode, cfg *Config)

var errDiskFull = errors.New("disk full")

// failingStore fails every save while broken.
type failingStore struct {
	storage.Store
	mu     sync.Mutex
	broken bool
}

func (s *failingStore) setBroken(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broken = v
}

func (s *failingStore) SaveSwap(r swap.Record) error {
	s.mu.Lock()
	broken := s.broken
	s.mu.Unlock()
	if broken {
		return errDiskFull
	}
	return s.Store.SaveSwap(r)
}

func newTestNode(t *testing.T, name string, l *ledger, swapCfg config.SwapConfig, opts ...nodeOption) *testNode {
	t.Helper()
	store, err := storage.Open(&storage.Config{Driver: "bolt", DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return newTestNodeWithStore(t, name, l, swapCfg, store, opts...)
}

func newTestNodeWithStore(t *testing.T, name string, l *ledger, swapCfg config.SwapConfig, store storage.Store, opts ...nodeOption) *testNode {
	t.Helper()
	n := &testNode{
		name:    name,
		store:   store,
		runner:  task.NewRunner(context.Background()),
		drivers: make(map[string]*fakeDriver),
		pipe:    &pipe{from: name, to: func() *Manager { return nil }},
	}
	cfg := &Config{
		Store:      store,
		Runner:     n.runner,
		Notifier:   n.pipe,
		Requisites: fakeRequisites{name: name},
		Swap:       swapCfg,
		Chains:     map[string]*config.ChainConfig{},
		PeerID:     name,
		Logger:     logging.Discard(),
	}
	for _, c := range []struct {
		symbol string
		family chain.Family
	}{{"BTC", chain.FamilyUTXO}, {"ETH", chain.FamilyEVM}, {"USDT", chain.FamilyERC20}} {
		n.drivers[c.symbol] = &fakeDriver{
			currency: c.symbol,
			family:   c.family,
			scheme:   swap.HashHash256,
			ledger:   l,
			runner:   n.runner,
			cfg:      swapCfg,
		}
	}
	for _, opt := range opts {
		opt(n, cfg)
	}

	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	n.m = m
	for _, d := range n.drivers {
		d.listener = m
		m.AddDriver(d)
	}
	events, _ := m.Subscribe(1024)
	n.events = events
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Close(ctx)
	})
	return n
}

func link(a, b *testNode) {
	a.pipe.to = func() *Manager { return b.m }
	b.pipe.to = func() *Manager { return a.m }
}

func testTerms(ts time.Time) swap.Terms {
	return swap.Terms{
		Symbol:            "ETH/BTC",
		Side:              swap.SideBuy,
		Price:             0.05,
		Qty:               1,
		TimeStamp:         ts,
		SoldCurrency:      "BTC",
		PurchasedCurrency: "ETH",
		SoldAmount:        5_000_000,
		PurchasedAmount:   1_000_000_000,
	}
}

// acceptFor builds the acceptance a counterparty would send for r.
func acceptFor(r swap.Record, from string) transport.Message {
	msg := transport.NewMessage(transport.TypeAccept, from, r)
	msg.Swap.Terms = msg.Swap.CounterpartyTerms()
	msg.Swap.Party = swap.Party{ID: from, Address: from + "-BTC", RefundAddress: from + "-ETH"}
	return msg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (n *testNode) record(t *testing.T, id uint64) swap.Record {
	t.Helper()
	r, err := n.m.Get(id)
	if err != nil {
		t.Fatalf("%s: Get(%d) error = %v", n.name, id, err)
	}
	return r
}

// only returns the single swap held by n.
func (n *testNode) only(t *testing.T) swap.Record {
	t.Helper()
	var list []swap.Record
	waitFor(t, n.name+" swap", func() bool {
		list = n.m.List()
		return len(list) == 1
	})
	return list[0]
}

// nextEvent returns the next event of type typ.
func (n *testNode) nextEvent(t *testing.T, typ EventType) Event {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case e := <-n.events:
			if e.Type == typ {
				return e
			}
		case <-timeout:
			t.Fatalf("%s: no %s event", n.name, typ)
			return Event{}
		}
	}
}
