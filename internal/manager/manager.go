// Package manager runs swaps end to end. It owns every in-flight swap,
// chooses the driver of each leg, persists every state transition and
// publishes swap events.
//
// Progress is driven by step, a single idempotent function evaluated after
// every flag change, after restore and after incoming counterparty
// messages. Each step only starts the next chain operation once the flag
// it depends on is set.
package manager

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/klingon-exchange/swapd/internal/chain"
	"github.com/klingon-exchange/swapd/internal/config"
	"github.com/klingon-exchange/swapd/internal/driver"
	"github.com/klingon-exchange/swapd/internal/locker"
	"github.com/klingon-exchange/swapd/internal/storage"
	"github.com/klingon-exchange/swapd/internal/swap"
	"github.com/klingon-exchange/swapd/internal/task"
	"github.com/klingon-exchange/swapd/internal/transport"
	"github.com/klingon-exchange/swapd/pkg/logging"
)

// Common errors
var (
	ErrUnknownCurrency = errors.New("no driver for currency")
	ErrSameContract    = errors.New("both legs use the same HTLC contract")
	ErrSwapNotFound    = errors.New("swap not found")
	ErrDuplicateSwap   = errors.New("swap already known")
	ErrTermsMismatch   = errors.New("counterparty terms differ from ours")
	ErrClosed          = errors.New("manager closed")
)

// Requisites supplies our addresses for a new swap.
type Requisites interface {
	// Requisites returns the local party of a swap selling sold and
	// purchasing purchased: Address on the purchased chain, RefundAddress
	// on the sold chain.
	Requisites(ctx context.Context, sold, purchased string) (swap.Party, error)
}

// Config holds the manager's collaborators.
type Config struct {
	Store      storage.Store
	Runner     *task.Runner
	Locker     *locker.Locker
	Notifier   transport.Notifier
	Requisites Requisites
	Swap       config.SwapConfig
	// Chains supplies contract addresses for the same-contract check.
	Chains map[string]*config.ChainConfig
	// PeerID is our identity towards counterparties.
	PeerID string
	Logger *logging.Logger
}

// Manager coordinates swaps.
type Manager struct {
	store      storage.Store
	runner     *task.Runner
	locker     *locker.Locker
	notifier   transport.Notifier
	requisites Requisites
	cfg        config.SwapConfig
	chains     map[string]*config.ChainConfig
	peerID     string
	broker     *broker
	log        *logging.Logger

	mu      sync.RWMutex
	drivers map[string]driver.Driver
	swaps   map[uint64]*swap.Swap
	byHash  map[string]uint64
	timers  map[uint64]*time.Timer
	retries map[uint64]int
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ driver.Listener = (*Manager)(nil)

// New creates a manager. Drivers are added with AddDriver; they need the
// manager as their Listener.
func New(cfg *Config) (*Manager, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("manager: store is required")
	case cfg.Runner == nil:
		return nil, errors.New("manager: task runner is required")
	case cfg.Requisites == nil:
		return nil, errors.New("manager: requisites are required")
	}
	if err := cfg.Swap.LockTimes().Validate(); err != nil {
		return nil, err
	}
	if cfg.Locker == nil {
		cfg.Locker = locker.New()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = transport.Discard{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetDefault()
	}

	ctx, cancel := context.WithCancel(context.Background())
	log := cfg.Logger.Component("manager")
	return &Manager{
		store:      cfg.Store,
		runner:     cfg.Runner,
		locker:     cfg.Locker,
		notifier:   cfg.Notifier,
		requisites: cfg.Requisites,
		cfg:        cfg.Swap,
		chains:     cfg.Chains,
		peerID:     cfg.PeerID,
		broker:     newBroker(log),
		log:        log,
		drivers:    make(map[string]driver.Driver),
		swaps:      make(map[uint64]*swap.Swap),
		byHash:     make(map[string]uint64),
		timers:     make(map[uint64]*time.Timer),
		retries:    make(map[uint64]int),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// AddDriver registers the driver of one currency.
func (m *Manager) AddDriver(d driver.Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.Currency()] = d
}

// Subscribe returns a channel of swap events and a function that
// unsubscribes. A subscriber that does not keep up misses events.
func (m *Manager) Subscribe(buf int) (<-chan Event, func()) {
	return m.broker.subscribe(buf)
}

// legs returns the drivers of the sold and purchased currencies and checks
// that the two legs can be swapped atomically.
func (m *Manager) legs(terms swap.Terms) (sold, purchased driver.Driver, err error) {
	m.mu.RLock()
	sold, okSold := m.drivers[terms.SoldCurrency]
	purchased, okPurchased := m.drivers[terms.PurchasedCurrency]
	m.mu.RUnlock()

	switch {
	case !okSold:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownCurrency, terms.SoldCurrency)
	case !okPurchased:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownCurrency, terms.PurchasedCurrency)
	case sold.Scheme() != purchased.Scheme():
		return nil, nil, fmt.Errorf("%w: %s uses %s, %s uses %s", swap.ErrIncompatibleCommitment,
			sold.Currency(), sold.Scheme(), purchased.Currency(), purchased.Scheme())
	}

	// An HTLC contract holds one lock per secret hash.
	if sold.Family() != chain.FamilyUTXO && purchased.Family() != chain.FamilyUTXO {
		a, b := m.chains[sold.Currency()], m.chains[purchased.Currency()]
		if a != nil && b != nil && a.Contract != "" && strings.EqualFold(a.Contract, b.Contract) {
			return nil, nil, fmt.Errorf("%w: %s", ErrSameContract, a.Contract)
		}
	}
	return sold, purchased, nil
}

func (m *Manager) driverFor(currency string) (driver.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[currency]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCurrency, currency)
	}
	return d, nil
}

// CreateSwap starts a swap as initiator: it creates the secret, records
// its commitment and sends the proposal to peer.
func (m *Manager) CreateSwap(ctx context.Context, terms swap.Terms, peer string) (swap.Record, error) {
	if m.isClosed() {
		return swap.Record{}, ErrClosed
	}
	if err := terms.Validate(); err != nil {
		return swap.Record{}, err
	}
	sold, purchased, err := m.legs(terms)
	if err != nil {
		return swap.Record{}, err
	}
	lockTimes := m.cfg.LockTimes()
	if err := swap.CheckLockTimes(lockTimes.Initiator, lockTimes.Acceptor, lockTimes.Margin); err != nil {
		return swap.Record{}, err
	}

	local, err := m.requisites.Requisites(ctx, terms.SoldCurrency, terms.PurchasedCurrency)
	if err != nil {
		return swap.Record{}, fmt.Errorf("requisites: %w", err)
	}
	local.ID = m.peerID

	id, err := m.store.NextSwapID()
	if err != nil {
		return swap.Record{}, fmt.Errorf("reserve swap id: %w", err)
	}
	s, err := swap.New(id, terms, true, sold.Scheme(), lockTimes, local)
	if err != nil {
		return swap.Record{}, err
	}

	secret, err := swap.CreateSecret()
	if err != nil {
		return swap.Record{}, err
	}
	defer secret.Wipe()
	if err := s.SetSecretHash(swap.Commit(s.Scheme, secret)); err != nil {
		return swap.Record{}, err
	}
	if err := s.SetSecret(secret); err != nil {
		return swap.Record{}, err
	}

	reward, err := purchased.RewardForRedeem(ctx, s)
	if err != nil {
		return swap.Record{}, fmt.Errorf("reward for redeem: %w", err)
	}
	s.UpdateLocal(func(p *swap.Party) { p.RewardForRedeem = reward })
	s.UpdateRemote(func(p *swap.Party) { p.ID = peer })
	s.SetStatus(swap.StatusInitiated)

	if err := m.register(s); err != nil {
		return swap.Record{}, err
	}
	if err := m.persist(s); err != nil {
		return swap.Record{}, err
	}
	m.log.Info("Swap created", "swap_id", s.ID, "sold", terms.SoldCurrency, "purchased", terms.PurchasedCurrency, "peer", peer)

	snap := s.Snapshot()
	if err := m.notifier.NotifyInitiate(ctx, snap); err != nil {
		m.log.Warn("Failed to send swap proposal", "swap_id", s.ID, "error", err)
	}
	m.armTimeout(s)
	m.broker.publish(Event{Type: EventSwapUpdated, Swap: snap, Added: s.Flags()})
	return snap, nil
}

// HandleSwap applies a counterparty message.
func (m *Manager) HandleSwap(ctx context.Context, msg transport.Message) error {
	if m.isClosed() {
		return ErrClosed
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	switch msg.Type {
	case transport.TypeInitiate:
		return m.accept(ctx, msg)
	case transport.TypeAccept:
		return m.accepted(msg)
	default:
		return m.status(msg)
	}
}

// accept creates our side of a swap proposed by the initiator.
func (m *Manager) accept(ctx context.Context, msg transport.Message) error {
	if _, ok := m.byHashLookup(msg.Swap.SecretHash); ok {
		return nil
	}
	hash, err := hex.DecodeString(msg.Swap.SecretHash)
	if err != nil {
		return fmt.Errorf("%w: %v", swap.ErrInvalidSecretHash, err)
	}
	terms := msg.Swap.CounterpartyTerms()
	sold, purchased, err := m.legs(terms)
	if err != nil {
		return err
	}
	if msg.Swap.Scheme != sold.Scheme() {
		return fmt.Errorf("%w: proposal uses %s, we need %s", swap.ErrIncompatibleCommitment, msg.Swap.Scheme, sold.Scheme())
	}
	lt := msg.Swap.LockTimes
	if err := swap.CheckLockTimes(lt.Initiator, lt.Acceptor, lt.Margin); err != nil {
		return err
	}

	local, err := m.requisites.Requisites(ctx, terms.SoldCurrency, terms.PurchasedCurrency)
	if err != nil {
		return fmt.Errorf("requisites: %w", err)
	}
	local.ID = m.peerID

	id, err := m.store.NextSwapID()
	if err != nil {
		return fmt.Errorf("reserve swap id: %w", err)
	}
	s, err := swap.New(id, terms, false, msg.Swap.Scheme, lt, local)
	if err != nil {
		return err
	}
	if err := s.SetSecretHash(hash); err != nil {
		return err
	}
	reward, err := purchased.RewardForRedeem(ctx, s)
	if err != nil {
		return fmt.Errorf("reward for redeem: %w", err)
	}
	s.UpdateLocal(func(p *swap.Party) { p.RewardForRedeem = reward })
	remote := msg.Swap.Party
	remote.ID = msg.From
	s.UpdateRemote(func(p *swap.Party) { *p = remote })
	s.SetStatus(swap.StatusInitiated | swap.StatusAccepted)

	if err := m.register(s); err != nil {
		if errors.Is(err, ErrDuplicateSwap) {
			return nil
		}
		return err
	}
	if err := m.persist(s); err != nil {
		return err
	}
	m.log.Info("Swap accepted", "swap_id", s.ID, "sold", terms.SoldCurrency, "purchased", terms.PurchasedCurrency, "peer", msg.From)

	snap := s.Snapshot()
	if err := m.notifier.NotifyAccept(ctx, snap); err != nil {
		m.log.Warn("Failed to send acceptance", "swap_id", s.ID, "error", err)
	}
	m.armTimeout(s)
	m.broker.publish(Event{Type: EventSwapUpdated, Swap: snap, Added: s.Flags()})
	m.schedule(s.ID)
	return nil
}

// accepted records the acceptor's requisites on our initiated swap.
func (m *Manager) accepted(msg transport.Message) error {
	s, err := m.swapByHash(msg.Swap.SecretHash)
	if err != nil {
		return err
	}
	if !s.IsInitiator {
		return fmt.Errorf("%w: acceptance for swap %d, which we accepted", ErrTermsMismatch, s.ID)
	}
	if t := msg.Swap.CounterpartyTerms(); t.SoldCurrency != s.SoldCurrency || t.PurchasedCurrency != s.PurchasedCurrency ||
		t.SoldAmount != s.SoldAmount || t.PurchasedAmount != s.PurchasedAmount {
		return fmt.Errorf("%w: swap %d", ErrTermsMismatch, s.ID)
	}
	if msg.Swap.LockTimes != s.LockTimes {
		return fmt.Errorf("%w: swap %d lock times", ErrTermsMismatch, s.ID)
	}
	if s.Status().Has(swap.StatusAccepted) {
		return nil
	}

	remote := msg.Swap.Party
	remote.ID = msg.From
	s.UpdateRemote(func(p *swap.Party) { *p = remote })
	s.SetStatus(swap.StatusAccepted)
	m.log.Info("Counterparty accepted", "swap_id", s.ID, "peer", msg.From, "reward_for_redeem", remote.RewardForRedeem)
	m.SwapUpdated(s, swap.FlagsEmpty)
	return nil
}

// status merges transaction hints from the counterparty. They are only
// used to find its lock faster; the lock is still verified on chain.
func (m *Manager) status(msg transport.Message) error {
	s, err := m.swapByHash(msg.Swap.SecretHash)
	if err != nil {
		return err
	}
	hint := msg.Swap.Party
	changed := false
	s.UpdateRemote(func(p *swap.Party) {
		if p.PaymentTxID == "" && hint.PaymentTxID != "" {
			p.PaymentTxID = hint.PaymentTxID
			changed = true
		}
		if p.RedeemScript == "" && hint.RedeemScript != "" {
			p.RedeemScript = hint.RedeemScript
			changed = true
		}
	})
	if changed {
		m.SwapUpdated(s, swap.FlagsEmpty)
	}
	return nil
}

// Run feeds incoming counterparty messages to HandleSwap until in is
// closed or ctx is done.
func (m *Manager) Run(ctx context.Context, in <-chan transport.Message) {
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return
			}
			if err := m.HandleSwap(ctx, msg); err != nil {
				m.log.Warn("Rejected counterparty message", "type", msg.Type, "from", msg.From, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Restore loads the swaps that still need watches and re-issues them. It
// never broadcasts a transaction whose broadcast was already recorded.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	records, err := m.store.ListActiveSwaps()
	if err != nil {
		return 0, fmt.Errorf("list active swaps: %w", err)
	}

	restored := 0
	for _, r := range records {
		s, err := swap.FromRecord(r)
		if err != nil {
			m.log.Error("Skipping unreadable swap", "swap_id", r.ID, "error", err)
			continue
		}
		if err := m.register(s); err != nil {
			continue
		}
		if err := m.restore(ctx, s); err != nil {
			m.log.Error("Failed to restore swap", "swap_id", s.ID, "error", err)
			m.broker.publish(Event{Type: EventSwapFailed, Swap: s.Snapshot(), Err: err})
		}
		restored++
	}
	m.log.Info("Swaps restored", "count", restored)
	return restored, nil
}

func (m *Manager) restore(ctx context.Context, s *swap.Swap) error {
	sold, err := m.driverFor(s.SoldCurrency)
	if err != nil {
		return err
	}
	purchased, err := m.driverFor(s.PurchasedCurrency)
	if err != nil {
		return err
	}
	if err := sold.RestoreFromSoldSide(ctx, s); err != nil {
		return err
	}
	if err := purchased.RestoreFromPurchasedSide(ctx, s); err != nil {
		return err
	}
	if s.IsActive() {
		m.armTimeout(s)
		m.schedule(s.ID)
	}
	return nil
}

// Cancel cancels a swap. Watches that protect our locked payment keep
// running until it is refunded or spent.
func (m *Manager) Cancel(ctx context.Context, id uint64, reason string) error {
	s, err := m.swap(id)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "canceled by user"
	}
	m.cancelSwap(s, reason)
	return nil
}

func (m *Manager) cancelSwap(s *swap.Swap, reason string) {
	if !s.Cancel(reason) {
		return
	}
	n := m.runner.CancelSwap(s.ID, driver.RefundGuards...)
	m.log.Warn("Swap canceled", "swap_id", s.ID, "reason", reason, "watches_stopped", n)
	m.SwapUpdated(s, swap.IsCanceled)
}

// Get returns a snapshot of a swap.
func (m *Manager) Get(id uint64) (swap.Record, error) {
	if s, err := m.swap(id); err == nil {
		return s.Snapshot(), nil
	}
	r, err := m.store.GetSwap(id)
	if errors.Is(err, storage.ErrSwapNotFound) {
		return swap.Record{}, fmt.Errorf("%w: %d", ErrSwapNotFound, id)
	}
	if err != nil {
		return swap.Record{}, err
	}
	r.Secret = ""
	return r, nil
}

// List returns snapshots of the swaps held in memory, by id.
func (m *Manager) List() []swap.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]swap.Record, 0, len(m.swaps))
	for _, s := range m.swaps {
		out = append(out, s.Snapshot())
	}
	sortRecords(out)
	return out
}

// Close stops all watches and waits for in-flight steps.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()

	m.cancel()
	err := m.runner.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	m.broker.close()
	return err
}

// =============================================================================
// Registry
// =============================================================================

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func (m *Manager) register(s *swap.Swap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.swaps[s.ID]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateSwap, s.ID)
	}
	hash := hex.EncodeToString(s.SecretHash())
	if _, ok := m.byHash[hash]; ok {
		return fmt.Errorf("%w: hash %s", ErrDuplicateSwap, hash)
	}
	m.swaps[s.ID] = s
	m.byHash[hash] = s.ID
	return nil
}

func (m *Manager) swap(id uint64) (*swap.Swap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.swaps[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrSwapNotFound, id)
	}
	return s, nil
}

func (m *Manager) byHashLookup(hash string) (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byHash[strings.ToLower(hash)]
	return id, ok
}

func (m *Manager) swapByHash(hash string) (*swap.Swap, error) {
	id, ok := m.byHashLookup(hash)
	if !ok {
		return nil, fmt.Errorf("%w: hash %s", ErrSwapNotFound, hash)
	}
	return m.swap(id)
}

func (m *Manager) persist(s *swap.Swap) error {
	if err := m.store.SaveSwap(s.Record()); err != nil {
		m.log.Error("Failed to save swap", "swap_id", s.ID, "error", err)
		return err
	}
	return nil
}
